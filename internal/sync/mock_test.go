package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prisma-ai/ankisync/internal/anki"
	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/model"
	"github.com/prisma-ai/ankisync/internal/render"
	"github.com/prisma-ai/ankisync/internal/state"
)

// --- Mock Anki store ---------------------------------------------------------

type mockAnki struct {
	mu     sync.Mutex
	notes  map[string]int64 // deck + "\x00" + title → note id
	decks  []string
	nextID int64

	canAddCalls int
	addCalls    int
	addSizes    []int

	// rejectTitles makes canAdd refuse these titles with the given reason.
	rejectTitles map[string]string
	// failAddOnCall makes the n-th addNotes call (1-based) fail in transport.
	failAddOnCall int
	// addErr, when set, is returned by every addNotes call.
	addErr error
	// nullTitles makes addNotes return a null id for these titles.
	nullTitles map[string]bool
	// dupEnvelope makes addNotes store the batch and then answer with the
	// duplicate error instead of the ids.
	dupEnvelope bool
	// findErr, when set, is returned by every findNotes call.
	findErr   error
	findCalls int
}

func newMockAnki() *mockAnki {
	return &mockAnki{
		notes:        make(map[string]int64),
		nextID:       1000,
		rejectTitles: make(map[string]string),
		nullTitles:   make(map[string]bool),
	}
}

func noteKey(deck, title string) string { return deck + "\x00" + title }

func (m *mockAnki) seed(deck, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.notes[noteKey(deck, title)] = m.nextID
}

func (m *mockAnki) CreateDeck(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decks = append(m.decks, name)
	return nil
}

func (m *mockAnki) CanAddNotes(_ context.Context, notes []anki.Note) ([]anki.CanAddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canAddCalls++

	out := make([]anki.CanAddResult, len(notes))
	for i, n := range notes {
		title := n.Fields[render.TitleField]
		if reason, ok := m.rejectTitles[title]; ok {
			out[i] = anki.CanAddResult{Error: reason}
			continue
		}
		if _, ok := m.notes[noteKey(n.DeckName, title)]; ok {
			out[i] = anki.CanAddResult{Error: anki.DuplicateMessage}
			continue
		}
		out[i] = anki.CanAddResult{CanAdd: true}
	}
	return out, nil
}

func (m *mockAnki) AddNotes(_ context.Context, notes []anki.Note) ([]*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls++
	m.addSizes = append(m.addSizes, len(notes))

	if m.addCalls == m.failAddOnCall {
		return nil, &anki.TransportError{Action: "addNotes", Err: errors.New("connection reset")}
	}
	if m.addErr != nil {
		return nil, m.addErr
	}

	out := make([]*int64, len(notes))
	for i, n := range notes {
		title := n.Fields[render.TitleField]
		key := noteKey(n.DeckName, title)
		if _, exists := m.notes[key]; exists || m.nullTitles[title] {
			continue
		}
		m.nextID++
		id := m.nextID
		m.notes[key] = id
		out[i] = &id
	}
	if m.dupEnvelope {
		return nil, &anki.ExternalError{Action: "addNotes", Message: anki.DuplicateMessage, Kind: anki.KindDuplicate}
	}
	return out, nil
}

func (m *mockAnki) FindNotes(_ context.Context, query string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []int64
	for key, id := range m.notes {
		deck, title, _ := strings.Cut(key, "\x00")
		if anki.NoteQuery(deck, render.TitleField, title) == query {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *mockAnki) counts() (canAdd, add int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canAddCalls, m.addCalls
}

func (m *mockAnki) noteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notes)
}

// --- Mock backend ------------------------------------------------------------

type mockBackend struct {
	mu        sync.Mutex
	items     []model.WorkItem
	fetchErr  error
	filters   []backend.Filter
	batches   [][]model.OutcomeRecord
	failBatch int // 1-based MarkUploaded call that fails; 0 = never
	calls     int
	// acked holds work items the backend has been told about. FetchPending
	// leaves them out, like the real unuploaded list.
	acked map[int64]bool
}

func (m *mockBackend) FetchPending(_ context.Context, _ int, filter backend.Filter) ([]model.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filter)
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []model.WorkItem
	for _, it := range m.items {
		if !m.acked[it.ID] {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *mockBackend) MarkUploaded(_ context.Context, outcomes []model.OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls == m.failBatch {
		return &backend.StatusError{Method: "POST", Path: "/question/update-uploaded", StatusCode: 500, Body: "boom"}
	}
	cp := make([]model.OutcomeRecord, len(outcomes))
	copy(cp, outcomes)
	m.batches = append(m.batches, cp)
	if m.acked == nil {
		m.acked = make(map[int64]bool)
	}
	for _, o := range outcomes {
		m.acked[o.WorkItemID] = true
	}
	return nil
}

func (m *mockBackend) delivered() []model.OutcomeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutcomeRecord
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

// --- Mock journal ------------------------------------------------------------

type mockJournal struct {
	mu       sync.Mutex
	runs     map[string]state.RunStatus
	order    []string
	outcomes map[string][]state.Outcome
	nextID   int
}

func newMockJournal() *mockJournal {
	return &mockJournal{
		runs:     make(map[string]state.RunStatus),
		outcomes: make(map[string][]state.Outcome),
	}
}

func (m *mockJournal) StartRun(_ context.Context, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("run-%d", m.nextID)
	m.runs[id] = state.RunRunning
	m.order = append(m.order, id)
	return id, nil
}

func (m *mockJournal) FinishRun(_ context.Context, runID string, status state.RunStatus, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return fmt.Errorf("no such run %s", runID)
	}
	m.runs[runID] = status
	return nil
}

func (m *mockJournal) RecordOutcomes(_ context.Context, runID string, outcomes []model.OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range outcomes {
		m.outcomes[runID] = append(m.outcomes[runID], state.Outcome{
			RunID:  runID,
			Seq:    len(m.outcomes[runID]),
			Record: o,
		})
	}
	return nil
}

func (m *mockJournal) MarkReconciled(_ context.Context, runID string, outcomes []model.OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := make(map[int64]bool, len(outcomes))
	for _, o := range outcomes {
		done[o.WorkItemID] = true
	}
	for i := range m.outcomes[runID] {
		if done[m.outcomes[runID][i].Record.WorkItemID] {
			m.outcomes[runID][i].Reconciled = true
		}
	}
	return nil
}

func (m *mockJournal) Unreconciled(_ context.Context) ([]state.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Outcome
	for _, id := range m.order {
		for _, o := range m.outcomes[id] {
			if !o.Reconciled {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

func (m *mockJournal) status(runID string) state.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

func (m *mockJournal) pendingCount() int {
	out, _ := m.Unreconciled(context.Background())
	return len(out)
}
