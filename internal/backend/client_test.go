package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/prisma-ai/ankisync/internal/model"
)

// fakeBackend serves a fixed work-list over the backend endpoints.
type fakeBackend struct {
	mu       sync.Mutex
	items    []model.WorkItem
	uploaded [][]model.OutcomeRecord
	imported [][]int64
	auth     []string
	pages    []string
	failNext int // number of upcoming update-uploaded calls to fail with 503
	status   int // forced status for every request when non-zero
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	if f.status != 0 {
		http.Error(w, "forced", f.status)
		return
	}

	switch r.URL.Path {
	case pathPendingCount:
		writeEnvelope(w, PendingCount{Total: len(f.items)})
	case pathPending:
		f.pages = append(f.pages, r.URL.RawQuery)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		lo := min((page-1)*size, len(f.items))
		hi := min(lo+size, len(f.items))
		writeEnvelope(w, f.items[lo:hi])
	case pathMarkUploaded:
		if f.failNext > 0 {
			f.failNext--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var recs []model.OutcomeRecord
		if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.uploaded = append(f.uploaded, recs)
		writeEnvelope(w, true)
	case pathImportSummary:
		var body struct {
			SummaryID []int64 `json:"summaryId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.imported = append(f.imported, body.SummaryID)
		writeEnvelope(w, true)
	default:
		http.NotFound(w, r)
	}
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "ok", "data": data})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, f *fakeBackend) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", srv.Client(), 2, testLogger())
}

func makeItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, n)
	for i := range items {
		items[i] = model.WorkItem{ID: int64(i + 1), Title: fmt.Sprintf("q%d", i+1)}
	}
	return items
}

// ---------------------------------------------------------------------------
// FetchPending
// ---------------------------------------------------------------------------

func TestFetchPending_Paginates(t *testing.T) {
	f := &fakeBackend{items: makeItems(7)}
	c := newTestClient(t, f)

	items, err := c.FetchPending(context.Background(), 3, Filter{})
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(items) != 7 {
		t.Fatalf("got %d items, want 7", len(items))
	}
	for i, it := range items {
		if it.ID != int64(i+1) {
			t.Errorf("items[%d].ID = %d, want %d (order preserved)", i, it.ID, i+1)
		}
	}
	if len(f.pages) != 3 {
		t.Errorf("page requests = %d, want 3: %v", len(f.pages), f.pages)
	}
}

func TestFetchPending_EmptyMakesNoPageRequest(t *testing.T) {
	f := &fakeBackend{}
	c := newTestClient(t, f)

	items, err := c.FetchPending(context.Background(), 0, Filter{})
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(items) != 0 || len(f.pages) != 0 {
		t.Errorf("items=%d pages=%d, want 0 and 0", len(items), len(f.pages))
	}
}

func TestFetchPending_Filters(t *testing.T) {
	items := makeItems(4)
	items[0].IsMaster = true
	items[1].IsFavorite = true
	items[2].IsFavorite = true
	items[2].IsMaster = true

	tests := []struct {
		name   string
		filter Filter
		want   []int64
	}{
		{"none", Filter{}, []int64{1, 2, 3, 4}},
		{"unmastered", Filter{OnlyUnmastered: true}, []int64{2, 4}},
		{"favorite", Filter{OnlyFavorite: true}, []int64{2, 3}},
		{"both", Filter{OnlyUnmastered: true, OnlyFavorite: true}, []int64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakeBackend{items: items})
			got, err := c.FetchPending(context.Background(), 10, tt.filter)
			if err != nil {
				t.Fatalf("FetchPending: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d items, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestFetchPending_InvalidItem(t *testing.T) {
	f := &fakeBackend{items: []model.WorkItem{{ID: 0, Title: "no id"}}}
	c := newTestClient(t, f)

	if _, err := c.FetchPending(context.Background(), 10, Filter{}); err == nil {
		t.Fatal("expected validation error for item without id")
	}
}

func TestFetchPending_SendsBearerToken(t *testing.T) {
	f := &fakeBackend{items: makeItems(1)}
	c := newTestClient(t, f)

	if _, err := c.FetchPending(context.Background(), 10, Filter{}); err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	for _, a := range f.auth {
		if a != "Bearer secret" {
			t.Errorf("Authorization = %q, want %q", a, "Bearer secret")
		}
	}
}

// ---------------------------------------------------------------------------
// MarkUploaded
// ---------------------------------------------------------------------------

func TestMarkUploaded_WireFormat(t *testing.T) {
	f := &fakeBackend{}
	c := newTestClient(t, f)

	recs := []model.OutcomeRecord{
		{WorkItemID: 1, ExternalNoteID: 1001},
		{WorkItemID: 2, ExternalNoteID: model.SentinelSkipped},
	}
	if err := c.MarkUploaded(context.Background(), recs); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if len(f.uploaded) != 1 || len(f.uploaded[0]) != 2 {
		t.Fatalf("uploaded = %v", f.uploaded)
	}
	if f.uploaded[0][1].ExternalNoteID != -1 {
		t.Errorf("sentinel = %d, want -1", f.uploaded[0][1].ExternalNoteID)
	}
}

func TestMarkUploaded_RetriesServerError(t *testing.T) {
	f := &fakeBackend{failNext: 1}
	c := newTestClient(t, f)

	err := c.MarkUploaded(context.Background(), []model.OutcomeRecord{{WorkItemID: 1, ExternalNoteID: 5}})
	if err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if len(f.uploaded) != 1 {
		t.Errorf("uploaded calls = %d, want 1", len(f.uploaded))
	}
}

func TestMarkUploaded_ClientErrorIsPermanent(t *testing.T) {
	f := &fakeBackend{status: http.StatusUnauthorized}
	c := newTestClient(t, f)

	err := c.MarkUploaded(context.Background(), []model.OutcomeRecord{{WorkItemID: 1, ExternalNoteID: 5}})
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if serr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", serr.StatusCode)
	}
	if len(f.auth) != 1 {
		t.Errorf("requests = %d, want 1 (no retry on 4xx)", len(f.auth))
	}
}

func TestMarkUploaded_EmptyIsNoop(t *testing.T) {
	f := &fakeBackend{}
	c := newTestClient(t, f)

	if err := c.MarkUploaded(context.Background(), nil); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if len(f.auth) != 0 {
		t.Errorf("requests = %d, want 0", len(f.auth))
	}
}

// ---------------------------------------------------------------------------
// ImportSummaries
// ---------------------------------------------------------------------------

func TestImportSummaries(t *testing.T) {
	f := &fakeBackend{}
	c := newTestClient(t, f)

	if err := c.ImportSummaries(context.Background(), []int64{3, 1, 2}); err != nil {
		t.Fatalf("ImportSummaries: %v", err)
	}
	if len(f.imported) != 1 {
		t.Fatalf("import calls = %d, want 1", len(f.imported))
	}
	if got := f.imported[0]; len(got) != 3 || got[0] != 3 || got[2] != 2 {
		t.Errorf("imported = %v, want [3 1 2]", got)
	}
}
