package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prisma-ai/ankisync/internal/anki"
	"github.com/prisma-ai/ankisync/internal/model"
)

// Partition is the result of duplicate filtering for one chunk.
type Partition struct {
	// Uploadable holds the candidates that may be written, in input order.
	Uploadable []model.CandidateNote

	// Verdicts is aligned with the input candidates.
	Verdicts []model.Verdict
}

// Filter classifies candidate notes against the store and against each other.
type Filter struct {
	store AnkiStore
	log   *slog.Logger
}

// NewFilter creates a Filter backed by store.
func NewFilter(store AnkiStore, logger *slog.Logger) *Filter {
	return &Filter{store: store, log: logger}
}

// Partition checks every candidate with one canAdd call, then walks the
// remaining candidates keyed by deck and title. The first occurrence is kept;
// later ones are marked duplicate-in-batch.
func (f *Filter) Partition(ctx context.Context, candidates []model.CandidateNote) (Partition, error) {
	p := Partition{Verdicts: make([]model.Verdict, len(candidates))}
	if len(candidates) == 0 {
		return p, nil
	}

	results, err := f.store.CanAddNotes(ctx, toNotes(candidates))
	if err != nil {
		return Partition{}, fmt.Errorf("duplicate check: %w", err)
	}
	if len(results) != len(candidates) {
		return Partition{}, fmt.Errorf("duplicate check: got %d results for %d notes", len(results), len(candidates))
	}

	seen := make(map[string]struct{}, len(candidates))
	for i := range candidates {
		res := results[i]
		if !res.CanAdd {
			kind := anki.Classify(res.Error)
			p.Verdicts[i] = model.Verdict{
				Kind:       model.VerdictDuplicateInStore,
				Reason:     res.Error,
				Unexpected: kind != anki.KindDuplicate,
			}
			continue
		}

		key := noteIdentity(&candidates[i])
		if _, dup := seen[key]; dup {
			p.Verdicts[i] = model.Verdict{Kind: model.VerdictDuplicateInBatch}
			f.log.Debug("title repeated in chunk", "article_id", candidates[i].WorkItemID, "title", candidates[i].Title)
			continue
		}
		seen[key] = struct{}{}
		p.Verdicts[i] = model.Verdict{Kind: model.VerdictUploadable}
		p.Uploadable = append(p.Uploadable, candidates[i])
	}
	return p, nil
}

// noteIdentity is the (deck, title) pair no two notes of a run may share.
func noteIdentity(c *model.CandidateNote) string {
	return c.Grouping.Key() + "\x00" + c.Title
}

func toNotes(candidates []model.CandidateNote) []anki.Note {
	notes := make([]anki.Note, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		notes[i] = anki.Note{
			DeckName:  c.Grouping.Key(),
			ModelName: c.ModelName,
			Fields:    c.Fields,
			Tags:      c.Labels,
		}
	}
	return notes
}
