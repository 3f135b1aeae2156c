package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prisma-ai/ankisync/internal/model"
)

// Resolver ensures the decks a chunk's notes belong to exist before any note
// is written into them.
type Resolver struct {
	store AnkiStore
	log   *slog.Logger
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store AnkiStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, log: logger}
}

// DeckKeys returns the unique deck names of candidates in first-seen order.
func DeckKeys(candidates []model.CandidateNote) []string {
	seen := make(map[string]struct{}, len(candidates))
	keys := make([]string, 0, len(candidates))
	for i := range candidates {
		k := candidates[i].Grouping.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// EnsureGroupings issues one createDeck per unique key. Creating an existing
// deck is a no-op on the Anki side.
func (r *Resolver) EnsureGroupings(ctx context.Context, keys []string) error {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if err := r.store.CreateDeck(ctx, k); err != nil {
			return fmt.Errorf("ensuring deck %q: %w", k, err)
		}
		r.log.Debug("deck ensured", "deck", k)
	}
	return nil
}
