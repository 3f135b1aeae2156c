package anki

import (
	"context"
	"fmt"
	"strings"
)

// AnkiConnect action names.
const (
	actionVersion    = "version"
	actionCreateDeck = "createDeck"
	actionCanAdd     = "canAddNotesWithErrorDetail"
	actionAddNotes   = "addNotes"
	actionFindNotes  = "findNotes"
)

// Note is the wire shape of a note in canAdd/addNotes calls.
type Note struct {
	DeckName  string            `json:"deckName"`
	ModelName string            `json:"modelName"`
	Fields    map[string]string `json:"fields"`
	Tags      []string          `json:"tags"`
}

// CanAddResult is one element of the canAddNotesWithErrorDetail result.
type CanAddResult struct {
	CanAdd bool   `json:"canAdd"`
	Error  string `json:"error,omitempty"`
}

type notesParams struct {
	Notes []Note `json:"notes"`
}

// Version returns the AnkiConnect API version. Used as a reachability check.
func (c *Client) Version(ctx context.Context) (int, error) {
	var v int
	if err := c.Call(ctx, actionVersion, nil, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// CreateDeck creates the named deck. Creating an existing deck succeeds.
func (c *Client) CreateDeck(ctx context.Context, name string) error {
	return c.Call(ctx, actionCreateDeck, map[string]string{"deck": name}, nil)
}

// CanAddNotes checks every note in one call. The result is in input order
// and always has len(notes) elements.
func (c *Client) CanAddNotes(ctx context.Context, notes []Note) ([]CanAddResult, error) {
	if len(notes) == 0 {
		return nil, nil
	}
	var out []CanAddResult
	if err := c.Call(ctx, actionCanAdd, notesParams{Notes: notes}, &out); err != nil {
		return nil, err
	}
	if len(out) != len(notes) {
		return nil, &TransportError{
			Action: actionCanAdd,
			Err:    fmt.Errorf("got %d results for %d notes", len(out), len(notes)),
		}
	}
	return out, nil
}

// AddNotes writes the notes in one call and returns, in input order, the new
// note ID or nil for each note the store refused at write time.
func (c *Client) AddNotes(ctx context.Context, notes []Note) ([]*int64, error) {
	if len(notes) == 0 {
		return nil, nil
	}
	var out []*int64
	if err := c.Call(ctx, actionAddNotes, notesParams{Notes: notes}, &out); err != nil {
		return nil, err
	}
	if len(out) != len(notes) {
		return nil, &TransportError{
			Action: actionAddNotes,
			Err:    fmt.Errorf("got %d ids for %d notes", len(out), len(notes)),
		}
	}
	return out, nil
}

// FindNotes returns the ids of the notes matching an Anki search query.
func (c *Client) FindNotes(ctx context.Context, query string) ([]int64, error) {
	var out []int64
	if err := c.Call(ctx, actionFindNotes, map[string]string{"query": query}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	deckEscaper  = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `*`, `\*`, `_`, `\_`)
	valueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `*`, `\*`, `_`, `\_`, `:`, `\:`)
)

// NoteQuery builds a search matching notes in deck whose field equals value
// exactly. Wildcards in deck and value are escaped.
func NoteQuery(deck, field, value string) string {
	return fmt.Sprintf(`"deck:%s" "%s:%s"`, deckEscaper.Replace(deck), field, valueEscaper.Replace(value))
}
