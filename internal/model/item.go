// Package model defines the types shared by the flashcard sync pipeline: the
// work items fetched from the backend, the notes rendered from them, and the
// per-item outcomes written back after a run.
package model

// SentinelSkipped is the external note ID recorded for a work item that was
// considered but not written (duplicate in store, duplicate in batch, or
// rejected). The backend treats it as "do not retry".
const SentinelSkipped int64 = -1

// WorkItem is an interview question pending synchronization. It mirrors the
// backend's question DTO; nullable columns are pointers so renderers can tell
// "absent" from "empty". Immutable for the duration of a run.
type WorkItem struct {
	ID             int64   `json:"id" validate:"required,gt=0"`
	Link           string  `json:"link"`
	Title          string  `json:"title"`
	QuizType       string  `json:"quiz_type"`
	Content        string  `json:"content"`
	ContentMindmap *string `json:"content_mindmap"`
	UserNote       *string `json:"user_note"`
	Gist           *string `json:"gist"`
	ContentType    string  `json:"content_type"`
	JobType        *string `json:"job_type"`
	Hard           string  `json:"hard"`
	Own            bool    `json:"own"`
	Version        string  `json:"version"`
	ChangeLog      *string `json:"change_log"`

	IsMaster   bool `json:"is_master"`
	IsFavorite bool `json:"is_favorite"`
}

// GroupingPath holds the three segments that make up a deck name.
type GroupingPath struct {
	Scope           string
	JobCategory     string
	ContentCategory string
}

// Key joins the segments with the deck hierarchy separator.
func (g GroupingPath) Key() string {
	return g.Scope + "::" + g.JobCategory + "::" + g.ContentCategory
}

// CandidateNote is the external-store projection of one WorkItem. Every field
// value is non-empty; absent source data is replaced by a placeholder.
type CandidateNote struct {
	WorkItemID int64
	Title      string
	Grouping   GroupingPath
	ModelName  string
	Fields     map[string]string
	Labels     []string
}

// VerdictKind classifies a candidate during duplicate filtering.
type VerdictKind int

const (
	// VerdictUploadable means the candidate may be written.
	VerdictUploadable VerdictKind = iota
	// VerdictDuplicateInStore means the external store refused the candidate.
	VerdictDuplicateInStore
	// VerdictDuplicateInBatch means an earlier candidate in the run had the same title.
	VerdictDuplicateInBatch
)

// String returns a short label used in logs.
func (k VerdictKind) String() string {
	switch k {
	case VerdictUploadable:
		return "uploadable"
	case VerdictDuplicateInStore:
		return "duplicate_in_store"
	case VerdictDuplicateInBatch:
		return "duplicate_in_batch"
	default:
		return "unknown"
	}
}

// Verdict is the filter's decision for one candidate.
type Verdict struct {
	Kind VerdictKind

	// Reason is the store's raw rejection message for DuplicateInStore.
	Reason string

	// Unexpected is set when the store rejected the candidate for a reason
	// other than the canonical duplicate message.
	Unexpected bool
}

// OutcomeRecord pairs a work item with the note ID it received, or
// [SentinelSkipped].
type OutcomeRecord struct {
	WorkItemID     int64 `json:"articleId"`
	ExternalNoteID int64 `json:"ankiNoteId"`
}

// Skipped reports whether the outcome carries the sentinel.
func (o OutcomeRecord) Skipped() bool {
	return o.ExternalNoteID == SentinelSkipped
}

// Progress is the {total, completed} pair reported after each chunk.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Done reports whether every item has been processed.
func (p Progress) Done() bool {
	return p.Completed >= p.Total
}
