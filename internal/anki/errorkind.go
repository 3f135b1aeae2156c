package anki

import "strings"

// ErrorKind is the pipeline's own name for an AnkiConnect rejection.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindDuplicate
	KindEmptyNote
	KindDeckNotFound
	KindModelNotFound
	KindUnknown
)

// Canonical AnkiConnect messages. Matching is exact for the duplicate message.
const (
	DuplicateMessage = "cannot create note because it is a duplicate"
	emptyMessage     = "cannot create note because it is empty"
	deckNotFound     = "deck was not found"
	modelNotFound    = "model was not found"
)

// String returns a short label used in logs and metric attributes.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDuplicate:
		return "duplicate"
	case KindEmptyNote:
		return "empty_note"
	case KindDeckNotFound:
		return "deck_not_found"
	case KindModelNotFound:
		return "model_not_found"
	default:
		return "unknown"
	}
}

// Classify translates an AnkiConnect error message into an [ErrorKind].
//
// addNotes reports failures as a Python list repr such as
// "['cannot create note because it is a duplicate']"; such a list is
// KindDuplicate only when every element is the duplicate message.
func Classify(msg string) ErrorKind {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return KindNone
	}
	if elems, ok := splitListRepr(msg); ok {
		if len(elems) == 0 {
			return KindUnknown
		}
		kind := classifyOne(elems[0])
		for _, e := range elems[1:] {
			if classifyOne(e) != kind {
				return KindUnknown
			}
		}
		return kind
	}
	return classifyOne(msg)
}

func classifyOne(msg string) ErrorKind {
	switch {
	case msg == DuplicateMessage:
		return KindDuplicate
	case msg == emptyMessage:
		return KindEmptyNote
	case strings.Contains(msg, deckNotFound):
		return KindDeckNotFound
	case strings.Contains(msg, modelNotFound):
		return KindModelNotFound
	default:
		return KindUnknown
	}
}

// splitListRepr splits "['a', 'b']" into its quoted elements.
func splitListRepr(s string) ([]string, bool) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, false
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, true
	}
	parts := strings.Split(inner, ",")
	elems := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `'"`)
		if p == "" || p == "None" {
			continue
		}
		elems = append(elems, p)
	}
	return elems, true
}
