// Package setup implements the interactive first-run wizard that writes the
// ankisync config file after checking that AnkiConnect answers.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// errNoInput is returned by ask when the reader is exhausted.
var errNoInput = errors.New("no input")

// Prompter reads answers line by line from r and writes prompts to w. The
// wizard passes os.Stdin and os.Stdout; tests pass buffers.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// ask prints "  label hint: " and returns the trimmed answer.
func (p *Prompter) ask(label, hint string) (string, error) {
	if hint != "" {
		label += " " + hint
	}
	_, _ = fmt.Fprintf(p.w, "  %s: ", label)
	if !p.scanner.Scan() {
		return "", errNoInput
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

func (p *Prompter) note(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "  ("+format+")\n", args...)
}

// String asks for a text value. Enter selects defaultVal; with an empty
// defaultVal the question repeats until something is typed.
func (p *Prompter) String(label, defaultVal string) string {
	hint := ""
	if defaultVal != "" {
		hint = "[" + defaultVal + "]"
	}
	for {
		val, err := p.ask(label, hint)
		switch {
		case err != nil:
			return defaultVal
		case val != "":
			return val
		case defaultVal != "":
			return defaultVal
		}
		p.note("required, please enter a value")
	}
}

// Secret asks for a sensitive value such as the backend token. Input is
// echoed; masking would need raw terminal mode. When optional is set an empty
// answer is accepted.
func (p *Prompter) Secret(label string, optional bool) string {
	for {
		val, err := p.ask(label, "")
		if err != nil || val != "" || optional {
			return val
		}
		p.note("required, please enter a value")
	}
}

// Confirm asks a yes/no question. Enter or end of input selects defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	val, err := p.ask(label, hint)
	if err != nil || val == "" {
		return defaultYes
	}
	switch strings.ToLower(val) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Select lists options numbered from 1 and returns the zero-based index of
// the one picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("no options to select from")
	}
	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}
	for {
		val, err := p.ask(fmt.Sprintf("Choice [1-%d]", len(options)), "")
		if err != nil {
			return -1, err
		}
		if n, convErr := strconv.Atoi(val); convErr == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.note("enter a number between 1 and %d", len(options))
	}
}

// Int asks for a whole number within [lo, hi]. Enter or end of input selects
// defaultVal.
func (p *Prompter) Int(label string, defaultVal, lo, hi int) int {
	for {
		val, err := p.ask(label, fmt.Sprintf("[%d]", defaultVal))
		if err != nil || val == "" {
			return defaultVal
		}
		if n, convErr := strconv.Atoi(val); convErr == nil && n >= lo && n <= hi {
			return n
		}
		p.note("enter a number between %d and %d", lo, hi)
	}
}
