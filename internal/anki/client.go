// Package anki talks to a running AnkiConnect instance. It provides a thin
// [Client] for the JSON action protocol, typed wrappers for the handful of
// actions the sync pipeline needs, and [Classify], the one place that knows
// how AnkiConnect words its rejections.
package anki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	// DefaultURL is where AnkiConnect listens unless reconfigured.
	DefaultURL = "http://localhost:8765"

	// protocolVersion is the AnkiConnect API version sent with every request.
	protocolVersion = 6
)

// TransportError reports a failed HTTP exchange: the service was unreachable,
// answered with a non-2xx status, or returned a body that is not a valid
// envelope.
type TransportError struct {
	Action string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("anki %s: transport: %v", e.Action, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExternalError reports a non-null error field in the response envelope.
type ExternalError struct {
	Action  string
	Message string
	Kind    ErrorKind
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("anki %s: %s", e.Action, e.Message)
}

// request is the AnkiConnect request envelope.
type request struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Params  any    `json:"params,omitempty"`
}

// response is the AnkiConnect response envelope.
type response struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// Client issues single action calls against AnkiConnect. It keeps no session
// state and performs no retries. Create one with [NewClient].
type Client struct {
	url string
	hc  *http.Client
	log *slog.Logger
}

// NewClient creates a Client for the AnkiConnect endpoint at url. A nil hc
// selects a plain [http.Client] with no timeout, so latency is bounded only by
// the caller's context.
func NewClient(url string, hc *http.Client, logger *slog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{url: url, hc: hc, log: logger}
}

// Call performs one action and decodes the result into out (which may be nil
// to discard it). It returns a [*TransportError] or [*ExternalError] on
// failure.
func (c *Client) Call(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(request{Action: action, Version: protocolVersion, Params: params})
	if err != nil {
		return fmt.Errorf("anki %s: encoding request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Action: action, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("anki request", "action", action, "bytes", len(body))

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransportError{Action: action, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{
			Action: action,
			Err:    fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
		}
	}

	var env response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &TransportError{Action: action, Err: fmt.Errorf("decoding envelope: %w", err)}
	}

	if env.Error != nil && *env.Error != "" {
		return &ExternalError{Action: action, Message: *env.Error, Kind: Classify(*env.Error)}
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &TransportError{Action: action, Err: fmt.Errorf("decoding result: %w", err)}
	}
	return nil
}

// IsTransport reports whether err is (or wraps) a [*TransportError].
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// KindOf returns the [ErrorKind] of err if it is an [*ExternalError], and
// [KindNone] otherwise.
func KindOf(err error) ErrorKind {
	var ee *ExternalError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindNone
}
