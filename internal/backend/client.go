// Package backend is the REST client for the interview-question service, the
// system of record for the sync pipeline. It produces the work-list of
// questions not yet in Anki, consumes the outcome records of a run, and
// forwards batched summary imports.
//
// Read calls and the idempotent "update uploaded" call are retried with
// [Retry]; 4xx responses are treated as permanent.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/prisma-ai/ankisync/internal/model"
)

const (
	pathPendingCount  = "/question/unuploaded-count"
	pathPending       = "/question/unuploaded"
	pathMarkUploaded  = "/question/update-uploaded"
	pathImportSummary = "/interview-summary/import_id"

	// DefaultPageSize is the number of questions requested per page.
	DefaultPageSize = 500

	defaultTimeout = 30 * time.Second
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// envelope is the backend's response wrapper.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// PendingCount summarizes the questions that have not been uploaded yet.
type PendingCount struct {
	Total    int `json:"total" validate:"gte=0"`
	Unmaster int `json:"unmaster" validate:"gte=0"`
	Favorite int `json:"favorite" validate:"gte=0"`
}

// Filter narrows the fetched work-list.
type Filter struct {
	OnlyUnmastered bool
	OnlyFavorite   bool
}

func (f Filter) keep(item *model.WorkItem) bool {
	if f.OnlyUnmastered && item.IsMaster {
		return false
	}
	if f.OnlyFavorite && !item.IsFavorite {
		return false
	}
	return true
}

// Client talks to the backend REST API. Create one with [NewClient].
type Client struct {
	baseURL     string
	token       string
	hc          *http.Client
	maxAttempts int
	log         *slog.Logger
	validate    *validator.Validate
}

// NewClient creates a Client for baseURL authenticated with token. A nil hc
// selects an [http.Client] with a 30s timeout.
func NewClient(baseURL, token string, hc *http.Client, maxAttempts int, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		hc:          hc,
		maxAttempts: maxAttempts,
		log:         logger,
		validate:    validator.New(),
	}
}

// PendingCount returns the number of questions awaiting upload.
func (c *Client) PendingCount(ctx context.Context) (PendingCount, error) {
	var env envelope[PendingCount]
	err := Retry(ctx, c.maxAttempts, func() error {
		return c.doJSON(ctx, http.MethodGet, pathPendingCount, nil, &env)
	})
	if err != nil {
		return PendingCount{}, fmt.Errorf("pending count: %w", err)
	}
	if err := c.validate.Struct(env.Data); err != nil {
		return PendingCount{}, fmt.Errorf("pending count: invalid response: %w", err)
	}
	return env.Data, nil
}

// FetchPage returns one 1-based page of pending questions.
func (c *Client) FetchPage(ctx context.Context, page, size int) ([]model.WorkItem, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	path := pathPending + "?" + q.Encode()

	var env envelope[[]model.WorkItem]
	err := Retry(ctx, c.maxAttempts, func() error {
		return c.doJSON(ctx, http.MethodGet, path, nil, &env)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	for i := range env.Data {
		if err := c.validate.Struct(&env.Data[i]); err != nil {
			return nil, fmt.Errorf("fetch page %d: item %d invalid: %w", page, i, err)
		}
	}
	return env.Data, nil
}

// FetchPending reads the full work-list: the pending count first, then
// ceil(total/pageSize) pages. Items are filtered and returned in backend order.
func (c *Client) FetchPending(ctx context.Context, pageSize int, filter Filter) ([]model.WorkItem, error) {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	count, err := c.PendingCount(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]model.WorkItem, 0, count.Total)
	for page := 1; (page-1)*pageSize < count.Total; page++ {
		batch, err := c.FetchPage(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		for i := range batch {
			if filter.keep(&batch[i]) {
				items = append(items, batch[i])
			}
		}
		c.log.Debug("fetched pending page", "page", page, "size", len(batch))
		if len(batch) == 0 {
			break
		}
	}

	c.log.Info("work-list fetched", "pending", count.Total, "selected", len(items))
	return items, nil
}

// MarkUploaded records outcomes in the backend. The endpoint is idempotent on
// articleId, so the call is retried.
func (c *Client) MarkUploaded(ctx context.Context, outcomes []model.OutcomeRecord) error {
	if len(outcomes) == 0 {
		return nil
	}
	err := Retry(ctx, c.maxAttempts, func() error {
		return c.doJSON(ctx, http.MethodPost, pathMarkUploaded, outcomes, nil)
	})
	if err != nil {
		return fmt.Errorf("mark %d uploaded: %w", len(outcomes), err)
	}
	return nil
}

// ImportSummaries imports the given interview summaries into the current
// user's collection in a single call. Not retried: the backend does not
// document idempotence for imports.
func (c *Client) ImportSummaries(ctx context.Context, summaryIDs []int64) error {
	if len(summaryIDs) == 0 {
		return nil
	}
	body := struct {
		SummaryID []int64 `json:"summaryId"`
	}{SummaryID: summaryIDs}
	if err := c.doJSON(ctx, http.MethodPost, pathImportSummary, body, nil); err != nil {
		return fmt.Errorf("import %d summaries: %w", len(summaryIDs), err)
	}
	return nil
}

// doJSON performs a JSON request and decodes the response into result when
// non-nil. 4xx responses are wrapped with [Permanent].
func (c *Client) doJSON(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Permanent(fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(snippet)),
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Permanent(serr)
		}
		return serr
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
