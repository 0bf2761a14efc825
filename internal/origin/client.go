// Package origin is the HTTP client for the origin service. One client
// serves both the change feed and deferred query answering, and every
// round trip feeds a throughput sample to the connectivity monitor so the
// data plane itself keeps the tier fresh between probes.
package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gramsetu/syncache/internal/connectivity"
	"github.com/gramsetu/syncache/internal/queue"
	"github.com/gramsetu/syncache/internal/store"
	"github.com/gramsetu/syncache/internal/syncer"
)

// Change feeds can carry a full batch of entry payloads; answers are a
// single response document.
const (
	maxChangesBody = 16 << 20
	maxAnswerBody  = 1 << 20
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// SampleSink receives one throughput sample per origin round trip. The
// connectivity monitor satisfies it.
type SampleSink interface {
	Observe(sample connectivity.Sample)
}

// Options configures the origin client.
type Options struct {
	// BaseURL is the origin root, e.g. http://origin.internal:9090.
	BaseURL string
	// Timeout bounds each round trip. Defaults to 15s.
	Timeout time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client httpDoer
	// Samples, when set, observes a connectivity sample per round trip.
	Samples SampleSink
	Logger  *slog.Logger
}

// Client calls the origin's JSON API.
type Client struct {
	base    *url.URL
	client  httpDoer
	samples SampleSink
	logger  *slog.Logger
}

var (
	_ syncer.ChangeFeed    = (*Client)(nil)
	_ syncer.AnswerService = (*Client)(nil)
)

// New validates the base URL and returns a ready client.
func New(opts Options) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if trimmed == "" {
		return nil, errors.New("origin: base url is required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("origin: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("origin: unsupported scheme %q", base.Scheme)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:    base,
		client:  client,
		samples: opts.Samples,
		logger:  opts.Logger,
	}, nil
}

type changesResponse struct {
	Changes    []store.CacheEntry `json:"changes"`
	NextCursor string             `json:"nextCursor"`
}

// Pull fetches one change batch for a collection starting after the
// cursor. An empty cursor starts from the beginning of the feed.
func (c *Client) Pull(ctx context.Context, collection, sinceCursor string, limit int) (syncer.PullResult, error) {
	target := c.base.JoinPath("v1", "changes", collection)
	values := url.Values{}
	if sinceCursor != "" {
		values.Set("cursor", sinceCursor)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	target.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return syncer.PullResult{}, fmt.Errorf("origin: build pull request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, maxChangesBody)
	if err != nil {
		return syncer.PullResult{}, fmt.Errorf("origin: pull %s: %w", collection, err)
	}

	var decoded changesResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return syncer.PullResult{}, fmt.Errorf("origin: decode %s changes: %w", collection, err)
	}
	return syncer.PullResult{Changes: decoded.Changes, NextCursor: decoded.NextCursor}, nil
}

type answerRequest struct {
	ID        string          `json:"id"`
	Query     json.RawMessage `json:"query"`
	Language  string          `json:"language,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Answer submits a deferred query and returns the origin's response
// document verbatim. A non-2xx status is an error so the queue's retry
// policy decides what happens next.
func (c *Client) Answer(ctx context.Context, request queue.Request) (json.RawMessage, error) {
	payload, err := json.Marshal(answerRequest{
		ID:        request.ID,
		Query:     request.Payload,
		Language:  request.Language,
		SessionID: request.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("origin: encode answer request: %w", err)
	}

	target := c.base.JoinPath("v1", "answer")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("origin: build answer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	body, err := c.do(req, maxAnswerBody)
	if err != nil {
		return nil, fmt.Errorf("origin: answer %s: %w", request.ID, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("origin: answer %s: response is not valid json", request.ID)
	}
	return json.RawMessage(body), nil
}

// do executes the request and reports the round trip to the sample sink.
// Transport failures count as timeouts for tier purposes; HTTP error
// statuses still moved bytes over the link, so they observe a normal
// sample and surface as errors separately.
func (c *Client) do(req *http.Request, limit int64) ([]byte, error) {
	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(connectivity.Sample{TimedOut: true, At: time.Now().UTC()})
		return nil, fmt.Errorf("round trip: %w", err)
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
	closeErr := resp.Body.Close()
	elapsed := time.Since(started)
	if readErr != nil {
		c.observe(connectivity.Sample{TimedOut: true, At: time.Now().UTC()})
		return nil, fmt.Errorf("read response: %w", readErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close response: %w", closeErr)
	}

	c.observe(connectivity.NewSample(elapsed, len(body), false))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, summarize(body))
	}
	return body, nil
}

func (c *Client) observe(sample connectivity.Sample) {
	if c.samples == nil {
		return
	}
	c.samples.Observe(sample)
}

// summarize trims an error body down to a log-safe line.
func summarize(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return "(empty body)"
	}
	return text
}
