// Package extract talks to the media extraction backend. The gateway only
// sequences and traces the calls; what the backend does with a URL is its own
// business.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mediagate/pkg/httpx"
)

var ErrUpstream = errors.New("extractor upstream error")

// Request is one extraction job.
type Request struct {
	TaskID   string `json:"task_id"`
	URL      string `json:"url"`
	TraceKey string `json:"trace_key,omitempty"`
	AppID    string `json:"app_id,omitempty"`
}

// Result is what the backend reports for a job.
type Result struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Media  json.RawMessage `json:"media,omitempty"`
}

type Extractor interface {
	// Resolve checks the URL is something the backend will accept.
	Resolve(ctx context.Context, req Request) (Result, error)
	// Fetch runs the extraction. It may take a long time.
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Stub accepts every http(s) URL and echoes it back.
type Stub struct{}

func (Stub) Resolve(_ context.Context, req Request) (Result, error) {
	if !validURL(req.URL) {
		return Result{}, fmt.Errorf("unsupported url %q", req.URL)
	}
	return Result{TaskID: req.TaskID, Status: "resolved"}, nil
}

func (Stub) Fetch(_ context.Context, req Request) (Result, error) {
	media, _ := json.Marshal(map[string]string{"url": req.URL})
	return Result{TaskID: req.TaskID, Status: "done", Media: media}, nil
}

// HTTP posts jobs to <Endpoint>/resolve and <Endpoint>/fetch.
type HTTP struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h HTTP) Resolve(ctx context.Context, req Request) (Result, error) {
	return h.call(ctx, "/resolve", req)
}

func (h HTTP) Fetch(ctx context.Context, req Request) (Result, error) {
	return h.call(ctx, "/fetch", req)
}

func (h HTTP) call(ctx context.Context, path string, req Request) (Result, error) {
	if strings.TrimSpace(h.Endpoint) == "" {
		return Result{}, errors.New("endpoint is empty")
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	url := strings.TrimRight(h.Endpoint, "/") + path
	status, body, err := httpx.DoJSON(ctx, client, httpx.JSONCall{
		Method:     http.MethodPost,
		URL:        url,
		Body:       payload,
		Headers:    h.Headers,
		Retries:    h.Retries,
		RetryDelay: h.RetryDelay,
	})
	if err != nil {
		return Result{}, err
	}
	if status >= 300 {
		return Result{}, fmt.Errorf("%w: %s returned %d", ErrUpstream, path, status)
	}
	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	if out.TaskID == "" {
		out.TaskID = req.TaskID
	}
	return out, nil
}

func validURL(raw string) bool {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}
