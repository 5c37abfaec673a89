package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxResponse bounds how much of an upstream body is read.
const DefaultMaxResponse int64 = 4 << 20

// ErrResponseTooLarge is returned without retrying.
var ErrResponseTooLarge = errors.New("upstream response too large")

// JSONCall is one JSON request to an upstream service. Transport errors,
// unreadable bodies and 5xx responses are retried up to Retries more times,
// waiting RetryDelay before the first retry and doubling after each.
type JSONCall struct {
	Method      string
	URL         string
	Body        []byte
	Headers     map[string]string
	Retries     int
	RetryDelay  time.Duration
	MaxResponse int64
}

// DoJSON runs call and returns the final status and body. A 5xx on the last
// attempt is returned as a status, not an error. Cancelling ctx stops both
// the request and any pending backoff.
func DoJSON(ctx context.Context, client *http.Client, call JSONCall) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	limit := call.MaxResponse
	if limit <= 0 {
		limit = DefaultMaxResponse
	}
	retries := max(call.Retries, 0)
	delay := call.RetryDelay

	var lastErr error
	for attempt := 0; ; attempt++ {
		status, body, err := doOnce(ctx, client, call, limit)
		retryable := (err != nil && !errors.Is(err, ErrResponseTooLarge)) || status >= http.StatusInternalServerError
		if !retryable || attempt >= retries {
			if err != nil {
				return 0, nil, err
			}
			return status, body, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("upstream status %d", status)
		}
		if werr := sleepCtx(ctx, delay); werr != nil {
			return 0, nil, fmt.Errorf("%w (last attempt: %v)", werr, lastErr)
		}
		delay *= 2
	}
}

func doOnce(ctx context.Context, client *http.Client, call JSONCall, limit int64) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, bytes.NewReader(call.Body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(call.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return 0, nil, err
	}
	if int64(len(body)) > limit {
		return 0, nil, fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, limit)
	}
	return resp.StatusCode, body, nil
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
