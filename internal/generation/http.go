package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/jackie/internal/reliability"
)

// HTTPAdapter forwards turns as JSON to a generation service.
type HTTPAdapter struct {
	url    string
	client *http.Client
	retry  reliability.Policy
}

// NewHTTPAdapter posts requests as JSON to url.
func NewHTTPAdapter(url string) *HTTPAdapter {
	return &HTTPAdapter{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		retry: reliability.DefaultPolicy,
	}
}

// WithHTTPClient swaps the underlying client.
func (a *HTTPAdapter) WithHTTPClient(c *http.Client) *HTTPAdapter {
	if c != nil {
		a.client = c
	}
	return a
}

// WithRetry sets the retry policy for retryable statuses and transport errors.
func (a *HTTPAdapter) WithRetry(p reliability.Policy) *HTTPAdapter {
	a.retry = p
	return a
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("generation http status %d: %s", e.code, e.body)
}

func (a *HTTPAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	started := time.Now()
	var text string
	err = reliability.Retry(ctx, a.retry, func(ctx context.Context) error {
		var postErr error
		text, postErr = a.post(ctx, payload)
		var se *statusError
		if errors.As(postErr, &se) && !reliability.IsRetryableHTTPStatus(se.code) {
			return &reliability.Permanent{Err: postErr}
		}
		return postErr
	})
	if err != nil {
		return Response{}, err
	}
	if text == "" {
		return Response{}, ErrEmptyReply
	}
	return Response{Text: text, Backend: "http", Latency: time.Since(started)}, nil
}

func (a *HTTPAdapter) post(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return strings.TrimSpace(extractText(obj)), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "response", "reply", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
