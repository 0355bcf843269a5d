package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// IdempotencyHeader carries the runId:taskId:attempt key so a task endpoint
// can deduplicate replayed invocations.
const IdempotencyHeader = "X-Idempotency-Key"

// HTTPInvoker calls task endpoints over HTTP. The ref is the endpoint URL;
// the payload is posted as JSON and the response body must decode into a
// Response.
type HTTPInvoker struct {
	Client *http.Client
}

func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{Client: &http.Client{}}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, ref, key string, payload map[string]interface{}, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ref, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, key)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", ref, err)
	}
	defer resp.Body.Close()

	// 202 means the task will complete asynchronously via a resume signal.
	if resp.StatusCode == http.StatusAccepted {
		return nil, ErrAwaitSignal
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("invoke %s: status %d: %s", ref, resp.StatusCode, data)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode task response from %s: %w", ref, err)
	}
	return &out, nil
}
