package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/processor"
)

// fetchPayload is the built-in worker's task payload.
type fetchPayload struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
	Body   string `json:"body,omitempty"`
}

// fetchResult is what the built-in worker stores as the task result.
type fetchResult struct {
	Status   int    `json:"status"`
	Bytes    int    `json:"bytes"`
	Snippet  string `json:"snippet,omitempty"`
	Duration string `json:"duration"`
}

const snippetLimit = 512

// fetchWorker returns the built-in task function: an HTTP fetch whose payload
// names the target URL. It honors context cancellation, so breaker timeouts
// and emergency stops cut it off cleanly. Library users replace this with
// their own work function.
func fetchWorker(cfg *config.Config) processor.TaskFunc {
	client := &http.Client{Timeout: cfg.Breaker.OperationTimeout()}
	return func(ctx context.Context, task processor.Task) (string, error) {
		var p fetchPayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return "", fmt.Errorf("parse fetch payload: %w", err)
		}
		if p.URL == "" {
			return "", fmt.Errorf("fetch payload has no url")
		}
		method := p.Method
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if p.Body != "" {
			body = strings.NewReader(p.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
		if err != nil {
			return "", fmt.Errorf("build fetch request: %w", err)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", p.URL, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", fmt.Errorf("read fetch response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("fetch %s: upstream returned %s", p.URL, resp.Status)
		}

		snippet := string(data)
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		out, err := json.Marshal(fetchResult{
			Status:   resp.StatusCode,
			Bytes:    len(data),
			Snippet:  snippet,
			Duration: time.Since(start).Round(time.Millisecond).String(),
		})
		if err != nil {
			return "", fmt.Errorf("encode fetch result: %w", err)
		}
		return string(out), nil
	}
}
