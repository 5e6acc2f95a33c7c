package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/processor"
)

func testWorker() processor.TaskFunc {
	cfg := &config.Config{}
	cfg.Normalize()
	return fetchWorker(cfg)
}

func TestFetchWorker_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	run := testWorker()
	payload, _ := json.Marshal(fetchPayload{URL: srv.URL})
	out, err := run(context.Background(), processor.Task{ID: "t1", AgentID: "a1", Payload: string(payload)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var result fetchResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Status != http.StatusOK || result.Snippet != "hello" || result.Bytes != 5 {
		t.Fatalf("result = %+v", result)
	}
}

func TestFetchWorker_UpstreamErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	run := testWorker()
	payload, _ := json.Marshal(fetchPayload{URL: srv.URL})
	_, err := run(context.Background(), processor.Task{ID: "t1", AgentID: "a1", Payload: string(payload)})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want upstream 502 failure", err)
	}
}

func TestFetchWorker_BadPayload(t *testing.T) {
	run := testWorker()
	if _, err := run(context.Background(), processor.Task{ID: "t1", AgentID: "a1", Payload: "not json"}); err == nil {
		t.Fatal("expected error for invalid payload")
	}
	if _, err := run(context.Background(), processor.Task{ID: "t1", AgentID: "a1", Payload: "{}"}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestFetchWorker_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := testWorker()
	payload, _ := json.Marshal(fetchPayload{URL: srv.URL})
	if _, err := run(ctx, processor.Task{ID: "t1", AgentID: "a1", Payload: string(payload)}); err == nil {
		t.Fatal("expected error from canceled context")
	}
}
