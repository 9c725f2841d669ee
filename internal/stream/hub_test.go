package stream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xrifai/pharos-network/internal/tasklog"
)

type observer struct {
	resp *http.Response
	dec  *Decoder
}

func newTestServer(t *testing.T, opts Options) (*tasklog.Registry, *Hub, *httptest.Server) {
	t.Helper()
	reg := tasklog.NewRegistry()
	hub := NewHub(reg, opts)
	mux := http.NewServeMux()
	mux.Handle("GET /api/logs/{taskId}", hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return reg, hub, srv
}

func connect(t *testing.T, ctx context.Context, srv *httptest.Server, taskID string) *observer {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/logs/"+taskID, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	return &observer{resp: resp, dec: NewDecoder(resp.Body)}
}

func (o *observer) expect(t *testing.T, messages ...string) {
	t.Helper()
	for _, want := range messages {
		type result struct {
			entry tasklog.Entry
			err   error
		}
		ch := make(chan result, 1)
		go func() {
			entry, err := o.dec.Next()
			ch <- result{entry, err}
		}()
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("waiting for %q: %v", want, res.err)
			}
			if res.entry.Message != want {
				t.Fatalf("got %q, want %q", res.entry.Message, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestReplayThenLiveForTwoObservers(t *testing.T) {
	reg, hub, srv := newTestServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := reg.Create("t1")
	log.Info("start")

	a := connect(t, ctx, srv, "t1")
	a.expect(t, "start")

	log.Info("step1")
	a.expect(t, "step1")

	b := connect(t, ctx, srv, "t1")
	b.expect(t, "start", "step1")
	if n := hub.Observers("t1"); n != 2 {
		t.Fatalf("expected 2 observers, got %d", n)
	}

	log.Success("done")
	a.expect(t, "done")
	b.expect(t, "done")
}

func TestStreamHeaders(t *testing.T) {
	_, _, srv := newTestServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := connect(t, ctx, srv, "headers")
	h := o.resp.Header
	checks := map[string]string{
		"Content-Type":                 "text/event-stream",
		"Cache-Control":                "no-cache",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "Cache-Control",
	}
	for key, want := range checks {
		if got := h.Get(key); got != want {
			t.Fatalf("header %s = %q, want %q", key, got, want)
		}
	}
}

func TestMissingTaskIDIsRejected(t *testing.T) {
	hub := NewHub(tasklog.NewRegistry(), Options{})
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs/", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Task ID is required") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestDisconnectKeepsHistoryByDefault(t *testing.T) {
	reg, hub, srv := newTestServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	log := reg.Create("t1")
	log.Info("start")
	o := connect(t, ctx, srv, "t1")
	o.expect(t, "start")
	cancel()

	waitFor(t, func() bool { return hub.Observers("t1") == 0 })
	if _, ok := reg.Get("t1"); !ok {
		t.Fatal("log should survive the last observer by default")
	}
	log.Info("after disconnect")
	if log.Subscribers() != 0 {
		t.Fatal("stream subscription should be cancelled")
	}
}

func TestRemoveOnLastObserver(t *testing.T) {
	reg, hub, srv := newTestServer(t, Options{RemoveOnLastObserver: true})
	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	reg.Create("t1").Info("start")
	connect(t, ctxA, srv, "t1").expect(t, "start")
	connect(t, ctxB, srv, "t1").expect(t, "start")

	cancelA()
	waitFor(t, func() bool { return hub.Observers("t1") == 1 })
	if _, ok := reg.Get("t1"); !ok {
		t.Fatal("log must stay while an observer remains")
	}

	cancelB()
	waitFor(t, func() bool {
		_, ok := reg.Get("t1")
		return !ok
	})
}

func TestClosingLogEndsStream(t *testing.T) {
	reg, _, srv := newTestServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg.Create("t1").Info("start")
	o := connect(t, ctx, srv, "t1")
	o.expect(t, "start")

	reg.Remove("t1")
	done := make(chan error, 1)
	go func() {
		_, err := o.dec.Next()
		done <- err
	}()
	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("expected EOF after log removal, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after the log was removed")
	}
}

type countingMetrics struct {
	mu             sync.Mutex
	opened, closed int
}

func (m *countingMetrics) StreamOpened(string) { m.mu.Lock(); m.opened++; m.mu.Unlock() }
func (m *countingMetrics) StreamClosed(string) { m.mu.Lock(); m.closed++; m.mu.Unlock() }

func TestKeepAliveFramesAreSkippedByDecoder(t *testing.T) {
	metrics := &countingMetrics{}
	reg, hub, srv := newTestServer(t, Options{KeepAlive: 10 * time.Millisecond, Metrics: metrics})
	ctx, cancel := context.WithCancel(context.Background())

	log := reg.Create("idle")
	o := connect(t, ctx, srv, "idle")
	time.Sleep(50 * time.Millisecond)
	log.Warning("late")
	o.expect(t, "late")

	cancel()
	waitFor(t, func() bool { return hub.Observers("idle") == 0 })
	waitFor(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.opened == 1 && metrics.closed == 1
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
