package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xrifai/pharos-network/internal/tasklog"
)

// TaskIDParam is the path wildcard the hub reads the task id from.
const TaskIDParam = "taskId"

// Metrics receives stream lifecycle events.
type Metrics interface {
	StreamOpened(taskID string)
	StreamClosed(taskID string)
}

// Options configures a Hub.
type Options struct {
	// KeepAlive is the interval between comment frames. Zero disables them.
	KeepAlive time.Duration
	// RemoveOnLastObserver drops the task log once its last stream closes.
	RemoveOnLastObserver bool
	// Buffer bounds the entries queued for one observer before it is dropped.
	Buffer  int
	Logger  *slog.Logger
	Metrics Metrics
}

// Hub serves task logs over SSE and tracks who is watching which task.
type Hub struct {
	registry *tasklog.Registry
	opts     Options

	mu        sync.Mutex
	observers map[string]map[string]struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub builds a hub over registry.
func NewHub(registry *tasklog.Registry, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = tasklog.DefaultSubscriptionBuffer
	}
	return &Hub{
		registry:  registry,
		opts:      opts,
		observers: make(map[string]map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Observers returns how many streams are open for taskID.
func (h *Hub) Observers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers[taskID])
}

// Close ends every open stream. New requests are still accepted but return
// immediately after the replay.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeHTTP implements GET /api/logs/{taskId}.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue(TaskIDParam)
	if taskID == "" {
		http.Error(w, "Task ID is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	log := h.registry.GetOrCreate(taskID)
	history, sub := log.SubscribeWithReplay(h.opts.Buffer)
	observerID := h.register(taskID)
	logger := h.opts.Logger.With(slog.String("task_id", taskID), slog.String("observer", observerID))
	logger.Debug("stream opened", slog.Int("replay", len(history)))
	defer func() {
		sub.Cancel()
		h.unregister(taskID, observerID, log)
		logger.Debug("stream closed")
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Headers", "Cache-Control")
	w.WriteHeader(http.StatusOK)

	for _, entry := range history {
		if err := writeEntry(w, entry); err != nil {
			return
		}
	}
	flusher.Flush()

	var tick <-chan time.Time
	if h.opts.KeepAlive > 0 {
		ticker := time.NewTicker(h.opts.KeepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case entry, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEntry(w, entry); err != nil {
				logger.Debug("stream write failed", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		case <-tick:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Hub) register(taskID string) string {
	id := uuid.NewString()
	h.mu.Lock()
	set, ok := h.observers[taskID]
	if !ok {
		set = make(map[string]struct{})
		h.observers[taskID] = set
	}
	set[id] = struct{}{}
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.StreamOpened(taskID)
	}
	return id
}

func (h *Hub) unregister(taskID, observerID string, log *tasklog.Log) {
	h.mu.Lock()
	set := h.observers[taskID]
	delete(set, observerID)
	last := len(set) == 0
	if last {
		delete(h.observers, taskID)
	}
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.StreamClosed(taskID)
	}
	if last && h.opts.RemoveOnLastObserver {
		h.registry.RemoveIf(taskID, log)
	}
}

func writeEntry(w http.ResponseWriter, entry tasklog.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
