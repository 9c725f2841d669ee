package tasklog

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Sink is attached to every log the registry creates. Implementations
// typically subscribe to the log and forward entries elsewhere.
type Sink interface {
	Attach(taskID string, log *Log)
}

// Registry owns the mapping from task identifier to Log. It is safe for
// concurrent use and is meant to be constructed once per process and passed to
// the components that need it.
type Registry struct {
	mu    sync.RWMutex
	logs  map[string]*Log
	echo  *slog.Logger
	sinks []Sink
	now   func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger echoes every appended entry to logger. A nil logger disables the
// echo.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.echo = logger
	}
}

// WithSink mirrors every created log into sink.
func WithSink(sink Sink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.sinks = append(r.sinks, sink)
		}
	}
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{logs: make(map[string]*Log), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create stores a fresh log for taskID, replacing and closing any previous
// one. Subscribers of the replaced log are not migrated.
func (r *Registry) Create(taskID string) *Log {
	log := newLog(taskID, r.now, r.echo)

	r.mu.Lock()
	previous := r.logs[taskID]
	r.logs[taskID] = log
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	r.attach(taskID, log)
	return log
}

// Get looks up the log for taskID.
func (r *Registry) Get(taskID string) (*Log, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log, ok := r.logs[taskID]
	return log, ok
}

// GetOrCreate returns the existing log for taskID or creates one.
func (r *Registry) GetOrCreate(taskID string) *Log {
	if log, ok := r.Get(taskID); ok {
		return log
	}

	r.mu.Lock()
	if log, ok := r.logs[taskID]; ok {
		r.mu.Unlock()
		return log
	}
	log := newLog(taskID, r.now, r.echo)
	r.logs[taskID] = log
	r.mu.Unlock()

	r.attach(taskID, log)
	return log
}

// Remove closes and forgets the log for taskID. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	log, ok := r.logs[taskID]
	delete(r.logs, taskID)
	r.mu.Unlock()

	if ok {
		log.Close()
	}
}

// RemoveIf removes the log for taskID only while it is still log. It lets a
// stream tear down the log it served without touching a newer replacement.
func (r *Registry) RemoveIf(taskID string, log *Log) bool {
	r.mu.Lock()
	current, ok := r.logs[taskID]
	if !ok || current != log {
		r.mu.Unlock()
		return false
	}
	delete(r.logs, taskID)
	r.mu.Unlock()

	log.Close()
	return true
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}

// IDs returns the tracked task identifiers in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.logs))
	for id := range r.logs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close closes every log and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	logs := r.logs
	r.logs = make(map[string]*Log)
	r.mu.Unlock()

	for _, log := range logs {
		log.Close()
	}
}

func (r *Registry) attach(taskID string, log *Log) {
	for _, sink := range r.sinks {
		sink.Attach(taskID, log)
	}
}
