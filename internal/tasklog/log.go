package tasklog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSubscriptionBuffer is used when Subscribe is called with a
// non-positive buffer size.
const DefaultSubscriptionBuffer = 256

// Log is the timeline of a single task.
//
// Delivery happens synchronously inside Append while the log mutex is held, so
// every subscriber observes entries in append order. Callbacks must therefore
// be quick and must not call back into the same Log.
type Log struct {
	taskID string
	now    func() time.Time
	echo   *slog.Logger

	mu      sync.Mutex
	entries []Entry
	subs    []*subscriber
	nextID  uint64
	closed  bool
}

type subscriber struct {
	id uint64
	fn func(Entry) error
	ch chan Entry
}

// NewLog creates a detached log. Most callers obtain logs from a Registry.
func NewLog(taskID string) *Log {
	return newLog(taskID, time.Now, nil)
}

func newLog(taskID string, now func() time.Time, echo *slog.Logger) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{taskID: taskID, now: now, echo: echo}
}

// TaskID returns the identifier the log was created for.
func (l *Log) TaskID() string { return l.taskID }

// Append records a new entry and hands it to every live subscriber.
func (l *Log) Append(message string, level Level) Entry {
	entry := Entry{Timestamp: l.now(), Message: message, Level: level}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if !l.closed && len(l.subs) > 0 {
		l.deliverLocked(entry)
	}
	l.mu.Unlock()

	l.echoEntry(entry)
	return entry
}

func (l *Log) Info(message string) Entry    { return l.Append(message, LevelInfo) }
func (l *Log) Success(message string) Entry { return l.Append(message, LevelSuccess) }
func (l *Log) Error(message string) Entry   { return l.Append(message, LevelError) }
func (l *Log) Warning(message string) Entry { return l.Append(message, LevelWarning) }

func (l *Log) Infof(format string, args ...any) Entry {
	return l.Append(fmt.Sprintf(format, args...), LevelInfo)
}

func (l *Log) Successf(format string, args ...any) Entry {
	return l.Append(fmt.Sprintf(format, args...), LevelSuccess)
}

func (l *Log) Errorf(format string, args ...any) Entry {
	return l.Append(fmt.Sprintf(format, args...), LevelError)
}

func (l *Log) Warningf(format string, args ...any) Entry {
	return l.Append(fmt.Sprintf(format, args...), LevelWarning)
}

// deliverLocked pushes entry to each subscriber and drops the ones that fail.
func (l *Log) deliverLocked(entry Entry) {
	kept := l.subs[:0]
	for _, sub := range l.subs {
		if sub.deliver(entry) {
			kept = append(kept, sub)
			continue
		}
		if sub.ch != nil {
			close(sub.ch)
		}
	}
	for i := len(kept); i < len(l.subs); i++ {
		l.subs[i] = nil
	}
	l.subs = kept
}

func (s *subscriber) deliver(entry Entry) (ok bool) {
	if s.ch != nil {
		select {
		case s.ch <- entry:
			return true
		default:
			return false
		}
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.fn(entry) == nil
}

// SubscribeFunc registers a callback. A callback that returns an error or
// panics is removed and never invoked again.
//
// fn runs inside Append with the log mutex held. It must not call the
// returned unsubscribe func or any method of the same Log, both deadlock. A
// callback that wants to stop receiving entries returns an error instead.
func (l *Log) SubscribeFunc(fn func(Entry) error) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || fn == nil {
		return func() {}
	}
	id := l.addLocked(&subscriber{fn: fn})
	return func() { l.unsubscribe(id) }
}

// Subscription is a channel backed subscriber. The channel is closed when the
// subscription is cancelled, when the log is closed, or when the subscriber
// falls behind by more than its buffer.
type Subscription struct {
	log *Log
	id  uint64
	ch  chan Entry
}

// C returns the channel live entries are delivered on.
func (s *Subscription) C() <-chan Entry { return s.ch }

// Cancel detaches the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.log == nil {
		return
	}
	s.log.unsubscribe(s.id)
}

// Subscribe attaches a channel subscriber for entries appended from now on.
func (l *Log) Subscribe(buffer int) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeLocked(buffer)
}

// SubscribeWithReplay returns the current history together with a
// subscription for everything appended afterwards. Both are taken in one
// critical section so no entry is missed or seen twice.
func (l *Log) SubscribeWithReplay(buffer int) ([]Entry, *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	history := append([]Entry(nil), l.entries...)
	return history, l.subscribeLocked(buffer)
}

func (l *Log) subscribeLocked(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	ch := make(chan Entry, buffer)
	if l.closed {
		close(ch)
		return &Subscription{ch: ch}
	}
	id := l.addLocked(&subscriber{ch: ch})
	return &Subscription{log: l, id: id, ch: ch}
}

func (l *Log) addLocked(sub *subscriber) uint64 {
	l.nextID++
	sub.id = l.nextID
	l.subs = append(l.subs, sub)
	return sub.id
}

func (l *Log) unsubscribe(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, sub := range l.subs {
		if sub.id != id {
			continue
		}
		l.subs = append(l.subs[:i], l.subs[i+1:]...)
		if sub.ch != nil {
			close(sub.ch)
		}
		return
	}
}

// Snapshot returns a copy of the history at call time.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of recorded entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribers returns the number of attached subscribers.
func (l *Log) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Clear drops the history. Subscribers stay attached; it is used when a task
// identifier is reused for a new run.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Close detaches every subscriber. Entries appended afterwards are kept in the
// history but delivered to nobody.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, sub := range l.subs {
		if sub.ch != nil {
			close(sub.ch)
		}
	}
	l.subs = nil
}

// Closed reports whether Close has been called.
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Log) echoEntry(entry Entry) {
	if l.echo == nil {
		return
	}
	level := slog.LevelInfo
	switch entry.Level {
	case LevelError:
		level = slog.LevelError
	case LevelWarning:
		level = slog.LevelWarn
	}
	l.echo.Log(context.Background(), level, entry.Message,
		slog.String("task_id", l.taskID),
		slog.String("type", string(entry.Level)),
	)
}
