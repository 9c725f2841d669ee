package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/tasklog"
	"github.com/0xrifai/pharos-network/internal/txexec"
)

// DelayRange bounds the pause between iterations, both ends inclusive.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// DelayRangeMillis builds a range from millisecond bounds.
func DelayRangeMillis(min, max int64) DelayRange {
	return DelayRange{Min: time.Duration(min) * time.Millisecond, Max: time.Duration(max) * time.Millisecond}
}

// Validate rejects negative or inverted ranges.
func (d DelayRange) Validate() error {
	if d.Min < 0 || d.Max < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "delay must not be negative")
	}
	if d.Max < d.Min {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("delay range is inverted: min %s > max %s", d.Min, d.Max))
	}
	return nil
}

// Sample draws a whole number of milliseconds uniformly from the range.
func (d DelayRange) Sample(intN func(int64) int64) time.Duration {
	minMs, maxMs := d.Min.Milliseconds(), d.Max.Milliseconds()
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	if intN == nil {
		intN = rand.Int64N
	}
	return time.Duration(minMs+intN(maxMs-minMs+1)) * time.Millisecond
}

// RunSpec describes one run.
type RunSpec struct {
	Name       string
	Iterations int
	Delay      DelayRange
}

// Validate checks the iteration count and delay range.
func (s RunSpec) Validate() error {
	if s.Iterations < 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "iterations must be at least 1")
	}
	return s.Delay.Validate()
}

// Summary counts iteration outcomes. The task log stays the authoritative
// record; the summary feeds job status and metrics.
type Summary struct {
	Iterations int `json:"iterations"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// Step performs one iteration. index is 1-based.
type Step func(ctx context.Context, index int) error

// LoopMetrics receives iteration outcomes.
type LoopMetrics interface {
	ObserveIteration(name string, ok bool)
}

// Loop runs steps sequentially with jittered pauses.
type Loop struct {
	sleep   txexec.Sleeper
	intN    func(int64) int64
	logger  *slog.Logger
	metrics LoopMetrics
}

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithLoopSleeper replaces the pause implementation.
func WithLoopSleeper(sleep txexec.Sleeper) LoopOption {
	return func(l *Loop) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithRandom replaces the jitter source.
func WithRandom(intN func(int64) int64) LoopOption {
	return func(l *Loop) {
		if intN != nil {
			l.intN = intN
		}
	}
}

// WithLoopLogger sets the process logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoopMetrics attaches a metrics sink.
func WithLoopMetrics(m LoopMetrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop builds a loop.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{sleep: txexec.Sleep, intN: rand.Int64N, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Run executes step spec.Iterations times. A failing iteration is logged and
// the loop moves on; a single completion entry follows the last iteration
// regardless of failures. Cancellation stops the loop without the completion
// entry and returns the context error.
func (l *Loop) Run(ctx context.Context, log *tasklog.Log, spec RunSpec, step Step) (Summary, error) {
	summary := Summary{}
	if err := spec.Validate(); err != nil {
		return summary, err
	}

	for index := 1; index <= spec.Iterations; index++ {
		if err := ctx.Err(); err != nil {
			return summary, l.stopped(log, spec, index, err)
		}

		log.Infof("Task %s %d/%d", spec.Name, index, spec.Iterations)
		err := step(ctx, index)
		summary.Iterations++
		if err != nil {
			if xerrors.KindOf(err) == xerrors.KindAbortRun && ctx.Err() != nil {
				return summary, l.stopped(log, spec, index, ctx.Err())
			}
			summary.Failed++
			log.Errorf("%s failed: %v", spec.Name, err)
			l.observe(spec.Name, false)
		} else {
			summary.Succeeded++
			l.observe(spec.Name, true)
		}

		if index < spec.Iterations {
			delay := spec.Delay.Sample(l.intN)
			log.Infof("Sleeping for %dms...", delay.Milliseconds())
			if err := l.sleep(ctx, delay); err != nil {
				return summary, l.stopped(log, spec, index, err)
			}
		}
	}

	log.Successf("%s automation completed", spec.Name)
	return summary, nil
}

func (l *Loop) stopped(log *tasklog.Log, spec RunSpec, index int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warningf("%s stopped at iteration %d/%d: deadline exceeded", spec.Name, index, spec.Iterations)
	} else {
		log.Warningf("%s cancelled at iteration %d/%d", spec.Name, index, spec.Iterations)
	}
	l.logger.Info("automation stopped",
		slog.String("task_id", log.TaskID()),
		slog.String("name", spec.Name),
		slog.Int("iteration", index),
	)
	return err
}

func (l *Loop) observe(name string, ok bool) {
	if l.metrics != nil {
		l.metrics.ObserveIteration(name, ok)
	}
}
