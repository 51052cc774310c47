// Package timing measures the phases of a VM launch.
package timing

import (
	"context"
	"log/slog"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

// Timer tracks durations of named phases.
type Timer struct {
	start  time.Time
	last   time.Time
	phases []Phase
	now    func() time.Time
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	return newTimer(time.Now)
}

func newTimer(now func() time.Time) *Timer {
	start := now()
	return &Timer{start: start, last: start, now: now}
}

// Mark records a named phase ending now.
// Duration is time since last mark (or since start if first mark).
func (t *Timer) Mark(name string) {
	now := t.now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Attr returns the phases as a single group attribute.
func (t *Timer) Attr() slog.Attr {
	attrs := make([]any, 0, len(t.phases)+1)
	for _, p := range t.phases {
		attrs = append(attrs, slog.Duration(p.Name, p.Duration.Round(time.Microsecond)))
	}
	attrs = append(attrs, slog.Duration("total", t.Total().Round(time.Microsecond)))
	return slog.Group("timing", attrs...)
}

// Log emits the phase report as one debug record.
func (t *Timer) Log(ctx context.Context, msg string) {
	slogctx.Debug(ctx, msg, t.Attr())
}
