// Package progress carries bulk dues events from the mutator to whoever is
// watching: websocket clients, the job status store or an AMQP queue.
//
// Events of one batch are delivered in the order they were produced: one
// Progress event per processed month followed by exactly one Summary. A
// queued batch starts with a Queued event; a batch rejected before it runs
// ends with a Failed event instead of a Summary.
package progress

import (
	"context"
	"log/slog"
	"sync"
)

const (
	KindQueued   Kind = "queued"
	KindProgress Kind = "progress"
	KindSummary  Kind = "summary"
	KindFailed   Kind = "failed"
)

type (
	Kind string

	// Event is a single notification of a bulk run.
	Event struct {
		BatchID string `json:"batch_id"`
		// Subject is the session subject that started the batch.
		Subject string `json:"subject,omitempty"`
		Kind    Kind   `json:"kind"`
		// Step is 1-based and counts processed months.
		Step  int    `json:"step,omitempty"`
		Total int    `json:"total,omitempty"`
		Month string `json:"month,omitempty"`
		// AffectedNames accumulates monotonically across steps.
		AffectedNames []string `json:"affected_names,omitempty"`
		Summary       *Summary `json:"summary,omitempty"`
		// Error is the rejection reason of a Failed event.
		Error string `json:"error,omitempty"`
	}

	Summary struct {
		CountUpdated int  `json:"count_updated"`
		Changed      int  `json:"changed"`
		Failed       int  `json:"failed"`
		Cancelled    bool `json:"cancelled,omitempty"`
	}

	Notifier interface {
		Notify(ctx context.Context, ev Event) error
	}

	// Func adapts a function to Notifier.
	Func func(ctx context.Context, ev Event) error
)

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
var Nop Notifier = Func(func(context.Context, Event) error { return nil })

// Fanout delivers each event to every notifier in order. A failing notifier
// is logged and does not stop delivery to the others.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev Event) error {
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			slog.WarnContext(ctx, "Progress notifier failed",
				"batch_id", ev.BatchID, "kind", ev.Kind, "error", err)
		}
	}
	return nil
}

// Channel sends events to a channel, blocking until the receiver is ready or
// ctx is done.
type Channel chan<- Event

func (c Channel) Notify(ctx context.Context, ev Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.AffectedNames = append([]string(nil), ev.AffectedNames...)
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
