package persistence

import (
	"context"
	"log/slog"

	"github.com/basket/islandd/internal/bus"
)

// Recorder subscribes to the hook topics and writes history rows. It is
// the only writer to the store during normal operation.
type Recorder struct {
	store *Store
	b     *bus.Bus
	log   *slog.Logger
}

func NewRecorder(store *Store, b *bus.Bus, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, b: b, log: log}
}

// Run consumes hook events until ctx is canceled. Write errors are logged
// and skipped; history is best-effort and must never wedge the consumer
// channel.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.b.Subscribe("hook.")
	defer r.b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.HookEventPayload:
		if err := r.store.RecordEvent(ctx, payload.Event, payload.ReceivedAt); err != nil {
			r.log.Error("record event failed", "session_id", payload.Event.SessionID, "error", err)
		}
	case bus.DecisionPayload:
		if err := r.store.RecordDecision(ctx, payload.SessionID, payload.ToolUseID, payload.Decision, payload.Reason, payload.Delivered); err != nil {
			r.log.Error("record decision failed", "session_id", payload.SessionID, "error", err)
		}
	}
}
