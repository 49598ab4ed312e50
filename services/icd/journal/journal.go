package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"icreserve/core/events"
	"icreserve/core/types"
	"icreserve/observability"
)

// Store persists rendered events.
type Store interface {
	RecordEvent(ctx context.Context, evt types.Event) error
}

// Journal is an events.Emitter that stamps each event with an id and time,
// logs and counts it, and hands it to a background writer. Emit never blocks;
// when the buffer is full the event is dropped and logged.
type Journal struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	queue  chan types.Event
}

// New constructs a journal with the given buffer size.
func New(store Store, logger *slog.Logger, buffer int) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Journal{store: store, logger: logger, now: time.Now, queue: make(chan types.Event, buffer)}
}

var _ events.Emitter = (*Journal)(nil)

// Emit implements events.Emitter.
func (j *Journal) Emit(e events.Event) {
	if j == nil || e == nil {
		return
	}
	rendered := e.Event()
	if rendered == nil {
		return
	}
	evt := *rendered
	evt.ID = uuid.NewString()
	evt.EmittedAt = j.now().UTC()
	observability.Events().RecordEvent(evt.Type)
	attrs := make([]any, 0, len(evt.Attributes)+2)
	attrs = append(attrs, slog.String("event_id", evt.ID), slog.String("type", evt.Type))
	for key, value := range evt.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	j.logger.Info("event", attrs...)
	select {
	case j.queue <- evt:
	default:
		j.logger.Warn("event journal full, dropping event", slog.String("event_id", evt.ID), slog.String("type", evt.Type))
	}
}

// Run drains the queue into the store until ctx is cancelled, then flushes
// whatever is still buffered.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-j.queue:
			j.write(ctx, evt)
		case <-ctx.Done():
			j.flush()
			return ctx.Err()
		}
	}
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-j.queue:
			j.write(ctx, evt)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, evt types.Event) {
	if j.store == nil {
		return
	}
	if err := j.store.RecordEvent(ctx, evt); err != nil {
		j.logger.Error("record event", slog.String("event_id", evt.ID), slog.Any("error", err))
	}
}
