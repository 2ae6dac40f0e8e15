// Package audit implements a non-blocking, batched audit trail for
// credential operations.
//
// Events are pushed onto a buffered channel and written as slog records by a
// background goroutine, so recording an event never blocks a request. When
// the channel is full new events are dropped and counted in Dropped.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Action names the credential operation being audited.
type Action string

const (
	ActionStore  Action = "store"
	ActionGet    Action = "get"
	ActionDelete Action = "delete"
	ActionEvict  Action = "evict"
)

// Outcome is the result of an audited operation.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeMiss  Outcome = "miss"
	OutcomeError Outcome = "error"
)

// Event is one audit record. Owner is a fingerprint, never a raw key.
type Event struct {
	ID        uuid.UUID
	Action    Action
	Owner     string
	Outcome   Outcome
	Detail    string
	CreatedAt time.Time
}

// Logger batches audit events into slog. A nil *Logger is valid and drops
// everything.
type Logger struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	l := &Logger{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger.With(slog.String("component", "audit")),
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Record enqueues an event without blocking.
func (l *Logger) Record(action Action, owner string, outcome Outcome, detail string) {
	if l == nil {
		return
	}
	ev := Event{
		ID:        uuid.New(),
		Action:    action,
		Owner:     owner,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case l.ch <- ev:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (l *Logger) Dropped() int64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Close flushes pending events and stops the background writer.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		for _, e := range batch {
			attrs := []slog.Attr{
				slog.String("event_id", e.ID.String()),
				slog.String("action", string(e.Action)),
				slog.String("owner", e.Owner),
				slog.String("outcome", string(e.Outcome)),
				slog.Time("at", e.CreatedAt),
			}
			if e.Detail != "" {
				attrs = append(attrs, slog.String("detail", e.Detail))
			}
			l.log.LogAttrs(l.baseCtx, slog.LevelInfo, "audit", attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-l.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case ev := <-l.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}
