package widget

import (
	"context"
	"sync"
	"time"

	"livechat-widget/internal/domain"

	"github.com/rs/zerolog"
)

const (
	publishTimeout = 3 * time.Second
	publishBuffer  = 64
)

// eventQueue feeds lifecycle events to the publisher from its own
// goroutine. Enqueue never blocks, so a slow broker cannot hold up the
// realtime handlers that produce the events.
type eventQueue struct {
	publisher Publisher
	log       zerolog.Logger
	events    chan domain.WidgetEvent
	stop      chan struct{}
	done      chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newEventQueue(publisher Publisher, log zerolog.Logger, size int) *eventQueue {
	q := &eventQueue{
		publisher: publisher,
		log:       log,
		events:    make(chan domain.WidgetEvent, size),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue drops the event when the queue is full or closed.
func (q *eventQueue) Enqueue(event domain.WidgetEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	select {
	case q.events <- event:
		return true
	default:
		q.log.Warn().Str("event", string(event.Type)).Msg("Widget event queue full, dropping event")
		return false
	}
}

// Close stops accepting events, publishes what is already queued within
// one publishTimeout, and waits for the worker to exit.
func (q *eventQueue) Close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	close(q.stop)
	q.mu.Unlock()
	<-q.done
}

func (q *eventQueue) run() {
	defer close(q.done)
	for {
		select {
		case event := <-q.events:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			q.publish(ctx, event)
			cancel()
		case <-q.stop:
			q.drain()
			return
		}
	}
}

func (q *eventQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case event := <-q.events:
			if ctx.Err() != nil {
				q.log.Warn().Str("event", string(event.Type)).Msg("Dropping widget event on shutdown")
				continue
			}
			q.publish(ctx, event)
		default:
			return
		}
	}
}

func (q *eventQueue) publish(ctx context.Context, event domain.WidgetEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("Publisher panicked")
		}
	}()
	if err := q.publisher.Publish(ctx, event); err != nil {
		q.log.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to publish widget event")
	}
}
