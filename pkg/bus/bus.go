package bus

import (
	"context"
	"sync"
	"time"

	"teamnotify/pkg/logger"
)

// EventBus fans session events out to every subscriber. Publishing never
// blocks the caller for longer than queueWriteTimeout per subscriber.
type EventBus struct {
	subs      map[uint64]chan Event
	nextID    uint64
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

const (
	queueWriteTimeout = 2 * time.Second
	subscriberBuffer  = 32
)

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]chan Event)}
}

func (b *EventBus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		case <-time.After(queueWriteTimeout):
			logger.ErrorCF("bus", "Publish timeout (subscriber queue full)", map[string]interface{}{
				logger.FieldOrgID:   evt.OrgID,
				logger.FieldChannel: evt.Kind,
				"event":             string(evt.Type),
				"subscriber":        id,
			})
		}
	}
}

// Subscribe returns a channel of events that is closed when ctx is done or the
// bus is closed.
func (b *EventBus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch
}

// Handle runs fn for every event until ctx is done.
func (b *EventBus) Handle(ctx context.Context, fn EventHandler) {
	for evt := range b.Subscribe(ctx) {
		fn(evt)
	}
}

func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	})
}
