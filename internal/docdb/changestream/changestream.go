// Package changestream is the engine's row-level change callback
// surface: one Hub per engine, fed by every mutating collection
// operation, fanned out to subscribers filtered by collection name. A
// full change-stream wire protocol is a layer above this one.
package changestream

import (
	"context"
	"sync"
	"time"

	"github.com/docxology/docdb/internal/docdb/metrics"
)

// EventType classifies a change.
type EventType string

const (
	Insert EventType = "insert"
	Update EventType = "update"
	Delete EventType = "delete"
)

// Event is one row-level change, mirroring the before/after shape of a
// MongoDB change-stream document closely enough for a surrounding layer
// to build one on top of it.
type Event struct {
	Type       EventType
	Collection string
	DocID      string
	Before     map[string]any
	After      map[string]any
	TS         time.Time
}

// Stream is a live subscription. C is closed when Cancel is called or
// the subscribing context is done.
type Stream struct {
	C      <-chan Event
	Cancel func()
}

type subscription struct {
	collection string // "" means every collection
	ch         chan Event
}

// Hub fans published events out to subscribers. The zero value is not
// usable; construct with NewHub.
type Hub struct {
	mu   sync.Mutex
	seq  int64
	subs map[int64]subscription
}

// NewHub returns a ready-to-use Hub.
func NewHub() *Hub {
	return &Hub{subs: map[int64]subscription{}}
}

// Subscribe opens a stream of events for collection, or every
// collection when collection is "". The stream closes itself when ctx
// is done, so callers need not always call Cancel explicitly, though
// doing so releases the subscription slot immediately.
func (h *Hub) Subscribe(ctx context.Context, collection string) *Stream {
	ch := make(chan Event, 256)
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.subs[id] = subscription{collection: collection, ch: ch}
	h.mu.Unlock()
	metrics.WatchInc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			metrics.WatchDec()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return &Stream{C: ch, Cancel: cancel}
}

// Publish fans ev out to every matching subscriber. Delivery is
// best-effort: a subscriber whose buffer is full misses the event
// rather than blocking the writer that produced it.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.collection != "" && sub.collection != ev.Collection {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
