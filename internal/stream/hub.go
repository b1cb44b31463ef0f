// Package stream fans accepted tracking events out to live subscribers and
// archives expired events.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/metrics"
)

// maxTopicEvents caps the events a topic keeps in memory. Older events are
// replayed from the store.
const maxTopicEvents = 10000

// idleTopic is how long an open topic may go without events before it is
// swept. Subscribers of a swept topic replay from the store.
const idleTopic = time.Hour

// History reads persisted events.
type History interface {
	List(ctx context.Context, executionID string, afterSeq int64) ([]events.Event, error)
}

type subscriber struct {
	id string
	ch chan events.Event
}

// topic is the in-memory stream of one execution.
type topic struct {
	events   []events.Event
	firstSeq int64
	subs     map[string]*subscriber
	closedAt time.Time
	lastAt   time.Time
}

func (t *topic) covers(afterSeq int64) bool {
	return len(t.events) > 0 && t.firstSeq <= afterSeq+1
}

// Hub is the live side of the event stream. The tracker publishes every
// accepted event to it.
type Hub struct {
	history History
	linger  time.Duration
	buffer  int

	mu          sync.Mutex
	topics      map[string]*topic
	subscribers int
}

// NewHub creates a hub that falls back to history for events it no longer
// holds in memory.
func NewHub(history History, cfg config.StreamConfig) *Hub {
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = config.DefaultSubscriberBuffer
	}
	return &Hub{
		history: history,
		linger:  cfg.Linger,
		buffer:  buffer,
		topics:  make(map[string]*topic),
	}
}

// Publish appends ev to its execution's topic and delivers it to every
// subscriber. A subscriber whose buffer is full is dropped; it can
// resubscribe from its last sequence.
func (h *Hub) Publish(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[ev.ExecutionID]
	if t == nil {
		t = &topic{subs: make(map[string]*subscriber)}
		h.topics[ev.ExecutionID] = t
	}
	if len(t.events) == 0 {
		t.firstSeq = ev.Sequence
	}

	switch {
	case ev.Type.EndsStream():
		t.closedAt = time.Now()
	case ev.Type == events.ExecutionStarted || ev.Type == events.ExecutionResumed:
		t.closedAt = time.Time{}
	}

	t.events = append(t.events, ev)
	t.lastAt = time.Now()
	if len(t.events) > maxTopicEvents {
		t.events = t.events[len(t.events)-maxTopicEvents:]
		t.firstSeq = t.events[0].Sequence
	}

	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("execution_id", ev.ExecutionID).
				Str("subscriber", id).
				Msg("Stream subscriber buffer full, dropping subscriber")
			h.removeLocked(t, id)
		}
	}
}

func (h *Hub) removeLocked(t *topic, id string) {
	sub, ok := t.subs[id]
	if !ok {
		return
	}
	delete(t.subs, id)
	close(sub.ch)
	h.subscribers--
	metrics.SetStreamSubscribers(h.subscribers)
}

// Subscribe streams an execution's events with sequence above afterSeq:
// history first, then live events. The channel closes after an event that
// ends the stream, or when ctx ends. When live is false the execution is
// already finished and only history is sent.
func (h *Hub) Subscribe(ctx context.Context, executionID string, afterSeq int64, live bool) (<-chan events.Event, error) {
	sub := &subscriber{id: uuid.NewString(), ch: make(chan events.Event, h.buffer)}

	h.mu.Lock()
	t := h.topics[executionID]
	if t == nil {
		t = &topic{subs: make(map[string]*subscriber)}
		h.topics[executionID] = t
	}

	var replay []events.Event
	fromMemory := t.covers(afterSeq)
	if fromMemory {
		for _, ev := range t.events {
			if ev.Sequence > afterSeq {
				replay = append(replay, ev)
			}
		}
	}
	if live {
		t.subs[sub.id] = sub
		h.subscribers++
		metrics.SetStreamSubscribers(h.subscribers)
	}
	h.mu.Unlock()

	if !fromMemory && h.history != nil {
		persisted, err := h.history.List(ctx, executionID, afterSeq)
		if err != nil {
			h.unsubscribe(executionID, sub.id)
			return nil, err
		}
		replay = persisted
	}

	out := make(chan events.Event)
	go h.pump(ctx, executionID, sub, replay, afterSeq, live, out)
	return out, nil
}

func (h *Hub) unsubscribe(executionID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[executionID]; t != nil {
		h.removeLocked(t, id)
	}
}

func (h *Hub) pump(ctx context.Context, executionID string, sub *subscriber, replay []events.Event, lastSeq int64, live bool, out chan<- events.Event) {
	defer close(out)
	defer h.unsubscribe(executionID, sub.id)

	ended := false
	send := func(ev events.Event) bool {
		if ev.Sequence <= lastSeq {
			return true
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}
		lastSeq = ev.Sequence
		switch {
		case ev.Type.EndsStream():
			ended = true
		case ev.Type == events.ExecutionStarted || ev.Type == events.ExecutionResumed:
			ended = false
		}
		return true
	}

	for _, ev := range replay {
		if !send(ev) {
			return
		}
	}
	if !live {
		return
	}

	// Events published while history was read are already buffered.
	for ended {
		select {
		case ev, ok := <-sub.ch:
			if !ok || !send(ev) {
				return
			}
		default:
			return
		}
	}

	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok || !send(ev) {
				return
			}
			if ended {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep drops topics without subscribers that closed more than the linger
// period ago or have been idle for an hour.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for id, t := range h.topics {
		if len(t.subs) > 0 {
			continue
		}
		closed := !t.closedAt.IsZero() && time.Since(t.closedAt) >= h.linger
		if len(t.events) == 0 || closed || time.Since(t.lastAt) >= idleTopic {
			delete(h.topics, id)
			removed++
		}
	}
	return removed
}

// Run sweeps lingering topics until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	interval := h.linger / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				log.Debug().Int("topics", n).Msg("Swept closed streams")
			}
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribers
}
