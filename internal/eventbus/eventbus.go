// Package eventbus is a topic-tagged pub/sub hub: QueueManager and
// IngestService publish QueueItem/HistoryItem lifecycle events and
// header-inspection progress, and any number of subscribers (an SSE
// handler, a log sink) drain them independently through a subscriber
// map and non-blocking fan-out.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/nzbcore/nzbcore/internal/queue"
)

// Topic names one event kind a subscriber can filter on, plus Progress
// for QueueManager's own header-inspection updates.
type Topic string

const (
	TopicQueueItemAdded           Topic = "QueueItemAdded"
	TopicQueueItemRemoved         Topic = "QueueItemRemoved"
	TopicQueueItemPriorityChanged Topic = "QueueItemPriorityChanged"
	TopicHistoryItemAdded         Topic = "HistoryItemAdded"
	TopicHistoryItemRemoved       Topic = "HistoryItemRemoved"
	TopicProgress                 Topic = "Progress"
)

// Event is one published occurrence. Payload's concrete type depends on
// Topic: a string id for the QueueItem*/HistoryItem* topics, a
// queue.Progress for TopicProgress.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

type subscriber struct {
	topics map[Topic]bool
	ch     chan Event
}

// Bus fans published events out to every subscriber whose topic set
// includes it. A full subscriber channel drops the event rather than
// blocking the publisher, the same backpressure choice
// ProgressBroadcaster.UpdateProgress makes.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers for topics and returns a receive-only channel plus
// an unsubscribe func the caller must call exactly once (typically via
// defer) to release the channel.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Event, func()) {
	set := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}

	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscriber{topics: set, ch: make(chan Event, 32)}
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans out ev to every subscriber registered for ev.Topic.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.topics[ev.Topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// publish is a small helper so each typed emitter doesn't repeat
// time.Now()/Event{} boilerplate.
func (b *Bus) publish(topic Topic, payload any) {
	b.Publish(Event{Topic: topic, Payload: payload, Timestamp: time.Now()})
}

func (b *Bus) PublishQueueItemAdded(id string)           { b.publish(TopicQueueItemAdded, id) }
func (b *Bus) PublishQueueItemRemoved(id string)         { b.publish(TopicQueueItemRemoved, id) }
func (b *Bus) PublishQueueItemPriorityChanged(id string) { b.publish(TopicQueueItemPriorityChanged, id) }
func (b *Bus) PublishHistoryItemAdded(id string)         { b.publish(TopicHistoryItemAdded, id) }
func (b *Bus) PublishHistoryItemRemoved(id string)       { b.publish(TopicHistoryItemRemoved, id) }

// PublishProgress satisfies queue.Publisher, letting QueueManager report
// header-inspection progress through the same Bus without internal/queue
// importing internal/eventbus.
func (b *Bus) PublishProgress(p queue.Progress) { b.publish(TopicProgress, p) }

// Drain reads every currently queued event for ch without blocking, used
// by tests and by handlers that poll instead of holding a goroutine open.
func Drain(ctx context.Context, ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-ctx.Done():
			return out
		default:
			return out
		}
	}
}

var _ queue.Publisher = (*Bus)(nil)
