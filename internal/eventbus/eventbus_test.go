package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/queue"
)

func TestBus_SubscribeOnlyReceivesRegisteredTopics(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(TopicQueueItemAdded)
	defer unsub()

	b.PublishHistoryItemAdded("h1")
	b.PublishQueueItemAdded("q1")

	select {
	case ev := <-ch:
		assert.Equal(t, TopicQueueItemAdded, ev.Topic)
		assert.Equal(t, "q1", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected queue item added event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestBus_MultipleSubscribersEachGetTheEvent(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(TopicHistoryItemRemoved)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(TopicHistoryItemRemoved)
	defer unsub2()

	b.PublishHistoryItemRemoved("h1")

	require.Equal(t, "h1", (<-ch1).Payload)
	require.Equal(t, "h1", (<-ch2).Payload)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(TopicQueueItemRemoved)
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBus_FullSubscriberChannelDropsRatherThanBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(TopicProgress)
	defer unsub()

	for i := 0; i < 64; i++ {
		b.PublishProgress(queue.Progress{JobID: "job", Fetched: i, Total: 64})
	}
	// Publishing past the channel's buffer must not block the test.
}

func TestBus_SatisfiesQueuePublisher(t *testing.T) {
	var _ queue.Publisher = New()
}
