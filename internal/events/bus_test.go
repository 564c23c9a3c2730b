package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToTopicAndAllSubscribers(t *testing.T) {
	b := New(4)

	topicCh := b.Subscribe(TopicCaptureClassified)
	allCh := b.Subscribe()

	b.Emit(TopicCaptureClassified, "cap-1", "u1", map[string]any{"species": "robin"})

	select {
	case ev := <-topicCh:
		assert.Equal(t, "cap-1", ev.Subject)
		assert.Equal(t, "robin", ev.Data["species"])
	case <-time.After(time.Second):
		t.Fatal("topic subscriber did not receive event")
	}

	select {
	case ev := <-allCh:
		assert.Equal(t, TopicCaptureClassified, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}
}

func TestBus_DropsWhenSubscriberBufferFull(t *testing.T) {
	b := New(1)
	ch := b.Subscribe(TopicCaptureFailed)

	b.Emit(TopicCaptureFailed, "cap-1", "u1", nil)
	b.Emit(TopicCaptureFailed, "cap-2", "u1", nil) // buffer full, dropped

	dropped := b.Dropped()
	assert.Equal(t, uint64(1), dropped[TopicCaptureFailed])

	ev := <-ch
	assert.Equal(t, "cap-1", ev.Subject)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(4)
	ch := b.Subscribe(TopicCaptureProcessed)
	b.Unsubscribe(ch)

	b.Emit(TopicCaptureProcessed, "cap-1", "u1", nil)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestBus_SubscriberCount(t *testing.T) {
	b := New(4)
	assert.Equal(t, 0, b.SubscriberCount())

	ch1 := b.Subscribe(TopicCaptureReceived)
	_ = b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(ch1)
	assert.Equal(t, 1, b.SubscriberCount())
}
