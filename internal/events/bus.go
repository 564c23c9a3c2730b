// Package events implements the in-process Event Bus (§4.7): every
// Capture/Species state change the pipeline makes is published here, and
// the WS Gateway is just one subscriber among possibly several (a future
// audit log, metrics). Adapted from the teacher's CloudEvents bus: the
// envelope and subscribe/publish shape are kept, generalized from string
// event types to the Coordinator's own Topic type.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Topic identifies the kind of event published on the bus.
type Topic string

const (
	TopicCaptureReceived   Topic = "capture.received"
	TopicCaptureClassified Topic = "capture.classified"
	TopicCaptureProcessed  Topic = "capture.processed"
	TopicCaptureFailed     Topic = "capture.failed"
	TopicSpeciesAssetReady Topic = "species.asset_ready"
)

// Event is the CloudEvents-shaped envelope every publication carries,
// addressed to a capture id or species code so subscribers can route
// without inspecting Data.
type Event struct {
	SpecVersion string         `json:"specversion"`
	Type        Topic          `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Subject     string         `json:"subject"` // capture id or species code
	OwnerUserID string         `json:"owneruserid,omitempty"`
	Data        map[string]any `json:"data"`
}

// NewEvent builds a CloudEvents 1.0-shaped Event.
func NewEvent(topic Topic, subject, ownerUserID string, data map[string]any) Event {
	return Event{
		SpecVersion: "1.0",
		Type:        topic,
		Source:      "coordinator/pipeline",
		ID:          fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		OwnerUserID: ownerUserID,
		Data:        data,
	}
}

// JSON serializes the event, e.g. for an SSE fallback or audit log.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Subscribers receive events on a
// bounded channel; a slow subscriber has events dropped for it alone
// rather than blocking publishers, with the drop counted per topic (see
// Dropped).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Event
	allSubs     []chan Event
	bufferSize  int
	dropped     map[Topic]uint64
}

// New creates a Bus whose subscriber channels buffer bufferSize events.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Topic][]chan Event),
		bufferSize:  bufferSize,
		dropped:     make(map[Topic]uint64),
	}
}

// Subscribe creates a channel that receives events of the given topics.
// Pass no topics to receive every event. Callers must Unsubscribe to
// release the channel.
func (b *Bus) Subscribe(topics ...Topic) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(topics) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, topic := range topics {
			b.subscribers[topic] = append(b.subscribers[topic], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a channel previously returned by
// Subscribe.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		b.subscribers[topic] = filterOut(subs, ch)
	}
	b.allSubs = filterOut(b.allSubs, ch)
	close(ch)
}

func filterOut(subs []chan Event, target chan Event) []chan Event {
	filtered := make([]chan Event, 0, len(subs))
	for _, s := range subs {
		if s != target {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	topicSubs := b.subscribers[event.Type]
	allSubs := b.allSubs
	b.mu.RUnlock()

	for _, ch := range topicSubs {
		b.deliver(ch, event)
	}
	for _, ch := range allSubs {
		b.deliver(ch, event)
	}
}

func (b *Bus) deliver(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.mu.Lock()
		b.dropped[event.Type]++
		b.mu.Unlock()
		slog.Warn("events: subscriber buffer full, dropping event", "topic", event.Type, "subject", event.Subject)
	}
}

// Emit is a convenience wrapper combining NewEvent and Publish.
func (b *Bus) Emit(topic Topic, subject, ownerUserID string, data map[string]any) {
	b.Publish(NewEvent(topic, subject, ownerUserID, data))
}

// Dropped returns the per-topic count of events dropped for full
// subscriber buffers.
func (b *Bus) Dropped() map[Topic]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Topic]uint64, len(b.dropped))
	for k, v := range b.dropped {
		out[k] = v
	}
	return out
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
