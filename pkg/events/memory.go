package events

import (
	"context"
	"sync"
)

// Published is one event captured by a Recorder
type Published struct {
	Topic string
	Key   string
	Event *Event
}

// Recorder keeps published events in memory. It backs the in-memory
// runtime and tests that assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, topic, key string, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Topic: topic, Key: key, Event: event})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns the events published to topic, or all when topic is empty
func (r *Recorder) Events(topic string) []Published {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Published, 0, len(r.events))
	for _, e := range r.events {
		if topic == "" || e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
