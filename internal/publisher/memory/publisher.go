// Package memory retains completion events in process, standing in for the
// Pub/Sub feed when no topic is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// Event captures one publish call. Completion is populated when the payload
// is the pipeline's completion event; anything else lands in Raw.
type Event struct {
	Topic      string
	Completion pipeline.CompletionEvent
	Raw        any
}

// Publisher keeps every published completion for inspection, so dev runs and
// tests can see what would have reached the external feed.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a process-local pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	ev := Event{Topic: topic}
	switch v := payload.(type) {
	case pipeline.CompletionEvent:
		ev.Completion = v
	default:
		ev.Raw = payload
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return fmt.Sprintf("local-%d", len(p.events)), nil
}

// Events returns a copy of the recorded publishes, oldest first.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ForEntity returns the completions recorded for one entity, oldest first.
// An entity that moved through several stages yields one event per stage.
func (p *Publisher) ForEntity(id string) []pipeline.CompletionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []pipeline.CompletionEvent
	for _, ev := range p.events {
		if ev.Completion.EntityID == id {
			out = append(out, ev.Completion)
		}
	}
	return out
}
