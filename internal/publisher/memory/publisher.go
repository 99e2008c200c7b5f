// Package memory keeps change notifications in process memory for tests and
// single-node deployments that only need to inspect them.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// ErrNoTopic is returned when Publish is called without a topic.
var ErrNoTopic = errors.New("memory publisher: topic is required")

// PublishedMessage captures one accepted publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher implements ingest.Publisher by appending to a slice.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	failure  error
	seq      int
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err. A nil err restores normal behavior.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failure = err
}

// Publish records payload under topic and returns a sequential message id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", ErrNoTopic
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.failure)
	}
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of every recorded publish in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// OnTopic returns the recorded publishes for one topic.
func (p *Publisher) OnTopic(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Changes returns the change events published to topic.
func (p *Publisher) Changes(topic string) []ingest.ChangeEvent {
	var out []ingest.ChangeEvent
	for _, m := range p.OnTopic(topic) {
		if ev, ok := m.Payload.(ingest.ChangeEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Summaries returns the run summaries published to topic.
func (p *Publisher) Summaries(topic string) []ingest.RunSummary {
	var out []ingest.RunSummary
	for _, m := range p.OnTopic(topic) {
		if s, ok := m.Payload.(ingest.RunSummary); ok {
			out = append(out, s)
		}
	}
	return out
}
