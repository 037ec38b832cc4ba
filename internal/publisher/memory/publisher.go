// Package memory keeps published batch events in process for local runs and
// tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/JakeFAU/batchd/internal/batch"
)

// Message is one recorded publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher implements batch.Publisher without a broker.
type Publisher struct {
	mu   sync.RWMutex
	seq  int
	msgs []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records payload under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := "memory-" + strconv.Itoa(p.seq)
	p.msgs = append(p.msgs, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// ForTopic returns a copy of the messages published to topic, oldest first.
func (p *Publisher) ForTopic(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Events returns the batch events published to topic.
func (p *Publisher) Events(topic string) []batch.Event {
	var out []batch.Event
	for _, m := range p.ForTopic(topic) {
		switch ev := m.Payload.(type) {
		case batch.Event:
			out = append(out, ev)
		case *batch.Event:
			out = append(out, *ev)
		}
	}
	return out
}
