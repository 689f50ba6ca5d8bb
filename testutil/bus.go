// Package testutil provides in-process fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
)

// Published is one recorded bus publication.
type Published struct {
	Type string
	Data any
}

// BusRecorder implements bus.Bus in memory, recording every publication and
// delivering subscribed messages synchronously.
type BusRecorder struct {
	mu     sync.Mutex
	events []Published
	subs   map[string][]func(data []byte)
}

func NewBusRecorder() *BusRecorder {
	return &BusRecorder{subs: make(map[string][]func(data []byte))}
}

func (b *BusRecorder) Publish(_ context.Context, typ string, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, Published{Type: typ, Data: data})
	return nil
}

func (b *BusRecorder) Subscribe(typ string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[typ] = append(b.subs[typ], handler)
	return nil
}

func (b *BusRecorder) Connected() bool { return true }

func (b *BusRecorder) Close() {}

// Emit delivers a message to subscribers as the bus would.
func (b *BusRecorder) Emit(typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	handlers := append([]func([]byte){}, b.subs[typ]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
	return nil
}

// Events returns a copy of everything published so far.
func (b *BusRecorder) Events() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published{}, b.events...)
}

// EventsOfType filters recorded publications by envelope type.
func (b *BusRecorder) EventsOfType(typ string) []Published {
	var out []Published
	for _, e := range b.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
