// Package bus is the pub/sub seam between the bridge core and its downstream
// consumers. Every message travels as a JSON envelope {type, data}; the type
// string (e.g. "irc:message") is also mapped onto the transport subject so
// consumers can subscribe selectively. The transport is NATS, treated as an
// ordered, at-least-once primitive; its internals are out of scope here.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Envelope is the wire format for every bus message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the write side of the bus. Components that only emit records
// take this instead of the full Bus.
type Publisher interface {
	Publish(ctx context.Context, typ string, data any) error
}

// Bus is the full transport handle held by main.
type Bus interface {
	Publisher
	Subscribe(typ string, handler func(data []byte)) error
	Connected() bool
	Close()
}

// Subject maps an envelope type onto a transport subject:
// "irc:warning:duplicateChannelSpecs" -> "irc.warning.duplicateChannelSpecs".
func Subject(typ string) string {
	return strings.ReplaceAll(typ, ":", ".")
}

type natsBus struct {
	nc *nats.Conn
}

// Connect dials the NATS server and returns the bus handle. Reconnection is
// delegated to the client; publishes during an outage fail and are logged by
// callers, never fatal.
func Connect(url string) (Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("ircbridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("bus disconnected", slog.Any("err", err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect bus at %s: %w", url, err)
	}
	return &natsBus{nc: nc}, nil
}

func (b *natsBus) Publish(_ context.Context, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	payload, err := json.Marshal(Envelope{Type: typ, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", typ, err)
	}
	if err := b.nc.Publish(Subject(typ), payload); err != nil {
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	return nil
}

func (b *natsBus) Subscribe(typ string, handler func(data []byte)) error {
	_, err := b.nc.Subscribe(Subject(typ), func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			slog.Warn("bus message with malformed envelope", slog.String("subject", m.Subject), slog.Any("err", err))
			return
		}
		handler(env.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", typ, err)
	}
	return nil
}

func (b *natsBus) Connected() bool {
	return b.nc.IsConnected()
}

func (b *natsBus) Close() {
	// Drain flushes pending publishes before closing.
	if err := b.nc.Drain(); err != nil {
		slog.Warn("bus drain failed", slog.Any("err", err))
		b.nc.Close()
	}
}
