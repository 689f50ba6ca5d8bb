// Package heartbeat publishes a periodic liveness signal to the bus.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/ircbridge/bus"
	"github.com/onnwee/ircbridge/irc"
)

// Run publishes an irc:heartbeat record every interval until ctx is
// cancelled. It carries no state; a bus failure is logged and the next tick
// tries again.
func Run(ctx context.Context, pub bus.Publisher, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			payload := map[string]any{"ts": now.UTC().Format(time.RFC3339Nano)}
			if err := pub.Publish(ctx, irc.TypeHeartbeat, payload); err != nil {
				slog.Warn("heartbeat publish failed", slog.Any("err", err))
			}
		}
	}
}
