// Command ircbridge connects configured IRC networks to the message bus. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to the bus and subscribes to the control subjects.
//   - Runs the per-network connect sequence and the single event loop that
//     tracks membership, persists every event, and publishes records.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: each network gets a quit handshake,
// buffered persistence entries get a final flush, and a terminal irc:exit
// record is published exactly once.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/ircbridge/bus"
	"github.com/onnwee/ircbridge/config"
	"github.com/onnwee/ircbridge/heartbeat"
	"github.com/onnwee/ircbridge/irc"
	"github.com/onnwee/ircbridge/logstore"
	"github.com/onnwee/ircbridge/server"
	"github.com/onnwee/ircbridge/telemetry"
)

const version = "1.0.0"

func main() {
	// Load .env if present (local dev convenience only; production relies on
	// real env).
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	// The level lives in a LevelVar so the bus debug toggles work at runtime.
	level := new(slog.LevelVar)
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	networks, err := config.LoadNetworks(cfg.NetworksFile)
	if err != nil {
		slog.Error("network config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("ircbridge", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	b, err := bus.Connect(cfg.BusURL)
	if err != nil {
		slog.Error("bus connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer b.Close()

	store := logstore.NewRegistry(cfg.LogDir, cfg.RetrySweepInterval)

	manager, err := irc.NewManager(cfg, networks, b, store)
	if err != nil {
		// Configuration errors are fatal before anything connects.
		slog.Error("invalid network configuration", slog.Any("err", err))
		os.Exit(1)
	}

	// Control subjects: hot-swap the handler, toggle verbose logging.
	subscribe(b, irc.TypeReload, func([]byte) {
		manager.ReloadHandler()
	})
	subscribe(b, irc.TypeDebugOn, func([]byte) {
		level.Set(slog.LevelDebug)
		slog.Info("debug logging enabled")
	})
	subscribe(b, irc.TypeDebugOff, func([]byte) {
		level.Set(slog.LevelInfo)
		slog.Info("debug logging disabled")
	})

	// Root context with graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go heartbeat.Run(ctx, b, cfg.HeartbeatInterval)
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(manager, b, store)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	manager.Start(ctx)

	<-ctx.Done()
	slog.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.Shutdown(closeCtx)
	store.Close()
	if err := b.Publish(closeCtx, irc.TypeExit, map[string]any{
		"ts": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		slog.Warn("exit publish failed", slog.Any("err", err))
	}
}

func subscribe(b bus.Bus, typ string, handler func(data []byte)) {
	if err := b.Subscribe(typ, handler); err != nil {
		slog.Error("control subscription failed", slog.String("type", typ), slog.Any("err", err))
		os.Exit(1)
	}
}
