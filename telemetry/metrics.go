// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers, and OpenTelemetry tracing setup for the bridge.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsTotal    *prometheus.CounterVec // by network, kind
	DispatchTotal  *prometheus.CounterVec // by network, target
	StoreBusy      prometheus.Counter
	StoreFallback  prometheus.Counter
	RecordsDropped prometheus.Counter
	Reloads        prometheus.Counter

	// Gauges
	BufferedRecords   prometheus.Gauge
	ConnectedNetworks prometheus.Gauge
	LatencyGauge      *prometheus.GaugeVec // by network, seconds

	// Histograms (seconds)
	PersistDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ircbridge_events_total", Help: "Protocol events processed"}, []string{"network", "kind"})
		DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ircbridge_dispatch_total", Help: "Events dispatched to a per-target handler"}, []string{"network", "target"})
		StoreBusy = promauto.NewCounter(prometheus.CounterOpts{Name: "ircbridge_store_busy_total", Help: "Transient store-busy failures absorbed by the retry buffer"})
		StoreFallback = promauto.NewCounter(prometheus.CounterOpts{Name: "ircbridge_store_fallback_total", Help: "Records diverted to the plain-file fallback log"})
		RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "ircbridge_records_dropped_total", Help: "Buffered records dropped after a permanent store failure"})
		Reloads = promauto.NewCounter(prometheus.CounterOpts{Name: "ircbridge_handler_reloads_total", Help: "Handler hot-swaps triggered over the bus"})
		BufferedRecords = promauto.NewGauge(prometheus.GaugeOpts{Name: "ircbridge_buffered_records", Help: "Records currently parked in retry buffers"})
		ConnectedNetworks = promauto.NewGauge(prometheus.GaugeOpts{Name: "ircbridge_connected_networks", Help: "Networks currently in the Connected state"})
		LatencyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "ircbridge_latency_seconds", Help: "Last measured ping round-trip per network"}, []string{"network"})
		PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "ircbridge_persist_duration_seconds", Help: "Durable write duration seconds", Buckets: prometheus.DefBuckets})
	})
}

// The helpers below are nil-safe so packages can report without caring
// whether Init ran (tests commonly skip it).

func IncEvent(network, kind string) {
	if EventsTotal != nil {
		EventsTotal.WithLabelValues(network, kind).Inc()
	}
}

func IncDispatch(network, target string) {
	if DispatchTotal != nil {
		DispatchTotal.WithLabelValues(network, target).Inc()
	}
}

func IncStoreBusy() {
	if StoreBusy != nil {
		StoreBusy.Inc()
	}
}

func IncStoreFallback() {
	if StoreFallback != nil {
		StoreFallback.Inc()
	}
}

func IncRecordsDropped() {
	if RecordsDropped != nil {
		RecordsDropped.Inc()
	}
}

func IncReloads() {
	if Reloads != nil {
		Reloads.Inc()
	}
}

func SetBufferedRecords(n int) {
	if BufferedRecords != nil {
		BufferedRecords.Set(float64(n))
	}
}

func SetConnectedNetworks(n int) {
	if ConnectedNetworks != nil {
		ConnectedNetworks.Set(float64(n))
	}
}

func SetLatency(network string, d time.Duration) {
	if LatencyGauge != nil {
		LatencyGauge.WithLabelValues(network).Set(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger carrying the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
