package logstore

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/onnwee/ircbridge/irc"
	"github.com/onnwee/ircbridge/telemetry"
)

// Registry owns every per-path retry buffer in the process. Buffers are
// created lazily on the first transient failure for a path and live until
// process exit even once drained; their sweep timers are a deliberately
// accepted standing cost. The registry is shared across all networks, but
// each path's queue is independent.
//
// Delivery is at-least-once: a record retried after a transient error may
// land twice if the first attempt actually succeeded before the error was
// observed, and a retried record may land after a younger record that wrote
// cleanly on its first attempt. Neither is deduplicated or reordered.
type Registry struct {
	dir   string
	store appender
	sweep time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	buffers map[string]*pathBuffer
	stopped bool
}

type pathBuffer struct {
	pending []irc.EventRecord
	stop    chan struct{}
}

func NewRegistry(dir string, sweepInterval time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	return &Registry{
		dir:     dir,
		store:   sqliteAppender{},
		sweep:   sweepInterval,
		log:     slog.Default().With(slog.String("component", "logstore")),
		buffers: make(map[string]*pathBuffer),
	}
}

// WriteEvent appends rec to the store for (network, target) under the
// registry's log directory. This is the irc.Store implementation.
func (r *Registry) WriteEvent(network, target string, rec irc.EventRecord) {
	r.Write(PathFor(r.dir, network, target), rec)
}

// Write appends rec to the store at path. It never surfaces a storage error:
// a transient busy condition parks the record in the path's retry buffer, and
// anything else falls back to the plain-file log. Synchronous relative to the
// caller, but each call opens its own handle, so a slow write to one path
// does not serialize writes to another.
func (r *Registry) Write(path string, rec irc.EventRecord) {
	err := r.store.append(path, rec)
	if err == nil {
		return
	}
	if isTransient(err) {
		telemetry.IncStoreBusy()
		r.enqueue(path, rec)
		return
	}
	telemetry.IncStoreFallback()
	r.log.Warn("event store unavailable; writing fallback log",
		slog.String("path", path), slog.Any("err", err))
	r.fallback(path, rec)
}

func (r *Registry) enqueue(path string, rec irc.EventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffers[path]
	if b == nil {
		b = &pathBuffer{stop: make(chan struct{})}
		r.buffers[path] = b
		if !r.stopped {
			go r.sweepLoop(path, b.stop)
		}
	}
	b.pending = append(b.pending, rec)
	telemetry.SetBufferedRecords(r.pendingLocked())
}

func (r *Registry) sweepLoop(path string, stop chan struct{}) {
	t := time.NewTicker(r.sweep)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			r.sweepOnce(path)
		}
	}
}

// sweepOnce flushes the path's buffered records in FIFO order. Records that
// still hit the transient condition go back to the front of the queue for the
// next sweep; records failing any other way are logged and dropped.
func (r *Registry) sweepOnce(path string) {
	r.mu.Lock()
	b := r.buffers[path]
	if b == nil || len(b.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	r.mu.Unlock()

	var retry []irc.EventRecord
	for _, rec := range batch {
		err := r.store.append(path, rec)
		switch {
		case err == nil:
		case isTransient(err):
			retry = append(retry, rec)
		default:
			telemetry.IncRecordsDropped()
			r.log.Error("dropping buffered record after permanent store failure",
				slog.String("path", path), slog.String("kind", string(rec.Kind)), slog.Any("err", err))
		}
	}

	r.mu.Lock()
	if len(retry) > 0 {
		// Records that arrived while the sweep ran are younger; keep FIFO.
		b.pending = append(retry, b.pending...)
	}
	telemetry.SetBufferedRecords(r.pendingLocked())
	r.mu.Unlock()
}

// fallback appends rec as one JSON line at the store's path stem. It swallows
// and logs its own failures; nothing propagates to the caller.
func (r *Registry) fallback(path string, rec irc.EventRecord) {
	line, err := marshalRecord(rec)
	if err != nil {
		r.log.Error("fallback marshal failed; record lost", slog.Any("err", err))
		return
	}
	fp := fallbackPath(path)
	if err := os.MkdirAll(dirOf(fp), 0o755); err != nil {
		r.log.Error("fallback dir create failed; record lost", slog.String("path", fp), slog.Any("err", err))
		return
	}
	f, err := os.OpenFile(fp, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.log.Error("fallback open failed; record lost", slog.String("path", fp), slog.Any("err", err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		r.log.Error("fallback write failed; record lost", slog.String("path", fp), slog.Any("err", err))
	}
}

// Pending reports the number of buffered records across all paths.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

func (r *Registry) pendingLocked() int {
	n := 0
	for _, b := range r.buffers {
		n += len(b.pending)
	}
	return n
}

// Close cancels every sweep timer, attempts one final flush per path, and
// logs whatever could not be delivered. Buffers are not cleared mid-flight;
// the final sweep sees everything that was queued.
func (r *Registry) Close() {
	r.mu.Lock()
	r.stopped = true
	paths := make([]string, 0, len(r.buffers))
	for path, b := range r.buffers {
		close(b.stop)
		paths = append(paths, path)
	}
	r.mu.Unlock()

	for _, path := range paths {
		r.sweepOnce(path)
	}
	if n := r.Pending(); n > 0 {
		r.log.Warn("records still buffered at shutdown", slog.Int("count", n))
	}
}
