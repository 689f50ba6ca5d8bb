package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/ircbridge/bus"
	"github.com/onnwee/ircbridge/config"
	"github.com/onnwee/ircbridge/telemetry"
)

// Outbound ping payloads look like "ircbridge-<epochMs>"; only pongs carrying
// this marker are published to the bus.
const pingMarker = "ircbridge-"

// Store is the durable write path the manager hands every event to. Callers
// never observe storage errors through it.
type Store interface {
	WriteEvent(network, target string, rec EventRecord)
}

// Handler processes one event dispatched to a registered target. The active
// handler sits behind an atomically swappable slot so irc:reload can rebind
// it without a restart.
type Handler func(ctx context.Context, s *Session, rec EventRecord)

type item struct {
	s   *Session
	rec EventRecord
}

// Manager supervises all network sessions. It validates the static network
// configuration, performs the per-network connect sequence, serializes every
// protocol event onto one dispatch goroutine, and owns the per-(network,
// target) handler registry.
type Manager struct {
	cfg   *config.Config
	pub   bus.Publisher
	store Store
	log   *slog.Logger

	names      Canonicalizer
	prompter   SecretPrompter
	regTimeout time.Duration

	// newTransport is a seam for tests; the default picks the adapter by
	// network kind.
	newTransport func(nw config.Network, cert *tls.Certificate, sasl, quitMessage string, hooks TransportHooks) Transport

	sessions map[string]*Session // by host
	order    []string
	// targets maps network name -> canonical target set. Fully built at the
	// top of Start, strictly before the dispatch goroutine launches; read-only
	// afterwards.
	targets map[string]map[string]struct{}

	handler atomic.Pointer[Handler]

	events    chan item
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager validates the network list and builds the manager. A missing
// host or port, or two entries sharing one host, is a *ConfigError: fatal
// before anything connects.
func NewManager(cfg *config.Config, networks []config.Network, pub bus.Publisher, store Store) (*Manager, error) {
	m := &Manager{
		cfg:          cfg,
		pub:          pub,
		store:        store,
		log:          slog.Default().With(slog.String("component", "irc")),
		names:        RFC1459{},
		prompter:     TerminalPrompter{},
		regTimeout:   time.Minute,
		newTransport: defaultNewTransport,
		sessions:     make(map[string]*Session),
		targets:      make(map[string]map[string]struct{}),
		events:       make(chan item, 256),
		done:         make(chan struct{}),
	}

	for _, nw := range networks {
		if nw.Host == "" {
			return nil, &ConfigError{Network: nw.Name, Reason: "missing host"}
		}
		if nw.Kind != "twitch" && nw.Port == 0 {
			return nil, &ConfigError{Network: nw.Name, Reason: "missing port"}
		}
		if nw.Nick == "" {
			return nil, &ConfigError{Network: nw.Name, Reason: "missing nick"}
		}
		if _, dup := m.sessions[nw.Host]; dup {
			return nil, &ConfigError{Network: nw.Name, Reason: "duplicate network for host " + nw.Host}
		}
		s := newSession(nw, m.names)
		m.sessions[nw.Host] = s
		m.order = append(m.order, nw.Host)
	}

	m.SetHandler(m.defaultHandler())
	return m, nil
}

// SetHandler atomically swaps the active per-target handler.
func (m *Manager) SetHandler(h Handler) {
	m.handler.Store(&h)
}

// ReloadHandler rebinds the default handler in place; wired to irc:reload.
func (m *Manager) ReloadHandler() {
	m.SetHandler(m.defaultHandler())
	telemetry.IncReloads()
	m.log.Info("event handler reloaded")
}

// defaultHandler persists the event into its target's store and publishes the
// normalized record to the bus.
func (m *Manager) defaultHandler() Handler {
	return func(ctx context.Context, s *Session, rec EventRecord) {
		target := m.names.Canonical(rec.Target)
		telemetry.TimeFunc(telemetry.PersistDuration, func() {
			m.store.WriteEvent(rec.Network, target, rec)
		})
		m.publish(ctx, TypeMessage, rec)
	}
}

// Start builds the handler registry for every network, launches the dispatch
// loop, and then runs the connect sequence sequentially in configuration
// order. The registry must be complete before the loop starts: once the first
// network registers, its events read the target map from the dispatch
// goroutine. Per-network connect failures (auth, dial, registration timeout)
// are logged and skipped; they never abort the other networks.
func (m *Manager) Start(ctx context.Context) {
	for _, host := range m.order {
		m.bindTargets(ctx, m.sessions[host])
	}
	go m.run()

	for _, host := range m.order {
		s := m.sessions[host]
		if err := m.connect(ctx, s); err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				m.log.Error("network authentication failed; network disabled",
					slog.String("network", s.Network.Name), slog.Any("err", err))
			} else {
				m.log.Error("network connect failed",
					slog.String("network", s.Network.Name), slog.Any("err", err))
			}
			s.setState(StateDisconnected)
		}
	}
}

// bindTargets registers the network's configured channels and its own nick in
// the handler registry. Channel specs that collapse onto one canonical name
// are reported as a diagnostic, never a failure; the first spec wins.
func (m *Manager) bindTargets(ctx context.Context, s *Session) {
	nw := s.Network
	set := make(map[string]struct{}, len(nw.Channels)+1)
	specs := make(map[string][]string, len(nw.Channels))
	for _, raw := range nw.Channels {
		canon := m.names.Canonical(raw)
		specs[canon] = append(specs[canon], raw)
		set[canon] = struct{}{}
	}
	for canon, raws := range specs {
		if len(raws) > 1 {
			m.log.Warn("duplicate channel specs resolve to one canonical name",
				slog.String("network", nw.Name), slog.String("channel", canon), slog.Any("specs", raws))
			m.publish(ctx, TypeWarningDuplicateChannelSpecs, map[string]any{
				"network": nw.Name,
				"channel": canon,
				"specs":   raws,
			})
		}
	}
	set[m.names.Canonical(nw.Nick)] = struct{}{}
	m.targets[nw.Name] = set
}

// connect runs the per-network connect sequence: credential prompt and
// certificate load strictly before the network joins the event loop, then
// dial, then a wait that only returns once the server confirms registration.
func (m *Manager) connect(ctx context.Context, s *Session) error {
	nw := s.Network
	m.publish(ctx, TypeConnecting, map[string]any{"network": nw.Name, "host": nw.Host})

	sasl := nw.SASLPassword
	if nw.RequiresAuth && sasl == "" {
		login := nw.SASLLogin
		if login == "" {
			login = nw.Nick
		}
		secret, err := m.prompter.Secret(fmt.Sprintf("password for %s on %s: ", login, nw.Host))
		if err != nil {
			return &AuthError{Network: nw.Name, Reason: fmt.Sprintf("credential prompt: %v", err)}
		}
		sasl = secret
	}

	var clientCert *tls.Certificate
	if nw.CertFile != "" {
		cert, err := LoadClientCert(nw.Name, nw.CertFile)
		if err != nil {
			return err
		}
		clientCert = &cert
	}

	s.transport = m.newTransport(nw, clientCert, sasl, m.cfg.QuitMessage, m.hooksFor(s))
	if err := s.transport.Dial(); err != nil {
		return fmt.Errorf("dial %s: %w", nw.Host, err)
	}
	go s.transport.Run()
	go m.pingLoop(s)

	select {
	case <-s.registered:
		return nil
	case <-time.After(m.regTimeout):
		// The library's reconnect loop would otherwise keep running against a
		// session already written off.
		s.transport.Quit()
		return fmt.Errorf("network %s: registration timed out", nw.Name)
	case <-ctx.Done():
		s.transport.Quit()
		return ctx.Err()
	}
}

func defaultNewTransport(nw config.Network, cert *tls.Certificate, sasl, quitMessage string, hooks TransportHooks) Transport {
	if nw.Kind == "twitch" {
		token := sasl
		if token == "" {
			token = nw.ServerPassword
		}
		return newTwitchTransport(nw, token, hooks)
	}
	return newServerTransport(nw, cert, sasl, quitMessage, hooks)
}

// hooksFor routes transport callbacks onto the dispatch channel so lifecycle
// transitions are serialized with protocol events.
func (m *Manager) hooksFor(s *Session) TransportHooks {
	return TransportHooks{
		Event: func(rec EventRecord) {
			m.enqueue(s, rec)
		},
		Registered: func(nick, umodes string) {
			m.enqueue(s, EventRecord{Kind: kindReady, Nick: nick, Message: umodes, RxTime: time.Now().UTC()})
		},
		Disconnected: func() {
			m.enqueue(s, EventRecord{Kind: kindClosed, RxTime: time.Now().UTC()})
		},
	}
}

func (m *Manager) enqueue(s *Session, rec EventRecord) {
	select {
	case m.events <- item{s: s, rec: rec}:
	case <-m.done:
	}
}

func (m *Manager) pingLoop(s *Session) {
	if m.cfg.PingInterval <= 0 {
		return
	}
	t := time.NewTicker(m.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			if s.State() == StateConnected {
				s.transport.SendPing(fmt.Sprintf("%s%d", pingMarker, time.Now().UnixMilli()))
			}
		}
	}
}

// run is the single event loop: each event runs to completion (membership
// mutation, persistence, publication) before the next is picked up.
func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			return
		case it := <-m.events:
			m.process(it.s, it.rec)
		}
	}
}

func (m *Manager) process(s *Session, rec EventRecord) {
	switch rec.Kind {
	case kindReady:
		m.processReady(s, rec)
		return
	case kindClosed:
		m.processClosed(s)
		return
	}

	// Annotation happens before anything else: network id here, receive
	// timestamp at the transport boundary.
	rec.Network = s.Network.Name
	if rec.RxTime.IsZero() {
		rec.RxTime = time.Now().UTC()
	}

	ctx := telemetry.WithCorrelation(context.Background(), uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "ircbridge/irc", "event."+string(rec.Kind),
		attribute.String("network", rec.Network))
	defer span.End()
	telemetry.IncEvent(rec.Network, string(rec.Kind))

	if rec.Kind == KindPong {
		m.processPong(ctx, s, rec)
		return
	}

	// Quits and nick-changes carry no target of their own; they fan out to
	// every channel the nick sits in, resolved before the mutation empties
	// those sets.
	if rec.Kind == KindQuit || rec.Kind == KindNick {
		affected := s.tracker.ChannelsContaining(rec.Nick)
		s.applyMembership(rec)
		for _, ch := range affected {
			if !m.bound(s, ch) {
				continue
			}
			cp := rec
			cp.Target = ch
			m.dispatch(ctx, s, cp)
		}
		return
	}

	if rec.Kind.affectsMembership() {
		s.applyMembership(rec)
	}

	target := m.names.Canonical(rec.Target)

	// A notice aimed at a registered target by a real client is a privmsg
	// that picked the wrong verb; reclassify so downstream treats them
	// identically.
	if rec.Kind == KindNotice && rec.Target != "" && !rec.FromServer && m.bound(s, target) {
		rec.Kind = KindPrivmsg
	}

	// Self-notices bypass per-target dispatch: published network-wide,
	// persisted under the sending nick.
	if m.isSelfNotice(s, rec, target) {
		key := m.names.Canonical(rec.Nick)
		telemetry.TimeFunc(telemetry.PersistDuration, func() {
			m.store.WriteEvent(rec.Network, key, rec)
		})
		m.publish(ctx, TypeNotice, rec)
		return
	}

	if !m.bound(s, target) {
		// Expected for synthetic/probe connections; not a fault.
		m.log.Debug("no handler for target; event dropped",
			slog.String("network", rec.Network), slog.String("target", target))
		return
	}
	m.dispatch(ctx, s, rec)
}

func (m *Manager) dispatch(ctx context.Context, s *Session, rec EventRecord) {
	telemetry.IncDispatch(rec.Network, m.names.Canonical(rec.Target))
	if h := m.handler.Load(); h != nil {
		(*h)(ctx, s, rec)
	}
}

// isSelfNotice reports whether rec addresses the bridge itself: targeted at
// our own nick, or a server-originated notice.
func (m *Manager) isSelfNotice(s *Session, rec EventRecord, canonTarget string) bool {
	if rec.Kind == KindNotice && rec.FromServer {
		return true
	}
	nick := s.Nick()
	if nick == "" {
		nick = s.Network.Nick
	}
	return canonTarget != "" && canonTarget == m.names.Canonical(nick)
}

func (m *Manager) bound(s *Session, canonTarget string) bool {
	set := m.targets[s.Network.Name]
	if set == nil {
		return false
	}
	_, ok := set[canonTarget]
	return ok
}

func (m *Manager) processReady(s *Session, rec EventRecord) {
	var downtime time.Duration
	s.mu.Lock()
	if !s.disconnectedAt.IsZero() {
		downtime = time.Since(s.disconnectedAt)
		s.disconnectedAt = time.Time{}
	}
	s.state = StateConnected
	s.nick = rec.Nick
	s.umodes = rec.Message
	s.mu.Unlock()
	s.signalRegistered()
	m.updateConnectedGauge()

	// Join on every registration, not just the first: membership repopulates
	// from the fresh join events.
	for _, ch := range s.Network.Channels {
		s.transport.Join(ch)
	}

	log := m.log.With(slog.String("network", s.Network.Name), slog.String("nick", rec.Nick))
	payload := map[string]any{
		"network": s.Network.Name,
		"nick":    rec.Nick,
		"umodes":  rec.Message,
	}
	if downtime > 0 {
		payload["downtime_ms"] = downtime.Milliseconds()
		log = log.With(slog.Duration("downtime", downtime))
	}
	log.Info("network ready")
	m.publish(context.Background(), TypeReady, payload)
}

// processClosed marks the session disconnected and discards its membership
// immediately; nothing is assumed valid across the reconnect the transport
// will attempt on its own.
func (m *Manager) processClosed(s *Session) {
	s.tracker.Reset()
	s.mu.Lock()
	s.state = StateDisconnected
	s.disconnectedAt = time.Now()
	s.channels, s.members = 0, 0
	s.mu.Unlock()
	m.updateConnectedGauge()
	m.log.Warn("socket closed; membership cleared", slog.String("network", s.Network.Name))

	select {
	case s.closedCh <- struct{}{}:
	default:
	}
}

func (m *Manager) processPong(ctx context.Context, s *Session, rec EventRecord) {
	ts, marked, ok := parsePongPayload(rec.Message)
	if !ok {
		// Foreign or malformed payload; not an error.
		return
	}
	latency := rec.RxTime.Sub(ts)
	s.setLatency(latency)
	telemetry.SetLatency(rec.Network, latency)
	if !marked {
		return
	}
	m.publish(ctx, TypePong, map[string]any{
		"network":    rec.Network,
		"latency_ms": latency.Milliseconds(),
	})
}

// parsePongPayload extracts the epoch-milliseconds timestamp embedded in a
// ping payload and whether the payload carries our own marker prefix.
func parsePongPayload(payload string) (ts time.Time, marked, ok bool) {
	marked = strings.HasPrefix(payload, pingMarker)
	i := strings.LastIndexByte(payload, '-')
	if i < 0 || i+1 >= len(payload) {
		return time.Time{}, marked, false
	}
	ms, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, marked, false
	}
	return time.UnixMilli(ms).UTC(), marked, true
}

func (m *Manager) updateConnectedGauge() {
	n := 0
	for _, s := range m.sessions {
		if s.State() == StateConnected {
			n++
		}
	}
	telemetry.SetConnectedNetworks(n)
}

func (m *Manager) publish(ctx context.Context, typ string, data any) {
	if err := m.pub.Publish(ctx, typ, data); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("bus publish failed",
			slog.String("type", typ), slog.Any("err", err))
	}
}

// Status snapshots every session for the HTTP status endpoint.
func (m *Manager) Status() []SessionStatus {
	out := make([]SessionStatus, 0, len(m.order))
	for _, host := range m.order {
		out = append(out, m.sessions[host].Status())
	}
	return out
}

// Shutdown closes every active network in configuration order: graceful quit,
// then wait for the close acknowledgement before moving on. The dispatch loop
// keeps running until all closes complete so acknowledgements are processed;
// the terminal bridge-offline publication is the caller's last step, exactly
// once, after this returns.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, host := range m.order {
		s := m.sessions[host]
		if s.transport == nil || s.State() == StateDisconnected {
			continue
		}
		m.log.Info("closing network", slog.String("network", s.Network.Name))
		// Drop any stale close token from an earlier reconnect cycle.
		select {
		case <-s.closedCh:
		default:
		}
		s.transport.Quit()
		select {
		case <-s.closedCh:
		case <-ctx.Done():
			m.log.Warn("close acknowledgement timed out", slog.String("network", s.Network.Name))
		}
	}
	m.closeOnce.Do(func() { close(m.done) })
}
