package irc

import (
	"sync"
	"time"

	"github.com/onnwee/ircbridge/config"
)

// ConnState is the lifecycle state of one network session.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one live connection to a single chat network plus the state
// derived from its events. Exactly one Session exists per configured host;
// sessions are created at startup and torn down only at process shutdown
// after the graceful quit handshake.
//
// The tracker is touched exclusively by the Manager's dispatch goroutine.
// The mutex guards only the small snapshot fields read by the status
// endpoint from other goroutines.
type Session struct {
	Network config.Network

	transport Transport
	tracker   *Tracker

	mu             sync.Mutex
	state          ConnState
	nick           string
	umodes         string
	latency        time.Duration
	disconnectedAt time.Time
	channels       int
	members        int

	registered chan struct{} // closed on the first successful registration
	regOnce    sync.Once
	closedCh   chan struct{} // one signal per socket close; shutdown ack
}

// SessionStatus is the snapshot served by /status.
type SessionStatus struct {
	Network   string `json:"network"`
	Host      string `json:"host"`
	State     string `json:"state"`
	Nick      string `json:"nick,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Channels  int    `json:"channels"`
	Members   int    `json:"members"`
}

func newSession(nw config.Network, names Canonicalizer) *Session {
	return &Session{
		Network:    nw,
		tracker:    NewTracker(nw.Name, names),
		state:      StateConnecting,
		registered: make(chan struct{}),
		closedCh:   make(chan struct{}, 1),
	}
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Nick is the nickname currently held on the network, as of the last
// registration.
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

func (s *Session) setLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// applyMembership folds a membership-affecting event into the tracker and
// refreshes the snapshot counters. Dispatch goroutine only.
func (s *Session) applyMembership(rec EventRecord) {
	s.tracker.Apply(rec)
	ch, mem := s.tracker.Counts()
	s.mu.Lock()
	s.channels, s.members = ch, mem
	s.mu.Unlock()
}

func (s *Session) signalRegistered() {
	s.regOnce.Do(func() { close(s.registered) })
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Network:   s.Network.Name,
		Host:      s.Network.Host,
		State:     s.state.String(),
		Nick:      s.nick,
		LatencyMs: s.latency.Milliseconds(),
		Channels:  s.channels,
		Members:   s.members,
	}
}
