package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/ircbridge/config"
	"github.com/onnwee/ircbridge/testutil"
)

type storedRec struct {
	network, target string
	rec             EventRecord
}

type fakeStore struct {
	mu   sync.Mutex
	recs []storedRec
}

func (f *fakeStore) WriteEvent(network, target string, rec EventRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, storedRec{network: network, target: target, rec: rec})
}

func (f *fakeStore) all() []storedRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storedRec{}, f.recs...)
}

func (f *fakeStore) forTarget(target string) []storedRec {
	var out []storedRec
	for _, r := range f.all() {
		if r.target == target {
			out = append(out, r)
		}
	}
	return out
}

type fakeTransport struct {
	mu           sync.Mutex
	hooks        TransportHooks
	nick         string
	autoRegister bool
	dialErr      error
	// flood emits this many privmsg events to floodTarget from a separate
	// goroutine as soon as the connection is up.
	flood       int
	floodTarget string
	joined      []string
	pings       []string
	quits       int
}

func (t *fakeTransport) Dial() error {
	if t.dialErr != nil {
		return t.dialErr
	}
	if t.autoRegister {
		go t.hooks.Registered(t.nick, "+i")
	}
	if t.flood > 0 {
		go func() {
			for i := 0; i < t.flood; i++ {
				t.hooks.Event(EventRecord{
					Kind: KindPrivmsg, Nick: "alice",
					Target: t.floodTarget, Message: strconv.Itoa(i),
				})
			}
		}()
	}
	return nil
}

func (t *fakeTransport) Run() {}

func (t *fakeTransport) Quit() {
	t.mu.Lock()
	t.quits++
	t.mu.Unlock()
	go t.hooks.Disconnected()
}

func (t *fakeTransport) SendPing(payload string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings = append(t.pings, payload)
}

func (t *fakeTransport) Join(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = append(t.joined, channel)
}

func (t *fakeTransport) CurrentNick() string { return t.nick }

func (t *fakeTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.joined)
}

func (t *fakeTransport) quitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quits
}

type staticPrompter string

func (p staticPrompter) Secret(string) (string, error) { return string(p), nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testNetwork() config.Network {
	return config.Network{
		Name:     "testnet",
		Host:     "irc.test",
		Port:     6667,
		Nick:     "bridge",
		Channels: []string{"#a", "#b"},
	}
}

func newTestManager(t *testing.T, nw config.Network) (*Manager, *fakeTransport, *fakeStore, *testutil.BusRecorder) {
	t.Helper()
	rec := testutil.NewBusRecorder()
	fs := &fakeStore{}
	cfg := &config.Config{QuitMessage: "bye"}
	m, err := NewManager(cfg, []config.Network{nw}, rec, fs)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ft := &fakeTransport{nick: nw.Nick, autoRegister: true}
	m.newTransport = func(_ config.Network, _ *tls.Certificate, _, _ string, hooks TransportHooks) Transport {
		ft.hooks = hooks
		return ft
	}
	m.regTimeout = 2 * time.Second
	m.prompter = staticPrompter("hunter2")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, ft, fs, rec
}

func TestNewManagerConfigValidation(t *testing.T) {
	pub := testutil.NewBusRecorder()
	tests := []struct {
		name     string
		networks []config.Network
	}{
		{"missing host", []config.Network{{Name: "x", Port: 6667, Nick: "n"}}},
		{"missing port", []config.Network{{Name: "x", Host: "irc.x", Nick: "n"}}},
		{"missing nick", []config.Network{{Name: "x", Host: "irc.x", Port: 6667}}},
		{"duplicate host", []config.Network{
			{Name: "x", Host: "irc.x", Port: 6667, Nick: "n"},
			{Name: "y", Host: "irc.x", Port: 6697, Nick: "n"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(&config.Config{}, tt.networks, pub, &fakeStore{})
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
		})
	}
}

// The first network starts pumping events the moment it registers, while the
// caller goroutine is still connecting the second network. The handler
// registry must be complete before any of that traffic reaches the dispatch
// loop; this runs hot under the race detector.
func TestStartSecondNetworkWhileFirstFloodsEvents(t *testing.T) {
	rec := testutil.NewBusRecorder()
	fs := &fakeStore{}
	networks := []config.Network{
		{Name: "one", Host: "irc.one", Port: 6667, Nick: "bridge", Channels: []string{"#a"}},
		{Name: "two", Host: "irc.two", Port: 6667, Nick: "bridge", Channels: []string{"#b"}},
	}
	m, err := NewManager(&config.Config{QuitMessage: "bye"}, networks, rec, fs)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	const flood = 200
	transports := make(map[string]*fakeTransport)
	m.newTransport = func(nw config.Network, _ *tls.Certificate, _, _ string, hooks TransportHooks) Transport {
		ft := &fakeTransport{nick: nw.Nick, autoRegister: true, hooks: hooks}
		if nw.Host == "irc.one" {
			ft.flood = flood
			ft.floodTarget = "#a"
		}
		transports[nw.Host] = ft
		return ft
	}
	m.regTimeout = 2 * time.Second
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	m.Start(context.Background())

	if got := len(rec.EventsOfType(TypeReady)); got != 2 {
		t.Fatalf("ready events = %d, want 2", got)
	}
	waitFor(t, "flood persisted", func() bool { return len(fs.forTarget("#a")) == flood })

	// The second network's targets were registered before any event flowed.
	transports["irc.two"].hooks.Event(EventRecord{Kind: KindPrivmsg, Nick: "bob", Target: "#b", Message: "hi"})
	waitFor(t, "second network dispatch", func() bool {
		recs := fs.forTarget("#b")
		return len(recs) == 1 && recs[0].network == "two"
	})
}

func TestStartConnectsAndPublishesReady(t *testing.T) {
	m, ft, _, rec := newTestManager(t, testNetwork())
	m.Start(context.Background())

	waitFor(t, "ready publish", func() bool {
		return len(rec.EventsOfType(TypeReady)) == 1
	})
	if got := len(rec.EventsOfType(TypeConnecting)); got != 1 {
		t.Fatalf("connecting events = %d, want 1", got)
	}
	waitFor(t, "channel joins", func() bool { return ft.joinCount() == 2 })
	waitFor(t, "connected state", func() bool {
		return m.sessions["irc.test"].State() == StateConnected
	})

	ready := rec.EventsOfType(TypeReady)[0].Data.(map[string]any)
	if ready["nick"] != "bridge" {
		t.Fatalf("ready nick = %v", ready["nick"])
	}
	if ready["umodes"] != "+i" {
		t.Fatalf("ready umodes = %v", ready["umodes"])
	}
}

func TestMessageDispatchPersistsAndPublishes(t *testing.T) {
	m, ft, fs, rec := newTestManager(t, testNetwork())
	m.Start(context.Background())

	ft.hooks.Event(EventRecord{
		Kind: KindPrivmsg, Nick: "alice", Ident: "al", Host: "example.org",
		Target: "#A", Message: "hello", RxTime: time.Now().UTC(),
	})

	waitFor(t, "message publish", func() bool { return len(rec.EventsOfType(TypeMessage)) == 1 })
	got := fs.forTarget("#a")[0]
	if got.network != "testnet" || got.rec.Message != "hello" {
		t.Fatalf("stored = %+v", got)
	}
	if got.rec.Network != "testnet" {
		t.Fatal("record missing network annotation")
	}
}

func TestUnboundTargetSilentlyDropped(t *testing.T) {
	m, ft, fs, rec := newTestManager(t, testNetwork())
	m.Start(context.Background())

	ft.hooks.Event(EventRecord{Kind: KindPrivmsg, Nick: "alice", Target: "#nowhere", Message: "x"})
	// Sentinel to prove the loop advanced past the dropped event.
	ft.hooks.Event(EventRecord{Kind: KindPrivmsg, Nick: "alice", Target: "#a", Message: "sentinel"})

	waitFor(t, "sentinel publish", func() bool { return len(rec.EventsOfType(TypeMessage)) == 1 })
	if got := fs.forTarget("#nowhere"); len(got) != 0 {
		t.Fatalf("unbound target persisted: %+v", got)
	}
	if got := len(fs.forTarget("#a")); got != 1 {
		t.Fatalf("stored = %d, want 1 (sentinel only)", got)
	}
}

func TestNoticeReclassifiedAsPrivmsg(t *testing.T) {
	m, ft, fs, rec := newTestManager(t, testNetwork())
	m.Start(context.Background())

	ft.hooks.Event(EventRecord{Kind: KindNotice, Nick: "alice", Target: "#a", Message: "psst"})

	waitFor(t, "message publish", func() bool { return len(rec.EventsOfType(TypeMessage)) == 1 })
	got := fs.forTarget("#a")[0].rec
	if got.Kind != KindPrivmsg {
		t.Fatalf("kind = %s, want privmsg (reclassified)", got.Kind)
	}
	if len(rec.EventsOfType(TypeNotice)) != 0 {
		t.Fatal("reclassified notice must publish as irc:message, not irc:notice")
	}
}

func TestServerNoticeRoutedAsSelfNotice(t *testing.T) {
	m, ft, fs, rec := newTestManager(t, testNetwork())
	m.Start(context.Background())

	// Server-originated notice, even at a bound channel target.
	ft.hooks.Event(EventRecord{
		Kind: KindNotice, FromServer: true, Nick: "irc.test",
		Target: "#a", Message: "*** Looking up your hostname",
	})

	waitFor(t, "self-notice publish", func() bool {
		return len(rec.EventsOfType(TypeNotice)) == 1
	})
	// Persisted keyed by the sending nick, not the target; exempt from
	// per-target dispatch.
	if got := fs.forTarget("irc.test"); len(got) != 1 {
		t.Fatalf("self-notice store keys = %+v", fs.all())
	}
	if got := len(rec.EventsOfType(TypeMessage)); got != 0 {
		t.Fatalf("self-notice must skip handler dispatch, got %d irc:message", got)
	}
}

func TestNoticeAtOwnNickRoutedAsSelfNotice(t *testing.T) {
	m, ft, fs, _ := newTestManager(t, testNetwork())
	m.Start(context.Background())

	ft.hooks.Event(EventRecord{Kind: KindNotice, Nick: "carol", Target: "Bridge", Message: "hi"})

	waitFor(t, "self-notice stored under sender", func() bool {
		return len(fs.forTarget("carol")) == 1
	})
}

func TestPongLatency(t *testing.T) {
	m, ft, _, rec := newTestManager(t, testNetwork())
	m.Start(context.Background())

	sent := time.Now().UTC().Add(-50 * time.Millisecond)
	ft.hooks.Event(EventRecord{
		Kind:    KindPong,
		Message: "ircbridge-" + strconv.FormatInt(sent.UnixMilli(), 10),
		RxTime:  sent.Add(50 * time.Millisecond),
	})

	waitFor(t, "pong publish", func() bool { return len(rec.EventsOfType(TypePong)) == 1 })
	data := rec.EventsOfType(TypePong)[0].Data.(map[string]any)
	if data["latency_ms"] != int64(50) {
		t.Fatalf("latency_ms = %v, want 50", data["latency_ms"])
	}
	if got := m.sessions["irc.test"].Status().LatencyMs; got != 50 {
		t.Fatalf("session latency = %d, want 50", got)
	}
}

func TestForeignPongIgnored(t *testing.T) {
	m, ft, fs, rec := newTestManager(t, testNetwork())
	m.Start(context.Background())

	ft.hooks.Event(EventRecord{Kind: KindPong, Message: "irc.test"})
	ft.hooks.Event(EventRecord{Kind: KindPong, Message: "no-numbers-here"})
	// Sentinel.
	ft.hooks.Event(EventRecord{Kind: KindPrivmsg, Nick: "a", Target: "#a", Message: "s"})

	waitFor(t, "sentinel", func() bool { return len(fs.forTarget("#a")) == 1 })
	if got := len(rec.EventsOfType(TypePong)); got != 0 {
		t.Fatalf("foreign pongs published = %d, want 0", got)
	}
}

func TestDisconnectClearsMembershipAndReadyAfterReregistration(t *testing.T) {
	m, ft, fs, rec := newTestManager(t, testNetwork())
	m.Start(context.Background())
	s := m.sessions["irc.test"]

	ft.hooks.Event(EventRecord{Kind: KindJoin, Nick: "alice", Target: "#a"})
	waitFor(t, "join stored", func() bool { return len(fs.forTarget("#a")) == 1 })

	ft.hooks.Disconnected()
	waitFor(t, "disconnected state", func() bool { return s.State() == StateDisconnected })
	if got := s.Status().Members; got != 0 {
		t.Fatalf("members after close = %d, want 0 (cleared immediately)", got)
	}

	// Ready only after re-registration, carrying nick, modes and downtime.
	ft.hooks.Registered("bridge", "+iw")
	waitFor(t, "second ready", func() bool { return len(rec.EventsOfType(TypeReady)) == 2 })
	ready := rec.EventsOfType(TypeReady)[1].Data.(map[string]any)
	if ready["umodes"] != "+iw" {
		t.Fatalf("ready umodes = %v", ready["umodes"])
	}
	if _, ok := ready["downtime_ms"]; !ok {
		t.Fatal("re-registration ready missing downtime_ms")
	}
}

func TestQuitFansOutToAffectedChannels(t *testing.T) {
	m, ft, fs, _ := newTestManager(t, testNetwork())
	m.Start(context.Background())
	s := m.sessions["irc.test"]

	ft.hooks.Event(EventRecord{Kind: KindJoin, Nick: "alice", Target: "#a"})
	ft.hooks.Event(EventRecord{Kind: KindJoin, Nick: "alice", Target: "#b"})
	ft.hooks.Event(EventRecord{Kind: KindQuit, Nick: "alice", Message: "bye"})

	waitFor(t, "quit records", func() bool {
		a, b := fs.forTarget("#a"), fs.forTarget("#b")
		return len(a) == 2 && len(b) == 2
	})
	if got := fs.forTarget("#a")[1].rec.Kind; got != KindQuit {
		t.Fatalf("second #a record kind = %s, want quit", got)
	}
	if got := s.Status().Members; got != 0 {
		t.Fatalf("members after quit = %d, want 0", got)
	}
}

func TestDuplicateChannelSpecsDiagnostic(t *testing.T) {
	nw := testNetwork()
	nw.Channels = []string{"#Dup", "#dup", "#other"}
	m, _, _, rec := newTestManager(t, nw)
	m.Start(context.Background())

	waitFor(t, "duplicate warning", func() bool {
		return len(rec.EventsOfType(TypeWarningDuplicateChannelSpecs)) == 1
	})
	data := rec.EventsOfType(TypeWarningDuplicateChannelSpecs)[0].Data.(map[string]any)
	if data["channel"] != "#dup" {
		t.Fatalf("warning channel = %v", data["channel"])
	}
}

func TestAuthErrorDisablesOnlyThatNetwork(t *testing.T) {
	nw := testNetwork()
	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("not a pem bundle"), 0o600); err != nil {
		t.Fatal(err)
	}
	nw.CertFile = bad
	m, _, _, rec := newTestManager(t, nw)

	// Must not panic or block; the network is skipped.
	m.Start(context.Background())

	if got := m.sessions["irc.test"].State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
	if got := len(rec.EventsOfType(TypeReady)); got != 0 {
		t.Fatalf("ready events = %d, want 0", got)
	}
}

func TestPromptedCredentialReachesTransport(t *testing.T) {
	nw := testNetwork()
	nw.RequiresAuth = true
	m, _, _, _ := newTestManager(t, nw)

	var gotSASL string
	ft := &fakeTransport{nick: nw.Nick, autoRegister: true}
	m.newTransport = func(_ config.Network, _ *tls.Certificate, sasl, _ string, hooks TransportHooks) Transport {
		gotSASL = sasl
		ft.hooks = hooks
		return ft
	}
	m.Start(context.Background())

	if gotSASL != "hunter2" {
		t.Fatalf("prompted credential = %q, want hunter2", gotSASL)
	}
}

func TestRegistrationTimeout(t *testing.T) {
	m, ft, _, rec := newTestManager(t, testNetwork())
	ft.autoRegister = false
	m.regTimeout = 50 * time.Millisecond

	m.Start(context.Background())

	if got := m.sessions["irc.test"].State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected after timeout", got)
	}
	if got := len(rec.EventsOfType(TypeReady)); got != 0 {
		t.Fatalf("ready events = %d, want 0", got)
	}
	// The abandoned transport is torn down, not left reconnecting.
	if got := ft.quitCount(); got != 1 {
		t.Fatalf("quit count = %d, want 1", got)
	}
}

func TestReloadHandlerSwapsAtomically(t *testing.T) {
	m, ft, fs, _ := newTestManager(t, testNetwork())
	m.Start(context.Background())

	var custom sync.Map
	m.SetHandler(func(_ context.Context, _ *Session, rec EventRecord) {
		custom.Store(rec.Message, true)
	})
	ft.hooks.Event(EventRecord{Kind: KindPrivmsg, Nick: "a", Target: "#a", Message: "custom"})
	waitFor(t, "custom handler", func() bool {
		_, ok := custom.Load("custom")
		return ok
	})
	if got := len(fs.all()); got != 0 {
		t.Fatalf("custom handler must replace default persistence, stored %d", got)
	}

	m.ReloadHandler()
	ft.hooks.Event(EventRecord{Kind: KindPrivmsg, Nick: "a", Target: "#a", Message: "default"})
	waitFor(t, "default handler restored", func() bool { return len(fs.forTarget("#a")) == 1 })
}

func TestShutdownQuitsAndAwaitsCloseAck(t *testing.T) {
	m, ft, _, _ := newTestManager(t, testNetwork())
	m.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)

	if got := ft.quitCount(); got != 1 {
		t.Fatalf("quit count = %d, want 1", got)
	}
	if got := m.sessions["irc.test"].State(); got != StateDisconnected {
		t.Fatalf("state after shutdown = %v, want disconnected", got)
	}
}
