package irc

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"

	"github.com/onnwee/ircbridge/config"
)

// Sent in reply to CTCP VERSION probes.
const ctcpVersion = "ircbridge"

// serverTransport adapts an ircevent connection to the Transport contract for
// standard IRC networks. The library owns the socket, registration, SASL and
// reconnect scheduling; this adapter only converts callbacks into
// EventRecords and lifecycle hook calls.
type serverTransport struct {
	conn   *ircevent.Connection
	hooks  TransportHooks
	umodes string
}

func newServerTransport(nw config.Network, clientCert *tls.Certificate, saslPassword, quitMessage string, hooks TransportHooks) *serverTransport {
	conn := &ircevent.Connection{
		Server:        fmt.Sprintf("%s:%d", nw.Host, nw.Port),
		Nick:          nw.Nick,
		User:          nw.Nick,
		RealName:      nw.Nick,
		Password:      nw.ServerPassword,
		SASLLogin:     nw.SASLLogin,
		SASLPassword:  saslPassword,
		QuitMessage:   quitMessage,
		Version:       ctcpVersion,
		EnableCTCP:    true,
		UseTLS:        nw.TLS,
		ReconnectFreq: 30 * time.Second,
		KeepAlive:     4 * time.Minute,
	}
	if nw.TLS {
		cfg := &tls.Config{ServerName: nw.Host}
		if clientCert != nil {
			cfg.Certificates = []tls.Certificate{*clientCert}
		}
		conn.TLSConfig = cfg
	}

	t := &serverTransport{conn: conn, hooks: hooks}
	t.install()
	return t
}

func (t *serverTransport) install() {
	c := t.conn

	c.AddConnectCallback(func(e ircmsg.Message) {
		t.hooks.Registered(c.CurrentNick(), t.umodes)
	})
	c.AddDisconnectCallback(func(e ircmsg.Message) {
		t.hooks.Disconnected()
	})

	c.AddCallback("PRIVMSG", func(e ircmsg.Message) { t.message(KindPrivmsg, e) })
	c.AddCallback("NOTICE", func(e ircmsg.Message) { t.message(KindNotice, e) })

	c.AddCallback("JOIN", func(e ircmsg.Message) {
		rec := t.base(e)
		rec.Kind = KindJoin
		rec.Target = param(e, 0)
		t.hooks.Event(rec)
	})
	c.AddCallback("PART", func(e ircmsg.Message) {
		rec := t.base(e)
		rec.Kind = KindPart
		rec.Target = param(e, 0)
		rec.Message = param(e, 1)
		t.hooks.Event(rec)
	})
	c.AddCallback("KICK", func(e ircmsg.Message) {
		rec := t.base(e)
		rec.Kind = KindKick
		rec.Target = param(e, 0)
		rec.Extra = param(e, 1)
		rec.Message = param(e, 2)
		t.hooks.Event(rec)
	})
	c.AddCallback("QUIT", func(e ircmsg.Message) {
		rec := t.base(e)
		rec.Kind = KindQuit
		rec.Message = param(e, 0)
		t.hooks.Event(rec)
	})
	c.AddCallback("NICK", func(e ircmsg.Message) {
		rec := t.base(e)
		rec.Kind = KindNick
		rec.Message = param(e, 0)
		t.hooks.Event(rec)
	})
	c.AddCallback("TOPIC", func(e ircmsg.Message) {
		rec := t.base(e)
		rec.Kind = KindTopic
		rec.Target = param(e, 0)
		rec.Message = param(e, 1)
		t.hooks.Event(rec)
	})
	c.AddCallback("MODE", func(e ircmsg.Message) {
		rec := t.base(e)
		rec.Kind = KindMode
		rec.Target = param(e, 0)
		rec.Message = strings.Join(e.Params[1:], " ")
		if rec.Target == c.CurrentNick() {
			t.umodes = rec.Message
		}
		t.hooks.Event(rec)
	})
	// RPL_UMODEIS carries the full current user modes.
	c.AddCallback("221", func(e ircmsg.Message) {
		t.umodes = param(e, 1)
	})
	c.AddCallback("PONG", func(e ircmsg.Message) {
		rec := t.base(e)
		rec.Kind = KindPong
		if len(e.Params) > 0 {
			rec.Message = e.Params[len(e.Params)-1]
		}
		t.hooks.Event(rec)
	})
}

func (t *serverTransport) message(kind Kind, e ircmsg.Message) {
	rec := t.base(e)
	rec.Kind = kind
	rec.Target = param(e, 0)
	rec.Message = param(e, 1)
	// CTCP ACTION arrives as a \x01-wrapped PRIVMSG.
	if kind == KindPrivmsg && strings.HasPrefix(rec.Message, "\x01ACTION ") && strings.HasSuffix(rec.Message, "\x01") {
		rec.Kind = KindAction
		rec.Message = strings.TrimSuffix(strings.TrimPrefix(rec.Message, "\x01ACTION "), "\x01")
	}
	t.hooks.Event(rec)
}

// base builds the envelope common to all events: receive timestamp, sender
// identity and origin flag. A source without a nick!user@host shape is the
// server itself.
func (t *serverTransport) base(e ircmsg.Message) EventRecord {
	rec := EventRecord{RxTime: time.Now().UTC()}
	if tags := e.AllTags(); len(tags) > 0 {
		rec.Tags = tags
	}
	if strings.Contains(e.Source, "!") {
		if nuh, err := ircmsg.ParseNUH(e.Source); err == nil {
			rec.Nick = nuh.Name
			rec.Ident = nuh.User
			rec.Host = nuh.Host
			return rec
		}
	}
	rec.Nick = e.Source
	rec.FromServer = true
	return rec
}

func param(e ircmsg.Message, i int) string {
	if i < len(e.Params) {
		return e.Params[i]
	}
	return ""
}

func (t *serverTransport) Dial() error { return t.conn.Connect() }

func (t *serverTransport) Run() { t.conn.Loop() }

func (t *serverTransport) Quit() { t.conn.Quit() }

func (t *serverTransport) SendPing(payload string) {
	t.conn.Send("PING", payload)
}

func (t *serverTransport) Join(channel string) {
	t.conn.Join(channel)
}

func (t *serverTransport) CurrentNick() string { return t.conn.CurrentNick() }
