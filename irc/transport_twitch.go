package irc

import (
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/ircbridge/config"
)

// twitchTransport adapts gempir's Twitch chat client to the Transport
// contract for networks declared `kind: twitch`. Twitch has no QUIT, KICK or
// MODE surface; the adapter maps what exists (messages, join/part, notices,
// whispers) and leaves the rest to the generic transport.
type twitchTransport struct {
	client *twitch.Client
	nick   string
	hooks  TransportHooks
}

func newTwitchTransport(nw config.Network, oauthToken string, hooks TransportHooks) *twitchTransport {
	client := twitch.NewClient(nw.Nick, oauthToken)
	t := &twitchTransport{client: client, nick: nw.Nick, hooks: hooks}

	client.OnConnect(func() {
		t.hooks.Registered(t.nick, "")
	})

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		t.hooks.Event(EventRecord{
			Kind:    KindPrivmsg,
			Nick:    msg.User.Name,
			Target:  "#" + msg.Channel,
			Message: msg.Message,
			RxTime:  time.Now().UTC(),
			Tags:    msg.Tags,
		})
	})
	client.OnWhisperMessage(func(msg twitch.WhisperMessage) {
		// Whispers behave like direct messages at the bot's own nick.
		t.hooks.Event(EventRecord{
			Kind:    KindPrivmsg,
			Nick:    msg.User.Name,
			Target:  t.nick,
			Message: msg.Message,
			RxTime:  time.Now().UTC(),
			Tags:    msg.Tags,
		})
	})
	client.OnUserJoinMessage(func(msg twitch.UserJoinMessage) {
		t.hooks.Event(EventRecord{
			Kind:   KindJoin,
			Nick:   msg.User,
			Target: "#" + msg.Channel,
			RxTime: time.Now().UTC(),
		})
	})
	client.OnUserPartMessage(func(msg twitch.UserPartMessage) {
		t.hooks.Event(EventRecord{
			Kind:   KindPart,
			Nick:   msg.User,
			Target: "#" + msg.Channel,
			RxTime: time.Now().UTC(),
		})
	})
	client.OnNoticeMessage(func(msg twitch.NoticeMessage) {
		t.hooks.Event(EventRecord{
			Kind:       KindNotice,
			FromServer: true,
			Nick:       "tmi.twitch.tv",
			Target:     "#" + msg.Channel,
			Message:    msg.Message,
			Extra:      msg.MsgID,
			RxTime:     time.Now().UTC(),
		})
	})

	return t
}

func (t *twitchTransport) Dial() error { return nil }

// Run blocks inside the client, which reconnects on its own until Disconnect
// is called.
func (t *twitchTransport) Run() {
	if err := t.client.Connect(); err != nil {
		slog.Error("twitch connect loop ended", slog.String("nick", t.nick), slog.Any("err", err))
	}
	t.hooks.Disconnected()
}

func (t *twitchTransport) Quit() {
	if err := t.client.Disconnect(); err != nil {
		slog.Warn("twitch disconnect", slog.Any("err", err))
	}
}

// SendPing is a no-op: the client measures latency internally and exposes no
// ping surface.
func (t *twitchTransport) SendPing(string) {}

func (t *twitchTransport) Join(channel string) {
	t.client.Join(strings.TrimPrefix(channel, "#"))
}

func (t *twitchTransport) CurrentNick() string { return t.nick }
