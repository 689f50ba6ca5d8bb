package irc

import (
	"log/slog"
	"sort"
)

// Tracker holds the live channel membership for one network: which nicks are
// believed joined to which channels. It reacts only to join, part, kick, quit
// and nick-change events.
//
// Tracker is not safe for concurrent use. The Manager processes all events on
// a single dispatch goroutine, which serializes every mutation; that is the
// locking strategy.
//
// Membership is cleared when the network's socket closes and rebuilt lazily
// from fresh join events after a reconnect. It is deliberately not rehydrated
// from the server's name-list replies, so it can read empty for a while even
// though the bot is still present in its channels.
type Tracker struct {
	network  string
	names    Canonicalizer
	channels map[string]map[string]struct{}
	log      *slog.Logger
}

func NewTracker(network string, names Canonicalizer) *Tracker {
	return &Tracker{
		network:  network,
		names:    names,
		channels: make(map[string]map[string]struct{}),
		log:      slog.Default().With(slog.String("network", network)),
	}
}

// Apply folds one membership-affecting event into the tracker. Events of any
// other kind are ignored. A part or kick referencing a channel the tracker
// does not know is a recoverable protocol-state anomaly: it is logged as a
// warning and the mutation is skipped, because the channel spec may
// legitimately have been removed concurrently.
func (t *Tracker) Apply(rec EventRecord) {
	switch rec.Kind {
	case KindJoin:
		ch := t.names.Canonical(rec.Target)
		set := t.channels[ch]
		if set == nil {
			set = make(map[string]struct{})
			t.channels[ch] = set
		}
		set[rec.Nick] = struct{}{}

	case KindPart:
		t.remove(rec.Target, rec.Nick)

	case KindKick:
		t.remove(rec.Target, rec.Extra)

	case KindQuit:
		// A nick can sit in several channels at once; clear every one.
		for _, set := range t.channels {
			delete(set, rec.Nick)
		}

	case KindNick:
		// Rename in place: the set keeps its cardinality, this is not a
		// remove followed by an add.
		oldNick, newNick := rec.Nick, rec.Message
		for _, set := range t.channels {
			if _, ok := set[oldNick]; ok {
				delete(set, oldNick)
				set[newNick] = struct{}{}
			}
		}
	}
}

func (t *Tracker) remove(channel, nick string) {
	ch := t.names.Canonical(channel)
	set, ok := t.channels[ch]
	if !ok {
		t.log.Warn("membership event for unknown channel; skipping",
			slog.String("channel", ch))
		return
	}
	delete(set, nick)
}

// Reset drops all membership state. Called when the network's socket closes;
// nothing is assumed valid across a reconnect.
func (t *Tracker) Reset() {
	t.channels = make(map[string]map[string]struct{})
}

// Members returns the sorted nick set of a channel; nil if untracked.
func (t *Tracker) Members(channel string) []string {
	set, ok := t.channels[t.names.Canonical(channel)]
	if !ok {
		return nil
	}
	nicks := make([]string, 0, len(set))
	for n := range set {
		nicks = append(nicks, n)
	}
	sort.Strings(nicks)
	return nicks
}

// ChannelsContaining returns the sorted canonical channels in which nick
// currently appears.
func (t *Tracker) ChannelsContaining(nick string) []string {
	var out []string
	for ch, set := range t.channels {
		if _, ok := set[nick]; ok {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Counts reports tracked channels and the total member entries across them.
func (t *Tracker) Counts() (channels, members int) {
	for _, set := range t.channels {
		members += len(set)
	}
	return len(t.channels), members
}
