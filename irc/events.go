package irc

import "time"

// Kind classifies a normalized protocol event.
type Kind string

const (
	KindPrivmsg Kind = "privmsg"
	KindNotice  Kind = "notice"
	KindAction  Kind = "action"
	KindJoin    Kind = "join"
	KindPart    Kind = "part"
	KindKick    Kind = "kick"
	KindQuit    Kind = "quit"
	KindNick    Kind = "nick"
	KindMode    Kind = "mode"
	KindTopic   Kind = "topic"
	KindPong    Kind = "pong"

	// kindReady and kindClosed are lifecycle markers injected by transports.
	// They flow through the same dispatch channel as protocol events so state
	// transitions are serialized with everything else; they are never
	// persisted or dispatched to per-target handlers.
	kindReady  Kind = "ready"
	kindClosed Kind = "closed"
)

// Bus envelope types emitted by the core.
const (
	TypeConnecting = "irc:connecting"
	TypeReady      = "irc:ready"
	TypeMessage    = "irc:message"
	TypeNotice     = "irc:notice"
	TypePong       = "irc:pong"
	TypeHeartbeat  = "irc:heartbeat"
	TypeExit       = "irc:exit"

	TypeWarningDuplicateChannelSpecs = "irc:warning:duplicateChannelSpecs"
)

// Control envelope types consumed by the core.
const (
	TypeReload   = "irc:reload"
	TypeDebugOn  = "irc:debug_on"
	TypeDebugOff = "irc:debug_off"
)

// EventRecord is the explicit form every raw protocol event is converted to
// at the ingestion boundary; no component past the transport adapters depends
// on the shape of the underlying protocol library's objects. Records are
// immutable once constructed and are appended, never mutated, in persistence.
//
// Field conventions per kind:
//
//	join   Target=channel
//	part   Target=channel, Message=reason
//	kick   Target=channel, Nick=actor, Extra=kicked nick, Message=reason
//	quit   Message=reason
//	nick   Nick=old nick, Message=new nick
//	pong   Message=ping payload
type EventRecord struct {
	Kind       Kind              `json:"kind"`
	Network    string            `json:"network"`
	FromServer bool              `json:"from_server"`
	Nick       string            `json:"nick,omitempty"`
	Ident      string            `json:"ident,omitempty"`
	Host       string            `json:"hostname,omitempty"`
	Target     string            `json:"target,omitempty"`
	Message    string            `json:"message,omitempty"`
	RxTime     time.Time         `json:"rx_time"`
	Tags       map[string]string `json:"tags,omitempty"`
	Extra      string            `json:"extra,omitempty"`
}

// membershipKinds are the only kinds the Tracker reacts to.
func (k Kind) affectsMembership() bool {
	switch k {
	case KindJoin, KindPart, KindKick, KindQuit, KindNick:
		return true
	}
	return false
}
