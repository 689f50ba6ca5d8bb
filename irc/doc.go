// Package irc is the bridge session layer: per-network connection lifecycle,
// live channel-membership tracking, protocol-event normalization, and the
// hand-off of every event to durable storage and the bus.
//
// The Manager owns one Session per configured network. Transports (a generic
// IRC adapter and a Twitch adapter) convert protocol-library callbacks into
// EventRecord values and push them onto the Manager's dispatch channel; a
// single goroutine drains that channel, so no two events are ever processed
// concurrently and membership mutation needs no locking. Each event runs to
// completion (membership update, persistence, bus publish) before the next
// one is picked up.
package irc
