package irc

// Transport is the protocol-capable connection a Session is built on. Wire
// parsing and low-level reconnection live inside the library adapters; the
// session layer consumes their high-level events and owns everything above.
type Transport interface {
	// Dial opens the connection and starts the registration handshake. A nil
	// return does not mean registered; registration is signalled through the
	// hooks.
	Dial() error
	// Run processes protocol traffic until the connection is torn down for
	// good, reconnecting as the underlying library sees fit. Blocking.
	Run()
	// Quit sends the graceful quit handshake and closes the connection.
	Quit()
	// SendPing emits a PING carrying payload. Adapters without an explicit
	// ping surface treat this as a no-op.
	SendPing(payload string)
	// Join enters a channel. Called after every successful registration.
	Join(channel string)
	// CurrentNick reports the nickname currently held on the network.
	CurrentNick() string
}

// TransportHooks is how an adapter feeds the session layer. Event receives
// every normalized protocol event; Registered fires on each successful
// registration handshake (including re-registration after a reconnect);
// Disconnected fires when the socket closes.
type TransportHooks struct {
	Event        func(rec EventRecord)
	Registered   func(nick, umodes string)
	Disconnected func()
}
