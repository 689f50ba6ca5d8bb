package irc

import "strings"

// Canonicalizer maps raw protocol channel names (and nicknames, which share
// the same casemapping) to canonical keys. Every set lookup in the tracker
// and every store-file name goes through this, so casing or alias differences
// never fragment a channel's state across multiple keys.
type Canonicalizer interface {
	Canonical(name string) string
}

// RFC1459 implements the rfc1459 casemapping most servers advertise: ASCII
// lowercase where []\^ are the uppercase forms of {}|~.
type RFC1459 struct{}

func (RFC1459) Canonical(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			r += 'a' - 'A'
		case r == '[':
			r = '{'
		case r == ']':
			r = '}'
		case r == '\\':
			r = '|'
		case r == '^':
			r = '~'
		}
		b.WriteRune(r)
	}
	return b.String()
}
