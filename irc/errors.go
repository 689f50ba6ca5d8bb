package irc

import "fmt"

// ConfigError is fatal at startup: a missing host or port, or two network
// entries sharing one host. Nothing connects when one is returned.
type ConfigError struct {
	Network string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Network != "" {
		return fmt.Sprintf("config: network %s: %s", e.Network, e.Reason)
	}
	return "config: " + e.Reason
}

// AuthError is fatal for a single network (e.g. a malformed client
// certificate). It never aborts the process or affects other networks.
type AuthError struct {
	Network string
	Reason  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: network %s: %s", e.Network, e.Reason)
}
