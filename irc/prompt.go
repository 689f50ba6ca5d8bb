package irc

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// SecretPrompter obtains account credentials that the static configuration
// left out. It is consulted at most once per network, strictly before that
// network joins the event loop.
type SecretPrompter interface {
	Secret(prompt string) (string, error)
}

// TerminalPrompter reads a secret from the controlling terminal without echo.
type TerminalPrompter struct{}

func (TerminalPrompter) Secret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(b), nil
}
