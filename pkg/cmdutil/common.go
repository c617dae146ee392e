package cmdutil

import (
	"fmt"
	"strings"

	"golang.org/x/term"
)

// TokenEmbed is the flag group s2pctl mixes into every subcommand that
// talks to the management server: a token taken from the flag, the
// S2P_TOKEN environment variable, or an interactive prompt when neither is
// set and PromptToken is given.
type TokenEmbed struct {
	Token       string `optional:"" env:"S2P_TOKEN" help:"Management server access token"`
	PromptToken bool   `optional:"" help:"Prompt for the access token instead of passing it on the command line"`
}

// Resolve returns t.Token, prompting on the controlling terminal first if
// PromptToken was given, reading it with term.ReadPassword so it is not
// echoed.
func (t *TokenEmbed) Resolve() (string, error) {
	if !t.PromptToken {
		return t.Token, nil
	}
	fmt.Print("Enter management token: ")
	raw, err := term.ReadPassword(0)
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("token could not be read: %v", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
