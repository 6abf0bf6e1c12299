package kiwibnc

import (
	"testing"

	"gopkg.in/irc.v3"
)

func TestParseMessageParams(t *testing.T) {
	msg := &irc.Message{Command: "NICK", Params: []string{"alice"}}

	var nick string
	if err := parseMessageParams(msg, &nick); err != nil {
		t.Fatalf("parseMessageParams() failed: %v", err)
	}
	if nick != "alice" {
		t.Errorf("nick = %q, want %q", nick, "alice")
	}

	var a, b string
	if err := parseMessageParams(msg, &a, &b); err == nil {
		t.Errorf("parseMessageParams() with too few params should fail")
	}
}
