package kiwibnc

import (
	"os"
	"testing"
	"time"

	"gopkg.in/irc.v3"
)

func TestMemoryMessageStore(t *testing.T) {
	ms := newMemoryMessageStore()
	defer ms.Close()

	msg := &irc.Message{Command: "PRIVMSG", Params: []string{"#x", "hi"}}
	if err := ms.Append(4, 9, "#x", msg); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if got := ms.messages[4][9]; len(got) != 1 {
		t.Fatalf("Append() recorded %d messages, want 1", len(got))
	}
}

func TestFSMessageStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "kiwibnc-msgstore")
	if err != nil {
		t.Fatalf("MkdirTemp() failed: %v", err)
	}
	defer os.RemoveAll(dir)

	ms, err := newFSMessageStore(dir)
	if err != nil {
		t.Fatalf("newFSMessageStore() failed: %v", err)
	}
	defer ms.Close()

	msg := &irc.Message{Command: "PRIVMSG", Params: []string{"#x", "hi"}}
	if err := ms.Append(4, 9, "#x", msg); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	path := ms.logPath(4, 9, "#x", time.Now())
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected log file at %q: %v", path, err)
	}
}
