package kiwibnc

import (
	"context"
	"errors"
	"testing"

	"github.com/hixio-mh/kiwibnc/database"
)

// fakeAuthStore lets tests control exactly what GetNetwork returns without
// standing up a real database.Database.
type fakeAuthStore struct {
	net *database.Network
	err error
}

func (f *fakeAuthStore) GetNetwork(ctx context.Context, id int64) (*database.Network, error) {
	return f.net, f.err
}

// TestLoadConnectionInfoBindHostFallback checks spec.md §4.1's bind_host
// precedence: the network's own bind_host wins when set, otherwise the
// owning user's bind_host is used.
func TestLoadConnectionInfoBindHostFallback(t *testing.T) {
	user := &database.User{ID: 1, BindHost: "198.51.100.1"}

	store := &fakeAuthStore{net: &database.Network{Host: "irc.example.org", Nick: "alice"}}
	s := &ConnectionState{}
	if err := s.loadConnectionInfo(context.Background(), store, user); err != nil {
		t.Fatalf("loadConnectionInfo() failed: %v", err)
	}
	if s.BindHost != "198.51.100.1" {
		t.Errorf("BindHost = %q, want the user's fallback %q", s.BindHost, "198.51.100.1")
	}

	store.net = &database.Network{Host: "irc.example.org", Nick: "alice", BindHost: "203.0.113.9"}
	s2 := &ConnectionState{}
	if err := s2.loadConnectionInfo(context.Background(), store, user); err != nil {
		t.Fatalf("loadConnectionInfo() failed: %v", err)
	}
	if s2.BindHost != "203.0.113.9" {
		t.Errorf("BindHost = %q, want the network's own %q", s2.BindHost, "203.0.113.9")
	}
}

// TestLoadConnectionInfoTransientErrorNotCleared checks that a non-deletion
// error from GetNetwork is returned unchanged instead of being treated as
// "network absent" and wiping transport fields.
func TestLoadConnectionInfoTransientErrorNotCleared(t *testing.T) {
	wantErr := errors.New("database unavailable")
	store := &fakeAuthStore{err: wantErr}

	s := &ConnectionState{Host: "irc.example.org", Port: 6697, TLS: true, Nick: "alice"}
	err := s.loadConnectionInfo(context.Background(), store, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("loadConnectionInfo() error = %v, want %v", err, wantErr)
	}
	if s.Host != "irc.example.org" || s.Port != 6697 || !s.TLS {
		t.Errorf("transport fields were cleared on a transient error: %+v", s)
	}
}

// TestLoadConnectionInfoNetworkDeleted checks that ErrNotFound still clears
// transport fields but preserves nick while connected.
func TestLoadConnectionInfoNetworkDeleted(t *testing.T) {
	store := &fakeAuthStore{err: database.ErrNotFound}

	s := &ConnectionState{
		Host: "irc.example.org", Port: 6697, TLS: true, BindHost: "1.2.3.4",
		SASLAccount: "alice", SASLPassword: "hunter2",
		Nick: "alice", Connected: true,
	}
	if err := s.loadConnectionInfo(context.Background(), store, nil); err != nil {
		t.Fatalf("loadConnectionInfo() failed: %v", err)
	}
	if s.Host != "" || s.Port != 0 || s.TLS || s.BindHost != "" || s.SASLAccount != "" || s.SASLPassword != "" {
		t.Errorf("transport fields were not cleared on network deletion: %+v", s)
	}
	if s.Nick != "alice" {
		t.Errorf("Nick = %q, want preserved %q while connected", s.Nick, "alice")
	}
}
