package kiwibnc

import (
	"context"
	"testing"

	"gopkg.in/irc.v3"

	"github.com/hixio-mh/kiwibnc/database"
)

// newTestUpstream builds an already-registered Upstream with no live
// transport, registered in srv's Registry, for exercising BOUNCER verbs and
// fan-out without dialing a real network.
func newTestUpstream(t *testing.T, srv *Server, userID, networkID int64, nick string) *Upstream {
	t.Helper()

	conID := srv.nextConID("u")
	state := newConnectionState(srv.db, conID, ConnKindUpstream)
	if err := state.maybeLoad(context.Background()); err != nil {
		t.Fatalf("maybeLoad() failed: %v", err)
	}
	state.AuthUserID = userID
	state.AuthNetworkID = networkID
	state.Nick = nick
	state.Connected = true
	state.NetRegistered = true

	uc := &Upstream{srv: srv, id: conID, state: state}
	srv.registry.addUpstream(uc)
	return uc
}

func attachDownstreamToUpstream(t *testing.T, dc *Downstream, uc *Upstream) {
	t.Helper()
	dc.state.AuthUserID = uc.state.AuthUserID
	dc.state.AuthNetworkID = uc.state.AuthNetworkID
	dc.state.NetRegistered = true
	if err := uc.state.linkIncomingConnection(context.Background(), dc.id); err != nil {
		t.Fatalf("linkIncomingConnection() failed: %v", err)
	}
}

// TestBouncerListBuffersAndDelBuffer exercises the LISTBUFFERS/DELBUFFER
// round trip, including DELBUFFER's clean-no-op behavior on a buffer that
// does not exist (spec open question 3).
func TestBouncerListBuffersAndDelBuffer(t *testing.T) {
	srv := newTestServer(t)
	u := newTestUser(t, srv, "alice", "hunter2")

	n := &database.Network{Host: "irc.example.org", Port: 6697, Nick: "alice"}
	if err := srv.db.StoreNetwork(context.Background(), u.ID, n); err != nil {
		t.Fatalf("StoreNetwork() failed: %v", err)
	}

	uc := newTestUpstream(t, srv, u.ID, n.ID, "alice")
	b := uc.state.getOrAddBuffer("#chan", true)
	b.Joined = true
	b.Topic = "welcome"

	dc, clientSide := newTestDownstream(t, srv)
	attachDownstreamToUpstream(t, dc, uc)

	ok, err := cmdBouncer(context.Background(), dc, &irc.Message{
		Command: "BOUNCER",
		Params:  []string{"LISTBUFFERS", n.GetName()},
	})
	if err != nil {
		t.Fatalf("cmdBouncer(LISTBUFFERS) failed: %v", err)
	}
	if ok {
		t.Errorf("cmdBouncer(LISTBUFFERS) forward = true, want false")
	}

	msg := readMessage(t, clientSide)
	if msg.Command != "BOUNCER" || len(msg.Params) < 2 || msg.Params[0] != "listbuffers" {
		t.Fatalf("unexpected reply: %v", msg)
	}
	readMessage(t, clientSide) // RPL_OK terminator

	if _, err := cmdBouncer(context.Background(), dc, &irc.Message{
		Command: "BOUNCER",
		Params:  []string{"DELBUFFER", n.GetName(), "#nonexistent"},
	}); err != nil {
		t.Fatalf("cmdBouncer(DELBUFFER nonexistent) failed: %v", err)
	}
	msg = readMessage(t, clientSide)
	if msg.Command != "BOUNCER" || msg.Params[len(msg.Params)-1] != "RPL_OK" {
		t.Errorf("DELBUFFER on a missing buffer should still reply RPL_OK, got %v", msg)
	}

	if _, err := cmdBouncer(context.Background(), dc, &irc.Message{
		Command: "BOUNCER",
		Params:  []string{"DELBUFFER", n.GetName(), "#chan"},
	}); err != nil {
		t.Fatalf("cmdBouncer(DELBUFFER) failed: %v", err)
	}
	readMessage(t, clientSide) // RPL_OK terminator

	if uc.state.getBuffer("#chan") != nil {
		t.Errorf("buffer #chan should have been removed")
	}
}

// TestCmdPrivmsgFanOut checks that a PRIVMSG from one downstream is echoed
// to a sibling downstream bound to the same upstream and that the handler
// asks for the original line to be forwarded upstream.
func TestCmdPrivmsgFanOut(t *testing.T) {
	srv := newTestServer(t)
	u := newTestUser(t, srv, "alice", "hunter2")

	n := &database.Network{Host: "irc.example.org", Port: 6697, Nick: "alice"}
	if err := srv.db.StoreNetwork(context.Background(), u.ID, n); err != nil {
		t.Fatalf("StoreNetwork() failed: %v", err)
	}

	uc := newTestUpstream(t, srv, u.ID, n.ID, "alice")

	dc1, client1 := newTestDownstream(t, srv)
	attachDownstreamToUpstream(t, dc1, uc)
	dc2, client2 := newTestDownstream(t, srv)
	attachDownstreamToUpstream(t, dc2, uc)

	forward, err := cmdPrivmsgNotice(context.Background(), dc1, &irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"#chan", "hello"},
	})
	if err != nil {
		t.Fatalf("cmdPrivmsgNotice() failed: %v", err)
	}
	if !forward {
		t.Errorf("cmdPrivmsgNotice() forward = false, want true")
	}

	msg := readMessage(t, client2)
	if msg.Command != "PRIVMSG" || msg.Params[0] != "#chan" || msg.Params[1] != "hello" {
		t.Fatalf("sibling did not see the fan-out echo, got %v", msg)
	}

	_ = client1
}
