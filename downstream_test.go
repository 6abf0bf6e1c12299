package kiwibnc

import (
	"context"
	"net"
	"testing"
	"time"

	"gopkg.in/irc.v3"

	"github.com/hixio-mh/kiwibnc/auth"
	"github.com/hixio-mh/kiwibnc/database"
)

// newTestServer builds a Server backed by a temporary SQLite database and
// the internal auth driver, with no listeners started.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("OpenTempSqliteDB() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	authStore, err := auth.New("internal", db)
	if err != nil {
		t.Fatalf("auth.New() failed: %v", err)
	}

	srv := &Server{
		Logger:       NewLogger(discardWriter{}),
		Hostname:     "bnc.example.org",
		ServerPrefix: "bnc",
		db:           db,
		auth:         authStore,
		msgStore:     mustNewMemoryMessageStore(t),
		registry:     NewRegistry(),
		handlers:     newHandlerRegistry(),
		shutdown:     make(chan struct{}),
	}
	return srv
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func mustNewMemoryMessageStore(t *testing.T) messageStore {
	t.Helper()
	ms, err := newMessageStore("memory", "")
	if err != nil {
		t.Fatalf("newMessageStore() failed: %v", err)
	}
	return ms
}

// newTestUser creates a user directly in the database, bypassing the BNC
// registration flow, so tests can authenticate against known credentials.
func newTestUser(t *testing.T, srv *Server, username, password string) *database.User {
	t.Helper()
	u := database.NewUser(username)
	if err := u.SetPassword(password); err != nil {
		t.Fatalf("SetPassword() failed: %v", err)
	}
	u.Admin = true
	if err := srv.db.StoreUser(context.Background(), u); err != nil {
		t.Fatalf("StoreUser() failed: %v", err)
	}
	return u
}

// newTestDownstream wires a Downstream to one end of an in-memory pipe and
// starts its read loop in the background. The caller drives the other end
// of the pipe directly.
func newTestDownstream(t *testing.T, srv *Server) (*Downstream, net.Conn) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	conID := srv.nextConID("d")
	c := newConn(srv, netIRCConn(serverSide), NewLogger(discardWriter{}))
	state := newConnectionState(srv.db, conID, ConnKindDownstream)
	state.ServerPrefix = srv.ServerPrefix

	dc := &Downstream{conn: c, id: conID, srv: srv, state: state}
	srv.registry.addDownstream(dc)

	go dc.run()
	t.Cleanup(func() {
		dc.Close()
		clientSide.Close()
	})

	return dc, clientSide
}

func readMessage(t *testing.T, conn net.Conn) *irc.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := irc.NewConn(conn).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	return msg
}

func sendLine(t *testing.T, conn net.Conn, msg *irc.Message) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := irc.NewConn(conn).WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
}

// TestDownstreamRegistrationHappyPath drives a user-only login (no network
// named in the PASS triple) through to a synthesized welcome burst.
func TestDownstreamRegistrationHappyPath(t *testing.T) {
	srv := newTestServer(t)
	newTestUser(t, srv, "alice", "hunter2")

	_, clientSide := newTestDownstream(t, srv)

	sendLine(t, clientSide, &irc.Message{Command: "NICK", Params: []string{"alice"}})
	sendLine(t, clientSide, &irc.Message{Command: "USER", Params: []string{"alice", "0", "*", "alice"}})
	sendLine(t, clientSide, &irc.Message{Command: "PASS", Params: []string{"alice:hunter2"}})

	msg := readMessage(t, clientSide)
	if msg.Command != "NICK" {
		t.Fatalf("first reply command = %q, want NICK", msg.Command)
	}

	msg = readMessage(t, clientSide)
	if msg.Command != "464" {
		t.Fatalf("second reply command = %q, want 464", msg.Command)
	}

	msg = readMessage(t, clientSide)
	if msg.Command != "NOTICE" {
		t.Fatalf("third reply command = %q, want NOTICE", msg.Command)
	}

	msg = readMessage(t, clientSide)
	if msg.Command != irc.RPL_WELCOME {
		t.Fatalf("fourth reply command = %q, want %q", msg.Command, irc.RPL_WELCOME)
	}
}

// TestDownstreamBadPassword checks that a wrong password for a known user
// closes the connection with an ERROR line rather than hanging.
func TestDownstreamBadPassword(t *testing.T) {
	srv := newTestServer(t)
	newTestUser(t, srv, "alice", "hunter2")

	_, clientSide := newTestDownstream(t, srv)

	sendLine(t, clientSide, &irc.Message{Command: "NICK", Params: []string{"alice"}})
	sendLine(t, clientSide, &irc.Message{Command: "USER", Params: []string{"alice", "0", "*", "alice"}})
	sendLine(t, clientSide, &irc.Message{Command: "PASS", Params: []string{"alice:wrongpass"}})

	readMessage(t, clientSide) // NICK echo
	readMessage(t, clientSide) // 464 Password required
	readMessage(t, clientSide) // NOTICE explaining the PASS syntax

	msg := readMessage(t, clientSide)
	if msg.Command != "ERROR" {
		t.Fatalf("reply command = %q, want ERROR", msg.Command)
	}
}

// TestDownstreamQueuesDuringCapNegotiation verifies that NICK/USER/PASS sent
// while CAP negotiation is in progress are queued rather than dropped or
// acted on early, and are replayed once CAP END arrives.
func TestDownstreamQueuesDuringCapNegotiation(t *testing.T) {
	srv := newTestServer(t)
	newTestUser(t, srv, "alice", "hunter2")

	_, clientSide := newTestDownstream(t, srv)

	sendLine(t, clientSide, &irc.Message{Command: "CAP", Params: []string{"LS", "302"}})
	readMessage(t, clientSide) // CAP * LS ...

	// NICK/USER/PASS all arrive while capping is set, so the dispatch gate
	// queues them instead of acting on them immediately.
	sendLine(t, clientSide, &irc.Message{Command: "NICK", Params: []string{"alice"}})
	sendLine(t, clientSide, &irc.Message{Command: "USER", Params: []string{"alice", "0", "*", "alice"}})
	sendLine(t, clientSide, &irc.Message{Command: "PASS", Params: []string{"alice:hunter2"}})

	// PING bypasses the gate entirely (it's an unconditional verb), so its
	// PONG reply arrives before anything queued is replayed.
	sendLine(t, clientSide, &irc.Message{Command: "PING", Params: []string{"queued-during-cap"}})
	pong := readMessage(t, clientSide)
	if pong.Command != "PONG" {
		t.Fatalf("reply to PING mid-negotiation = %q, want PONG", pong.Command)
	}

	sendLine(t, clientSide, &irc.Message{Command: "CAP", Params: []string{"END"}})

	// CAP END replays the queued NICK/USER/PASS in order: NICK's echo, 464
	// and PASS-syntax NOTICE come first, then the completed registration's
	// welcome burst.
	var sawNickEcho, sawWelcome bool
	for i := 0; i < 4; i++ {
		msg := readMessage(t, clientSide)
		switch msg.Command {
		case "NICK":
			sawNickEcho = true
		case irc.RPL_WELCOME:
			sawWelcome = true
		}
	}
	if !sawNickEcho {
		t.Errorf("expected the queued NICK to be replayed and echoed")
	}
	if !sawWelcome {
		t.Errorf("expected registration to complete once the queue drains")
	}
}
