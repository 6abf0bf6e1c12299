package kiwibnc

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/irc.v3"

	"github.com/hixio-mh/kiwibnc/database"
)

// regPassRe parses the BNC password triple carried in PASS: user[/network][:password].
var regPassRe = regexp.MustCompile(`^([^/:]+)(?:/([^:]+))?(?::(.*))?$`)

// Downstream is one client socket attached to the bouncer. It never keeps a
// direct pointer to the upstream it's bound to: once authenticated, it
// re-resolves its upstream through the Registry on every use, per the
// cross-connection indirection called for in the protocol's design notes.
// This keeps the downstream/upstream reference graph acyclic and lets the
// Registry be the single source of truth for "who's attached to what".
type Downstream struct {
	conn  *conn
	srv   *Server
	id    string
	state *ConnectionState

	limiter *downstreamMessageLimiter
}

func (dc *Downstream) conID() string { return dc.id }

func (dc *Downstream) SendMessage(msg *irc.Message) {
	dc.conn.SendMessage(msg)
}

func (dc *Downstream) ReadMessage() (*irc.Message, error) {
	return dc.conn.ReadMessage()
}

func (dc *Downstream) isClosed() bool {
	return dc.conn.isClosed()
}

// Close detaches the connection from any bound upstream before closing the
// socket, so linkedIncomingConIds stays consistent with the client side of
// the relationship (invariant 4) even on an unclean disconnect.
func (dc *Downstream) Close() error {
	if uc := dc.boundUpstream(); uc != nil {
		if err := uc.state.unlinkIncomingConnection(context.Background(), dc.id); err != nil {
			dc.srv.Logger.Printf("failed to unlink downstream %s: %v", dc.id, err)
		}
	}
	return dc.conn.Close()
}

func (dc *Downstream) boundUpstream() *Upstream {
	if dc.state.AuthUserID == 0 {
		return nil
	}
	return dc.srv.registry.findUsersOutgoingConnection(dc.state.AuthUserID, dc.state.AuthNetworkID)
}

func (dc *Downstream) forwardUpstream(msg *irc.Message) {
	if uc := dc.boundUpstream(); uc != nil {
		uc.SendMessage(msg)
	}
}

func (dc *Downstream) currentNick() string {
	if dc.state.Nick != "" {
		return dc.state.Nick
	}
	return "*"
}

// sendStatus delivers a bouncer status line as a PRIVMSG from the server
// prefix, per the external-interfaces contract for status messages.
func (dc *Downstream) sendStatus(text string) {
	dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: "PRIVMSG", Params: []string{dc.currentNick(), text}})
}

func (dc *Downstream) sendNotice(text string) {
	dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: "NOTICE", Params: []string{dc.currentNick(), text}})
}

// run is the connection's read loop: one message is fully dispatched
// (including any persistence it triggers) before the next is read, giving
// strict per-connection FIFO ordering.
func (dc *Downstream) run() error {
	ctx := context.Background()
	if err := dc.state.maybeLoad(ctx); err != nil {
		return fmt.Errorf("failed to load connection state: %w", err)
	}
	dc.limiter = newDownstreamMessageLimiter(10, 20)

	for {
		msg, err := dc.ReadMessage()
		if err != nil {
			if err == io.EOF || isErrClosed(err) {
				return nil
			}
			return err
		}

		if !dc.limiter.Allow() {
			continue
		}

		if err := dc.dispatch(ctx, msg, false); err != nil {
			if ircErr, ok := err.(ircError); ok {
				dc.SendMessage(ircErr.Message)
			} else {
				return err
			}
		}

		if dc.isClosed() {
			return nil
		}
	}
}

// dispatch implements the state machine's four-stage dispatch order:
// unconditional verbs, the CAP gate, the pre-registration allowlist, then
// the registered handler table with default-forward for unknown verbs.
func (dc *Downstream) dispatch(ctx context.Context, msg *irc.Message, fromQueue bool) error {
	switch msg.Command {
	case "DEB":
		dc.sendNotice(fmt.Sprintf("debug: netRegistered=%v connected=%v authUserId=%d authNetworkId=%d capping=%v",
			dc.state.NetRegistered, dc.state.Connected, dc.state.AuthUserID, dc.state.AuthNetworkID, dc.state.tempGet("capping")))
		return nil
	case "RELOAD":
		dc.srv.handlers.Reload()
		return nil
	case "PING":
		var token string
		parseMessageParams(msg, &token)
		dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: "PONG", Params: []string{dc.srv.ServerPrefix, token}})
		return nil
	}

	if !fromQueue && dc.state.tempGet("capping") != nil && msg.Command != "CAP" {
		return dc.state.pushQueue(ctx, msg.String())
	}

	if !dc.state.NetRegistered {
		switch msg.Command {
		case "USER", "NICK", "PASS", "CAP":
		default:
			return nil
		}

		if dc.state.RegState == nil {
			dc.state.RegState = &RegistrationState{}
		}

		var err error
		var forward bool
		switch msg.Command {
		case "CAP":
			forward, err = cmdCap(ctx, dc, msg)
		case "NICK":
			forward, err = cmdNick(ctx, dc, msg)
		case "USER":
			forward, err = cmdUser(ctx, dc, msg)
		case "PASS":
			forward, err = cmdPass(ctx, dc, msg)
		}
		if err != nil {
			return err
		}
		if forward {
			dc.forwardUpstream(msg)
		}

		return dc.maybeProcessRegistration(ctx)
	}

	if fn, ok := dc.srv.handlers.Verb(msg.Command); ok {
		forward, err := fn(ctx, dc, msg)
		if err != nil {
			return err
		}
		if forward {
			dc.forwardUpstream(msg)
		}
		return nil
	}

	dc.forwardUpstream(msg)
	return nil
}

// drainQueue replays queued lines in arrival order on CAP END. Replayed
// lines are tagged source=queue by passing fromQueue=true, which bypasses
// the CAP gate on the way back through dispatch.
func (dc *Downstream) drainQueue(ctx context.Context) error {
	for {
		line, ok, err := dc.state.popQueue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		msg, err := irc.ParseMessage(line)
		if err != nil {
			continue
		}
		if err := dc.dispatch(ctx, msg, true); err != nil {
			if ircErr, ok := err.(ircError); ok {
				dc.SendMessage(ircErr.Message)
				continue
			}
			return err
		}
	}
}

// maybeProcessRegistration fires once NICK+USER+PASS have all been seen and
// the client isn't mid-CAP-negotiation. It parses the BNC password triple
// out of PASS and either binds a network or registers a user-only session.
func (dc *Downstream) maybeProcessRegistration(ctx context.Context) error {
	rs := dc.state.RegState
	if rs == nil || !rs.ready() || dc.state.tempGet("capping") != nil {
		return nil
	}

	m := regPassRe.FindStringSubmatch(rs.Pass)
	if m == nil {
		dc.SendMessage(&irc.Message{Command: "ERROR", Params: []string{"Invalid password"}})
		return dc.Close()
	}
	username, networkName, password := m[1], m[2], m[3]

	if networkName != "" {
		user, network, err := dc.srv.auth.AuthUserNetwork(ctx, username, password, networkName)
		if err != nil {
			dc.SendMessage(&irc.Message{Command: "ERROR", Params: []string{"Invalid password"}})
			return dc.Close()
		}

		dc.state.AuthUserID = user.ID
		dc.state.AuthNetworkID = network.ID
		dc.state.AuthNetworkName = network.GetName()
		dc.state.AuthAdmin = user.Admin
		dc.state.RegState = nil
		if err := dc.state.save(ctx); err != nil {
			return err
		}
		return dc.bindUpstream(ctx, user, network)
	}

	user, err := dc.srv.auth.AuthUser(ctx, username, password)
	if err != nil {
		dc.SendMessage(&irc.Message{Command: "ERROR", Params: []string{"Invalid password"}})
		return dc.Close()
	}

	dc.state.AuthUserID = user.ID
	dc.state.AuthAdmin = user.Admin
	dc.state.RegState = nil
	if err := dc.state.save(ctx); err != nil {
		return err
	}
	if err := dc.registerLocalClient(ctx); err != nil {
		return err
	}
	dc.sendStatus("Welcome to your BNC!")
	return nil
}

// registerLocalClient synthesizes a minimal welcome burst for a user-only
// login that named no network: there's no upstream to proxy, so the
// downstream is its own registered session.
func (dc *Downstream) registerLocalClient(ctx context.Context) error {
	dc.state.NetRegistered = true
	if dc.state.Nick == "" {
		dc.state.Nick = "*"
	}
	if err := dc.state.save(ctx); err != nil {
		return err
	}

	nick := dc.state.Nick
	prefix := dc.srv.prefix()
	dc.SendMessage(&irc.Message{Prefix: prefix, Command: irc.RPL_WELCOME, Params: []string{nick, "Welcome to kiwibnc, " + nick}})
	dc.SendMessage(&irc.Message{Prefix: prefix, Command: irc.ERR_NOMOTD, Params: []string{nick, "No MOTD set"}})
	return nil
}

// bindUpstream implements the Upstream Binder (§4.3): find or create the
// (authUserId, authNetworkId) upstream, link this downstream to it, and
// either synthesize a registration burst immediately or defer it until the
// upstream itself reaches net-registered.
func (dc *Downstream) bindUpstream(ctx context.Context, user *database.User, network *database.Network) error {
	uc := dc.srv.registry.findUsersOutgoingConnection(user.ID, network.ID)

	if uc != nil {
		if err := uc.state.linkIncomingConnection(ctx, dc.id); err != nil {
			return err
		}
		if uc.state.Connected {
			dc.sendStatus("Attaching you to the network")
			if uc.state.NetRegistered {
				return dc.registerClient(ctx, uc)
			}
			return nil
		}
		dc.sendStatus("Connecting to the network..")
		return dc.srv.openUpstream(ctx, uc)
	}

	uc, err := dc.srv.makeUpstream(ctx, user.ID, network)
	if err != nil {
		return err
	}
	if err := uc.state.linkIncomingConnection(ctx, dc.id); err != nil {
		return err
	}
	dc.sendStatus("Connecting to the network..")
	return dc.srv.openUpstream(ctx, uc)
}

// registerClient synthesizes the 001..MOTD burst for a client attaching to
// an already-registered upstream, replaying the captured registration lines
// and the current joined-buffer set.
func (dc *Downstream) registerClient(ctx context.Context, uc *Upstream) error {
	dc.state.NetRegistered = true
	dc.state.Nick = uc.state.Nick
	if err := dc.state.save(ctx); err != nil {
		return err
	}

	for _, line := range uc.state.RegistrationLines {
		msg, err := irc.ParseMessage(line)
		if err != nil {
			continue
		}
		dc.SendMessage(msg)
	}

	for _, b := range uc.state.snapshotBuffers() {
		if !b.Joined {
			continue
		}
		dc.SendMessage(&irc.Message{Prefix: &irc.Prefix{Name: uc.state.Nick}, Command: "JOIN", Params: []string{b.Name}})
		if b.Topic != "" {
			dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: irc.RPL_TOPIC, Params: []string{uc.state.Nick, b.Name, b.Topic}})
		}
	}
	return nil
}

// handleClientControl implements the "*bnc" control target referenced by
// the PRIVMSG/NOTICE contract. The source delegates this to an external
// ClientControl module; here the BOUNCER verb is reachable both directly
// and as "/msg *bnc BOUNCER ...".
func (dc *Downstream) handleClientControl(ctx context.Context, msg *irc.Message) error {
	if len(msg.Params) < 2 {
		return nil
	}
	fields := strings.Fields(msg.Params[1])
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToUpper(fields[0]) {
	case "BOUNCER":
		_, err := cmdBouncer(ctx, dc, &irc.Message{Command: "BOUNCER", Params: fields[1:]})
		return err
	default:
		dc.sendNotice(fmt.Sprintf("unknown *bnc command %q", fields[0]))
		return nil
	}
}
