package kiwibnc

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/irc.v3"
)

// registerBuiltinVerbs attaches the bouncer's own command module to a fresh
// HandlerRegistry. Third-party command modules would call RegisterVerb and
// OnAvailableCaps here too; RELOAD calls this again after clearing the
// table, so handlers must be safe to re-attach from scratch.
func registerBuiltinVerbs(h *HandlerRegistry) {
	h.RegisterVerb("CAP", cmdCap)
	h.RegisterVerb("NICK", cmdNick)
	h.RegisterVerb("USER", cmdUser)
	h.RegisterVerb("PASS", cmdPass)
	h.RegisterVerb("QUIT", cmdQuit)
	h.RegisterVerb("KILL", cmdKill)
	h.RegisterVerb("PRIVMSG", cmdPrivmsgNotice)
	h.RegisterVerb("NOTICE", cmdPrivmsgNotice)
	h.RegisterVerb("BOUNCER", cmdBouncer)

	h.OnAvailableCaps(func() []string {
		return []string{"server-time", "batch", "echo-message", "multi-prefix", "cap-notify"}
	})
}

// cmdCap implements every CAP subcommand the downstream side supports. It's
// called directly from the pre-registration gate and is also the registered
// handler for post-registration CAP traffic (e.g. a client re-running
// CAP LS after IRCv3 cap-notify), so it must tolerate either state.
func cmdCap(ctx context.Context, dc *Downstream, msg *irc.Message) (bool, error) {
	if len(msg.Params) < 1 {
		return false, newNeedMoreParamsError(msg.Command)
	}

	switch strings.ToUpper(msg.Params[0]) {
	case "LS":
		version := "301"
		if len(msg.Params) > 1 {
			version = msg.Params[1]
		}
		if err := dc.state.tempSet(ctx, "capping", version); err != nil {
			return false, err
		}
		caps := dc.srv.handlers.AvailableCaps()
		dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: "CAP", Params: []string{dc.currentNick(), "LS", strings.Join(caps, " ")}})
		return false, nil

	case "LIST":
		enabled := dc.state.enabledCaps()
		dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: "CAP", Params: []string{dc.currentNick(), "LIST", strings.Join(enabled, " ")}})
		return false, nil

	case "REQ":
		if len(msg.Params) < 2 {
			return false, newNeedMoreParamsError(msg.Command)
		}
		available := dc.srv.handlers.AvailableCaps()
		availableSet := make(map[string]struct{}, len(available))
		for _, c := range available {
			availableSet[c] = struct{}{}
		}

		var matched []string
		for _, c := range strings.Fields(msg.Params[1]) {
			if _, ok := availableSet[c]; ok {
				matched = append(matched, c)
			}
		}

		dc.state.addCaps(matched)
		if err := dc.state.save(ctx); err != nil {
			return false, err
		}
		dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: "CAP", Params: []string{dc.currentNick(), "ACK", strings.Join(matched, " ")}})
		return false, nil

	case "END":
		// Clear capping before draining: maybeProcessRegistration bails
		// while capping is set, so replayed PASS/NICK/USER lines must see
		// it already cleared or registration can never complete.
		if err := dc.state.tempSet(ctx, "capping", nil); err != nil {
			return false, err
		}
		if err := dc.drainQueue(ctx); err != nil {
			return false, err
		}
		return false, nil

	default:
		return false, nil
	}
}

// cmdNick implements the NICK contract, which differs by registration
// phase: pre-registration it records the candidate nick and nudges the
// client toward PASS; post-registration it's swallowed while the upstream
// handshake is still in flight, and forwarded otherwise.
func cmdNick(ctx context.Context, dc *Downstream, msg *irc.Message) (bool, error) {
	var nick string
	if err := parseMessageParams(msg, &nick); err != nil {
		return false, err
	}

	if !dc.state.NetRegistered {
		dc.state.Nick = nick
		if dc.state.RegState != nil {
			dc.state.RegState.Nick = nick
		}
		dc.SendMessage(&irc.Message{Prefix: &irc.Prefix{Name: nick}, Command: "NICK", Params: []string{nick}})
		dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: "464", Params: []string{nick, "Password required"}})
		dc.sendNotice("Connect with your bouncer password using /quote PASS user[/network]:password")
		return false, nil
	}

	if uc := dc.boundUpstream(); uc != nil && !uc.state.NetRegistered {
		return false, nil
	}

	return true, nil
}

// cmdUser stores the ident (the first USER parameter) during
// pre-registration; the realname is not kept. The BNC
// always synthesizes its own USER line to the upstream, so this never
// forwards.
func cmdUser(ctx context.Context, dc *Downstream, msg *irc.Message) (bool, error) {
	if dc.state.RegState != nil && len(msg.Params) > 0 {
		dc.state.RegState.User = msg.Params[0]
	}
	return false, nil
}

// cmdPass stashes the BNC password triple during pre-registration. Once
// authenticated, further PASS lines are ignored rather than re-parsed.
func cmdPass(ctx context.Context, dc *Downstream, msg *irc.Message) (bool, error) {
	if dc.state.AuthUserID != 0 {
		return false, nil
	}
	var pass string
	if err := parseMessageParams(msg, &pass); err != nil {
		return false, err
	}
	if dc.state.RegState != nil {
		dc.state.RegState.Pass = pass
	}
	return false, nil
}

// cmdQuit closes the incoming connection. The bound upstream, if any, stays
// alive for a future client to re-attach to.
func cmdQuit(ctx context.Context, dc *Downstream, msg *irc.Message) (bool, error) {
	_ = dc.Close()
	return false, nil
}

// cmdKill shuts the whole process down. Gated to admin accounts: the source
// exposes this unconditionally, but handing any authenticated client the
// power to stop the process is a privilege-escalation bug worth closing.
func cmdKill(ctx context.Context, dc *Downstream, msg *irc.Message) (bool, error) {
	if !dc.state.AuthAdmin {
		return false, nil
	}
	dc.srv.Shutdown()
	return false, nil
}

// cmdPrivmsgNotice implements fan-out and echo (§4.5): sibling downstreams
// of the same upstream see a copy prefixed with the upstream's current
// nick, the message is persisted, and the original line is forwarded
// upstream verbatim.
func cmdPrivmsgNotice(ctx context.Context, dc *Downstream, msg *irc.Message) (bool, error) {
	var target string
	if err := parseMessageParams(msg, &target); err != nil {
		return false, err
	}

	if strings.EqualFold(target, "*bnc") {
		return false, dc.handleClientControl(ctx, msg)
	}

	uc := dc.boundUpstream()
	if uc == nil {
		return false, nil
	}

	nick := uc.state.Nick
	if nick == "" {
		nick = dc.state.Nick
	}
	echo := &irc.Message{
		Prefix:  &irc.Prefix{Name: nick, User: dc.state.Username, Host: "bnc"},
		Command: msg.Command,
		Params:  msg.Params,
	}
	uc.state.forEachClient(dc.srv.registry, dc.id, func(sibling *Downstream) {
		sibling.SendMessage(echo)
	})

	if uc.state.Logging && dc.srv.msgStore != nil {
		if err := dc.srv.msgStore.Append(dc.state.AuthUserID, dc.state.AuthNetworkID, target, msg); err != nil {
			dc.srv.Logger.Printf("failed to persist message: %v", err)
		}
	}

	return true, nil
}

// cmdBouncer dispatches the BOUNCER administrative sub-commands (§4.4),
// all scoped to the caller's authUserId.
func cmdBouncer(ctx context.Context, dc *Downstream, msg *irc.Message) (bool, error) {
	if len(msg.Params) == 0 {
		dc.replyBouncer("ERR_INVALIDARGS")
		return false, nil
	}

	sub := strings.ToUpper(msg.Params[0])
	args := msg.Params[1:]

	var err error
	switch sub {
	case "CONNECT":
		err = bouncerConnect(ctx, dc, args)
	case "DISCONNECT":
		err = bouncerDisconnect(ctx, dc, args)
	case "LISTNETWORKS":
		err = bouncerListNetworks(ctx, dc, args)
	case "LISTBUFFERS":
		err = bouncerListBuffers(ctx, dc, args)
	case "DELBUFFER":
		err = bouncerDelBuffer(ctx, dc, args)
	default:
		dc.replyBouncer(sub, "ERR_INVALIDARGS")
	}
	return false, err
}

func (dc *Downstream) replyBouncer(params ...string) {
	dc.SendMessage(&irc.Message{Prefix: dc.srv.prefix(), Command: "BOUNCER", Params: params})
}

func bouncerConnect(ctx context.Context, dc *Downstream, args []string) error {
	if len(args) < 1 {
		dc.replyBouncer("CONNECT", "ERR_INVALIDARGS")
		return nil
	}

	network, err := dc.srv.auth.GetNetworkByName(ctx, dc.state.AuthUserID, args[0])
	if err != nil {
		dc.replyBouncer("CONNECT", "ERR_NETNOTFOUND")
		return nil
	}

	uc := dc.srv.registry.findUsersOutgoingConnection(dc.state.AuthUserID, network.ID)
	if uc == nil {
		uc, err = dc.srv.makeUpstream(ctx, dc.state.AuthUserID, network)
		if err != nil {
			return err
		}
		return dc.srv.openUpstream(ctx, uc)
	}
	if !uc.state.Connected {
		return dc.srv.openUpstream(ctx, uc)
	}
	return nil
}

func bouncerDisconnect(ctx context.Context, dc *Downstream, args []string) error {
	if len(args) < 1 {
		dc.replyBouncer("DISCONNECT", "ERR_INVALIDARGS")
		return nil
	}

	network, err := dc.srv.auth.GetNetworkByName(ctx, dc.state.AuthUserID, args[0])
	if err != nil {
		dc.replyBouncer("DISCONNECT", "ERR_NETNOTFOUND")
		return nil
	}

	uc := dc.srv.registry.findUsersOutgoingConnection(dc.state.AuthUserID, network.ID)
	if uc != nil && uc.state.Connected {
		uc.manualClose = true
		if err := uc.Close(); err != nil {
			dc.srv.Logger.Printf("failed to close upstream %s: %v", uc.id, err)
		}
	}
	return nil
}

// bouncerListNetworks fixes the source's operator-precedence bug in the
// tls= tag (it always evaluated to "1") and its duplicated host= field,
// per the specification's open question 1. The listnetworks/listnetwork
// terminator naming mismatch (open question 2) is preserved as-is.
func bouncerListNetworks(ctx context.Context, dc *Downstream, args []string) error {
	networks, err := dc.srv.auth.GetUserNetworks(ctx, dc.state.AuthUserID)
	if err != nil {
		return err
	}

	for i := range networks {
		net := networks[i]
		state := "disconnected"
		if uc := dc.srv.registry.findUsersOutgoingConnection(dc.state.AuthUserID, net.ID); uc != nil {
			switch {
			case uc.state.Connected:
				state = "connected"
			case uc.manualClose:
				state = "disconnect"
			}
		}

		tls := "0"
		if net.TLS {
			tls = "1"
		}
		tags := fmt.Sprintf("network=%s;host=%s;port=%d;tls=%s;state=%s", net.GetName(), net.Host, net.Port, tls, state)
		dc.replyBouncer("listnetworks", tags)
	}

	dc.replyBouncer("listnetwork", "RPL_OK")
	return nil
}

func bouncerListBuffers(ctx context.Context, dc *Downstream, args []string) error {
	if len(args) < 1 {
		dc.replyBouncer("listbuffers", "ERR_INVALIDARGS")
		return nil
	}

	network, err := dc.srv.auth.GetNetworkByName(ctx, dc.state.AuthUserID, args[0])
	if err != nil {
		dc.replyBouncer("listbuffers", "ERR_NETNOTFOUND")
		return nil
	}

	uc := dc.srv.registry.findUsersOutgoingConnection(dc.state.AuthUserID, network.ID)
	if uc != nil {
		for _, b := range uc.state.snapshotBuffers() {
			joined := "0"
			if b.Joined {
				joined = "1"
			}
			tags := fmt.Sprintf("network=%s;buffer=%s;joined=%s;topic=%s", network.GetName(), b.Name, joined, b.Topic)
			dc.replyBouncer("listbuffers", network.GetName(), tags)
		}
	}

	dc.replyBouncer("listbuffers", network.GetName(), "RPL_OK")
	return nil
}

// bouncerDelBuffer treats a missing buffer as a clean early return that
// still replies RPL_OK, per the specification's open question 3.
func bouncerDelBuffer(ctx context.Context, dc *Downstream, args []string) error {
	if len(args) < 2 {
		dc.replyBouncer("delbuffer", "ERR_INVALIDARGS")
		return nil
	}

	network, err := dc.srv.auth.GetNetworkByName(ctx, dc.state.AuthUserID, args[0])
	if err != nil {
		dc.replyBouncer("delbuffer", "ERR_NETNOTFOUND")
		return nil
	}

	uc := dc.srv.registry.findUsersOutgoingConnection(dc.state.AuthUserID, network.ID)
	if uc == nil {
		dc.replyBouncer("delbuffer", network.GetName(), args[1], "RPL_OK")
		return nil
	}

	b := uc.state.getBuffer(args[1])
	if b == nil {
		dc.replyBouncer("delbuffer", network.GetName(), args[1], "RPL_OK")
		return nil
	}

	if b.Joined {
		uc.SendMessage(&irc.Message{Command: "PART", Params: []string{b.Name}})
	}
	uc.state.delBuffer(args[1])
	if err := uc.state.save(ctx); err != nil {
		return err
	}

	dc.replyBouncer("delbuffer", network.GetName(), args[1], "RPL_OK")
	return nil
}
