package kiwibnc

import (
	"gopkg.in/irc.v3"
)

// ircError wraps a reply message that must be sent back to the connection
// that triggered it instead of being propagated as a fatal handler error.
type ircError struct {
	Message *irc.Message
}

func (err ircError) Error() string {
	return err.Message.String()
}

func newNeedMoreParamsError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_NEEDMOREPARAMS,
		Params:  []string{"*", cmd, "Not enough parameters"},
	}}
}

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return newNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}
