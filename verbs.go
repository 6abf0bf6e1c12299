package kiwibnc

import (
	"context"
	"strings"
	"sync"

	"gopkg.in/irc.v3"
)

// VerbHandler processes one parsed IRC message from a downstream
// connection. The returned bool is the "forward upstream" signal: true
// means the dispatcher should also relay the original line to the bound
// upstream verbatim.
type VerbHandler func(ctx context.Context, dc *Downstream, msg *irc.Message) (forward bool, err error)

// HandlerRegistry is the pluggable, hot-reloadable command module system:
// a verb-indexed dispatch table plus an available_caps broadcast channel
// that CAP LS consults to build its capability list. RELOAD discards and
// rebuilds both.
type HandlerRegistry struct {
	mu                 sync.RWMutex
	verbs              map[string]VerbHandler
	availableCapsFuncs []func() []string
}

func newHandlerRegistry() *HandlerRegistry {
	h := &HandlerRegistry{}
	h.Reload()
	return h
}

func (h *HandlerRegistry) RegisterVerb(name string, fn VerbHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.verbs[strings.ToUpper(name)] = fn
}

func (h *HandlerRegistry) Verb(name string) (VerbHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.verbs[strings.ToUpper(name)]
	return fn, ok
}

// OnAvailableCaps subscribes fn to the available_caps event: every CAP LS
// calls every subscriber and concatenates the results.
func (h *HandlerRegistry) OnAvailableCaps(fn func() []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.availableCapsFuncs = append(h.availableCapsFuncs, fn)
}

func (h *HandlerRegistry) AvailableCaps() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var caps []string
	for _, fn := range h.availableCapsFuncs {
		caps = append(caps, fn()...)
	}
	return caps
}

// Reload discards the verb table and available_caps subscriptions, then
// re-attaches the built-in command module. Third-party command modules
// loaded at startup would re-subscribe here too.
func (h *HandlerRegistry) Reload() {
	h.mu.Lock()
	h.verbs = make(map[string]VerbHandler)
	h.availableCapsFuncs = nil
	h.mu.Unlock()
	registerBuiltinVerbs(h)
}
