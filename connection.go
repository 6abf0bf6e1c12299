package kiwibnc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hixio-mh/kiwibnc/database"
)

// ConnectionKind distinguishes an outgoing upstream link from an incoming
// client socket.
type ConnectionKind int

const (
	ConnKindUpstream ConnectionKind = iota
	ConnKindDownstream
)

// Buffer is a channel or private-message correspondent the connection has
// state for. Buffer identity is case-insensitive on Name; ConnectionState
// always keys its Buffers map by the lowercased name.
type Buffer struct {
	Name      string
	Key       string
	Joined    bool
	Topic     string
	IsChannel bool
	LastSeen  time.Time
}

// RegistrationState tracks the fields collected across PASS/USER/NICK
// before a downstream connection is authenticated. It's the typed
// replacement for the source's untyped reg.state scratch entry.
type RegistrationState struct {
	Nick string
	User string
	Pass string
}

func (r *RegistrationState) ready() bool {
	return r.Nick != "" && r.User != "" && r.Pass != ""
}

// ConnectionState is the durable per-socket record described by the
// bouncer's protocol state machine: one instance per downstream client and
// one per outgoing upstream link, hydrated from and flushed to a
// database.Database row keyed by conID.
type ConnectionState struct {
	mu sync.Mutex

	db    database.Database
	conID string
	Kind  ConnectionKind

	loaded bool

	NetRegistered bool
	Connected     bool
	ServerPrefix  string

	Nick      string
	Username  string
	Realname  string
	Account   string
	Password  string
	Host      string
	Port      int
	TLS       bool
	TLSVerify bool
	BindHost  string

	SASLAccount  string
	SASLPassword string

	RegistrationLines []string
	ISupport          []string
	Caps              map[string]struct{}
	Buffers           map[string]*Buffer

	ReceivedMotd bool

	AuthUserID      int64
	AuthNetworkID   int64
	AuthNetworkName string
	AuthAdmin       bool

	LinkedIncomingConIDs map[string]struct{}

	Logging bool

	// TempData holds per-registration scratch that doesn't warrant its own
	// column: the CAP negotiation version and similar one-off flags.
	TempData map[string]interface{}

	// RegQueue and RegState back tempData["reg.queue"]/tempData["reg.state"]
	// as typed fields; they're still marshaled into the same persisted
	// tempData JSON blob so a mid-handshake restart survives.
	RegQueue []string
	RegState *RegistrationState
}

func newConnectionState(db database.Database, conID string, kind ConnectionKind) *ConnectionState {
	return &ConnectionState{
		db:    db,
		conID: conID,
		Kind:  kind,
	}
}

func (s *ConnectionState) setDefaults() {
	s.RegistrationLines = nil
	s.ISupport = nil
	s.Caps = make(map[string]struct{})
	s.Buffers = make(map[string]*Buffer)
	s.LinkedIncomingConIDs = make(map[string]struct{})
	s.TempData = make(map[string]interface{})
	s.RegQueue = nil
	s.RegState = nil
	s.Logging = true
}

// maybeLoad hydrates the record from persistence if it hasn't been already.
func (s *ConnectionState) maybeLoad(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return nil
	}
	return s.load(ctx)
}

type tempDataEnvelope struct {
	Data     map[string]interface{} `json:"data"`
	RegQueue []string                `json:"regQueue,omitempty"`
	RegState *RegistrationState      `json:"regState,omitempty"`
}

// load replaces in-memory fields from the persisted row. If no row exists,
// defaults are initialized instead.
func (s *ConnectionState) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.db.GetConnection(ctx, s.conID)
	if err == database.ErrNotFound {
		s.setDefaults()
		s.loaded = true
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to load connection %q: %w", s.conID, err)
	}

	s.Kind = ConnectionKind(row.Kind)
	s.NetRegistered = row.NetRegistered
	s.Connected = row.Connected
	s.ServerPrefix = row.ServerPrefix
	s.Nick = row.Nick
	s.Username = row.Username
	s.Realname = row.Realname
	s.Account = row.Account
	s.Password = row.Password
	s.Host = row.Host
	s.Port = row.Port
	s.TLS = row.TLS
	s.TLSVerify = row.TLSVerify
	s.BindHost = row.BindHost
	s.SASLAccount = row.SASLAccount
	s.SASLPassword = row.SASLPassword
	s.ReceivedMotd = row.ReceivedMotd
	s.AuthUserID = row.AuthUserID
	s.AuthNetworkID = row.AuthNetworkID
	s.AuthNetworkName = row.AuthNetworkName
	s.AuthAdmin = row.AuthAdmin
	s.Logging = row.Logging

	s.RegistrationLines = nil
	if row.RegistrationLines != "" {
		if err := json.Unmarshal([]byte(row.RegistrationLines), &s.RegistrationLines); err != nil {
			return fmt.Errorf("failed to unmarshal registrationLines: %w", err)
		}
	}

	s.ISupport = nil
	if row.ISupport != "" {
		if err := json.Unmarshal([]byte(row.ISupport), &s.ISupport); err != nil {
			return fmt.Errorf("failed to unmarshal isupport: %w", err)
		}
	}

	s.Caps = make(map[string]struct{})
	if row.Caps != "" {
		var caps []string
		if err := json.Unmarshal([]byte(row.Caps), &caps); err != nil {
			return fmt.Errorf("failed to unmarshal caps: %w", err)
		}
		for _, c := range caps {
			s.Caps[c] = struct{}{}
		}
	}

	s.Buffers = make(map[string]*Buffer)
	if row.Buffers != "" {
		var buffers []Buffer
		if err := json.Unmarshal([]byte(row.Buffers), &buffers); err != nil {
			return fmt.Errorf("failed to unmarshal buffers: %w", err)
		}
		for i := range buffers {
			b := buffers[i]
			s.Buffers[strings.ToLower(b.Name)] = &b
		}
	}

	s.LinkedIncomingConIDs = make(map[string]struct{})
	if row.LinkedIncomingConIDs != "" {
		var ids []string
		if err := json.Unmarshal([]byte(row.LinkedIncomingConIDs), &ids); err != nil {
			return fmt.Errorf("failed to unmarshal linkedIncomingConIds: %w", err)
		}
		for _, id := range ids {
			s.LinkedIncomingConIDs[id] = struct{}{}
		}
	}

	env := tempDataEnvelope{}
	if row.TempData != "" {
		if err := json.Unmarshal([]byte(row.TempData), &env); err != nil {
			return fmt.Errorf("failed to unmarshal tempData: %w", err)
		}
	}
	if env.Data == nil {
		env.Data = make(map[string]interface{})
	}
	s.TempData = env.Data
	s.RegQueue = env.RegQueue
	s.RegState = env.RegState

	s.loaded = true
	return nil
}

// save performs an atomic insert-or-replace upsert of the entire record.
func (s *ConnectionState) save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

func (s *ConnectionState) saveLocked(ctx context.Context) error {
	regLines, err := json.Marshal(s.RegistrationLines)
	if err != nil {
		return err
	}
	isupport, err := json.Marshal(s.ISupport)
	if err != nil {
		return err
	}

	caps := make([]string, 0, len(s.Caps))
	for c := range s.Caps {
		caps = append(caps, c)
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return err
	}

	buffers := make([]Buffer, 0, len(s.Buffers))
	for _, b := range s.Buffers {
		buffers = append(buffers, *b)
	}
	buffersJSON, err := json.Marshal(buffers)
	if err != nil {
		return err
	}

	linkedIDs := make([]string, 0, len(s.LinkedIncomingConIDs))
	for id := range s.LinkedIncomingConIDs {
		linkedIDs = append(linkedIDs, id)
	}
	linkedJSON, err := json.Marshal(linkedIDs)
	if err != nil {
		return err
	}

	tempJSON, err := json.Marshal(tempDataEnvelope{
		Data:     s.TempData,
		RegQueue: s.RegQueue,
		RegState: s.RegState,
	})
	if err != nil {
		return err
	}

	row := &database.Connection{
		ConID:                s.conID,
		Kind:                 int(s.Kind),
		NetRegistered:        s.NetRegistered,
		Connected:            s.Connected,
		ServerPrefix:         s.ServerPrefix,
		Nick:                 s.Nick,
		Username:             s.Username,
		Realname:             s.Realname,
		Account:              s.Account,
		Password:             s.Password,
		Host:                 s.Host,
		Port:                 s.Port,
		TLS:                  s.TLS,
		TLSVerify:            s.TLSVerify,
		BindHost:             s.BindHost,
		SASLAccount:          s.SASLAccount,
		SASLPassword:         s.SASLPassword,
		RegistrationLines:    string(regLines),
		ISupport:             string(isupport),
		Caps:                 string(capsJSON),
		Buffers:              string(buffersJSON),
		ReceivedMotd:         s.ReceivedMotd,
		AuthUserID:           s.AuthUserID,
		AuthNetworkID:        s.AuthNetworkID,
		AuthNetworkName:      s.AuthNetworkName,
		AuthAdmin:            s.AuthAdmin,
		LinkedIncomingConIDs: string(linkedJSON),
		Logging:              s.Logging,
		TempData:             string(tempJSON),
	}

	return s.db.StoreConnection(ctx, row)
}

// destroy removes the persisted row for this connection.
func (s *ConnectionState) destroy(ctx context.Context) error {
	return s.db.DeleteConnection(ctx, s.conID)
}

func (s *ConnectionState) tempGet(key string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TempData[key]
}

// tempSet writes one key (value nil deletes it) and persists the change.
func (s *ConnectionState) tempSet(ctx context.Context, key string, value interface{}) error {
	return s.tempSetMany(ctx, map[string]interface{}{key: value})
}

// tempSetMany applies a batch of key/value writes atomically before saving.
func (s *ConnectionState) tempSetMany(ctx context.Context, kv map[string]interface{}) error {
	s.mu.Lock()
	for k, v := range kv {
		if v == nil {
			delete(s.TempData, k)
		} else {
			s.TempData[k] = v
		}
	}
	s.mu.Unlock()
	return s.save(ctx)
}

// addCaps merges newly-negotiated capability names into the connection's
// enabled set. Callers are responsible for calling save() afterwards.
func (s *ConnectionState) addCaps(caps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range caps {
		s.Caps[c] = struct{}{}
	}
}

func (s *ConnectionState) enabledCaps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make([]string, 0, len(s.Caps))
	for c := range s.Caps {
		caps = append(caps, c)
	}
	return caps
}

// pushQueue appends a raw wire line to the CAP-negotiation replay queue and
// persists it immediately, so the queue survives a process restart during
// the CAP window.
func (s *ConnectionState) pushQueue(ctx context.Context, line string) error {
	s.mu.Lock()
	s.RegQueue = append(s.RegQueue, line)
	s.mu.Unlock()
	return s.save(ctx)
}

// popQueue removes and persists the removal of the oldest queued line, if
// any.
func (s *ConnectionState) popQueue(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	if len(s.RegQueue) == 0 {
		s.mu.Unlock()
		return "", false, nil
	}
	line := s.RegQueue[0]
	s.RegQueue = s.RegQueue[1:]
	s.mu.Unlock()
	if err := s.save(ctx); err != nil {
		return "", false, err
	}
	return line, true, nil
}

// snapshotBuffers returns a copy of every buffer, safe to read without
// holding the connection's lock.
func (s *ConnectionState) snapshotBuffers() []*Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Buffer, 0, len(s.Buffers))
	for _, b := range s.Buffers {
		cp := *b
		out = append(out, &cp)
	}
	return out
}

func (s *ConnectionState) getBuffer(name string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Buffers[strings.ToLower(name)]
}

func (s *ConnectionState) getOrAddBuffer(name string, isChannel bool) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	if b, ok := s.Buffers[key]; ok {
		return b
	}
	b := &Buffer{Name: name, IsChannel: isChannel, LastSeen: time.Now()}
	s.Buffers[key] = b
	return b
}

func (s *ConnectionState) addBuffer(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Buffers[strings.ToLower(b.Name)] = b
}

func (s *ConnectionState) delBuffer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Buffers, strings.ToLower(name))
}

// renameBuffer moves a buffer to a new name. If a buffer already exists at
// the new name, that existing buffer is kept as-is (no-op merge).
func (s *ConnectionState) renameBuffer(oldName, newName string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	newKey := strings.ToLower(newName)
	if existing, ok := s.Buffers[newKey]; ok {
		return existing
	}

	oldKey := strings.ToLower(oldName)
	b, ok := s.Buffers[oldKey]
	if !ok {
		return nil
	}
	delete(s.Buffers, oldKey)
	b.Name = newName
	s.Buffers[newKey] = b
	return b
}

func (s *ConnectionState) linkIncomingConnection(ctx context.Context, conID string) error {
	s.mu.Lock()
	s.LinkedIncomingConIDs[conID] = struct{}{}
	s.mu.Unlock()
	return s.save(ctx)
}

func (s *ConnectionState) unlinkIncomingConnection(ctx context.Context, conID string) error {
	s.mu.Lock()
	delete(s.LinkedIncomingConIDs, conID)
	s.mu.Unlock()
	return s.save(ctx)
}

// forEachClient iterates the incoming connections linked to this upstream,
// skipping exclude. f is invoked with the lock released.
func (s *ConnectionState) forEachClient(reg *Registry, exclude string, f func(*Downstream)) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.LinkedIncomingConIDs))
	for id := range s.LinkedIncomingConIDs {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if dc := reg.getDownstream(id); dc != nil {
			f(dc)
		}
	}
}

// loadConnectionInfo resolves transport parameters for an upstream from the
// network/user records. If the network has been deleted (ErrNotFound),
// transport fields are cleared, but nick is preserved while still connected
// so IRC-side state isn't clobbered mid-session. Any other lookup error is
// returned unchanged rather than treated as deletion, so a transient store
// failure doesn't wipe (and then persist) the upstream's transport config.
func (s *ConnectionState) loadConnectionInfo(ctx context.Context, store authStore, user *database.User) error {
	net, err := store.GetNetwork(ctx, s.AuthNetworkID)
	if err != nil {
		if err != database.ErrNotFound {
			return err
		}

		wasConnected := s.Connected
		nick := s.Nick
		s.Host = ""
		s.Port = 0
		s.TLS = false
		s.BindHost = ""
		s.SASLAccount = ""
		s.SASLPassword = ""
		if wasConnected {
			s.Nick = nick
		}
		return nil
	}

	// bind_host precedence: the network's own setting wins; otherwise fall
	// back to the owning user's bind_host.
	bindHost := net.BindHost
	if bindHost == "" && user != nil {
		bindHost = user.BindHost
	}

	s.Host = net.Host
	s.Port = net.Port
	s.TLS = net.TLS
	s.BindHost = bindHost
	s.Username = net.Username
	s.Realname = net.Realname
	s.Password = net.Pass
	s.SASLAccount = net.SASL.Account
	s.SASLPassword = net.SASL.Password
	if s.Nick == "" {
		s.Nick = net.Nick
	}
	s.AuthNetworkName = net.GetName()
	return nil
}

// authStore is the subset of auth.Store that connection.go needs, kept
// narrow to avoid an import cycle between the kiwibnc and auth packages.
type authStore interface {
	GetNetwork(ctx context.Context, id int64) (*database.Network, error)
}
