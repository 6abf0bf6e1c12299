// Package database persists the durable state kiwibnc needs to survive a
// process restart: users, the networks they've configured, and the
// per-connection ConnectionState record described by the bouncer's
// protocol state machine.
package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Database is the storage interface consumed by the credential store, the
// Connection Registry's persistence hooks, and the BOUNCER verb handler's
// network bookkeeping. Two implementations are provided: SQLite (the
// default) and PostgreSQL, selected by the "db" config directive.
type Database interface {
	Close() error

	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	StoreUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, id int64) error

	ListNetworks(ctx context.Context, userID int64) ([]Network, error)
	GetNetwork(ctx context.Context, id int64) (*Network, error)
	GetNetworkByName(ctx context.Context, userID int64, name string) (*Network, error)
	StoreNetwork(ctx context.Context, userID int64, network *Network) error
	DeleteNetwork(ctx context.Context, id int64) error

	GetConnection(ctx context.Context, conID string) (*Connection, error)
	StoreConnection(ctx context.Context, c *Connection) error
	DeleteConnection(ctx context.Context, conID string) error
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = fmt.Errorf("database: not found")

func Open(driver, source string) (Database, error) {
	switch driver {
	case "sqlite3":
		return OpenSqliteDB(source)
	case "postgres":
		return OpenPostgresDB(source)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// User is a bouncer account. Passwords are bcrypt hashes; StoreUser never
// receives a plaintext password.
type User struct {
	ID       int64
	Username string
	Password string // bcrypt hash, empty if password auth is disabled
	Admin    bool
	BindHost string // fallback bind_host for networks that don't set their own
}

func NewUser(username string) *User {
	return &User{Username: username}
}

// CheckPassword verifies password against the stored hash. If the stored
// hash was produced with a weaker cost than bcrypt.DefaultCost, upgraded is
// true and the caller should persist the User again to pick up the new
// hash set by this call.
func (u *User) CheckPassword(password string) (upgraded bool, err error) {
	if u.Password == "" {
		return false, fmt.Errorf("password auth disabled for user %q", u.Username)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return false, fmt.Errorf("wrong password: %v", err)
	}

	cost, err := bcrypt.Cost([]byte(u.Password))
	if err != nil {
		return false, fmt.Errorf("invalid password cost: %v", err)
	}
	if cost < bcrypt.DefaultCost {
		return true, u.SetPassword(password)
	}
	return false, nil
}

func (u *User) SetPassword(password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %v", err)
	}
	u.Password = string(hashed)
	return nil
}

// SASL holds upstream SASL PLAIN credentials for a Network, matching the
// spec's `sasl: {account, password}` pair.
type SASL struct {
	Account  string
	Password string
}

// Network is a user's configured upstream IRC network.
type Network struct {
	ID       int64
	UserID   int64
	Name     string
	Host     string
	Port     int
	TLS      bool
	BindHost string
	Nick     string
	Username string
	Realname string
	Pass     string
	SASL     SASL
}

func (n *Network) GetName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Host
}

func (n *Network) URL() (*url.URL, error) {
	s := n.Host
	if n.Port != 0 {
		s = fmt.Sprintf("%s:%d", n.Host, n.Port)
	}
	scheme := "irc+insecure"
	if n.TLS {
		scheme = "ircs"
	}
	if !strings.Contains(s, "://") {
		s = scheme + "://" + s
	}
	return url.Parse(s)
}

// Connection is the durable row backing a ConnectionState record (spec
// §4.1). Complex fields are stored as JSON; see connection.go for the
// marshaling.
type Connection struct {
	ConID string
	Kind  int

	NetRegistered bool
	Connected     bool
	ServerPrefix  string

	Nick     string
	Username string
	Realname string
	Account  string
	Password string
	Host     string
	Port     int
	TLS      bool
	TLSVerify bool
	BindHost string

	SASLAccount  string
	SASLPassword string

	RegistrationLines string // JSON []string
	ISupport           string // JSON []string
	Caps               string // JSON []string

	Buffers string // JSON array of buffers (see connection.go)

	ReceivedMotd bool

	AuthUserID      int64
	AuthNetworkID   int64
	AuthNetworkName string
	AuthAdmin       bool

	LinkedIncomingConIDs string // JSON []string

	Logging bool

	TempData string // JSON object: tempData map plus registration queue/state

	UpdatedAt time.Time
}
