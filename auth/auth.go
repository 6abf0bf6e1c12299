// Package auth implements the credential store the Downstream State Machine
// consults during registration: authUser, authUserNetwork, and the network
// lookups the BOUNCER verb and Upstream Binder need.
package auth

import (
	"context"
	"fmt"

	"github.com/hixio-mh/kiwibnc/database"
)

// Store is the credential store interface consumed by registration and by
// the BOUNCER verb handler.
type Store interface {
	// AuthUser verifies a username/password pair and returns the matching
	// user, or ErrInvalidCredentials.
	AuthUser(ctx context.Context, username, password string) (*database.User, error)

	// AuthUserNetwork verifies a username/password pair and resolves the
	// named network for that user in one call, mirroring the PASS
	// triple parsed during registration.
	AuthUserNetwork(ctx context.Context, username, password, networkName string) (*database.User, *database.Network, error)

	// GetUserByID resolves the user record behind an upstream's AuthUserID,
	// needed by loadConnectionInfo's bind_host fallback.
	GetUserByID(ctx context.Context, id int64) (*database.User, error)

	GetNetwork(ctx context.Context, id int64) (*database.Network, error)
	GetNetworkByName(ctx context.Context, userID int64, name string) (*database.Network, error)
	GetUserNetworks(ctx context.Context, userID int64) ([]database.Network, error)
}

func New(driver string, db database.Database) (Store, error) {
	switch driver {
	case "internal":
		return newInternal(db), nil
	default:
		return nil, fmt.Errorf("unknown auth driver %q", driver)
	}
}
