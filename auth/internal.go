package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/hixio-mh/kiwibnc/database"
)

// ErrInvalidCredentials is wrapped by the error AuthUser and AuthUserNetwork
// return when the username, password, or network doesn't resolve, so
// callers can match any of those failures with errors.Is. The wrapped error
// text still names the underlying cause.
var ErrInvalidCredentials = errors.New("invalid credentials")

// internal authenticates directly against the bouncer's own database using
// bcrypt-hashed passwords. It's the only backend kiwibnc ships: there's no
// SPEC_FULL component that needs a second, externally-delegated auth
// backend, so PAM/OAuth2/HTTP backends aren't wired.
type internal struct {
	db database.Database
}

func newInternal(db database.Database) Store {
	return &internal{db: db}
}

func (a *internal) AuthUser(ctx context.Context, username, password string) (*database.User, error) {
	u, err := a.db.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	upgraded, err := u.CheckPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if upgraded {
		if err := a.db.StoreUser(ctx, u); err != nil {
			return nil, err
		}
	}

	return u, nil
}

func (a *internal) AuthUserNetwork(ctx context.Context, username, password, networkName string) (*database.User, *database.Network, error) {
	u, err := a.AuthUser(ctx, username, password)
	if err != nil {
		return nil, nil, err
	}

	n, err := a.db.GetNetworkByName(ctx, u.ID, networkName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: network %q: %v", ErrInvalidCredentials, networkName, err)
	}

	return u, n, nil
}

func (a *internal) GetUserByID(ctx context.Context, id int64) (*database.User, error) {
	return a.db.GetUserByID(ctx, id)
}

func (a *internal) GetNetwork(ctx context.Context, id int64) (*database.Network, error) {
	return a.db.GetNetwork(ctx, id)
}

func (a *internal) GetNetworkByName(ctx context.Context, userID int64, name string) (*database.Network, error) {
	return a.db.GetNetworkByName(ctx, userID, name)
}

func (a *internal) GetUserNetworks(ctx context.Context, userID int64) ([]database.Network, error) {
	return a.db.ListNetworks(ctx, userID)
}
