package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/hixio-mh/kiwibnc/database"
)

func newTestStore(t *testing.T) (Store, *database.User, database.Database) {
	t.Helper()

	db, err := database.OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("OpenTempSqliteDB() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	u := database.NewUser("alice")
	if err := u.SetPassword("s3cret"); err != nil {
		t.Fatalf("SetPassword() failed: %v", err)
	}
	ctx := context.Background()
	if err := db.StoreUser(ctx, u); err != nil {
		t.Fatalf("StoreUser() failed: %v", err)
	}

	n := &database.Network{Host: "irc.freenode.net", Name: "freenode", Nick: "alice"}
	if err := db.StoreNetwork(ctx, u.ID, n); err != nil {
		t.Fatalf("StoreNetwork() failed: %v", err)
	}

	store, err := New("internal", db)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return store, u, db
}

func TestAuthUser(t *testing.T) {
	store, u, _ := newTestStore(t)
	ctx := context.Background()

	got, err := store.AuthUser(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("AuthUser() failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("AuthUser() returned user %d, want %d", got.ID, u.ID)
	}

	if _, err := store.AuthUser(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("AuthUser() with wrong password = %v, want ErrInvalidCredentials", err)
	}
	if _, err := store.AuthUser(ctx, "bob", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("AuthUser() with unknown user = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthUserNetwork(t *testing.T) {
	store, u, _ := newTestStore(t)
	ctx := context.Background()

	gotUser, gotNet, err := store.AuthUserNetwork(ctx, "alice", "s3cret", "freenode")
	if err != nil {
		t.Fatalf("AuthUserNetwork() failed: %v", err)
	}
	if gotUser.ID != u.ID {
		t.Errorf("AuthUserNetwork() user = %d, want %d", gotUser.ID, u.ID)
	}
	if gotNet.GetName() != "freenode" {
		t.Errorf("AuthUserNetwork() network = %q, want %q", gotNet.GetName(), "freenode")
	}

	if _, _, err := store.AuthUserNetwork(ctx, "alice", "s3cret", "no-such-network"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("AuthUserNetwork() with unknown network = %v, want ErrInvalidCredentials", err)
	}
}
