package database

import (
	"context"
	"testing"
)

func TestSqliteDB(t *testing.T) {
	db, err := OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("OpenTempSqliteDB() failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	u := NewUser("alice")
	if err := u.SetPassword("hunter2"); err != nil {
		t.Fatalf("SetPassword() failed: %v", err)
	}
	if err := db.StoreUser(ctx, u); err != nil {
		t.Fatalf("StoreUser() failed: %v", err)
	}
	if u.ID == 0 {
		t.Fatalf("StoreUser() did not assign an ID")
	}

	got, err := db.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser() failed: %v", err)
	}
	if upgraded, err := got.CheckPassword("hunter2"); err != nil {
		t.Errorf("CheckPassword() failed: %v", err)
	} else if upgraded {
		t.Errorf("CheckPassword() unexpectedly upgraded the hash")
	}
	if _, err := got.CheckPassword("wrong"); err == nil {
		t.Errorf("CheckPassword() with wrong password should fail")
	}

	n := &Network{Host: "irc.example.org", Port: 6697, TLS: true, Nick: "alice"}
	if err := db.StoreNetwork(ctx, u.ID, n); err != nil {
		t.Fatalf("StoreNetwork() failed: %v", err)
	}

	byName, err := db.GetNetworkByName(ctx, u.ID, "irc.example.org")
	if err != nil {
		t.Fatalf("GetNetworkByName() failed: %v", err)
	}
	if byName.ID != n.ID {
		t.Errorf("GetNetworkByName() = %d, want %d", byName.ID, n.ID)
	}

	networks, err := db.ListNetworks(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListNetworks() failed: %v", err)
	}
	if len(networks) != 1 {
		t.Fatalf("ListNetworks() returned %d networks, want 1", len(networks))
	}

	conn := &Connection{
		ConID:           "downstream:1",
		Kind:            1,
		Nick:            "alice",
		AuthUserID:      u.ID,
		AuthNetworkID:   n.ID,
		AuthNetworkName: n.GetName(),
		Caps:            `["server-time"]`,
		Logging:         true,
	}
	if err := db.StoreConnection(ctx, conn); err != nil {
		t.Fatalf("StoreConnection() failed: %v", err)
	}

	loaded, err := db.GetConnection(ctx, "downstream:1")
	if err != nil {
		t.Fatalf("GetConnection() failed: %v", err)
	}
	if loaded.Nick != "alice" || loaded.Caps != `["server-time"]` {
		t.Errorf("GetConnection() = %+v, want matching Nick/Caps", loaded)
	}

	// Storing again with the same conid must overwrite, not conflict.
	conn.Nick = "alice2"
	if err := db.StoreConnection(ctx, conn); err != nil {
		t.Fatalf("StoreConnection() re-save failed: %v", err)
	}
	loaded, err = db.GetConnection(ctx, "downstream:1")
	if err != nil {
		t.Fatalf("GetConnection() after re-save failed: %v", err)
	}
	if loaded.Nick != "alice2" {
		t.Errorf("GetConnection() after re-save = %q, want %q", loaded.Nick, "alice2")
	}

	if err := db.DeleteConnection(ctx, "downstream:1"); err != nil {
		t.Fatalf("DeleteConnection() failed: %v", err)
	}
	if _, err := db.GetConnection(ctx, "downstream:1"); err != ErrNotFound {
		t.Errorf("GetConnection() after delete = %v, want ErrNotFound", err)
	}
}

func TestSqliteDBUserBindHost(t *testing.T) {
	db, err := OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("OpenTempSqliteDB() failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	u := NewUser("bob")
	u.BindHost = "203.0.113.4"
	if err := db.StoreUser(ctx, u); err != nil {
		t.Fatalf("StoreUser() failed: %v", err)
	}

	byID, err := db.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID() failed: %v", err)
	}
	if byID.BindHost != "203.0.113.4" {
		t.Errorf("GetUserByID().BindHost = %q, want %q", byID.BindHost, "203.0.113.4")
	}

	if _, err := db.GetUserByID(ctx, u.ID+999); err != ErrNotFound {
		t.Errorf("GetUserByID() for a missing id = %v, want ErrNotFound", err)
	}
}
