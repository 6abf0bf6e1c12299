package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteQueryTimeout = 5 * time.Second

const sqliteSchema = `
CREATE TABLE User (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password TEXT,
	admin INTEGER NOT NULL DEFAULT 0,
	bind_host TEXT
);

CREATE TABLE Network (
	id INTEGER PRIMARY KEY,
	user INTEGER NOT NULL,
	name TEXT,
	host TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 6697,
	tls INTEGER NOT NULL DEFAULT 1,
	bind_host TEXT,
	nick TEXT,
	username TEXT,
	realname TEXT,
	pass TEXT,
	sasl_account TEXT,
	sasl_password TEXT,
	FOREIGN KEY(user) REFERENCES User(id),
	UNIQUE(user, host, nick),
	UNIQUE(user, name)
);

CREATE TABLE Connection (
	conid TEXT PRIMARY KEY,
	kind INTEGER NOT NULL,
	net_registered INTEGER NOT NULL DEFAULT 0,
	connected INTEGER NOT NULL DEFAULT 0,
	server_prefix TEXT,
	nick TEXT,
	username TEXT,
	realname TEXT,
	account TEXT,
	password TEXT,
	host TEXT,
	port INTEGER,
	tls INTEGER NOT NULL DEFAULT 0,
	tls_verify INTEGER NOT NULL DEFAULT 0,
	bind_host TEXT,
	sasl_account TEXT,
	sasl_password TEXT,
	registration_lines TEXT,
	isupport TEXT,
	caps TEXT,
	buffers TEXT,
	received_motd INTEGER NOT NULL DEFAULT 0,
	auth_user_id INTEGER NOT NULL DEFAULT 0,
	auth_network_id INTEGER NOT NULL DEFAULT 0,
	auth_network_name TEXT,
	auth_admin INTEGER NOT NULL DEFAULT 0,
	linked_incoming_con_ids TEXT,
	logging INTEGER NOT NULL DEFAULT 1,
	temp_data TEXT,
	updated_at TEXT NOT NULL
);
`

var sqliteMigrations = []string{
	"", // migration #0 is reserved for schema initialization
}

type SqliteDB struct {
	db *sql.DB
}

func OpenSqliteDB(source string) (Database, error) {
	// Open the DB with cache=shared and SetMaxOpenConns(1) to allow usage
	// from multiple goroutines without hitting SQLITE_BUSY.
	sqlDB, err := sql.Open("sqlite3", source+"?cache=shared")
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	db := &SqliteDB{db: sqlDB}
	if err := db.upgrade(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func OpenTempSqliteDB() (Database, error) {
	return OpenSqliteDB(":memory:")
}

func (db *SqliteDB) Close() error {
	return db.db.Close()
}

func (db *SqliteDB) upgrade() error {
	var version int
	if err := db.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to query schema version: %v", err)
	}

	if version == len(sqliteMigrations) {
		return nil
	} else if version > len(sqliteMigrations) {
		return fmt.Errorf("kiwibnc (schema version %d) older than database (version %d)", len(sqliteMigrations), version)
	}

	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if version == 0 {
		if _, err := tx.Exec(sqliteSchema); err != nil {
			return fmt.Errorf("failed to initialize schema: %v", err)
		}
	} else {
		for i := version; i < len(sqliteMigrations); i++ {
			if _, err := tx.Exec(sqliteMigrations[i]); err != nil {
				return fmt.Errorf("failed to execute migration #%v: %v", i, err)
			}
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(sqliteMigrations))); err != nil {
		return fmt.Errorf("failed to bump schema version: %v", err)
	}

	return tx.Commit()
}

func (db *SqliteDB) ListUsers(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, "SELECT id, username, password, admin, bind_host FROM User")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var password, bindHost sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &password, &u.Admin, &bindHost); err != nil {
			return nil, err
		}
		u.Password = password.String
		u.BindHost = bindHost.String
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *SqliteDB) GetUser(ctx context.Context, username string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	u := &User{Username: username}
	var password, bindHost sql.NullString
	row := db.db.QueryRowContext(ctx, "SELECT id, password, admin, bind_host FROM User WHERE username = ?", username)
	if err := row.Scan(&u.ID, &password, &u.Admin, &bindHost); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Password = password.String
	u.BindHost = bindHost.String
	return u, nil
}

func (db *SqliteDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	u := &User{ID: id}
	var password, bindHost sql.NullString
	row := db.db.QueryRowContext(ctx, "SELECT username, password, admin, bind_host FROM User WHERE id = ?", id)
	if err := row.Scan(&u.Username, &password, &u.Admin, &bindHost); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Password = password.String
	u.BindHost = bindHost.String
	return u, nil
}

func (db *SqliteDB) StoreUser(ctx context.Context, user *User) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	password := toNullString(user.Password)
	bindHost := toNullString(user.BindHost)

	if user.ID != 0 {
		_, err := db.db.ExecContext(ctx,
			"UPDATE User SET password = ?, admin = ?, bind_host = ? WHERE id = ?",
			password, user.Admin, bindHost, user.ID)
		return err
	}

	res, err := db.db.ExecContext(ctx,
		"INSERT INTO User(username, password, admin, bind_host) VALUES (?, ?, ?, ?)",
		user.Username, password, user.Admin, bindHost)
	if err != nil {
		return err
	}
	user.ID, err = res.LastInsertId()
	return err
}

func (db *SqliteDB) DeleteUser(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()
	_, err := db.db.ExecContext(ctx, "DELETE FROM User WHERE id = ?", id)
	return err
}

func (db *SqliteDB) ListNetworks(ctx context.Context, userID int64) ([]Network, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, `SELECT id, name, host, port, tls, bind_host, nick,
			username, realname, pass, sasl_account, sasl_password
		FROM Network WHERE user = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var networks []Network
	for rows.Next() {
		n := Network{UserID: userID}
		var name, bindHost, nick, username, realname, pass, saslAccount, saslPassword sql.NullString
		err := rows.Scan(&n.ID, &name, &n.Host, &n.Port, &n.TLS, &bindHost, &nick,
			&username, &realname, &pass, &saslAccount, &saslPassword)
		if err != nil {
			return nil, err
		}
		n.Name = name.String
		n.BindHost = bindHost.String
		n.Nick = nick.String
		n.Username = username.String
		n.Realname = realname.String
		n.Pass = pass.String
		n.SASL.Account = saslAccount.String
		n.SASL.Password = saslPassword.String
		networks = append(networks, n)
	}
	return networks, rows.Err()
}

func (db *SqliteDB) GetNetwork(ctx context.Context, id int64) (*Network, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	n := &Network{ID: id}
	var name, bindHost, nick, username, realname, pass, saslAccount, saslPassword sql.NullString
	row := db.db.QueryRowContext(ctx, `SELECT user, name, host, port, tls, bind_host, nick,
			username, realname, pass, sasl_account, sasl_password
		FROM Network WHERE id = ?`, id)
	err := row.Scan(&n.UserID, &name, &n.Host, &n.Port, &n.TLS, &bindHost, &nick,
		&username, &realname, &pass, &saslAccount, &saslPassword)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	n.Name = name.String
	n.BindHost = bindHost.String
	n.Nick = nick.String
	n.Username = username.String
	n.Realname = realname.String
	n.Pass = pass.String
	n.SASL.Account = saslAccount.String
	n.SASL.Password = saslPassword.String
	return n, nil
}

func (db *SqliteDB) GetNetworkByName(ctx context.Context, userID int64, name string) (*Network, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	var id int64
	row := db.db.QueryRowContext(ctx,
		"SELECT id FROM Network WHERE user = ? AND (name = ? OR (name IS NULL AND host = ?))",
		userID, name, name)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return db.GetNetwork(ctx, id)
}

func (db *SqliteDB) StoreNetwork(ctx context.Context, userID int64, n *Network) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	name := toNullString(n.Name)
	bindHost := toNullString(n.BindHost)
	nick := toNullString(n.Nick)
	username := toNullString(n.Username)
	realname := toNullString(n.Realname)
	pass := toNullString(n.Pass)
	saslAccount := toNullString(n.SASL.Account)
	saslPassword := toNullString(n.SASL.Password)

	if n.ID != 0 {
		_, err := db.db.ExecContext(ctx, `UPDATE Network SET name = ?, host = ?, port = ?,
				tls = ?, bind_host = ?, nick = ?, username = ?, realname = ?, pass = ?,
				sasl_account = ?, sasl_password = ?
			WHERE id = ?`,
			name, n.Host, n.Port, n.TLS, bindHost, nick, username, realname, pass,
			saslAccount, saslPassword, n.ID)
		return err
	}

	res, err := db.db.ExecContext(ctx, `INSERT INTO Network(user, name, host, port, tls,
			bind_host, nick, username, realname, pass, sasl_account, sasl_password)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, name, n.Host, n.Port, n.TLS, bindHost, nick, username, realname, pass,
		saslAccount, saslPassword)
	if err != nil {
		return err
	}
	n.ID, err = res.LastInsertId()
	n.UserID = userID
	return err
}

func (db *SqliteDB) DeleteNetwork(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()
	_, err := db.db.ExecContext(ctx, "DELETE FROM Network WHERE id = ?", id)
	return err
}

func (db *SqliteDB) GetConnection(ctx context.Context, conID string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	c := &Connection{ConID: conID}
	var serverPrefix, nick, username, realname, account, password, host, bindHost sql.NullString
	var saslAccount, saslPassword, regLines, isupport, caps, buffers sql.NullString
	var authNetworkName, linkedConIDs, tempData sql.NullString
	var port sql.NullInt64
	var updatedAt string

	row := db.db.QueryRowContext(ctx, `SELECT kind, net_registered, connected, server_prefix,
			nick, username, realname, account, password, host, port, tls, tls_verify,
			bind_host, sasl_account, sasl_password, registration_lines, isupport, caps,
			buffers, received_motd, auth_user_id, auth_network_id, auth_network_name,
			auth_admin, linked_incoming_con_ids, logging, temp_data, updated_at
		FROM Connection WHERE conid = ?`, conID)
	err := row.Scan(&c.Kind, &c.NetRegistered, &c.Connected, &serverPrefix, &nick, &username,
		&realname, &account, &password, &host, &port, &c.TLS, &c.TLSVerify, &bindHost,
		&saslAccount, &saslPassword, &regLines, &isupport, &caps, &buffers, &c.ReceivedMotd,
		&c.AuthUserID, &c.AuthNetworkID, &authNetworkName, &c.AuthAdmin, &linkedConIDs,
		&c.Logging, &tempData, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	c.ServerPrefix = serverPrefix.String
	c.Nick = nick.String
	c.Username = username.String
	c.Realname = realname.String
	c.Account = account.String
	c.Password = password.String
	c.Host = host.String
	c.Port = int(port.Int64)
	c.BindHost = bindHost.String
	c.SASLAccount = saslAccount.String
	c.SASLPassword = saslPassword.String
	c.RegistrationLines = regLines.String
	c.ISupport = isupport.String
	c.Caps = caps.String
	c.Buffers = buffers.String
	c.AuthNetworkName = authNetworkName.String
	c.LinkedIncomingConIDs = linkedConIDs.String
	c.TempData = tempData.String
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}

func (db *SqliteDB) StoreConnection(ctx context.Context, c *Connection) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	// INSERT OR REPLACE gives us the insert-or-replace semantics the spec
	// requires: re-saving an existing conid never fails with a uniqueness
	// conflict, it just clobbers the previous row.
	_, err := db.db.ExecContext(ctx, `INSERT OR REPLACE INTO Connection(
			conid, kind, net_registered, connected, server_prefix, nick, username,
			realname, account, password, host, port, tls, tls_verify, bind_host,
			sasl_account, sasl_password, registration_lines, isupport, caps, buffers,
			received_motd, auth_user_id, auth_network_id, auth_network_name, auth_admin,
			linked_incoming_con_ids, logging, temp_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConID, c.Kind, c.NetRegistered, c.Connected, toNullString(c.ServerPrefix),
		toNullString(c.Nick), toNullString(c.Username), toNullString(c.Realname),
		toNullString(c.Account), toNullString(c.Password), toNullString(c.Host), c.Port,
		c.TLS, c.TLSVerify, toNullString(c.BindHost), toNullString(c.SASLAccount),
		toNullString(c.SASLPassword), toNullString(c.RegistrationLines),
		toNullString(c.ISupport), toNullString(c.Caps), toNullString(c.Buffers),
		c.ReceivedMotd, c.AuthUserID, c.AuthNetworkID, toNullString(c.AuthNetworkName),
		c.AuthAdmin, toNullString(c.LinkedIncomingConIDs), c.Logging,
		toNullString(c.TempData), formatSqliteTime(time.Now()))
	return err
}

func (db *SqliteDB) DeleteConnection(ctx context.Context, conID string) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()
	_, err := db.db.ExecContext(ctx, "DELETE FROM Connection WHERE conid = ?", conID)
	return err
}

func formatSqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
