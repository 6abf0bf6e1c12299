package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresQueryTimeout = 5 * time.Second

const postgresConfigSchema = `
CREATE TABLE IF NOT EXISTS "Config" (
	id SMALLINT PRIMARY KEY,
	version INTEGER NOT NULL,
	CHECK(id = 1)
);
`

const postgresSchema = `
CREATE TABLE "User" (
	id SERIAL PRIMARY KEY,
	username VARCHAR(255) NOT NULL UNIQUE,
	password VARCHAR(255),
	admin BOOLEAN NOT NULL DEFAULT FALSE,
	bind_host VARCHAR(255)
);

CREATE TABLE "Network" (
	id SERIAL PRIMARY KEY,
	"user" INTEGER NOT NULL REFERENCES "User"(id) ON DELETE CASCADE,
	name VARCHAR(255),
	host VARCHAR(255) NOT NULL,
	port INTEGER NOT NULL DEFAULT 6697,
	tls BOOLEAN NOT NULL DEFAULT TRUE,
	bind_host VARCHAR(255),
	nick VARCHAR(255),
	username VARCHAR(255),
	realname VARCHAR(255),
	pass VARCHAR(255),
	sasl_account VARCHAR(255),
	sasl_password VARCHAR(255),
	UNIQUE("user", host, nick),
	UNIQUE("user", name)
);

CREATE TABLE "Connection" (
	conid VARCHAR(255) PRIMARY KEY,
	kind INTEGER NOT NULL,
	net_registered BOOLEAN NOT NULL DEFAULT FALSE,
	connected BOOLEAN NOT NULL DEFAULT FALSE,
	server_prefix VARCHAR(255),
	nick VARCHAR(255),
	username VARCHAR(255),
	realname VARCHAR(255),
	account VARCHAR(255),
	password VARCHAR(255),
	host VARCHAR(255),
	port INTEGER,
	tls BOOLEAN NOT NULL DEFAULT FALSE,
	tls_verify BOOLEAN NOT NULL DEFAULT FALSE,
	bind_host VARCHAR(255),
	sasl_account VARCHAR(255),
	sasl_password VARCHAR(255),
	registration_lines TEXT,
	isupport TEXT,
	caps TEXT,
	buffers TEXT,
	received_motd BOOLEAN NOT NULL DEFAULT FALSE,
	auth_user_id INTEGER NOT NULL DEFAULT 0,
	auth_network_id INTEGER NOT NULL DEFAULT 0,
	auth_network_name VARCHAR(255),
	auth_admin BOOLEAN NOT NULL DEFAULT FALSE,
	linked_incoming_con_ids TEXT,
	logging BOOLEAN NOT NULL DEFAULT TRUE,
	temp_data TEXT,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);
`

var postgresMigrations = []string{
	"", // migration #0 is reserved for schema initialization
}

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgresDB(source string) (Database, error) {
	sqlDB, err := sql.Open("postgres", source)
	if err != nil {
		return nil, err
	}

	db := &PostgresDB{db: sqlDB}
	if err := db.upgrade(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *PostgresDB) Close() error {
	return db.db.Close()
}

func (db *PostgresDB) upgrade() error {
	if _, err := db.db.Exec(postgresConfigSchema); err != nil {
		return fmt.Errorf("failed to create Config table: %v", err)
	}

	var version int
	err := db.db.QueryRow(`INSERT INTO "Config" (id, version) VALUES (1, 0)
		ON CONFLICT (id) DO UPDATE SET id = "Config".id
		RETURNING version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to query schema version: %v", err)
	}

	if version == len(postgresMigrations) {
		return nil
	} else if version > len(postgresMigrations) {
		return fmt.Errorf("kiwibnc (schema version %d) older than database (version %d)", len(postgresMigrations), version)
	}

	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if version == 0 {
		if _, err := tx.Exec(postgresSchema); err != nil {
			return fmt.Errorf("failed to initialize schema: %v", err)
		}
	} else {
		for i := version; i < len(postgresMigrations); i++ {
			if _, err := tx.Exec(postgresMigrations[i]); err != nil {
				return fmt.Errorf("failed to execute migration #%v: %v", i, err)
			}
		}
	}

	if _, err := tx.Exec(`UPDATE "Config" SET version = $1 WHERE id = 1`, len(postgresMigrations)); err != nil {
		return fmt.Errorf("failed to bump schema version: %v", err)
	}

	return tx.Commit()
}

func (db *PostgresDB) ListUsers(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, `SELECT id, username, password, admin, bind_host FROM "User"`)
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

func (db *PostgresDB) GetUser(ctx context.Context, username string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	u := &User{Username: username}
	var password, bindHost sql.NullString
	row := db.db.QueryRowContext(ctx, `SELECT id, password, admin, bind_host FROM "User" WHERE username = $1`, username)
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

func (db *PostgresDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	u := &User{ID: id}
	var password, bindHost sql.NullString
	row := db.db.QueryRowContext(ctx, `SELECT username, password, admin, bind_host FROM "User" WHERE id = $1`, id)
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

func (db *PostgresDB) StoreUser(ctx context.Context, user *User) error {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	password := toNullString(user.Password)
	bindHost := toNullString(user.BindHost)

	if user.ID != 0 {
		_, err := db.db.ExecContext(ctx,
			`UPDATE "User" SET password = $1, admin = $2, bind_host = $3 WHERE id = $4`,
			password, user.Admin, bindHost, user.ID)
		return err
	}

	row := db.db.QueryRowContext(ctx,
		`INSERT INTO "User" (username, password, admin, bind_host) VALUES ($1, $2, $3, $4) RETURNING id`,
		user.Username, password, user.Admin, bindHost)
	return row.Scan(&user.ID)
}

func (db *PostgresDB) DeleteUser(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()
	_, err := db.db.ExecContext(ctx, `DELETE FROM "User" WHERE id = $1`, id)
	return err
}

func (db *PostgresDB) ListNetworks(ctx context.Context, userID int64) ([]Network, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, `SELECT id, name, host, port, tls, bind_host, nick,
			username, realname, pass, sasl_account, sasl_password
		FROM "Network" WHERE "user" = $1`, userID)
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

func (db *PostgresDB) GetNetwork(ctx context.Context, id int64) (*Network, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	n := &Network{ID: id}
	var name, bindHost, nick, username, realname, pass, saslAccount, saslPassword sql.NullString
	row := db.db.QueryRowContext(ctx, `SELECT "user", name, host, port, tls, bind_host, nick,
			username, realname, pass, sasl_account, sasl_password
		FROM "Network" WHERE id = $1`, id)
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

func (db *PostgresDB) GetNetworkByName(ctx context.Context, userID int64, name string) (*Network, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	var id int64
	row := db.db.QueryRowContext(ctx,
		`SELECT id FROM "Network" WHERE "user" = $1 AND (name = $2 OR (name IS NULL AND host = $2))`,
		userID, name)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return db.GetNetwork(ctx, id)
}

func (db *PostgresDB) StoreNetwork(ctx context.Context, userID int64, n *Network) error {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
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
		_, err := db.db.ExecContext(ctx, `UPDATE "Network" SET name = $1, host = $2, port = $3,
				tls = $4, bind_host = $5, nick = $6, username = $7, realname = $8, pass = $9,
				sasl_account = $10, sasl_password = $11
			WHERE id = $12`,
			name, n.Host, n.Port, n.TLS, bindHost, nick, username, realname, pass,
			saslAccount, saslPassword, n.ID)
		return err
	}

	row := db.db.QueryRowContext(ctx, `INSERT INTO "Network" ("user", name, host, port, tls,
			bind_host, nick, username, realname, pass, sasl_account, sasl_password)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		userID, name, n.Host, n.Port, n.TLS, bindHost, nick, username, realname, pass,
		saslAccount, saslPassword)
	if err := row.Scan(&n.ID); err != nil {
		return err
	}
	n.UserID = userID
	return nil
}

func (db *PostgresDB) DeleteNetwork(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()
	_, err := db.db.ExecContext(ctx, `DELETE FROM "Network" WHERE id = $1`, id)
	return err
}

func (db *PostgresDB) GetConnection(ctx context.Context, conID string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	c := &Connection{ConID: conID}
	var serverPrefix, nick, username, realname, account, password, host, bindHost sql.NullString
	var saslAccount, saslPassword, regLines, isupport, caps, buffers sql.NullString
	var authNetworkName, linkedConIDs, tempData sql.NullString
	var port sql.NullInt64
	var updatedAt time.Time

	row := db.db.QueryRowContext(ctx, `SELECT kind, net_registered, connected, server_prefix,
			nick, username, realname, account, password, host, port, tls, tls_verify,
			bind_host, sasl_account, sasl_password, registration_lines, isupport, caps,
			buffers, received_motd, auth_user_id, auth_network_id, auth_network_name,
			auth_admin, linked_incoming_con_ids, logging, temp_data, updated_at
		FROM "Connection" WHERE conid = $1`, conID)
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
	c.UpdatedAt = updatedAt
	return c, nil
}

func (db *PostgresDB) StoreConnection(ctx context.Context, c *Connection) error {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	_, err := db.db.ExecContext(ctx, `INSERT INTO "Connection" (
			conid, kind, net_registered, connected, server_prefix, nick, username,
			realname, account, password, host, port, tls, tls_verify, bind_host,
			sasl_account, sasl_password, registration_lines, isupport, caps, buffers,
			received_motd, auth_user_id, auth_network_id, auth_network_name, auth_admin,
			linked_incoming_con_ids, logging, temp_data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
		ON CONFLICT (conid) DO UPDATE SET
			kind = EXCLUDED.kind, net_registered = EXCLUDED.net_registered,
			connected = EXCLUDED.connected, server_prefix = EXCLUDED.server_prefix,
			nick = EXCLUDED.nick, username = EXCLUDED.username, realname = EXCLUDED.realname,
			account = EXCLUDED.account, password = EXCLUDED.password, host = EXCLUDED.host,
			port = EXCLUDED.port, tls = EXCLUDED.tls, tls_verify = EXCLUDED.tls_verify,
			bind_host = EXCLUDED.bind_host, sasl_account = EXCLUDED.sasl_account,
			sasl_password = EXCLUDED.sasl_password, registration_lines = EXCLUDED.registration_lines,
			isupport = EXCLUDED.isupport, caps = EXCLUDED.caps, buffers = EXCLUDED.buffers,
			received_motd = EXCLUDED.received_motd, auth_user_id = EXCLUDED.auth_user_id,
			auth_network_id = EXCLUDED.auth_network_id, auth_network_name = EXCLUDED.auth_network_name,
			auth_admin = EXCLUDED.auth_admin, linked_incoming_con_ids = EXCLUDED.linked_incoming_con_ids,
			logging = EXCLUDED.logging, temp_data = EXCLUDED.temp_data, updated_at = EXCLUDED.updated_at`,
		c.ConID, c.Kind, c.NetRegistered, c.Connected, toNullString(c.ServerPrefix),
		toNullString(c.Nick), toNullString(c.Username), toNullString(c.Realname),
		toNullString(c.Account), toNullString(c.Password), toNullString(c.Host), c.Port,
		c.TLS, c.TLSVerify, toNullString(c.BindHost), toNullString(c.SASLAccount),
		toNullString(c.SASLPassword), toNullString(c.RegistrationLines),
		toNullString(c.ISupport), toNullString(c.Caps), toNullString(c.Buffers),
		c.ReceivedMotd, c.AuthUserID, c.AuthNetworkID, toNullString(c.AuthNetworkName),
		c.AuthAdmin, toNullString(c.LinkedIncomingConIDs), c.Logging,
		toNullString(c.TempData), time.Now().UTC())
	return err
}

func (db *PostgresDB) DeleteConnection(ctx context.Context, conID string) error {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()
	_, err := db.db.ExecContext(ctx, `DELETE FROM "Connection" WHERE conid = $1`, conID)
	return err
}
