package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// schema is valid for both SQLite and PostgreSQL. Every syncable table
// carries exactly one sync_status column.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    email TEXT,
    password TEXT,
    full_name TEXT,
    phone TEXT,
    user_type TEXT,
    location TEXT,
    created_at BIGINT NOT NULL DEFAULT 0,
    sync_status TEXT DEFAULT 'PENDING'
);

CREATE TABLE IF NOT EXISTS messages (
    message_id TEXT PRIMARY KEY,
    sender_id TEXT,
    channel_id TEXT,
    content TEXT NOT NULL,
    timestamp BIGINT NOT NULL,
    sync_status TEXT DEFAULT 'PENDING'
);

CREATE TABLE IF NOT EXISTS emergency_requests (
    request_id TEXT PRIMARY KEY,
    requester_id TEXT,
    emergency_type TEXT,
    description TEXT,
    location TEXT,
    latitude REAL,
    longitude REAL,
    severity TEXT,
    people_count INTEGER,
    status TEXT,
    created_at BIGINT NOT NULL DEFAULT 0,
    sync_status TEXT DEFAULT 'PENDING'
);

CREATE TABLE IF NOT EXISTS resources (
    resource_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT,
    quantity INTEGER,
    unit TEXT,
    location TEXT,
    provider_id TEXT,
    status TEXT,
    created_at BIGINT NOT NULL DEFAULT 0,
    sync_status TEXT DEFAULT 'PENDING'
);

CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_sync ON messages(sync_status);
CREATE INDEX IF NOT EXISTS idx_emergency_sync ON emergency_requests(sync_status);
CREATE INDEX IF NOT EXISTS idx_users_sync ON users(sync_status);
CREATE INDEX IF NOT EXISTS idx_resources_sync ON resources(sync_status);
`

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    body TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (collection, id)
);
`

// InitPostgres opens the cloud document database and creates its schema.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(documentsSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

// Open connects to the local record store and creates the syncable tables.
// driver is DriverSQLite (dsn is a file path) or DriverPostgres (dsn is a
// connection string). The returned Store reconnects once on a lost connection.
func Open(driver, dsn string, opts ...StoreOption) (*Store, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	connect := func() (*sql.DB, error) { return connectLocal(driver, dsn) }
	conn, err := connect()
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	opts = append([]StoreOption{WithReconnect(connect)}, opts...)
	return NewStore(conn, dialect, opts...), nil
}

func dialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite:
		return SQLite, nil
	case DriverPostgres:
		return Postgres, nil
	}
	return 0, fmt.Errorf("unsupported store driver %q", driver)
}

func connectLocal(driver, dsn string) (*sql.DB, error) {
	if driver == DriverSQLite {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		dsn = sqliteDSN(dsn)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return conn, nil
}

// sqliteDSN applies per-connection pragmas so every pooled connection waits
// on a locked database instead of failing immediately.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(wal)")
	return "file:" + path + "?" + q.Encode()
}
