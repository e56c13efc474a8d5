// Package db opens the persistent record store shared by the GUI, the sync
// schedulers and the transport workers, and exposes the three primitives the
// synchronization subsystem relies on: query, update and streaming query.
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	"go.uber.org/zap"
)

// Dialect selects the placeholder style of the underlying database.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// Store wraps a *sql.DB. Statements are written with '?' placeholders and
// rebound for the dialect. Busy errors are retried per statement and a lost
// connection triggers exactly one reconnect before the error surfaces.
type Store struct {
	mu      sync.RWMutex
	conn    *sql.DB
	dialect Dialect

	reconnect   func() (*sql.DB, error)
	log         *zap.Logger
	busyRetries int
	busyBackoff time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithReconnect sets the function used to reopen a lost connection.
func WithReconnect(fn func() (*sql.DB, error)) StoreOption {
	return func(s *Store) { s.reconnect = fn }
}

// WithLogger sets the logger for retry and reconnect events.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithBusyRetry sets how often and how long apart a busy statement is retried.
func WithBusyRetry(retries int, backoff time.Duration) StoreOption {
	return func(s *Store) {
		s.busyRetries = retries
		s.busyBackoff = backoff
	}
}

// NewStore wraps an open connection.
func NewStore(conn *sql.DB, dialect Dialect, opts ...StoreOption) *Store {
	s := &Store{
		conn:        conn,
		dialect:     dialect,
		log:         zap.NewNop(),
		busyRetries: 5,
		busyBackoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the current connection.
func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Close closes the current connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Query runs a statement returning rows. The caller closes the rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func(conn *sql.DB) error {
		var err error
		rows, err = conn.QueryContext(ctx, s.Rebind(query), args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Exec runs a statement and returns the number of affected rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func(conn *sql.DB) error {
		res, err := conn.ExecContext(ctx, s.Rebind(query), args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// QueryFunc runs a statement and calls fn once per row. An error from fn
// stops the iteration and is returned as is.
func (s *Store) QueryFunc(ctx context.Context, query string, fn func(*sql.Rows) error, args ...any) error {
	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Rebind converts '?' placeholders to the dialect's style.
func (s *Store) Rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Store) withRetry(ctx context.Context, op func(*sql.DB) error) error {
	reconnected := false
	for attempt := 0; ; attempt++ {
		conn := s.DB()
		if conn == nil {
			return errors.New("store is closed")
		}

		err := op(conn)
		if err == nil {
			return nil
		}

		switch {
		case IsBusy(err) && attempt < s.busyRetries:
			s.log.Debug("store busy, retrying statement", zap.Int("attempt", attempt+1), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.busyBackoff * time.Duration(attempt+1)):
			}
		case isConnectionLost(err) && !reconnected && s.reconnect != nil:
			reconnected = true
			s.log.Warn("store connection lost, reconnecting", zap.Error(err))
			if rerr := s.reopen(conn); rerr != nil {
				return fmt.Errorf("reconnect store: %w", errors.Join(err, rerr))
			}
		default:
			return err
		}
	}
}

func (s *Store) reopen(stale *sql.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != stale {
		return nil
	}
	fresh, err := s.reconnect()
	if err != nil {
		return err
	}
	_ = stale.Close()
	s.conn = fresh
	return nil
}

// IsBusy reports whether err is a transient lock error from the database.
func IsBusy(err error) bool {
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isConnectionLost(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(err.Error(), "database is closed")
}
