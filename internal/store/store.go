package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by strict-create operations when the key is
// taken. Idempotent writers report a bool instead.
var ErrAlreadyExists = errors.New("store: already exists")

// Store is the Postgres-backed mirror of the protocol's derived state.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the migrator.
func (s *Store) DB() *sql.DB {
	return s.db
}

// addrKey normalizes an address for storage. All address columns hold
// lowercase hex so lookups never depend on checksum casing.
func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
