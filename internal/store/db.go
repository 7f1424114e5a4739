// Package store is the local persistent layer: sqlite repositories for
// messages, quarantined messages, tombstones, fanout tasks and metadata
// (sync cursor), created through goose-managed migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/halcyon-im/halcyon/internal/store/migrations"
)

// Store bundles the repositories over one database handle.
type Store struct {
	DB         *sql.DB
	Messages   MessageRepository
	Quarantine QuarantineRepository
	Tombstones TombstoneRepository
	Fanout     FanoutRepository
	Metadata   MetadataRepository
}

// RunMigrations applies pending schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens the sqlite database at dsn, migrates it and returns
// ready repositories. The sqlite driver must be registered by the caller
// (import _ "modernc.org/sqlite").
func InitDatabase(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		DB:         db,
		Messages:   NewSQLiteMessageRepository(db),
		Quarantine: NewSQLiteQuarantineRepository(db),
		Tombstones: NewSQLiteTombstoneRepository(db),
		Fanout:     NewSQLiteFanoutRepository(db),
		Metadata:   NewSQLiteMetadataRepository(db),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}
