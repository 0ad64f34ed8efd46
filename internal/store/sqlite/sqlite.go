// Package sqlite provides a SQLite-backed store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	store.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.arc-groups/groups.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS groups (
    id            TEXT PRIMARY KEY,
    kind          INTEGER NOT NULL,
    revision      INTEGER NOT NULL,
    active        INTEGER NOT NULL,
    migrated_from TEXT NOT NULL DEFAULT '',
    data          BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
    day      INTEGER PRIMARY KEY,
    material BLOB NOT NULL,
    tag      BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_groups_migrated_from ON groups(migrated_from) WHERE migrated_from != '';
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (store.Store, error) {
	path := store.GetString(config, KeyPath, "")
	if path == "" {
		return nil, store.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = store.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, store.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := store.GetString(config, KeyJournalMode, "wal")
	busyTimeout, err := store.GetInt("sqlite", config, KeyBusyTimeout, 5000)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)", path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, store.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, store.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite store initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of store.Store.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

func (b *Backend) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return b.run(ctx, true, fn)
}

func (b *Backend) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return b.run(ctx, false, fn)
}

func (b *Backend) run(ctx context.Context, readOnly bool, fn func(ctx context.Context, tx store.Tx) error) error {
	if b.closed.Load() {
		return store.ErrClosed
	}

	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	if err := fn(ctx, &tx{tx: sqlTx, readOnly: readOnly}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

type tx struct {
	tx       *sql.Tx
	readOnly bool
}

func (t *tx) LoadGroup(ctx context.Context, id group.ID) (*group.Record, error) {
	var data []byte
	err := t.tx.QueryRowContext(ctx, `SELECT data FROM groups WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite load group: %w", err)
	}
	return group.UnmarshalRecord(data)
}

func (t *tx) SaveGroup(ctx context.Context, r *group.Record) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	data, err := group.MarshalRecord(r)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO groups (id, kind, revision, active, migrated_from, data) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), int(r.ID.Kind()), r.Revision, r.Active, r.MigratedFrom.String(), data,
	); err != nil {
		return fmt.Errorf("sqlite save group: %w", err)
	}
	return nil
}

func (t *tx) DeleteGroup(ctx context.Context, id group.ID) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("sqlite delete group: %w", err)
	}
	return nil
}

func (t *tx) ListGroups(ctx context.Context) ([]*group.Record, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT data FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list groups: %w", err)
	}
	defer rows.Close()

	var out []*group.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite list groups: scan: %w", err)
		}
		r, err := group.UnmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *tx) LoadCredentials(ctx context.Context) ([]transport.Credential, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT day, material, tag FROM credentials ORDER BY day`)
	if err != nil {
		return nil, fmt.Errorf("sqlite load credentials: %w", err)
	}
	defer rows.Close()

	var out []transport.Credential
	for rows.Next() {
		var c transport.Credential
		if err := rows.Scan(&c.Day, &c.Material, &c.Tag); err != nil {
			return nil, fmt.Errorf("sqlite load credentials: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *tx) SaveCredentials(ctx context.Context, creds []transport.Credential) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("sqlite save credentials: %w", err)
	}

	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO credentials (day, material, tag) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite save credentials: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range creds {
		if _, err := stmt.ExecContext(ctx, c.Day, c.Material, c.Tag); err != nil {
			return fmt.Errorf("sqlite save credentials: insert: %w", err)
		}
	}
	return nil
}

func (t *tx) ClearCredentials(ctx context.Context) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("sqlite clear credentials: %w", err)
	}
	return nil
}
