package store

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	// sqlite driver and its embedded wasm build
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/chronodesk/chronosync/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	settingUserID = "user_id"
	settingSince  = "since"
)

// SQLite is the SQLite implementation of Store.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLite{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path
func (s *SQLite) Path() string {
	return s.path
}

// Close implements Store
func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrate brings the schema up to the latest embedded migration.
func (s *SQLite) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	drv, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrateLogger{}

	// m.Close would close s.db through the driver
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	slog.Debug("Store schema ready", "version", version)
	return nil
}

// migrateLogger routes migrate's progress output to slog
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrateLogger) Verbose() bool {
	return false
}

// row is an entity as stored
type row struct {
	localID   int64
	kind      model.ModelType
	guid      string
	id        uint64
	dirtyAt   int64
	syncedAt  int64
	deletedAt int64
	payload   []byte
}

const selectColumns = "local_id, kind, guid, id, dirty_at, synced_at, deleted_at, payload"

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*row, error) {
	var r row
	var id int64
	var kind, payload string
	if err := sc.Scan(&r.localID, &kind, &r.guid, &id, &r.dirtyAt, &r.syncedAt, &r.deletedAt, &payload); err != nil {
		return nil, err
	}
	r.kind = model.ModelType(kind)
	r.id = uint64(id) //nolint:gosec // ids are stored from uint64
	r.payload = []byte(payload)
	return &r, nil
}

func (r *row) entity() (model.Entity, error) {
	e, err := model.New(r.kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.payload, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", r.kind, r.guid, err)
	}
	meta := e.Meta()
	meta.GUID = r.guid
	meta.ID = r.id
	meta.DirtyAt = fromNanos(r.dirtyAt)
	meta.SyncedAt = fromNanos(r.syncedAt)
	meta.DeletedAt = fromNanos(r.deletedAt)
	return e, nil
}

func newRow(e model.Entity) (*row, error) {
	meta := e.Meta()
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", e.Kind(), meta.GUID, err)
	}
	return &row{
		kind:      e.Kind(),
		guid:      meta.GUID,
		id:        meta.ID,
		dirtyAt:   toNanos(meta.DirtyAt),
		syncedAt:  toNanos(meta.SyncedAt),
		deletedAt: toNanos(meta.DeletedAt),
		payload:   payload,
	}, nil
}

func (r *row) sameAs(other *row) bool {
	return r.guid == other.guid &&
		r.id == other.id &&
		r.dirtyAt == other.dirtyAt &&
		r.syncedAt == other.syncedAt &&
		r.deletedAt == other.deletedAt &&
		bytes.Equal(r.payload, other.payload)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lookup finds the stored row by GUID, then by server ID.
func lookup(ctx context.Context, q querier, kind model.ModelType, guid string, id uint64) (*row, error) {
	if guid != "" {
		r, err := scanRow(q.QueryRowContext(ctx,
			"SELECT "+selectColumns+" FROM entities WHERE kind = ? AND guid = ?", string(kind), guid))
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up %s %s: %w", kind, guid, err)
		}
	}
	if id > 0 {
		r, err := scanRow(q.QueryRowContext(ctx,
			"SELECT "+selectColumns+" FROM entities WHERE kind = ? AND id = ?", string(kind), int64(id))) //nolint:gosec
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up %s #%d: %w", kind, id, err)
		}
	}
	return nil, ErrNotFound
}

// Find implements Store
func (s *SQLite) Find(ctx context.Context, kind model.ModelType, guid string, id uint64) (model.Entity, error) {
	r, err := lookup(ctx, s.db, kind, guid, id)
	if err != nil {
		return nil, err
	}
	return r.entity()
}

// List implements Store
func (s *SQLite) List(ctx context.Context, kind model.ModelType) ([]model.Entity, error) {
	return s.query(ctx, "SELECT "+selectColumns+" FROM entities WHERE kind = ? ORDER BY local_id", string(kind))
}

// Dirty implements Store
func (s *SQLite) Dirty(ctx context.Context) ([]model.Entity, error) {
	entities, err := s.query(ctx, "SELECT "+selectColumns+" FROM entities WHERE dirty_at > synced_at ORDER BY local_id")
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(entities, func(a, b model.Entity) int {
		return slices.Index(model.AllTypes, a.Kind()) - slices.Index(model.AllTypes, b.Kind())
	})
	return entities, nil
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []model.Entity
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e, err := r.entity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return out, nil
}

// Save implements Store
func (s *SQLite) Save(ctx context.Context, entities ...model.Entity) ([]model.ModelChange, error) {
	var changes []model.ModelChange
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entities {
			change, err := saveOne(ctx, tx, e)
			if err != nil {
				return err
			}
			if change != nil {
				changes = append(changes, *change)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func saveOne(ctx context.Context, tx *sql.Tx, e model.Entity) (*model.ModelChange, error) {
	meta := e.Meta()
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("cannot save %s: %w", e.Kind(), err)
	}

	next, err := newRow(e)
	if err != nil {
		return nil, err
	}

	existing, err := lookup(ctx, tx, e.Kind(), meta.GUID, meta.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		_, err := tx.ExecContext(ctx,
			"INSERT INTO entities (kind, guid, id, dirty_at, synced_at, deleted_at, payload) VALUES (?, ?, ?, ?, ?, ?, ?)",
			string(next.kind), next.guid, int64(next.id), next.dirtyAt, next.syncedAt, next.deletedAt, string(next.payload)) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", e.Kind(), err)
		}
		change := model.ChangeOf(e, model.ChangeInsert)
		return &change, nil
	case err != nil:
		return nil, err
	}

	if existing.sameAs(next) {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE entities SET guid = ?, id = ?, dirty_at = ?, synced_at = ?, deleted_at = ?, payload = ? WHERE local_id = ?",
		next.guid, int64(next.id), next.dirtyAt, next.syncedAt, next.deletedAt, string(next.payload), existing.localID) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", e.Kind(), err)
	}

	changeType := model.ChangeUpdate
	if existing.deletedAt == 0 && next.deletedAt != 0 {
		changeType = model.ChangeDelete
	}
	change := model.ChangeOf(e, changeType)
	return &change, nil
}

// Remove implements Store
func (s *SQLite) Remove(ctx context.Context, entities ...model.Entity) ([]model.ModelChange, error) {
	var changes []model.ModelChange
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entities {
			meta := e.Meta()
			existing, err := lookup(ctx, tx, e.Kind(), meta.GUID, meta.ID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE local_id = ?", existing.localID); err != nil {
				return fmt.Errorf("failed to delete %s: %w", e.Kind(), err)
			}
			if existing.deletedAt == 0 {
				changes = append(changes, model.ModelChange{
					ModelType:  existing.kind,
					ChangeType: model.ChangeDelete,
					ModelID:    existing.id,
					GUID:       existing.guid,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// Session implements Store
func (s *SQLite) Session(ctx context.Context) (model.Session, error) {
	var session model.Session

	userID, err := s.setting(ctx, settingUserID)
	if err != nil {
		return session, err
	}
	since, err := s.setting(ctx, settingSince)
	if err != nil {
		return session, err
	}

	session.UserID = uint64(userID) //nolint:gosec
	session.Since = fromNanos(since)
	return session, nil
}

func (s *SQLite) setting(ctx context.Context, key string) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid setting %s: %w", key, err)
	}
	return n, nil
}

// SaveSession implements Store
func (s *SQLite) SaveSession(ctx context.Context, session model.Session) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		values := map[string]int64{
			settingUserID: int64(session.UserID), //nolint:gosec
			settingSince:  toNanos(session.Since),
		}
		for key, value := range values {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
				key, strconv.FormatInt(value, 10))
			if err != nil {
				return fmt.Errorf("failed to save setting %s: %w", key, err)
			}
		}
		return nil
	})
}

// ClearSession implements Store
func (s *SQLite) ClearSession(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM settings"); err != nil {
			return fmt.Errorf("failed to clear settings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities"); err != nil {
			return fmt.Errorf("failed to clear entities: %w", err)
		}
		return nil
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
