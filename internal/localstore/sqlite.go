package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/profilesync/internal/payload"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	position INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS profile_data (
	id   TEXT PRIMARY KEY,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

const activeProfileKey = "active_profile_id"

// SQLiteStore keeps profiles in a single SQLite database file.
type SQLiteStore struct {
	path string
	db   *sql.DB

	versionMu   sync.Mutex
	dataVersion int64
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// data_version and busy_timeout are per connection; keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	s := &SQLiteStore{path: filepath.Clean(path), db: db}
	if v, err := s.queryDataVersion(context.Background()); err == nil {
		s.dataVersion = v
	}
	return s, nil
}

func (s *SQLiteStore) Profiles(ctx context.Context) ([]payload.Profile, error) {
	return sqliteProfiles(ctx, s.db)
}

func (s *SQLiteStore) ActiveProfileID(ctx context.Context) (string, error) {
	return sqliteActive(ctx, s.db)
}

func (s *SQLiteStore) ProfileData(ctx context.Context, id string) (*payload.ProfileData, error) {
	return sqliteProfileData(ctx, s.db, id)
}

func (s *SQLiteStore) SetProfileData(ctx context.Context, id string, data payload.ProfileData) error {
	return sqliteSetProfileData(ctx, s.db, id, data)
}

func (s *SQLiteStore) DeleteProfileData(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profile_data WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) SetProfiles(ctx context.Context, profiles []payload.Profile) error {
	return s.Update(ctx, func(tx payload.LocalStore) error {
		return tx.SetProfiles(ctx, profiles)
	})
}

func (s *SQLiteStore) SetActiveProfileID(ctx context.Context, id string) error {
	return sqliteSetActive(ctx, s.db, id)
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(payload.LocalStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WatchPaths() []string {
	return []string{filepath.Dir(s.path)}
}

// ExternalChange consults PRAGMA data_version, which only moves when another
// connection commits.
func (s *SQLiteStore) ExternalChange(path string) bool {
	if !strings.HasPrefix(filepath.Clean(path), s.path) {
		return false
	}
	current, err := s.queryDataVersion(context.Background())
	if err != nil {
		return false
	}
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	if current == s.dataVersion {
		return false
	}
	s.dataVersion = current
	return true
}

func (s *SQLiteStore) queryDataVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
	return v, err
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Profiles(ctx context.Context) ([]payload.Profile, error) {
	return sqliteProfiles(ctx, t.tx)
}

func (t *sqliteTx) ActiveProfileID(ctx context.Context) (string, error) {
	return sqliteActive(ctx, t.tx)
}

func (t *sqliteTx) ProfileData(ctx context.Context, id string) (*payload.ProfileData, error) {
	return sqliteProfileData(ctx, t.tx, id)
}

func (t *sqliteTx) SetProfileData(ctx context.Context, id string, data payload.ProfileData) error {
	return sqliteSetProfileData(ctx, t.tx, id, data)
}

func (t *sqliteTx) DeleteProfileData(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM profile_data WHERE id = ?`, id)
	return err
}

func (t *sqliteTx) SetProfiles(ctx context.Context, profiles []payload.Profile) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM profiles`); err != nil {
		return err
	}
	for i, profile := range profiles {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO profiles (id, name, position) VALUES (?, ?, ?)`,
			profile.ID, profile.Name, i,
		); err != nil {
			return fmt.Errorf("insert profile %s: %w", profile.ID, err)
		}
	}
	return nil
}

func (t *sqliteTx) SetActiveProfileID(ctx context.Context, id string) error {
	return sqliteSetActive(ctx, t.tx, id)
}

func sqliteProfiles(ctx context.Context, q sqlExecer) ([]payload.Profile, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name FROM profiles ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payload.Profile
	for rows.Next() {
		var profile payload.Profile
		if err := rows.Scan(&profile.ID, &profile.Name); err != nil {
			return nil, err
		}
		out = append(out, profile)
	}
	return out, rows.Err()
}

func sqliteActive(ctx context.Context, q sqlExecer) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, activeProfileKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func sqliteSetActive(ctx context.Context, q sqlExecer, id string) error {
	if id == "" {
		_, err := q.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, activeProfileKey)
		return err
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		activeProfileKey, id,
	)
	return err
}

func sqliteProfileData(ctx context.Context, q sqlExecer, id string) (*payload.ProfileData, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT data FROM profile_data WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data payload.ProfileData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode profile data %s: %w", id, err)
	}
	return &data, nil
}

func sqliteSetProfileData(ctx context.Context, q sqlExecer, id string, data payload.ProfileData) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidInput)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO profile_data (id, data) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		id, string(raw),
	)
	return err
}
