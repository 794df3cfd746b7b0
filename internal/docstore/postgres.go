package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDocumentTableName = "profile_sync_documents"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresDocumentTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Get(ctx context.Context, userID string) (Document, error) {
	if err := b.ensureReady(ctx); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT record, revision, updated_at FROM %s WHERE user_id = $1", postgresQuoteIdentifier(b.tableName))
	var (
		record    string
		revision  int64
		updatedAt time.Time
	)
	err := b.db.QueryRowContext(ctx, query, userID).Scan(&record, &revision, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return Document{
		UserID:    userID,
		Revision:  revision,
		UpdatedAt: updatedAt.UTC(),
		Record:    json.RawMessage(record),
	}, nil
}

func (b *PostgresBackend) Put(ctx context.Context, userID string, record json.RawMessage, updatedAt time.Time) (Document, error) {
	if err := b.ensureReady(ctx); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s AS d (user_id, record, revision, updated_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET record = EXCLUDED.record, revision = d.revision + 1, updated_at = EXCLUDED.updated_at
		RETURNING revision`, postgresQuoteIdentifier(b.tableName))
	var revision int64
	if err := b.db.QueryRowContext(ctx, query, userID, string(record), updatedAt).Scan(&revision); err != nil {
		return Document{}, err
	}
	return Document{
		UserID:    userID,
		Revision:  revision,
		UpdatedAt: updatedAt,
		Record:    append(json.RawMessage(nil), record...),
	}, nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		initCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id TEXT PRIMARY KEY,
				record TEXT NOT NULL,
				revision BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(initCtx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
