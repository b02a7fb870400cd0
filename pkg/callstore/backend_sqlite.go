package callstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteBackend shares records between processes on the same host, which is
// how separate widget instances ("tabs") see the cookie-scoped record.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

var _ Backend = &SQLiteBackend{}

func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	if dsn == "" {
		return nil, errors.New("sqlite call store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteBackend{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout so several
// widget processes can share one file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite call store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite call store: db is nil")
	}
	var (
		value     string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at_ms FROM call_records WHERE key = ?
	`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite call store: get")
	}
	if expiresAt > 0 && s.now().UnixMilli() >= expiresAt {
		if err := s.Delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (s *SQLiteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite call store: db is nil")
	}
	expiresAt := int64(0)
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (key, value, expires_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at_ms = excluded.expires_at_ms,
			updated_at_ms = excluded.updated_at_ms
	`, key, string(value), expiresAt, s.now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite call store: set")
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite call store: db is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM call_records WHERE key = ?`, key); err != nil {
		return errors.Wrap(err, "sqlite call store: delete")
	}
	return nil
}

func (s *SQLiteBackend) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS call_records (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL
	);`)
	if err != nil {
		return errors.Wrap(err, "sqlite call store: migrate")
	}
	return nil
}
