package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore persists reservations in the service database. The reservation
// is a single INSERT with a conflict clause, so it is atomic across
// concurrent gateway requests and worker processes sharing the file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps an open database. The dedupe_keys table is created by
// storage bootstrap.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) SetIfAbsent(ctx context.Context, collection, key, value string, ttl time.Duration) (bool, error) {
	if collection == "" || key == "" {
		return false, fmt.Errorf("collection and key must be non-empty")
	}
	now := s.now().UTC()
	nowS := now.Format(time.RFC3339Nano)
	expiresS := now.Add(ttl).Format(time.RFC3339Nano)

	// Expired rows are overwritten in place; live rows win the conflict.
	res, err := s.db.ExecContext(ctx, `
INSERT INTO dedupe_keys(collection, key, value, reserved_at, expires_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(collection, key) DO UPDATE SET
  value = excluded.value,
  reserved_at = excluded.reserved_at,
  expires_at = excluded.expires_at
WHERE dedupe_keys.expires_at <= excluded.reserved_at;
`, collection, key, value, nowS, expiresS)
	if err != nil {
		return false, fmt.Errorf("reserve dedupe key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve dedupe key: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedupe_keys WHERE collection = ? AND key = ?;`, collection, key)
	if err != nil {
		return fmt.Errorf("release dedupe key: %w", err)
	}
	return nil
}

// PurgeExpired removes reservations past their TTL. Called opportunistically
// by the worker loop; correctness does not depend on it since SetIfAbsent
// treats expired rows as absent.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	nowS := s.now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedupe_keys WHERE expires_at <= ?;`, nowS)
	if err != nil {
		return 0, fmt.Errorf("purge dedupe keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of live reservations in a collection. Used by the
// watch monitor.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	nowS := s.now().UTC().Format(time.RFC3339Nano)
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM dedupe_keys WHERE collection = ? AND expires_at > ?;
`, collection, nowS).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dedupe keys: %w", err)
	}
	return n, nil
}
