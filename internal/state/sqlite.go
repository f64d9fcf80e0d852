package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hpungsan/gather/internal/errors"
)

// currentSchemaVersion is the latest ledger schema version. Bump this when
// adding migrations.
const currentSchemaVersion = 1

// SQLiteStore is the transactional ledger backend. Commit is a single
// transaction, so the atomicity contract falls out of SQLite itself.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create state directory: %w", err))
	}

	// Pragmas in the connection string apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to open ledger: %w", err))
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Restrict ledger file permissions (best-effort).
	_ = os.Chmod(path, 0600)

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errors.NewStateCorruption("failed to read schema version", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS processed_items (
		  source_type   TEXT NOT NULL,
		  source_name   TEXT NOT NULL,
		  item_id       TEXT NOT NULL,
		  processed_at  INTEGER NOT NULL,
		  metadata_json TEXT,
		  PRIMARY KEY (source_type, source_name, item_id)
		);

		CREATE INDEX IF NOT EXISTS idx_processed_items_source_time
		ON processed_items(source_type, source_name, processed_at);

		CREATE TABLE IF NOT EXISTS leases (
		  source_type TEXT NOT NULL,
		  source_name TEXT NOT NULL,
		  item_id     TEXT NOT NULL,
		  token       TEXT NOT NULL,
		  acquired_at INTEGER NOT NULL,
		  PRIMARY KEY (source_type, source_name, item_id)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return errors.NewStateCorruption("migration 1 failed", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", currentSchemaVersion)); err != nil {
			return errors.NewStateCorruption("failed to set schema version", err)
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

func (s *SQLiteStore) IsProcessed(ctx context.Context, key Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_items WHERE source_type = ? AND source_name = ? AND item_id = ?`,
		key.SourceType, key.SourceName, key.ItemID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return true, nil
}

func (s *SQLiteStore) Begin(ctx context.Context, key Key) (*Lease, error) {
	token, err := newLeaseToken()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO leases (source_type, source_name, item_id, token, acquired_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key.SourceType, key.SourceName, key.ItemID, token, now.Unix())
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &Lease{Key: key, Token: token, AcquiredAt: now}, nil
	}

	// Key is leased. Take it over only if the holder's lease has gone stale
	// (crashed run).
	stale := now.Add(-LeaseTTL).Unix()
	res, err = s.db.ExecContext(ctx,
		`UPDATE leases SET token = ?, acquired_at = ?
		 WHERE source_type = ? AND source_name = ? AND item_id = ? AND acquired_at < ?`,
		token, now.Unix(), key.SourceType, key.SourceName, key.ItemID, stale)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &Lease{Key: key, Token: token, AcquiredAt: now}, nil
	}

	return nil, errors.NewLeaseHeld(key.String())
}

func (s *SQLiteStore) Commit(ctx context.Context, lease *Lease, metadata json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	// The lease must still be ours; a stale takeover means someone else
	// committed this key.
	var holder string
	err = tx.QueryRowContext(ctx,
		`SELECT token FROM leases WHERE source_type = ? AND source_name = ? AND item_id = ?`,
		lease.Key.SourceType, lease.Key.SourceName, lease.Key.ItemID).Scan(&holder)
	if err == sql.ErrNoRows || (err == nil && holder != lease.Token) {
		return errors.NewLeaseHeld(lease.Key.String())
	}
	if err != nil {
		return errors.NewInternal(err)
	}

	var metaStr sql.NullString
	if len(metadata) > 0 {
		metaStr = sql.NullString{String: string(metadata), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO processed_items (source_type, source_name, item_id, processed_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?)`,
		lease.Key.SourceType, lease.Key.SourceName, lease.Key.ItemID, time.Now().Unix(), metaStr); err != nil {
		return errors.NewInternal(err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM leases WHERE source_type = ? AND source_name = ? AND item_id = ? AND token = ?`,
		lease.Key.SourceType, lease.Key.SourceName, lease.Key.ItemID, lease.Token); err != nil {
		return errors.NewInternal(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

func (s *SQLiteStore) Release(ctx context.Context, lease *Lease) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE source_type = ? AND source_name = ? AND item_id = ? AND token = ?`,
		lease.Key.SourceType, lease.Key.SourceName, lease.Key.ItemID, lease.Token)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Record, error) {
	var processedAt int64
	var metaStr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT processed_at, metadata_json FROM processed_items
		 WHERE source_type = ? AND source_name = ? AND item_id = ?`,
		key.SourceType, key.SourceName, key.ItemID).Scan(&processedAt, &metaStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	rec := &Record{Key: key, ProcessedAt: time.Unix(processedAt, 0).UTC()}
	if metaStr.Valid {
		rec.Metadata = json.RawMessage(metaStr.String)
	}
	return rec, nil
}

func (s *SQLiteStore) InsertRecovered(ctx context.Context, key Key, processedAt time.Time, metadata json.RawMessage) error {
	var metaStr sql.NullString
	if len(metadata) > 0 {
		metaStr = sql.NullString{String: string(metadata), Valid: true}
	}
	// OR IGNORE: a record that appeared concurrently wins, recovery never
	// overwrites a real commit.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_items (source_type, source_name, item_id, processed_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?)`,
		key.SourceType, key.SourceName, key.ItemID, processedAt.Unix(), metaStr)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, sourceType, sourceName string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id FROM processed_items
		 WHERE source_type = ? AND source_name = ?
		 ORDER BY processed_at ASC, item_id ASC`,
		sourceType, sourceName)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		k := Key{SourceType: sourceType, SourceName: sourceName}
		if err := rows.Scan(&k.ItemID); err != nil {
			return nil, errors.NewInternal(err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return keys, nil
}

func (s *SQLiteStore) Evict(ctx context.Context, policy EvictionPolicy) (int, error) {
	total := 0

	if policy.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays).Unix()
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM processed_items WHERE processed_at < ?`, cutoff)
		if err != nil {
			return total, errors.NewInternal(err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if policy.MaxEntriesPerSource > 0 {
		// Oldest-first beyond the cap, independently per (type, name).
		sources, err := s.listSources(ctx)
		if err != nil {
			return total, err
		}
		for _, src := range sources {
			res, err := s.db.ExecContext(ctx,
				`DELETE FROM processed_items WHERE rowid IN (
					SELECT rowid FROM processed_items
					WHERE source_type = ? AND source_name = ?
					ORDER BY processed_at DESC, item_id DESC
					LIMIT -1 OFFSET ?
				)`,
				src[0], src[1], policy.MaxEntriesPerSource)
			if err != nil {
				return total, errors.NewInternal(err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
	}

	return total, nil
}

func (s *SQLiteStore) listSources(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT source_type, source_name FROM processed_items`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var src [2]string
		if err := rows.Scan(&src[0], &src[1]); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Verify runs SQLite's integrity check. Anything but "ok" halts the run:
// continuing against a damaged ledger risks duplicate or lost-dedup writes.
func (s *SQLiteStore) Verify(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&result); err != nil {
		return errors.NewStateCorruption("integrity check could not run", err)
	}
	if result != "ok" {
		return errors.NewStateCorruption(fmt.Sprintf("integrity check failed: %s", result), nil)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
