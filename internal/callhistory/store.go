// Package callhistory persists a SQLite call-detail-record log: one row
// per completed call, with the peer's name, the trust verdict reached
// during key exchange, and the reason the call ended.
package callhistory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite connection holding the call history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Record is one completed call as read back from the store.
type Record struct {
	ID          int64
	PeerName    string
	Verificator string
	Verified    bool
	StartedAt   time.Time
	EndedAt     time.Time
	Cause       string
}

// Open creates or opens the call history database under dataDir and runs
// any pending migrations, using the same WAL-mode single-writer setup as
// the rest of this ecosystem's embedded SQLite stores.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	logger = logger.With("subsystem", "callhistory")

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating call history directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "calls.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening call history database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging call history database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: sqlDB, logger: logger}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running call history migrations: %w", err)
	}

	logger.Info("call history opened", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied call history migration", "version", version)
	}
	return nil
}

// RecordCall inserts one completed call. Implements
// session.HistoryRecorder; failures are logged, not returned, since a
// lost CDR must never tear down an otherwise-healthy call.
func (s *Store) RecordCall(peerName, verificator string, verified bool, startedAt, endedAt time.Time, cause string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (peer_name, verificator, verified, started_at, ended_at, cause)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		peerName, verificator, verified, startedAt.UTC(), endedAt.UTC(), cause,
	)
	if err != nil {
		s.logger.Error("failed to record call history", "error", err, "peer", peerName)
	}
}

// ListRecent returns the n most recently started calls, newest first;
// calls with the same start time come most recently recorded first.
func (s *Store) ListRecent(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, peer_name, verificator, verified, started_at, ended_at, cause
		 FROM calls ORDER BY started_at DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent calls: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.PeerName, &r.Verificator, &r.Verified, &r.StartedAt, &r.EndedAt, &r.Cause); err != nil {
			return nil, fmt.Errorf("scanning call history row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call history rows: %w", err)
	}
	return records, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
