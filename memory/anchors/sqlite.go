package anchors

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/halcyon/memory"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps the anchor window in a SQLite table ordered by seq.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the anchor database.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.Default().WithPrefix("anchors")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// LoadAnchors returns the stored window, oldest first.
func (s *SQLiteStore) LoadAnchors(ctx context.Context) ([]memory.AnchorEntry, error) {
	const q = `SELECT query, reflection, response, linked_timestamps, timestamp FROM anchors ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var out []memory.AnchorEntry
	for rows.Next() {
		var (
			a          memory.AnchorEntry
			linkedJSON string
			ts         string
		)
		if err := rows.Scan(&a.Query, &a.Reflection, &a.Response, &linkedJSON, &ts); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		if err := json.Unmarshal([]byte(linkedJSON), &a.LinkedTimestamps); err != nil {
			s.logger.Warn("bad linked timestamps, dropping", "err", err)
			a.LinkedTimestamps = nil
		}
		a.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAnchors replaces the stored window in one transaction.
func (s *SQLiteStore) SaveAnchors(ctx context.Context, entries []memory.AnchorEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM anchors`); err != nil {
		return fmt.Errorf("clear anchors: %w", err)
	}

	const ins = `INSERT INTO anchors (seq, query, reflection, response, linked_timestamps, timestamp) VALUES (?, ?, ?, ?, ?, ?)`
	for i, a := range entries {
		linked := a.LinkedTimestamps
		if linked == nil {
			linked = []string{}
		}
		linkedJSON, err := json.Marshal(linked)
		if err != nil {
			return fmt.Errorf("encode linked timestamps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ins, i+1, a.Query, a.Reflection, a.Response, string(linkedJSON), a.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert anchor %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit anchors: %w", err)
	}
	s.logger.Debug("anchors persisted", "entries", len(entries))
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ memory.AnchorStore = (*SQLiteStore)(nil)
