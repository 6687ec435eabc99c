// Package history keeps a local journal of per-record outcomes in SQLite.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id   TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	operation  TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	signer     TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_record ON outcomes(record_id);
CREATE INDEX IF NOT EXISTS outcomes_created ON outcomes(created_at);
`

// Entry is one journaled record outcome.
type Entry struct {
	BatchID   string    `json:"batch_id"`
	RecordID  string    `json:"record_id"`
	Operation string    `json:"operation"`
	Name      string    `json:"name,omitempty"`
	Outcome   string    `json:"outcome"`
	Signer    string    `json:"signer,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Query filters List. Zero fields do not filter.
type Query struct {
	RecordID  string
	Operation string
	Outcome   string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Store is a journal backed by one SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the journal at path. The parent directory is
// created when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.Wrap(err, "create history directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open history %s", path)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create history schema")
	}
	log.Debug().Str("path", path).Msg("history journal opened")
	return &Store{db: db, now: time.Now}, nil
}

// Append writes entries in one transaction. Entries without a timestamp get
// the current time.
func (s *Store) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin history transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO outcomes
		(batch_id, record_id, operation, name, outcome, signer, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare history insert")
	}
	defer stmt.Close()

	for _, e := range entries {
		at := e.CreatedAt
		if at.IsZero() {
			at = s.now()
		}
		if _, err := stmt.ExecContext(ctx, e.BatchID, e.RecordID, e.Operation, e.Name, e.Outcome, e.Signer, e.Error, at.UnixNano()); err != nil {
			return errors.Wrapf(err, "journal record %s", e.RecordID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit history")
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, q.RecordID)
	}
	if q.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, q.Operation)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, q.Until.UnixNano())
	}

	query := "SELECT batch_id, record_id, operation, name, outcome, signer, error, created_at FROM outcomes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ns int64
		)
		if err := rows.Scan(&e.BatchID, &e.RecordID, &e.Operation, &e.Name, &e.Outcome, &e.Signer, &e.Error, &ns); err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		e.CreatedAt = time.Unix(0, ns)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "read history")
}

// Prune deletes entries older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM outcomes WHERE created_at < ?", before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "prune history")
	}
	return res.RowsAffected()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
