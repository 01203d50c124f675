// Package history keeps an observational journal of update attempts in
// a sqlite file on the data partition. It is written best-effort and
// never read by decision logic; the boot environment stays the only
// source of truth for slot state.
package history

import (
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tidewater-os/abctl/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    operation TEXT NOT NULL CHECK(operation IN ('install', 'update', 'confirm')),
    from_uuid TEXT,
    to_uuid TEXT,
    target_slot TEXT,
    status TEXT NOT NULL CHECK(status IN ('started', 'noop', 'verified', 'armed', 'confirmed', 'failed')),
    detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_attempts_started_at ON attempts(started_at);
`

// Attempt statuses.
const (
	StatusStarted   = "started"
	StatusNoop      = "noop"
	StatusVerified  = "verified"
	StatusArmed     = "armed"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Attempt is one journal row.
type Attempt struct {
	ID         int64
	StartedAt  string
	FinishedAt string
	Operation  string
	FromUUID   string
	ToUUID     string
	TargetSlot string
	Status     string
	Detail     string
}

// Journal records update attempts.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening journal database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating journal schema")
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Begin records the start of an operation and returns the row id.
func (j *Journal) Begin(operation, fromUUID, toUUID, targetSlot string) (int64, error) {
	res, err := j.db.Exec(
		`INSERT INTO attempts (started_at, operation, from_uuid, to_uuid, target_slot, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), operation, fromUUID, toUUID, targetSlot, StatusStarted)
	if err != nil {
		return 0, errors.Wrap(err, "inserting attempt")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading attempt id")
	}
	return id, nil
}

// Finish records the outcome of an operation.
func (j *Journal) Finish(id int64, status, detail string) error {
	_, err := j.db.Exec(
		`UPDATE attempts SET finished_at = ?, status = ?, detail = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), status, detail, id)
	return errors.Wrap(err, "finishing attempt")
}

// Recent returns the newest attempts, most recent first.
func (j *Journal) Recent(limit int) ([]Attempt, error) {
	rows, err := j.db.Query(
		`SELECT id, started_at, IFNULL(finished_at, ''), operation,
		        IFNULL(from_uuid, ''), IFNULL(to_uuid, ''), IFNULL(target_slot, ''),
		        status, IFNULL(detail, '')
		 FROM attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying attempts")
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.StartedAt, &a.FinishedAt, &a.Operation,
			&a.FromUUID, &a.ToUUID, &a.TargetSlot, &a.Status, &a.Detail); err != nil {
			return nil, errors.Wrap(err, "scanning attempt")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Recorder is the journaling surface the engine uses. All methods are
// best-effort from the engine's point of view.
type Recorder interface {
	Begin(operation, fromUUID, toUUID, targetSlot string) (int64, error)
	Finish(id int64, status, detail string) error
}

// LogOnly is a Recorder used when no journal is available; entries go
// to the logger and nowhere else.
type LogOnly struct{}

func (LogOnly) Begin(operation, fromUUID, toUUID, targetSlot string) (int64, error) {
	slog.Info("attempt_started", "operation", operation, "from", fromUUID, "to", toUUID, "slot", targetSlot)
	return 0, nil
}

func (LogOnly) Finish(id int64, status, detail string) error {
	slog.Info("attempt_finished", "status", status, "detail", detail)
	return nil
}
