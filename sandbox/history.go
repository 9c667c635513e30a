package sandbox

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS calibration_runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	started_unix_nanos INTEGER NOT NULL,
	finished_unix_nanos INTEGER,
	outcome TEXT,
	message TEXT,
	reprojection_error REAL,
	point_pairs INTEGER
);
CREATE INDEX IF NOT EXISTS idx_calibration_runs_started ON calibration_runs (started_unix_nanos);
`

// CalibrationRun is one row of the run history. Finished is zero while
// the run is in progress.
type CalibrationRun struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Started time.Time `json:"started"`
	RunResult
}

// History stores calibration runs in SQLite.
type History struct {
	db *sql.DB
}

// OpenHistory opens (and creates if needed) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	log.Printf("[HISTORY] Opened calibration history at %s", path)
	return &History{db: db}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// StartRun inserts a new run and returns its ID.
func (h *History) StartRun(kind CalibrationKind, started time.Time) (string, error) {
	id := uuid.New().String()
	_, err := h.db.Exec(
		`INSERT INTO calibration_runs (id, kind, started_unix_nanos) VALUES (?, ?, ?)`,
		id, kind.String(), started.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting calibration run: %w", err)
	}
	return id, nil
}

// FinishRun stores the outcome of run id.
func (h *History) FinishRun(id string, r RunResult) error {
	res, err := h.db.Exec(
		`UPDATE calibration_runs
		 SET finished_unix_nanos = ?, outcome = ?, message = ?, reprojection_error = ?, point_pairs = ?
		 WHERE id = ?`,
		r.Finished.UnixNano(), r.Outcome, r.Message, r.ReprojectionError, r.PointPairs, id,
	)
	if err != nil {
		return fmt.Errorf("updating calibration run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("calibration run %s not found", id)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (h *History) Recent(limit int) ([]CalibrationRun, error) {
	rows, err := h.db.Query(
		`SELECT id, kind, started_unix_nanos, finished_unix_nanos, outcome, message, reprojection_error, point_pairs
		 FROM calibration_runs ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying calibration runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []CalibrationRun
	for rows.Next() {
		var (
			run      CalibrationRun
			started  int64
			finished sql.NullInt64
			outcome  sql.NullString
			message  sql.NullString
			rerr     sql.NullFloat64
			pairs    sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.Kind, &started, &finished, &outcome, &message, &rerr, &pairs); err != nil {
			return nil, fmt.Errorf("scanning calibration run: %w", err)
		}
		run.Started = time.Unix(0, started)
		if finished.Valid {
			run.Finished = time.Unix(0, finished.Int64)
		}
		run.Outcome = outcome.String
		run.Message = message.String
		run.ReprojectionError = rerr.Float64
		run.PointPairs = int(pairs.Int64)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calibration runs: %w", err)
	}
	return runs, nil
}
