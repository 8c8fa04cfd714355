package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"

	"go-video-pipeline/internal/model"
)

var db *sql.DB

// Initialize DB connection
func InitDB(dbPath string) error {
	var err error
	db, err = sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}

	// Create tables if not exists
	runTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		spec TEXT,
		status TEXT,
		submitted INTEGER DEFAULT 0,
		completed INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		discarded INTEGER DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	);
	`
	errorTable := `
	CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		stage TEXT,
		item_id TEXT,
		error_message TEXT,
		created_at DATETIME
	);
	`
	resultTable := `
	CREATE TABLE IF NOT EXISTS run_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		item_id TEXT,
		status TEXT,
		stage TEXT,
		attempts INTEGER,
		duration_ms INTEGER,
		error_message TEXT,
		finished_at DATETIME
	);
	`

	if _, err := db.Exec(runTable); err != nil {
		return err
	}
	if _, err := db.Exec(errorTable); err != nil {
		return err
	}
	if _, err := db.Exec(resultTable); err != nil {
		return err
	}

	return nil
}

// CloseDB releases the connection pool
func CloseDB() error {
	if db == nil {
		return nil
	}
	return db.Close()
}

// retryWrite retries a write while sqlite reports the file busy or locked;
// anything else fails immediately.
func retryWrite(op func() error) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(5*time.Millisecond),
		backoff.WithMaxInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// SaveRun stores a new pipeline run
func SaveRun(runID string, spec model.RunSpec) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return retryWrite(func() error {
		_, err := db.Exec(`INSERT INTO runs (id, spec, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			runID, specJSON, string(model.RunPending), now, now)
		return err
	})
}

// UpdateRunStatus updates run status
func UpdateRunStatus(runID string, status model.RunStatus) error {
	now := time.Now().UTC()
	return retryWrite(func() error {
		_, err := db.Exec(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, runID)
		return err
	})
}

// FinishRun records the terminal status and the final counters
func FinishRun(runID string, status model.RunStatus, snap model.Snapshot) error {
	now := time.Now().UTC()
	return retryWrite(func() error {
		_, err := db.Exec(`UPDATE runs SET status = ?, submitted = ?, completed = ?, failed = ?, discarded = ?, updated_at = ? WHERE id = ?`,
			string(status), snap.Submitted, len(snap.Completed), len(snap.Failed), snap.Discarded, now, runID)
		return err
	})
}

// SaveRunError records a stage fault for a run
func SaveRunError(runID string, stage string, itemID string, err error) error {
	if err == nil {
		return nil
	}
	now := time.Now().UTC()
	return retryWrite(func() error {
		_, e := db.Exec(`INSERT INTO run_errors (run_id, stage, item_id, error_message, created_at) VALUES (?, ?, ?, ?, ?)`,
			runID, stage, itemID, err.Error(), now)
		return e
	})
}

// SaveRunResults inserts a batch of terminal results in one transaction
func SaveRunResults(runID string, results []model.Result) error {
	if len(results) == 0 {
		return nil
	}
	return retryWrite(func() error {
		return insertRunResults(runID, results)
	})
}

func insertRunResults(runID string, results []model.Result) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO run_results (run_id, item_id, status, stage, attempts, duration_ms, error_message, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		status := "completed"
		if r.Failed() {
			status = "failed"
		}
		if _, err := stmt.Exec(runID, r.ItemID, status, r.StageName, r.Attempts, r.Duration.Milliseconds(), r.ErrorText(), r.FinishedAt.UTC()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListRuns returns all runs with basic info
func ListRuns() ([]map[string]interface{}, error) {
	rows, err := db.Query(`SELECT id, status, submitted, completed, failed, discarded, created_at, updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []map[string]interface{}
	for rows.Next() {
		var id, status string
		var submitted, completed, failed, discarded int
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&id, &status, &submitted, &completed, &failed, &discarded, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, map[string]interface{}{
			"id":        id,
			"status":    status,
			"submitted": submitted,
			"completed": completed,
			"failed":    failed,
			"discarded": discarded,
			"createdAt": createdAt,
			"updatedAt": updatedAt,
		})
	}
	return runs, rows.Err()
}

// GetRun fetches full run spec, status and counters
func GetRun(runID string) (map[string]interface{}, error) {
	var specJSON, status string
	var submitted, completed, failed, discarded int
	var createdAt, updatedAt time.Time

	err := db.QueryRow(`SELECT spec, status, submitted, completed, failed, discarded, created_at, updated_at FROM runs WHERE id = ?`, runID).
		Scan(&specJSON, &status, &submitted, &completed, &failed, &discarded, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	var spec model.RunSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"id":        runID,
		"spec":      spec,
		"status":    status,
		"submitted": submitted,
		"completed": completed,
		"failed":    failed,
		"discarded": discarded,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
	}, nil
}

// GetRunErrors returns the recorded faults for a run
func GetRunErrors(runID string) ([]map[string]interface{}, error) {
	rows, err := db.Query(`SELECT stage, item_id, error_message, created_at FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var faults []map[string]interface{}
	for rows.Next() {
		var stage, itemID, message string
		var createdAt time.Time
		if err := rows.Scan(&stage, &itemID, &message, &createdAt); err != nil {
			return nil, err
		}
		faults = append(faults, map[string]interface{}{
			"stage":     stage,
			"itemId":    itemID,
			"error":     message,
			"createdAt": createdAt,
		})
	}
	return faults, rows.Err()
}

// GetRunResults returns up to limit stored results for a run
func GetRunResults(runID string, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT item_id, status, stage, attempts, duration_ms, error_message, finished_at FROM run_results WHERE run_id = ? ORDER BY id LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		var itemID, status, stage, message string
		var attempts int
		var durationMS int64
		var finishedAt time.Time
		if err := rows.Scan(&itemID, &status, &stage, &attempts, &durationMS, &message, &finishedAt); err != nil {
			return nil, err
		}
		entry := map[string]interface{}{
			"itemId":     itemID,
			"status":     status,
			"stage":      stage,
			"attempts":   attempts,
			"durationMs": durationMS,
			"finishedAt": finishedAt,
		}
		if message != "" {
			entry["error"] = message
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

// DeleteRun removes a run and everything recorded for it
func DeleteRun(runID string) error {
	return retryWrite(func() error {
		return deleteRunTx(runID)
	})
}

func deleteRunTx(runID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM run_results WHERE run_id = ?`, runID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM run_errors WHERE run_id = ?`, runID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, runID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
