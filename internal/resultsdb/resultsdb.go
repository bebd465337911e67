// Package resultsdb persists evaluation harness runs and per-fold
// Viterbi results to SQLite so a run survives process restarts and can
// be inspected live via the tailSQL debug endpoint.
package resultsdb

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a SQLite connection holding harness run history.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the results database at path and
// applies the embedded schema.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("resultsdb: opening %s: %w", path, err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("resultsdb: applying schema: %w", err)
	}

	log.Println("resultsdb: initialized results database schema")
	return &DB{db}, nil
}

// InsertRun records the start of a harness invocation and returns its
// UUID, used to correlate subsequent fold results.
func (db *DB) InsertRun(configJSON string) (string, error) {
	runUUID := uuid.New().String()

	_, err := db.Exec(
		`INSERT INTO runs (run_uuid, started_at, config_json, status) VALUES (?, ?, ?, 'running')`,
		runUUID, time.Now().Unix(), configJSON,
	)
	if err != nil {
		return "", fmt.Errorf("resultsdb: inserting run: %w", err)
	}

	return runUUID, nil
}

// CompleteRun marks a run finished with the given terminal status (the
// harness passes "completed" or "completed_with_errors").
func (db *DB) CompleteRun(runUUID, status string) error {
	_, err := db.Exec(
		`UPDATE runs SET finished_at = ?, status = ? WHERE run_uuid = ?`,
		time.Now().Unix(), status, runUUID,
	)
	if err != nil {
		return fmt.Errorf("resultsdb: completing run %s: %w", runUUID, err)
	}
	return nil
}

// InsertFoldResult records one test file's true/raw/Viterbi step-index
// sequences for a run. foldErr, if non-nil, is stored alongside the
// (possibly empty) sequences rather than aborting the harness.
func (db *DB) InsertFoldResult(runUUID, testFile string, trueSteps, rawSteps, viterbiSteps [][]int, foldErr error) error {
	var runID int64
	if err := db.QueryRow(`SELECT id FROM runs WHERE run_uuid = ?`, runUUID).Scan(&runID); err != nil {
		return fmt.Errorf("resultsdb: looking up run %s: %w", runUUID, err)
	}

	trueJSON, err := json.Marshal(trueSteps)
	if err != nil {
		return fmt.Errorf("resultsdb: marshaling true steps: %w", err)
	}
	rawJSON, err := json.Marshal(rawSteps)
	if err != nil {
		return fmt.Errorf("resultsdb: marshaling raw steps: %w", err)
	}
	viterbiJSON, err := json.Marshal(viterbiSteps)
	if err != nil {
		return fmt.Errorf("resultsdb: marshaling viterbi steps: %w", err)
	}

	var errText sql.NullString
	if foldErr != nil {
		errText = sql.NullString{String: foldErr.Error(), Valid: true}
	}

	_, err = db.Exec(
		`INSERT INTO fold_results (run_id, test_file, true_steps_json, raw_steps_json, viterbi_steps_json, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, testFile, string(trueJSON), string(rawJSON), string(viterbiJSON), errText, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("resultsdb: inserting fold result for %s: %w", testFile, err)
	}

	return nil
}

// RecordCacheUse upserts a classifier_cache row, marking hash as
// freshly used. Mirrors internal/classifier.Cache's on-disk entries so
// the admin UI can show cache hit/miss activity alongside run history.
func (db *DB) RecordCacheUse(hash, path string) error {
	now := time.Now().Unix()
	_, err := db.Exec(
		`INSERT INTO classifier_cache (hash, path, created_at, last_used_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET last_used_at = excluded.last_used_at`,
		hash, path, now, now,
	)
	if err != nil {
		return fmt.Errorf("resultsdb: recording cache use for %s: %w", hash, err)
	}
	return nil
}

// AttachAdminRoutes mounts a tsweb debug handler plus a tailSQL live-SQL
// browser over the results database, the same idiom internal/db uses
// for radar-event inspection, repurposed here for fold-result inspection.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("resultsdb: failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://results.db", db.DB, &tailsql.DBOptions{
		Label: "Evaluation Results DB",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}
