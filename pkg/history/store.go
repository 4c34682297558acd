/*
 * Copyright 2025 OpenHearth Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package history persists update-attempt and sync-session outcomes to a
// local SQLite database so they survive console restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openhearth/fleetconsole/pkg/models"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS update_attempts (
	attempt_id   TEXT PRIMARY KEY,
	device_id    TEXT NOT NULL,
	from_version TEXT NOT NULL DEFAULT '',
	to_version   TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	triggered_at TIMESTAMP NOT NULL,
	resolved_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_update_attempts_device ON update_attempts(device_id, triggered_at);

CREATE TABLE IF NOT EXISTS sync_sessions (
	session_id   TEXT PRIMARY KEY,
	result       TEXT NOT NULL,
	polls        INTEGER NOT NULL,
	failed_count INTEGER NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP NOT NULL
);
`

// UpdateRecord is one persisted update attempt.
type UpdateRecord struct {
	AttemptID   string     `json:"attempt_id"`
	DeviceID    string     `json:"device_id"`
	FromVersion string     `json:"from_version,omitempty"`
	ToVersion   string     `json:"to_version,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Error       string     `json:"error,omitempty"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// SyncSessionRecord is one persisted sync session.
type SyncSessionRecord struct {
	SessionID   string    `json:"session_id"`
	Result      string    `json:"result"`
	Polls       int       `json:"polls"`
	FailedCount int       `json:"failed_count"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store is a SQLite-backed history store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

// UpdateTriggered opens a history row for a freshly accepted attempt.
func (s *Store) UpdateTriggered(ctx context.Context, attemptID, deviceID, fromVersion string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO update_attempts (attempt_id, device_id, from_version, triggered_at) VALUES (?, ?, ?, ?)`,
		attemptID, deviceID, fromVersion, at.UTC())
	if err != nil {
		return fmt.Errorf("insert update attempt: %w", err)
	}

	return nil
}

// UpdateResolved closes the history row for an attempt that reached a
// terminal state. Attempts first observed mid-flight (no trigger row) get a
// row here, keyed to the device that reported them.
func (s *Store) UpdateResolved(ctx context.Context, attemptID, deviceID string, outcome models.UpdateStatus, errText, toVersion string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE update_attempts SET outcome = ?, error = ?, to_version = ?, resolved_at = ? WHERE attempt_id = ?`,
		string(outcome), errText, toVersion, at.UTC(), attemptID)
	if err != nil {
		return fmt.Errorf("resolve update attempt: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve update attempt: %w", err)
	}

	if affected == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO update_attempts (attempt_id, device_id, outcome, error, to_version, triggered_at, resolved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			attemptID, deviceID, string(outcome), errText, toVersion, at.UTC(), at.UTC())
		if err != nil {
			return fmt.Errorf("insert resolved attempt: %w", err)
		}
	}

	return nil
}

// SyncSessionFinished records one finished sync session.
func (s *Store) SyncSessionFinished(ctx context.Context, sessionID, result string, polls, failedCount int, startedAt, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_sessions (session_id, result, polls, failed_count, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, result, polls, failedCount, startedAt.UTC(), finishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert sync session: %w", err)
	}

	return nil
}

// RecentUpdates lists update attempts, newest first.
func (s *Store) RecentUpdates(ctx context.Context, limit int) ([]UpdateRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, device_id, from_version, to_version, outcome, error, triggered_at, resolved_at
		 FROM update_attempts ORDER BY triggered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query update attempts: %w", err)
	}
	defer rows.Close()

	var out []UpdateRecord

	for rows.Next() {
		var rec UpdateRecord

		var resolved sql.NullTime

		if err := rows.Scan(&rec.AttemptID, &rec.DeviceID, &rec.FromVersion, &rec.ToVersion,
			&rec.Outcome, &rec.Error, &rec.TriggeredAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan update attempt: %w", err)
		}

		if resolved.Valid {
			t := resolved.Time
			rec.ResolvedAt = &t
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

// RecentSyncSessions lists finished sync sessions, newest first.
func (s *Store) RecentSyncSessions(ctx context.Context, limit int) ([]SyncSessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, result, polls, failed_count, started_at, finished_at
		 FROM sync_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync sessions: %w", err)
	}
	defer rows.Close()

	var out []SyncSessionRecord

	for rows.Next() {
		var rec SyncSessionRecord

		if err := rows.Scan(&rec.SessionID, &rec.Result, &rec.Polls, &rec.FailedCount,
			&rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan sync session: %w", err)
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}
