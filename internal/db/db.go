// Package db is the kiosk's local SQLite ledger: every session and detection
// attempt is recorded so operators can reconcile receipts and review the
// classifier's behaviour.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/rvm.kiosk/internal/kiosk"
	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/session"
)

type DB struct {
	*sql.DB
	path string
}

var _ kiosk.Recorder = (*DB)(nil)

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

func dsn(path string) string {
	q := make([]string, len(pragmas))
	for i, p := range pragmas {
		q[i] = "_pragma=" + p
	}
	return "file:" + path + "?" + strings.Join(q, "&")
}

// NewDB opens (creating if needed) the ledger at path and migrates it to the
// latest schema.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the ledger was opened from.
func (db *DB) Path() string { return db.path }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9)).UTC()
}

func nullUnix(t time.Time) sql.NullFloat64 {
	if t.IsZero() {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: unixSeconds(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *DB) RecordSessionStart(ctx context.Context, id string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_unix) VALUES (?, ?)`,
		id, unixSeconds(at))
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return nil
}

// RecordSessionEnd stores the final counters. A session whose start was
// never recorded is inserted whole.
func (db *DB) RecordSessionEnd(ctx context.Context, rec kiosk.SessionRecord) error {
	c := rec.Counts
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, started_unix, ended_unix, end_reason,
			plastic, can, rejected, no_detection, total,
			receipt_id, receipt_expires_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_unix = excluded.ended_unix,
			end_reason = excluded.end_reason,
			plastic = excluded.plastic,
			can = excluded.can,
			rejected = excluded.rejected,
			no_detection = excluded.no_detection,
			total = excluded.total,
			receipt_id = excluded.receipt_id,
			receipt_expires_unix = excluded.receipt_expires_unix`,
		rec.ID, unixSeconds(rec.StartedAt), nullUnix(rec.EndedAt), rec.Reason,
		c.Plastic, c.Can, c.Rejected, c.NoDetection, c.Total,
		nullString(rec.ReceiptID), nullUnix(rec.ReceiptExpires),
	)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	return nil
}

func (db *DB) RecordDetection(ctx context.Context, rec kiosk.DetectionRecord) error {
	shots := rec.Result.Shots
	if shots == nil {
		shots = []material.ShotResult{}
	}
	shotsJSON, err := json.Marshal(shots)
	if err != nil {
		return fmt.Errorf("encode shots: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO detections (
			session_id, detected_unix, outcome, verdict, confidence,
			accepted, confirmed, shots_json, result_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, unixSeconds(rec.At), string(rec.Outcome),
		rec.Result.Verdict.Material.String(), rec.Result.Verdict.Confidence,
		rec.Result.Accepted, rec.Confirmed, string(shotsJSON), rec.Text,
	)
	if err != nil {
		return fmt.Errorf("record detection: %w", err)
	}
	return nil
}

// Session is one row of the sessions table.
type Session struct {
	ID             string         `json:"session_id"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	EndReason      string         `json:"end_reason,omitempty"`
	Counts         session.Counts `json:"counts"`
	ReceiptID      string         `json:"receipt_id,omitempty"`
	ReceiptExpires *time.Time     `json:"receipt_expires,omitempty"`
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.sessionsWhere(ctx, "1 = 1 ORDER BY started_unix DESC LIMIT ?", limit)
}

func (db *DB) sessionsWhere(ctx context.Context, where string, args ...any) ([]Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, started_unix, ended_unix, end_reason,
			plastic, can, rejected, no_detection, total,
			receipt_id, receipt_expires_unix
		FROM sessions WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s                 Session
			started           float64
			ended, expires    sql.NullFloat64
			reason, receiptID sql.NullString
		)
		if err := rows.Scan(&s.ID, &started, &ended, &reason,
			&s.Counts.Plastic, &s.Counts.Can, &s.Counts.Rejected, &s.Counts.NoDetection, &s.Counts.Total,
			&receiptID, &expires); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnix(started)
		if ended.Valid {
			t := fromUnix(ended.Float64)
			s.EndedAt = &t
		}
		if expires.Valid {
			t := fromUnix(expires.Float64)
			s.ReceiptExpires = &t
		}
		s.EndReason = reason.String
		s.ReceiptID = receiptID.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// Detection is one row of the detections table.
type Detection struct {
	ID         int64                 `json:"detection_id"`
	SessionID  string                `json:"session_id"`
	At         time.Time             `json:"at"`
	Outcome    material.Kind         `json:"outcome"`
	Verdict    string                `json:"verdict"`
	Confidence float64               `json:"confidence"`
	Accepted   bool                  `json:"accepted"`
	Confirmed  bool                  `json:"confirmed"`
	Shots      []material.ShotResult `json:"shots"`
	Text       string                `json:"text"`
}

// Detections returns every attempt made during a session, oldest first.
func (db *DB) Detections(ctx context.Context, sessionID string) ([]Detection, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT detection_id, session_id, detected_unix, outcome, verdict,
			confidence, accepted, confirmed, shots_json, result_text
		FROM detections WHERE session_id = ? ORDER BY detected_unix, detection_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var (
			d         Detection
			at        float64
			outcome   string
			shotsJSON string
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &at, &outcome, &d.Verdict,
			&d.Confidence, &d.Accepted, &d.Confirmed, &shotsJSON, &d.Text); err != nil {
			return nil, err
		}
		d.At = fromUnix(at)
		d.Outcome = material.Kind(outcome)
		if err := json.Unmarshal([]byte(shotsJSON), &d.Shots); err != nil {
			return nil, fmt.Errorf("decode shots of detection %d: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// OutcomeCount is the number of attempts that ended in one outcome on one day.
type OutcomeCount struct {
	Day     string        `json:"day"`
	Outcome material.Kind `json:"outcome"`
	Count   int           `json:"count"`
}

// DailyOutcomes counts attempts per UTC day and outcome since the given time.
func (db *DB) DailyOutcomes(ctx context.Context, since time.Time) ([]OutcomeCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT date(detected_unix, 'unixepoch') AS day, outcome, COUNT(*)
		FROM detections WHERE detected_unix >= ?
		GROUP BY day, outcome ORDER BY day, outcome`, unixSeconds(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeCount
	for rows.Next() {
		var (
			oc      OutcomeCount
			outcome string
		)
		if err := rows.Scan(&oc.Day, &outcome, &oc.Count); err != nil {
			return nil, err
		}
		oc.Outcome = material.Kind(outcome)
		out = append(out, oc)
	}
	return out, rows.Err()
}

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// SessionByReceipt looks up the session a receipt was issued for.
func (db *DB) SessionByReceipt(ctx context.Context, receiptID string) (Session, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE receipt_id = ?`, receiptID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	if err != nil {
		return Session{}, err
	}

	sessions, err := db.sessionsWhere(ctx, "session_id = ?", id)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sessions[0], nil
}
