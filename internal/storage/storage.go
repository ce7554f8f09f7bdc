// Package storage provides SQLite-backed persistence for the alert audit log
// and deduplication cooldowns.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db        *sql.DB
	maxAlerts int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/marketsentinel/data.db.
func New(maxAlerts int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "marketsentinel", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if maxAlerts <= 0 {
		maxAlerts = 10000
	}
	s := &Storage{db: db, maxAlerts: maxAlerts}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			instrument      TEXT NOT NULL,
			rule_id         TEXT NOT NULL,
			condition       TEXT NOT NULL,
			severity        TEXT NOT NULL,
			value           REAL NOT NULL,
			score           REAL NOT NULL,
			limit_value     REAL NOT NULL,
			snapshot        TEXT NOT NULL DEFAULT '{}',
			event_at        INTEGER NOT NULL,
			detected_at     INTEGER NOT NULL,
			delivered_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_delivered_at ON alerts(delivered_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_instrument ON alerts(instrument, rule_id)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			instrument      TEXT NOT NULL,
			rule_id         TEXT NOT NULL,
			last_sent       INTEGER NOT NULL,
			cooldown        INTEGER NOT NULL,
			PRIMARY KEY (instrument, rule_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddAlert records a delivered alert and trims the log to maxAlerts entries.
// Recording the same alert id twice is a no-op.
func (s *Storage) AddAlert(alert *models.Alert, deliveredAt time.Time) error {
	snapshotJSON, err := json.Marshal(alert.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO alerts
			(id, instrument, rule_id, condition, severity, value, score, limit_value,
			 snapshot, event_at, detected_at, delivered_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		alert.ID, alert.InstrumentID, alert.RuleID, alert.Condition, string(alert.Severity),
		alert.Value, alert.Score, alert.Limit,
		string(snapshotJSON), alert.Timestamp.UnixNano(), alert.DetectedAt.UnixNano(), deliveredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if err := rotate(tx, s.maxAlerts); err != nil {
		return err
	}
	return tx.Commit()
}

// StoredAlert is an alert read back from the audit log.
type StoredAlert struct {
	models.Alert
	DeliveredAt time.Time
}

// RecentAlerts returns up to k alerts, newest delivery first.
func (s *Storage) RecentAlerts(k int) ([]StoredAlert, error) {
	rows, err := s.db.Query(`
		SELECT id, instrument, rule_id, condition, severity, value, score, limit_value,
		       snapshot, event_at, detected_at, delivered_at
		FROM alerts ORDER BY delivered_at DESC, rowid DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []StoredAlert
	for rows.Next() {
		var a StoredAlert
		var severity, snapshotJSON string
		var eventAtNano, detectedAtNano, deliveredAtNano int64

		err := rows.Scan(
			&a.ID, &a.InstrumentID, &a.RuleID, &a.Condition, &severity,
			&a.Value, &a.Score, &a.Limit,
			&snapshotJSON, &eventAtNano, &detectedAtNano, &deliveredAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if err := json.Unmarshal([]byte(snapshotJSON), &a.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}

		a.Severity = models.Severity(severity)
		a.Timestamp = time.Unix(0, eventAtNano)
		a.DetectedAt = time.Unix(0, detectedAtNano)
		a.DeliveredAt = time.Unix(0, deliveredAtNano)
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// CountAlerts returns the number of alerts in the audit log.
func (s *Storage) CountAlerts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func (s *Storage) ClearAlerts() error {
	if _, err := s.db.Exec(`DELETE FROM alerts`); err != nil {
		return fmt.Errorf("failed to clear alerts: %w", err)
	}
	return nil
}

// RotateAlerts keeps at most maxAlerts newest alerts by delivery time.
func (s *Storage) RotateAlerts() error {
	return rotate(s.db, s.maxAlerts)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func rotate(db execer, maxAlerts int) error {
	_, err := db.Exec(`
		DELETE FROM alerts WHERE id NOT IN (
			SELECT id FROM alerts ORDER BY delivered_at DESC, rowid DESC LIMIT ?
		)`, maxAlerts)
	if err != nil {
		return fmt.Errorf("failed to rotate alerts: %w", err)
	}
	return nil
}

// SaveCooldowns replaces the stored cooldowns with entries.
func (s *Storage) SaveCooldowns(entries []models.CooldownEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM cooldowns`); err != nil {
		return fmt.Errorf("failed to clear cooldowns: %w", err)
	}
	for _, e := range entries {
		_, err := tx.Exec(`
			INSERT INTO cooldowns (instrument, rule_id, last_sent, cooldown)
			VALUES (?,?,?,?)`,
			e.Key.InstrumentID, e.Key.RuleID, e.LastSent.UnixNano(), int64(e.Cooldown),
		)
		if err != nil {
			return fmt.Errorf("failed to save cooldown %s: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (s *Storage) LoadCooldowns() ([]models.CooldownEntry, error) {
	rows, err := s.db.Query(`SELECT instrument, rule_id, last_sent, cooldown FROM cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cooldowns: %w", err)
	}
	defer rows.Close()

	var entries []models.CooldownEntry
	for rows.Next() {
		var e models.CooldownEntry
		var lastSentNano, cooldownNano int64
		if err := rows.Scan(&e.Key.InstrumentID, &e.Key.RuleID, &lastSentNano, &cooldownNano); err != nil {
			return nil, fmt.Errorf("failed to scan cooldown: %w", err)
		}
		e.LastSent = time.Unix(0, lastSentNano)
		e.Cooldown = time.Duration(cooldownNano)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
