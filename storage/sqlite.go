package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"sentinel/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id           TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL,
	rule_id      TEXT NOT NULL,
	rule_version INTEGER NOT NULL,
	severity     TEXT NOT NULL,
	status       TEXT NOT NULL,
	trace_id     TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_status_created ON alerts(status, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id);

CREATE TABLE IF NOT EXISTS rules (
	id         TEXT NOT NULL,
	version    INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	source    TEXT NOT NULL,
	type      TEXT NOT NULL,
	fields    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_source_type_ts ON events(source, type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp);
`

// SQLiteStore is a Store on an embedded SQLite database. Writes go through a
// single connection; reads use a separate pool. In-memory databases share
// one connection for both.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	logger  *zap.SugaredLogger
	now     func() time.Time
	closed  atomic.Bool
}

// NewSQLiteStore opens (creating if needed) the database at dbPath. The
// special path ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	s := &SQLiteStore{path: dbPath, logger: logger, now: time.Now}
	if dbPath == ":memory:" {
		// each store gets its own named shared-cache database
		dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		s.writeDB, s.readDB = db, db
	} else {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		base := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		writeDB, err := sql.Open("sqlite", base+"&_txlock=immediate")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
		}
		// WAL allows one writer
		writeDB.SetMaxOpenConns(1)
		writeDB.SetMaxIdleConns(1)
		writeDB.SetConnMaxLifetime(0)

		readDB, err := sql.Open("sqlite", base+"&_pragma=query_only(1)")
		if err != nil {
			_ = writeDB.Close()
			return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
		}
		readDB.SetMaxOpenConns(10)
		readDB.SetMaxIdleConns(5)
		readDB.SetConnMaxLifetime(5 * time.Minute)
		s.writeDB, s.readDB = writeDB, readDB
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.writeDB.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := s.writeDB.ExecContext(ctx, sqliteSchema); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Infow("SQLite store opened", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) SaveAlert(ctx context.Context, a *core.Alert) error {
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO alerts (id, event_id, rule_id, rule_version, severity, status, trace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, a.EventID, a.RuleID, a.RuleVersion, a.Severity, string(a.Status), a.TraceID,
		a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	return classify("save alert", err)
}

const alertColumns = `id, event_id, rule_id, rule_version, severity, status, trace_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var a core.Alert
	var status string
	var created, updated int64
	if err := row.Scan(&a.ID, &a.EventID, &a.RuleID, &a.RuleVersion, &a.Severity, &status, &a.TraceID, &created, &updated); err != nil {
		return nil, err
	}
	a.Status = core.AlertStatus(status)
	a.CreatedAt = time.Unix(0, created).UTC()
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return &a, nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	a, err := scanAlert(s.readDB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("alert")
	}
	if err != nil {
		return nil, classify("get alert", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, q AlertQuery) ([]*core.Alert, error) {
	var where []string
	var args []interface{}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, q.RuleID)
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, normalizeLimit(q.Limit))

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list alerts", err)
	}
	defer rows.Close()

	out := make([]*core.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, classify("list alerts", err)
		}
		out = append(out, a)
	}
	return out, classify("list alerts", rows.Err())
}

func (s *SQLiteStore) UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus, at time.Time) (*core.Alert, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("update alert", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("alert")
	}
	if err != nil {
		return nil, classify("update alert", err)
	}
	if !a.Status.CanTransitionTo(status) {
		return nil, invalidTransition(a.Status, status)
	}
	a.Status = status
	a.UpdatedAt = at.UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), a.UpdatedAt.UnixNano(), id); err != nil {
		return nil, classify("update alert", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("update alert", err)
	}
	return a, nil
}

func (s *SQLiteStore) LoadRules(ctx context.Context) ([]core.Rule, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT r.body FROM rules r
		WHERE r.version = (SELECT MAX(version) FROM rules WHERE id = r.id)
		ORDER BY r.id`)
	if err != nil {
		return nil, classify("load rules", err)
	}
	defer rows.Close()

	out := make([]core.Rule, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, classify("load rules", err)
		}
		r, err := decodeRule(body)
		if err != nil {
			return nil, core.NewPermanentStorageError("load rules", err)
		}
		out = append(out, r)
	}
	return out, classify("load rules", rows.Err())
}

func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	var body string
	err := s.readDB.QueryRowContext(ctx,
		`SELECT body FROM rules WHERE id = ? ORDER BY version DESC LIMIT 1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("rule")
	}
	if err != nil {
		return nil, classify("get rule", err)
	}
	r, err := decodeRule(body)
	if err != nil {
		return nil, core.NewPermanentStorageError("get rule", err)
	}
	return &r, nil
}

func (s *SQLiteStore) SaveRule(ctx context.Context, rule *core.Rule) (*core.Rule, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("save rule", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored := copyRule(*rule)
	now := s.now().UTC()
	var latest sql.NullInt64
	var firstCreated sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version), MIN(created_at) FROM rules WHERE id = ?`, rule.ID).Scan(&latest, &firstCreated); err != nil {
		return nil, classify("save rule", err)
	}
	stored.Version = int(latest.Int64) + 1
	stored.CreatedAt = now
	if firstCreated.Valid {
		stored.CreatedAt = time.Unix(0, firstCreated.Int64).UTC()
	}
	stored.UpdatedAt = now

	body, err := json.Marshal(stored)
	if err != nil {
		return nil, core.NewPermanentStorageError("save rule", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO rules (id, version, body, created_at) VALUES (?, ?, ?, ?)`,
		stored.ID, stored.Version, string(body), stored.CreatedAt.UnixNano()); err != nil {
		return nil, classify("save rule", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("save rule", err)
	}
	return &stored, nil
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *core.Event) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return core.NewPermanentStorageError("save event", err)
	}
	_, err = s.writeDB.ExecContext(ctx, `
		INSERT INTO events (id, timestamp, source, type, fields) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Timestamp.UnixNano(), ev.Source, ev.Type, string(fields))
	return classify("save event", err)
}

func (s *SQLiteStore) LoadEvents(ctx context.Context, q EventQuery) ([]*core.Event, error) {
	var where []string
	var args []interface{}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, q.Until.UnixNano())
	}
	query := `SELECT id, timestamp, source, type, fields FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC LIMIT ?"
	args = append(args, normalizeLimit(q.Limit))

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("load events", err)
	}
	defer rows.Close()

	out := make([]*core.Event, 0)
	for rows.Next() {
		var ev core.Event
		var ts int64
		var fields string
		if err := rows.Scan(&ev.ID, &ts, &ev.Source, &ev.Type, &fields); err != nil {
			return nil, classify("load events", err)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		dec := json.NewDecoder(bytes.NewReader([]byte(fields)))
		dec.UseNumber()
		if err := dec.Decode(&ev.Fields); err != nil {
			return nil, core.NewPermanentStorageError("load events", err)
		}
		out = append(out, &ev)
	}
	return out, classify("load events", rows.Err())
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return core.NewPermanentStorageError("ping", ErrStoreClosed)
	}
	return classify("ping", s.writeDB.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if s.readDB != nil && s.readDB != s.writeDB {
		errs = append(errs, s.readDB.Close())
	}
	if s.writeDB != nil {
		errs = append(errs, s.writeDB.Close())
	}
	return errors.Join(errs...)
}

func decodeRule(body string) (core.Rule, error) {
	var r core.Rule
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	err := dec.Decode(&r)
	return r, err
}

// validateDatabasePath rejects traversal sequences and null bytes.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if strings.ContainsAny(dbPath, "?#") {
		return fmt.Errorf("query parameters not allowed in path")
	}
	return nil
}
