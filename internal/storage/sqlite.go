package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding received notifications and the
// background job queue.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "aaa.db")
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases alive and avoids
	// "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.Get(&exists, "SELECT COUNT(*) FROM schema_version WHERE version = ?", version); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	var versions []int
	err := s.db.Select(&versions, "SELECT version FROM schema_version ORDER BY version ASC")
	return versions, err
}

// --- Notifications ---

const notificationColumns = `id, type, queue_name, title, message, payload_json, link, gift, read, acked, received_at`

// receivedLayout has fixed-width fractions so stored timestamps sort as text.
const receivedLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SaveNotification stores n unless a notification with the same id already
// exists. It reports whether a row was inserted.
func (s *Store) SaveNotification(n Notification) (bool, error) {
	if n.ID == "" {
		return false, errors.New("notification id is required")
	}
	payload := n.PayloadJSON
	if payload == "" {
		payload = "null"
	}
	row := notificationRow{
		ID: n.ID, Type: n.Type, QueueName: n.QueueName, Title: n.Title, Message: n.Message,
		PayloadJSON: payload, Link: n.Link, Gift: n.Gift, Read: n.Read, Acked: n.Acked,
		ReceivedAt: n.ReceivedAt.UTC().Format(receivedLayout),
	}
	res, err := s.db.NamedExec(`
		INSERT OR IGNORE INTO notifications (`+notificationColumns+`)
		VALUES (:id, :type, :queue_name, :title, :message, :payload_json, :link, :gift, :read, :acked, :received_at)`, row)
	if err != nil {
		return false, err
	}
	n64, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n64 == 1, nil
}

func (s *Store) GetNotification(id string) (Notification, error) {
	var row notificationRow
	err := s.db.Get(&row, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, err
	}
	return row.toNotification()
}

// ListNotifications returns notifications newest first.
func (s *Store) ListNotifications(f NotificationFilter) ([]Notification, error) {
	var where []string
	if f.UnreadOnly {
		where = append(where, "read = 0")
	}
	if f.UnackedOnly {
		where = append(where, "acked = 0")
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC, rowid DESC"
	var args []any
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []notificationRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	results := make([]Notification, 0, len(rows))
	for _, row := range rows {
		n, err := row.toNotification()
		if err != nil {
			return nil, err
		}
		results = append(results, n)
	}
	return results, nil
}

func (s *Store) MarkNotificationRead(id string) error {
	return s.execOne(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
}

// MarkAllNotificationsRead returns the number of notifications that changed.
func (s *Store) MarkAllNotificationsRead() (int, error) {
	res, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE read = 0`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkNotificationsAcked flags ids as acknowledged by the server. Unknown ids
// are ignored.
func (s *Store) MarkNotificationsAcked(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`UPDATE notifications SET acked = 1 WHERE id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteNotification(id string) error {
	return s.execOne(`DELETE FROM notifications WHERE id = ?`, id)
}

// PruneNotifications keeps the newest keep notifications and deletes the
// rest, returning how many were removed.
func (s *Store) PruneNotifications(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`
		DELETE FROM notifications WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY received_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) execOne(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r notificationRow) toNotification() (Notification, error) {
	t, err := time.Parse(time.RFC3339Nano, r.ReceivedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("parsing received_at for %s: %w", r.ID, err)
	}
	return Notification{
		ID: r.ID, Type: r.Type, QueueName: r.QueueName, Title: r.Title, Message: r.Message,
		PayloadJSON: r.PayloadJSON, Link: r.Link, Gift: r.Gift, Read: r.Read, Acked: r.Acked,
		ReceivedAt: t,
	}, nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob marks the oldest runnable pending job of one of types as
// running and returns it, or nil when there is none.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query, args, err := sqlx.In(`SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, now, types)
	if err != nil {
		return nil, fmt.Errorf("building claim query: %w", err)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.Get(&row, tx.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, row.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	row.Status = "running"
	row.UpdatedAt = now
	return row.toJob()
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return s.execOne(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff until it reaches max_attempts, then marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var counts struct {
		Attempts    int `db:"attempts"`
		MaxAttempts int `db:"max_attempts"`
	}
	err = tx.Get(&counts, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts := counts.Attempts + 1

	if attempts >= counts.MaxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Add(backoff).Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts() (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.Select(&rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (r jobRow) toJob() (*Job, error) {
	j := &Job{
		ID: r.ID, Type: r.Type, PayloadJSON: r.PayloadJSON, Status: r.Status,
		Attempts: r.Attempts, MaxAttempts: r.MaxAttempts,
	}
	if r.LastError != nil {
		j.LastError = *r.LastError
	}
	var err error
	if j.RunAfter, err = time.Parse(time.RFC3339, r.RunAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", r.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", r.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", r.ID, err)
	}
	return j, nil
}
