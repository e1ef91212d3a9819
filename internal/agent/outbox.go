// internal/agent/outbox.go
package agent

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/telemetry"
	_ "modernc.org/sqlite"
)

// Delivery states of an outbox entry.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusRejected  = "rejected"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    inference_id   TEXT NOT NULL UNIQUE,
    reading        TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    certificate_id TEXT NOT NULL DEFAULT '',
    attempts       INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(status) WHERE status = 'pending';
`

// Entry is one signed reading awaiting or past delivery.
type Entry struct {
	ID            int64
	Reading       telemetry.Reading
	Status        string
	CertificateID string
	Attempts      int
	LastError     string
	CreatedAt     time.Time
}

// Outbox is the agent's local SQLite record of signed readings. A reading is
// written here before the first delivery attempt, so nothing is lost when
// the oracle is down.
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// OpenOutbox opens (or creates) the outbox database at dbPath and runs migrations.
func OpenOutbox(dbPath string) (*Outbox, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(outboxSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Outbox{db: db, now: time.Now}, nil
}

// Add stores a signed reading as pending. Duplicate inference ids are
// silently ignored.
func (o *Outbox) Add(r telemetry.Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	now := o.stamp()
	_, err = o.db.Exec(`
		INSERT OR IGNORE INTO outbox (inference_id, reading, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.InferenceID, string(data), StatusPending, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// Pending returns up to limit undelivered entries, oldest first.
func (o *Outbox) Pending(limit int) ([]Entry, error) {
	return o.query(`WHERE status = ? ORDER BY id ASC LIMIT ?`, StatusPending, limit)
}

// Get returns the entry for an inference id.
func (o *Outbox) Get(inferenceID string) (Entry, error) {
	entries, err := o.query(`WHERE inference_id = ?`, inferenceID)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("outbox entry %s: %w", inferenceID, sql.ErrNoRows)
	}
	return entries[0], nil
}

func (o *Outbox) query(where string, args ...any) ([]Entry, error) {
	rows, err := o.db.Query(`
		SELECT id, reading, status, certificate_id, attempts, last_error, created_at
		FROM outbox `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var reading, createdAt string
		if err := rows.Scan(&e.ID, &reading, &e.Status, &e.CertificateID, &e.Attempts, &e.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(reading), &e.Reading); err != nil {
			return nil, fmt.Errorf("decode reading id=%d: %w", e.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Resign re-signs every pending reading of nodeID with signer. Agent keys
// live only as long as the process, so readings left over from a previous
// run carry a signature the oracle no longer accepts.
func (o *Outbox) Resign(nodeID string, signer attest.Signer) (int, error) {
	entries, err := o.query(`WHERE status = ? ORDER BY id ASC`, StatusPending)
	if err != nil {
		return 0, err
	}

	tx, err := o.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin resign: %w", err)
	}
	defer tx.Rollback()

	n := 0
	now := o.stamp()
	for _, e := range entries {
		if e.Reading.NodeID != nodeID {
			continue
		}
		r := e.Reading
		r.Signature = ""
		signed, err := attest.SignReading(signer, r)
		if err != nil {
			return 0, fmt.Errorf("sign reading %s: %w", r.InferenceID, err)
		}
		data, err := json.Marshal(signed)
		if err != nil {
			return 0, fmt.Errorf("marshal reading: %w", err)
		}
		if _, err := tx.Exec(`UPDATE outbox SET reading = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(data), now, e.ID, StatusPending); err != nil {
			return 0, fmt.Errorf("update outbox id=%d: %w", e.ID, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit resign: %w", err)
	}
	return n, nil
}

// MarkDelivered records the certificate issued for an entry.
func (o *Outbox) MarkDelivered(id int64, certificateID string) error {
	return o.update(id, `status = ?, certificate_id = ?, last_error = '', attempts = attempts + 1`, StatusDelivered, certificateID)
}

// MarkRejected takes an entry out of the delivery loop for good.
func (o *Outbox) MarkRejected(id int64, reason string) error {
	return o.update(id, `status = ?, last_error = ?, attempts = attempts + 1`, StatusRejected, reason)
}

// RecordFailure notes a transient delivery failure; the entry stays pending.
func (o *Outbox) RecordFailure(id int64, reason string) error {
	return o.update(id, `last_error = ?, attempts = attempts + 1`, reason)
}

func (o *Outbox) update(id int64, set string, args ...any) error {
	args = append(args, o.stamp(), id)
	if _, err := o.db.Exec(`UPDATE outbox SET `+set+`, updated_at = ? WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update outbox id=%d: %w", id, err)
	}
	return nil
}

// Counts returns the number of entries per status.
func (o *Outbox) Counts() (map[string]int, error) {
	rows, err := o.db.Query(`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{StatusPending: 0, StatusDelivered: 0, StatusRejected: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) stamp() string {
	return o.now().UTC().Format(time.RFC3339Nano)
}
