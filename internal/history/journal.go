// Package history keeps a local journal of delivered and sent messages.
package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/chatsync/internal/bus"
)

type Entry struct {
	ID        int64
	Contact   string
	Role      string
	Content   string
	Hash      string
	ReadAt    time.Time
	CreatedAt time.Time
}

type ContactStat struct {
	Contact string
	Count   int
	Last    time.Time
}

type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

func NewJournal(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, oops.In("history").Wrapf(err, "create db dir")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, oops.In("history").Wrapf(err, "open sqlite")
	}

	j := &Journal{db: db}
	if err := j.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return oops.In("history").With("pragma", p).Wrapf(err, "sqlite pragma")
		}
	}
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) Shutdown() error {
	return j.Close()
}

func (j *Journal) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contact TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			content TEXT NOT NULL,
			hash TEXT NOT NULL,
			read_at TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_contact ON deliveries(contact, id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_hash ON deliveries(contact, hash)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS deliveries_fts USING fts5(
			content,
			content='deliveries',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS deliveries_ai AFTER INSERT ON deliveries BEGIN
			INSERT INTO deliveries_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS deliveries_ad AFTER DELETE ON deliveries BEGIN
			INSERT INTO deliveries_fts(deliveries_fts, rowid, content) VALUES('delete', old.id, old.content);
		END`,
	}

	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return oops.In("history").Wrapf(err, "init schema")
		}
	}
	return nil
}

// Record stores events in one transaction, in the given order.
func (j *Journal) Record(events ...bus.MessageEvent) error {
	if len(events) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return oops.In("history").Wrapf(err, "begin")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO deliveries (contact, role, content, hash, read_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return oops.In("history").Wrapf(err, "prepare insert")
	}
	defer stmt.Close()

	for _, ev := range events {
		role := ev.Role
		if role == "" {
			role = bus.RoleUser
		}
		readAt := ev.Timestamp
		if readAt.IsZero() {
			readAt = time.Now()
		}
		if _, err := stmt.Exec(ev.Contact, role, ev.Content, ev.Hash, readAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return oops.In("history").With("contact", ev.Contact).Wrapf(err, "insert delivery")
		}
	}
	if err := tx.Commit(); err != nil {
		return oops.In("history").Wrapf(err, "commit")
	}
	return nil
}

// List returns the newest entries for contact, newest first.
func (j *Journal) List(contact string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT id, contact, role, content, hash, read_at, created_at
		FROM deliveries
		WHERE contact = ?
		ORDER BY id DESC
		LIMIT ?
	`, contact, limit)
	if err != nil {
		return nil, oops.In("history").With("contact", contact).Wrapf(err, "list deliveries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search runs a full-text query over message content.
func (j *Journal) Search(keywords string, limit int) ([]Entry, error) {
	query := ftsQuery(keywords)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(`
		SELECT d.id, d.contact, d.role, d.content, d.hash, d.read_at, d.created_at
		FROM deliveries_fts f
		JOIN deliveries d ON d.id = f.rowid
		WHERE deliveries_fts MATCH ?
		ORDER BY d.id DESC
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, oops.In("history").Wrapf(err, "search deliveries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (j *Journal) Contacts() ([]ContactStat, error) {
	rows, err := j.db.Query(`
		SELECT contact, COUNT(1), MAX(read_at)
		FROM deliveries
		GROUP BY contact
		ORDER BY contact
	`)
	if err != nil {
		return nil, oops.In("history").Wrapf(err, "list contacts")
	}
	defer rows.Close()

	var out []ContactStat
	for rows.Next() {
		var st ContactStat
		var last string
		if err := rows.Scan(&st.Contact, &st.Count, &last); err != nil {
			return nil, oops.In("history").Wrapf(err, "scan contact")
		}
		st.Last, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var readAt, createdAt string
		if err := rows.Scan(&e.ID, &e.Contact, &e.Role, &e.Content, &e.Hash, &readAt, &createdAt); err != nil {
			return nil, oops.In("history").Wrapf(err, "scan delivery")
		}
		e.ReadAt, _ = time.Parse(time.RFC3339Nano, readAt)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ftsQuery quotes each word so user input cannot inject FTS syntax.
func ftsQuery(keywords string) string {
	words := strings.Fields(keywords)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " ")
}
