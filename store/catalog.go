package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	iface "DetCurator/interface"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one catalogued approval decision.
type Entry struct {
	ID         int64             `json:"id"`
	Filename   string            `json:"filename"`
	Model      string            `json:"model_name"`
	Approved   bool              `json:"approved"`
	Detections []iface.Detection `json:"detections"`
	ImagePath  string            `json:"image_path"`
	MetaPath   string            `json:"meta_path"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Filter narrows List. A nil Approved matches both partitions.
type Filter struct {
	Approved *bool
	Model    string
	Limit    int
}

// Catalog indexes saved approvals in SQLite so they can be listed without
// walking the approval tree.
type Catalog struct {
	db *sql.DB
	mu sync.RWMutex
}

func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		model TEXT NOT NULL,
		approved INTEGER NOT NULL,
		detections TEXT NOT NULL,
		image_path TEXT NOT NULL,
		meta_path TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_approved ON approvals(approved);
	CREATE INDEX IF NOT EXISTS idx_approvals_model ON approvals(model);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Record appends e and fills in its ID.
func (c *Catalog) Record(ctx context.Context, e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dets := e.Detections
	if dets == nil {
		dets = []iface.Detection{}
	}
	raw, err := json.Marshal(dets)
	if err != nil {
		return fmt.Errorf("failed to encode detections: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	result, err := c.db.ExecContext(ctx, `
		INSERT INTO approvals (filename, model, approved, detections, image_path, meta_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Filename, e.Model, e.Approved, string(raw), e.ImagePath, e.MetaPath, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	e.ID, err = result.LastInsertId()
	return err
}

// List returns matching entries, newest first.
func (c *Catalog) List(ctx context.Context, f Filter) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := `SELECT id, filename, model, approved, detections, image_path, meta_path, created_at
		FROM approvals WHERE 1=1`
	var args []any
	if f.Approved != nil {
		query += " AND approved = ?"
		args = append(args, *f.Approved)
	}
	if f.Model != "" {
		query += " AND model = ?"
		args = append(args, f.Model)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var raw string
		if err := rows.Scan(&e.ID, &e.Filename, &e.Model, &e.Approved, &raw, &e.ImagePath, &e.MetaPath, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Detections); err != nil {
			return nil, fmt.Errorf("failed to decode detections of approval %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
