// Package buffer is the probe's durable on-disk FIFO: a WAL-mode SQLite
// queue that survives host crashes so a disconnected probe can still keep
// capturing metrics.
package buffer

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultMaxSizeBytes is the default byte-size quota before eviction kicks in.
const DefaultMaxSizeBytes = 100 * 1024 * 1024

// Buffer is a thread-safe SQLite-backed FIFO queue for serialized metrics.
type Buffer struct {
	db      *sql.DB
	maxSize int64
	logger  *slog.Logger
	mu      sync.Mutex
}

// Open creates (or reopens) a durable buffer at dbPath, enabling WAL mode
// and NORMAL synchronous durability for the performance/consistency
// tradeoff the probe needs.
func Open(dbPath string, maxSizeBytes int64, logger *slog.Logger) (*Buffer, error) {
	if maxSizeBytes <= 0 {
		maxSizeBytes = DefaultMaxSizeBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("buffer: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("buffer: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: set synchronous: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at REAL DEFAULT (unixepoch())
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: create table: %w", err)
	}

	logger.Info("buffer: initialized", "path", dbPath, "max_size_bytes", maxSizeBytes)

	return &Buffer{db: db, maxSize: maxSizeBytes, logger: logger}, nil
}

// Push serializes metric as JSON and appends it to the queue, evicting the
// oldest 10% of entries first if the quota would be exceeded.
func (b *Buffer) Push(metric interface{}) error {
	payload, err := json.Marshal(metric)
	if err != nil {
		return fmt.Errorf("buffer: marshal metric: %w", err)
	}
	size := int64(len(payload))

	b.mu.Lock()
	defer b.mu.Unlock()

	currentSize, err := b.sizeBytesLocked()
	if err != nil {
		return fmt.Errorf("buffer: size check: %w", err)
	}

	if currentSize+size > b.maxSize {
		b.logger.Warn("buffer: quota exceeded, dropping oldest entries", "current_bytes", currentSize, "max_bytes", b.maxSize)
		if err := b.dropOldestLocked(); err != nil {
			b.logger.Error("buffer: eviction failed", "error", err)
		}
	}

	if _, err := b.db.Exec("INSERT INTO queue (payload, size_bytes) VALUES (?, ?)", string(payload), size); err != nil {
		return fmt.Errorf("buffer: insert: %w", err)
	}
	return nil
}

// PopBatch destructively reads up to limit entries in FIFO order, parsing
// each payload and dropping (logging, not returning) any that fail to parse.
func (b *Buffer) PopBatch(limit int) ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query("SELECT id, payload FROM queue ORDER BY id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("buffer: select batch: %w", err)
	}

	var ids []int64
	var out []json.RawMessage
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("buffer: scan row: %w", err)
		}
		ids = append(ids, id)

		if !json.Valid([]byte(payload)) {
			b.logger.Error("buffer: corrupt payload", "id", id)
			continue
		}
		out = append(out, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("buffer: iterate batch: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if err := b.deleteIDsLocked(ids); err != nil {
		return nil, fmt.Errorf("buffer: delete popped batch: %w", err)
	}

	return out, nil
}

// PeekedItem pairs a queue row's id with its parsed payload, for callers
// that need at-least-once acknowledgment rather than destructive pop.
type PeekedItem struct {
	ID   int64
	Data json.RawMessage
}

// PeekBatch reads up to limit entries without removing them, except that
// corrupt rows are auto-deleted since no caller can ever acknowledge them.
func (b *Buffer) PeekBatch(limit int) ([]PeekedItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query("SELECT id, payload FROM queue ORDER BY id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("buffer: select peek batch: %w", err)
	}
	defer rows.Close()

	var out []PeekedItem
	var corruptIDs []int64
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("buffer: scan row: %w", err)
		}

		if !json.Valid([]byte(payload)) {
			corruptIDs = append(corruptIDs, id)
			continue
		}
		out = append(out, PeekedItem{ID: id, Data: json.RawMessage(payload)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("buffer: iterate peek batch: %w", err)
	}

	if len(corruptIDs) > 0 {
		if err := b.deleteIDsLocked(corruptIDs); err != nil {
			b.logger.Error("buffer: failed to purge corrupt rows", "error", err)
		}
	}

	return out, nil
}

// Acknowledge deletes the given ids, used after a PeekBatch caller confirms
// successful delivery.
func (b *Buffer) Acknowledge(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteIDsLocked(ids)
}

// Depth returns the current item count.
func (b *Buffer) Depth() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var count int64
	if err := b.db.QueryRow("SELECT COUNT(*) FROM queue").Scan(&count); err != nil {
		return 0, fmt.Errorf("buffer: depth: %w", err)
	}
	return count, nil
}

// SizeBytes returns the total bytes used by queued payloads.
func (b *Buffer) SizeBytes() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeBytesLocked()
}

func (b *Buffer) sizeBytesLocked() (int64, error) {
	var total sql.NullInt64
	if err := b.db.QueryRow("SELECT SUM(size_bytes) FROM queue").Scan(&total); err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Int64, nil
}

// dropOldestLocked evicts the oldest 10% of queued entries to make room.
func (b *Buffer) dropOldestLocked() error {
	_, err := b.db.Exec(`
		DELETE FROM queue WHERE id IN (
			SELECT id FROM queue ORDER BY id ASC LIMIT (SELECT COUNT(*)/10 FROM queue)
		)
	`)
	return err
}

func (b *Buffer) deleteIDsLocked(ids []int64) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := b.db.Exec(fmt.Sprintf("DELETE FROM queue WHERE id IN (%s)", placeholders), args...)
	return err
}

// Close releases the underlying SQLite connection.
func (b *Buffer) Close() error {
	return b.db.Close()
}
