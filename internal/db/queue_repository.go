package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/kimhsiao/fieldmap/backend/internal/models"
)

// ErrJobNotFound is returned when a queue row does not exist.
var ErrJobNotFound = errors.New("queue job not found")

// QueueRepository persists sync_queue rows.
// Statements are prepared on first use and cached for reuse.
type QueueRepository struct {
	db        *sql.DB
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewQueueRepository creates a repository over an open database.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

func (r *QueueRepository) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *QueueRepository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

const queueColumns = `id, plant_id, image_name, blob_hash, blob_size, annotations,
	status, attempts, last_error, enqueued_at, updated_at`

// Put inserts or replaces a row keyed by job id.
func (r *QueueRepository) Put(ctx context.Context, row *models.SyncQueueRow) error {
	stmt, err := r.prepare(ctx, `INSERT OR REPLACE INTO sync_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	annotations := string(row.Annotations)
	if annotations == "" {
		annotations = "{}"
	}

	_, err = stmt.ExecContext(ctx,
		row.ID, row.PlantID, row.ImageName, row.BlobHash, row.BlobSize, annotations,
		row.Status, row.Attempts, row.LastError, row.EnqueuedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put queue row: %w", err)
	}
	return nil
}

// Get returns a single row or ErrJobNotFound.
func (r *QueueRepository) Get(ctx context.Context, id string) (*models.SyncQueueRow, error) {
	stmt, err := r.prepare(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}

	row, err := scanQueueRow(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue row: %w", err)
	}
	return row, nil
}

// GetAll returns every row oldest first. Rows enqueued in the same
// nanosecond keep insertion order.
func (r *QueueRepository) GetAll(ctx context.Context) ([]*models.SyncQueueRow, error) {
	stmt, err := r.prepare(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY enqueued_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue rows: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncQueueRow
	for rows.Next() {
		row, err := scanQueueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Delete removes a row. Deleting an absent id is not an error.
func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	stmt, err := r.prepare(ctx, `DELETE FROM sync_queue WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to delete queue row: %w", err)
	}
	return nil
}

// UpdateStatus records an attempt outcome for a row.
func (r *QueueRepository) UpdateStatus(ctx context.Context, id, status string, attempts int, lastError string, updatedAt int64) error {
	stmt, err := r.prepare(ctx, `UPDATE sync_queue
		SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, status, attempts, lastError, updatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update queue row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update queue row: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Count returns the number of queued rows.
func (r *QueueRepository) Count(ctx context.Context) (int, error) {
	stmt, err := r.prepare(ctx, `SELECT COUNT(*) FROM sync_queue`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := stmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue rows: %w", err)
	}
	return n, nil
}

// CountByBlobHash returns how many rows reference a payload.
func (r *QueueRepository) CountByBlobHash(ctx context.Context, hash string) (int, error) {
	stmt, err := r.prepare(ctx, `SELECT COUNT(*) FROM sync_queue WHERE blob_hash = ?`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := stmt.QueryRowContext(ctx, hash).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count blob references: %w", err)
	}
	return n, nil
}

// BlobHashes returns every payload hash still referenced by a row.
func (r *QueueRepository) BlobHashes(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT blob_hash FROM sync_queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blob hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueRow(s rowScanner) (*models.SyncQueueRow, error) {
	var row models.SyncQueueRow
	var annotations string
	err := s.Scan(
		&row.ID, &row.PlantID, &row.ImageName, &row.BlobHash, &row.BlobSize, &annotations,
		&row.Status, &row.Attempts, &row.LastError, &row.EnqueuedAt, &row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	row.Annotations = []byte(annotations)
	return &row, nil
}
