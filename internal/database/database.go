package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"receipt-validator/internal/models"
)

const historyKey = "inventory_history"

// DB wraps the database connection and persists engine state.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS purchase_records (
			product_id TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			record TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchase_status ON purchase_records(status)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// HistoryMarker returns the time the first non-empty inventory sync was seen.
func (db *DB) HistoryMarker(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, historyKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read history marker: %w", err)
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse history marker %q: %w", value, err)
	}
	return time.Unix(unix, 0).UTC(), true, nil
}

// SetHistoryMarker stores at as the history marker.
func (db *DB) SetHistoryMarker(ctx context.Context, at time.Time) error {
	query := `INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		historyKey,
		strconv.FormatInt(at.Unix(), 10),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to set history marker: %w", err)
	}
	return nil
}

// ClearHistoryMarker removes the history marker.
func (db *DB) ClearHistoryMarker(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, historyKey); err != nil {
		return fmt.Errorf("failed to clear history marker: %w", err)
	}
	return nil
}

// UpsertPurchase creates or replaces the stored record for rec.ProductID.
func (db *DB) UpsertPurchase(ctx context.Context, rec models.PurchaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode purchase %s: %w", rec.ProductID, err)
	}

	query := `INSERT INTO purchase_records (product_id, status, record, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(product_id) DO UPDATE SET
		status = excluded.status,
		record = excluded.record,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		rec.ProductID,
		int(rec.Status),
		string(data),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert purchase %s: %w", rec.ProductID, err)
	}
	return nil
}

// ReplacePurchases swaps the stored records for recs in a single transaction.
func (db *DB) ReplacePurchases(ctx context.Context, recs []models.PurchaseRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM purchase_records`); err != nil {
		return fmt.Errorf("failed to clear purchases: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO purchase_records (
		product_id, status, record, updated_at
	) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode purchase %s: %w", rec.ProductID, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ProductID, int(rec.Status), string(data), now); err != nil {
			return fmt.Errorf("failed to insert purchase %s: %w", rec.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadPurchases returns every stored record.
func (db *DB) LoadPurchases(ctx context.Context) ([]models.PurchaseRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT record FROM purchase_records`)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var recs []models.PurchaseRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		var rec models.PurchaseRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode purchase: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchases: %w", err)
	}
	return recs, nil
}
