package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// RefIndex records which owners (instances, loaders, runtimes) reference
// which stored objects. Garbage collection keeps everything referenced.
type RefIndex struct {
	db *sql.DB
}

// OpenRefIndex opens or creates the reference database at path.
func OpenRefIndex(path string) (*RefIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference index: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS refs (
			owner    TEXT NOT NULL,
			checksum TEXT NOT NULL,
			PRIMARY KEY (owner, checksum)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_checksum ON refs(checksum)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create reference schema: %w", err)
		}
	}

	return &RefIndex{db: db}, nil
}

// Close closes the underlying database.
func (r *RefIndex) Close() error {
	return r.db.Close()
}

// Retain replaces owner's reference set with sums.
func (r *RefIndex) Retain(ctx context.Context, owner string, sums []Checksum) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reference update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM refs WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("failed to clear references for %s: %w", owner, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO refs (owner, checksum) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare reference insert: %w", err)
	}
	defer stmt.Close()

	for _, sum := range sums {
		if sum.IsZero() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, owner, sum.String()); err != nil {
			return fmt.Errorf("failed to record reference %s: %w", sum, err)
		}
	}

	return tx.Commit()
}

// Release drops every reference held by owner.
func (r *RefIndex) Release(ctx context.Context, owner string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM refs WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("failed to release references for %s: %w", owner, err)
	}
	return nil
}

// Referenced returns the set of checksums held by any owner, keyed by
// their prefixed string form.
func (r *RefIndex) Referenced(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT checksum FROM refs`)
	if err != nil {
		return nil, fmt.Errorf("failed to query references: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var sum string
		if err := rows.Scan(&sum); err != nil {
			return nil, fmt.Errorf("failed to scan reference: %w", err)
		}
		set[sum] = struct{}{}
	}
	return set, rows.Err()
}

// Owners lists every owner with at least one reference.
func (r *RefIndex) Owners(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT owner FROM refs ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("failed to query owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}
