package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ryanm101/romscraper/quota"
)

// Load returns the dispatch times recorded for a credential after since,
// oldest first. Together with Append it makes *DB a quota.Ledger.
func (db *DB) Load(ctx context.Context, credential string, since time.Time) ([]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT dispatched_at FROM quota_ledger WHERE credential = ? AND dispatched_at > ? ORDER BY dispatched_at",
		credential, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to load quota ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []time.Time
	for rows.Next() {
		var ns int64
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("failed to scan quota ledger: %w", err)
		}
		out = append(out, time.Unix(0, ns).UTC())
	}
	return out, rows.Err()
}

// Append records one dispatch and drops the credential's dispatches that
// have left the quota window.
func (db *DB) Append(ctx context.Context, credential string, at time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to append to quota ledger: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO quota_ledger (credential, dispatched_at) VALUES (?, ?)",
		credential, at.UnixNano()); err != nil {
		return fmt.Errorf("failed to append to quota ledger: %w", err)
	}
	cutoff := at.Add(-quota.DefaultWindow)
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM quota_ledger WHERE credential = ? AND dispatched_at < ?",
		credential, cutoff.UnixNano()); err != nil {
		return fmt.Errorf("failed to trim quota ledger: %w", err)
	}
	return tx.Commit()
}

// PruneLedger deletes dispatches at or before the given time and reports how
// many rows went.
func (db *DB) PruneLedger(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM quota_ledger WHERE dispatched_at <= ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune quota ledger: %w", err)
	}
	return res.RowsAffected()
}
