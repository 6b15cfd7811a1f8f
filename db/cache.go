package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ryanm101/romscraper/catalog"
)

// Lookup is the cached outcome of identifying one ROM. An empty GameID means
// the catalog had no match.
type Lookup struct {
	SHA1       string
	PlatformID int
	GameID     string
	LookedUpAt time.Time
}

// Found reports whether the lookup matched a game.
func (l Lookup) Found() bool {
	return l.GameID != ""
}

// MediaFile is a downloaded media asset.
type MediaFile struct {
	GameID    string
	Category  string
	Region    string
	URL       string
	LocalPath string
}

// GetLookup returns the cached lookup for a ROM hash, or nil if there is none.
func (db *DB) GetLookup(ctx context.Context, sha1 string) (*Lookup, error) {
	var (
		l      Lookup
		gameID sql.NullString
		at     int64
	)
	err := db.conn.QueryRowContext(ctx,
		"SELECT sha1, platform_id, game_id, looked_up_at FROM rom_lookups WHERE sha1 = ?", sha1,
	).Scan(&l.SHA1, &l.PlatformID, &gameID, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lookup: %w", err)
	}
	l.GameID = gameID.String
	l.LookedUpAt = time.Unix(0, at).UTC()
	return &l, nil
}

// SaveLookup stores or replaces the lookup for a ROM hash. A match must refer
// to a record saved with SaveRecord.
func (db *DB) SaveLookup(ctx context.Context, l Lookup) error {
	var gameID sql.NullString
	if l.GameID != "" {
		gameID = sql.NullString{String: l.GameID, Valid: true}
	}
	if l.LookedUpAt.IsZero() {
		l.LookedUpAt = time.Now()
	}
	query := `
		INSERT INTO rom_lookups (sha1, platform_id, game_id, looked_up_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sha1) DO UPDATE SET
			platform_id = excluded.platform_id,
			game_id = excluded.game_id,
			looked_up_at = excluded.looked_up_at
	`
	if _, err := db.conn.ExecContext(ctx, query, l.SHA1, l.PlatformID, gameID, l.LookedUpAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save lookup: %w", err)
	}
	return nil
}

// SaveRecord caches a catalog record.
func (db *DB) SaveRecord(ctx context.Context, rec *catalog.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	query := `
		INSERT INTO game_records (game_id, name, platform_id, payload, fetched_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(game_id) DO UPDATE SET
			name = excluded.name,
			platform_id = excluded.platform_id,
			payload = excluded.payload,
			fetched_at = CURRENT_TIMESTAMP
	`
	if _, err := db.conn.ExecContext(ctx, query, rec.ID, rec.Name, rec.PlatformID, string(payload)); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// GetRecord returns a cached record, or nil if it is not cached.
func (db *DB) GetRecord(ctx context.Context, gameID string) (*catalog.Record, error) {
	var payload string
	err := db.conn.QueryRowContext(ctx, "SELECT payload FROM game_records WHERE game_id = ?", gameID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	var rec catalog.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", gameID, err)
	}
	return &rec, nil
}

// SaveMedia records a downloaded asset, replacing any earlier file of the
// same category for the game.
func (db *DB) SaveMedia(ctx context.Context, m MediaFile) error {
	query := `
		INSERT INTO game_media (game_id, category, region, url, local_path, downloaded_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(game_id, category) DO UPDATE SET
			region = excluded.region,
			url = excluded.url,
			local_path = excluded.local_path,
			downloaded_at = CURRENT_TIMESTAMP
	`
	if _, err := db.conn.ExecContext(ctx, query, m.GameID, m.Category, m.Region, m.URL, m.LocalPath); err != nil {
		return fmt.Errorf("failed to save media: %w", err)
	}
	return nil
}

// GetMedia returns the downloaded media for a game keyed by category.
func (db *DB) GetMedia(ctx context.Context, gameID string) (map[string]MediaFile, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT category, COALESCE(region, ''), COALESCE(url, ''), local_path FROM game_media WHERE game_id = ?", gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	defer func() { _ = rows.Close() }()

	media := make(map[string]MediaFile)
	for rows.Next() {
		m := MediaFile{GameID: gameID}
		if err := rows.Scan(&m.Category, &m.Region, &m.URL, &m.LocalPath); err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		media[m.Category] = m
	}
	return media, rows.Err()
}
