package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"freesky-proxy/work/types"
)

// SaveChannels replaces the stored snapshot with channels in a single transaction, so a
// reader never sees a mix of two catalogs.
func (db *DB) SaveChannels(channels []types.Channel) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM channels"); err != nil {
		return fmt.Errorf("failed to clear channels: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO channels (id, provider, name, tags_json, logo, position)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, id) DO UPDATE SET
			name = excluded.name,
			tags_json = excluded.tags_json,
			logo = excluded.logo
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, ch := range channels {
		tags, err := json.Marshal(ch.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags for channel %s: %w", ch.ID, err)
		}
		if _, err := stmt.Exec(ch.ID, ch.Provider, ch.Name, string(tags), ch.LogoRef, i); err != nil {
			return fmt.Errorf("failed to save channel %s: %w", ch.ID, err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO snapshots (id, channel_count, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET channel_count = excluded.channel_count, saved_at = excluded.saved_at
	`, len(channels), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}

	return tx.Commit()
}

// LoadChannels returns the stored snapshot in its saved order along with the time it was
// written. A database that never saw a snapshot yields types.ErrNotFound.
func (db *DB) LoadChannels() ([]types.Channel, time.Time, error) {
	var savedAt int64
	err := db.QueryRow("SELECT saved_at FROM snapshots WHERE id = 1").Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("no catalog snapshot: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	rows, err := db.Query("SELECT id, provider, name, tags_json, logo FROM channels ORDER BY position")
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []types.Channel
	for rows.Next() {
		var ch types.Channel
		var tags string
		if err := rows.Scan(&ch.ID, &ch.Provider, &ch.Name, &tags, &ch.LogoRef); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan channel: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &ch.Tags); err != nil {
			ch.Tags = nil
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to iterate channels: %w", err)
	}

	return channels, time.Unix(savedAt, 0), nil
}
