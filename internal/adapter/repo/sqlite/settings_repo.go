package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/daybook-io/daybook/internal/domain"
)

// SettingsRepo is a JSON key-value store backed by the settings table.
// Sync state (last sync time, last processed id, last sync result) lives
// here under the per-namespace keys from the domain package.
type SettingsRepo struct{ db *DB }

// NewSettingsRepo constructs a SettingsRepo on the given database.
func NewSettingsRepo(db *DB) *SettingsRepo { return &SettingsRepo{db: db} }

// Get unmarshals the stored value for key into out.
func (r *SettingsRepo) Get(ctx domain.Context, key string, out any) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Get")
	defer span.End()

	var raw string
	err := r.db.GetContext(ctx, &raw, `SELECT value_json FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("op=settings.get: %w: key %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("op=settings.get: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("op=settings.get: unmarshal %s: %w", key, err)
	}
	return nil
}

// Set stores value under key, replacing any previous value.
func (r *SettingsRepo) Set(ctx domain.Context, key string, value any) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Set")
	defer span.End()

	if key == "" {
		return fmt.Errorf("op=settings.set: %w: key is required", domain.ErrInvalidArgument)
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("op=settings.set: marshal %s: %w", key, err)
	}

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
		key, string(buf), fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("op=settings.set: %w", err)
	}
	return nil
}

// Delete removes the key. Deleting an absent key is a no-op.
func (r *SettingsRepo) Delete(ctx domain.Context, key string) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Delete")
	defer span.End()

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("op=settings.delete: %w", err)
	}
	return nil
}
