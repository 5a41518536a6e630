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

// SourceRepo maintains the catalog of registered namespaces.
type SourceRepo struct{ db *DB }

// NewSourceRepo constructs a SourceRepo on the given database.
func NewSourceRepo(db *DB) *SourceRepo { return &SourceRepo{db: db} }

type sourceRow struct {
	Namespace   string         `db:"namespace"`
	Kind        string         `db:"kind"`
	DisplayName string         `db:"display_name"`
	ConfigJSON  string         `db:"config_json"`
	Active      bool           `db:"active"`
	ItemCount   int            `db:"item_count"`
	LastSyncAt  sql.NullString `db:"last_sync_at"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

const sourceColumns = `namespace, kind, display_name, config_json, active, item_count, last_sync_at, created_at, updated_at`

func (row sourceRow) toInfo() (domain.SourceInfo, error) {
	cfg := map[string]string{}
	if row.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
			return domain.SourceInfo{}, fmt.Errorf("%w: config for %s: %v", domain.ErrSchemaInvalid, row.Namespace, err)
		}
	}
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return domain.SourceInfo{}, fmt.Errorf("%w: created_at for %s: %v", domain.ErrSchemaInvalid, row.Namespace, err)
	}
	updated, err := parseTime(row.UpdatedAt)
	if err != nil {
		return domain.SourceInfo{}, fmt.Errorf("%w: updated_at for %s: %v", domain.ErrSchemaInvalid, row.Namespace, err)
	}
	info := domain.SourceInfo{
		Namespace:   row.Namespace,
		Kind:        row.Kind,
		DisplayName: row.DisplayName,
		Config:      cfg,
		Active:      row.Active,
		ItemCount:   row.ItemCount,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
	if row.LastSyncAt.Valid {
		t, err := parseTime(row.LastSyncAt.String)
		if err != nil {
			return domain.SourceInfo{}, fmt.Errorf("%w: last_sync_at for %s: %v", domain.ErrSchemaInvalid, row.Namespace, err)
		}
		info.LastSyncAt = &t
	}
	return info, nil
}

// Ensure registers the namespace or refreshes its kind, display name and
// config. Sync bookkeeping (active flag, item count, last sync) survives
// re-registration.
func (r *SourceRepo) Ensure(ctx domain.Context, src domain.SourceInfo) error {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.Ensure")
	defer span.End()

	if src.Namespace == "" || src.Kind == "" {
		return fmt.Errorf("op=source.ensure: %w: namespace and kind are required", domain.ErrInvalidArgument)
	}
	cfg := src.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("op=source.ensure: marshal config: %w", err)
	}

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	now := fmtTime(time.Now().UTC())
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO data_sources (namespace, kind, display_name, config_json, active, item_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (namespace) DO UPDATE SET
		   kind = excluded.kind,
		   display_name = excluded.display_name,
		   config_json = excluded.config_json,
		   updated_at = excluded.updated_at`,
		src.Namespace, src.Kind, src.DisplayName, string(cfgJSON), src.Active, now, now)
	if err != nil {
		return fmt.Errorf("op=source.ensure: %w", err)
	}
	return nil
}

// SetActive toggles whether the namespace participates in scheduled syncs.
func (r *SourceRepo) SetActive(ctx domain.Context, namespace string, active bool) error {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.SetActive")
	defer span.End()

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE data_sources SET active = ?, updated_at = ? WHERE namespace = ?`,
		active, fmtTime(time.Now().UTC()), namespace)
	if err != nil {
		return fmt.Errorf("op=source.set_active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=source.set_active: %w: namespace %s", domain.ErrNotFound, namespace)
	}
	return nil
}

// RecordSync stores the namespace's total item count and last sync time
// after a successful run.
func (r *SourceRepo) RecordSync(ctx domain.Context, namespace string, at time.Time, itemCount int) error {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.RecordSync")
	defer span.End()

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE data_sources SET item_count = ?, last_sync_at = ?, updated_at = ? WHERE namespace = ?`,
		itemCount, fmtTime(at), fmtTime(time.Now().UTC()), namespace)
	if err != nil {
		return fmt.Errorf("op=source.record_sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=source.record_sync: %w: namespace %s", domain.ErrNotFound, namespace)
	}
	return nil
}

// Get loads one catalog entry.
func (r *SourceRepo) Get(ctx domain.Context, namespace string) (domain.SourceInfo, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.Get")
	defer span.End()

	var row sourceRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+sourceColumns+` FROM data_sources WHERE namespace = ?`, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SourceInfo{}, fmt.Errorf("op=source.get: %w: namespace %s", domain.ErrNotFound, namespace)
	}
	if err != nil {
		return domain.SourceInfo{}, fmt.Errorf("op=source.get: %w", err)
	}
	info, err := row.toInfo()
	if err != nil {
		return domain.SourceInfo{}, fmt.Errorf("op=source.get: %w", err)
	}
	return info, nil
}

// List returns every catalog entry ordered by namespace.
func (r *SourceRepo) List(ctx domain.Context) ([]domain.SourceInfo, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.List")
	defer span.End()

	var rows []sourceRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+sourceColumns+` FROM data_sources ORDER BY namespace ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=source.list: %w", err)
	}
	out := make([]domain.SourceInfo, 0, len(rows))
	for _, row := range rows {
		info, err := row.toInfo()
		if err != nil {
			return nil, fmt.Errorf("op=source.list: %w", err)
		}
		out = append(out, info)
	}
	return out, nil
}

// Delete removes the catalog entry. Deleting an absent namespace is a
// no-op so purges stay idempotent.
func (r *SourceRepo) Delete(ctx domain.Context, namespace string) error {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.Delete")
	defer span.End()

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM data_sources WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("op=source.delete: %w", err)
	}
	return nil
}
