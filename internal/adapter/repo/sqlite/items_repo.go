package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/daybook-io/daybook/internal/domain"
)

// defaultMaxEmbedAttempts caps how many failed embedding passes a row may
// accumulate before the pending view stops offering it.
const defaultMaxEmbedAttempts = 5

const itemColumns = `id, namespace, source_id, content, metadata_json, days_date, embedding_status, embed_attempts, created_at, updated_at`

// ItemRepo persists and loads records in the data_items table.
type ItemRepo struct {
	db *DB

	// MaxEmbedAttempts bounds the pending view; see PendingEmbeddings.
	MaxEmbedAttempts int
}

// NewItemRepo constructs an ItemRepo on the given database.
func NewItemRepo(db *DB) *ItemRepo {
	return &ItemRepo{db: db, MaxEmbedAttempts: defaultMaxEmbedAttempts}
}

type itemRow struct {
	ID              string `db:"id"`
	Namespace       string `db:"namespace"`
	SourceID        string `db:"source_id"`
	Content         string `db:"content"`
	MetadataJSON    string `db:"metadata_json"`
	DaysDate        string `db:"days_date"`
	EmbeddingStatus string `db:"embedding_status"`
	EmbedAttempts   int    `db:"embed_attempts"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

func (row itemRow) toRecord() (domain.Record, error) {
	meta := map[string]any{}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &meta); err != nil {
			return domain.Record{}, fmt.Errorf("%w: metadata for %s: %v", domain.ErrSchemaInvalid, row.ID, err)
		}
	}
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: created_at for %s: %v", domain.ErrSchemaInvalid, row.ID, err)
	}
	updated, err := parseTime(row.UpdatedAt)
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: updated_at for %s: %v", domain.ErrSchemaInvalid, row.ID, err)
	}
	return domain.Record{
		ID:              row.ID,
		Namespace:       row.Namespace,
		SourceID:        row.SourceID,
		Content:         row.Content,
		Metadata:        meta,
		DaysDate:        row.DaysDate,
		EmbeddingStatus: domain.EmbeddingStatus(row.EmbeddingStatus),
		CreatedAt:       created,
		UpdatedAt:       updated,
	}, nil
}

func marshalMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("%w: marshal metadata: %v", domain.ErrSchemaInvalid, err)
	}
	return string(buf), nil
}

// Upsert inserts the record or updates the stored row in one transaction.
// The embedding status resets to pending only when the content changed;
// created_at is preserved across updates.
func (r *ItemRepo) Upsert(ctx domain.Context, rec domain.Record) (domain.StoreOutcome, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.sql.table", "data_items"),
		attribute.String("record.namespace", rec.Namespace),
	)

	if rec.ID == "" || rec.Namespace == "" || rec.SourceID == "" {
		return 0, fmt.Errorf("op=item.upsert: %w: id, namespace and source_id are required", domain.ErrInvalidArgument)
	}
	if rec.DaysDate == "" {
		return 0, fmt.Errorf("op=item.upsert: %w: days_date is required", domain.ErrInvalidArgument)
	}
	metaJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("op=item.upsert: %w", err)
	}

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("op=item.upsert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var cur itemRow
	err = tx.GetContext(ctx, &cur, `SELECT `+itemColumns+` FROM data_items WHERE id = ?`, rec.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created := rec.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO data_items (id, namespace, source_id, content, metadata_json, days_date, embedding_status, embed_attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			rec.ID, rec.Namespace, rec.SourceID, rec.Content, metaJSON, rec.DaysDate,
			string(domain.EmbeddingPending), fmtTime(created), fmtTime(now))
		if err != nil {
			return 0, fmt.Errorf("op=item.upsert: insert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("op=item.upsert: commit: %w", err)
		}
		return domain.OutcomeInserted, nil
	case err != nil:
		return 0, fmt.Errorf("op=item.upsert: load current: %w", err)
	}

	if cur.Content == rec.Content && cur.MetadataJSON == metaJSON && cur.DaysDate == rec.DaysDate {
		return domain.OutcomeUnchanged, nil
	}

	status := cur.EmbeddingStatus
	attempts := cur.EmbedAttempts
	if cur.Content != rec.Content {
		status = string(domain.EmbeddingPending)
		attempts = 0
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE data_items SET content = ?, metadata_json = ?, days_date = ?, embedding_status = ?, embed_attempts = ?, updated_at = ? WHERE id = ?`,
		rec.Content, metaJSON, rec.DaysDate, status, attempts, fmtTime(now), rec.ID)
	if err != nil {
		return 0, fmt.Errorf("op=item.upsert: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("op=item.upsert: commit: %w", err)
	}
	return domain.OutcomeUpdated, nil
}

// Get loads a record by id.
func (r *ItemRepo) Get(ctx domain.Context, id string) (domain.Record, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Get")
	defer span.End()

	var row itemRow
	err := r.db.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM data_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, fmt.Errorf("op=item.get: %w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("op=item.get: %w", err)
	}
	rec, err := row.toRecord()
	if err != nil {
		return domain.Record{}, fmt.Errorf("op=item.get: %w", err)
	}
	return rec, nil
}

// Delete removes a record by id.
func (r *ItemRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Delete")
	defer span.End()

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM data_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("op=item.delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=item.delete: %w: %s", domain.ErrNotFound, id)
	}
	return nil
}

// DeleteNamespace removes every record in the namespace and returns the
// number of deleted rows.
func (r *ItemRepo) DeleteNamespace(ctx domain.Context, namespace string) (int64, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.DeleteNamespace")
	defer span.End()
	span.SetAttributes(attribute.String("record.namespace", namespace))

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM data_items WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, fmt.Errorf("op=item.delete_namespace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=item.delete_namespace: rows affected: %w", err)
	}
	return n, nil
}

// ListByDate returns the records for one calendar date ordered by
// created_at. Namespaces, when given, restrict the result.
func (r *ItemRepo) ListByDate(ctx domain.Context, date string, namespaces ...string) ([]domain.Record, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ListByDate")
	defer span.End()
	span.SetAttributes(attribute.String("record.days_date", date))

	query := `SELECT ` + itemColumns + ` FROM data_items WHERE days_date = ? ORDER BY created_at ASC, id ASC`
	args := []any{date}
	if len(namespaces) > 0 {
		var err error
		query, args, err = sqlx.In(
			`SELECT `+itemColumns+` FROM data_items WHERE days_date = ? AND namespace IN (?) ORDER BY created_at ASC, id ASC`,
			date, namespaces)
		if err != nil {
			return nil, fmt.Errorf("op=item.list_by_date: %w", err)
		}
	}
	return r.selectRecords(ctx, "op=item.list_by_date", query, args...)
}

// ListByIDs loads the records whose ids are present; missing ids are
// silently absent from the result.
func (r *ItemRepo) ListByIDs(ctx domain.Context, ids []string) ([]domain.Record, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ListByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+itemColumns+` FROM data_items WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=item.list_by_ids: %w", err)
	}
	return r.selectRecords(ctx, "op=item.list_by_ids", query, args...)
}

// PendingEmbeddings returns up to limit records awaiting embedding,
// oldest updated_at first. Rows at or over the attempt cap are excluded
// until ResetFailedEmbeddings grants them a fresh budget.
func (r *ItemRepo) PendingEmbeddings(ctx domain.Context, limit int) ([]domain.Record, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.PendingEmbeddings")
	defer span.End()
	span.SetAttributes(attribute.Int("query.limit", limit))

	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + itemColumns + ` FROM data_items
		WHERE embedding_status = ? AND embed_attempts < ?
		ORDER BY updated_at ASC, id ASC LIMIT ?`
	return r.selectRecords(ctx, "op=item.pending_embeddings", query,
		string(domain.EmbeddingPending), r.MaxEmbedAttempts, limit)
}

// SetEmbeddingStatus updates the embedding status of one record. Missing
// rows are a no-op so a concurrent delete does not fail a drain pass.
func (r *ItemRepo) SetEmbeddingStatus(ctx domain.Context, id string, status domain.EmbeddingStatus) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.SetEmbeddingStatus")
	defer span.End()

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE data_items SET embedding_status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("op=item.set_embedding_status: %w", err)
	}
	return nil
}

// MarkEmbedFailed marks the given records failed and charges one attempt
// against each.
func (r *ItemRepo) MarkEmbedFailed(ctx domain.Context, ids []string) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.MarkEmbedFailed")
	defer span.End()
	span.SetAttributes(attribute.Int("record.count", len(ids)))

	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE data_items SET embedding_status = ?, embed_attempts = embed_attempts + 1, updated_at = ? WHERE id IN (?)`,
		string(domain.EmbeddingFailed), fmtTime(time.Now().UTC()), ids)
	if err != nil {
		return fmt.Errorf("op=item.mark_embed_failed: %w", err)
	}

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("op=item.mark_embed_failed: %w", err)
	}
	return nil
}

// ResetFailedEmbeddings flips every failed record back to pending with a
// fresh attempt budget and returns how many rows changed.
func (r *ItemRepo) ResetFailedEmbeddings(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ResetFailedEmbeddings")
	defer span.End()

	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE data_items SET embedding_status = ?, embed_attempts = 0, updated_at = ? WHERE embedding_status = ?`,
		string(domain.EmbeddingPending), fmtTime(time.Now().UTC()), string(domain.EmbeddingFailed))
	if err != nil {
		return 0, fmt.Errorf("op=item.reset_failed_embeddings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=item.reset_failed_embeddings: rows affected: %w", err)
	}
	return n, nil
}

// CountByDate returns how many records a namespace holds for one date.
func (r *ItemRepo) CountByDate(ctx domain.Context, namespace, date string) (int, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.CountByDate")
	defer span.End()

	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM data_items WHERE namespace = ? AND days_date = ?`, namespace, date)
	if err != nil {
		return 0, fmt.Errorf("op=item.count_by_date: %w", err)
	}
	return count, nil
}

// CountByStatus returns how many records carry the given embedding status.
func (r *ItemRepo) CountByStatus(ctx domain.Context, status domain.EmbeddingStatus) (int, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.CountByStatus")
	defer span.End()

	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM data_items WHERE embedding_status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("op=item.count_by_status: %w", err)
	}
	return count, nil
}

// CountByNamespace returns row counts keyed by namespace.
func (r *ItemRepo) CountByNamespace(ctx domain.Context) (map[string]int, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.CountByNamespace")
	defer span.End()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT namespace, COUNT(*) AS n FROM data_items GROUP BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("op=item.count_by_namespace: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, fmt.Errorf("op=item.count_by_namespace: scan: %w", err)
		}
		out[ns] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=item.count_by_namespace: %w", err)
	}
	return out, nil
}

// ExistingSourceIDs returns the set of source ids already stored for the
// namespace, letting adapters skip items before decoding them.
func (r *ItemRepo) ExistingSourceIDs(ctx domain.Context, namespace string) (map[string]struct{}, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ExistingSourceIDs")
	defer span.End()
	span.SetAttributes(attribute.String("record.namespace", namespace))

	var ids []string
	err := r.db.SelectContext(ctx, &ids,
		`SELECT source_id FROM data_items WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("op=item.existing_source_ids: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// LatestFingerprintTime returns the newest updated_at among records in the
// namespace whose metadata carries the given content fingerprint. The
// second return reports whether any such record exists.
func (r *ItemRepo) LatestFingerprintTime(ctx domain.Context, namespace, fingerprint string) (time.Time, bool, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.LatestFingerprintTime")
	defer span.End()

	var latest sql.NullString
	err := r.db.GetContext(ctx, &latest,
		`SELECT MAX(updated_at) FROM data_items
		 WHERE namespace = ? AND json_extract(metadata_json, '$.content_fingerprint') = ?`,
		namespace, fingerprint)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=item.latest_fingerprint: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(latest.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=item.latest_fingerprint: %w", err)
	}
	return t, true, nil
}

func (r *ItemRepo) selectRecords(ctx domain.Context, op, query string, args ...any) ([]domain.Record, error) {
	var rows []itemRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
