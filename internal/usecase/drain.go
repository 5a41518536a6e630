package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/daybook-io/daybook/internal/adapter/observability"
	"github.com/daybook-io/daybook/internal/domain"
)

// ProcessPendingEmbeddings drains one batch from the pending queue:
// oldest records first, one Embed call for the whole batch. A batch-level
// embedder failure marks every item in the batch failed and is absorbed
// into the summary; per-item vector failures mark just that item. An
// empty queue returns a zero summary.
func (s *IngestionService) ProcessPendingEmbeddings(ctx domain.Context, batchSize int) (domain.EmbedSummary, error) {
	tracer := otel.Tracer("usecase.ingest")
	ctx, span := tracer.Start(ctx, "Ingest.ProcessPendingEmbeddings")
	defer span.End()

	if batchSize <= 0 {
		batchSize = s.embedBatch
	}
	recs, err := s.items.PendingEmbeddings(ctx, batchSize)
	if err != nil {
		return domain.EmbedSummary{}, fmt.Errorf("op=embed.drain: %w", err)
	}
	if len(recs) == 0 {
		return domain.EmbedSummary{}, nil
	}
	span.SetAttributes(attribute.Int("embed.batch", len(recs)))

	summary := domain.EmbedSummary{Processed: len(recs)}
	texts := make([]string, len(recs))
	ids := make([]string, len(recs))
	for i, r := range recs {
		texts[i] = r.Content
		ids[i] = r.ID
	}

	vecs, err := s.embedder.Embed(ctx, texts)
	if err == nil && len(vecs) != len(recs) {
		err = fmt.Errorf("%w: %d vectors for %d texts", domain.ErrSchemaInvalid, len(vecs), len(recs))
	}
	if err != nil {
		if merr := s.items.MarkEmbedFailed(ctx, ids); merr != nil {
			s.log.Error("failed batch could not be marked", slog.Any("error", merr))
		}
		summary.Failed = len(recs)
		summary.Errors = append(summary.Errors, domain.SyncError{Stage: "embed", Message: err.Error()})
		s.log.Warn("embedding batch failed", slog.Int("items", len(recs)), slog.Any("error", err))
		s.finishDrainPass(ctx, &summary)
		return summary, nil
	}

	for i, rec := range recs {
		if verr := s.vectors.Add(ctx, rec.ID, vecs[i]); verr != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, domain.SyncError{ItemID: rec.ID, Stage: "vector", Message: verr.Error()})
			if merr := s.items.MarkEmbedFailed(ctx, []string{rec.ID}); merr != nil {
				s.log.Error("failed item could not be marked", slog.String("id", rec.ID), slog.Any("error", merr))
			}
			continue
		}
		if serr := s.items.SetEmbeddingStatus(ctx, rec.ID, domain.EmbeddingCompleted); serr != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, domain.SyncError{ItemID: rec.ID, Stage: "store", Message: serr.Error()})
			continue
		}
		summary.Succeeded++
	}
	if ferr := s.vectors.Flush(); ferr != nil {
		s.log.Warn("vector flush failed", slog.Any("error", ferr))
	}
	s.finishDrainPass(ctx, &summary)
	return summary, nil
}

func (s *IngestionService) finishDrainPass(ctx domain.Context, summary *domain.EmbedSummary) {
	observability.CountEmbeddings("completed", summary.Succeeded)
	observability.CountEmbeddings("failed", summary.Failed)
	remaining, err := s.items.CountByStatus(ctx, domain.EmbeddingPending)
	if err != nil {
		return
	}
	summary.Remaining = remaining
	observability.EmbeddingsPending.Set(float64(remaining))
	observability.VectorCount.Set(float64(s.vectors.Len()))
}

// ReprocessFailedEmbeddings flips every failed record back to pending in
// one statement, then drains until the queue is empty or ctx ends. It
// returns the number of records re-queued.
func (s *IngestionService) ReprocessFailedEmbeddings(ctx domain.Context) (int, error) {
	flipped, err := s.items.ResetFailedEmbeddings(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=embed.reprocess: %w", err)
	}
	s.log.Info("failed embeddings re-queued", slog.Int64("count", flipped))
	if err := s.drainAll(ctx, s.embedBatch); err != nil {
		return int(flipped), err
	}
	return int(flipped), nil
}

// drainAll loops ProcessPendingEmbeddings until the queue is empty, a
// pass errors, or ctx ends.
func (s *IngestionService) drainAll(ctx domain.Context, batchSize int) error {
	for ctx.Err() == nil {
		summary, err := s.ProcessPendingEmbeddings(ctx, batchSize)
		if err != nil {
			return err
		}
		if summary.Processed == 0 {
			return nil
		}
	}
	return ctx.Err()
}

// RunEmbeddingDrain owns the background drain: an interval ticker plus
// the Kick channel, each wake draining until the queue is empty. Blocks
// until ctx ends.
func (s *IngestionService) RunEmbeddingDrain(ctx domain.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = defaultDrainPeriod
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("embedding drain started", slog.Duration("interval", interval))
	if err := s.drainAll(ctx, batchSize); err != nil {
		s.log.Error("embedding drain pass failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("embedding drain stopping")
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.drainAll(ctx, batchSize); err != nil {
			s.log.Error("embedding drain pass failed", slog.Any("error", err))
		}
	}
}

// Kick nudges the drain loop without waiting for the next tick. Safe to
// call from any goroutine; a pending kick coalesces.
func (s *IngestionService) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
