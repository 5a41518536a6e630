package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/pkg/textx"
)

// FingerprintLookup answers whether a namespace already holds a record
// with the given content fingerprint and when that copy was last updated.
type FingerprintLookup interface {
	LatestFingerprintTime(ctx domain.Context, namespace, fingerprint string) (time.Time, bool, error)
}

// Deduplication drops records whose content already exists in the same
// namespace under a later-or-equal updated_at. The fingerprint is always
// stamped into metadata so the store can answer future lookups.
type Deduplication struct {
	lookup FingerprintLookup
}

func NewDeduplication(lookup FingerprintLookup) *Deduplication {
	return &Deduplication{lookup: lookup}
}

func (*Deduplication) Name() string { return "deduplication" }

func (d *Deduplication) Process(ctx context.Context, rec domain.Record) (domain.Record, error) {
	fp := Fingerprint(rec.Content)
	rec.Metadata["content_fingerprint"] = fp
	if d.lookup == nil {
		return rec, nil
	}

	prior, ok, err := d.lookup.LatestFingerprintTime(ctx, rec.Namespace, fp)
	if err != nil {
		return domain.Record{}, fmt.Errorf("fingerprint lookup: %w", err)
	}
	if ok && !prior.Before(effectiveUpdated(rec)) {
		return domain.Record{}, fmt.Errorf("%w: duplicate content fingerprint %s", domain.ErrSkipRecord, fp[:12])
	}
	return rec, nil
}

func effectiveUpdated(rec domain.Record) time.Time {
	if !rec.UpdatedAt.IsZero() {
		return rec.UpdatedAt
	}
	return rec.CreatedAt
}

// Fingerprint hashes content after lowercasing and collapsing whitespace,
// so formatting-only variants map to the same digest.
func Fingerprint(content string) string {
	norm := strings.ToLower(textx.CollapseWhitespace(content))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
