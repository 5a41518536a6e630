package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrSkipRecord      = errors.New("skip record")
	ErrJobCancelled    = errors.New("job cancelled")
	ErrInternal        = errors.New("internal error")
)

// Well-known source namespaces. Sources are config-driven; these are the
// defaults for the built-in adapters.
const (
	NamespaceLifelog = "limitless"
	NamespaceNews    = "news"
	NamespaceWeather = "weather"
	NamespaceTwitter = "twitter"
)

// Source kinds identify which adapter backs a namespace.
const (
	KindLifelog = "lifelog"
	KindNews    = "news"
	KindWeather = "weather"
	KindArchive = "twitter_archive"
)

type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingCompleted EmbeddingStatus = "completed"
	EmbeddingFailed    EmbeddingStatus = "failed"
)

// Record is the uniform item model every source normalizes into.
// Invariants: ID == Namespace + ":" + SourceID; DaysDate is YYYY-MM-DD;
// Metadata is JSON-serializable.
type Record struct {
	ID              string          `json:"id"`
	Namespace       string          `json:"namespace"`
	SourceID        string          `json:"source_id"`
	Content         string          `json:"content"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	DaysDate        string          `json:"days_date"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RecordID composes the store-wide unique id from namespace and source id.
func RecordID(namespace, sourceID string) string {
	return namespace + ":" + sourceID
}

// NewRecord builds a Record with the composed id and pending embedding status.
func NewRecord(namespace, sourceID, content string, metadata map[string]any) Record {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Record{
		ID:              RecordID(namespace, sourceID),
		Namespace:       namespace,
		SourceID:        sourceID,
		Content:         content,
		Metadata:        metadata,
		EmbeddingStatus: EmbeddingPending,
		CreatedAt:       time.Now().UTC(),
	}
}

// Clone returns a copy with its own top-level metadata map so processors
// can mutate without aliasing the caller's record.
func (r Record) Clone() Record {
	out := r
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}

type StoreOutcome int

const (
	OutcomeInserted StoreOutcome = iota
	OutcomeUpdated
	OutcomeUnchanged
)

func (o StoreOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// SourceAdapter (port)
// FetchItems streams records newer than since (nil means everything) up to
// limit (0 means no cap). Malformed provider items surface through yield
// with a non-nil error and the stream continues; yield returning an error
// stops the stream. Adapters own their transport; Close releases it on
// teardown.
type SourceAdapter interface {
	Namespace() string
	FetchItems(ctx Context, since *time.Time, limit int, yield func(Record, error) error) error
	TestConnection(ctx Context) error
	Close() error
}

// Processor (port)
// Process returns the transformed record; ErrSkipRecord drops it without
// counting as a failure. Processors never write to the store.
type Processor interface {
	Name() string
	Process(ctx Context, rec Record) (Record, error)
}

// BatchProcessor is an optional capability. ProcessBatch returns the
// transformed records index-aligned with the input; on error the caller
// falls back to per-item Process so one batch cannot poison another.
type BatchProcessor interface {
	Processor
	ProcessBatch(ctx Context, recs []Record) ([]Record, error)
}

// Repositories (ports)

type ItemRepository interface {
	Upsert(ctx Context, rec Record) (StoreOutcome, error)
	Get(ctx Context, id string) (Record, error)
	Delete(ctx Context, id string) error
	DeleteNamespace(ctx Context, namespace string) (int64, error)
	ListByDate(ctx Context, date string, namespaces ...string) ([]Record, error)
	ListByIDs(ctx Context, ids []string) ([]Record, error)
	PendingEmbeddings(ctx Context, limit int) ([]Record, error)
	SetEmbeddingStatus(ctx Context, id string, status EmbeddingStatus) error
	MarkEmbedFailed(ctx Context, ids []string) error
	ResetFailedEmbeddings(ctx Context) (int64, error)
	CountByDate(ctx Context, namespace, date string) (int, error)
	CountByStatus(ctx Context, status EmbeddingStatus) (int, error)
	CountByNamespace(ctx Context) (map[string]int, error)
	ExistingSourceIDs(ctx Context, namespace string) (map[string]struct{}, error)
	LatestFingerprintTime(ctx Context, namespace, fingerprint string) (time.Time, bool, error)
}

type SourceCatalog interface {
	Ensure(ctx Context, src SourceInfo) error
	SetActive(ctx Context, namespace string, active bool) error
	RecordSync(ctx Context, namespace string, at time.Time, itemCount int) error
	Get(ctx Context, namespace string) (SourceInfo, error)
	List(ctx Context) ([]SourceInfo, error)
	Delete(ctx Context, namespace string) error
}

type SettingsRepository interface {
	Get(ctx Context, key string, out any) error
	Set(ctx Context, key string, value any) error
	Delete(ctx Context, key string) error
}

// VectorIndex (port)

type VectorIndex interface {
	Add(ctx Context, id string, vec []float32) error
	Remove(ctx Context, id string) error
	RemoveNamespace(ctx Context, namespace string) (int, error)
	Search(ctx Context, query []float32, k int) ([]VectorHit, error)
	Contains(id string) bool
	Len() int
	Stats() VectorStats
	Flush() error
	Close() error
}

type VectorHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type VectorStats struct {
	Count      int   `json:"count"`
	Dimension  int   `json:"dimension"`
	IndexBytes int64 `json:"index_bytes"`
	MapBytes   int64 `json:"map_bytes"`
}

// Embedder (port)
// Embed returns one vector per input text, index-aligned.
type Embedder interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
