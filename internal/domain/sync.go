package domain

import "time"

// Settings keys carrying per-namespace sync state.
func LastSyncKey(namespace string) string        { return namespace + "_last_sync" }
func LastProcessedIDKey(namespace string) string { return namespace + "_last_processed_id" }
func LastSyncResultKey(namespace string) string  { return namespace + "_last_sync_result" }

// SyncError records a single per-item failure inside a sync run.
type SyncError struct {
	ItemID  string `json:"item_id,omitempty"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// SyncSummary is the outcome of one sync run.
// ItemsProcessed == ItemsStored + ItemsSkipped + len(Errors) for item-level
// accounting; Failed marks a fetch-level failure (sync state not advanced).
type SyncSummary struct {
	RunID          string      `json:"run_id"`
	Namespace      string      `json:"namespace"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at"`
	DurationMS     int64       `json:"duration_ms"`
	ItemsProcessed int         `json:"items_processed"`
	ItemsStored    int         `json:"items_stored"`
	ItemsSkipped   int         `json:"items_skipped"`
	Errors         []SyncError `json:"errors,omitempty"`
	Failed         bool        `json:"failed"`
	Message        string      `json:"message,omitempty"`
}

func (s SyncSummary) Duration() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

// EmbedSummary is the outcome of one embedding drain pass.
type EmbedSummary struct {
	Processed int         `json:"processed"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Remaining int         `json:"remaining"`
	Errors    []SyncError `json:"errors,omitempty"`
}

// SourceInfo is a catalog row describing a registered namespace.
// Kind names the adapter backing the namespace; DisplayName and Config
// round-trip through the catalog's config column.
type SourceInfo struct {
	Namespace   string            `json:"namespace"`
	Kind        string            `json:"source_type"`
	DisplayName string            `json:"display_name,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	Active      bool              `json:"active"`
	ItemCount   int               `json:"item_count"`
	LastSyncAt  *time.Time        `json:"last_sync_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
