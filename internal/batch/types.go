// Package batch defines the batch/item domain model, its lifecycle rules and
// the collaborator interfaces the engine depends on.
package batch

import (
	"path/filepath"
	"strings"
	"time"
)

// Status enumerates batch lifecycle states.
type Status string

const (
	// StatusCreated means the batch was admitted but not started.
	StatusCreated Status = "created"
	// StatusQueued means the batch is waiting in its lane.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker is running the batch items.
	StatusProcessing Status = "processing"
	// StatusCompleted means at least one item produced an artifact.
	StatusCompleted Status = "completed"
	// StatusFailed means no item produced an artifact.
	StatusFailed Status = "failed"
	// StatusCancelled means the owner cancelled the batch.
	StatusCancelled Status = "cancelled"
)

// ItemStatus enumerates item lifecycle states.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemQueued     ItemStatus = "queued"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemCancelled  ItemStatus = "cancelled"
)

// MediaKind distinguishes video from audio-only output.
type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

// Options are the per-batch download preferences.
type Options struct {
	Format  string `json:"format"`
	Quality string `json:"quality"`
	Archive bool   `json:"archive"`
}

var audioFormats = map[string]struct{}{
	"mp3": {}, "m4a": {}, "aac": {}, "opus": {}, "ogg": {}, "wav": {}, "flac": {}, "audio": {},
}

// Kind reports whether the requested format is audio or video.
func (o Options) Kind() MediaKind {
	if _, ok := audioFormats[strings.ToLower(strings.TrimSpace(o.Format))]; ok {
		return KindAudio
	}
	return KindVideo
}

// Batch is a user-submitted group of source URLs processed as one unit.
type Batch struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Plan        string     `json:"plan"`
	Lane        string     `json:"lane"`
	Status      Status     `json:"status"`
	Options     Options    `json:"options"`
	ItemCount   int        `json:"item_count"`
	CallbackURL string     `json:"callback_url,omitempty"`
	ArchiveRef  string     `json:"archive_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Item is one source URL within a batch.
type Item struct {
	ID            string     `json:"id"`
	BatchID       string     `json:"batch_id"`
	Position      int        `json:"position"`
	SourceURL     string     `json:"source_url"`
	ProviderID    string     `json:"provider_id,omitempty"`
	Status        ItemStatus `json:"status"`
	Title         string     `json:"title,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ArtifactRef   string     `json:"artifact_ref,omitempty"`
	ArtifactPath  string     `json:"-"`
	ArtifactBytes int64      `json:"artifact_bytes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ArtifactName returns the base file name of the resolved artifact.
func (i Item) ArtifactName() string {
	if i.ArtifactPath == "" {
		return ""
	}
	return filepath.Base(i.ArtifactPath)
}

// ItemUpdate carries the optional fields written alongside an item transition.
// Nil pointers leave the stored value untouched.
type ItemUpdate struct {
	ProviderID    *string
	Title         *string
	Error         *string
	ErrorKind     *string
	ArtifactRef   *string
	ArtifactPath  *string
	ArtifactBytes *int64
	At            time.Time
}

// Apply copies the update onto item and stamps lifecycle timestamps for status.
func (u ItemUpdate) Apply(item *Item, status ItemStatus) {
	item.Status = status
	if u.ProviderID != nil {
		item.ProviderID = *u.ProviderID
	}
	if u.Title != nil {
		item.Title = *u.Title
	}
	if u.Error != nil {
		item.Error = *u.Error
	}
	if u.ErrorKind != nil {
		item.ErrorKind = *u.ErrorKind
	}
	if u.ArtifactRef != nil {
		item.ArtifactRef = *u.ArtifactRef
	}
	if u.ArtifactPath != nil {
		item.ArtifactPath = *u.ArtifactPath
	}
	if u.ArtifactBytes != nil {
		item.ArtifactBytes = *u.ArtifactBytes
	}
	if u.At.IsZero() {
		return
	}
	at := u.At
	item.UpdatedAt = at
	if status == ItemProcessing && item.StartedAt == nil {
		item.StartedAt = &at
	}
	if IsItemTerminal(status) {
		item.FinishedAt = &at
	}
}

// UsageCounter aggregates one owner's consumption for one billing period.
type UsageCounter struct {
	Owner            string `json:"owner"`
	Period           string `json:"period"`
	CreditsUsed      int64  `json:"credits_used"`
	BatchesProcessed int64  `json:"batches_processed"`
	BandwidthBytes   int64  `json:"bandwidth_bytes"`
}

// LedgerEntry is an append-only record of a credit movement.
type LedgerEntry struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Period    string    `json:"period"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	BatchRef  string    `json:"batch_ref"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger entry reasons.
const (
	ReasonAdmission = "batch_admission"
	ReasonRefund    = "admission_rollback"
)

// Plan is a named service level fixing admission limits.
type Plan struct {
	Name           string
	MaxBatchLinks  int
	Concurrency    int
	MonthlyCredits int64
	CostPerURL     int64
	Lane           string
	MaxQuality     string
	AllowedSources []string
}

// PeriodOf returns the billing period key (YYYY-MM, UTC) for t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Progress is the derived view of a batch's item states.
type Progress struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Active    int     `json:"active"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
}

// ComputeProgress derives batch progress from its items. Percent is
// completed/total scaled to 0-100.
func ComputeProgress(items []Item) Progress {
	p := Progress{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case ItemPending, ItemQueued:
			p.Pending++
		case ItemProcessing:
			p.Active++
		case ItemCompleted:
			p.Completed++
		case ItemFailed:
			p.Failed++
		case ItemCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// Event is the terminal batch outcome sent to notifiers.
type Event struct {
	Event        string    `json:"event"`
	BatchID      string    `json:"batch_id"`
	Owner        string    `json:"owner"`
	Status       Status    `json:"status"`
	SuccessCount int       `json:"successCount"`
	FailCount    int       `json:"failCount"`
	ArchiveRef   string    `json:"archive_ref,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Event names.
const (
	EventCompleted = "batch.completed"
	EventFailed    = "batch.failed"
	EventCancelled = "batch.cancelled"
)

// PartitionKey keys published events by batch so a batch's events stay ordered.
func (e Event) PartitionKey() string { return e.BatchID }
