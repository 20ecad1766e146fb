package store

import (
	"strings"
	"time"
)

// QueuePriority orders pending work by expected processing cost, cheapest
// first, so small fast documents keep the pipeline responsive.
type QueuePriority string

const (
	PriorityText     QueuePriority = "text"
	PriorityMarkup   QueuePriority = "markup"
	PriorityPDF      QueuePriority = "pdf"
	PriorityImage    QueuePriority = "image"
	PriorityOCR      QueuePriority = "ocr"
	PriorityDeferred QueuePriority = "deferred"
)

// PriorityRank maps a priority to its dequeue order. Lower ranks dequeue
// first.
func PriorityRank(p QueuePriority) int {
	switch p {
	case PriorityText:
		return 0
	case PriorityMarkup:
		return 1
	case PriorityPDF:
		return 2
	case PriorityImage:
		return 3
	case PriorityOCR:
		return 4
	case PriorityDeferred:
		return 5
	default:
		return 6
	}
}

// QueueItemStatus tracks a queue item's lease state.
type QueueItemStatus string

const (
	QueuePending    QueueItemStatus = "pending"
	QueueProcessing QueueItemStatus = "processing"
	QueueCompleted  QueueItemStatus = "completed"
	QueueFailed     QueueItemStatus = "failed"
)

// QueueItem is one unit of pending ingestion work, unique per file path.
type QueueItem struct {
	ID          int64
	FilePath    string
	Priority    QueuePriority
	Status      QueueItemStatus
	Attempts    int
	LastError   string
	FileSize    int64
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// QueueInput enqueues a path. Re-enqueuing an existing path resets its state.
type QueueInput struct {
	FilePath string
	Priority QueuePriority
	FileSize int64
}

// QueueUpdate reports lease completion or failure; nil fields are unchanged.
type QueueUpdate struct {
	Status    *QueueItemStatus
	Priority  *QueuePriority
	LastError *string
}

// QueueStatus summarizes queue depth by state.
type QueueStatus struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Total      int
}

// DeferReason is the typed cause for routing a document to the deferred
// priority instead of failing it outright.
type DeferReason string

const (
	DeferRawTextOversize    DeferReason = "raw_text_oversize"
	DeferRawMarkupOversize  DeferReason = "raw_markup_oversize"
	DeferParsedTextOversize DeferReason = "parsed_text_oversize"
	DeferUnknown            DeferReason = "unknown"
)

// deferReasonPrefix marks a defer reason encoded into the last_error column.
// The prefix encoding lets the reason survive without a schema change.
const deferReasonPrefix = "DEFER_REASON:"

// EncodeDeferReason packs a defer reason (and an optional human message) into
// a last_error value.
func EncodeDeferReason(reason DeferReason, detail string) string {
	s := deferReasonPrefix + string(reason)
	if detail != "" {
		s += ": " + detail
	}
	return s
}

// DecodeDeferReason extracts the defer reason from a last_error value.
// Returns ok=false when the value carries no encoded reason. Unknown or
// malformed reason tokens normalize to DeferUnknown.
func DecodeDeferReason(lastError string) (DeferReason, bool) {
	if !strings.HasPrefix(lastError, deferReasonPrefix) {
		return "", false
	}
	token := strings.TrimPrefix(lastError, deferReasonPrefix)
	if i := strings.IndexByte(token, ':'); i >= 0 {
		token = token[:i]
	}
	token = strings.TrimSpace(token)
	switch DeferReason(token) {
	case DeferRawTextOversize, DeferRawMarkupOversize, DeferParsedTextOversize:
		return DeferReason(token), true
	default:
		return DeferUnknown, true
	}
}
