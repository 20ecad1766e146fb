package store

import (
	"context"
	"time"
)

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	StatusPending   DocumentStatus = "pending"
	StatusParsing   DocumentStatus = "parsing"
	StatusChunking  DocumentStatus = "chunking"
	StatusEmbedding DocumentStatus = "embedding"
	StatusIndexed   DocumentStatus = "indexed"
	StatusFailed    DocumentStatus = "failed"
)

// PipelineStatuses are the transient states a crashed pipeline can leave a
// document in. Documents found in one of these at startup are recovered.
var PipelineStatuses = []DocumentStatus{StatusParsing, StatusChunking, StatusEmbedding}

// OCRStatus tracks optional OCR processing for a document.
type OCRStatus string

const (
	OCRNotNeeded OCRStatus = "not_needed"
	OCRPending   OCRStatus = "pending"
	OCRDone      OCRStatus = "done"
	OCRFailed    OCRStatus = "failed"
)

// Document is a tracked source file and its indexing state.
type Document struct {
	ID             int64
	FilePath       string
	FileName       string
	FileExtension  string
	FileSize       int64
	FileHash       string
	Title          *string
	Author         *string
	Language       *string
	PageCount      *int
	Status         DocumentStatus
	OCRStatus      OCRStatus
	Metadata       map[string]any
	Tags           []string
	FileModifiedAt *time.Time
	IndexedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DocumentInput contains the fields required to create a document.
type DocumentInput struct {
	FilePath       string
	FileName       string
	FileExtension  string
	FileSize       int64
	FileHash       string
	Title          *string
	Author         *string
	Language       *string
	PageCount      *int
	OCRStatus      OCRStatus
	Metadata       map[string]any
	FileModifiedAt *time.Time
}

// DocumentUpdate is a partial update; nil fields are left unchanged.
type DocumentUpdate struct {
	FileSize       *int64
	FileHash       *string
	Title          *string
	Author         *string
	Language       *string
	PageCount      *int
	Status         *DocumentStatus
	OCRStatus      *OCRStatus
	Metadata       map[string]any
	FileModifiedAt *time.Time
	IndexedAt      *time.Time
}

// Chunk is a contiguous span of a document's text, optionally embedded.
type Chunk struct {
	ID          int64
	DocumentID  int64
	ChunkIndex  int
	Text        string
	StartOffset int
	EndOffset   int
	Page        *int
	Section     *string
	TokenCount  *int
	Embedding   []float32 // nil until the embedding stage completes
	CreatedAt   time.Time
}

// ChunkInput contains the fields required to create a chunk.
type ChunkInput struct {
	ChunkIndex  int
	Text        string
	StartOffset int
	EndOffset   int
	Page        *int
	Section     *string
	TokenCount  *int
}

// EmbeddingUpdate attaches an embedding vector to an existing chunk.
type EmbeddingUpdate struct {
	ChunkID   int64
	Embedding []float32
}

// TagCount pairs a tag name with the number of documents carrying it.
type TagCount struct {
	Tag   string
	Count int
}

// MatchType labels which search leg produced a result.
type MatchType string

const (
	MatchKeyword  MatchType = "keyword"
	MatchSemantic MatchType = "semantic"
	MatchHybrid   MatchType = "hybrid"
)

// SearchResult is one ranked hit from any of the three search operations.
type SearchResult struct {
	DocumentID int64
	ChunkID    int64
	FilePath   string
	FileName   string
	ChunkText  string
	Score      float64
	MatchType  MatchType
	Metadata   map[string]any
}

// Filters narrows document and search queries. Zero-value fields are ignored.
type Filters struct {
	Folders   []string // substring match on normalized forward-slash paths
	FileTypes []string // normalized with leading dot
	Status    []DocumentStatus
	Tags      []string
	DateFrom  *time.Time
	DateTo    *time.Time
	Languages []string
}

// QueryOptions tunes keyword query interpretation.
type QueryOptions struct {
	// UseWebSearchSyntax preserves OR, negation, and quoted phrases instead
	// of AND-ing every term.
	UseWebSearchSyntax bool
}

// HybridWeights weights the two legs of reciprocal rank fusion.
type HybridWeights struct {
	Semantic float64
	Keyword  float64
}

// DefaultHybridWeights splits relevance evenly between the two legs.
func DefaultHybridWeights() HybridWeights {
	return HybridWeights{Semantic: 0.5, Keyword: 0.5}
}

// DefaultRRFK is the rank-dampening constant used when the caller passes 0.
const DefaultRRFK = 60.0

// Stats summarizes the state of one database.
type Stats struct {
	Backend              string
	Documents            int
	DocumentsByStatus    map[DocumentStatus]int
	Chunks               int
	ChunksWithEmbeddings int
	Tags                 int
	QueueDepth           int
	DatabaseSizeBytes    int64
}

// RecoveryReport describes the outcome of RecoverStuckDocuments.
type RecoveryReport struct {
	RecoveredDocuments int
	RequeuedPaths      []string
	Errors             []string
}

// IntegrityReport is the combined result of structural and data-level checks.
type IntegrityReport struct {
	OK       bool
	Errors   []string
	Warnings []string
}

// BackupResult describes a CreateBackup call, including the skip reason when
// no backup was performed.
type BackupResult struct {
	Performed  bool
	SkipReason string
	Path       string
	SizeBytes  int64
	Duration   time.Duration
}

// Adapter is the storage contract implemented by every backend. One adapter
// instance is bound to one database; backend selection and tuning parameters
// (vector dimension, embedding mode, fusion strategy) are fixed at
// construction. All data operations return ErrNotInitialized unless the
// adapter has been initialized and not closed.
type Adapter interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	Initialized() bool
	// Reconnect tears down and reopens the underlying engine handle to
	// release accumulated native memory. Concurrent callers block on the
	// ready barrier rather than failing.
	Reconnect(ctx context.Context) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error

	// Documents
	CreateDocument(ctx context.Context, input *DocumentInput) (*Document, error)
	GetDocument(ctx context.Context, id int64) (*Document, error)
	GetDocumentByPath(ctx context.Context, path string) (*Document, error)
	UpdateDocument(ctx context.Context, id int64, update *DocumentUpdate) (*Document, error)
	DeleteDocument(ctx context.Context, id int64) error
	ListDocuments(ctx context.Context, filters *Filters) ([]*Document, error)
	CountDocuments(ctx context.Context, filters *Filters) (int, error)

	// Chunks and embeddings
	CreateChunks(ctx context.Context, documentID int64, chunks []ChunkInput) ([]*Chunk, error)
	GetChunks(ctx context.Context, documentID int64) ([]*Chunk, error)
	DeleteChunks(ctx context.Context, documentID int64) error
	UpdateChunkEmbeddings(ctx context.Context, updates []EmbeddingUpdate) error
	CountChunks(ctx context.Context) (int, error)

	// Tags
	AddTags(ctx context.Context, documentID int64, names []string) error
	RemoveTags(ctx context.Context, documentID int64, names []string) error
	GetDocumentTags(ctx context.Context, documentID int64) ([]string, error)
	GetAllTags(ctx context.Context) ([]TagCount, error)

	// Search
	SearchKeyword(ctx context.Context, query string, filters *Filters, limit int, opts *QueryOptions) ([]SearchResult, error)
	SearchSemantic(ctx context.Context, embedding []float32, filters *Filters, limit int) ([]SearchResult, error)
	SearchHybrid(ctx context.Context, query string, embedding []float32, filters *Filters, limit int, weights HybridWeights, rrfK float64, opts *QueryOptions) ([]SearchResult, error)

	// Indexing queue
	EnqueueItem(ctx context.Context, input QueueInput) (*QueueItem, error)
	EnqueueItems(ctx context.Context, inputs []QueueInput) (int, error)
	DequeueItem(ctx context.Context) (*QueueItem, error)
	UpdateQueueItem(ctx context.Context, id int64, update QueueUpdate) error
	DeleteQueueItem(ctx context.Context, id int64) error
	GetQueueItemByPath(ctx context.Context, path string) (*QueueItem, error)
	GetQueueStatus(ctx context.Context) (*QueueStatus, error)
	ClearCompletedQueueItems(ctx context.Context) (int, error)
	ClearQueue(ctx context.Context) (int, error)

	// Config, stats, recovery
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
	GetStats(ctx context.Context) (*Stats, error)
	RecoverStuckDocuments(ctx context.Context) (*RecoveryReport, error)

	// Backup and integrity
	CreateBackup(ctx context.Context) (*BackupResult, error)
	CheckIntegrity(ctx context.Context) (*IntegrityReport, error)
}

// CloseTimeout bounds Close; a teardown that exceeds it is abandoned and the
// adapter still transitions to the closed state.
const CloseTimeout = 5 * time.Second

// YieldEvery is the batch stride after which long bulk operations commit and
// re-check the context so they do not starve concurrent work.
const YieldEvery = 50
