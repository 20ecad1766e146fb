package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/store"
)

const testDim = 4

func setupAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := New(Options{Path: ":memory:", VectorDim: testDim})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, adapter.Initialize(ctx))
	t.Cleanup(func() { _ = adapter.Close(context.Background()) })
	return adapter
}

func setupFileAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	adapter, err := New(Options{Path: path, VectorDim: testDim})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, adapter.Initialize(ctx))
	t.Cleanup(func() { _ = adapter.Close(context.Background()) })
	return adapter, path
}

func docInput(path string) *store.DocumentInput {
	return &store.DocumentInput{
		FilePath:      path,
		FileName:      filepath.Base(path),
		FileExtension: filepath.Ext(path),
		FileSize:      1024,
		FileHash:      "hash-" + filepath.Base(path),
	}
}

func createDocWithChunks(t *testing.T, adapter *Adapter, path string, texts ...string) *store.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := adapter.CreateDocument(ctx, docInput(path))
	require.NoError(t, err)

	inputs := make([]store.ChunkInput, len(texts))
	for i, text := range texts {
		inputs[i] = store.ChunkInput{ChunkIndex: i, Text: text, StartOffset: i * 100, EndOffset: i*100 + len(text)}
	}
	_, err = adapter.CreateChunks(ctx, doc.ID, inputs)
	require.NoError(t, err)
	return doc
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{VectorDim: testDim})
	assert.Error(t, err)

	_, err = New(Options{Path: ":memory:"})
	assert.Error(t, err)
}

func TestInitialize_Idempotent(t *testing.T) {
	adapter := setupAdapter(t)
	assert.True(t, adapter.Initialized())
	assert.NoError(t, adapter.Initialize(context.Background()))
}

func TestOperations_BeforeInitialize(t *testing.T) {
	adapter, err := New(Options{Path: ":memory:", VectorDim: testDim})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = adapter.GetDocument(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotInitialized)
	_, err = adapter.GetStats(ctx)
	assert.ErrorIs(t, err, store.ErrNotInitialized)
}

func TestClose_Idempotent(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()
	require.NoError(t, adapter.Close(ctx))
	require.NoError(t, adapter.Close(ctx))
	assert.False(t, adapter.Initialized())

	_, err := adapter.GetDocument(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotInitialized)
}

func TestCreateDocument(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc, err := adapter.CreateDocument(ctx, docInput("/docs/report.pdf"))
	require.NoError(t, err)
	assert.Greater(t, doc.ID, int64(0))
	assert.Equal(t, store.StatusPending, doc.Status)
	assert.Equal(t, ".pdf", doc.FileExtension)

	// Same path again is a conflict.
	_, err = adapter.CreateDocument(ctx, docInput("/docs/report.pdf"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestGetDocumentByPath(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	created, err := adapter.CreateDocument(ctx, docInput("/docs/a.txt"))
	require.NoError(t, err)

	got, err := adapter.GetDocumentByPath(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = adapter.GetDocumentByPath(ctx, "/docs/missing.txt")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateDocument(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc, err := adapter.CreateDocument(ctx, docInput("/docs/a.txt"))
	require.NoError(t, err)

	status := store.StatusIndexed
	title := "Quarterly Report"
	updated, err := adapter.UpdateDocument(ctx, doc.ID, &store.DocumentUpdate{Status: &status, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, updated.Status)
	require.NotNil(t, updated.Title)
	assert.Equal(t, title, *updated.Title)

	_, err = adapter.UpdateDocument(ctx, 99999, &store.DocumentUpdate{Status: &status})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteDocument_CascadesChunks(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha", "beta")
	require.NoError(t, adapter.DeleteDocument(ctx, doc.ID))

	_, err := adapter.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	count, err := adapter.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	assert.ErrorIs(t, adapter.DeleteDocument(ctx, doc.ID), store.ErrNotFound)
}

func TestListDocuments_Filters(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	_, err := adapter.CreateDocument(ctx, docInput("/work/report.pdf"))
	require.NoError(t, err)
	_, err = adapter.CreateDocument(ctx, docInput("/home/notes.txt"))
	require.NoError(t, err)

	docs, err := adapter.ListDocuments(ctx, &store.Filters{FileTypes: []string{"PDF"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "/work/report.pdf", docs[0].FilePath)

	docs, err = adapter.ListDocuments(ctx, &store.Filters{Folders: []string{"/home"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "/home/notes.txt", docs[0].FilePath)

	count, err := adapter.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTags(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc, err := adapter.CreateDocument(ctx, docInput("/docs/a.txt"))
	require.NoError(t, err)
	other, err := adapter.CreateDocument(ctx, docInput("/docs/b.txt"))
	require.NoError(t, err)

	require.NoError(t, adapter.AddTags(ctx, doc.ID, []string{"finance", "q3"}))
	require.NoError(t, adapter.AddTags(ctx, other.ID, []string{"finance"}))
	// Re-adding an existing tag is a no-op.
	require.NoError(t, adapter.AddTags(ctx, doc.ID, []string{"finance"}))

	tags, err := adapter.GetDocumentTags(ctx, doc.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"finance", "q3"}, tags)

	all, err := adapter.GetAllTags(ctx)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, tc := range all {
		counts[tc.Tag] = tc.Count
	}
	assert.Equal(t, 2, counts["finance"])
	assert.Equal(t, 1, counts["q3"])

	require.NoError(t, adapter.RemoveTags(ctx, doc.ID, []string{"q3"}))
	tags, err = adapter.GetDocumentTags(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance"}, tags)

	// Filter by tag.
	docs, err := adapter.ListDocuments(ctx, &store.Filters{Tags: []string{"finance"}})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestCreateChunks_OrderAndFields(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "first chunk", "second chunk", "third chunk")

	chunks, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, doc.ID, chunk.DocumentID)
		assert.False(t, chunk.CreatedAt.IsZero())
		assert.Nil(t, chunk.Embedding)
	}
}

func TestCreateChunks_MissingDocument(t *testing.T) {
	adapter := setupAdapter(t)
	_, err := adapter.CreateChunks(context.Background(), 42, []store.ChunkInput{{Text: "x"}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateChunkEmbeddings(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha", "beta")
	chunks, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)

	updates := []store.EmbeddingUpdate{
		{ChunkID: chunks[0].ID, Embedding: []float32{1, 0, 0, 0}},
		{ChunkID: chunks[1].ID, Embedding: []float32{0, 1, 0, 0}},
	}
	require.NoError(t, adapter.UpdateChunkEmbeddings(ctx, updates))

	chunks, err = adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, chunks[0].Embedding)
	assert.Equal(t, []float32{0, 1, 0, 0}, chunks[1].Embedding)

	stats, err := adapter.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ChunksWithEmbeddings)
}

func TestUpdateChunkEmbeddings_DimensionMismatch(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha")
	chunks, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)

	err = adapter.UpdateChunkEmbeddings(ctx, []store.EmbeddingUpdate{
		{ChunkID: chunks[0].ID, Embedding: []float32{1, 2}},
	})
	var dimErr *store.DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, testDim, dimErr.Want)
	assert.Equal(t, 2, dimErr.Got)
}

func TestSearchKeyword(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	createDocWithChunks(t, adapter, "/docs/go.txt", "the quick brown fox", "golang concurrency patterns")
	createDocWithChunks(t, adapter, "/docs/py.txt", "python asyncio patterns")

	results, err := adapter.SearchKeyword(ctx, "concurrency patterns", nil, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "golang concurrency patterns", results[0].ChunkText)
	assert.Equal(t, store.MatchKeyword, results[0].MatchType)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestSearchKeyword_WebSyntax(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	createDocWithChunks(t, adapter, "/docs/a.txt", "release notes for version two")
	createDocWithChunks(t, adapter, "/docs/b.txt", "draft release notes")

	opts := &store.QueryOptions{UseWebSearchSyntax: true}
	results, err := adapter.SearchKeyword(ctx, `"release notes" -draft`, nil, 10, opts)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].ChunkText, "version two")
}

func TestSearchKeyword_WithFilters(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/work/a.txt", "shared target phrase")
	createDocWithChunks(t, adapter, "/home/b.txt", "shared target phrase")
	require.NoError(t, adapter.AddTags(ctx, doc.ID, []string{"work"}))

	results, err := adapter.SearchKeyword(ctx, "target", &store.Filters{Tags: []string{"work"}}, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "/work/a.txt", results[0].FilePath)
}

func TestSearchSemantic(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha", "beta", "gamma")
	chunks, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateChunkEmbeddings(ctx, []store.EmbeddingUpdate{
		{ChunkID: chunks[0].ID, Embedding: []float32{1, 0, 0, 0}},
		{ChunkID: chunks[1].ID, Embedding: []float32{0, 1, 0, 0}},
		{ChunkID: chunks[2].ID, Embedding: []float32{0, 0, 1, 0}},
	}))

	results, err := adapter.SearchSemantic(ctx, []float32{0, 1, 0, 0}, nil, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, chunks[1].ID, results[0].ChunkID)
	assert.Equal(t, store.MatchSemantic, results[0].MatchType)
}

func TestSearchSemantic_DimensionMismatch(t *testing.T) {
	adapter := setupAdapter(t)
	_, err := adapter.SearchSemantic(context.Background(), []float32{1, 2}, nil, 5)
	var dimErr *store.DimensionError
	assert.ErrorAs(t, err, &dimErr)
}

func TestSearchHybrid(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt",
		"kubernetes deployment guide", "terraform modules", "kubernetes networking")
	chunks, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateChunkEmbeddings(ctx, []store.EmbeddingUpdate{
		{ChunkID: chunks[0].ID, Embedding: []float32{1, 0, 0, 0}},
		{ChunkID: chunks[1].ID, Embedding: []float32{0, 1, 0, 0}},
		{ChunkID: chunks[2].ID, Embedding: []float32{0.9, 0.1, 0, 0}},
	}))

	results, err := adapter.SearchHybrid(ctx, "kubernetes", []float32{1, 0, 0, 0}, nil, 10,
		store.DefaultHybridWeights(), store.DefaultRRFK, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// Chunk 0 matches both legs at rank one and must fuse on top.
	assert.Equal(t, chunks[0].ID, results[0].ChunkID)
	assert.Equal(t, store.MatchHybrid, results[0].MatchType)
}

func TestSearchHybrid_EdgeCases(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	results, err := adapter.SearchHybrid(ctx, "", nil, nil, 10, store.DefaultHybridWeights(), store.DefaultRRFK, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	createDocWithChunks(t, adapter, "/docs/a.txt", "plain keyword text")

	// Keyword-only degradation with no embedding.
	results, err = adapter.SearchHybrid(ctx, "keyword", nil, nil, 10, store.DefaultHybridWeights(), store.DefaultRRFK, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = adapter.SearchHybrid(ctx, "keyword", []float32{1}, nil, 10, store.DefaultHybridWeights(), store.DefaultRRFK, nil)
	var dimErr *store.DimensionError
	assert.ErrorAs(t, err, &dimErr)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	for _, item := range []store.QueueInput{
		{FilePath: "/q/slides.pdf", Priority: store.PriorityPDF, FileSize: 500},
		{FilePath: "/q/notes.txt", Priority: store.PriorityText, FileSize: 100},
		{FilePath: "/q/readme.md", Priority: store.PriorityMarkup, FileSize: 200},
	} {
		_, err := adapter.EnqueueItem(ctx, item)
		require.NoError(t, err)
	}

	var order []string
	for {
		item, err := adapter.DequeueItem(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		assert.Equal(t, store.QueueProcessing, item.Status)
		assert.Equal(t, 1, item.Attempts)
		require.NotNil(t, item.StartedAt)
		order = append(order, item.FilePath)
	}
	assert.Equal(t, []string{"/q/notes.txt", "/q/readme.md", "/q/slides.pdf"}, order)
}

func TestQueue_ReenqueueResets(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	item, err := adapter.EnqueueItem(ctx, store.QueueInput{FilePath: "/q/a.txt", Priority: store.PriorityText})
	require.NoError(t, err)

	leased, err := adapter.DequeueItem(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	failed := store.QueueFailed
	msg := "parse error"
	require.NoError(t, adapter.UpdateQueueItem(ctx, leased.ID, store.QueueUpdate{Status: &failed, LastError: &msg}))

	// Re-enqueuing the same path resets it to pending.
	_, err = adapter.EnqueueItem(ctx, store.QueueInput{FilePath: "/q/a.txt", Priority: store.PriorityText})
	require.NoError(t, err)

	got, err := adapter.GetQueueItemByPath(ctx, "/q/a.txt")
	require.NoError(t, err)
	assert.Equal(t, item.FilePath, got.FilePath)
	assert.Equal(t, store.QueuePending, got.Status)
}

func TestQueue_StatusAndClear(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	n, err := adapter.EnqueueItems(ctx, []store.QueueInput{
		{FilePath: "/q/a.txt", Priority: store.PriorityText},
		{FilePath: "/q/b.txt", Priority: store.PriorityText},
		{FilePath: "/q/c.txt", Priority: store.PriorityText},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	leased, err := adapter.DequeueItem(ctx)
	require.NoError(t, err)
	done := store.QueueCompleted
	require.NoError(t, adapter.UpdateQueueItem(ctx, leased.ID, store.QueueUpdate{Status: &done}))

	status, err := adapter.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 3, status.Total)

	removed, err := adapter.ClearCompletedQueueItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = adapter.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	item, err := adapter.DequeueItem(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestRecoverStuckDocuments(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/stuck.txt", "partial chunk")
	chunking := store.StatusChunking
	_, err := adapter.UpdateDocument(ctx, doc.ID, &store.DocumentUpdate{Status: &chunking})
	require.NoError(t, err)

	healthy, err := adapter.CreateDocument(ctx, docInput("/docs/fine.txt"))
	require.NoError(t, err)
	indexed := store.StatusIndexed
	_, err = adapter.UpdateDocument(ctx, healthy.ID, &store.DocumentUpdate{Status: &indexed})
	require.NoError(t, err)

	report, err := adapter.RecoverStuckDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecoveredDocuments)
	assert.Equal(t, []string{"/docs/stuck.txt"}, report.RequeuedPaths)
	assert.Empty(t, report.Errors)

	// Partial chunks are dropped and the document is back to pending.
	chunks, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	got, err := adapter.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	item, err := adapter.GetQueueItemByPath(ctx, "/docs/stuck.txt")
	require.NoError(t, err)
	assert.Equal(t, store.QueuePending, item.Status)

	// A second pass finds nothing stuck.
	report, err = adapter.RecoverStuckDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.RecoveredDocuments)
}

func TestConfigValues(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	_, err := adapter.GetConfigValue(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, adapter.SetConfigValue(ctx, "embedding_model", "nomic-v1"))
	v, err := adapter.GetConfigValue(ctx, "embedding_model")
	require.NoError(t, err)
	assert.Equal(t, "nomic-v1", v)

	require.NoError(t, adapter.SetConfigValue(ctx, "embedding_model", "nomic-v2"))
	v, err = adapter.GetConfigValue(ctx, "embedding_model")
	require.NoError(t, err)
	assert.Equal(t, "nomic-v2", v)

	// Initialize pinned the dimension and instance id.
	v, err = adapter.GetConfigValue(ctx, "vector_dimension")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", testDim), v)
	_, err = adapter.GetConfigValue(ctx, "instance_id")
	require.NoError(t, err)
}

func TestGetStats(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	createDocWithChunks(t, adapter, "/docs/a.txt", "one", "two")
	_, err := adapter.EnqueueItem(ctx, store.QueueInput{FilePath: "/q/x.txt", Priority: store.PriorityText})
	require.NoError(t, err)

	stats, err := adapter.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", stats.Backend)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Equal(t, 1, stats.DocumentsByStatus[store.StatusPending])
}

func TestCheckIntegrity(t *testing.T) {
	adapter := setupAdapter(t)
	createDocWithChunks(t, adapter, "/docs/a.txt", "healthy")

	report, err := adapter.CheckIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Empty(t, report.Errors)
}

func TestCreateBackup_InMemorySkips(t *testing.T) {
	adapter := setupAdapter(t)
	result, err := adapter.CreateBackup(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Performed)
	assert.Equal(t, "in-memory database", result.SkipReason)
}

func TestCreateBackup_FileLifecycle(t *testing.T) {
	adapter, path := setupFileAdapter(t)
	ctx := context.Background()

	// Nothing written yet.
	result, err := adapter.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no changes since last backup", result.SkipReason)

	createDocWithChunks(t, adapter, "/docs/a.txt", "backup me")

	result, err = adapter.CreateBackup(ctx)
	require.NoError(t, err)
	assert.True(t, result.Performed)
	assert.Equal(t, path+".backup", result.Path)
	assert.Greater(t, result.SizeBytes, int64(0))

	// No writes since the last backup.
	result, err = adapter.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no changes since last backup", result.SkipReason)
}

func TestReconnect_PreservesData(t *testing.T) {
	adapter, _ := setupFileAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "survives reconnect")
	require.NoError(t, adapter.Reconnect(ctx))

	got, err := adapter.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", got.FilePath)
}

func TestSuspendResume(t *testing.T) {
	adapter, _ := setupFileAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "suspend me")
	require.NoError(t, adapter.Suspend(ctx))
	assert.True(t, adapter.Initialized())

	// Suspend twice is fine.
	require.NoError(t, adapter.Suspend(ctx))

	require.NoError(t, adapter.Resume(ctx))
	got, err := adapter.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
}

func TestReopen_KeepsStoredVectorMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mode.db")
	ctx := context.Background()

	first, err := New(Options{Path: path, VectorDim: testDim, Mode: ModeBruteForce})
	require.NoError(t, err)
	require.NoError(t, first.Initialize(ctx))
	require.NoError(t, first.Close(ctx))

	// Requesting HNSW on an existing brute-force database keeps the stored mode.
	second, err := New(Options{Path: path, VectorDim: testDim, Mode: ModeHNSW})
	require.NoError(t, err)
	require.NoError(t, second.Initialize(ctx))
	defer func() { _ = second.Close(ctx) }()

	v, err := second.GetConfigValue(ctx, "vector_mode")
	require.NoError(t, err)
	assert.Equal(t, string(ModeBruteForce), v)
}

func TestReopen_DimensionMismatchFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dim.db")
	ctx := context.Background()

	first, err := New(Options{Path: path, VectorDim: testDim})
	require.NoError(t, err)
	require.NoError(t, first.Initialize(ctx))
	require.NoError(t, first.Close(ctx))

	second, err := New(Options{Path: path, VectorDim: testDim * 2})
	require.NoError(t, err)
	assert.Error(t, second.Initialize(ctx))
}

func TestHNSWMode_SemanticSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hnsw.db")
	adapter, err := New(Options{Path: path, VectorDim: testDim, Mode: ModeHNSW})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, adapter.Initialize(ctx))
	defer func() { _ = adapter.Close(ctx) }()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha", "beta")
	chunks, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateChunkEmbeddings(ctx, []store.EmbeddingUpdate{
		{ChunkID: chunks[0].ID, Embedding: []float32{1, 0, 0, 0}},
		{ChunkID: chunks[1].ID, Embedding: []float32{0, 1, 0, 0}},
	}))

	results, err := adapter.SearchSemantic(ctx, []float32{1, 0, 0, 0}, nil, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, chunks[0].ID, results[0].ChunkID)

	status := adapter.GetVectorStatus()
	assert.Equal(t, string(ModeHNSW), status.Mode)
	assert.True(t, status.SemanticEnabled)
}
