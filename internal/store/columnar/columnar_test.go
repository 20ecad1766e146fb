package columnar

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/store"
)

const testDim = 4

func setupAdapter(t *testing.T) *Adapter {
	t.Helper()
	// The catalog and the vector store each need their own file; :memory:
	// would give the vector store a separate empty database per handle, so
	// tests use a temp dir.
	path := filepath.Join(t.TempDir(), "test.db")
	adapter, err := New(Options{Path: path, VectorDim: testDim})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, adapter.Initialize(ctx))
	t.Cleanup(func() { _ = adapter.Close(context.Background()) })
	return adapter
}

func docInput(path string) *store.DocumentInput {
	return &store.DocumentInput{
		FilePath:      path,
		FileName:      filepath.Base(path),
		FileExtension: filepath.Ext(path),
		FileSize:      2048,
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

func embedChunks(t *testing.T, adapter *Adapter, docID int64, vectors ...[]float32) []*store.Chunk {
	t.Helper()
	ctx := context.Background()
	chunks, err := adapter.GetChunks(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, len(vectors))

	updates := make([]store.EmbeddingUpdate, len(vectors))
	for i, vec := range vectors {
		updates[i] = store.EmbeddingUpdate{ChunkID: chunks[i].ID, Embedding: vec}
	}
	require.NoError(t, adapter.UpdateChunkEmbeddings(ctx, updates))
	return chunks
}

func TestInitialize_Idempotent(t *testing.T) {
	adapter := setupAdapter(t)
	assert.True(t, adapter.Initialized())
	assert.NoError(t, adapter.Initialize(context.Background()))
}

func TestOperations_BeforeInitialize(t *testing.T) {
	adapter, err := New(Options{Path: filepath.Join(t.TempDir(), "x.db"), VectorDim: testDim})
	require.NoError(t, err)

	_, err = adapter.GetDocument(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotInitialized)
}

func TestDocumentCRUD(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc, err := adapter.CreateDocument(ctx, docInput("/docs/report.pdf"))
	require.NoError(t, err)
	assert.Greater(t, doc.ID, int64(0))
	assert.Equal(t, store.StatusPending, doc.Status)

	_, err = adapter.CreateDocument(ctx, docInput("/docs/report.pdf"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := adapter.GetDocumentByPath(ctx, "/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	status := store.StatusIndexed
	updated, err := adapter.UpdateDocument(ctx, doc.ID, &store.DocumentUpdate{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, updated.Status)

	require.NoError(t, adapter.DeleteDocument(ctx, doc.ID))
	_, err = adapter.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChunks_EmbeddingsRoundTrip(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha", "beta")
	chunks := embedChunks(t, adapter, doc.ID,
		[]float32{1, 0, 0, 0},
		[]float32{0, 1, 0, 0},
	)

	// Embeddings come back from the vector store on read.
	reread, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, reread, 2)
	assert.Equal(t, []float32{1, 0, 0, 0}, reread[0].Embedding)
	assert.Equal(t, []float32{0, 1, 0, 0}, reread[1].Embedding)
	assert.Equal(t, chunks[0].ID, reread[0].ID)

	stats, err := adapter.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "columnar", stats.Backend)
	assert.Equal(t, 2, stats.ChunksWithEmbeddings)
}

func TestUpdateChunkEmbeddings_DimensionMismatch(t *testing.T) {
	adapter := setupAdapter(t)
	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha")

	chunks, err := adapter.GetChunks(context.Background(), doc.ID)
	require.NoError(t, err)

	err = adapter.UpdateChunkEmbeddings(context.Background(), []store.EmbeddingUpdate{
		{ChunkID: chunks[0].ID, Embedding: []float32{1}},
	})
	var dimErr *store.DimensionError
	assert.ErrorAs(t, err, &dimErr)
}

func TestDeleteDocument_DropsVectors(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha")
	embedChunks(t, adapter, doc.ID, []float32{1, 0, 0, 0})

	require.NoError(t, adapter.DeleteDocument(ctx, doc.ID))

	report, err := adapter.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Empty(t, report.Warnings)
}

func TestSearchKeyword_SubstringRanking(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	createDocWithChunks(t, adapter, "/docs/a.txt",
		"cache invalidation is hard",
		"cache cache cache everywhere",
		"naming things is harder")

	results, err := adapter.SearchKeyword(ctx, "cache", nil, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// More occurrences rank higher.
	assert.Equal(t, "cache cache cache everywhere", results[0].ChunkText)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, store.MatchKeyword, results[0].MatchType)
}

func TestSearchKeyword_WebSyntaxExclusion(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	createDocWithChunks(t, adapter, "/docs/a.txt",
		"release notes final",
		"release notes draft")

	opts := &store.QueryOptions{UseWebSearchSyntax: true}
	results, err := adapter.SearchKeyword(ctx, `"release notes" -draft`, nil, 10, opts)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].ChunkText, "final")
}

func TestSearchSemantic(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha", "beta", "gamma")
	chunks := embedChunks(t, adapter, doc.ID,
		[]float32{1, 0, 0, 0},
		[]float32{0, 1, 0, 0},
		[]float32{0, 0, 1, 0},
	)

	results, err := adapter.SearchSemantic(ctx, []float32{0, 0, 1, 0}, nil, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, chunks[2].ID, results[0].ChunkID)
	assert.Equal(t, store.MatchSemantic, results[0].MatchType)
}

func TestSearchSemantic_DimensionMismatch(t *testing.T) {
	adapter := setupAdapter(t)
	_, err := adapter.SearchSemantic(context.Background(), []float32{1}, nil, 5)
	var dimErr *store.DimensionError
	assert.ErrorAs(t, err, &dimErr)
}

func TestSearchHybrid(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt",
		"kubernetes deployment guide", "terraform modules")
	chunks := embedChunks(t, adapter, doc.ID,
		[]float32{1, 0, 0, 0},
		[]float32{0, 1, 0, 0},
	)

	results, err := adapter.SearchHybrid(ctx, "kubernetes", []float32{1, 0, 0, 0}, nil, 10,
		store.DefaultHybridWeights(), store.DefaultRRFK, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, chunks[0].ID, results[0].ChunkID)
	assert.Equal(t, store.MatchHybrid, results[0].MatchType)
}

func TestSearchHybrid_EdgeCases(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	results, err := adapter.SearchHybrid(ctx, "", nil, nil, 10, store.DefaultHybridWeights(), store.DefaultRRFK, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	createDocWithChunks(t, adapter, "/docs/a.txt", "keyword only text")

	results, err = adapter.SearchHybrid(ctx, "keyword", nil, nil, 10, store.DefaultHybridWeights(), store.DefaultRRFK, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.MatchKeyword, results[0].MatchType)

	_, err = adapter.SearchHybrid(ctx, "keyword", []float32{1}, nil, 10, store.DefaultHybridWeights(), store.DefaultRRFK, nil)
	var dimErr *store.DimensionError
	assert.ErrorAs(t, err, &dimErr)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	for _, item := range []store.QueueInput{
		{FilePath: "/q/scan.pdf", Priority: store.PriorityPDF},
		{FilePath: "/q/notes.txt", Priority: store.PriorityText},
		{FilePath: "/q/readme.md", Priority: store.PriorityMarkup},
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
		order = append(order, item.FilePath)
	}
	assert.Equal(t, []string{"/q/notes.txt", "/q/readme.md", "/q/scan.pdf"}, order)
}

func TestQueue_DeferReasonSurvives(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	item, err := adapter.EnqueueItem(ctx, store.QueueInput{FilePath: "/q/huge.txt", Priority: store.PriorityText})
	require.NoError(t, err)

	deferred := store.PriorityDeferred
	pending := store.QueuePending
	msg := store.EncodeDeferReason(store.DeferRawTextOversize, "64 MiB raw text")
	require.NoError(t, adapter.UpdateQueueItem(ctx, item.ID, store.QueueUpdate{
		Status: &pending, Priority: &deferred, LastError: &msg,
	}))

	got, err := adapter.GetQueueItemByPath(ctx, "/q/huge.txt")
	require.NoError(t, err)
	assert.Equal(t, store.PriorityDeferred, got.Priority)

	reason, ok := store.DecodeDeferReason(got.LastError)
	require.True(t, ok)
	assert.Equal(t, store.DeferRawTextOversize, reason)
}

func TestRecoverStuckDocuments(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/stuck.txt", "partial")
	embedding := store.StatusEmbedding
	_, err := adapter.UpdateDocument(ctx, doc.ID, &store.DocumentUpdate{Status: &embedding})
	require.NoError(t, err)

	report, err := adapter.RecoverStuckDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecoveredDocuments)
	assert.Equal(t, []string{"/docs/stuck.txt"}, report.RequeuedPaths)

	got, err := adapter.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	chunks, err := adapter.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestCheckIntegrity_CountsVectors(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "alpha", "beta")
	embedChunks(t, adapter, doc.ID, []float32{1, 0, 0, 0}, []float32{0, 1, 0, 0})

	report, err := adapter.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Empty(t, report.Errors)
}

func TestCreateBackup_Lifecycle(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	result, err := adapter.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no changes since last backup", result.SkipReason)

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "back me up")
	embedChunks(t, adapter, doc.ID, []float32{1, 0, 0, 0})

	result, err = adapter.CreateBackup(ctx)
	require.NoError(t, err)
	assert.True(t, result.Performed)
	assert.Greater(t, result.SizeBytes, int64(0))

	result, err = adapter.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no changes since last backup", result.SkipReason)
}

func TestSuspendResume(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "suspend me")
	require.NoError(t, adapter.Suspend(ctx))
	require.NoError(t, adapter.Resume(ctx))

	got, err := adapter.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
}

func TestReconnect_PreservesData(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	doc := createDocWithChunks(t, adapter, "/docs/a.txt", "survives")
	embedChunks(t, adapter, doc.ID, []float32{0, 1, 0, 0})

	require.NoError(t, adapter.Reconnect(ctx))

	results, err := adapter.SearchSemantic(ctx, []float32{0, 1, 0, 0}, nil, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestConfigValues(t *testing.T) {
	adapter := setupAdapter(t)
	ctx := context.Background()

	_, err := adapter.GetConfigValue(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, adapter.SetConfigValue(ctx, "k", "v1"))
	require.NoError(t, adapter.SetConfigValue(ctx, "k", "v2"))
	v, err := adapter.GetConfigValue(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}
