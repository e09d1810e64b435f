package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorix-app/docindex/internal/chunker"
	"github.com/memorix-app/docindex/internal/documents"
	"github.com/memorix-app/docindex/internal/events"
	"github.com/memorix-app/docindex/internal/storage"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// memoryDocs mirrors the PostgresStore semantics the worker relies on.
type memoryDocs struct {
	mu   sync.Mutex
	docs map[string]*documents.Document

	listErr     error
	listHook    func()
	listCalls   int
	markIndexed int
}

func newMemoryDocs(docs ...*documents.Document) *memoryDocs {
	m := &memoryDocs{docs: map[string]*documents.Document{}}
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return m
}

func (m *memoryDocs) ListPending(_ context.Context, f documents.PendingFilter) ([]*documents.Document, error) {
	m.mu.Lock()
	m.listCalls++
	hook := m.listHook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if m.listErr != nil {
		return nil, m.listErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*documents.Document
	for _, d := range m.docs {
		if d.Status == documents.StatusFinished {
			continue
		}
		if f.MaxAttempts > 0 && d.IndexAttempts >= f.MaxAttempts {
			continue
		}
		if !f.Before.IsZero() && d.LastAttemptAt != nil && d.LastAttemptAt.After(f.Before) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryDocs) MarkIndexing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.Status == documents.StatusFinished {
		return documents.ErrNotFound
	}
	d.Status = documents.StatusIndexing
	return nil
}

func (m *memoryDocs) MarkIndexed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return documents.ErrNotFound
	}
	d.Status = documents.StatusFinished
	d.IndexedAt = &at
	m.markIndexed++
	return nil
}

func (m *memoryDocs) RecordFailure(_ context.Context, id string, status documents.Status, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.Status == documents.StatusFinished {
		return documents.ErrNotFound
	}
	d.Status = status
	d.IndexAttempts++
	d.LastError = reason
	d.LastAttemptAt = &at
	return nil
}

func (m *memoryDocs) get(id string) documents.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.docs[id]
}

type memoryObjects struct {
	objects map[string][]byte
}

func (m *memoryObjects) Download(_ context.Context, path string) ([]byte, error) {
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s: connection refused", path)
	}
	return data, nil
}

type fakeEmbedder struct {
	dim int
	err error

	mu       sync.Mutex
	calls    int
	inFlight int
	peak     int
	delay    time.Duration
}

func (f *fakeEmbedder) GenerateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(len([]rune(t)))
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeIndex struct {
	mu        sync.Mutex
	points    map[string]*storage.Chunk
	upsertErr error
	pingErrs  int // number of pings that fail before succeeding
	pings     int
	ensured   int
	deletes   map[string]int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: map[string]*storage.Chunk{}, deletes: map[string]int{}}
}

func (f *fakeIndex) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.pings <= f.pingErrs {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeIndex) EnsureCollection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil
}

func (f *fakeIndex) UpsertChunks(_ context.Context, chunks []*storage.Chunk) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		f.points[c.ID] = c
	}
	return nil
}

func (f *fakeIndex) DeleteStaleChunks(_ context.Context, documentID string, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes[documentID] = keep
	for id, c := range f.points {
		if c.Metadata.DocumentID == documentID && c.Metadata.Ordinal >= keep {
			delete(f.points, id)
		}
	}
	return nil
}

func (f *fakeIndex) chunksOf(documentID string) []*storage.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.Chunk
	for _, c := range f.points {
		if c.Metadata.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Ordinal < out[j].Metadata.Ordinal })
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) types(documentID string) []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.EventType
	for _, e := range r.events {
		if e.DocumentID == documentID {
			out = append(out, e.Type)
		}
	}
	return out
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

type harness struct {
	docs     *memoryDocs
	objects  *memoryObjects
	embedder *fakeEmbedder
	index    *fakeIndex
	events   *recordingPublisher
	worker   *Worker
}

func newHarness(t *testing.T, opts Options, docs ...*documents.Document) *harness {
	t.Helper()

	splitter, err := chunker.New(1000, 200)
	require.NoError(t, err)

	h := &harness{
		docs:     newMemoryDocs(docs...),
		objects:  &memoryObjects{objects: map[string][]byte{}},
		embedder: &fakeEmbedder{dim: 4},
		index:    newFakeIndex(),
		events:   &recordingPublisher{},
	}
	h.worker, err = NewWorker(Deps{
		Documents: h.docs,
		Objects:   h.objects,
		Embedder:  h.embedder,
		Index:     h.index,
		Splitter:  splitter,
		Tokens:    wordCounter{},
		Publisher: h.events,
		Clock:     func() time.Time { return testNow },
	}, opts)
	require.NoError(t, err)
	return h
}

func uploaded(id, filename string) *documents.Document {
	return &documents.Document{
		ID:          id,
		Filename:    filename,
		DisplayName: filename,
		StoragePath: "test/documents/" + id,
		OwnerID:     "owner-1",
		Status:      documents.StatusUploaded,
		CreatedAt:   testNow.Add(-time.Hour),
	}
}

func (h *harness) put(doc *documents.Document, data string) {
	h.objects.objects[doc.StoragePath] = []byte(data)
}

func TestRunOnce_IndexesUploadedDocument(t *testing.T) {
	doc := uploaded("doc-1", "notes.txt")
	h := newHarness(t, Options{}, doc)
	h.put(doc, strings.Repeat("abcdefghij", 240)) // 2,400 characters

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pending)
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, 3, result.TotalChunks)
	assert.Empty(t, result.Failed)

	got := h.docs.get("doc-1")
	assert.Equal(t, documents.StatusFinished, got.Status)
	require.NotNil(t, got.IndexedAt)
	assert.Equal(t, testNow, *got.IndexedAt)

	chunks := h.index.chunksOf("doc-1")
	require.Len(t, chunks, 3)
	lengths := []int{}
	for i, c := range chunks {
		lengths = append(lengths, len([]rune(c.Content)))
		assert.Equal(t, storage.ChunkID("doc-1", i), c.ID)
		assert.Equal(t, i, c.Metadata.Ordinal)
		assert.Equal(t, "doc-1", c.Metadata.DocumentID)
		assert.Equal(t, "owner-1", c.Metadata.OwnerID)
		assert.Equal(t, "notes.txt", c.Metadata.Filename)
		assert.Equal(t, 1, c.Metadata.TokenCount)
		assert.Len(t, c.Embedding, 4)
	}
	assert.Equal(t, []int{1000, 1000, 800}, lengths)
	assert.Equal(t, 3, h.index.deletes["doc-1"])

	assert.Equal(t, []events.EventType{events.DocumentIndexing, events.DocumentIndexed}, h.events.types("doc-1"))
}

func TestRunOnce_FinishedDocumentsAreNotReprocessed(t *testing.T) {
	doc := uploaded("doc-1", "notes.md")
	h := newHarness(t, Options{}, doc)
	h.put(doc, "# Title\n\nsome text")

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.embedder.callCount())

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Pending)
	assert.Equal(t, 1, h.embedder.callCount())
	assert.Equal(t, 1, h.docs.markIndexed)
}

func TestRunOnce_DownloadFailureIsIsolated(t *testing.T) {
	missing := uploaded("doc-a", "missing.txt")
	present := uploaded("doc-b", "present.txt")
	h := newHarness(t, Options{}, missing, present)
	h.put(present, "hello world")

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "doc-a", result.Failed[0].DocumentID)
	assert.Equal(t, StageDownload, result.Failed[0].Stage)

	a := h.docs.get("doc-a")
	assert.Equal(t, documents.StatusUploaded, a.Status, "download failures leave the status untouched")
	assert.Nil(t, a.IndexedAt)
	assert.Equal(t, 1, a.IndexAttempts)
	assert.Contains(t, a.LastError, "download")
	assert.Empty(t, h.index.chunksOf("doc-a"))
	assert.NotContains(t, h.events.types("doc-a"), events.DocumentIndexing)

	assert.Equal(t, documents.StatusFinished, h.docs.get("doc-b").Status)
}

func TestRunOnce_ParseFailureRestoresStatus(t *testing.T) {
	doc := uploaded("doc-1", "broken.pdf")
	h := newHarness(t, Options{}, doc)
	h.put(doc, "this is not a pdf")

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, StageParse, result.Failed[0].Stage)

	got := h.docs.get("doc-1")
	assert.Equal(t, documents.StatusUploaded, got.Status)
	assert.Nil(t, got.IndexedAt)
	assert.Zero(t, h.embedder.callCount())
	assert.Equal(t, []events.EventType{events.DocumentIndexing, events.DocumentIndexFailed}, h.events.types("doc-1"))

	h.events.mu.Lock()
	failed := h.events.events[len(h.events.events)-1]
	h.events.mu.Unlock()
	assert.Equal(t, "content", failed.Data["kind"])
}

func TestRunOnce_RestoresStatusSeenAtPoll(t *testing.T) {
	doc := uploaded("doc-1", "empty.txt")
	doc.Status = documents.StatusIndexing // left over from a crashed worker
	h := newHarness(t, Options{}, doc)
	h.put(doc, "   \n ")

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, documents.StatusIndexing, h.docs.get("doc-1").Status)
}

func TestRunOnce_EmbeddingFailureIsRetriedNextCycle(t *testing.T) {
	doc := uploaded("doc-1", "notes.txt")
	h := newHarness(t, Options{}, doc)
	h.put(doc, "hello")
	h.embedder.err = errors.New("embedding service unavailable")

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, StageEmbed, result.Failed[0].Stage)
	assert.Equal(t, documents.StatusUploaded, h.docs.get("doc-1").Status)

	h.embedder.err = nil
	result, err = h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, documents.StatusFinished, h.docs.get("doc-1").Status)
}

func TestRunOnce_UpsertFailureNeverFinishes(t *testing.T) {
	doc := uploaded("doc-1", "notes.txt")
	h := newHarness(t, Options{}, doc)
	h.put(doc, "hello")
	h.index.upsertErr = errors.New("qdrant unavailable")

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, StageUpsert, result.Failed[0].Stage)

	got := h.docs.get("doc-1")
	assert.NotEqual(t, documents.StatusFinished, got.Status)
	assert.Nil(t, got.IndexedAt)
	assert.Zero(t, h.docs.markIndexed)
}

func TestRunOnce_ListFailureIsReturned(t *testing.T) {
	h := newHarness(t, Options{})
	h.docs.listErr = errors.New("db down")

	_, err := h.worker.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnce_MaxAttempts(t *testing.T) {
	doc := uploaded("doc-1", "missing.txt")
	h := newHarness(t, Options{MaxAttempts: 2}, doc)

	for i := 0; i < 2; i++ {
		result, err := h.worker.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Len(t, result.Failed, 1)
	}

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Pending, "documents over the attempt cap are skipped")
	assert.Equal(t, 2, h.docs.get("doc-1").IndexAttempts)
}

func TestRunOnce_RetryCooldown(t *testing.T) {
	doc := uploaded("doc-1", "missing.txt")
	h := newHarness(t, Options{RetryCooldown: time.Minute}, doc)

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pending)

	result, err = h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Pending, "a failure at testNow is inside the cooldown")
}

func TestRunOnce_ReindexRemovesStaleChunks(t *testing.T) {
	doc := uploaded("doc-1", "notes.txt")
	h := newHarness(t, Options{}, doc)
	h.put(doc, strings.Repeat("x", 2400))

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.index.chunksOf("doc-1"), 3)

	// Re-upload shorter content and queue the document again.
	h.put(doc, "short")
	h.docs.mu.Lock()
	h.docs.docs["doc-1"].Status = documents.StatusUploaded
	h.docs.docs["doc-1"].IndexedAt = nil
	h.docs.mu.Unlock()

	_, err = h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	chunks := h.index.chunksOf("doc-1")
	require.Len(t, chunks, 1)
	assert.Equal(t, "short", chunks[0].Content)
}

func TestRunOnce_MarkdownSectionsInMetadata(t *testing.T) {
	doc := uploaded("doc-1", "guide.md")
	h := newHarness(t, Options{}, doc)
	h.put(doc, "# Guide\n\nIntro text.")

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)

	chunks := h.index.chunksOf("doc-1")
	require.Len(t, chunks, 1)
	assert.Equal(t, "# Guide", chunks[0].Metadata.Section)
	assert.Zero(t, chunks[0].Metadata.Page)
}

func TestRunOnce_BoundedConcurrency(t *testing.T) {
	var docs []*documents.Document
	for i := 0; i < 12; i++ {
		docs = append(docs, uploaded(fmt.Sprintf("doc-%02d", i), "n.txt"))
	}
	h := newHarness(t, Options{Concurrency: 3}, docs...)
	h.embedder.delay = 10 * time.Millisecond
	for _, d := range docs {
		h.put(d, "content of "+d.ID)
	}

	result, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, result.Indexed)
	assert.LessOrEqual(t, h.embedder.peak, 3)
	assert.Greater(t, h.embedder.peak, 1)
}

func TestNewWorker_RequiresDependencies(t *testing.T) {
	_, err := NewWorker(Deps{}, Options{})
	assert.Error(t, err)
}

func TestWaitReady_SucceedsAfterRetries(t *testing.T) {
	index := newFakeIndex()
	index.pingErrs = 2

	err := WaitReady(context.Background(), index, 5, time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, index.pings)
}

func TestWaitReady_ExhaustionIsFatal(t *testing.T) {
	index := newFakeIndex()
	index.pingErrs = 100

	err := WaitReady(context.Background(), index, 4, time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Equal(t, 4, index.pings)
}

func TestRun_NeverStartsWithoutIndex(t *testing.T) {
	doc := uploaded("doc-1", "notes.txt")
	h := newHarness(t, Options{ReadinessAttempts: 3, ReadinessDelay: time.Millisecond}, doc)
	h.index.pingErrs = 100

	err := h.worker.Run(context.Background())
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Zero(t, h.docs.listCalls)
	assert.Equal(t, documents.StatusUploaded, h.docs.get("doc-1").Status)
}

func TestRun_StopsOnCancellation(t *testing.T) {
	doc := uploaded("doc-1", "notes.txt")
	h := newHarness(t, Options{PollInterval: time.Millisecond, ReadinessAttempts: 1}, doc)
	h.put(doc, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cycles atomic.Int32
	h.docs.listHook = func() {
		if cycles.Add(1) == 3 {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	assert.GreaterOrEqual(t, cycles.Load(), int32(3))
	assert.Equal(t, 1, h.index.ensured)
	assert.Equal(t, documents.StatusFinished, h.docs.get("doc-1").Status)
}
