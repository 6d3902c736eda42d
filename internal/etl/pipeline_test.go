package etl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/internal/enrich"
	"github.com/BartekS5/tracksync/internal/retry"
	"github.com/BartekS5/tracksync/internal/state"
	"github.com/BartekS5/tracksync/internal/storage"
	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves records strictly after the cursor, oldest first.
type fakeSource struct {
	mu       sync.Mutex
	records  []models.Record
	authErr  error
	failOn   int // 1-based fetch call that returns fetchErr
	fetchErr error
	blockOn  int // 1-based fetch call that blocks until ctx is done
	skipOn   int // 1-based fetch call whose last item is unusable
	cursors  []int64
}

func (f *fakeSource) Authenticate(ctx context.Context) error { return f.authErr }

func (f *fakeSource) FetchPage(ctx context.Context, afterMs int64, limit int) (models.Page, error) {
	f.mu.Lock()
	f.cursors = append(f.cursors, afterMs)
	call := len(f.cursors)
	f.mu.Unlock()

	if call == f.blockOn {
		<-ctx.Done()
		return models.Page{}, ctx.Err()
	}
	if call == f.failOn {
		return models.Page{}, f.fetchErr
	}
	var out []models.Record
	for _, r := range f.records {
		if r.EventMillis() > afterMs && len(out) < limit {
			out = append(out, r)
		}
	}
	page := models.Page{Records: out, Items: len(out)}
	if call == f.skipOn && len(out) > 0 {
		// the source could not parse one of the items it returned
		page.Records = out[:len(out)-1]
	}
	return page, nil
}

type memoryWatermark struct {
	mu     sync.Mutex
	wm     models.Watermark
	ok     bool
	writes []int64
}

func (m *memoryWatermark) Read(ctx context.Context) (models.Watermark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wm, m.ok, nil
}

func (m *memoryWatermark) written() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *memoryWatermark) Write(ctx context.Context, wm models.Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wm, m.ok = wm, true
	m.writes = append(m.writes, wm.LastProcessedTimestamp)
	return nil
}

type put struct {
	key  string
	data []byte
}

// objectStore records every Put attempt; failures holds the outcome of the
// next attempts in order (nil = success).
type objectStore struct {
	mu       sync.Mutex
	puts     []put
	failures []error
	pingErr  error
	listed   []storage.ObjectInfo
}

func (s *objectStore) Put(ctx context.Context, key string, data []byte, opts storage.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, put{key: key, data: data})
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	return nil
}

func (s *objectStore) List(ctx context.Context, prefix string, since time.Time) ([]storage.ObjectInfo, error) {
	return s.listed, nil
}

func (s *objectStore) Ping(ctx context.Context) error { return s.pingErr }
func (s *objectStore) Close() error                   { return nil }

// committed returns the line count of each distinct key, in first-put order.
func (s *objectStore) committed(t *testing.T) []int {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var sizes []int
	for _, p := range s.puts {
		if seen[p.key] {
			continue
		}
		seen[p.key] = true
		sizes = append(sizes, countLines(t, p.data))
	}
	return sizes
}

func countLines(t *testing.T, data []byte) int {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()
	n := 0
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

type fakeEntities struct {
	mu     sync.Mutex
	calls  []int
	ledger *enrich.Ledger
}

func (f *fakeEntities) ProcessRecords(ctx context.Context, records []models.Record) enrich.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, len(records))
	return enrich.Report{Candidates: len(records), Processed: len(records)}
}

func (f *fakeEntities) Ledger() *enrich.Ledger { return f.ledger }

func newFakeEntities(t *testing.T) *fakeEntities {
	t.Helper()
	ledger, err := enrich.NewLedger(context.Background(), state.NewFileLedgerStore(filepath.Join(t.TempDir(), "ledger.json")))
	require.NoError(t, err)
	return &fakeEntities{ledger: ledger}
}

// makeRecords returns n records one second apart starting at from.
func makeRecords(n int, from time.Time) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		ts := from.Add(time.Duration(i) * time.Second).UTC()
		playedAt := ts.Format("2006-01-02T15:04:05.000Z")
		out[i] = models.Record{
			ID:        fmt.Sprintf("t%d@%s", i, playedAt),
			EventTime: ts,
			Payload: []byte(fmt.Sprintf(
				`{"played_at":%q,"track":{"id":"t%d","name":"Song %d","artists":[{"id":"a%d","name":"Artist"}]}}`,
				playedAt, i, i, i%3)),
		}
	}
	return out
}

type harness struct {
	source *fakeSource
	state  *memoryWatermark
	store  *objectStore
	p      *Pipeline
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		source: &fakeSource{},
		state:  &memoryWatermark{},
		store:  &objectStore{},
	}
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	uploader, err := storage.NewUploader(h.store, "spotify_listening_history", "%Y/%m/%d", "spotify-api", policy)
	require.NoError(t, err)

	if opts.Lookback == 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.MaxHistoryDays == 0 {
		opts.MaxHistoryDays = 50
	}
	h.p = NewPipeline(h.source, h.state, h.store, uploader, opts)
	h.p.now = func() time.Time { return testNow }
	return h
}

func TestRunOnce_FirstRunCommitsFullBatch(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 50})
	h.source.records = makeRecords(50, testNow.Add(-time.Hour))
	last := h.source.records[49].EventMillis()

	stats, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{50}, h.store.committed(t))
	assert.Equal(t, []int64{last}, h.state.writes)
	assert.Equal(t, last, stats.Watermark)
	assert.Equal(t, StateDone, stats.State)
	assert.NotEmpty(t, stats.RunID)
	require.Len(t, h.source.cursors, 2)
	assert.Equal(t, testNow.Add(-24*time.Hour).UnixMilli(), h.source.cursors[0])
	assert.Equal(t, last, h.source.cursors[1])
}

func TestRunOnce_NoNewRecordsLeavesWatermark(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 50})
	h.source.records = makeRecords(50, testNow.Add(-time.Hour))
	_, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)
	before := h.state.wm.LastProcessedTimestamp

	stats, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, before, h.state.wm.LastProcessedTimestamp)
	assert.Len(t, h.state.writes, 1)
	assert.Equal(t, 0, stats.Fetched)
	assert.Equal(t, 0, stats.Batches)
	assert.Equal(t, before, h.source.cursors[len(h.source.cursors)-1])
}

func TestRunOnce_TransientUploadFailureRetriesSameKey(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 50})
	h.source.records = makeRecords(50, testNow.Add(-time.Hour))
	h.store.failures = []error{errors.New("connection reset by peer")}

	stats, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.store.puts, 2)
	assert.Equal(t, h.store.puts[0].key, h.store.puts[1].key)
	assert.Equal(t, []int{50}, h.store.committed(t))
	assert.Len(t, h.state.writes, 1)
	assert.Equal(t, 1, stats.Batches)
}

func TestRunOnce_TimeoutDrainsPartialBatch(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 12, MaxRuntime: 50 * time.Millisecond})
	h.source.records = makeRecords(12, testNow.Add(-time.Hour))
	h.source.blockOn = 2

	stats, err := h.p.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)

	assert.Equal(t, []int{12}, h.store.committed(t))
	assert.Equal(t, h.source.records[11].EventMillis(), h.state.wm.LastProcessedTimestamp)
	assert.Equal(t, StateFailed, stats.State)
	assert.Equal(t, 12, stats.Uploaded)
}

func TestRunOnce_FetchFailureDrainsPartialBatch(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 12})
	h.source.records = makeRecords(20, testNow.Add(-time.Hour))
	h.source.failOn = 2
	h.source.fetchErr = apperrors.Wrap(apperrors.ErrTransient, errors.New("giving up after 3 attempts"))

	_, err := h.p.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransient)

	assert.Equal(t, []int{12}, h.store.committed(t))
	assert.Equal(t, h.source.records[11].EventMillis(), h.state.wm.LastProcessedTimestamp)
}

func TestRunOnce_UploadFailureStopsWithoutAdvancing(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 10, PageSize: 50})
	h.source.records = makeRecords(25, testNow.Add(-time.Hour))
	boom := errors.New("503 slow down")
	h.store.failures = []error{nil, boom, boom, boom}

	stats, err := h.p.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUpload)

	assert.Equal(t, []int64{h.source.records[9].EventMillis()}, h.state.writes)
	assert.Equal(t, 1, stats.Batches)
	// first batch once, second batch three attempts, no drain of the rest
	assert.Len(t, h.store.puts, 4)
}

func TestRunOnce_BatchSizeBound(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 10, PageSize: 50})
	h.source.records = makeRecords(23, testNow.Add(-time.Hour))

	stats, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{10, 10, 3}, h.store.committed(t))
	assert.Equal(t, 3, stats.Batches)
	assert.Len(t, stats.Keys, 3)
	for i := 1; i < len(h.state.writes); i++ {
		assert.Greater(t, h.state.writes[i], h.state.writes[i-1])
	}
}

func TestRunOnce_PaginatesAcrossPages(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 20})
	h.source.records = makeRecords(45, testNow.Add(-time.Hour))

	stats, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45, stats.Fetched)
	assert.Len(t, h.source.cursors, 3)
	assert.Equal(t, []int{45}, h.store.committed(t))
}

func TestRunOnce_FullPageWithUnusableItemKeepsPaging(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 10})
	h.source.records = makeRecords(25, testNow.Add(-time.Hour))
	h.source.skipOn = 1

	stats, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)

	// the skipped record is refetched by the second page
	require.Len(t, h.source.cursors, 3)
	assert.Equal(t, h.source.records[8].EventMillis(), h.source.cursors[1])
	assert.Equal(t, 25, stats.Fetched)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, h.source.records[24].EventMillis(), h.state.wm.LastProcessedTimestamp)
}

func TestRunOnce_PreconditionFailuresMutateNothing(t *testing.T) {
	t.Run("auth", func(t *testing.T) {
		h := newHarness(t, Options{BatchSize: 50, PageSize: 50})
		h.source.records = makeRecords(5, testNow.Add(-time.Hour))
		h.source.authErr = errors.New("invalid_client")

		_, err := h.p.RunOnce(context.Background())
		assert.ErrorIs(t, err, apperrors.ErrAuth)
		assert.Empty(t, h.source.cursors)
		assert.Empty(t, h.store.puts)
		assert.Empty(t, h.state.writes)
	})

	t.Run("storage", func(t *testing.T) {
		h := newHarness(t, Options{BatchSize: 50, PageSize: 50})
		h.store.pingErr = apperrors.Wrap(apperrors.ErrAuth, errors.New("403 forbidden"))

		_, err := h.p.RunOnce(context.Background())
		assert.ErrorIs(t, err, apperrors.ErrAuth)
		assert.Empty(t, h.source.cursors)
		assert.Empty(t, h.state.writes)
	})
}

func TestRunOnce_DropsInvalidRecordsButAdvances(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 50})
	records := makeRecords(5, testNow.Add(-time.Hour))
	records[4].Payload = []byte(`{"played_at":"x","track":{}}`)
	h.source.records = records

	stats, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, []int{4}, h.store.committed(t))
	assert.Equal(t, records[4].EventMillis(), h.state.wm.LastProcessedTimestamp)
}

func TestBackfill_NeverRegressesWatermark(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 10, PageSize: 50})
	h.source.records = makeRecords(15, testNow.Add(-48*time.Hour))
	latest := testNow.Add(-time.Minute).UnixMilli()
	h.state.wm, h.state.ok = models.Watermark{LastProcessedTimestamp: latest}, true

	stats, err := h.p.Backfill(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 5}, h.store.committed(t))
	assert.Equal(t, latest, h.state.wm.LastProcessedTimestamp)
	assert.Empty(t, h.state.writes)
	assert.Equal(t, latest, stats.Watermark)
	assert.Equal(t, testNow.Add(-72*time.Hour).UnixMilli(), h.source.cursors[0])
}

func TestBackfill_CapsDaysAndRejectsNonPositive(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 10, PageSize: 50, MaxHistoryDays: 50})

	_, err := h.p.Backfill(context.Background(), 400)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-50*24*time.Hour).UnixMilli(), h.source.cursors[0])

	_, err = h.p.Backfill(context.Background(), 0)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestRunOnce_EntityProcessingAfterEachCommit(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 10, PageSize: 50, EnableEntityProcessing: true})
	h.source.records = makeRecords(15, testNow.Add(-time.Hour))
	entities := newFakeEntities(t)
	h.p.WithEntityProcessing(entities)

	stats, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{10, 5}, entities.calls)
	assert.Equal(t, 15, stats.EntitiesProcessed)
}

func TestRunOnce_EntityProcessingDisabled(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 10, PageSize: 50})
	h.source.records = makeRecords(15, testNow.Add(-time.Hour))
	entities := newFakeEntities(t)
	h.p.WithEntityProcessing(entities)

	_, err := h.p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entities.calls)
}

func TestBackfillEntities_ChunksAndLeavesWatermark(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 2, PageSize: 50})
	h.source.records = makeRecords(23, testNow.Add(-time.Hour))
	entities := newFakeEntities(t)
	h.p.WithEntityProcessing(entities)

	stats, err := h.p.BackfillEntities(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 10, 3}, entities.calls)
	assert.Equal(t, 23, stats.EntitiesProcessed)
	assert.Empty(t, h.state.writes)
	assert.Empty(t, h.store.puts)
}

func TestBackfillEntities_RequiresWorkflow(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 2, PageSize: 50})
	_, err := h.p.BackfillEntities(context.Background(), 1)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestRunContinuous_RecoversAfterFailedCycle(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 50})
	h.source.records = makeRecords(5, testNow.Add(-time.Hour))
	last := testNow.Add(-2 * time.Hour).UnixMilli()
	h.state.wm, h.state.ok = models.Watermark{LastProcessedTimestamp: last}, true
	h.source.failOn = 1
	h.source.fetchErr = apperrors.Wrap(apperrors.ErrTransient, errors.New("502 bad gateway"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.p.RunContinuous(ctx, time.Second) }()

	require.Eventually(t, func() bool { return h.state.written() > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	h.source.mu.Lock()
	cursors := append([]int64(nil), h.source.cursors...)
	h.source.mu.Unlock()
	require.GreaterOrEqual(t, len(cursors), 2)
	// the failed cycle left the watermark where it was
	assert.Equal(t, last, cursors[0])
	assert.Equal(t, last, cursors[1])
	assert.Equal(t, h.source.records[4].EventMillis(), h.state.wm.LastProcessedTimestamp)
	assert.Equal(t, []int{5}, h.store.committed(t))
}

func TestTestConnectivity(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 2, PageSize: 50})
	require.NoError(t, h.p.TestConnectivity(context.Background()))

	h.source.authErr = errors.New("bad token")
	assert.ErrorIs(t, h.p.TestConnectivity(context.Background()), apperrors.ErrAuth)
}

func TestStats(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 50, PageSize: 50, StoragePrefix: "spotify_listening_history", FetchInterval: 30 * time.Minute})
	h.state.wm, h.state.ok = models.Watermark{LastProcessedTimestamp: testNow.UnixMilli(), LastUpdated: testNow}, true
	h.store.listed = []storage.ObjectInfo{{Key: "a", Size: 100}, {Key: "b", Size: 50}}
	entities := newFakeEntities(t)
	require.NoError(t, entities.ledger.Add(context.Background(), []string{"x", "y"}))
	h.p.WithEntityProcessing(entities)

	s, err := h.p.Stats(context.Background())
	require.NoError(t, err)

	assert.True(t, s.HasWatermark)
	assert.True(t, testNow.Equal(s.WatermarkTime))
	assert.Equal(t, 2, s.RecentArtifacts)
	assert.Equal(t, int64(150), s.RecentBytes)
	assert.Equal(t, 50, s.BatchSize)
	assert.Equal(t, 30*time.Minute, s.FetchInterval)
	assert.Equal(t, 2, s.LedgerSize)
}
