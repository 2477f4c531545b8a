package batch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct{}

func (staticTokens) AccessToken(ctx context.Context) (string, error) {
	return "test-token", nil
}

// fakeBatchServer answers every inner request with a 200 JSON body carrying
// a generated id. It tracks request sizes and peak concurrency.
type fakeBatchServer struct {
	t *testing.T

	mu         sync.Mutex
	batchSizes []int

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeBatchServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cur := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			p := f.peak.Load()
			if cur <= p || f.peak.CompareAndSwap(p, cur) {
				break
			}
		}
		// Hold the request briefly so overlap is observable.
		time.Sleep(20 * time.Millisecond)

		assert.Equal(f.t, "Bearer test-token", r.Header.Get("Authorization"))

		boundary, err := BoundaryFromContentType(r.Header.Get("Content-Type"))
		require.NoError(f.t, err)
		body, err := io.ReadAll(r.Body)
		require.NoError(f.t, err)

		n := strings.Count(string(body), "Content-ID: <item-")
		f.mu.Lock()
		f.batchSizes = append(f.batchSizes, n)
		f.mu.Unlock()

		var parts []string
		for i := 0; i < n; i++ {
			parts = append(parts, innerPart(fmt.Sprintf("response-item-%d", i), 200, "OK",
				fmt.Sprintf(`{"id":"ev-%d"}`, i)))
		}

		w.Header().Set("Content-Type", ContentType(boundary))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, batchResponse(boundary, parts...))
	}
}

func makeOps(n int) []Op {
	ops := make([]Op, n)
	for i := range ops {
		ops[i] = Op{
			Method: "POST",
			Path:   "/calendar/v3/calendars/primary/events",
			Body:   map[string]string{"summary": fmt.Sprintf("task %d", i)},
			Type:   OpInsert,
			TaskID: fmt.Sprintf("obsidian-%04d", i),
		}
	}
	return ops
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.InterBatchDelay = time.Millisecond
	cfg.RateErrorCooldown = time.Millisecond
	cfg.RetryInitialInterval = time.Millisecond
	return cfg
}

func TestExecuteAll_ChunkingAndConcurrency(t *testing.T) {
	fake := &fakeBatchServer{t: t}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxBatchPerHTTP = 50
	cfg.InitialBatchSize = 50
	cfg.MaxInFlight = 2

	exec := NewExecutor(srv.Client(), staticTokens{}, cfg)
	results, err := exec.ExecuteAll(context.Background(), makeOps(127))

	require.NoError(t, err)
	require.Len(t, results, 127)
	for _, r := range results {
		assert.True(t, r.OK())
	}

	assert.Equal(t, []int{50, 50, 27}, fake.batchSizes)
	assert.LessOrEqual(t, fake.peak.Load(), int32(2), "peak concurrency bounded by MaxInFlight")
}

func TestExecuteAll_EmptyPlan(t *testing.T) {
	exec := NewExecutor(nil, staticTokens{}, DefaultConfig())
	results, err := exec.ExecuteAll(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExecuteAll_RetriesOuter5xx(t *testing.T) {
	var calls atomic.Int32
	fake := &fakeBatchServer{t: t}
	inner := fake.handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	exec := NewExecutor(srv.Client(), staticTokens{}, testConfig(srv.URL))
	results, err := exec.ExecuteAll(context.Background(), makeOps(3))

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestExecuteAll_ExhaustedRetryMarksOpsErrored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxAttempts = 2
	exec := NewExecutor(srv.Client(), staticTokens{}, cfg)

	results, err := exec.ExecuteAll(context.Background(), makeOps(4))

	require.NoError(t, err, "one failed sub-batch does not fail the run")
	for _, r := range results {
		assert.Equal(t, 0, r.Status)
		assert.NotEmpty(t, r.Body.ErrorMessage())
	}
}

func TestExecuteAll_PartCountMismatchErrorsWholeSubBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		boundary, err := BoundaryFromContentType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		io.Copy(io.Discard, r.Body)

		// One part regardless of how many were requested.
		w.Header().Set("Content-Type", ContentType(boundary))
		io.WriteString(w, batchResponse(boundary, innerPart("response-item-0", 200, "OK", `{"id":"ev-0"}`)))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.InitialBatchSize = 20
	cfg.CleanStreak = 1
	cfg.AdditiveStep = 5
	exec := NewExecutor(srv.Client(), staticTokens{}, cfg)
	results, err := exec.ExecuteAll(context.Background(), makeOps(3))

	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, 0, r.Status)
		assert.Contains(t, r.Body.ErrorMessage(), "part count mismatch")
	}
	assert.Equal(t, 20, exec.sizer.Size(), "a malformed response must not count as a clean sub-batch")
}

func TestExecuteAll_ThrottleHalvesDesiredSize(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		boundary, err := BoundaryFromContentType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		n := strings.Count(string(body), "Content-ID: <item-")

		var parts []string
		for i := 0; i < n; i++ {
			if calls.Load() == 0 && i == 0 {
				parts = append(parts, innerPart("response-item-0", 429, "Too Many Requests",
					`{"error":{"code":429,"message":"Rate Limit Exceeded"}}`))
				continue
			}
			parts = append(parts, innerPart(fmt.Sprintf("response-item-%d", i), 200, "OK", `{"id":"x"}`))
		}
		calls.Add(1)

		w.Header().Set("Content-Type", ContentType(boundary))
		io.WriteString(w, batchResponse(boundary, parts...))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.InitialBatchSize = 20
	cfg.MinBatchSize = 5
	cfg.MaxInFlight = 1
	exec := NewExecutor(srv.Client(), staticTokens{}, cfg)

	results, err := exec.ExecuteAll(context.Background(), makeOps(30))
	require.NoError(t, err)
	require.Len(t, results, 30)

	assert.Equal(t, 10, exec.sizer.Size(), "429 in the first sub-batch halves the desired size")
}

func TestExecuteAll_CancellationStopsDispatch(t *testing.T) {
	fake := &fakeBatchServer{t: t}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.InitialBatchSize = 5
	cfg.MaxInFlight = 1
	cfg.InterBatchDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	exec := NewExecutor(srv.Client(), staticTokens{}, cfg)
	results, err := exec.ExecuteAll(ctx, makeOps(100))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 100, "every op has a result slot even when undispatched")

	var undispatched int
	for _, r := range results {
		if r.Status == 0 {
			undispatched++
		}
	}
	assert.Positive(t, undispatched, "cancellation left later sub-batches undispatched")
}

func TestSizeController_AIMD(t *testing.T) {
	c := newSizeController(20, 5, 50, 8, 3, 5, 6*time.Second)

	c.RecordThrottle()
	assert.Equal(t, 10, c.Size())
	c.RecordThrottle()
	c.RecordThrottle()
	assert.Equal(t, 5, c.Size(), "floor at min")

	for i := 0; i < 3; i++ {
		c.RecordClean(100 * time.Millisecond)
	}
	assert.Equal(t, 10, c.Size(), "additive increase after clean streak")
}

func TestSizeController_LatencySLAHalves(t *testing.T) {
	c := newSizeController(40, 5, 50, 4, 3, 5, 100*time.Millisecond)

	for i := 0; i < 4; i++ {
		c.RecordClean(500 * time.Millisecond)
	}
	assert.Less(t, c.Size(), 40, "p95 above SLA forces decrease")
}
