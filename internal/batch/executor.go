package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultEndpoint is the calendar batch endpoint.
const DefaultEndpoint = "https://www.googleapis.com/batch/calendar/v3"

// TokenProvider supplies a bearer access token, refreshing transparently
// when the current one is near expiry.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config holds executor tuning parameters.
type Config struct {
	Endpoint string

	MaxBatchPerHTTP  int // hard cap on parts per HTTP call
	InitialBatchSize int // AIMD starting point
	MinBatchSize     int // AIMD floor
	MaxInFlight      int // concurrent sub-batches

	InterBatchDelay   time.Duration // pacing between sub-batch starts
	RateErrorCooldown time.Duration // sleep after a throttle signal

	LatencySLA    time.Duration // p95 target over the trailing window
	LatencyWindow int           // trailing window size
	CleanStreak   int           // clean sub-batches before additive increase
	AdditiveStep  int           // size increase per streak

	MaxAttempts          int           // outer retry budget per sub-batch
	RetryInitialInterval time.Duration // backoff seed
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Endpoint:             DefaultEndpoint,
		MaxBatchPerHTTP:      50,
		InitialBatchSize:     25,
		MinBatchSize:         5,
		MaxInFlight:          2,
		InterBatchDelay:      200 * time.Millisecond,
		RateErrorCooldown:    5 * time.Second,
		LatencySLA:           6 * time.Second,
		LatencyWindow:        8,
		CleanStreak:          3,
		AdditiveStep:         5,
		MaxAttempts:          4,
		RetryInitialInterval: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.MaxBatchPerHTTP <= 0 {
		c.MaxBatchPerHTTP = d.MaxBatchPerHTTP
	}
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = d.InitialBatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = d.MinBatchSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}
	if c.CleanStreak <= 0 {
		c.CleanStreak = d.CleanStreak
	}
	if c.AdditiveStep <= 0 {
		c.AdditiveStep = d.AdditiveStep
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	return c
}

// Executor transports a plan through the batch endpoint: sub-batch
// chunking, AIMD sizing, bounded parallel dispatch, outer retry and per-part
// decoding.
type Executor struct {
	client *http.Client
	tokens TokenProvider
	cfg    Config
	sizer  *sizeController
	m      *executorMetrics
}

// NewExecutor creates an Executor over an HTTP client. The client should
// not be the oauth2 auto-authorizing one; the executor injects bearer
// tokens itself so a refresh mid-run is observed.
func NewExecutor(client *http.Client, tokens TokenProvider, cfg Config) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	cfg = cfg.withDefaults()

	return &Executor{
		client: client,
		tokens: tokens,
		cfg:    cfg,
		sizer: newSizeController(
			cfg.InitialBatchSize, cfg.MinBatchSize, cfg.MaxBatchPerHTTP,
			cfg.LatencyWindow, cfg.CleanStreak, cfg.AdditiveStep, cfg.LatencySLA),
		m: newExecutorMetrics(),
	}
}

// ExecuteAll runs every op and returns one result per op, index-aligned.
// Cancellation halts dispatch of new sub-batches, lets running ones finish,
// and is returned as the error; undispatched ops get zero-status results.
// The overall timer is recorded on every exit path.
func (e *Executor) ExecuteAll(ctx context.Context, ops []Op) ([]Result, error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		e.m.recordRun(ctx, elapsed.Seconds())
		slog.InfoContext(ctx, "Execute All Batches", "elapsed", elapsed, "ops", len(ops))
	}()

	results := make([]Result, len(ops))
	if len(ops) == 0 {
		return results, nil
	}

	var (
		wg             sync.WaitGroup
		throttleSignal atomic.Bool
		sem            = make(chan struct{}, e.cfg.MaxInFlight)
	)

	serial := false
	offset := 0
	var dispatchErr error

	for offset < len(ops) {
		if err := ctx.Err(); err != nil {
			dispatchErr = fmt.Errorf("batch dispatch halted: %w", err)
			break
		}

		if offset > 0 && e.cfg.InterBatchDelay > 0 {
			if err := sleepCtx(ctx, e.cfg.InterBatchDelay); err != nil {
				dispatchErr = fmt.Errorf("batch dispatch halted: %w", err)
				break
			}
		}

		if throttleSignal.Swap(false) {
			// Drop to single-file dispatch and back off before the next call.
			serial = true
			wg.Wait()
			if e.cfg.RateErrorCooldown > 0 {
				if err := sleepCtx(ctx, e.cfg.RateErrorCooldown); err != nil {
					dispatchErr = fmt.Errorf("batch dispatch halted: %w", err)
					break
				}
			}
		}

		size := e.sizer.Size()
		if size > e.cfg.MaxBatchPerHTTP {
			size = e.cfg.MaxBatchPerHTTP
		}
		if rest := len(ops) - offset; size > rest {
			size = rest
		}
		e.m.recordDesiredSize(ctx, e.sizer.Size())

		chunk := ops[offset : offset+size]
		out := results[offset : offset+size]
		offset += size

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if e.runSubBatch(ctx, chunk, out) {
				throttleSignal.Store(true)
			}
		}()

		if serial {
			wg.Wait()
			if !throttleSignal.Load() {
				serial = false
			}
		}
	}

	wg.Wait()

	if dispatchErr != nil {
		for i := offset; i < len(ops); i++ {
			results[i] = Result{Status: 0, Body: TextPayload("not dispatched: run cancelled")}
		}
		return results, dispatchErr
	}
	return results, nil
}

// runSubBatch executes one sub-batch including outer retry, writes results
// into out (index-aligned with ops), and reports whether a throttle signal
// was observed.
func (e *Executor) runSubBatch(ctx context.Context, ops []Op, out []Result) bool {
	started := time.Now()
	results, err := e.callWithRetry(ctx, ops)
	latency := time.Since(started)
	e.m.recordSubBatch(ctx, latency.Seconds())

	if err != nil {
		slog.ErrorContext(ctx, "sub-batch failed", "ops", len(ops), "error", err)
		for i := range out {
			out[i] = Result{Status: 0, Body: TextPayload(err.Error())}
		}
		e.sizer.RecordThrottle()
		return true
	}

	if len(results) != len(ops) {
		// Structural failure: the response cannot be trusted to line up
		// with the requests, so every op in the sub-batch is errored.
		slog.ErrorContext(ctx, "sub-batch part count mismatch",
			"requests", len(ops), "parts", len(results))
		msg := fmt.Sprintf("batch response part count mismatch: %d parts for %d requests", len(results), len(ops))
		for i := range out {
			out[i] = Result{Status: 0, Body: TextPayload(msg)}
		}
		// Not a throttle signal, but not clean either: a malformed response
		// must not advance the streak that grows the batch size.
		return false
	}

	copy(out, results)
	e.m.recordItems(ctx, int64(len(results)))

	for _, r := range results {
		if isThrottleSignal(r) {
			e.sizer.RecordThrottle()
			return true
		}
	}

	e.sizer.RecordClean(latency)
	return false
}

// callWithRetry performs the outer HTTP call with exponential backoff on
// connection failures and outer 429/5xx. Other outer statuses are
// permanent.
func (e *Executor) callWithRetry(ctx context.Context, ops []Op) ([]Result, error) {
	attempt := 0
	var lastAttemptEnd time.Time

	operation := func() ([]Result, error) {
		attempt++
		if attempt > 1 {
			e.m.recordRetry(ctx, time.Since(lastAttemptEnd).Seconds())
		}
		results, err := e.callOnce(ctx, ops)
		lastAttemptEnd = time.Now()
		return results, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.cfg.RetryInitialInterval

	results, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)))
	if err != nil {
		return nil, fmt.Errorf("sub-batch exhausted after %d attempts: %w", attempt, err)
	}
	return results, nil
}

// callOnce performs one batch POST and decodes the parts.
func (e *Executor) callOnce(ctx context.Context, ops []Op) ([]Result, error) {
	token, err := e.tokens.AccessToken(ctx)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to obtain access token: %w", err))
	}

	boundary := NewBoundary()
	body, err := EncodeBody(ops, boundary)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, strings.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build batch request: %w", err))
	}
	req.Header.Set("Content-Type", ContentType(boundary))
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch call failed: %w", err) // retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("batch endpoint returned %d", resp.StatusCode) // retryable
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("batch endpoint returned %d", resp.StatusCode))
	}

	respBoundary, err := BoundaryFromContentType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	results, err := DecodeResponse(resp.Body, respBoundary)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return results, nil
}

// isThrottleSignal reports a per-item rate-limit or transient server
// signal: 429, 5xx, or 403 carrying a rate-limit reason.
func isThrottleSignal(r Result) bool {
	if r.Status == http.StatusTooManyRequests || r.Status >= 500 {
		return true
	}
	if r.Status == http.StatusForbidden {
		msg := strings.ToLower(r.Body.ErrorMessage())
		return strings.Contains(msg, "rate limit") || strings.Contains(msg, "ratelimitexceeded") ||
			strings.Contains(msg, "quota")
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
