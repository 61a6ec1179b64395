package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/meridian_errors"
	"github.com/meridiandb/meridian/utils"
	"golang.org/x/time/rate"
)

const (
	initialBackoff = 2 * time.Millisecond
	maxBackoff     = time.Second
	// Consecutive conflicts on one chunk past this threshold are
	// treated as a signal to shrink the chunk instead.
	conflictThreshold = 8
)

// errorClass is what the retry loop keys off. Everything the store can
// fail with is normalized here and nowhere else.
type errorClass int

const (
	classFatal errorClass = iota
	classRetrySameChunk
	classRetrySmallerChunk
	classRangeAlreadyBuilt
)

func classify(err error) errorClass {
	switch {
	case err == nil:
		return classFatal
	case errors.Is(err, meridian_errors.ErrRangeAlreadyBuilt):
		return classRangeAlreadyBuilt
	case errors.Is(err, meridian_errors.ErrNotCommitted),
		errors.Is(err, meridian_errors.ErrCommitUnknownResult),
		errors.Is(err, meridian_errors.ErrReadVersionUnavailable):
		return classRetrySameChunk
	case errors.Is(err, meridian_errors.ErrTransactionTooLarge),
		errors.Is(err, meridian_errors.ErrWriteTooLarge),
		errors.Is(err, meridian_errors.ErrTransactionTooOld),
		errors.Is(err, meridian_errors.ErrTooManyConflicts):
		return classRetrySmallerChunk
	default:
		return classFatal
	}
}

// throttle owns the adaptive record limit and the pacing limiter for
// one build worker.
type throttle struct {
	limit     int
	successes int
	limiter   *rate.Limiter
	rps       int
}

func newThrottle(cfg Config) *throttle {
	th := &throttle{limit: cfg.MaxLimit}
	th.reconfigure(cfg)
	return th
}

func (th *throttle) reconfigure(cfg Config) {
	if th.limit > cfg.MaxLimit {
		th.limit = cfg.MaxLimit
	}
	if th.rps != cfg.RecordsPerSecond {
		th.rps = cfg.RecordsPerSecond
		if th.rps > 0 && th.rps < Unlimited {
			th.limiter = rate.NewLimiter(rate.Limit(th.rps), th.rps)
		} else {
			th.limiter = nil
		}
	}
}

func (th *throttle) onSuccess(cfg Config) {
	th.successes++
	if cfg.IncreaseLimitAfter <= 0 || th.limit >= cfg.MaxLimit {
		return
	}
	if th.successes >= cfg.IncreaseLimitAfter {
		th.limit = min(cfg.MaxLimit, max(th.limit+1, 4*th.limit/3))
		th.successes = 0
	}
}

func (th *throttle) decrease() {
	th.limit = max(1, th.limit/2)
	th.successes = 0
}

// pace sleeps long enough to hold the records-per-second target.
func (th *throttle) pace(ctx context.Context, records int) error {
	if th.limiter == nil || records <= 0 {
		return nil
	}
	n := records
	if n > th.limiter.Burst() {
		n = th.limiter.Burst()
	}
	return th.limiter.WaitN(ctx, n)
}

// common is the builder state shared between the orchestrator and the
// strategy for the duration of one build. The orchestrator owns it;
// strategies get a non-owning handle.
type common struct {
	store  *meridian.Store
	index  *meridian.Index
	types  map[string]bool // stored record types the index covers
	cfg    Config
	loader ConfigLoader
	session *Session
	th     *throttle
	log    utils.Logger

	trackProgress bool

	totalScanned int64
	buildStart   time.Time
	lastProgress time.Time
	rateAvg      *utils.AvgVal
}

// runChunk executes body in a fresh BATCH-priority transaction with
// the unified retry loop: lease check and state check first, then the
// chunk, then the scanned-counter bump in the same commit. body gets
// the current effective record limit and returns how many records it
// processed.
func (c *common) runChunk(ctx context.Context, body func(t *meridian.Transaction, limit int) (int, error)) error {
	retries := 0
	conflicts := 0
	backoff := initialBackoff
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.loader != nil {
			c.cfg = c.loader(c.cfg)
			c.cfg.SetDefaults()
			c.th.reconfigure(c.cfg)
		}
		scanned, err := c.attemptChunk(ctx, body)
		if err == nil {
			c.th.onSuccess(c.cfg)
			LimitGauge.WithLabelValues(c.index.Name).Set(float64(c.th.limit))
			ChunkCount.WithLabelValues(c.index.Name, "success").Inc()
			ScannedCount.WithLabelValues(c.index.Name).Add(float64(scanned))
			c.noteProgress(scanned)
			return c.th.pace(ctx, scanned)
		}
		lastErr = err
		switch classify(err) {
		case classRangeAlreadyBuilt:
			ChunkCount.WithLabelValues(c.index.Name, "range_already_built").Inc()
			return err
		case classRetrySameChunk:
			if errors.Is(err, meridian_errors.ErrNotCommitted) {
				conflicts++
				if conflicts > conflictThreshold {
					lastErr = fmt.Errorf("%w after %d attempts", meridian_errors.ErrTooManyConflicts, conflicts)
					c.decrease(lastErr)
					conflicts = 0
					break
				}
			}
			RetryCount.WithLabelValues(c.index.Name, "retry").Inc()
		case classRetrySmallerChunk:
			c.decrease(err)
		default:
			ChunkCount.WithLabelValues(c.index.Name, "fatal").Inc()
			return err
		}
		retries++
		if retries > c.cfg.MaxRetries {
			ChunkCount.WithLabelValues(c.index.Name, "max_retries").Inc()
			return fmt.Errorf("%w: %w", meridian_errors.ErrMaxRetriesExceeded, lastErr)
		}
		if err := sleepCtx(ctx, jitter(backoff)); err != nil {
			return err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *common) attemptChunk(ctx context.Context, body func(t *meridian.Transaction, limit int) (int, error)) (int, error) {
	t, err := c.store.NewTransaction(ctx, meridian.PriorityBatch)
	if err != nil {
		return 0, err
	}
	defer t.Close()
	if c.session != nil {
		if err := c.session.Check(t); err != nil {
			return 0, err
		}
	}
	st, err := t.GetIndexState(c.index.Name)
	if err != nil {
		return 0, err
	}
	if st != meridian.IndexWriteOnly {
		return 0, fmt.Errorf("%w: index %s is %s mid-build",
			meridian_errors.ErrStateMismatch, c.index.Name, st)
	}
	scanned, err := body(t, c.th.limit)
	if err != nil {
		return 0, err
	}
	if c.trackProgress && scanned > 0 {
		if err := t.AddScanned(c.index.Name, int64(scanned)); err != nil {
			return 0, err
		}
	}
	return scanned, t.Commit()
}

func (c *common) decrease(cause error) {
	c.th.decrease()
	LimitGauge.WithLabelValues(c.index.Name).Set(float64(c.th.limit))
	RetryCount.WithLabelValues(c.index.Name, "decrease").Inc()
	c.log.Warn("decreasing index build record limit",
		"index", c.index.Name, "limit", c.th.limit, "error", cause.Error())
}

func (c *common) noteProgress(scanned int) {
	c.totalScanned += int64(scanned)
	interval := c.cfg.ProgressLogIntervalMillis
	if interval < 0 {
		return
	}
	if time.Since(c.lastProgress) < time.Duration(interval)*time.Millisecond {
		return
	}
	c.lastProgress = time.Now()
	c.rateAvg.AddRate(int(c.totalScanned), c.buildStart)
	c.log.Info("index build progress",
		"index", c.index.Name,
		"scanned", c.totalScanned,
		"limit", c.th.limit,
		"records_per_second", int64(c.rateAvg.Val()))
}

func jitter(d time.Duration) time.Duration {
	// ±10%
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
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
