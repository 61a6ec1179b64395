package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/meridian_errors"
	"github.com/meridiandb/meridian/utils"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Options configures one Builder. The zero value is usable: defaults
// match DefaultConfig, synchronized sessions on, progress tracking on.
type Options struct {
	Config       Config
	ConfigLoader ConfigLoader

	LeaseLengthMillis int64

	// DisableProgressTracking skips the durable scanned counter.
	DisableProgressTracking bool
	// DisableSynchronizedSession builds without the cross-worker
	// lease. Permitted but not recommended; the range set still keeps
	// duplicate work out of the index.
	DisableSynchronizedSession bool

	StatePrecondition StatePrecondition
	IndexFromIndex    IndexFromIndexPolicy

	Logger utils.Logger
}

// Builder owns one end-to-end online index build.
type Builder struct {
	c        *common
	opts     Options
	strategy buildStrategy
}

// running tracks in-process builds so StopOngoingIndexBuilds can
// cancel them locally as well as deleting the fleet-wide lease.
var running = xsync.NewMapOf[string, context.CancelFunc]()

func runKey(store *meridian.Store, index string) string {
	return fmt.Sprintf("%p/%s", store, index)
}

func New(store *meridian.Store, index *meridian.Index, opts Options) (*Builder, error) {
	if _, err := store.IndexByName(index.Name); err != nil {
		return nil, err
	}
	opts.Config.SetDefaults()
	if opts.LeaseLengthMillis == 0 {
		opts.LeaseLengthMillis = DefaultLeaseLengthMillis
	}
	log := opts.Logger
	if log == nil {
		log = store.Logger()
	}
	stored, err := store.StoredTypes(index.RecordTypes)
	if err != nil {
		return nil, err
	}
	types := make(map[string]bool, len(stored))
	for _, t := range stored {
		types[t] = true
	}
	c := &common{
		store:         store,
		index:         index,
		types:         types,
		cfg:           opts.Config,
		loader:        opts.ConfigLoader,
		th:            newThrottle(opts.Config),
		log:           log,
		trackProgress: !opts.DisableProgressTracking,
		rateAvg:       utils.NewAvgVal(0),
	}
	return &Builder{c: c, opts: opts}, nil
}

// BuildIndex runs the whole build: precondition gate, lease, strategy
// selection with fallback, chunk loop, final promotion to readable.
func (b *Builder) BuildIndex(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := runKey(b.c.store, b.c.index.Name)
	running.Store(key, cancel)
	defer running.Delete(key)

	b.c.buildStart = time.Now()
	done, err := b.evaluatePrecondition(ctx)
	if err != nil || done {
		return err
	}

	if b.opts.DisableSynchronizedSession {
		b.c.log.Warn("building index without a synchronized session; "+
			"racing builders will duplicate I/O", "index", b.c.index.Name)
	} else {
		session, err := StartSession(ctx, b.c.store, b.c.index.Name, b.opts.LeaseLengthMillis)
		if err != nil {
			return err
		}
		b.c.session = session
		defer func() {
			endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer endCancel()
			_ = session.End(endCtx)
		}()
	}

	if err := b.selectStrategy(ctx); err != nil {
		return err
	}

	result := "success"
	err = b.runBuild(ctx)
	if err != nil {
		result = "error"
	}
	BuildDuration.WithLabelValues(b.c.index.Name, b.strategy.name(), result).
		Observe(time.Since(b.c.buildStart).Seconds())
	if err != nil {
		return err
	}

	marked, err := b.MarkReadableIfBuilt(ctx)
	if err != nil {
		return err
	}
	if !marked {
		return fmt.Errorf("%w: index %s not fully built after build loop",
			meridian_errors.ErrStateMismatch, b.c.index.Name)
	}
	b.c.log.Info("index build complete",
		"index", b.c.index.Name,
		"strategy", b.strategy.name(),
		"scanned", b.c.totalScanned,
		"elapsed", time.Since(b.c.buildStart).String())
	return nil
}

func (b *Builder) runBuild(ctx context.Context) error {
	for {
		endpoints, err := b.strategy.buildEndpoints(ctx)
		if err == nil {
			if endpoints == nil {
				return nil
			}
			err = b.strategy.buildRange(ctx, endpoints.Begin, endpoints.End)
			if err == nil {
				return nil
			}
		}
		if b.fallbackApplies(err) {
			if ferr := b.fallbackToRecords(ctx, err); ferr != nil {
				return ferr
			}
			continue
		}
		return err
	}
}

func (b *Builder) fallbackApplies(err error) bool {
	if _, isByIndex := b.strategy.(*byIndex); !isByIndex {
		return false
	}
	return b.opts.IndexFromIndex.AllowRecordScan &&
		errors.Is(err, meridian_errors.ErrBuildValidation)
}

// selectStrategy picks by-index when configured, validating it up
// front; a validation failure with AllowRecordScan falls back to the
// record scan instead of surfacing.
func (b *Builder) selectStrategy(ctx context.Context) error {
	policy := b.opts.IndexFromIndex
	if policy.SourceIndex == "" {
		b.strategy = &byRecords{c: b.c}
		return nil
	}
	source, err := b.c.store.IndexByName(policy.SourceIndex)
	if err != nil {
		return err
	}
	s := &byIndex{c: b.c, source: source}
	if err := s.validate(ctx); err != nil {
		if policy.AllowRecordScan && errors.Is(err, meridian_errors.ErrBuildValidation) {
			return b.fallbackToRecords(ctx, err)
		}
		return err
	}
	b.strategy = s
	return nil
}

// fallbackToRecords switches a failed by-index build to by-records.
// Any partial by-index progress is keyed by source-index keys and is
// useless to a record scan, so the index data is cleared first.
func (b *Builder) fallbackToRecords(ctx context.Context, cause error) error {
	b.c.log.Info("falling back to record-scan index build",
		"index", b.c.index.Name, "cause", cause.Error())
	err := b.c.store.RunTransaction(ctx, meridian.PriorityBatch, func(t *meridian.Transaction) error {
		marker, err := t.GetBuildType(b.c.index.Name)
		if err != nil {
			return err
		}
		if marker != "" && marker != buildTypeRecords {
			return t.ClearIndexData(b.c.index.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.strategy = &byRecords{c: b.c}
	return nil
}

// evaluatePrecondition applies the state gate. Returns done=true when
// the build should exit successfully without doing anything.
func (b *Builder) evaluatePrecondition(ctx context.Context) (done bool, err error) {
	name := b.c.index.Name
	err = b.c.store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		done = false
		st, terr := t.GetIndexState(name)
		if terr != nil {
			return terr
		}
		clearAndStart := func() error {
			if err := t.ClearIndexData(name); err != nil {
				return err
			}
			_, err := t.SetIndexState(name, meridian.IndexWriteOnly)
			return err
		}
		switch st {
		case meridian.IndexDisabled:
			if b.opts.StatePrecondition == ErrorIfDisabledContinueIfWriteOnly {
				return fmt.Errorf("%w: %s", meridian_errors.ErrIndexDisabled, name)
			}
			return clearAndStart()
		case meridian.IndexWriteOnly:
			switch b.opts.StatePrecondition {
			case BuildIfDisabled:
				return fmt.Errorf("%w: %s", meridian_errors.ErrAlreadyBuilding, name)
			case BuildIfDisabledRebuildIfWriteOnly, ForceBuild:
				return clearAndStart()
			default:
				return nil // continue in place
			}
		case meridian.IndexReadable:
			if b.opts.StatePrecondition == ForceBuild {
				return clearAndStart()
			}
			done = true
			return nil
		default:
			return fmt.Errorf("%w: index %s is %s",
				meridian_errors.ErrStateMismatch, name, st)
		}
	})
	return done, err
}

// MarkReadableIfBuilt promotes the index to readable only when the
// range set has no missing range. Returns whether it is readable now.
func (b *Builder) MarkReadableIfBuilt(ctx context.Context) (bool, error) {
	rs := meridian.NewRangeSet(b.c.index.Name)
	marked := false
	err := b.c.store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		marked = false
		st, err := t.GetIndexState(b.c.index.Name)
		if err != nil {
			return err
		}
		if st == meridian.IndexReadable {
			marked = true
			return nil
		}
		if st != meridian.IndexWriteOnly {
			return fmt.Errorf("%w: index %s is %s",
				meridian_errors.ErrStateMismatch, b.c.index.Name, st)
		}
		built, err := rs.IsFullyBuilt(t)
		if err != nil {
			return err
		}
		if !built {
			return nil
		}
		if _, err := t.SetIndexState(b.c.index.Name, meridian.IndexReadable); err != nil {
			return err
		}
		marked = true
		return nil
	})
	return marked, err
}

// MarkReadable promotes the index unconditionally.
func (b *Builder) MarkReadable(ctx context.Context) error {
	return b.c.store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		_, err := t.SetIndexState(b.c.index.Name, meridian.IndexReadable)
		return err
	})
}

// RebuildTransactionally resets and rebuilds the whole index in one
// transaction. Fails with ErrTransactionTooLarge once the store's
// entries exceed the transaction byte limit; meant for small stores
// and tests.
func (b *Builder) RebuildTransactionally(ctx context.Context) error {
	rs := meridian.NewRangeSet(b.c.index.Name)
	return b.c.store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		if err := t.ClearIndexData(b.c.index.Name); err != nil {
			return err
		}
		if _, err := t.SetIndexState(b.c.index.Name, meridian.IndexWriteOnly); err != nil {
			return err
		}
		recs, _, err := t.ScanRecords(nil, nil, 0)
		if err != nil {
			return err
		}
		scanned := 0
		for _, sr := range recs {
			if !b.c.types[sr.Record.Type] {
				continue
			}
			for _, e := range b.c.index.Entries(sr.Record) {
				if err := t.SaveIndexEntry(b.c.index, e, sr.Record.PrimaryKey); err != nil {
					return err
				}
			}
			scanned++
		}
		if _, _, err := rs.InsertRange(t, nil, nil); err != nil {
			return err
		}
		if err := t.AddScanned(b.c.index.Name, int64(scanned)); err != nil {
			return err
		}
		if err := stampBuildType(t, b.c.index.Name, buildTypeRecords); err != nil {
			return err
		}
		_, err = t.SetIndexState(b.c.index.Name, meridian.IndexReadable)
		return err
	})
}

// BuildSplitRanges builds the missing key space as up to maxSplit
// concurrent range builds inside this one process. Each worker gets
// its own throttle; the session and range set are shared.
func (b *Builder) BuildSplitRanges(ctx context.Context, minSplit, maxSplit int) error {
	ranges, err := b.SplitIndexBuildRange(ctx, minSplit, maxSplit)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSplit)
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			worker := &byRecords{c: b.c.cloneForWorker()}
			return worker.buildRange(gctx, r.Begin, r.End)
		})
	}
	return g.Wait()
}

// cloneForWorker copies the common state with an independent throttle
// so parallel range builds do not share a limit.
func (c *common) cloneForWorker() *common {
	clone := *c
	clone.th = newThrottle(c.cfg)
	clone.rateAvg = utils.NewAvgVal(0)
	return &clone
}

// StopOngoingIndexBuilds administratively stops builds of an index:
// local builds are cancelled, and the fleet-wide lease is deleted so a
// remote holder's next pre-chunk check aborts with ErrSessionLost.
func StopOngoingIndexBuilds(ctx context.Context, store *meridian.Store, index string) error {
	if cancel, ok := running.LoadAndDelete(runKey(store, index)); ok {
		cancel()
	}
	return EndAnySession(ctx, store, index)
}

// stampBuildType claims the build-type marker, rejecting a resume on
// top of a partial build of the other kind.
func stampBuildType(t *meridian.Transaction, index, marker string) error {
	existing, err := t.GetBuildType(index)
	if err != nil {
		return err
	}
	if existing == marker {
		return nil
	}
	if existing != "" {
		return fmt.Errorf("%w: index %s was partially built as %q, resuming as %q",
			meridian_errors.ErrBuildValidation, index, existing, marker)
	}
	return t.SetBuildType(index, marker)
}
