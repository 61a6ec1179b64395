package meridian

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meridiandb/meridian/meridian_errors"
	"github.com/meridiandb/meridian/utils"
)

type Options struct {
	Logger utils.Logger

	// MaxTransactionBytes caps buffered writes per transaction.
	MaxTransactionBytes int64
	// MaxValueBytes caps a single value.
	MaxValueBytes int64
	// TransactionTimeout is the transaction deadline; commits past it
	// fail with ErrTransactionTooOld.
	TransactionTimeout time.Duration
	// ConflictWindow is how many recent commits are retained for
	// conflict checking.
	ConflictWindow int

	PebbleWriteOptions *pebble.WriteOptions

	// CommitInterceptor runs before every commit is applied. Tests use
	// it to inject storage-side failures.
	CommitInterceptor func(t *Transaction) error
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.MaxTransactionBytes == 0 {
		o.MaxTransactionBytes = 10 << 20
	}
	if o.MaxValueBytes == 0 {
		o.MaxValueBytes = 100_000
	}
	if o.TransactionTimeout == 0 {
		o.TransactionTimeout = 5 * time.Second
	}
	if o.ConflictWindow == 0 {
		o.ConflictWindow = 4096
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = &pebble.WriteOptions{Sync: false}
	}
}

type commitRecord struct {
	version     uint64
	writeKeys   [][]byte
	writeHashes map[uint64]struct{}
	writeRanges []keyRange
}

// Store is an ordered record store over pebble with snapshot reads and
// conflict-checked commits.
type Store struct {
	db   *pebble.DB
	dir  string
	opts Options
	log  utils.Logger

	types   map[string]RecordType
	indexes map[string]*Index
	// resolved per record type, invalidated on registration
	typeIndexCache *lru.Cache[string, []*Index]

	version atomic.Uint64

	commitMu       sync.Mutex
	recent         []commitRecord
	oldestRetained uint64

	commitCount   atomic.Uint64
	conflictCount atomic.Uint64

	closed atomic.Bool
}

// add64Merger sums u64 little-endian operands. Backs the scanned and
// record counters.
type add64Merger struct {
	sum uint64
}

func (m *add64Merger) MergeNewer(value []byte) error {
	m.sum += binary.LittleEndian.Uint64(value)
	return nil
}

func (m *add64Merger) MergeOlder(value []byte) error {
	return m.MergeNewer(value)
}

func (m *add64Merger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, m.sum)
	return buf, nil, nil
}

func merger(key, value []byte) (pebble.ValueMerger, error) {
	m := &add64Merger{}
	if err := m.MergeNewer(value); err != nil {
		return nil, err
	}
	return m, nil
}

func Open(dir string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &pebble.Options{
		Merger: &pebble.Merger{
			Name:  "meridian.add64",
			Merge: merger,
		},
	})
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[string, []*Index](128)
	s := &Store{
		db:             db,
		dir:            dir,
		opts:           opts,
		log:            opts.Logger,
		types:          make(map[string]RecordType),
		indexes:        make(map[string]*Index),
		typeIndexCache: cache,
	}
	s.version.Store(uint64(time.Now().UnixMicro()))
	s.oldestRetained = s.version.Load()
	return s, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return meridian_errors.ErrClosed
	}
	return s.db.Close()
}

func (s *Store) Logger() utils.Logger { return s.log }

// versionNow returns a read version not older than any committed
// version. Versions are monotonic unix microseconds, so lease expiries
// can be computed as version + millis*1000.
func (s *Store) versionNow() uint64 {
	now := uint64(time.Now().UnixMicro())
	for {
		cur := s.version.Load()
		if cur >= now {
			return cur
		}
		if s.version.CompareAndSwap(cur, now) {
			return now
		}
	}
}

// NewTransaction opens a snapshot transaction. The context bounds every
// operation in it; cancellation takes effect at the next store call.
func (s *Store) NewTransaction(ctx context.Context, prio Priority) (*Transaction, error) {
	if s.closed.Load() {
		return nil, meridian_errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The read version is taken before the snapshot, so every commit the
	// snapshot misses has a newer version and is conflict-checked.
	readVersion := s.versionNow()
	return &Transaction{
		s:           s,
		ctx:         ctx,
		snap:        s.db.NewSnapshot(),
		batch:       s.db.NewBatch(),
		readVersion: readVersion,
		prio:        prio,
		started:     time.Now(),
		readKeys:    make(map[uint64][]byte),
	}, nil
}

func (s *Store) commit(t *Transaction) error {
	if s.closed.Load() {
		return meridian_errors.ErrClosed
	}
	if s.opts.CommitInterceptor != nil {
		if err := s.opts.CommitInterceptor(t); err != nil {
			_ = t.batch.Close()
			return err
		}
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if t.readVersion < s.oldestRetained {
		_ = t.batch.Close()
		return meridian_errors.ErrTransactionTooOld
	}
	for i := len(s.recent) - 1; i >= 0; i-- {
		cr := &s.recent[i]
		if cr.version <= t.readVersion {
			break
		}
		if s.conflicts(t, cr) {
			s.conflictCount.Add(1)
			_ = t.batch.Close()
			return meridian_errors.ErrNotCommitted
		}
	}

	if err := s.db.Apply(t.batch, s.opts.PebbleWriteOptions); err != nil {
		_ = t.batch.Close()
		return err
	}

	version := s.versionNow() + 1
	s.version.Store(version)
	s.commitCount.Add(1)

	var hashes map[uint64]struct{}
	if len(t.writeKeys) > 0 {
		hashes = make(map[uint64]struct{}, len(t.writeKeys))
		for _, k := range t.writeKeys {
			hashes[xxhash.Sum64(k)] = struct{}{}
		}
	}
	s.recent = append(s.recent, commitRecord{
		version:     version,
		writeKeys:   t.writeKeys,
		writeHashes: hashes,
		writeRanges: t.writeRanges,
	})
	if len(s.recent) > s.opts.ConflictWindow {
		drop := len(s.recent) - s.opts.ConflictWindow
		s.oldestRetained = s.recent[drop-1].version
		s.recent = append([]commitRecord(nil), s.recent[drop:]...)
	}
	_ = t.batch.Close()
	return nil
}

func (s *Store) conflicts(t *Transaction, cr *commitRecord) bool {
	for h := range t.readKeys {
		if _, ok := cr.writeHashes[h]; ok {
			return true
		}
	}
	for _, wk := range cr.writeKeys {
		for _, rr := range t.readRanges {
			if rr.contains(wk) {
				return true
			}
		}
	}
	for _, wr := range cr.writeRanges {
		for _, rr := range t.readRanges {
			if wr.overlaps(rr) {
				return true
			}
		}
		for _, rk := range t.readKeys {
			if wr.contains(rk) {
				return true
			}
		}
	}
	return false
}

// RunTransaction retries fn on conflicts the way the store's own
// runner would: fresh transaction each attempt, give up on anything
// that is not a plain conflict.
func (s *Store) RunTransaction(ctx context.Context, prio Priority, fn func(t *Transaction) error) error {
	for {
		t, err := s.NewTransaction(ctx, prio)
		if err != nil {
			return err
		}
		err = fn(t)
		if err == nil {
			err = t.Commit()
		}
		t.Close()
		if !errors.Is(err, meridian_errors.ErrNotCommitted) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
