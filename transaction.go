package meridian

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/meridiandb/meridian/meridian_errors"
)

type Priority int

const (
	PriorityBatch Priority = iota
	PriorityDefault
	PriorityImmediate
)

type keyRange struct {
	lo, hi []byte // hi exclusive
}

func (r keyRange) contains(key []byte) bool {
	return bytes.Compare(r.lo, key) <= 0 && bytes.Compare(key, r.hi) < 0
}

func (r keyRange) overlaps(o keyRange) bool {
	return bytes.Compare(r.lo, o.hi) < 0 && bytes.Compare(o.lo, r.hi) < 0
}

// Transaction is an optimistic snapshot transaction. Reads come from a
// pebble snapshot taken at begin; writes are buffered in a batch and
// checked against the commits that landed after the snapshot. A failed
// check surfaces ErrNotCommitted and the batch is discarded whole.
//
// Reads do not observe the transaction's own writes.
type Transaction struct {
	s    *Store
	ctx  context.Context
	snap *pebble.Snapshot
	batch *pebble.Batch

	readVersion uint64
	prio        Priority
	started     time.Time

	readKeys   map[uint64][]byte
	readRanges []keyRange
	writeKeys  [][]byte
	writeRanges []keyRange
	writeBytes int64

	done bool
}

func (t *Transaction) ReadVersion() uint64 { return t.readVersion }
func (t *Transaction) Priority() Priority  { return t.prio }

// WriteBytes is the number of key+value bytes buffered so far. Chunked
// builders poll it to stop before the transaction byte limit fires.
func (t *Transaction) WriteBytes() int64 { return t.writeBytes }

func (t *Transaction) check() error {
	if t.done {
		return meridian_errors.ErrTransactionClosed
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if time.Since(t.started) > t.s.opts.TransactionTimeout {
		return meridian_errors.ErrTransactionTooOld
	}
	return nil
}

// Get reads a key from the snapshot and registers it in the read set.
// Returns nil for a missing key.
func (t *Transaction) Get(key []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	t.readKeys[xxhash.Sum64(key)] = append([]byte(nil), key...)
	val, closer, err := t.snap.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

// newIter opens a snapshot iterator over [lo, hi) and registers the
// whole requested range as read.
func (t *Transaction) newIter(lo, hi []byte) (*pebble.Iterator, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	t.readRanges = append(t.readRanges, keyRange{
		lo: append([]byte(nil), lo...),
		hi: append([]byte(nil), hi...),
	})
	return t.snap.NewIter(&pebble.IterOptions{
		LowerBound: lo,
		UpperBound: hi,
	})
}

func (t *Transaction) Set(key, value []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	if int64(len(value)) > t.s.opts.MaxValueBytes {
		return meridian_errors.ErrWriteTooLarge
	}
	t.writeKeys = append(t.writeKeys, append([]byte(nil), key...))
	t.writeBytes += int64(len(key) + len(value))
	return t.batch.Set(key, value, nil)
}

func (t *Transaction) Delete(key []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	t.writeKeys = append(t.writeKeys, append([]byte(nil), key...))
	t.writeBytes += int64(len(key))
	return t.batch.Delete(key, nil)
}

func (t *Transaction) ClearRange(lo, hi []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	t.writeRanges = append(t.writeRanges, keyRange{
		lo: append([]byte(nil), lo...),
		hi: append([]byte(nil), hi...),
	})
	t.writeBytes += int64(len(lo) + len(hi))
	return t.batch.DeleteRange(lo, hi, nil)
}

// MergeAdd adds delta to the u64 little-endian counter at key. Merge
// operands commute, so no conflict key is registered; concurrent adds
// and administrative deletes never serialize with each other.
func (t *Transaction) MergeAdd(key []byte, delta int64) error {
	if err := t.check(); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(delta))
	t.writeBytes += int64(len(key) + 8)
	return t.batch.Merge(key, buf[:], nil)
}

// Commit validates the read set against commits newer than the read
// version and atomically applies the batch. The error taxonomy here is
// what the indexer's retry loop keys off.
func (t *Transaction) Commit() error {
	if t.done {
		return meridian_errors.ErrTransactionClosed
	}
	if err := t.ctx.Err(); err != nil {
		t.Close()
		return err
	}
	if time.Since(t.started) > t.s.opts.TransactionTimeout {
		t.Close()
		return meridian_errors.ErrTransactionTooOld
	}
	if t.writeBytes > t.s.opts.MaxTransactionBytes {
		t.Close()
		return meridian_errors.ErrTransactionTooLarge
	}
	err := t.s.commit(t)
	t.done = true
	_ = t.snap.Close()
	return err
}

// Close releases the transaction without committing. Safe to call
// after Commit.
func (t *Transaction) Close() {
	if t.done {
		return
	}
	t.done = true
	_ = t.snap.Close()
	_ = t.batch.Close()
}
