package meridian

import (
	"bytes"
)

// Range is a half-open interval [Begin, End) of packed keys.
type Range struct {
	Begin, End []byte
}

// RangeSet is the durable set of already-built key ranges for one
// index. One entry per built interval: begin key maps to end key.
// Intervals stay disjoint and coalesced; an insert that would overlap
// an existing interval fails whole, which is what makes a chunk commit
// the only writer of its keys.
//
// All operations run inside a caller transaction; every mutation reads
// the whole subspace, so competing inserts are conflict-serialized.
type RangeSet struct {
	index string
}

func NewRangeSet(index string) RangeSet {
	return RangeSet{index: index}
}

func (rs RangeSet) bounds() (lo, hi []byte) {
	return rangeSetKey(rs.index, nil), rangeSetKey(rs.index, []byte{0xFF, 0xFF})
}

func normalizeRange(lo, hi []byte) (b, e []byte) {
	b, e = lo, hi
	if b == nil {
		b = domainLo
	}
	if e == nil {
		e = domainHi
	}
	return
}

// InsertRange records [lo, hi) as built. Returns inserted=false and
// the first overlapping key if any existing built interval overlaps;
// the set is unchanged in that case. Touching intervals are coalesced.
// Nil endpoints denote the open ends of the domain. An empty interval
// is a no-op.
func (rs RangeSet) InsertRange(t *Transaction, lo, hi []byte) (inserted bool, firstOverlap []byte, err error) {
	lo, hi = normalizeRange(lo, hi)
	if bytes.Compare(lo, hi) >= 0 {
		return true, nil, nil
	}
	subLo, subHi := rs.bounds()
	it, err := t.newIter(subLo, subHi)
	if err != nil {
		return false, nil, err
	}
	defer it.Close()

	prefix := len(rangeSetKey(rs.index, nil))
	newLo, newHi := lo, hi
	var remove [][]byte

	// The last interval starting at or before lo either overlaps,
	// touches, or is clear of the insert.
	if it.SeekLT(rangeSetKey(rs.index, KeySuccessor(lo))) {
		begin := append([]byte(nil), it.Key()[prefix:]...)
		end := append([]byte(nil), it.Value()...)
		if bytes.Compare(end, lo) > 0 {
			return false, lo, nil
		}
		if bytes.Equal(end, lo) {
			newLo = begin
			remove = append(remove, begin)
		}
	}
	// Intervals starting inside [lo, hi) overlap; one starting exactly
	// at hi touches and is absorbed.
	for valid := it.SeekGE(rangeSetKey(rs.index, KeySuccessor(lo))); valid; valid = it.Next() {
		begin := append([]byte(nil), it.Key()[prefix:]...)
		if bytes.Compare(begin, hi) > 0 {
			break
		}
		end := append([]byte(nil), it.Value()...)
		if bytes.Equal(begin, hi) {
			newHi = end
			remove = append(remove, begin)
			break
		}
		return false, begin, nil
	}

	for _, begin := range remove {
		if err := t.Delete(rangeSetKey(rs.index, begin)); err != nil {
			return false, nil, err
		}
	}
	if err := t.Set(rangeSetKey(rs.index, newLo), newHi); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// MissingRanges enumerates the unbuilt complement within [lo, hi) in
// key order. Nil endpoints denote the open ends of the domain.
func (rs RangeSet) MissingRanges(t *Transaction, lo, hi []byte) ([]Range, error) {
	lo, hi = normalizeRange(lo, hi)
	if bytes.Compare(lo, hi) >= 0 {
		return nil, nil
	}
	subLo, subHi := rs.bounds()
	it, err := t.newIter(subLo, subHi)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	prefix := len(rangeSetKey(rs.index, nil))
	cursor := lo
	// An interval straddling lo may already cover the start.
	if it.SeekLT(rangeSetKey(rs.index, KeySuccessor(lo))) {
		end := append([]byte(nil), it.Value()...)
		if bytes.Compare(end, cursor) > 0 {
			cursor = end
		}
	}
	var out []Range
	for valid := it.SeekGE(rangeSetKey(rs.index, KeySuccessor(lo))); valid; valid = it.Next() {
		begin := append([]byte(nil), it.Key()[prefix:]...)
		if bytes.Compare(begin, hi) >= 0 {
			break
		}
		if bytes.Compare(cursor, begin) < 0 {
			out = append(out, Range{Begin: cursor, End: begin})
		}
		end := append([]byte(nil), it.Value()...)
		if bytes.Compare(end, cursor) > 0 {
			cursor = end
		}
	}
	if bytes.Compare(cursor, hi) < 0 {
		out = append(out, Range{Begin: cursor, End: hi})
	}
	return out, nil
}

// FirstMissingRange returns the first unbuilt range in [lo, hi), or
// nil when the whole interval is built.
func (rs RangeSet) FirstMissingRange(t *Transaction, lo, hi []byte) (*Range, error) {
	missing, err := rs.MissingRanges(t, lo, hi)
	if err != nil || len(missing) == 0 {
		return nil, err
	}
	first := missing[0]
	return &first, nil
}

// IsFullyBuilt reports whether the whole domain is built.
func (rs RangeSet) IsFullyBuilt(t *Transaction) (bool, error) {
	first, err := rs.FirstMissingRange(t, nil, nil)
	return first == nil && err == nil, err
}

// BuiltRanges lists the built intervals in key order.
func (rs RangeSet) BuiltRanges(t *Transaction) ([]Range, error) {
	subLo, subHi := rs.bounds()
	it, err := t.newIter(subLo, subHi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	prefix := len(rangeSetKey(rs.index, nil))
	var out []Range
	for valid := it.First(); valid; valid = it.Next() {
		out = append(out, Range{
			Begin: append([]byte(nil), it.Key()[prefix:]...),
			End:   append([]byte(nil), it.Value()...),
		})
	}
	return out, nil
}

// Clear removes every built interval.
func (rs RangeSet) Clear(t *Transaction) error {
	lo, hi := rs.bounds()
	return t.ClearRange(lo, hi)
}
