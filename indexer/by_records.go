package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/meridian_errors"
)

const buildTypeRecords = "records"

// buildStrategy drives chunks across one ordered key space. Two
// variants exist: byRecords walks the primary-key space, byIndex walks
// a readable source index's key space.
type buildStrategy interface {
	// buildEndpoints bounds the main phase; nil means nothing to do.
	buildEndpoints(ctx context.Context) (*meridian.Range, error)
	// buildRange builds every missing subrange of [lo, hi). Idempotent.
	buildRange(ctx context.Context, lo, hi []byte) error
	// name labels the strategy in logs and metrics.
	name() string
}

// byRecords scans the record store's primary-key space directly.
type byRecords struct {
	c *common
}

func (s *byRecords) name() string { return buildTypeRecords }

// buildEndpoints scans the smallest and largest primary keys, marks
// the ranges outside them as built, and returns the interior. With the
// outer ranges settled up front, foreground writes that append past
// either end never collide with the builder's range-set commits.
func (s *byRecords) buildEndpoints(ctx context.Context) (*meridian.Range, error) {
	rs := meridian.NewRangeSet(s.c.index.Name)
	var interior *meridian.Range
	err := s.c.runChunk(ctx, func(t *meridian.Transaction, limit int) (int, error) {
		if err := stampBuildType(t, s.c.index.Name, buildTypeRecords); err != nil {
			return 0, err
		}
		first, err := t.FirstRecordKey()
		if err != nil {
			return 0, err
		}
		if first == nil {
			// Empty store: the whole domain is trivially built.
			if _, _, err := rs.InsertRange(t, nil, nil); err != nil {
				return 0, err
			}
			interior = nil
			return 0, nil
		}
		last, err := t.LastRecordKey()
		if err != nil {
			return 0, err
		}
		if _, _, err := rs.InsertRange(t, nil, first); err != nil {
			return 0, err
		}
		hi := meridian.KeySuccessor(last)
		if _, _, err := rs.InsertRange(t, hi, nil); err != nil {
			return 0, err
		}
		interior = &meridian.Range{Begin: first, End: hi}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return interior, nil
}

// buildRange re-consults the missing ranges and chips away at them one
// chunk at a time. A chunk that loses to a competing worker with
// ErrRangeAlreadyBuilt just re-consults; the range set is the
// checkpoint and the arbiter.
func (s *byRecords) buildRange(ctx context.Context, lo, hi []byte) error {
	rs := meridian.NewRangeSet(s.c.index.Name)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var missing *meridian.Range
		err := s.c.store.RunTransaction(ctx, meridian.PriorityBatch, func(t *meridian.Transaction) error {
			var err error
			missing, err = rs.FirstMissingRange(t, lo, hi)
			return err
		})
		if err != nil {
			return err
		}
		if missing == nil {
			return nil
		}
		err = s.buildUnbuiltRange(ctx, rs, missing.Begin, missing.End)
		if err != nil && !errors.Is(err, meridian_errors.ErrRangeAlreadyBuilt) {
			return err
		}
	}
}

// buildUnbuiltRange is the non-idempotent primitive: scan [lo, hi) up
// to the effective record and byte limits, write entries, then claim
// the processed prefix in the range set. Claiming an overlap aborts
// the whole attempt with ErrRangeAlreadyBuilt.
func (s *byRecords) buildUnbuiltRange(ctx context.Context, rs meridian.RangeSet, lo, hi []byte) error {
	cur := lo
	for bytes.Compare(cur, hi) < 0 {
		var next []byte
		err := s.c.runChunk(ctx, func(t *meridian.Transaction, limit int) (int, error) {
			recs, more, err := t.ScanRecords(cur, hi, limit)
			if err != nil {
				return 0, err
			}
			scanned := 0
			var lastKey []byte
			byteLimited := false
			for _, sr := range recs {
				if s.c.types[sr.Record.Type] {
					for _, e := range s.c.index.Entries(sr.Record) {
						if err := t.SaveIndexEntry(s.c.index, e, sr.Record.PrimaryKey); err != nil {
							return 0, err
						}
					}
				}
				scanned++
				lastKey = sr.Key
				if t.WriteBytes() >= int64(s.c.cfg.MaxWriteLimitBytes) {
					byteLimited = scanned < len(recs)
					break
				}
			}
			end := hi
			if more || byteLimited {
				end = meridian.KeySuccessor(lastKey)
			}
			inserted, overlap, err := rs.InsertRange(t, cur, end)
			if err != nil {
				return 0, err
			}
			if !inserted {
				return 0, fmt.Errorf("%w: [% x, % x) at % x",
					meridian_errors.ErrRangeAlreadyBuilt, cur, end, overlap)
			}
			next = end
			return scanned, nil
		})
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// SplitIndexBuildRange cuts the currently missing key space into
// between minSplit and maxSplit disjoint ranges, for handing to
// cooperating workers. Falls back to the single full range when the
// missing set cannot be cut finer.
func (b *Builder) SplitIndexBuildRange(ctx context.Context, minSplit, maxSplit int) ([]meridian.Range, error) {
	if minSplit < 1 || maxSplit < minSplit {
		return nil, fmt.Errorf("meridian: bad split bounds %d..%d", minSplit, maxSplit)
	}
	rs := meridian.NewRangeSet(b.c.index.Name)
	var missing []meridian.Range
	err := b.c.store.RunTransaction(ctx, meridian.PriorityBatch, func(t *meridian.Transaction) error {
		var err error
		missing, err = rs.MissingRanges(t, nil, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}
	if len(missing) > maxSplit {
		return coalesceSplits(missing, maxSplit), nil
	}
	for len(missing) < minSplit {
		split, ok := splitLargest(missing)
		if !ok {
			break
		}
		missing = split
	}
	return missing, nil
}

// coalesceSplits merges adjacent missing ranges into at most n spans.
// The spans may cover built keys in between; building them is still
// correct because built subranges are skipped by the range set.
func coalesceSplits(ranges []meridian.Range, n int) []meridian.Range {
	per := (len(ranges) + n - 1) / n
	var out []meridian.Range
	for i := 0; i < len(ranges); i += per {
		j := i + per
		if j > len(ranges) {
			j = len(ranges)
		}
		out = append(out, meridian.Range{Begin: ranges[i].Begin, End: ranges[j-1].End})
	}
	return out
}

// splitLargest bisects the widest range at an interpolated midpoint.
func splitLargest(ranges []meridian.Range) ([]meridian.Range, bool) {
	widest := 0
	for i := range ranges {
		if keySpan(ranges[i]) > keySpan(ranges[widest]) {
			widest = i
		}
	}
	r := ranges[widest]
	mid := midKey(r.Begin, r.End)
	if mid == nil {
		return ranges, false
	}
	out := make([]meridian.Range, 0, len(ranges)+1)
	out = append(out, ranges[:widest]...)
	out = append(out, meridian.Range{Begin: r.Begin, End: mid}, meridian.Range{Begin: mid, End: r.End})
	out = append(out, ranges[widest+1:]...)
	return out, true
}

func keySpan(r meridian.Range) int {
	// Rough width proxy: first differing byte position, inverted.
	n := len(r.Begin)
	if len(r.End) < n {
		n = len(r.End)
	}
	for i := 0; i < n; i++ {
		if r.Begin[i] != r.End[i] {
			return 256 - i
		}
	}
	return 0
}

// midKey interpolates a key strictly between lo and hi, nil when no
// such key is derivable.
func midKey(lo, hi []byte) []byte {
	n := len(lo)
	if len(hi) > n {
		n = len(hi)
	}
	n++ // room to differ past common prefix
	at := func(k []byte, i int) int {
		if i < len(k) {
			return int(k[i])
		}
		return 0
	}
	mid := make([]byte, 0, n)
	carry := 0
	// Byte-wise average of lo and hi, most significant first.
	for i := 0; i < n; i++ {
		sum := at(lo, i) + at(hi, i) + carry*256
		mid = append(mid, byte(sum/2))
		carry = sum % 2
	}
	if bytes.Compare(mid, lo) > 0 && bytes.Compare(mid, hi) < 0 {
		return mid
	}
	return nil
}
