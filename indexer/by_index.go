package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/meridian_errors"
)

// byIndex builds the target by iterating a readable, idempotent source
// index whose record types cover the target's. Each source entry names
// one base record; the range set uses source-index keys as boundaries
// so resumption follows the same ordering being scanned.
type byIndex struct {
	c      *common
	source *meridian.Index
}

func buildTypeFromIndex(source string) string {
	return "index:" + source
}

func (s *byIndex) name() string { return buildTypeFromIndex(s.source.Name) }

// validate is the pre-flight gate: source readable, idempotent, and
// covering a superset of the target's stored types. Also rejects
// resuming on top of a differently-typed partial build.
func (s *byIndex) validate(ctx context.Context) error {
	if !s.source.Idempotent {
		return fmt.Errorf("%w: source index %s is not idempotent",
			meridian_errors.ErrBuildValidation, s.source.Name)
	}
	sourceTypes, err := s.c.store.StoredTypes(s.source.RecordTypes)
	if err != nil {
		return err
	}
	covered := make(map[string]bool, len(sourceTypes))
	for _, t := range sourceTypes {
		covered[t] = true
	}
	for t := range s.c.types {
		if !covered[t] {
			return fmt.Errorf("%w: source index %s does not cover record type %s",
				meridian_errors.ErrBuildValidation, s.source.Name, t)
		}
	}
	return s.c.store.RunTransaction(ctx, meridian.PriorityBatch, func(t *meridian.Transaction) error {
		st, err := t.GetIndexState(s.source.Name)
		if err != nil {
			return err
		}
		if st != meridian.IndexReadable {
			return fmt.Errorf("%w: source index %s is %s",
				meridian_errors.ErrBuildValidation, s.source.Name, st)
		}
		return stampBuildType(t, s.c.index.Name, buildTypeFromIndex(s.source.Name))
	})
}

func (s *byIndex) buildEndpoints(ctx context.Context) (*meridian.Range, error) {
	// The source entry space has no cheap endpoints worth settling;
	// the main phase covers the whole domain.
	return &meridian.Range{}, nil
}

func (s *byIndex) buildRange(ctx context.Context, lo, hi []byte) error {
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

func (s *byIndex) buildUnbuiltRange(ctx context.Context, rs meridian.RangeSet, lo, hi []byte) error {
	cur := lo
	for bytes.Compare(cur, hi) < 0 {
		var next []byte
		err := s.c.runChunk(ctx, func(t *meridian.Transaction, limit int) (int, error) {
			entries, more, err := t.ScanIndexEntries(s.source.Name, cur, hi, limit)
			if err != nil {
				return 0, err
			}
			scanned := 0
			var lastKey []byte
			byteLimited := false
			for _, e := range entries {
				pk, _, err := meridian.ParseEntryValue(e.Value)
				if err != nil {
					return 0, err
				}
				rec, err := t.LoadRecordByPackedKey(pk)
				if err != nil {
					return 0, err
				}
				if rec != nil && s.c.types[rec.Type] {
					for _, te := range s.c.index.Entries(rec) {
						if err := t.SaveIndexEntry(s.c.index, te, rec.PrimaryKey); err != nil {
							return 0, err
						}
					}
				}
				scanned++
				lastKey = e.Key
				if t.WriteBytes() >= int64(s.c.cfg.MaxWriteLimitBytes) {
					byteLimited = scanned < len(entries)
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
