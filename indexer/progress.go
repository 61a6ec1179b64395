package indexer

import (
	"context"

	"github.com/meridiandb/meridian"
)

// BuildProgress is a read-only snapshot of a build: the durable
// scanned counter, the index lifecycle state, and a completion
// estimate when one is known.
type BuildProgress struct {
	ScannedRecords uint64
	TotalRecords   uint64
	State          meridian.IndexState
	// Percent is 100 for a readable index, otherwise 100*scanned/total,
	// or -1 when the store-wide record count gives no meaningful
	// estimate.
	Percent float64
}

// ReadBuildProgress probes a build without disturbing it: the scanned
// counter is merge-maintained, so this never serializes with chunk
// commits.
func ReadBuildProgress(ctx context.Context, store *meridian.Store, index string) (BuildProgress, error) {
	var p BuildProgress
	err := store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		scanned, err := t.GetScanned(index)
		if err != nil {
			return err
		}
		state, err := t.GetIndexState(index)
		if err != nil {
			return err
		}
		total, err := t.RecordCount()
		if err != nil {
			return err
		}
		p = BuildProgress{ScannedRecords: scanned, TotalRecords: total, State: state, Percent: -1}
		if state == meridian.IndexReadable {
			p.Percent = 100
		} else if total > 0 && scanned <= total {
			p.Percent = 100 * float64(scanned) / float64(total)
		}
		return nil
	})
	return p, err
}
