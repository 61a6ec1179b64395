package meridian

import (
	"context"
	"fmt"
	"testing"

	"github.com/meridiandb/meridian/meridian_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	s.RegisterRecordType(RecordType{Name: "user"})
	s.RegisterRecordType(RecordType{Name: "order"})
	s.RegisterRecordType(RecordType{
		Name: "user_orders", Synthetic: true, Constituents: []string{"user", "order"},
	})
	s.RegisterIndex(&Index{
		Name:        "user_by_city",
		RecordTypes: []string{"user"},
		Idempotent:  true,
		Entries: func(rec *Record) []IndexEntry {
			city, _ := rec.Fields["city"].(string)
			return []IndexEntry{{Key: Tuple{city}}}
		},
	})
	return s
}

func userRecord(n int, city string) *Record {
	return &Record{
		Type:       "user",
		PrimaryKey: Tuple{"user", int64(n)},
		Fields:     map[string]any{"city": city, "name": fmt.Sprintf("user-%d", n)},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()

	err := s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		return tx.SaveRecord(userRecord(1, "tbilisi"))
	})
	require.NoError(t, err)

	err = s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		rec, err := tx.LoadRecord(Tuple{"user", int64(1)})
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "user", rec.Type)
		assert.Equal(t, "tbilisi", rec.Fields["city"])
		assert.Equal(t, Tuple{"user", int64(1)}, rec.PrimaryKey)

		missing, err := tx.LoadRecord(Tuple{"user", int64(2)})
		require.NoError(t, err)
		assert.Nil(t, missing)

		n, err := tx.RecordCount()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestScanRecordsOrderAndLimit(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()

	err := s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		for i := 0; i < 10; i++ {
			if err := tx.SaveRecord(userRecord(i, "x")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		recs, more, err := tx.ScanRecords(nil, nil, 4)
		require.NoError(t, err)
		assert.True(t, more)
		require.Len(t, recs, 4)
		for i, sr := range recs {
			assert.Equal(t, Tuple{"user", int64(i)}.Pack(), sr.Key)
		}

		rest, more, err := tx.ScanRecords(KeySuccessor(recs[3].Key), nil, 0)
		require.NoError(t, err)
		assert.False(t, more)
		assert.Len(t, rest, 6)
		return nil
	})
	require.NoError(t, err)
}

func TestConflictingCommitFails(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()
	key := Tuple{"user", int64(1)}

	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		return tx.SaveRecord(userRecord(1, "a"))
	}))

	t1, err := s.NewTransaction(ctx, PriorityDefault)
	require.NoError(t, err)
	defer t1.Close()
	_, err = t1.LoadRecord(key)
	require.NoError(t, err)

	// A competing write to the read key lands first.
	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		return tx.SaveRecord(userRecord(1, "b"))
	}))

	require.NoError(t, t1.SaveRecord(userRecord(1, "c")))
	assert.ErrorIs(t, t1.Commit(), meridian_errors.ErrNotCommitted)
}

func TestSnapshotIsolation(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()

	t1, err := s.NewTransaction(ctx, PriorityDefault)
	require.NoError(t, err)
	defer t1.Close()

	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		return tx.SaveRecord(userRecord(7, "late"))
	}))

	rec, err := t1.LoadRecord(Tuple{"user", int64(7)})
	require.NoError(t, err)
	assert.Nil(t, rec, "snapshot must not see the later commit")
}

func TestDisjointWritesBothCommit(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()

	t1, err := s.NewTransaction(ctx, PriorityDefault)
	require.NoError(t, err)
	t2, err := s.NewTransaction(ctx, PriorityDefault)
	require.NoError(t, err)

	require.NoError(t, t1.SaveRecord(userRecord(1, "a")))
	require.NoError(t, t2.SaveRecord(userRecord(2, "b")))
	assert.NoError(t, t1.Commit())
	assert.NoError(t, t2.Commit())
}

func TestMergeAddDoesNotConflict(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()
	key := scannedKey("user_by_city")

	t1, err := s.NewTransaction(ctx, PriorityDefault)
	require.NoError(t, err)
	t2, err := s.NewTransaction(ctx, PriorityDefault)
	require.NoError(t, err)

	require.NoError(t, t1.MergeAdd(key, 5))
	require.NoError(t, t2.MergeAdd(key, 7))
	require.NoError(t, t1.Commit())
	require.NoError(t, t2.Commit())

	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		n, err := tx.GetScanned("user_by_city")
		require.NoError(t, err)
		assert.Equal(t, uint64(12), n)
		return nil
	}))
}

func TestTransactionTooLarge(t *testing.T) {
	s := testStore(t, Options{MaxTransactionBytes: 1024})
	ctx := context.Background()

	tx, err := s.NewTransaction(ctx, PriorityDefault)
	require.NoError(t, err)
	defer tx.Close()
	for i := 0; i < 50; i++ {
		require.NoError(t, tx.SaveRecord(userRecord(i, "a-city-name-long-enough")))
	}
	assert.ErrorIs(t, tx.Commit(), meridian_errors.ErrTransactionTooLarge)
}

func TestCommitInterceptorInjection(t *testing.T) {
	calls := 0
	s := testStore(t, Options{
		CommitInterceptor: func(tx *Transaction) error {
			calls++
			if calls == 1 {
				return meridian_errors.ErrCommitUnknownResult
			}
			return nil
		},
	})
	ctx := context.Background()
	err := s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		return tx.SaveRecord(userRecord(1, "x"))
	})
	assert.ErrorIs(t, err, meridian_errors.ErrCommitUnknownResult)
}

func TestIndexMaintenanceInWriteOnly(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		_, err := tx.SetIndexState("user_by_city", IndexWriteOnly)
		return err
	}))
	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		return tx.SaveRecord(userRecord(1, "tbilisi"))
	}))
	// Replacing the record must replace, not duplicate, its entries.
	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		return tx.SaveRecord(userRecord(1, "batumi"))
	}))

	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		entries, _, err := tx.ScanIndexEntries("user_by_city", nil, nil, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		pk, _, err := ParseEntryValue(entries[0].Value)
		require.NoError(t, err)
		assert.Equal(t, Tuple{"user", int64(1)}.Pack(), pk)
		got, err := Unpack(entries[0].Key)
		require.NoError(t, err)
		assert.Equal(t, "batumi", got[0])
		return nil
	}))
}

func TestIndexMaintenanceSkippedWhenDisabled(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		return tx.SaveRecord(userRecord(1, "tbilisi"))
	}))
	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		entries, _, err := tx.ScanIndexEntries("user_by_city", nil, nil, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}

func TestStoredTypesExpandsSynthetic(t *testing.T) {
	s := testStore(t, Options{})
	types, err := s.StoredTypes([]string{"user_orders"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user", "order"}, types)

	_, err = s.StoredTypes([]string{"ghost"})
	assert.ErrorIs(t, err, meridian_errors.ErrTypeUnknown)
}

func TestSetIndexStateReturnsPrevious(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.RunTransaction(ctx, PriorityDefault, func(tx *Transaction) error {
		st, err := tx.GetIndexState("user_by_city")
		require.NoError(t, err)
		assert.Equal(t, IndexDisabled, st)

		prev, err := tx.SetIndexState("user_by_city", IndexWriteOnly)
		require.NoError(t, err)
		assert.Equal(t, IndexDisabled, prev)
		return nil
	}))
}
