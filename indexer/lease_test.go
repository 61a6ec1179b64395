package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/meridian_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSessionExclusive(t *testing.T) {
	s := newFixture(t, 0).store
	ctx := context.Background()

	a, err := StartSession(ctx, s, "user_by_city", 10_000)
	require.NoError(t, err)

	_, err = StartSession(ctx, s, "user_by_city", 10_000)
	assert.ErrorIs(t, err, meridian_errors.ErrSessionLocked)

	// A different index is a different lease.
	_, err = StartSession(ctx, s, "user_by_name", 10_000)
	assert.NoError(t, err)

	require.NoError(t, a.End(ctx))
	_, err = StartSession(ctx, s, "user_by_city", 10_000)
	assert.NoError(t, err)
}

func TestExpiredLeaseTakenOver(t *testing.T) {
	s := newFixture(t, 0).store
	ctx := context.Background()

	a, err := StartSession(ctx, s, "user_by_city", 20)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	b, err := StartSession(ctx, s, "user_by_city", 10_000)
	require.NoError(t, err, "an expired lease is anyone's to take")

	// The old holder notices at its next pre-chunk check.
	err = s.RunTransaction(ctx, meridian.PriorityBatch, func(tx *meridian.Transaction) error {
		return a.Check(tx)
	})
	assert.ErrorIs(t, err, meridian_errors.ErrSessionLost)

	err = s.RunTransaction(ctx, meridian.PriorityBatch, func(tx *meridian.Transaction) error {
		return b.Check(tx)
	})
	assert.NoError(t, err)
}

func TestEndAnySession(t *testing.T) {
	s := newFixture(t, 0).store
	ctx := context.Background()

	a, err := StartSession(ctx, s, "user_by_city", 10_000)
	require.NoError(t, err)

	active, err := CheckSessionActive(ctx, s, "user_by_city")
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, EndAnySession(ctx, s, "user_by_city"))

	active, err = CheckSessionActive(ctx, s, "user_by_city")
	require.NoError(t, err)
	assert.False(t, active)

	err = s.RunTransaction(ctx, meridian.PriorityBatch, func(tx *meridian.Transaction) error {
		return a.Check(tx)
	})
	assert.ErrorIs(t, err, meridian_errors.ErrSessionLost)
}

func TestJoinSession(t *testing.T) {
	s := newFixture(t, 0).store
	ctx := context.Background()

	a, err := StartSession(ctx, s, "user_by_city", 10_000)
	require.NoError(t, err)

	joined, err := JoinSession(ctx, s, "user_by_city", a.ID(), 10_000)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), joined.ID())

	require.NoError(t, EndAnySession(ctx, s, "user_by_city"))
	_, err = JoinSession(ctx, s, "user_by_city", a.ID(), 10_000)
	assert.ErrorIs(t, err, meridian_errors.ErrSessionLost)
}

func TestRacingStartsAdmitOneHolder(t *testing.T) {
	s := newFixture(t, 0).store
	ctx := context.Background()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := StartSession(ctx, s, "user_by_city", 10_000)
			results <- err
		}()
	}
	var failures int
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			assert.ErrorIs(t, err, meridian_errors.ErrSessionLocked)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one of two racing starts wins")
}
