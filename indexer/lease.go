package indexer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/meridian_errors"
)

// Session is a cross-process singleton lease over one (store, index)
// pair. The lease is a performance shield, not a safety one: the
// range set already prevents duplicated work; the lease keeps two
// workers from burning I/O on the same build.
type Session struct {
	store       *meridian.Store
	index       string
	id          uuid.UUID
	leaseMillis int64
}

func (s *Session) ID() uuid.UUID { return s.id }

func leaseMicros(millis int64) uint64 {
	return uint64(millis) * 1000
}

// StartSession atomically claims the build lease for an index. If a
// live lease is held by someone else it fails with ErrSessionLocked;
// an expired lease is replaced.
func StartSession(ctx context.Context, store *meridian.Store, index string, leaseMillis int64) (*Session, error) {
	if leaseMillis <= 0 {
		leaseMillis = DefaultLeaseLengthMillis
	}
	s := &Session{store: store, index: index, id: uuid.New(), leaseMillis: leaseMillis}
	err := store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		l, err := t.GetLease(index)
		if err != nil {
			return err
		}
		if l != nil && l.ExpiryVersion > t.ReadVersion() {
			return fmt.Errorf("%w: index %s", meridian_errors.ErrSessionLocked, index)
		}
		if l != nil {
			LeaseTakeoverCount.WithLabelValues(index).Inc()
			store.Logger().Info("taking over expired index build lease",
				"index", index, "session", s.id.String())
		}
		return t.SetLease(index, meridian.Lease{
			SessionID:     [16]byte(s.id),
			ExpiryVersion: t.ReadVersion() + leaseMicros(leaseMillis),
		})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// JoinSession resumes an existing session by id. Fails with
// ErrSessionLost when the persisted lease does not match.
func JoinSession(ctx context.Context, store *meridian.Store, index string, id uuid.UUID, leaseMillis int64) (*Session, error) {
	if leaseMillis <= 0 {
		leaseMillis = DefaultLeaseLengthMillis
	}
	s := &Session{store: store, index: index, id: id, leaseMillis: leaseMillis}
	err := store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		l, err := t.GetLease(index)
		if err != nil {
			return err
		}
		if l == nil || l.SessionID != [16]byte(id) {
			return fmt.Errorf("%w: index %s", meridian_errors.ErrSessionLost, index)
		}
		return t.SetLease(index, meridian.Lease{
			SessionID:     [16]byte(s.id),
			ExpiryVersion: t.ReadVersion() + leaseMicros(leaseMillis),
		})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Check runs inside every lease-holder transaction before any user
// work: read the lease, abort with ErrSessionLost if it was stolen or
// deleted, renew it otherwise. The read conflicts with competing
// StartSession writes, which is what serializes takeover.
func (s *Session) Check(t *meridian.Transaction) error {
	l, err := t.GetLease(s.index)
	if err != nil {
		return err
	}
	if l == nil || l.SessionID != [16]byte(s.id) {
		return fmt.Errorf("%w: index %s session %s", meridian_errors.ErrSessionLost, s.index, s.id.String())
	}
	// Renew only past the lease half-life; an unconditional write here
	// would make every pair of parallel chunks of one session conflict.
	if l.ExpiryVersion > t.ReadVersion()+leaseMicros(s.leaseMillis)/2 {
		return nil
	}
	return t.SetLease(s.index, meridian.Lease{
		SessionID:     [16]byte(s.id),
		ExpiryVersion: t.ReadVersion() + leaseMicros(s.leaseMillis),
	})
}

// End releases the lease if this session still holds it.
func (s *Session) End(ctx context.Context) error {
	return s.store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		l, err := t.GetLease(s.index)
		if err != nil {
			return err
		}
		if l == nil || l.SessionID != [16]byte(s.id) {
			return nil
		}
		return t.ClearLease(s.index)
	})
}

// EndAnySession administratively deletes the lease record, whoever
// holds it. The holder's next pre-chunk check aborts with
// ErrSessionLost.
func EndAnySession(ctx context.Context, store *meridian.Store, index string) error {
	return store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		return t.ClearLease(index)
	})
}

// CheckSessionActive is a read-only probe for a live lease.
func CheckSessionActive(ctx context.Context, store *meridian.Store, index string) (bool, error) {
	var active bool
	err := store.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
		l, err := t.GetLease(index)
		if err != nil {
			return err
		}
		active = l != nil && l.ExpiryVersion > t.ReadVersion()
		return nil
	})
	return active, err
}
