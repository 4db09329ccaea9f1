package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocks(t *testing.T) (*LockService, *RedisSeatStore, *Store, *miniredis.Miniredis) {
	t.Helper()
	store, m, rdb := newTestStore(t)
	seats := NewRedisSeatStore(rdb)
	locks := NewLockService(store, seats, time.Minute)
	return locks, seats, store, m
}

func TestTryLockExactlyOneWinner(t *testing.T) {
	locks, _, _, _ := newTestLocks(t)
	ctx := context.Background()

	const callers = 20
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := fmt.Sprintf("owner-%d", n)
			ok, err := locks.TryLock(ctx, owner, "ev1", "A1", owner)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
}

func TestUnlockIgnoresStaleOwner(t *testing.T) {
	locks, _, _, m := newTestLocks(t)
	ctx := context.Background()

	ok, err := locks.TryLock(ctx, "u1", "ev1", "A1", "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	// First holder's lock expires, another user re-acquires.
	m.FastForward(2 * time.Minute)
	ok, err = locks.TryLock(ctx, "u2", "ev1", "A1", "owner-2")
	require.NoError(t, err)
	require.True(t, ok)

	// The stale owner token releases nothing.
	released, err := locks.Unlock(ctx, "u1", "ev1", "A1", "owner-1")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, m.Exists(seatLockKey("ev1", "A1")))

	released, err = locks.Unlock(ctx, "u2", "ev1", "A1", "owner-2")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, m.Exists(seatLockKey("ev1", "A1")))
}

func TestReserveMarksSeatAndHoldsLock(t *testing.T) {
	locks, seats, _, m := newTestLocks(t)
	ctx := context.Background()
	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1", "A2"}))

	err := locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil)
	require.NoError(t, err)

	seat, err := seats.FindSeat(ctx, "ev1", "A1")
	require.NoError(t, err)
	assert.False(t, seat.Available)
	assert.True(t, m.Exists(seatLockKey("ev1", "A1")))

	// A second taker is refused before even touching the lock.
	err = locks.Reserve(ctx, "u2", "ev1", "A1", "owner-2", nil)
	assert.ErrorIs(t, err, ErrSeatTaken)
}

func TestReserveRollsBackOnCommitFailure(t *testing.T) {
	locks, seats, _, m := newTestLocks(t)
	ctx := context.Background()
	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1"}))

	boom := errors.New("payment declined")
	err := locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Seat back to available, lock gone, so anyone can take it again.
	seat, err := seats.FindSeat(ctx, "ev1", "A1")
	require.NoError(t, err)
	assert.True(t, seat.Available)
	assert.False(t, m.Exists(seatLockKey("ev1", "A1")))

	require.NoError(t, locks.Reserve(ctx, "u2", "ev1", "A1", "owner-2", nil))
}

func TestReserveUnknownSeat(t *testing.T) {
	locks, _, _, _ := newTestLocks(t)

	err := locks.Reserve(context.Background(), "u1", "ev1", "ZZ9", "owner-1", nil)
	assert.ErrorIs(t, err, ErrSeatNotFound)
}

func TestHeldByUserRecoversSelection(t *testing.T) {
	locks, seats, _, _ := newTestLocks(t)
	ctx := context.Background()
	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1", "A2", "A3"}))

	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A3", "owner-1", nil))
	require.NoError(t, locks.Reserve(ctx, "u2", "ev1", "A2", "owner-2", nil))

	held, err := locks.HeldByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, held, 2)
	seatIDs, err := locks.SeatIDsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A1", "A3"}, seatIDs)
	eventID, err := locks.EventIDByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "ev1", eventID)
}

func TestHeldByUserNothingSelected(t *testing.T) {
	locks, seats, _, m := newTestLocks(t)
	ctx := context.Background()
	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1"}))

	_, err := locks.HeldByUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNothingSelected)

	// Expired locks land in the same condition.
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil))
	m.FastForward(2 * time.Minute)
	_, err = locks.HeldByUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNothingSelected)
}

func TestCommitFinalizesReservation(t *testing.T) {
	locks, seats, _, m := newTestLocks(t)
	ctx := context.Background()
	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1"}))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil))

	held, err := locks.HeldByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, held, 1)

	require.NoError(t, locks.Commit(ctx, held[0], "tick-1"))

	seat, err := seats.FindSeat(ctx, "ev1", "A1")
	require.NoError(t, err)
	assert.False(t, seat.Available)
	assert.Equal(t, "tick-1", seat.TicketID)
	assert.True(t, m.Exists(reservationKey("ev1", "A1")))
	assert.False(t, m.Exists(seatLockKey("ev1", "A1")))
	_, err = locks.HeldByUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNothingSelected)
}

func TestReleaseHeldFreesSeat(t *testing.T) {
	locks, seats, _, m := newTestLocks(t)
	ctx := context.Background()
	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1"}))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil))

	held, err := locks.HeldByUser(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, locks.ReleaseHeld(ctx, held[0]))

	seat, err := seats.FindSeat(ctx, "ev1", "A1")
	require.NoError(t, err)
	assert.True(t, seat.Available)
	assert.False(t, m.Exists(seatLockKey("ev1", "A1")))
}
