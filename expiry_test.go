package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeatLockKey(t *testing.T) {
	cases := []struct {
		key     string
		eventID string
		seatID  string
		ok      bool
	}{
		{"seat_lock:ev1:A1", "ev1", "A1", true},
		{"seat_lock:ev1", "", "", false},
		{"seat_owner:u1:ev1:A1", "", "", false},
		{"entry_token:u1", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		eventID, seatID, ok := parseSeatLockKey(tc.key)
		assert.Equal(t, tc.ok, ok, tc.key)
		assert.Equal(t, tc.eventID, eventID, tc.key)
		assert.Equal(t, tc.seatID, seatID, tc.key)
	}
}

func TestExpiredLockRevertsSeat(t *testing.T) {
	store, _, rdb := newTestStore(t)
	seats := NewRedisSeatStore(rdb)
	locks := NewLockService(store, seats, time.Minute)
	listener := NewExpiryListener(store, seats)
	ctx := context.Background()

	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1"}))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil))

	listener.handleExpired(ctx, seatLockKey("ev1", "A1"))

	seat, err := seats.FindSeat(ctx, "ev1", "A1")
	require.NoError(t, err)
	assert.True(t, seat.Available)
	// Owner marker cleaned up so the user's held-seat scan comes back empty.
	_, err = locks.HeldByUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNothingSelected)
}

func TestExpiredLockKeepsCommittedReservation(t *testing.T) {
	store, _, rdb := newTestStore(t)
	seats := NewRedisSeatStore(rdb)
	locks := NewLockService(store, seats, time.Minute)
	listener := NewExpiryListener(store, seats)
	ctx := context.Background()

	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1"}))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil))
	held, err := locks.HeldByUser(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, locks.Commit(ctx, held[0], "tick-1"))

	listener.handleExpired(ctx, seatLockKey("ev1", "A1"))

	seat, err := seats.FindSeat(ctx, "ev1", "A1")
	require.NoError(t, err)
	assert.False(t, seat.Available)
	assert.Equal(t, "tick-1", seat.TicketID)
}

func TestExpiredUnrelatedKeyIgnored(t *testing.T) {
	store, _, rdb := newTestStore(t)
	seats := NewRedisSeatStore(rdb)
	listener := NewExpiryListener(store, seats)
	ctx := context.Background()

	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1"}))
	listener.handleExpired(ctx, entryTokenKey("u1"))

	seat, err := seats.FindSeat(ctx, "ev1", "A1")
	require.NoError(t, err)
	assert.True(t, seat.Available)
}
