package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmission(t *testing.T, defaultCapacity int64) (*AdmissionService, *Store, *ConnRegistry, *miniredis.Miniredis) {
	t.Helper()
	store, m, rdb := newTestStore(t)
	seats := NewRedisSeatStore(rdb)
	tokens := NewTokenService(store, "test-secret", time.Minute)
	registry := NewConnRegistry()
	svc := NewAdmissionService(store, seats, tokens, registry, "inst-a", defaultCapacity)
	return svc, store, registry, m
}

func TestEnqueueAssignsArrivalOrder(t *testing.T) {
	svc, store, _, _ := newTestAdmission(t, 10)
	ctx := context.Background()

	e1, err := svc.Enqueue(ctx, "u1", "e1")
	require.NoError(t, err)
	e2, err := svc.Enqueue(ctx, "u2", "e1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)

	entries, err := store.WaitingHead(ctx, "e1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "u2", entries[1].UserID)
}

func TestEnqueueIsIdempotentPerUser(t *testing.T) {
	svc, store, _, _ := newTestAdmission(t, 10)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, "u1", "e1")
	require.NoError(t, err)
	retry, err := svc.Enqueue(ctx, "u1", "e1")
	require.NoError(t, err)

	assert.Equal(t, first.Seq, retry.Seq)

	length, err := store.WaitingLen(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length, "retry must not append a second entry")
}

func TestEnqueueValidatesInput(t *testing.T) {
	svc, _, _, _ := newTestAdmission(t, 10)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "", "e1")
	assert.ErrorIs(t, err, ErrMissingField)
	_, err = svc.Enqueue(ctx, "u1", "")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestCapacityInitializedFromSeatCount(t *testing.T) {
	store, _, rdb := newTestStore(t)
	seats := NewRedisSeatStore(rdb)
	tokens := NewTokenService(store, "test-secret", time.Minute)
	svc := NewAdmissionService(store, seats, tokens, NewConnRegistry(), "inst-a", 99)
	ctx := context.Background()

	require.NoError(t, seats.SeedSeats(ctx, "e1", []string{"s1", "s2", "s3"}))

	_, err := svc.Enqueue(ctx, "u1", "e1")
	require.NoError(t, err)

	n, err := store.Capacity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ceiling, err := store.CapacityCeiling(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ceiling)
}

func TestConnectRejectsSecondConnection(t *testing.T) {
	svc, _, _, _ := newTestAdmission(t, 10)
	ctx := context.Background()

	conn, err := svc.Connect(ctx, "u1", "e1")
	require.NoError(t, err)
	defer conn.Close()

	_, err = svc.Connect(ctx, "u1", "e2")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestDisconnectWhileWaitingRemovesEntry(t *testing.T) {
	svc, store, registry, _ := newTestAdmission(t, 10)
	ctx := context.Background()

	conn, err := svc.Connect(ctx, "u1", "e1")
	require.NoError(t, err)

	conn.Close()

	length, err := store.WaitingLen(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	_, found, err := store.MemberSeq(ctx, "e1", "u1")
	require.NoError(t, err)
	assert.False(t, found)

	_, ok := registry.Get("u1")
	assert.False(t, ok)
}

func TestDisconnectAfterAdmissionReturnsCapacityOnce(t *testing.T) {
	svc, store, _, _ := newTestAdmission(t, 5)
	ctx := context.Background()

	conn, err := svc.Connect(ctx, "u1", "e1")
	require.NoError(t, err)

	// Simulate the promoter taking the slot and the dispatcher admitting.
	taken, err := store.TakeCapacity(ctx, "e1")
	require.NoError(t, err)
	require.True(t, taken)
	require.NoError(t, store.RemoveWaiting(ctx, "e1", "u1"))
	require.True(t, conn.SetStatusIf(StatusWaiting, StatusAdmitted))

	conn.Close()
	n, err := store.Capacity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n, "capacity returned on disconnect")

	// A second close must not credit again.
	conn.Close()
	n, _ = store.Capacity(ctx, "e1")
	assert.Equal(t, int64(5), n)
}

func TestStatusReportsRank(t *testing.T) {
	svc, _, _, _ := newTestAdmission(t, 10)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "u1", "e1")
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, "u2", "e1")
	require.NoError(t, err)

	st, err := svc.Status(ctx, "u2", "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Rank)
	assert.Equal(t, 2, st.TotalWaiting)
}

func TestCleanQueue(t *testing.T) {
	svc, store, _, _ := newTestAdmission(t, 10)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "u1", "e1")
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, "u2", "e1")
	require.NoError(t, err)

	require.NoError(t, svc.CleanQueue(ctx, "e1"))

	length, err := store.WaitingLen(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	// A cleaned user can enqueue fresh.
	entry, err := svc.Enqueue(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Seq)
}

func TestStats(t *testing.T) {
	svc, _, _, _ := newTestAdmission(t, 7)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "u1", "e1")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Length)
	assert.Equal(t, int64(7), stats.Capacity)
	assert.Equal(t, int64(7), stats.Ceiling)
	assert.False(t, stats.OldestEntry.IsZero())
}
