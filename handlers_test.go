package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandlers(t *testing.T) (*Handlers, *LockService, *RedisSeatStore, *TokenService) {
	t.Helper()
	store, _, rdb := newTestStore(t)
	seats := NewRedisSeatStore(rdb)
	tokens := NewTokenService(store, "test-secret", time.Minute)
	locks := NewLockService(store, seats, time.Minute)
	h := &Handlers{
		locks:    locks,
		seats:    seats,
		tokens:   tokens,
		registry: NewConnRegistry(),
		notifier: NewLogNotifier(),
	}
	return h, locks, seats, tokens
}

func bookRequest(t *testing.T, eventID, userID, token string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("X-Entry-Token", token)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetParamNames("eventId")
	c.SetParamValues(eventID)
	return c, rec
}

func TestBookCommitsHeldSeats(t *testing.T) {
	h, locks, seats, tokens := newTestHandlers(t)
	ctx := context.Background()

	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1", "A2"}))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A2", "owner-1", nil))
	token, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)

	c, rec := bookRequest(t, "ev1", "u1", token)
	require.NoError(t, h.Book(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	seat, err := seats.FindSeat(ctx, "ev1", "A1")
	require.NoError(t, err)
	assert.NotEmpty(t, seat.TicketID)
	_, err = locks.HeldByUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNothingSelected)
	// The admission slot is retired with the purchase.
	assert.ErrorIs(t, tokens.Validate(ctx, token, "u1", "ev1"), ErrBadEntryToken)
}

func TestBookRejectsMixedEventHoldBeforeCommitting(t *testing.T) {
	h, locks, seats, tokens := newTestHandlers(t)
	ctx := context.Background()

	require.NoError(t, seats.SeedSeats(ctx, "ev1", []string{"A1"}))
	require.NoError(t, seats.SeedSeats(ctx, "ev2", []string{"B1"}))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev1", "A1", "owner-1", nil))
	require.NoError(t, locks.Reserve(ctx, "u1", "ev2", "B1", "owner-1", nil))
	token, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)

	c, rec := bookRequest(t, "ev1", "u1", token)
	require.NoError(t, h.Book(c))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Nothing was committed: no reservation records, every lock intact.
	exists, err := h.locks.store.Exists(ctx, reservationKey("ev1", "A1"))
	require.NoError(t, err)
	assert.False(t, exists)
	held, err := locks.HeldByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, held, 2)
}

func TestBookWithoutEntryToken(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)

	c, rec := bookRequest(t, "ev1", "u1", "")
	require.NoError(t, h.Book(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBookWithExpiredSelection(t *testing.T) {
	h, _, _, tokens := newTestHandlers(t)
	ctx := context.Background()

	token, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)

	c, rec := bookRequest(t, "ev1", "u1", token)
	require.NoError(t, h.Book(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
