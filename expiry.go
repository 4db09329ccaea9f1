package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ExpiryListener watches the coordination store's key-expiration channel
// for seat locks that lapsed without a committed reservation and reverts
// those seats to available. This is the only recovery path for seats
// abandoned by crashed clients or expired sessions.
type ExpiryListener struct {
	store *Store
	seats SeatStore
}

func NewExpiryListener(store *Store, seats SeatStore) *ExpiryListener {
	return &ExpiryListener{store: store, seats: seats}
}

func (l *ExpiryListener) Run(ctx context.Context) {
	// Managed Redis usually has this enabled out of band and rejects
	// CONFIG SET; a failure here is informational only.
	if err := l.store.EnableExpiryNotifications(ctx); err != nil {
		slog.Info("could not enable keyspace notifications, assuming preconfigured", "error", err)
	}

	pubsub := l.store.SubscribeExpired(ctx)
	defer pubsub.Close()
	slog.Info("seat-lock expiry listener started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.handleExpired(ctx, msg.Payload)
		}
	}
}

func (l *ExpiryListener) handleExpired(ctx context.Context, key string) {
	eventID, seatID, ok := parseSeatLockKey(key)
	if !ok {
		return
	}

	committed, err := l.store.Exists(ctx, reservationKey(eventID, seatID))
	if err != nil {
		slog.Error(fmt.Sprintf("store.Exists(reservation %v:%v)", eventID, seatID), "error", err)
		return
	}
	if committed {
		return
	}

	if err := l.seats.MarkAvailable(ctx, eventID, seatID); err != nil {
		slog.Error(fmt.Sprintf("seats.MarkAvailable(%v, %v)", eventID, seatID), "error", err)
		return
	}

	// The owner marker shares the lock's TTL but may outlive it by a
	// moment; clear any straggler so by-user scans stay truthful.
	pattern := fmt.Sprintf("seat_owner:*:%s:%s", eventID, seatID)
	if keys, err := l.store.ScanKeys(ctx, pattern); err == nil && len(keys) > 0 {
		l.store.rdb.Del(ctx, keys...)
	}

	slog.Info("reverted abandoned seat", "eventID", eventID, "seatID", seatID)
}

// parseSeatLockKey recognizes seat_lock:{eventId}:{seatId}.
func parseSeatLockKey(key string) (eventID, seatID string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "seat_lock" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
