package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrSeatTaken       = errors.New("seat already locked")
	ErrNothingSelected = errors.New("no seats currently held")
)

// HeldSeat is one lock a user currently holds, recovered from the owner
// markers when the user proceeds to payment without re-submitting seat IDs.
type HeldSeat struct {
	UserID  string
	EventID string
	SeatID  string
	Owner   string
}

// LockService provides per-seat mutual exclusion with expiry. The lock
// entry is the sole authority on who may write a seat; the SeatStore only
// records outcomes.
type LockService struct {
	store *Store
	seats SeatStore
	ttl   time.Duration
}

func NewLockService(store *Store, seats SeatStore, ttl time.Duration) *LockService {
	return &LockService{store: store, seats: seats, ttl: ttl}
}

// TryLock makes a single conditional-set attempt; false means the seat is
// contended and the caller surfaces that immediately, no retry.
func (l *LockService) TryLock(ctx context.Context, userID, eventID, seatID, owner string) (bool, error) {
	ok, err := l.store.SetIfAbsent(ctx, seatLockKey(eventID, seatID), owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire seat lock: %w", err)
	}
	if !ok {
		metricSeatLockAttempts.WithLabelValues("contended").Inc()
		return false, nil
	}
	// Companion marker powering the by-user scans; same TTL as the lock.
	if err := l.store.rdb.Set(ctx, seatOwnerKey(userID, eventID, seatID), owner, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to record lock ownership: %w", err)
	}
	metricSeatLockAttempts.WithLabelValues("acquired").Inc()
	return true, nil
}

// Unlock releases the lock only while it still holds the caller's owner
// token. A stale owner after expiry and re-acquisition gets false.
func (l *LockService) Unlock(ctx context.Context, userID, eventID, seatID, owner string) (bool, error) {
	ok, err := l.store.CompareAndDelete(ctx, seatLockKey(eventID, seatID), owner)
	if err != nil {
		return false, fmt.Errorf("failed to release seat lock: %w", err)
	}
	if ok {
		if err := l.store.rdb.Del(ctx, seatOwnerKey(userID, eventID, seatID)).Err(); err != nil {
			slog.Error(fmt.Sprintf("del seat owner marker (%v, %v, %v)", userID, eventID, seatID), "error", err)
		}
	}
	return ok, nil
}

// Reserve locks the seat, marks it reserved, and runs the commit callback
// inside the locked window. Any failure restores the seat and releases the
// lock before the error propagates; the lock never outlives a failed
// attempt to wait out its TTL.
func (l *LockService) Reserve(ctx context.Context, userID, eventID, seatID, owner string, commit func(context.Context) error) error {
	seat, err := l.seats.FindSeat(ctx, eventID, seatID)
	if err != nil {
		return err
	}
	if !seat.Available {
		return ErrSeatTaken
	}

	locked, err := l.TryLock(ctx, userID, eventID, seatID, owner)
	if err != nil {
		return err
	}
	if !locked {
		return ErrSeatTaken
	}

	if err := l.seats.MarkReserved(ctx, eventID, seatID, ""); err != nil {
		l.rollback(ctx, userID, eventID, seatID, owner)
		return err
	}
	if commit != nil {
		if err := commit(ctx); err != nil {
			l.rollback(ctx, userID, eventID, seatID, owner)
			return err
		}
	}
	return nil
}

func (l *LockService) rollback(ctx context.Context, userID, eventID, seatID, owner string) {
	if err := l.seats.MarkAvailable(ctx, eventID, seatID); err != nil {
		slog.Error(fmt.Sprintf("seats.MarkAvailable(%v, %v)", eventID, seatID), "error", err)
	}
	if _, err := l.Unlock(ctx, userID, eventID, seatID, owner); err != nil {
		slog.Error(fmt.Sprintf("lock.Unlock(%v, %v)", eventID, seatID), "error", err)
	}
}

// ReleaseHeld undoes one held seat: seat back to available, lock released.
func (l *LockService) ReleaseHeld(ctx context.Context, h HeldSeat) error {
	if err := l.seats.MarkAvailable(ctx, h.EventID, h.SeatID); err != nil {
		return err
	}
	if _, err := l.Unlock(ctx, h.UserID, h.EventID, h.SeatID, h.Owner); err != nil {
		return err
	}
	return nil
}

// Commit finalizes one held seat: durable reservation record, ticket on the
// seat, lock released.
func (l *LockService) Commit(ctx context.Context, h HeldSeat, ticketID string) error {
	if err := l.store.rdb.Set(ctx, reservationKey(h.EventID, h.SeatID), h.UserID, 0).Err(); err != nil {
		return fmt.Errorf("failed to record reservation: %w", err)
	}
	if err := l.seats.MarkReserved(ctx, h.EventID, h.SeatID, ticketID); err != nil {
		return err
	}
	if _, err := l.Unlock(ctx, h.UserID, h.EventID, h.SeatID, h.Owner); err != nil {
		return err
	}
	return nil
}

// HeldByUser recovers all seats a user currently holds from the owner
// markers. Zero matches is the distinct "nothing selected" condition: the
// user's locks expired and they must select again.
func (l *LockService) HeldByUser(ctx context.Context, userID string) ([]HeldSeat, error) {
	pattern := fmt.Sprintf("seat_owner:%s:*", userID)
	keys, err := l.store.ScanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	var held []HeldSeat
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) != 4 {
			continue
		}
		owner, err := l.store.rdb.Get(ctx, key).Result()
		if err != nil {
			// Marker expired between scan and read.
			continue
		}
		held = append(held, HeldSeat{
			UserID:  userID,
			EventID: parts[2],
			SeatID:  parts[3],
			Owner:   owner,
		})
	}
	if len(held) == 0 {
		return nil, ErrNothingSelected
	}
	return held, nil
}

// SeatIDsByUser lists the seat IDs a user currently holds.
func (l *LockService) SeatIDsByUser(ctx context.Context, userID string) ([]string, error) {
	held, err := l.HeldByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(held))
	for _, h := range held {
		ids = append(ids, h.SeatID)
	}
	return ids, nil
}

// EventIDByUser recovers which event the user is holding seats for.
func (l *LockService) EventIDByUser(ctx context.Context, userID string) (string, error) {
	held, err := l.HeldByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return held[0].EventID, nil
}
