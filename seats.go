package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var ErrSeatNotFound = errors.New("seat not found")

// SeatStore is the persistence boundary to the catalog collaborator. The
// lock manager treats it as the durable record of outcomes only; the seat
// lock, not this store, decides who may write.
type SeatStore interface {
	FindSeat(ctx context.Context, eventID, seatID string) (*Seat, error)
	MarkReserved(ctx context.Context, eventID, seatID, ticketID string) error
	MarkAvailable(ctx context.Context, eventID, seatID string) error
	SeatCount(ctx context.Context, eventID string) (int64, error)
}

func seatSetKey(eventID string) string { return fmt.Sprintf("seats:%s", eventID) }

// RedisSeatStore keeps seat state in per-seat hashes plus a per-event seat
// set. Both writes are idempotent under retry.
type RedisSeatStore struct {
	rdb *redis.Client
}

func NewRedisSeatStore(rdb *redis.Client) *RedisSeatStore {
	return &RedisSeatStore{rdb: rdb}
}

// SeedSeats registers an event's seats, all available. Existing seats keep
// their current state.
func (s *RedisSeatStore) SeedSeats(ctx context.Context, eventID string, seatIDs []string) error {
	pipe := s.rdb.TxPipeline()
	for _, seatID := range seatIDs {
		pipe.SAdd(ctx, seatSetKey(eventID), seatID)
		pipe.HSetNX(ctx, seatKey(eventID, seatID), "available", "1")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to seed seats: %w", err)
	}
	return nil
}

func (s *RedisSeatStore) FindSeat(ctx context.Context, eventID, seatID string) (*Seat, error) {
	vals, err := s.rdb.HGetAll(ctx, seatKey(eventID, seatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read seat: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrSeatNotFound
	}
	return &Seat{
		SeatID:    seatID,
		EventID:   eventID,
		Available: vals["available"] == "1",
		TicketID:  vals["ticket_id"],
	}, nil
}

func (s *RedisSeatStore) MarkReserved(ctx context.Context, eventID, seatID, ticketID string) error {
	err := s.rdb.HSet(ctx, seatKey(eventID, seatID), "available", "0", "ticket_id", ticketID).Err()
	if err != nil {
		return fmt.Errorf("failed to mark seat reserved: %w", err)
	}
	return nil
}

func (s *RedisSeatStore) MarkAvailable(ctx context.Context, eventID, seatID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, seatKey(eventID, seatID), "available", "1")
	pipe.HDel(ctx, seatKey(eventID, seatID), "ticket_id")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark seat available: %w", err)
	}
	return nil
}

func (s *RedisSeatStore) SeatCount(ctx context.Context, eventID string) (int64, error) {
	n, err := s.rdb.SCard(ctx, seatSetKey(eventID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count seats: %w", err)
	}
	return n, nil
}
