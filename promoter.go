package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// promoterLeaseTTL is shorter than the tick interval so a stalled
	// holder never blocks more than one tick.
	promoterLeaseTTL = 900 * time.Millisecond

	// promotedDedupeTTL covers the crash-retry window of a single entry.
	promotedDedupeTTL = time.Minute
)

// Promoter moves waiting users into the global entry log as capacity
// allows, strictly in arrival order within each event.
type Promoter struct {
	store *Store
	batch int64
}

func NewPromoter(store *Store, batch int64) *Promoter {
	if batch <= 0 {
		batch = 50
	}
	return &Promoter{store: store, batch: batch}
}

// Tick runs one promotion pass across all active events. A short lease
// keeps overlapping ticks (slow run, multiple workers) from promoting the
// same entries twice.
func (p *Promoter) Tick(ctx context.Context) error {
	held, err := p.store.AcquireLease(ctx, promoterLeaseKey, promoterLeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire promoter lease: %w", err)
	}
	if !held {
		return nil
	}
	timer := prometheus.NewTimer(metricPromoteDuration)
	defer timer.ObserveDuration()

	events, err := p.store.ActiveEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active events: %w", err)
	}
	for _, eventID := range events {
		if err := p.promoteEvent(ctx, eventID); err != nil {
			slog.Error(fmt.Sprintf("promoter.promoteEvent(%v)", eventID), "error", err)
		}
	}
	return nil
}

// promoteEvent promotes from the head of one event's waiting log while
// capacity lasts. Per entry the order is: dedupe marker, capacity
// decrement, entry-log append, waiting-log delete — so a retry after a
// partial failure can never append the same user twice.
func (p *Promoter) promoteEvent(ctx context.Context, eventID string) error {
	capacity, err := p.store.Capacity(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to read capacity: %w", err)
	}
	if capacity <= 0 {
		return nil
	}

	entries, err := p.store.WaitingHead(ctx, eventID, p.batch)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		fresh, err := p.store.SetIfAbsent(ctx, promotedKey(eventID, entry.UserID, entry.Seq), "1", promotedDedupeTTL)
		if err != nil {
			return fmt.Errorf("failed to set promotion marker: %w", err)
		}
		if !fresh {
			// Promoted on an earlier partially-failed pass; only the
			// waiting-log cleanup is left to redo.
			if err := p.store.RemoveWaiting(ctx, eventID, entry.UserID); err != nil {
				return err
			}
			metricPromotions.WithLabelValues("deduped").Inc()
			continue
		}

		taken, err := p.store.TakeCapacity(ctx, eventID)
		if err != nil {
			return err
		}
		if !taken {
			// Nothing was appended for this user; the marker must not
			// survive to the next pass or the dedupe branch would drop
			// them without admission.
			if err := p.store.rdb.Del(ctx, promotedKey(eventID, entry.UserID, entry.Seq)).Err(); err != nil {
				slog.Error(fmt.Sprintf("del promotion marker (%v, %v)", eventID, entry.UserID), "error", err)
			}
			metricPromotions.WithLabelValues("no_capacity").Inc()
			return nil
		}

		if err := p.store.AppendEntry(ctx, EntryLogMessage{
			UserID:  entry.UserID,
			EventID: eventID,
			Origin:  entry.Origin,
		}); err != nil {
			return err
		}
		if err := p.store.RemoveWaiting(ctx, eventID, entry.UserID); err != nil {
			return err
		}
		metricPromotions.WithLabelValues("promoted").Inc()
		slog.Info("promoted waiting user", "userID", entry.UserID, "eventID", eventID, "seq", entry.Seq, "origin", entry.Origin)
	}
	return nil
}
