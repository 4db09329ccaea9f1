package main

import (
	"context"
	"fmt"
	"log/slog"
)

const entryLogMaxLen = 10000

// Sweeper runs on a slow tick and reclaims coordination-store debris: the
// delivered tail of the entry log and membership records whose waiting-log
// entry is gone (crash between promotion steps, manual queue cleanup).
type Sweeper struct {
	store *Store
}

func NewSweeper(store *Store) *Sweeper {
	return &Sweeper{store: store}
}

func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.store.TrimEntries(ctx, entryLogMaxLen); err != nil {
		slog.Error("store.TrimEntries", "error", err)
	}

	events, err := s.store.ActiveEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active events: %w", err)
	}
	for _, eventID := range events {
		if err := s.reconcileEvent(ctx, eventID); err != nil {
			slog.Error(fmt.Sprintf("sweeper.reconcileEvent(%v)", eventID), "error", err)
		}
	}
	return nil
}

// reconcileEvent drops membership and index records that no longer have a
// waiting-log entry behind them.
func (s *Sweeper) reconcileEvent(ctx context.Context, eventID string) error {
	ids, err := s.store.rdb.HGetAll(ctx, waitIDsKey(eventID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read waiting index: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	entries, err := s.store.WaitingHead(ctx, eventID, rankScanLimit)
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		present[e.StreamID] = struct{}{}
	}

	var orphaned []string
	for userID, streamID := range ids {
		if _, ok := present[streamID]; !ok {
			orphaned = append(orphaned, userID)
		}
	}
	if len(orphaned) == 0 {
		return nil
	}

	pipe := s.store.rdb.TxPipeline()
	pipe.HDel(ctx, waitIDsKey(eventID), orphaned...)
	pipe.HDel(ctx, waitMembersKey(eventID), orphaned...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop orphaned membership records: %w", err)
	}
	slog.Info("orphaned membership records dropped", "eventID", eventID, "count", len(orphaned))
	return nil
}
