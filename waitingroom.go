package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

var ErrMissingField = errors.New("user id and event id are required")

// AdmissionService owns the waiting room: durable FIFO enqueue into the
// per-event waiting log, instance-local push connections, and the
// exactly-once disconnect accounting that returns capacity.
type AdmissionService struct {
	store    *Store
	seats    SeatStore
	tokens   *TokenService
	registry *ConnRegistry

	instanceID      string
	defaultCapacity int64
}

func NewAdmissionService(store *Store, seats SeatStore, tokens *TokenService, registry *ConnRegistry, instanceID string, defaultCapacity int64) *AdmissionService {
	return &AdmissionService{
		store:           store,
		seats:           seats,
		tokens:          tokens,
		registry:        registry,
		instanceID:      instanceID,
		defaultCapacity: defaultCapacity,
	}
}

// Connect opens the push connection and enqueues the user. The connection
// is registered before the durable write so a promotion on the very next
// promoter tick can already find it.
func (a *AdmissionService) Connect(ctx context.Context, userID, eventID string) (*PushConn, error) {
	if userID == "" || eventID == "" {
		return nil, ErrMissingField
	}

	conn := NewPushConn(userID, eventID, nil)
	conn.onClose = func(st ConnStatus) { a.disconnect(conn, st) }

	if err := a.registry.Add(conn); err != nil {
		return nil, err
	}
	if _, err := a.Enqueue(ctx, userID, eventID); err != nil {
		a.registry.Remove(conn)
		return nil, err
	}
	return conn, nil
}

// Enqueue appends a WaitingEntry with the next sequence for the event. A
// user who already holds a membership record gets their existing entry back
// (idempotent retry), never a second slot.
func (a *AdmissionService) Enqueue(ctx context.Context, userID, eventID string) (*WaitingEntry, error) {
	if userID == "" || eventID == "" {
		return nil, ErrMissingField
	}

	if err := a.initCapacity(ctx, eventID); err != nil {
		return nil, err
	}

	if seq, ok, err := a.store.MemberSeq(ctx, eventID, userID); err != nil {
		return nil, fmt.Errorf("failed to check waiting membership: %w", err)
	} else if ok {
		return &WaitingEntry{UserID: userID, EventID: eventID, Seq: seq, Origin: a.instanceID}, nil
	}

	seq, err := a.store.NextSeq(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign sequence: %w", err)
	}
	claimed, err := a.store.ClaimMembership(ctx, eventID, userID, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to claim membership: %w", err)
	}
	if !claimed {
		// Concurrent enqueue for the same user won the membership race;
		// the sequence gap is harmless.
		seq, _, err = a.store.MemberSeq(ctx, eventID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to read membership after race: %w", err)
		}
		return &WaitingEntry{UserID: userID, EventID: eventID, Seq: seq, Origin: a.instanceID}, nil
	}

	entry := &WaitingEntry{
		UserID:   userID,
		EventID:  eventID,
		Seq:      seq,
		Origin:   a.instanceID,
		JoinedAt: time.Now(),
	}
	id, err := a.store.AppendWaiting(ctx, entry)
	if err != nil {
		return nil, err
	}
	entry.StreamID = id
	slog.Info("user entered waiting room", "userID", userID, "eventID", eventID, "seq", seq)
	return entry, nil
}

// initCapacity seeds the event's capacity counter from the seat count on
// first enqueue; later calls are no-ops.
func (a *AdmissionService) initCapacity(ctx context.Context, eventID string) error {
	ceiling, err := a.seats.SeatCount(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to read seat count: %w", err)
	}
	if ceiling <= 0 {
		ceiling = a.defaultCapacity
	}
	return a.store.InitCapacity(ctx, eventID, ceiling)
}

// disconnect is the single terminal handler for a push connection. It runs
// exactly once per connection (guarded by PushConn.closeOnce) regardless of
// what caused the termination.
func (a *AdmissionService) disconnect(conn *PushConn, statusAtClose ConnStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch statusAtClose {
	case StatusAdmitted, StatusActive:
		if err := a.store.ReturnCapacity(ctx, conn.EventID); err != nil {
			slog.Error(fmt.Sprintf("store.ReturnCapacity(%v)", conn.EventID), "error", err)
		}
		if err := a.tokens.Drop(ctx, conn.UserID); err != nil {
			slog.Error(fmt.Sprintf("tokens.Drop(%v)", conn.UserID), "error", err)
		}
	case StatusWaiting:
		if err := a.store.RemoveWaiting(ctx, conn.EventID, conn.UserID); err != nil {
			slog.Error(fmt.Sprintf("store.RemoveWaiting(%v, %v)", conn.EventID, conn.UserID), "error", err)
		}
	}

	// The local record goes last so a concurrent lookup never sees a user
	// without their durable state already settled.
	a.registry.Remove(conn)
	slog.Info("push connection closed", "userID", conn.UserID, "eventID", conn.EventID, "status", statusAtClose)
}

// Status answers the one-shot poll endpoint; rank mirrors what the pusher
// streams over the connection.
func (a *AdmissionService) Status(ctx context.Context, userID, eventID string) (*QueueStatus, error) {
	if userID == "" || eventID == "" {
		return nil, ErrMissingField
	}
	st := StatusWaiting
	if conn, ok := a.registry.Get(userID); ok {
		st = conn.Status()
	}

	entries, err := a.store.WaitingHead(ctx, eventID, rankScanLimit)
	if err != nil {
		return nil, err
	}
	rank := 0
	for i, e := range entries {
		if e.UserID == userID {
			rank = i + 1
			break
		}
	}
	return &QueueStatus{
		Status:            st,
		Rank:              rank,
		TotalWaiting:      len(entries),
		EstimatedWaitSecs: rank * 2,
	}, nil
}

// CleanQueue flushes an event's waiting state. Capacity is left alone:
// admitted users still hold their slots.
func (a *AdmissionService) CleanQueue(ctx context.Context, eventID string) error {
	length, err := a.store.WaitingLen(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to get queue length: %w", err)
	}

	pipe := a.store.rdb.TxPipeline()
	pipe.Del(ctx, waitStreamKey(eventID))
	pipe.Del(ctx, waitMembersKey(eventID))
	pipe.Del(ctx, waitIDsKey(eventID))
	pipe.Del(ctx, waitSeqKey(eventID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clean queue: %w", err)
	}

	slog.Info("queue cleaned", "eventID", eventID, "entriesRemoved", length)
	return nil
}

// Stats reports waiting-log depth and capacity for an event.
func (a *AdmissionService) Stats(ctx context.Context, eventID string) (*QueueStats, error) {
	entries, err := a.store.WaitingHead(ctx, eventID, rankScanLimit)
	if err != nil {
		return nil, err
	}
	capacity, err := a.store.Capacity(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to read capacity: %w", err)
	}
	ceiling, err := a.store.CapacityCeiling(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to read capacity ceiling: %w", err)
	}

	stats := &QueueStats{
		EventID:  eventID,
		Length:   len(entries),
		Capacity: capacity,
		Ceiling:  ceiling,
	}
	if len(entries) > 0 {
		stats.OldestEntry = streamIDTime(entries[0].StreamID)
		stats.NewestEntry = streamIDTime(entries[len(entries)-1].StreamID)
	}
	return stats, nil
}

// streamIDTime extracts the millisecond timestamp a Redis stream ID starts
// with.
func streamIDTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
