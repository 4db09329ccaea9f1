package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dispatcher consumes the global entry log through this instance's consumer
// group and delivers admission to the connections it owns. Messages for
// other instances are acked straight away; their owning group holds its own
// copy.
type Dispatcher struct {
	store    *Store
	registry *ConnRegistry
	tokens   *TokenService
	notify   *TaskScheduler

	instanceID string
	group      string
}

func NewDispatcher(store *Store, registry *ConnRegistry, tokens *TokenService, notify *TaskScheduler, instanceID string) *Dispatcher {
	return &Dispatcher{
		store:      store,
		registry:   registry,
		tokens:     tokens,
		notify:     notify,
		instanceID: instanceID,
		group:      fmt.Sprintf("dispatch-%s", instanceID),
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.store.EnsureEntryGroup(ctx, d.group); err != nil {
		return err
	}
	slog.Info("entry dispatcher started", "group", d.group)

	for {
		msgs, err := d.store.ReadEntries(ctx, d.group, "c1", 16, 2*time.Second)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Error("store.ReadEntries", "group", d.group, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			d.handle(ctx, msg)
			if err := d.store.AckEntries(ctx, d.group, msg.ID); err != nil {
				slog.Error("store.AckEntries", "id", msg.ID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg redis.XMessage) {
	m := entryMessageFromValues(msg.Values)
	if m.Origin != d.instanceID {
		return
	}

	conn, ok := d.registry.Get(m.UserID)
	if !ok || conn.EventID != m.EventID {
		// The user disconnected (or reconnected for another event) while
		// the promotion was in flight. The promotion was consumed once;
		// dropping here is final — the disconnect path has already
		// returned the capacity.
		slog.Info("dropping entry for absent connection", "userID", m.UserID, "eventID", m.EventID)
		return
	}
	if !conn.SetStatusIf(StatusWaiting, StatusAdmitted) {
		slog.Info("dropping entry for non-waiting connection", "userID", m.UserID, "status", conn.Status())
		return
	}

	token, err := d.tokens.Mint(ctx, m.UserID, m.EventID)
	if err != nil {
		slog.Error(fmt.Sprintf("tokens.Mint(%v, %v)", m.UserID, m.EventID), "error", err)
		// Closing as ADMITTED returns the capacity this promotion took.
		conn.Close()
		return
	}

	update := StatusUpdate{
		Status:  StatusAdmitted,
		UserID:  m.UserID,
		EventID: m.EventID,
		Token:   token,
	}
	if err := conn.Send(update); err != nil {
		slog.Info("closing connection after admission push failure", "userID", m.UserID, "eventID", m.EventID)
		conn.Close()
		return
	}

	if d.notify != nil {
		d.notify.ScheduleNotify(m.UserID, m.EventID, "You can now select your seats!", "proceed")
	}
	slog.Info("user admitted", "userID", m.UserID, "eventID", m.EventID)
}

func entryMessageFromValues(values map[string]any) EntryLogMessage {
	var m EntryLogMessage
	if v, ok := values["user_id"].(string); ok {
		m.UserID = v
	}
	if v, ok := values["event_id"].(string); ok {
		m.EventID = v
	}
	if v, ok := values["origin"].(string); ok {
		m.Origin = v
	}
	return m
}
