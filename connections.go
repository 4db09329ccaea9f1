package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrAlreadyConnected = errors.New("user already has a live connection")
	ErrConnClosed       = errors.New("push connection closed")
)

const pushSendTimeout = 2 * time.Second

type pushFrame struct {
	heartbeat bool
	update    StatusUpdate
}

// PushConn is the instance-local half of one user's push channel. The
// terminal transition runs exactly once through closeOnce, no matter which
// of send failure, client close or shutdown fires first.
type PushConn struct {
	UserID  string
	EventID string

	mu     sync.Mutex
	status ConnStatus

	out       chan pushFrame
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(statusAtClose ConnStatus)
}

func NewPushConn(userID, eventID string, onClose func(ConnStatus)) *PushConn {
	return &PushConn{
		UserID:  userID,
		EventID: eventID,
		status:  StatusWaiting,
		out:     make(chan pushFrame, 8),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (c *PushConn) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *PushConn) SetStatus(st ConnStatus) {
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}

// SetStatusIf transitions from→to atomically; the dispatcher uses it so a
// promotion racing a disconnect cannot resurrect a closed connection.
func (c *PushConn) SetStatusIf(from, to ConnStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != from {
		return false
	}
	c.status = to
	return true
}

// Send queues a status frame with a bounded wait. Callers must Close the
// connection on error.
func (c *PushConn) Send(u StatusUpdate) error {
	return c.push(pushFrame{update: u})
}

// Heartbeat queues a content-free frame to surface dead sockets early.
func (c *PushConn) Heartbeat() error {
	return c.push(pushFrame{heartbeat: true})
}

func (c *PushConn) push(f pushFrame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-time.After(pushSendTimeout):
		return ErrConnClosed
	}
}

func (c *PushConn) Frames() <-chan pushFrame { return c.out }
func (c *PushConn) Done() <-chan struct{}    { return c.done }

// Close runs the terminal transition exactly once: snapshot the status,
// wake the writer, then hand off to the registered disconnect handler.
func (c *PushConn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		st := c.status
		c.mu.Unlock()
		close(c.done)
		if c.onClose != nil {
			c.onClose(st)
		}
	})
}

// ConnRegistry holds this instance's live push connections by user.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*PushConn
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{conns: make(map[string]*PushConn)}
}

// Add rejects a second live connection for the same user, for any event.
func (r *ConnRegistry) Add(c *PushConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.UserID]; ok {
		return ErrAlreadyConnected
	}
	r.conns[c.UserID] = c
	metricConnections.Inc()
	return nil
}

// Remove drops the record only if it still maps to this connection, so a
// reconnect that replaced the entry is not clobbered by the old close.
func (r *ConnRegistry) Remove(c *PushConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.UserID]; ok && cur == c {
		delete(r.conns, c.UserID)
		metricConnections.Dec()
	}
}

func (r *ConnRegistry) Get(userID string) (*PushConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *ConnRegistry) All() []*PushConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PushConn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// WaitingByEvent groups local WAITING connections by event for rank pushes.
func (r *ConnRegistry) WaitingByEvent() map[string][]*PushConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]*PushConn)
	for _, c := range r.conns {
		if c.Status() == StatusWaiting {
			out[c.EventID] = append(out[c.EventID], c)
		}
	}
	return out
}

// rankScanLimit bounds how deep the rank pusher reads each waiting log.
// Users beyond it see their rank once the head drains.
const rankScanLimit = 10000

// StatusPusher drives the periodic rank updates and heartbeats for this
// instance's connections.
type StatusPusher struct {
	registry *ConnRegistry
	store    *Store

	rankEvery      time.Duration
	heartbeatEvery time.Duration
}

func NewStatusPusher(registry *ConnRegistry, store *Store, rankEvery, heartbeatEvery time.Duration) *StatusPusher {
	return &StatusPusher{
		registry:       registry,
		store:          store,
		rankEvery:      rankEvery,
		heartbeatEvery: heartbeatEvery,
	}
}

func (p *StatusPusher) Run(ctx context.Context) {
	ranks := time.NewTicker(p.rankEvery)
	beats := time.NewTicker(p.heartbeatEvery)
	defer ranks.Stop()
	defer beats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ranks.C:
			p.pushRanks(ctx)
		case <-beats.C:
			p.pushHeartbeats()
		}
	}
}

func (p *StatusPusher) pushRanks(ctx context.Context) {
	for eventID, conns := range p.registry.WaitingByEvent() {
		entries, err := p.store.WaitingHead(ctx, eventID, rankScanLimit)
		if err != nil {
			slog.Error("store.WaitingHead", "eventID", eventID, "error", err)
			continue
		}
		rankByUser := make(map[string]int, len(entries))
		for i, e := range entries {
			rankByUser[e.UserID] = i + 1
		}
		for _, c := range conns {
			rank, ok := rankByUser[c.UserID]
			if !ok {
				// Promoted (or removed) since the group snapshot; the
				// dispatcher owns this connection now.
				continue
			}
			u := StatusUpdate{Status: StatusWaiting, UserID: c.UserID, EventID: eventID, Rank: rank}
			if err := c.Send(u); err != nil {
				slog.Info("closing connection after rank push failure", "userID", c.UserID, "eventID", eventID)
				c.Close()
			}
		}
	}
}

func (p *StatusPusher) pushHeartbeats() {
	for _, c := range p.registry.All() {
		if err := c.Heartbeat(); err != nil {
			slog.Info("closing connection after heartbeat failure", "userID", c.UserID, "eventID", c.EventID)
			c.Close()
		}
	}
}
