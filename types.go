package main

import (
	"time"
)

// ConnStatus is the lifecycle of one push connection. A connection starts
// WAITING, becomes ADMITTED when the dispatcher delivers an entry token, and
// ACTIVE once the holder starts selecting seats.
type ConnStatus string

const (
	StatusWaiting  ConnStatus = "waiting"
	StatusAdmitted ConnStatus = "admitted"
	StatusActive   ConnStatus = "active"
)

type WaitingEntry struct {
	UserID   string    `json:"user_id"`
	EventID  string    `json:"event_id"`
	Seq      int64     `json:"seq"`
	Origin   string    `json:"origin"`
	StreamID string    `json:"-"`
	JoinedAt time.Time `json:"joined_at"`
}

// EntryLogMessage is one promotion, appended to the global entry log and
// consumed by the dispatcher of the instance named in Origin.
type EntryLogMessage struct {
	UserID  string `json:"user_id"`
	EventID string `json:"event_id"`
	Origin  string `json:"origin"`
}

// StatusUpdate is the push-channel payload. Rank is set while waiting,
// Token once admitted.
type StatusUpdate struct {
	Status  ConnStatus `json:"status"`
	UserID  string     `json:"user_id"`
	EventID string     `json:"event_id"`
	Rank    int        `json:"rank,omitempty"`
	Token   string     `json:"token,omitempty"`
}

type QueueStatus struct {
	Status            ConnStatus `json:"status"`
	Rank              int        `json:"rank"`
	TotalWaiting      int        `json:"total_waiting"`
	EstimatedWaitSecs int        `json:"estimated_wait_seconds"`
}

type Seat struct {
	SeatID    string `json:"seat_id"`
	EventID   string `json:"event_id"`
	Available bool   `json:"available"`
	TicketID  string `json:"ticket_id,omitempty"`
}

type QueueStats struct {
	EventID     string    `json:"event_id"`
	Length      int       `json:"length"`
	Capacity    int64     `json:"capacity_remaining"`
	Ceiling     int64     `json:"capacity_ceiling"`
	OldestEntry time.Time `json:"oldest_entry"`
	NewestEntry time.Time `json:"newest_entry"`
}

type NotificationMessage struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}
