package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypePromoterTick   = "promoter:tick"
	TypeSweeperRun     = "sweeper:run"
	TypeNotifyCustomer = "notify:customer"
)

type NotifyCustomerPayload struct {
	UserID  string `json:"user_id"`
	EventID string `json:"event_id"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// TaskScheduler enqueues fire-and-forget background tasks.
type TaskScheduler struct {
	client *asynq.Client
}

func NewTaskScheduler(client *asynq.Client) *TaskScheduler {
	return &TaskScheduler{client: client}
}

func (s *TaskScheduler) ScheduleNotify(userID, eventID, message, msgType string) {
	payload := NotifyCustomerPayload{
		UserID:  userID,
		EventID: eventID,
		Message: message,
		Type:    msgType,
	}
	payloadByte, _ := json.Marshal(payload)
	task := asynq.NewTask(TypeNotifyCustomer, payloadByte)
	if _, err := s.client.Enqueue(task, asynq.Queue("low")); err != nil {
		slog.Error(fmt.Sprintf("asynq.Enqueue(%v)", TypeNotifyCustomer), "error", err)
	}
}

// TaskHandlers binds the asynq task types to their workers.
type TaskHandlers struct {
	promoter *Promoter
	sweeper  *Sweeper
	notifier Notifier
}

func NewTaskHandlers(promoter *Promoter, sweeper *Sweeper, notifier Notifier) *TaskHandlers {
	return &TaskHandlers{promoter: promoter, sweeper: sweeper, notifier: notifier}
}

func (h *TaskHandlers) HandlePromoterTick(ctx context.Context, t *asynq.Task) error {
	return h.promoter.Tick(ctx)
}

func (h *TaskHandlers) HandleSweeperRun(ctx context.Context, t *asynq.Task) error {
	return h.sweeper.Run(ctx)
}

func (h *TaskHandlers) HandleNotifyCustomer(ctx context.Context, t *asynq.Task) error {
	var payload NotifyCustomerPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	msg := NotificationMessage{
		ID:        fmt.Sprintf("n_%d", time.Now().UnixNano()),
		Type:      payload.Type,
		Title:     "Ticket sale",
		Text:      payload.Message,
		Sender:    payload.EventID,
		Timestamp: time.Now(),
	}
	return h.notifier.SendToUser(ctx, payload.UserID, msg)
}
