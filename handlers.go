package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handlers struct {
	admission *AdmissionService
	locks     *LockService
	seats     *RedisSeatStore
	tokens    *TokenService
	registry  *ConnRegistry
	notifier  Notifier
	scheduler *TaskScheduler
}

// requestUserID trusts the authenticating proxy's header; JWT login is the
// external collaborator here.
func requestUserID(c echo.Context) string {
	if v := c.Request().Header.Get("X-User-ID"); v != "" {
		return v
	}
	return c.QueryParam("user_id")
}

// WaitingRoom opens the long-lived push channel: enqueue, then stream
// status frames until the client goes away or the connection is closed
// from our side.
func (h *Handlers) WaitingRoom(c echo.Context) error {
	eventID := c.Param("eventId")
	userID := requestUserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "user identity required"})
	}

	ctx := c.Request().Context()
	conn, err := h.admission.Connect(ctx, userID, eventID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyConnected):
			return c.JSON(http.StatusConflict, map[string]string{"error": "already waiting or active"})
		case errors.Is(err, ErrMissingField):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			slog.Error(fmt.Sprintf("admission.Connect(%v, %v)", userID, eventID), "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not enter waiting room"})
		}
	}
	defer conn.Close()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)

	// First frame carries the initial rank so the client renders without
	// waiting for the next pusher tick.
	first := StatusUpdate{Status: StatusWaiting, UserID: userID, EventID: eventID}
	if st, err := h.admission.Status(ctx, userID, eventID); err == nil {
		first.Rank = st.Rank
	}
	if err := writeSSE(resp, pushFrame{update: first}); err != nil {
		return nil
	}
	resp.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return nil
		case f := <-conn.Frames():
			if err := writeSSE(resp, f); err != nil {
				conn.Close()
				return nil
			}
			resp.Flush()
		}
	}
}

func writeSSE(w *echo.Response, f pushFrame) error {
	if f.heartbeat {
		_, err := fmt.Fprint(w, ": ping\n\n")
		return err
	}
	data, err := json.Marshal(f.update)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// GetQueueStatus is the one-shot poll fallback for clients that lost the
// push channel.
func (h *Handlers) GetQueueStatus(c echo.Context) error {
	eventID := c.Param("eventId")
	userID := requestUserID(c)

	status, err := h.admission.Status(c.Request().Context(), userID, eventID)
	if err != nil {
		if errors.Is(err, ErrMissingField) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		slog.Error(fmt.Sprintf("admission.Status(%v, %v)", userID, eventID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, status)
}

// SelectSeats locks and reserves every requested seat or none of them. Any
// single contended seat aborts the whole request and releases what this
// call had already taken.
func (h *Handlers) SelectSeats(c echo.Context) error {
	eventID := c.Param("eventId")
	userID := requestUserID(c)

	var req struct {
		SeatIDs []string `json:"seat_ids"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if len(req.SeatIDs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "seat_ids is empty"})
	}

	ctx := c.Request().Context()
	if err := h.tokens.Validate(ctx, c.Request().Header.Get("X-Entry-Token"), userID, eventID); err != nil {
		if errors.Is(err, ErrBadEntryToken) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		}
		slog.Error(fmt.Sprintf("tokens.Validate(%v, %v)", userID, eventID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token check failed"})
	}

	// The holder is now actively purchasing, if their connection lives here.
	if conn, ok := h.registry.Get(userID); ok {
		conn.SetStatusIf(StatusAdmitted, StatusActive)
	}

	owner := uuid.New().String()
	var taken []HeldSeat
	for _, seatID := range req.SeatIDs {
		err := h.locks.Reserve(ctx, userID, eventID, seatID, owner, nil)
		if err != nil {
			for _, held := range taken {
				if relErr := h.locks.ReleaseHeld(ctx, held); relErr != nil {
					slog.Error(fmt.Sprintf("locks.ReleaseHeld(%v, %v)", held.EventID, held.SeatID), "error", relErr)
				}
			}
			switch {
			case errors.Is(err, ErrSeatTaken):
				return c.JSON(http.StatusConflict, map[string]string{"error": "seat unavailable", "seat_id": seatID})
			case errors.Is(err, ErrSeatNotFound):
				return c.JSON(http.StatusNotFound, map[string]string{"error": "seat not found", "seat_id": seatID})
			default:
				slog.Error(fmt.Sprintf("locks.Reserve(%v, %v, %v)", userID, eventID, seatID), "error", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "seat selection failed"})
			}
		}
		taken = append(taken, HeldSeat{UserID: userID, EventID: eventID, SeatID: seatID, Owner: owner})
	}

	return c.JSON(http.StatusOK, map[string]any{"status": "seats locked", "seat_ids": req.SeatIDs})
}

// ReleaseSeats is the explicit abandon path; TTL expiry covers crashes.
func (h *Handlers) ReleaseSeats(c echo.Context) error {
	userID := requestUserID(c)
	ctx := c.Request().Context()

	held, err := h.locks.HeldByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNothingSelected) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		slog.Error(fmt.Sprintf("locks.HeldByUser(%v)", userID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "release failed"})
	}
	for _, hs := range held {
		if err := h.locks.ReleaseHeld(ctx, hs); err != nil {
			slog.Error(fmt.Sprintf("locks.ReleaseHeld(%v, %v)", hs.EventID, hs.SeatID), "error", err)
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "released"})
}

// HeldSeats answers the payment page's "what did I select" question from
// the lock ownership markers.
func (h *Handlers) HeldSeats(c echo.Context) error {
	userID := requestUserID(c)
	ctx := c.Request().Context()

	seatIDs, err := h.locks.SeatIDsByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNothingSelected) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		slog.Error(fmt.Sprintf("locks.SeatIDsByUser(%v)", userID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	}
	eventID, _ := h.locks.EventIDByUser(ctx, userID)
	return c.JSON(http.StatusOK, map[string]any{"event_id": eventID, "seat_ids": seatIDs})
}

// Book commits every seat the caller holds, releases the locks intact, and
// retires the caller's admission slot.
func (h *Handlers) Book(c echo.Context) error {
	eventID := c.Param("eventId")
	userID := requestUserID(c)
	ctx := c.Request().Context()

	if err := h.tokens.Validate(ctx, c.Request().Header.Get("X-Entry-Token"), userID, eventID); err != nil {
		if errors.Is(err, ErrBadEntryToken) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		}
		slog.Error(fmt.Sprintf("tokens.Validate(%v, %v)", userID, eventID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token check failed"})
	}

	held, err := h.locks.HeldByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNothingSelected) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "no seats held; selection may have expired"})
		}
		slog.Error(fmt.Sprintf("locks.HeldByUser(%v)", userID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "booking failed"})
	}

	// Reject before committing anything so a mixed hold never books partially.
	for _, hs := range held {
		if hs.EventID != eventID {
			return c.JSON(http.StatusConflict, map[string]string{"error": "held seats belong to another event"})
		}
	}

	ticketIDs := make([]string, 0, len(held))
	for _, hs := range held {
		ticketID := uuid.New().String()
		if err := h.locks.Commit(ctx, hs, ticketID); err != nil {
			slog.Error(fmt.Sprintf("locks.Commit(%v, %v)", hs.EventID, hs.SeatID), "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "booking failed"})
		}
		ticketIDs = append(ticketIDs, ticketID)
	}

	if h.scheduler != nil {
		h.scheduler.ScheduleNotify(userID, eventID, "Your booking is confirmed!", "booked")
	}

	// Purchase complete: retire the admission slot. If the push connection
	// lives on another instance, its own disconnect does this instead.
	if conn, ok := h.registry.Get(userID); ok {
		conn.Close()
	} else {
		if err := h.tokens.Drop(ctx, userID); err != nil {
			slog.Error(fmt.Sprintf("tokens.Drop(%v)", userID), "error", err)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{"status": "booked", "ticket_ids": ticketIDs})
}

// SeedSeats registers an event's seat map (admin/ops).
func (h *Handlers) SeedSeats(c echo.Context) error {
	eventID := c.Param("eventId")

	var req struct {
		SeatIDs []string `json:"seat_ids"`
	}
	if err := c.Bind(&req); err != nil || len(req.SeatIDs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "seat_ids is empty"})
	}
	if err := h.seats.SeedSeats(c.Request().Context(), eventID, req.SeatIDs); err != nil {
		slog.Error(fmt.Sprintf("seats.SeedSeats(%v)", eventID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "seeded"})
}

// CleanQueue flushes an event's waiting room (admin/ops).
func (h *Handlers) CleanQueue(c echo.Context) error {
	eventID := c.Param("eventId")
	if eventID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "eventID is empty"})
	}
	if err := h.admission.CleanQueue(c.Request().Context(), eventID); err != nil {
		slog.Error(fmt.Sprintf("admission.CleanQueue(%v)", eventID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, "success")
}

func (h *Handlers) QueueStats(c echo.Context) error {
	eventID := c.Param("eventId")
	stats, err := h.admission.Stats(c.Request().Context(), eventID)
	if err != nil {
		slog.Error(fmt.Sprintf("admission.Stats(%v)", eventID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

// GrantNotifyToken hands the client a read-only grant for its notification
// channel.
func (h *Handlers) GrantNotifyToken(c echo.Context) error {
	token, err := h.notifier.GrantToken(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}
