// Package notify delivers booking status updates to requesters and
// administrators. Delivery is best effort: the engine calls a Dispatcher
// only after the transaction that produced the update has committed, and a
// failed send never undoes that transaction.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"bookline/internal/domain"
)

// Dispatcher sends one status update for one booking.
type Dispatcher interface {
	SendBookingStatusUpdate(ctx context.Context, booking domain.Timeslot, infra domain.Infrastructure, update domain.StatusUpdate) error
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, booking domain.Timeslot, infra domain.Infrastructure, update domain.StatusUpdate) error

func (f Func) SendBookingStatusUpdate(ctx context.Context, booking domain.Timeslot, infra domain.Infrastructure, update domain.StatusUpdate) error {
	return f(ctx, booking, infra, update)
}

// Log writes updates to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) SendBookingStatusUpdate(ctx context.Context, booking domain.Timeslot, infra domain.Infrastructure, update domain.StatusUpdate) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"booking_id", booking.ID,
		"infrastructure", infra.Name,
		"date", booking.Date,
		"start", booking.StartTime,
		"end", booking.EndTime,
		"status", update.Status,
	}
	if email := booking.ContactEmail(); email != "" {
		attrs = append(attrs, "to", email)
	}
	if update.ApproveURL != "" {
		attrs = append(attrs, "approve_url", update.ApproveURL, "reject_url", update.RejectURL)
	}
	logger.InfoContext(ctx, "booking status update", attrs...)
	return nil
}

// Multi fans an update out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) SendBookingStatusUpdate(ctx context.Context, booking domain.Timeslot, infra domain.Infrastructure, update domain.StatusUpdate) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.SendBookingStatusUpdate(ctx, booking, infra, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Message is the JSON document published by the AMQP and webhook
// dispatchers.
type Message struct {
	BookingID        string              `json:"booking_id"`
	InfrastructureID string              `json:"infrastructure_id"`
	Infrastructure   string              `json:"infrastructure"`
	Date             string              `json:"date"`
	StartTime        string              `json:"start_time"`
	EndTime          string              `json:"end_time"`
	UserID           string              `json:"user_id,omitempty"`
	GuestName        string              `json:"guest_name,omitempty"`
	GuestEmail       string              `json:"guest_email,omitempty"`
	Purpose          string              `json:"purpose,omitempty"`
	Update           domain.StatusUpdate `json:"update"`
}

// NewMessage flattens a booking update for external consumers.
func NewMessage(booking domain.Timeslot, infra domain.Infrastructure, update domain.StatusUpdate) Message {
	m := Message{
		BookingID:        booking.ID,
		InfrastructureID: booking.InfrastructureID,
		Infrastructure:   infra.Name,
		Date:             booking.Date,
		StartTime:        booking.StartTime,
		EndTime:          booking.EndTime,
		Purpose:          booking.Purpose,
		Update:           update,
	}
	if booking.UserID != nil {
		m.UserID = *booking.UserID
	}
	if booking.GuestName != nil {
		m.GuestName = *booking.GuestName
	}
	if booking.GuestEmail != nil {
		m.GuestEmail = *booking.GuestEmail
	}
	return m
}
