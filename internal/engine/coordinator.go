package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"bookline/internal/domain"
	"bookline/internal/events"
)

// linkActor is recorded as the actor of transitions made through emailed
// links.
const linkActor = "action-link"

// Outcome describes what an action request did to its booking.
type Outcome struct {
	BookingID        string `json:"booking_id"`
	Action           string `json:"action"`
	Status           string `json:"status"`
	AlreadyProcessed bool   `json:"already_processed"`
}

// Execute performs the action authorized by an emailed token. Token
// validation, the state check, the transition and token consumption run in
// one transaction; the notification is sent only after it commits.
//
// A booking that already left pending yields an Outcome with
// AlreadyProcessed set together with an AlreadyProcessedError. When the
// token was still unused it is consumed and that consumption is committed.
func (e Engine) Execute(ctx context.Context, tokenValue, urlAction string) (out Outcome, err error) {
	ctx, span := e.span(ctx, "engine.Execute", attribute.String("booking.action", urlAction))
	defer func() {
		span.SetAttributes(attribute.String("booking.id", out.BookingID), attribute.String("booking.status", out.Status))
		endSpan(span, err)
	}()
	action, err := ParseAction(urlAction)
	if err != nil {
		return Outcome{}, err
	}
	booking, update, out, err := e.execute(ctx, tokenValue, action)
	if err != nil {
		return out, err
	}
	e.dispatch(ctx, booking, update)
	return out, nil
}

func (e Engine) execute(ctx context.Context, tokenValue, action string) (domain.Timeslot, domain.StatusUpdate, Outcome, error) {
	var update domain.StatusUpdate
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Timeslot{}, update, Outcome{}, err
	}
	defer tx.Rollback()

	tok, err := e.lookup(ctx, tx, tokenValue, action)
	if err != nil {
		return domain.Timeslot{}, update, Outcome{}, err
	}
	booking, err := e.getBooking(ctx, tx, tok.BookingID)
	if err != nil {
		return domain.Timeslot{}, update, Outcome{}, err
	}
	out := Outcome{BookingID: booking.ID, Action: action, Status: booking.Status}

	if tok.Used {
		// A replayed link reports the decision it lost to, nothing is written.
		// This tells an anonymous caller the token once existed; accepted so
		// the approver sees why their second click did nothing.
		if booking.Status == domain.StatusPending {
			return booking, update, Outcome{}, ErrInvalidOrExpiredToken
		}
		out.AlreadyProcessed = true
		return booking, update, out, AlreadyProcessedError{Current: booking.Status}
	}

	if err := e.Consume(ctx, tx, tok.ID); err != nil {
		return booking, update, Outcome{}, err
	}
	at := e.stamp()
	to, err := nextStatus(booking.Status, action)
	var ape AlreadyProcessedError
	if errors.As(err, &ape) {
		if err := e.eventWriter().Append(ctx, tx, events.TokenConsumed, "booking", booking.ID, linkActor, events.EventPayload{
			"token_id": tok.ID,
			"action":   action,
			"result":   "already_processed",
			"status":   booking.Status,
		}); err != nil {
			return booking, update, Outcome{}, txFailure(err)
		}
		if err := commit(tx); err != nil {
			return booking, update, Outcome{}, err
		}
		out.AlreadyProcessed = true
		return booking, update, out, ape
	}
	if err != nil {
		return booking, update, Outcome{}, err
	}

	from := booking.Status
	booking, err = e.transition(ctx, tx, booking, to, at)
	if err != nil {
		return booking, update, Outcome{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.TokenConsumed, "booking", booking.ID, linkActor, events.EventPayload{
		"token_id": tok.ID,
		"action":   action,
		"result":   to,
	}); err != nil {
		return booking, update, Outcome{}, txFailure(err)
	}
	if err := e.eventWriter().Append(ctx, tx, statusEvent(to), "booking", booking.ID, linkActor, events.EventPayload{
		"from": from,
		"to":   to,
		"via":  "token",
	}); err != nil {
		return booking, update, Outcome{}, txFailure(err)
	}
	if err := commit(tx); err != nil {
		return booking, update, Outcome{}, err
	}
	out.Status = to
	update = domain.StatusUpdate{Status: to, Action: action, ActorID: linkActor, OccurredAt: at}
	return booking, update, out, nil
}

func statusEvent(status string) string {
	switch status {
	case domain.StatusPending:
		return events.BookingRequested
	case domain.StatusApproved:
		return events.BookingApproved
	case domain.StatusRejected:
		return events.BookingRejected
	case domain.StatusCancelled:
		return events.BookingCancelled
	}
	return "booking." + status
}
