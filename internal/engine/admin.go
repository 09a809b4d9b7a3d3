package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"bookline/internal/domain"
	"bookline/internal/engine/auth"
	"bookline/internal/events"
	"bookline/internal/repo"
)

type InfrastructureOptions struct {
	ID          string
	Name        string
	Description string
	Questions   []domain.Question
	ActorID     string
}

func (e Engine) CreateInfrastructure(ctx context.Context, opts InfrastructureOptions) (domain.Infrastructure, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Infrastructure{}, invalidf("name is required")
	}
	in := domain.Infrastructure{
		ID:          opts.ID,
		Name:        name,
		Description: strings.TrimSpace(opts.Description),
		CreatedAt:   e.stamp(),
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Infrastructure{}, err
	}
	defer tx.Rollback()
	taken, err := e.Repo.InfrastructureNameTaken(ctx, tx, in.Name)
	if err != nil {
		return domain.Infrastructure{}, txFailure(err)
	}
	if taken {
		return domain.Infrastructure{}, invalidf("infrastructure %q already exists", in.Name)
	}
	if err := e.Repo.InsertInfrastructure(ctx, tx, in); err != nil {
		return domain.Infrastructure{}, txFailure(fmt.Errorf("insert infrastructure: %w", err))
	}
	for i, q := range opts.Questions {
		q.InfrastructureID = in.ID
		if q.Position == 0 {
			q.Position = i + 1
		}
		nq, err := normalizeQuestion(q)
		if err != nil {
			return domain.Infrastructure{}, err
		}
		if err := e.Repo.InsertQuestion(ctx, tx, nq); err != nil {
			return domain.Infrastructure{}, txFailure(fmt.Errorf("insert question: %w", err))
		}
		in.Questions = append(in.Questions, nq)
	}
	if err := e.eventWriter().Append(ctx, tx, events.InfrastructureCreated, "infrastructure", in.ID, opts.ActorID, events.EventPayload{
		"name":      in.Name,
		"questions": len(in.Questions),
	}); err != nil {
		return domain.Infrastructure{}, txFailure(err)
	}
	if err := commit(tx); err != nil {
		return domain.Infrastructure{}, err
	}
	return in, nil
}

func normalizeQuestion(q domain.Question) (domain.Question, error) {
	q.Label = strings.TrimSpace(q.Label)
	if q.Label == "" {
		return q, invalidf("question label is required")
	}
	if q.Kind == "" {
		q.Kind = domain.QuestionText
	}
	switch q.Kind {
	case domain.QuestionText, domain.QuestionNumber, domain.QuestionDocument:
		q.Options = nil
	case domain.QuestionDropdown:
		if len(q.Options) == 0 {
			return q, invalidf("dropdown question %q needs options", q.Label)
		}
	default:
		return q, invalidf("unknown question kind %s", q.Kind)
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return q, nil
}

// AddQuestion appends a question to an infrastructure.
func (e Engine) AddQuestion(ctx context.Context, infrastructureID string, q domain.Question, actorID string) (domain.Question, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()
	in, err := e.Repo.GetInfrastructure(ctx, tx, infrastructureID)
	if err != nil {
		return q, err
	}
	q.InfrastructureID = in.ID
	if q.Position == 0 {
		q.Position = len(in.Questions) + 1
	}
	q, err = normalizeQuestion(q)
	if err != nil {
		return q, err
	}
	if err := e.Repo.InsertQuestion(ctx, tx, q); err != nil {
		return q, txFailure(fmt.Errorf("insert question: %w", err))
	}
	if err := e.eventWriter().Append(ctx, tx, events.InfrastructureUpdated, "infrastructure", in.ID, actorID, events.EventPayload{
		"question_id": q.ID,
		"label":       q.Label,
	}); err != nil {
		return q, txFailure(err)
	}
	return q, commit(tx)
}

func (e Engine) GetBooking(ctx context.Context, id string) (domain.Timeslot, error) {
	return e.getBooking(ctx, nil, id)
}

func (e Engine) ListBookings(ctx context.Context, f repo.TimeslotFilters) ([]domain.Timeslot, error) {
	if f.Status == domain.StatusAvailable {
		return nil, invalidf("available slots are not bookings")
	}
	if f.Status == "" {
		f.ExcludeAvailable = true
	}
	return e.Repo.ListTimeslots(ctx, f)
}

// Decide applies an approve or reject made by an authenticated admin. It
// goes through the same transition table as emailed links and retires any
// outstanding links of the booking.
func (e Engine) Decide(ctx context.Context, bookingID, action, actorID string) (booking domain.Timeslot, err error) {
	ctx, span := e.span(ctx, "engine.Decide", attribute.String("booking.id", bookingID), attribute.String("booking.action", action))
	defer func() { endSpan(span, err) }()
	action, err = ParseAction(action)
	if err != nil {
		return domain.Timeslot{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Timeslot{}, err
	}
	defer tx.Rollback()
	booking, err = e.getBooking(ctx, tx, bookingID)
	if err != nil {
		return domain.Timeslot{}, err
	}
	to, err := nextStatus(booking.Status, action)
	if err != nil {
		return booking, err
	}
	from := booking.Status
	at := e.stamp()
	booking, err = e.transition(ctx, tx, booking, to, at)
	if err != nil {
		return booking, err
	}
	if err := e.eventWriter().Append(ctx, tx, statusEvent(to), "booking", booking.ID, actorID, events.EventPayload{
		"from": from,
		"to":   to,
		"via":  "admin",
	}); err != nil {
		return domain.Timeslot{}, txFailure(err)
	}
	if err := commit(tx); err != nil {
		return domain.Timeslot{}, err
	}
	e.dispatch(ctx, booking, domain.StatusUpdate{Status: to, Action: action, ActorID: actorID, OccurredAt: at})
	return booking, nil
}

type CancelOptions struct {
	ActorID string
	IsAdmin bool
	Reason  string
}

// Cancel withdraws a pending or approved booking. Only its owner or an
// admin may cancel it; the window becomes reservable again.
func (e Engine) Cancel(ctx context.Context, bookingID string, opts CancelOptions) (booking domain.Timeslot, err error) {
	ctx, span := e.span(ctx, "engine.Cancel", attribute.String("booking.id", bookingID))
	defer func() { endSpan(span, err) }()
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Timeslot{}, err
	}
	defer tx.Rollback()
	booking, err = e.getBooking(ctx, tx, bookingID)
	if err != nil {
		return domain.Timeslot{}, err
	}
	if !opts.IsAdmin && !booking.OwnedBy(opts.ActorID) {
		return domain.Timeslot{}, auth.ForbiddenError{Permission: "booking.cancel"}
	}
	if err := ensureCancellable(booking.Status); err != nil {
		return booking, err
	}
	from := booking.Status
	at := e.stamp()
	booking, err = e.transition(ctx, tx, booking, domain.StatusCancelled, at)
	if err != nil {
		return booking, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.BookingCancelled, "booking", booking.ID, opts.ActorID, events.EventPayload{
		"from":   from,
		"reason": opts.Reason,
	}); err != nil {
		return domain.Timeslot{}, txFailure(err)
	}
	if err := commit(tx); err != nil {
		return domain.Timeslot{}, err
	}
	e.dispatch(ctx, booking, domain.StatusUpdate{Status: domain.StatusCancelled, ActorID: opts.ActorID, Reason: opts.Reason, OccurredAt: at})
	return booking, nil
}

// IsNotFound reports whether err means a referenced record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, ErrBookingNotFound)
}
