package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"bookline/internal/config"
	"bookline/internal/domain"
	"bookline/internal/events"
	"bookline/internal/repo"
)

// AvailableSlots lazily yields the reservable slots of an infrastructure in
// date and start order. Ranging over it again re-reads the store.
func (e Engine) AvailableSlots(ctx context.Context, infrastructureID string) iter.Seq2[domain.Timeslot, error] {
	return e.Repo.AvailableTimeslots(ctx, infrastructureID)
}

func (e Engine) ListAvailable(ctx context.Context, infrastructureID string) ([]domain.Timeslot, error) {
	if _, err := e.Repo.GetInfrastructure(ctx, nil, infrastructureID); err != nil {
		return nil, err
	}
	var res []domain.Timeslot
	for slot, err := range e.AvailableSlots(ctx, infrastructureID) {
		if err != nil {
			return nil, err
		}
		res = append(res, slot)
	}
	return res, nil
}

// ReserveRequest identifies the requester by UserID or by guest name and
// email, never both.
type ReserveRequest struct {
	TimeslotID string
	UserID     string
	GuestName  string
	GuestEmail string
	Purpose    string
	Answers    map[string]string
}

func (r *ReserveRequest) normalize(guestsAllowed bool) error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.GuestName = strings.TrimSpace(r.GuestName)
	r.GuestEmail = strings.ToLower(strings.TrimSpace(r.GuestEmail))
	r.Purpose = strings.TrimSpace(r.Purpose)
	if r.TimeslotID == "" {
		return invalidf("timeslot id is required")
	}
	switch {
	case r.UserID != "" && (r.GuestName != "" || r.GuestEmail != ""):
		return invalidf("a booking is made either by a user or by a guest")
	case r.UserID == "":
		if !guestsAllowed {
			return invalidf("guest bookings are disabled")
		}
		if r.GuestName == "" || r.GuestEmail == "" {
			return invalidf("guest name and email are required")
		}
		addr, err := mail.ParseAddress(r.GuestEmail)
		if err != nil || addr.Address != r.GuestEmail {
			return invalidf("guest email %q is not valid", r.GuestEmail)
		}
	}
	if r.Purpose == "" {
		return invalidf("purpose is required")
	}
	return nil
}

func validateAnswers(questions []domain.Question, answers map[string]string) error {
	known := make(map[string]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
		v := strings.TrimSpace(answers[q.ID])
		if v == "" {
			if q.Required {
				return invalidf("answer to %q is required", q.Label)
			}
			continue
		}
		switch q.Kind {
		case domain.QuestionNumber:
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return invalidf("answer to %q must be a number", q.Label)
			}
		case domain.QuestionDropdown:
			if !slices.Contains(q.Options, v) {
				return invalidf("answer to %q must be one of %s", q.Label, strings.Join(q.Options, ", "))
			}
		}
	}
	for id := range answers {
		if !known[id] {
			return invalidf("unknown question %s", id)
		}
	}
	return nil
}

// dayBounds returns the UTC range of the calendar day containing now in the
// site timezone.
func (e Engine) dayBounds() (string, string) {
	loc := e.Config.Location()
	now := e.now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)
}

// Reserve claims an available slot for a requester. Exactly one of any
// number of concurrent calls for the same slot succeeds; the others get
// ErrSlotNoLongerAvailable. The guest daily limit is checked in the same
// transaction as the claim.
func (e Engine) Reserve(ctx context.Context, req ReserveRequest) (booking domain.Timeslot, err error) {
	ctx, span := e.span(ctx, "engine.Reserve", attribute.String("timeslot.id", req.TimeslotID))
	defer func() { endSpan(span, err) }()
	if err := req.normalize(e.Config.GuestsAllowed()); err != nil {
		return domain.Timeslot{}, err
	}
	span.SetAttributes(attribute.Bool("booking.guest", req.UserID == ""))

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Timeslot{}, err
	}
	defer tx.Rollback()

	slot, err := e.Repo.GetTimeslot(ctx, tx, req.TimeslotID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Timeslot{}, err
	}
	if err != nil {
		return domain.Timeslot{}, txFailure(err)
	}
	if slot.Status != domain.StatusAvailable {
		return domain.Timeslot{}, ErrSlotNoLongerAvailable
	}
	infra, err := e.Repo.GetInfrastructure(ctx, tx, slot.InfrastructureID)
	if err != nil {
		return domain.Timeslot{}, txFailure(err)
	}
	if err := validateAnswers(infra.Questions, req.Answers); err != nil {
		return domain.Timeslot{}, err
	}

	at := e.stamp()
	if req.UserID == "" {
		from, to := e.dayBounds()
		n, err := e.Repo.CountGuestPending(ctx, tx, req.GuestEmail, from, to)
		if err != nil {
			return domain.Timeslot{}, txFailure(err)
		}
		if n >= e.Config.GuestDailyLimit() {
			return domain.Timeslot{}, ErrGuestLimitReached
		}
	} else if err := e.Repo.EnsureActor(ctx, tx, req.UserID, at); err != nil {
		return domain.Timeslot{}, txFailure(err)
	}

	ok, err := e.Repo.ClaimTimeslot(ctx, tx, slot.ID, repo.Claim{
		UserID:     req.UserID,
		GuestName:  req.GuestName,
		GuestEmail: req.GuestEmail,
		Purpose:    req.Purpose,
		Answers:    req.Answers,
		At:         at,
	})
	if err != nil {
		return domain.Timeslot{}, txFailure(err)
	}
	if !ok {
		return domain.Timeslot{}, ErrSlotNoLongerAvailable
	}
	actor := req.UserID
	if actor == "" {
		actor = "guest:" + req.GuestEmail
	}
	approve, err := e.issue(ctx, tx, slot.ID, domain.ActionApprove, actor)
	if err != nil {
		return domain.Timeslot{}, err
	}
	reject, err := e.issue(ctx, tx, slot.ID, domain.ActionReject, actor)
	if err != nil {
		return domain.Timeslot{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.BookingRequested, "booking", slot.ID, actor, events.EventPayload{
		"infrastructure_id": slot.InfrastructureID,
		"date":              slot.Date,
		"start_time":        slot.StartTime,
		"end_time":          slot.EndTime,
		"guest":             req.UserID == "",
	}); err != nil {
		return domain.Timeslot{}, txFailure(err)
	}
	booking, err = e.Repo.GetTimeslot(ctx, tx, slot.ID)
	if err != nil {
		return domain.Timeslot{}, txFailure(err)
	}
	if err := commit(tx); err != nil {
		return domain.Timeslot{}, err
	}

	e.dispatch(ctx, booking, domain.StatusUpdate{
		Status:     domain.StatusPending,
		ActorID:    actor,
		ApproveURL: e.ActionURL(domain.ActionApprove, approve.Value),
		RejectURL:  e.ActionURL(domain.ActionReject, reject.Value),
		OccurredAt: at,
	})
	return booking, nil
}

// ScheduleOptions selects the days and windows to open. Empty Weekdays or
// Windows fall back to the configured schedule.
type ScheduleOptions struct {
	InfrastructureID string
	From             string
	To               string
	Weekdays         []time.Weekday
	Windows          []config.Window
	ActorID          string
}

type ScheduleResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

const maxScheduleDays = 366

// GenerateSchedule creates available slots for every selected day and
// window in [From, To]. Windows that already hold a live record are
// skipped, so running it twice is harmless.
func (e Engine) GenerateSchedule(ctx context.Context, opts ScheduleOptions) (res ScheduleResult, err error) {
	ctx, span := e.span(ctx, "engine.GenerateSchedule", attribute.String("infrastructure.id", opts.InfrastructureID))
	defer func() { endSpan(span, err) }()
	from, err := time.Parse(time.DateOnly, opts.From)
	if err != nil {
		return res, invalidf("from date %q must be YYYY-MM-DD", opts.From)
	}
	to, err := time.Parse(time.DateOnly, opts.To)
	if err != nil {
		return res, invalidf("to date %q must be YYYY-MM-DD", opts.To)
	}
	if to.Before(from) {
		return res, invalidf("to date is before from date")
	}
	if to.Sub(from) > maxScheduleDays*24*time.Hour {
		return res, invalidf("schedule range is limited to %d days", maxScheduleDays)
	}
	weekdays := opts.Weekdays
	if len(weekdays) == 0 {
		weekdays = e.Config.Weekdays()
	}
	windows := opts.Windows
	if len(windows) == 0 && e.Config != nil {
		windows = e.Config.Schedule.Windows
	}
	if len(windows) == 0 {
		return res, invalidf("no schedule windows configured")
	}
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return res, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetInfrastructure(ctx, tx, opts.InfrastructureID); err != nil {
		return res, err
	}
	at := e.stamp()
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if !slices.Contains(weekdays, day.Weekday()) {
			continue
		}
		for _, w := range windows {
			ok, err := e.Repo.InsertTimeslot(ctx, tx, domain.Timeslot{
				ID:               uuid.NewString(),
				InfrastructureID: opts.InfrastructureID,
				Date:             day.Format(time.DateOnly),
				StartTime:        w.Start,
				EndTime:          w.End,
				Status:           domain.StatusAvailable,
				CreatedAt:        at,
				UpdatedAt:        at,
			})
			if err != nil {
				return res, txFailure(err)
			}
			if ok {
				res.Created++
			} else {
				res.Skipped++
			}
		}
	}
	if err := e.eventWriter().Append(ctx, tx, events.ScheduleGenerated, "infrastructure", opts.InfrastructureID, opts.ActorID, events.EventPayload{
		"from":    opts.From,
		"to":      opts.To,
		"created": res.Created,
		"skipped": res.Skipped,
	}); err != nil {
		return res, txFailure(err)
	}
	if err := commit(tx); err != nil {
		return ScheduleResult{}, err
	}
	return res, nil
}
