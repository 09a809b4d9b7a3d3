package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"bookline/internal/domain"
)

// ParseAction accepts only the token-driven actions.
func ParseAction(action string) (string, error) {
	switch action {
	case domain.ActionApprove, domain.ActionReject:
		return action, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
}

// nextStatus is the transition table for token-driven actions. Only a
// pending booking can be decided; every other state is already processed.
func nextStatus(current, action string) (string, error) {
	if current != domain.StatusPending {
		return "", AlreadyProcessedError{Current: current}
	}
	switch action {
	case domain.ActionApprove:
		return domain.StatusApproved, nil
	case domain.ActionReject:
		return domain.StatusRejected, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
}

func ensureCancellable(current string) error {
	switch current {
	case domain.StatusPending, domain.StatusApproved:
		return nil
	}
	return AlreadyProcessedError{Current: current}
}

// releasesSlot reports whether entering status gives the window back.
func releasesSlot(status string) bool {
	return status == domain.StatusRejected || status == domain.StatusCancelled
}

// transition moves booking from its current status to `to` inside tx and
// applies the release side effect. The conditional update makes a stale
// read lose rather than overwrite.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, booking domain.Timeslot, to, at string) (domain.Timeslot, error) {
	ok, err := e.Repo.SetTimeslotStatus(ctx, tx, booking.ID, booking.Status, to, at)
	if err != nil {
		return booking, txFailure(err)
	}
	if !ok {
		current, err := e.Repo.GetTimeslot(ctx, tx, booking.ID)
		if err != nil {
			return booking, txFailure(err)
		}
		return current, AlreadyProcessedError{Current: current.Status}
	}
	if releasesSlot(to) {
		if _, err := e.Repo.ReleaseWindow(ctx, tx, booking, uuid.NewString(), at); err != nil {
			return booking, txFailure(fmt.Errorf("release window: %w", err))
		}
	}
	if _, err := e.Repo.InvalidateBookingTokens(ctx, tx, booking.ID, at); err != nil {
		return booking, txFailure(err)
	}
	booking.Status = to
	booking.UpdatedAt = at
	return booking, nil
}
