package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAction         = errors.New("invalid action")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrBookingNotFound       = errors.New("booking not found")
	ErrAlreadyProcessed      = errors.New("booking already processed")
	ErrSlotNoLongerAvailable = errors.New("timeslot no longer available")
	ErrGuestLimitReached     = errors.New("guest booking limit reached for today")
	ErrTransactionFailure    = errors.New("transaction failed")
	ErrInvalidRequest        = errors.New("invalid request")

	errTokenAlreadyConsumed = errors.New("token consumed twice")
)

// AlreadyProcessedError reports that a booking has left the state an action
// requires. It is an expected outcome, not a fault.
type AlreadyProcessedError struct {
	Current string
}

func (e AlreadyProcessedError) Error() string {
	return fmt.Sprintf("booking already processed (status %s)", e.Current)
}

func (e AlreadyProcessedError) Is(target error) bool {
	return target == ErrAlreadyProcessed
}

// CurrentStatus extracts the status carried by an AlreadyProcessedError.
func CurrentStatus(err error) (string, bool) {
	var ape AlreadyProcessedError
	if errors.As(err, &ape) {
		return ape.Current, true
	}
	return "", false
}

func txFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransactionFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransactionFailure, err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
