package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"bookline/internal/domain"
	"bookline/internal/events"
	"bookline/internal/repo"
)

const tokenBytes = 32

func newTokenValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// issue creates a token bound to (bookingID, action) inside tx.
func (e Engine) issue(ctx context.Context, tx *sql.Tx, bookingID, action, actorID string) (domain.ActionToken, error) {
	value, err := newTokenValue()
	if err != nil {
		return domain.ActionToken{}, fmt.Errorf("generate token: %w", err)
	}
	now := e.now().UTC()
	tok := domain.ActionToken{
		ID:        uuid.NewString(),
		Value:     value,
		BookingID: bookingID,
		Action:    action,
		ExpiresAt: now.Add(e.Config.TokenTTL()).Format(time.RFC3339),
		CreatedAt: now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertToken(ctx, tx, tok); err != nil {
		return domain.ActionToken{}, txFailure(fmt.Errorf("insert token: %w", err))
	}
	if err := e.eventWriter().Append(ctx, tx, events.TokenIssued, "booking", bookingID, actorID, events.EventPayload{
		"token_id":   tok.ID,
		"action":     action,
		"expires_at": tok.ExpiresAt,
	}); err != nil {
		return domain.ActionToken{}, txFailure(err)
	}
	return tok, nil
}

// expired treats an unparsable expiry as expired.
func (e Engine) expired(tok domain.ActionToken) bool {
	exp, err := time.Parse(time.RFC3339, tok.ExpiresAt)
	if err != nil {
		return true
	}
	return !e.now().Before(exp)
}

// lookup finds a token by value and checks everything except the used
// flag. Not found, expired and action mismatch are indistinguishable.
func (e Engine) lookup(ctx context.Context, tx *sql.Tx, value, action string) (domain.ActionToken, error) {
	if value == "" {
		return domain.ActionToken{}, ErrInvalidOrExpiredToken
	}
	tok, err := e.Repo.GetTokenByValue(ctx, tx, value)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ActionToken{}, ErrInvalidOrExpiredToken
	}
	if err != nil {
		return domain.ActionToken{}, txFailure(err)
	}
	if e.expired(tok) || (action != "" && tok.Action != action) {
		return domain.ActionToken{}, ErrInvalidOrExpiredToken
	}
	return tok, nil
}

// Validate returns the token only if it exists, is unused and unexpired.
func (e Engine) Validate(ctx context.Context, tx *sql.Tx, value string) (domain.ActionToken, error) {
	tok, err := e.lookup(ctx, tx, value, "")
	if err != nil {
		return tok, err
	}
	if tok.Used {
		return domain.ActionToken{}, ErrInvalidOrExpiredToken
	}
	return tok, nil
}

// Consume marks a validated token used. A second consumption means the
// caller skipped validation inside its transaction.
func (e Engine) Consume(ctx context.Context, tx *sql.Tx, tokenID string) error {
	ok, err := e.Repo.MarkTokenUsed(ctx, tx, tokenID, e.stamp())
	if err != nil {
		return txFailure(err)
	}
	if !ok {
		return errTokenAlreadyConsumed
	}
	return nil
}

// IssuedToken pairs a token with the link that carries it.
type IssuedToken struct {
	domain.ActionToken
	URL string `json:"url"`
}

// IssueToken creates a fresh action link for a pending booking.
func (e Engine) IssueToken(ctx context.Context, bookingID, action, actorID string) (IssuedToken, error) {
	action, err := ParseAction(action)
	if err != nil {
		return IssuedToken{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return IssuedToken{}, err
	}
	defer tx.Rollback()
	booking, err := e.getBooking(ctx, tx, bookingID)
	if err != nil {
		return IssuedToken{}, err
	}
	if booking.Status != domain.StatusPending {
		return IssuedToken{}, AlreadyProcessedError{Current: booking.Status}
	}
	tok, err := e.issue(ctx, tx, booking.ID, action, actorID)
	if err != nil {
		return IssuedToken{}, err
	}
	if err := commit(tx); err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{ActionToken: tok, URL: e.ActionURL(action, tok.Value)}, nil
}

// SweepExpired deletes unused tokens past expiry and used tokens older
// than the configured retention.
func (e Engine) SweepExpired(ctx context.Context) (int64, error) {
	ctx, span := e.span(ctx, "engine.SweepExpired")
	now := e.now().UTC()
	n, err := e.Repo.DeleteStaleTokens(ctx, now.Format(time.RFC3339), now.Add(-e.Config.TokenRetention()).Format(time.RFC3339))
	span.SetAttributes(attribute.Int64("tokens.deleted", n))
	endSpan(span, err)
	if err != nil {
		return 0, txFailure(err)
	}
	return n, nil
}

func (e Engine) getBooking(ctx context.Context, tx *sql.Tx, id string) (domain.Timeslot, error) {
	b, err := e.Repo.GetTimeslot(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return b, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	if err != nil {
		return b, txFailure(err)
	}
	return b, nil
}
