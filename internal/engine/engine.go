package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bookline/internal/config"
	"bookline/internal/domain"
	"bookline/internal/engine/auth"
	"bookline/internal/events"
	"bookline/internal/notify"
	"bookline/internal/repo"
)

var tracer = otel.Tracer("bookline/internal/engine")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Notifier notify.Dispatcher
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// begin opens a write transaction. Every write transaction acquires the
// database lock up front, so concurrent writers run one after the other.
func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, txFailure(err)
	}
	return tx, nil
}

func commit(tx *sql.Tx) error {
	return txFailure(tx.Commit())
}

func (e Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err unless it is an expected business outcome.
func endSpan(span trace.Span, err error) {
	if err != nil && !isExpected(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isExpected(err error) bool {
	for _, target := range []error{ErrAlreadyProcessed, ErrSlotNoLongerAvailable, ErrGuestLimitReached, ErrInvalidOrExpiredToken, ErrInvalidAction, ErrInvalidRequest} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// dispatch hands a committed status change to the notifier. Failures are
// logged and never surface to the caller.
func (e Engine) dispatch(ctx context.Context, booking domain.Timeslot, update domain.StatusUpdate) {
	if e.Notifier == nil {
		return
	}
	log := e.logger().With("booking_id", booking.ID, "status", update.Status)
	infra, err := e.Repo.GetInfrastructure(ctx, nil, booking.InfrastructureID)
	if err != nil {
		log.WarnContext(ctx, "notification skipped: load infrastructure", "err", err)
		return
	}
	if err := e.Notifier.SendBookingStatusUpdate(ctx, booking, infra, update); err != nil {
		log.ErrorContext(ctx, "notification failed", "err", err)
	}
}

// ActionURL builds the emailed link for a token.
func (e Engine) ActionURL(action, token string) string {
	base := "http://127.0.0.1:8080"
	if e.Config != nil && e.Config.Links.BaseURL != "" {
		base = e.Config.Links.BaseURL
	}
	return strings.TrimRight(base, "/") + "/" + action + "/" + token
}
