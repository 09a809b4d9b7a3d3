package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"bookline/internal/domain"
	"bookline/internal/engine"
)

type actionOutput struct {
	Status int
	Body   ActionResponse
}

// registerActionLinks serves the URLs sent in notification emails. The
// handler always answers with an ActionResponse, never the API error
// envelope, since the reader is a person following a link.
func registerActionLinks(api huma.API, e engine.Engine, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-action-link",
		Method:      http.MethodGet,
		Path:        "/{action}/{token}",
		Summary:     "Approve or reject a booking from an emailed link",
		Tags:        []string{"links"},
	}, func(ctx context.Context, input *struct {
		Action string `path:"action" doc:"approve or reject"`
		Token  string `path:"token"`
	}) (*actionOutput, error) {
		out, err := e.Execute(ctx, input.Token, input.Action)
		status, body := actionResult(out, err)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "action link failed", "action", input.Action, "err", err)
		}
		return &actionOutput{Status: status, Body: body}, nil
	})
}

func actionResult(out engine.Outcome, err error) (int, ActionResponse) {
	if err == nil {
		msg := "Booking approved."
		if out.Action == domain.ActionReject {
			msg = "Booking rejected."
		}
		return http.StatusOK, ActionResponse{
			Success:       true,
			Message:       msg,
			Action:        out.Action,
			CurrentStatus: out.Status,
			BookingID:     out.BookingID,
		}
	}
	if current, ok := engine.CurrentStatus(err); ok {
		return http.StatusBadRequest, ActionResponse{
			Message:       "This booking has already been processed.",
			CurrentStatus: current,
			BookingID:     out.BookingID,
		}
	}
	switch {
	case errors.Is(err, engine.ErrInvalidAction):
		return http.StatusBadRequest, ActionResponse{Message: "Invalid action."}
	case errors.Is(err, engine.ErrInvalidOrExpiredToken):
		return http.StatusBadRequest, ActionResponse{Message: "This link is invalid or has expired."}
	case errors.Is(err, engine.ErrBookingNotFound):
		return http.StatusNotFound, ActionResponse{Message: "Booking not found."}
	}
	return http.StatusInternalServerError, ActionResponse{Message: "The request could not be completed; please try again."}
}
