package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bookline/internal/config"
	"bookline/internal/domain"
	"bookline/internal/engine"
	"bookline/internal/engine/auth"
	"bookline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"slot_no_longer_available"`
	Message string         `json:"message" example:"timeslot no longer available"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_status\":\"approved\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope of the /v0 API.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the booking API and the emailed
// action links.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bookline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerInfrastructures(group, cfg.Engine)
	registerTimeslots(group, cfg.Engine, logger)
	registerBookings(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerActionLinks(api, cfg.Engine, logger)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs the matched route pattern rather than the raw path so
// token values never reach the logs.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			logger.LogAttrs(r.Context(), slog.LevelDebug, "request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if current, ok := engine.CurrentStatus(err); ok {
		return newAPIError(http.StatusConflict, "already_processed", err.Error(), map[string]any{"current_status": current})
	}
	msg := err.Error()
	switch {
	case engine.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrSlotNoLongerAvailable):
		return newAPIError(http.StatusConflict, "slot_no_longer_available", msg, nil)
	case errors.Is(err, engine.ErrGuestLimitReached):
		return newAPIError(http.StatusTooManyRequests, "guest_limit_reached", msg, nil)
	case errors.Is(err, engine.ErrInvalidAction):
		return newAPIError(http.StatusBadRequest, "invalid_action", msg, nil)
	case errors.Is(err, engine.ErrInvalidOrExpiredToken):
		return newAPIError(http.StatusBadRequest, "invalid_or_expired_token", msg, nil)
	case errors.Is(err, engine.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrTransactionFailure):
		return newAPIError(http.StatusInternalServerError, "transaction_failed", "transaction failed; retry the request", map[string]any{"retryable": true})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for route, item := range oas.Paths {
		if route == "/{action}/{token}" {
			continue
		}
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for method, op := range map[string]*huma.Operation{
			http.MethodGet: item.Get, http.MethodPost: item.Post, http.MethodPut: item.Put,
			http.MethodDelete: item.Delete, http.MethodPatch: item.Patch,
		} {
			if op == nil {
				continue
			}
			if !strings.HasPrefix(route, basePath+"/") || publicRoute(basePath, method, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bookline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Admin operations need Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerInfrastructures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-infrastructure",
		Method:        http.MethodPost,
		Path:          "/infrastructures",
		Summary:       "Create infrastructure",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateInfrastructureRequest `json:"body"`
	}) (*struct {
		Body domain.Infrastructure `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, err
		}
		opts := engine.InfrastructureOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ActorID:     p.ActorID,
		}
		for _, q := range input.Body.Questions {
			opts.Questions = append(opts.Questions, questionFromRequest(q))
		}
		in, err := e.CreateInfrastructure(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Infrastructure `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-infrastructures",
		Method:      http.MethodGet,
		Path:        "/infrastructures",
		Summary:     "List infrastructures",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Infrastructure `json:"body"`
	}, error) {
		items, err := e.Repo.ListInfrastructures(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Infrastructure `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-infrastructure",
		Method:      http.MethodGet,
		Path:        "/infrastructures/{id}",
		Summary:     "Get infrastructure with its questions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Infrastructure `json:"body"`
	}, error) {
		in, err := e.Repo.GetInfrastructure(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Infrastructure `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-question",
		Method:        http.MethodPost,
		Path:          "/infrastructures/{id}/questions",
		Summary:       "Add a booking question",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body QuestionRequest `json:"body"`
	}) (*struct {
		Body domain.Question `json:"body"`
	}, error) {
		p, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, err
		}
		q, err := e.AddQuestion(ctx, input.ID, questionFromRequest(input.Body), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Question `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-schedule",
		Method:      http.MethodPost,
		Path:        "/infrastructures/{id}/schedule",
		Summary:     "Open timeslots for a date range",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body GenerateScheduleRequest `json:"body"`
	}) (*struct {
		Body engine.ScheduleResult `json:"body"`
	}, error) {
		p, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, err
		}
		opts := engine.ScheduleOptions{
			InfrastructureID: input.ID,
			From:             input.Body.From,
			To:               input.Body.To,
			Windows:          input.Body.Windows,
			ActorID:          p.ActorID,
		}
		for _, name := range input.Body.Weekdays {
			d, ok := config.ParseWeekday(name)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown weekday "+name, nil)
			}
			opts.Weekdays = append(opts.Weekdays, d)
		}
		res, err := e.GenerateSchedule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ScheduleResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-available-timeslots",
		Method:      http.MethodGet,
		Path:        "/infrastructures/{id}/timeslots",
		Summary:     "List available timeslots",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		DateFrom string `query:"date_from" format:"date"`
		DateTo   string `query:"date_to" format:"date"`
		Limit    int    `query:"limit" default:"200"`
	}) (*struct {
		Body timeslotList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetInfrastructure(ctx, nil, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit, 200, 1000)
		resp := timeslotList{Items: []domain.Timeslot{}}
		for slot, err := range e.AvailableSlots(ctx, input.ID) {
			if err != nil {
				return nil, handleError(err)
			}
			if (input.DateFrom != "" && slot.Date < input.DateFrom) || (input.DateTo != "" && slot.Date > input.DateTo) {
				continue
			}
			resp.Items = append(resp.Items, slot)
			if len(resp.Items) == limit {
				break
			}
		}
		return &struct {
			Body timeslotList `json:"body"`
		}{Body: resp}, nil
	})
}

type reservationOutput struct {
	Status int
	Body   ReservationResponse
}

func registerTimeslots(api huma.API, e engine.Engine, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "reserve-timeslot",
		Method:        http.MethodPost,
		Path:          "/timeslots/{id}/reservations",
		Summary:       "Request a booking",
		Description:   "Authenticated callers book as themselves; anonymous callers must give guest_name and guest_email.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ReserveRequest `json:"body"`
	}) (*reservationOutput, error) {
		req := engine.ReserveRequest{
			TimeslotID: input.ID,
			Purpose:    input.Body.Purpose,
			Answers:    input.Body.Answers,
		}
		if p, ok := principalFromContext(ctx); ok {
			req.UserID = p.ActorID
		} else {
			req.GuestName = input.Body.GuestName
			req.GuestEmail = input.Body.GuestEmail
		}
		booking, err := e.Reserve(ctx, req)
		if err == nil {
			return &reservationOutput{Status: http.StatusCreated, Body: ReservationResponse{
				Success: true,
				Message: "Booking request submitted; it is pending approval.",
				Booking: &booking,
			}}, nil
		}
		se := handleError(err)
		if se.GetStatus() >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "reservation failed", "timeslot_id", input.ID, "err", err)
		}
		msg := err.Error()
		if errors.Is(err, engine.ErrInvalidRequest) {
			msg = strings.TrimPrefix(msg, engine.ErrInvalidRequest.Error()+": ")
		}
		if se.GetStatus() >= http.StatusInternalServerError {
			msg = "The booking could not be saved; please try again."
		}
		return &reservationOutput{Status: se.GetStatus(), Body: ReservationResponse{Success: false, Message: msg}}, nil
	})
}

func registerBookings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-bookings",
		Method:      http.MethodGet,
		Path:        "/bookings",
		Summary:     "List bookings",
		Description: "Admins see every booking; other callers see their own.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status           string `query:"status" enum:"pending,approved,rejected,cancelled"`
		InfrastructureID string `query:"infrastructure_id"`
		GuestEmail       string `query:"guest_email"`
		DateFrom         string `query:"date_from" format:"date"`
		DateTo           string `query:"date_to" format:"date"`
		Limit            int    `query:"limit" default:"50"`
	}) (*struct {
		Body bookingList `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.TimeslotFilters{
			InfrastructureID: input.InfrastructureID,
			Status:           input.Status,
			GuestEmail:       input.GuestEmail,
			DateFrom:         input.DateFrom,
			DateTo:           input.DateTo,
			Limit:            normalizeLimit(input.Limit, 50, 500),
		}
		if !isAdmin(ctx, e, p) {
			f.UserID = p.ActorID
			f.GuestEmail = ""
		}
		items, err := e.ListBookings(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body bookingList `json:"body"`
		}{Body: bookingList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-booking",
		Method:      http.MethodGet,
		Path:        "/bookings/{id}",
		Summary:     "Get booking",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Timeslot `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.GetBooking(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !b.OwnedBy(p.ActorID) && !isAdmin(ctx, e, p) {
			return nil, handleError(auth.ForbiddenError{Permission: "booking.read"})
		}
		return &struct {
			Body domain.Timeslot `json:"body"`
		}{Body: b}, nil
	})

	for _, action := range []string{domain.ActionApprove, domain.ActionReject} {
		huma.Register(api, huma.Operation{
			OperationID: action + "-booking",
			Method:      http.MethodPost,
			Path:        "/bookings/{id}/" + action,
			Summary:     strings.ToUpper(action[:1]) + action[1:] + " a pending booking",
			Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body domain.Timeslot `json:"body"`
		}, error) {
			p, err := requireAdmin(ctx, e)
			if err != nil {
				return nil, err
			}
			b, err := e.Decide(ctx, input.ID, action, p.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Timeslot `json:"body"`
			}{Body: b}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "cancel-booking",
		Method:      http.MethodPost,
		Path:        "/bookings/{id}/cancel",
		Summary:     "Cancel a pending or approved booking",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body CancelRequest `json:"body"`
	}) (*struct {
		Body domain.Timeslot `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Cancel(ctx, input.ID, engine.CancelOptions{
			ActorID: p.ActorID,
			IsAdmin: isAdmin(ctx, e, p),
			Reason:  input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Timeslot `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-action-token",
		Method:        http.MethodPost,
		Path:          "/bookings/{id}/tokens",
		Summary:       "Issue a new action link",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body IssueTokenRequest `json:"body"`
	}) (*struct {
		Body engine.IssuedToken `json:"body"`
	}, error) {
		p, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, err
		}
		tok, err := e.IssueToken(ctx, input.ID, input.Body.Action, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IssuedToken `json:"body"`
		}{Body: tok}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"infrastructure,booking"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit, 50, 200)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := p.Roles
		if len(roles) == 0 {
			roles, _ = e.Repo.ActorRoles(ctx, nil, p.ActorID)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: p.ActorID,
			Roles:   nonNilSlice(roles),
			IsAdmin: isAdmin(ctx, e, p),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in, def, max int) int {
	if in <= 0 {
		return def
	}
	if in > max {
		return max
	}
	return in
}
