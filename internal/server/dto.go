package server

import (
	"encoding/json"

	"bookline/internal/config"
	"bookline/internal/domain"
)

// Request payloads

type QuestionRequest struct {
	ID       string   `json:"id,omitempty"`
	Label    string   `json:"label"`
	Kind     string   `json:"kind,omitempty" enum:"text,number,dropdown,document"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required,omitempty"`
}

type CreateInfrastructureRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Questions   []QuestionRequest `json:"questions,omitempty"`
}

type GenerateScheduleRequest struct {
	From     string          `json:"from" format:"date"`
	To       string          `json:"to" format:"date"`
	Weekdays []string        `json:"weekdays,omitempty" example:"[\"mon\",\"wed\"]"`
	Windows  []config.Window `json:"windows,omitempty"`
}

type ReserveRequest struct {
	GuestName  string            `json:"guest_name,omitempty"`
	GuestEmail string            `json:"guest_email,omitempty" format:"email"`
	Purpose    string            `json:"purpose"`
	Answers    map[string]string `json:"answers,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type IssueTokenRequest struct {
	Action string `json:"action" enum:"approve,reject"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

// ActionResponse is the body of the emailed-link endpoint and of
// reservations: a success flag and a message a person can read.
type ActionResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Action        string `json:"action,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
	BookingID     string `json:"booking_id,omitempty"`
}

type ReservationResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Booking *domain.Timeslot `json:"booking,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	IsAdmin bool     `json:"is_admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type timeslotList struct {
	Items []domain.Timeslot `json:"items"`
}

type bookingList struct {
	Items []domain.Timeslot `json:"items"`
}

// Conversion helpers

func questionFromRequest(q QuestionRequest) domain.Question {
	return domain.Question{
		ID:       q.ID,
		Label:    q.Label,
		Kind:     q.Kind,
		Options:  q.Options,
		Required: q.Required,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
