package booklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bookline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Infrastructure is a bookable resource.
type Infrastructure struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Questions   []Question `json:"questions,omitempty"`
}

type Question struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Kind     string   `json:"kind"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
}

// Booking is a timeslot, available or claimed.
type Booking struct {
	ID               string            `json:"id"`
	InfrastructureID string            `json:"infrastructure_id"`
	Date             string            `json:"date"`
	StartTime        string            `json:"start_time"`
	EndTime          string            `json:"end_time"`
	Status           string            `json:"status"`
	UserID           string            `json:"user_id,omitempty"`
	GuestName        string            `json:"guest_name,omitempty"`
	GuestEmail       string            `json:"guest_email,omitempty"`
	Purpose          string            `json:"purpose,omitempty"`
	Answers          map[string]string `json:"answers,omitempty"`
}

// ReserveInput requests a booking. Guest fields are ignored when the
// client carries credentials.
type ReserveInput struct {
	GuestName  string            `json:"guest_name,omitempty"`
	GuestEmail string            `json:"guest_email,omitempty"`
	Purpose    string            `json:"purpose"`
	Answers    map[string]string `json:"answers,omitempty"`
}

type Reservation struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Booking *Booking `json:"booking,omitempty"`
}

// ActionResult is the body returned by an emailed action link.
type ActionResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Action        string `json:"action,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
	BookingID     string `json:"booking_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Infrastructures lists bookable resources.
func (c *Client) Infrastructures(ctx context.Context) ([]Infrastructure, error) {
	var resp []Infrastructure
	err := c.do(ctx, http.MethodGet, c.apiPath("infrastructures"), nil, &resp)
	return resp, err
}

// AvailableSlots lists open timeslots of an infrastructure.
func (c *Client) AvailableSlots(ctx context.Context, infrastructureID string) ([]Booking, error) {
	var resp struct {
		Items []Booking `json:"items"`
	}
	endpoint := c.apiPath(fmt.Sprintf("infrastructures/%s/timeslots", url.PathEscape(infrastructureID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Reserve requests a booking. A refused reservation returns both the
// decoded body and an *APIError.
func (c *Client) Reserve(ctx context.Context, timeslotID string, in ReserveInput) (Reservation, error) {
	var resp Reservation
	endpoint := c.apiPath(fmt.Sprintf("timeslots/%s/reservations", url.PathEscape(timeslotID)))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// ExecuteAction follows an action link by its parts. Refusals such as an
// already processed booking return the decoded body and an *APIError.
func (c *Client) ExecuteAction(ctx context.Context, action, token string) (ActionResult, error) {
	var resp ActionResult
	endpoint := url.PathEscape(action) + "/" + url.PathEscape(token)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Booking fetches a booking visible to the caller.
func (c *Client) Booking(ctx context.Context, id string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodGet, c.apiPath("bookings/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Approve decides a pending booking; it needs admin credentials.
func (c *Client) Approve(ctx context.Context, id string) (Booking, error) {
	return c.bookingAction(ctx, id, "approve", nil)
}

// Reject decides a pending booking; it needs admin credentials.
func (c *Client) Reject(ctx context.Context, id string) (Booking, error) {
	return c.bookingAction(ctx, id, "reject", nil)
}

// Cancel withdraws a pending or approved booking.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Booking, error) {
	return c.bookingAction(ctx, id, "cancel", map[string]any{"reason": reason})
}

func (c *Client) bookingAction(ctx context.Context, id, action string, body any) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodPost, c.apiPath(fmt.Sprintf("bookings/%s/%s", url.PathEscape(id), action)), body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.apiPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		if out != nil {
			_ = json.Unmarshal(b, out)
		}
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && len(b) > 0 {
		return json.Unmarshal(b, out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
