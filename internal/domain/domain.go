package domain

// Timeslot statuses. These strings are persisted as-is.
const (
	StatusAvailable = "available"
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// Token-driven actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Question kinds.
const (
	QuestionText     = "text"
	QuestionNumber   = "number"
	QuestionDropdown = "dropdown"
	QuestionDocument = "document"
)

// IsTerminal reports whether no further transition can leave status.
func IsTerminal(status string) bool {
	return status == StatusRejected || status == StatusCancelled
}

// IsLive reports whether status occupies its time window.
func IsLive(status string) bool {
	return status == StatusAvailable || status == StatusPending || status == StatusApproved
}

type Infrastructure struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Questions   []Question `json:"questions,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
}

type Question struct {
	ID               string   `json:"id"`
	InfrastructureID string   `json:"infrastructure_id"`
	Label            string   `json:"label"`
	Kind             string   `json:"kind" enum:"text,number,dropdown,document"`
	Options          []string `json:"options,omitempty"`
	Required         bool     `json:"required"`
	Position         int      `json:"position"`
}

// Timeslot is one reservable window on one infrastructure. Once claimed it
// doubles as the requester's booking record.
type Timeslot struct {
	ID               string            `json:"id"`
	InfrastructureID string            `json:"infrastructure_id"`
	Date             string            `json:"date" format:"date"`
	StartTime        string            `json:"start_time"`
	EndTime          string            `json:"end_time"`
	Status           string            `json:"status" enum:"available,pending,approved,rejected,cancelled"`
	UserID           *string           `json:"user_id,omitempty"`
	GuestName        *string           `json:"guest_name,omitempty"`
	GuestEmail       *string           `json:"guest_email,omitempty"`
	Purpose          string            `json:"purpose,omitempty"`
	Answers          map[string]string `json:"answers,omitempty"`
	ReservedAt       *string           `json:"reserved_at,omitempty" format:"date-time"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`
}

// IsGuest reports whether the booking was made without an account.
func (t Timeslot) IsGuest() bool {
	return t.GuestEmail != nil && *t.GuestEmail != ""
}

// OwnedBy reports whether actorID is the registered requester.
func (t Timeslot) OwnedBy(actorID string) bool {
	return actorID != "" && t.UserID != nil && *t.UserID == actorID
}

// ContactEmail returns the address status updates go to, if known.
func (t Timeslot) ContactEmail() string {
	if t.GuestEmail != nil {
		return *t.GuestEmail
	}
	return ""
}

type ActionToken struct {
	ID        string  `json:"id"`
	Value     string  `json:"value"`
	BookingID string  `json:"booking_id"`
	Action    string  `json:"action" enum:"approve,reject"`
	Used      bool    `json:"used"`
	UsedAt    *string `json:"used_at,omitempty" format:"date-time"`
	ExpiresAt string  `json:"expires_at" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// StatusUpdate is what the notification dispatcher delivers after a commit.
type StatusUpdate struct {
	Status     string `json:"status"`
	Action     string `json:"action,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ApproveURL string `json:"approve_url,omitempty"`
	RejectURL  string `json:"reject_url,omitempty"`
	OccurredAt string `json:"occurred_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
