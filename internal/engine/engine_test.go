package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bookline/internal/config"
	"bookline/internal/db"
	"bookline/internal/domain"
	"bookline/internal/engine"
	"bookline/internal/engine/auth"
	"bookline/internal/migrate"
	"bookline/internal/repo"
)

type recorder struct {
	mu      sync.Mutex
	updates []domain.StatusUpdate
	fail    error
}

func (r *recorder) SendBookingStatusUpdate(_ context.Context, _ domain.Timeslot, _ domain.Infrastructure, update domain.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return r.fail
}

func (r *recorder) count(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.Status == status {
			n++
		}
	}
	return n
}

func (r *recorder) last() domain.StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return domain.StatusUpdate{}
	}
	return r.updates[len(r.updates)-1]
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Infra  domain.Infrastructure
	Sent   *recorder
	clock  *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvBusy(t, 0)
}

func newTestEnvBusy(t *testing.T, busy time.Duration) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), BusyTimeout: busy})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("site-1"))
	// Monday 2026-03-02, 08:00 UTC.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := &now
	eng.Now = func() time.Time { return *clock }
	rec := &recorder{}
	eng.Notifier = rec
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	infra, err := eng.CreateInfrastructure(ctx, engine.InfrastructureOptions{Name: "Microscope", ActorID: "admin"})
	if err != nil {
		t.Fatalf("create infrastructure: %v", err)
	}
	res, err := eng.GenerateSchedule(ctx, engine.ScheduleOptions{InfrastructureID: infra.ID, From: "2026-03-02", To: "2026-03-03", ActorID: "admin"})
	if err != nil {
		t.Fatalf("generate schedule: %v", err)
	}
	if res.Created != 12 {
		t.Fatalf("expected 12 slots, got %d", res.Created)
	}
	return testEnv{Engine: eng, Ctx: ctx, Infra: infra, Sent: rec, clock: clock}
}

func (env testEnv) slots(t *testing.T) []domain.Timeslot {
	t.Helper()
	slots, err := env.Engine.ListAvailable(env.Ctx, env.Infra.ID)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	return slots
}

func (env testEnv) reserveGuest(t *testing.T, slotID, email string) domain.Timeslot {
	t.Helper()
	b, err := env.Engine.Reserve(env.Ctx, engine.ReserveRequest{
		TimeslotID: slotID,
		GuestName:  "Guest",
		GuestEmail: email,
		Purpose:    "imaging",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return b
}

func (env testEnv) token(t *testing.T, bookingID, action string) domain.ActionToken {
	t.Helper()
	toks, err := env.Engine.Repo.ListTokens(env.Ctx, nil, bookingID)
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	for _, tok := range toks {
		if tok.Action == action {
			return tok
		}
	}
	t.Fatalf("no %s token for %s", action, bookingID)
	return domain.ActionToken{}
}

func (env testEnv) status(t *testing.T, id string) string {
	t.Helper()
	b, err := env.Engine.GetBooking(env.Ctx, id)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	return b.Status
}

func TestReserveIssuesTokenPairAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	slot := env.slots(t)[0]
	b := env.reserveGuest(t, slot.ID, "Ada@Example.org")
	if b.Status != domain.StatusPending || b.ContactEmail() != "ada@example.org" {
		t.Fatalf("unexpected booking %+v", b)
	}
	approve := env.token(t, b.ID, domain.ActionApprove)
	reject := env.token(t, b.ID, domain.ActionReject)
	if approve.Value == reject.Value || len(approve.Value) < 40 {
		t.Fatalf("weak tokens %q %q", approve.Value, reject.Value)
	}
	if approve.ExpiresAt != "2026-03-05T08:00:00Z" {
		t.Fatalf("unexpected expiry %s", approve.ExpiresAt)
	}
	u := env.Sent.last()
	if u.Status != domain.StatusPending {
		t.Fatalf("expected pending notification, got %+v", u)
	}
	if u.ApproveURL != "http://127.0.0.1:8080/approve/"+approve.Value || u.RejectURL != "http://127.0.0.1:8080/reject/"+reject.Value {
		t.Fatalf("unexpected links %s %s", u.ApproveURL, u.RejectURL)
	}
	if got := len(env.slots(t)); got != 11 {
		t.Fatalf("expected 11 available, got %d", got)
	}
}

// Booking pending, approve link used once, then replayed.
func TestApproveThenReplay(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	tok := env.token(t, b.ID, domain.ActionApprove)

	out, err := env.Engine.Execute(env.Ctx, tok.Value, domain.ActionApprove)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != domain.StatusApproved || out.AlreadyProcessed || out.Action != domain.ActionApprove {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := env.status(t, b.ID); got != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", got)
	}
	if !env.token(t, b.ID, domain.ActionApprove).Used {
		t.Fatalf("approve token should be used")
	}
	if !env.token(t, b.ID, domain.ActionReject).Used {
		t.Fatalf("sibling reject token should be retired")
	}
	if env.Sent.count(domain.StatusApproved) != 1 {
		t.Fatalf("expected one approved notification")
	}

	out, err = env.Engine.Execute(env.Ctx, tok.Value, domain.ActionApprove)
	if !errors.Is(err, engine.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	if cur, ok := engine.CurrentStatus(err); !ok || cur != domain.StatusApproved {
		t.Fatalf("expected current status approved, got %q", cur)
	}
	if !out.AlreadyProcessed || out.Status != domain.StatusApproved {
		t.Fatalf("unexpected replay outcome %+v", out)
	}
	if env.Sent.count(domain.StatusApproved) != 1 {
		t.Fatalf("replay must not notify again")
	}
}

// Booking already approved, an unused reject link arrives.
func TestRejectLinkOnApprovedBooking(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	if ok, err := env.Engine.Repo.SetTimeslotStatus(env.Ctx, nil, b.ID, domain.StatusPending, domain.StatusApproved, "2026-03-02T08:00:00Z"); err != nil || !ok {
		t.Fatalf("approve directly: %v %v", ok, err)
	}
	tok := env.token(t, b.ID, domain.ActionReject)
	if tok.Used {
		t.Fatalf("reject token should still be unused")
	}
	out, err := env.Engine.Execute(env.Ctx, tok.Value, domain.ActionReject)
	var ape engine.AlreadyProcessedError
	if !errors.As(err, &ape) || ape.Current != domain.StatusApproved {
		t.Fatalf("expected already processed (approved), got %v", err)
	}
	if !out.AlreadyProcessed {
		t.Fatalf("outcome should report already processed")
	}
	if !env.token(t, b.ID, domain.ActionReject).Used {
		t.Fatalf("token must be consumed even though nothing changed")
	}
	if got := env.status(t, b.ID); got != domain.StatusApproved {
		t.Fatalf("booking must stay approved, got %s", got)
	}
	if env.Sent.count(domain.StatusRejected) != 0 {
		t.Fatalf("no rejection must be notified")
	}
}

func TestConcurrentExecuteSingleTransition(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	tok := env.token(t, b.ID, domain.ActionApprove)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Execute(env.Ctx, tok.Value, domain.ActionApprove)
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrAlreadyProcessed), errors.Is(err, engine.ErrInvalidOrExpiredToken):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one transition, got %d", wins)
	}
	if env.Sent.count(domain.StatusApproved) != 1 {
		t.Fatalf("expected one approved notification, got %d", env.Sent.count(domain.StatusApproved))
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	slot := env.slots(t)[0]
	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Reserve(env.Ctx, engine.ReserveRequest{
				TimeslotID: slot.ID,
				UserID:     "user-" + string(rune('a'+i)),
				Purpose:    "imaging",
			})
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrSlotNoLongerAvailable):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one reservation, got %d", wins)
	}
}

func TestRejectionFreesSlot(t *testing.T) {
	env := newTestEnv(t)
	slot := env.slots(t)[0]
	b := env.reserveGuest(t, slot.ID, "ada@example.org")
	if got := len(env.slots(t)); got != 11 {
		t.Fatalf("expected 11 available, got %d", got)
	}
	out, err := env.Engine.Execute(env.Ctx, env.token(t, b.ID, domain.ActionReject).Value, domain.ActionReject)
	if err != nil || out.Status != domain.StatusRejected {
		t.Fatalf("reject: %+v %v", out, err)
	}
	slots := env.slots(t)
	if len(slots) != 12 {
		t.Fatalf("expected 12 available after reject, got %d", len(slots))
	}
	found := false
	for _, s := range slots {
		if s.Date == slot.Date && s.StartTime == slot.StartTime && s.EndTime == slot.EndTime {
			found = s.ID != b.ID
		}
	}
	if !found {
		t.Fatalf("released window not re-listed")
	}
	if got := env.status(t, b.ID); got != domain.StatusRejected {
		t.Fatalf("booking keeps its history, got %s", got)
	}
}

func TestCancelChecksOwnerAndReleases(t *testing.T) {
	env := newTestEnv(t)
	slot := env.slots(t)[0]
	b, err := env.Engine.Reserve(env.Ctx, engine.ReserveRequest{TimeslotID: slot.ID, UserID: "alice", Purpose: "imaging"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err = env.Engine.Cancel(env.Ctx, b.ID, engine.CancelOptions{ActorID: "mallory"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	b, err = env.Engine.Cancel(env.Ctx, b.ID, engine.CancelOptions{ActorID: "alice", Reason: "plans changed"})
	if err != nil || b.Status != domain.StatusCancelled {
		t.Fatalf("cancel: %+v %v", b, err)
	}
	if got := len(env.slots(t)); got != 12 {
		t.Fatalf("expected slot released, got %d available", got)
	}
	if u := env.Sent.last(); u.Status != domain.StatusCancelled || u.Reason != "plans changed" {
		t.Fatalf("unexpected notification %+v", u)
	}
	_, err = env.Engine.Cancel(env.Ctx, b.ID, engine.CancelOptions{ActorID: "root", IsAdmin: true})
	if cur, ok := engine.CurrentStatus(err); !ok || cur != domain.StatusCancelled {
		t.Fatalf("expected already processed, got %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, env.token(t, b.ID, domain.ActionApprove).Value, domain.ActionApprove)
	if !errors.Is(err, engine.ErrAlreadyProcessed) {
		t.Fatalf("link after cancel should report already processed, got %v", err)
	}
}

func TestCancelApprovedByAdmin(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	if _, err := env.Engine.Decide(env.Ctx, b.ID, domain.ActionApprove, "root"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	b, err := env.Engine.Cancel(env.Ctx, b.ID, engine.CancelOptions{ActorID: "root", IsAdmin: true})
	if err != nil || b.Status != domain.StatusCancelled {
		t.Fatalf("cancel approved: %+v %v", b, err)
	}
}

func TestGuestDailyLimit(t *testing.T) {
	env := newTestEnv(t)
	slots := env.slots(t)
	env.reserveGuest(t, slots[0].ID, "ada@example.org")
	_, err := env.Engine.Reserve(env.Ctx, engine.ReserveRequest{TimeslotID: slots[1].ID, GuestName: "Ada", GuestEmail: "ADA@example.org", Purpose: "again"})
	if !errors.Is(err, engine.ErrGuestLimitReached) {
		t.Fatalf("expected guest limit, got %v", err)
	}
	env.reserveGuest(t, slots[1].ID, "grace@example.org")
	env.advance(24 * time.Hour)
	env.reserveGuest(t, slots[2].ID, "ada@example.org")
}

func TestGuestDailyLimitConcurrent(t *testing.T) {
	env := newTestEnv(t)
	slots := env.slots(t)
	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Reserve(env.Ctx, engine.ReserveRequest{
				TimeslotID: slots[i].ID,
				GuestName:  "Ada",
				GuestEmail: "ada@example.org",
				Purpose:    "imaging",
			})
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrGuestLimitReached):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one guest booking, got %d", wins)
	}
}

func TestTokenActionMismatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	tok := env.token(t, b.ID, domain.ActionApprove)
	_, err := env.Engine.Execute(env.Ctx, tok.Value, domain.ActionReject)
	if !errors.Is(err, engine.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if env.token(t, b.ID, domain.ActionApprove).Used {
		t.Fatalf("mismatched action must not consume the token")
	}
	if got := env.status(t, b.ID); got != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
}

func TestExpiredAndUnknownTokens(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	tok := env.token(t, b.ID, domain.ActionApprove)
	if _, err := env.Engine.Execute(env.Ctx, "no-such-token", domain.ActionApprove); !errors.Is(err, engine.ErrInvalidOrExpiredToken) {
		t.Fatalf("unknown token: %v", err)
	}
	if _, err := env.Engine.Execute(env.Ctx, tok.Value, "delete"); !errors.Is(err, engine.ErrInvalidAction) {
		t.Fatalf("expected invalid action, got %v", err)
	}
	env.advance(73 * time.Hour)
	if _, err := env.Engine.Execute(env.Ctx, tok.Value, domain.ActionApprove); !errors.Is(err, engine.ErrInvalidOrExpiredToken) {
		t.Fatalf("expired token: %v", err)
	}
	if got := env.status(t, b.ID); got != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
}

func TestDecideRetiresLinks(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	approve := env.token(t, b.ID, domain.ActionApprove)
	b, err := env.Engine.Decide(env.Ctx, b.ID, domain.ActionReject, "root")
	if err != nil || b.Status != domain.StatusRejected {
		t.Fatalf("decide: %+v %v", b, err)
	}
	if _, err := env.Engine.Decide(env.Ctx, b.ID, domain.ActionApprove, "root"); !errors.Is(err, engine.ErrAlreadyProcessed) {
		t.Fatalf("second decision: %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, approve.Value, domain.ActionApprove)
	if cur, ok := engine.CurrentStatus(err); !ok || cur != domain.StatusRejected {
		t.Fatalf("link after decision: %v", err)
	}
	if _, err := env.Engine.Decide(env.Ctx, "missing", domain.ActionApprove, "root"); !errors.Is(err, engine.ErrBookingNotFound) {
		t.Fatalf("expected booking not found, got %v", err)
	}
}

func TestNotificationFailureKeepsTransition(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	env.Sent.fail = errors.New("smtp down")
	out, err := env.Engine.Execute(env.Ctx, env.token(t, b.ID, domain.ActionApprove).Value, domain.ActionApprove)
	if err != nil || out.Status != domain.StatusApproved {
		t.Fatalf("execute: %+v %v", out, err)
	}
	if got := env.status(t, b.ID); got != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", got)
	}
}

func TestReserveValidation(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Engine.AddQuestion(env.Ctx, env.Infra.ID, domain.Question{
		Label:    "Sample type",
		Kind:     domain.QuestionDropdown,
		Options:  []string{"cells", "tissue"},
		Required: true,
	}, "admin")
	if err != nil {
		t.Fatalf("add question: %v", err)
	}
	slot := env.slots(t)[0]
	cases := []engine.ReserveRequest{
		{TimeslotID: slot.ID, Purpose: "x", Answers: map[string]string{q.ID: "cells"}},
		{TimeslotID: slot.ID, UserID: "alice", GuestEmail: "a@example.org", Purpose: "x", Answers: map[string]string{q.ID: "cells"}},
		{TimeslotID: slot.ID, GuestName: "A", GuestEmail: "not-an-email", Purpose: "x", Answers: map[string]string{q.ID: "cells"}},
		{TimeslotID: slot.ID, UserID: "alice", Answers: map[string]string{q.ID: "cells"}},
		{TimeslotID: slot.ID, UserID: "alice", Purpose: "x"},
		{TimeslotID: slot.ID, UserID: "alice", Purpose: "x", Answers: map[string]string{q.ID: "rocks"}},
		{TimeslotID: slot.ID, UserID: "alice", Purpose: "x", Answers: map[string]string{q.ID: "cells", "other": "1"}},
	}
	for i, req := range cases {
		if _, err := env.Engine.Reserve(env.Ctx, req); !errors.Is(err, engine.ErrInvalidRequest) {
			t.Fatalf("case %d: expected invalid request, got %v", i, err)
		}
	}
	if _, err := env.Engine.Reserve(env.Ctx, engine.ReserveRequest{TimeslotID: "missing", UserID: "alice", Purpose: "x"}); !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	b, err := env.Engine.Reserve(env.Ctx, engine.ReserveRequest{TimeslotID: slot.ID, UserID: "alice", Purpose: "x", Answers: map[string]string{q.ID: "cells"}})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if b.Answers[q.ID] != "cells" || !b.OwnedBy("alice") {
		t.Fatalf("unexpected booking %+v", b)
	}
	if _, err := env.Engine.Reserve(env.Ctx, engine.ReserveRequest{TimeslotID: slot.ID, UserID: "bob", Purpose: "x", Answers: map[string]string{q.ID: "cells"}}); !errors.Is(err, engine.ErrSlotNoLongerAvailable) {
		t.Fatalf("expected slot taken, got %v", err)
	}
}

func TestAvailableSlotsRestartable(t *testing.T) {
	env := newTestEnv(t)
	seq := env.Engine.AvailableSlots(env.Ctx, env.Infra.ID)
	count := func() int {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("iterate: %v", err)
			}
			n++
		}
		return n
	}
	if a, b := count(), count(); a != 12 || b != 12 {
		t.Fatalf("expected 12 twice, got %d and %d", a, b)
	}
	var first domain.Timeslot
	for s, err := range seq {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		first = s
		break
	}
	if first.Date != "2026-03-02" || first.StartTime != "09:00" {
		t.Fatalf("unexpected order, first slot %s %s", first.Date, first.StartTime)
	}
}

func TestGenerateScheduleSkipsExisting(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.GenerateSchedule(env.Ctx, engine.ScheduleOptions{InfrastructureID: env.Infra.ID, From: "2026-03-01", To: "2026-03-03"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Created != 0 || res.Skipped != 12 {
		t.Fatalf("expected sunday skipped and weekdays existing, got %+v", res)
	}
	_, err = env.Engine.GenerateSchedule(env.Ctx, engine.ScheduleOptions{InfrastructureID: env.Infra.ID, From: "2026-03-03", To: "2026-03-01"})
	if !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid range, got %v", err)
	}
	res, err = env.Engine.GenerateSchedule(env.Ctx, engine.ScheduleOptions{
		InfrastructureID: env.Infra.ID,
		From:             "2026-03-07",
		To:               "2026-03-07",
		Weekdays:         []time.Weekday{time.Saturday},
		Windows:          []config.Window{{Start: "10:00", End: "12:00"}},
	})
	if err != nil || res.Created != 1 {
		t.Fatalf("custom window: %+v %v", res, err)
	}
}

func TestIssueTokenAndSweep(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	issued, err := env.Engine.IssueToken(env.Ctx, b.ID, domain.ActionApprove, "root")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.URL != "http://127.0.0.1:8080/approve/"+issued.Value {
		t.Fatalf("unexpected url %s", issued.URL)
	}
	if _, err := env.Engine.Execute(env.Ctx, issued.Value, domain.ActionApprove); err != nil {
		t.Fatalf("execute reissued: %v", err)
	}
	if _, err := env.Engine.IssueToken(env.Ctx, b.ID, domain.ActionReject, "root"); !errors.Is(err, engine.ErrAlreadyProcessed) {
		t.Fatalf("issue on decided booking: %v", err)
	}

	other := env.reserveGuest(t, env.slots(t)[0].ID, "grace@example.org")
	env.advance(73 * time.Hour)
	n, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected the 2 expired unused tokens swept, got %d", n)
	}
	left, err := env.Engine.Repo.ListTokens(env.Ctx, nil, other.ID)
	if err != nil || len(left) != 0 {
		t.Fatalf("expected no tokens left for %s: %v %v", other.ID, left, err)
	}
	env.advance(31 * 24 * time.Hour)
	n, err = env.Engine.SweepExpired(env.Ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 used tokens past retention, got %d %v", n, err)
	}
}

func TestListBookings(t *testing.T) {
	env := newTestEnv(t)
	slots := env.slots(t)
	env.reserveGuest(t, slots[0].ID, "ada@example.org")
	env.reserveGuest(t, slots[1].ID, "grace@example.org")
	all, err := env.Engine.ListBookings(env.Ctx, repo.TimeslotFilters{InfrastructureID: env.Infra.ID})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 bookings, got %d %v", len(all), err)
	}
	mine, err := env.Engine.ListBookings(env.Ctx, repo.TimeslotFilters{GuestEmail: "GRACE@example.org"})
	if err != nil || len(mine) != 1 {
		t.Fatalf("expected 1 booking for grace, got %d %v", len(mine), err)
	}
	if _, err := env.Engine.ListBookings(env.Ctx, repo.TimeslotFilters{Status: domain.StatusAvailable}); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for available filter, got %v", err)
	}
}

func TestListBookingsLimitSkipsUnbookedSlots(t *testing.T) {
	env := newTestEnv(t)
	slots := env.slots(t)
	late := []string{slots[len(slots)-2].ID, slots[len(slots)-1].ID}
	env.reserveGuest(t, late[0], "ada@example.org")
	env.reserveGuest(t, late[1], "grace@example.org")

	got, err := env.Engine.ListBookings(env.Ctx, repo.TimeslotFilters{InfrastructureID: env.Infra.ID, Limit: 5})
	if err != nil {
		t.Fatalf("list bookings: %v", err)
	}
	if len(got) != 2 || got[0].ID != late[0] || got[1].ID != late[1] {
		t.Fatalf("expected the two late bookings, got %+v", got)
	}
	one, err := env.Engine.ListBookings(env.Ctx, repo.TimeslotFilters{InfrastructureID: env.Infra.ID, Limit: 1})
	if err != nil || len(one) != 1 || one[0].ID != late[0] {
		t.Fatalf("expected first late booking, got %+v %v", one, err)
	}
}

func TestLockedStoreRollsBackExecute(t *testing.T) {
	env := newTestEnvBusy(t, 200*time.Millisecond)
	b := env.reserveGuest(t, env.slots(t)[0].ID, "ada@example.org")
	tok := env.token(t, b.ID, domain.ActionApprove)

	holder, err := env.Engine.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("hold write lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(env.Ctx, 300*time.Millisecond)
	_, err = env.Engine.Execute(ctx, tok.Value, domain.ActionApprove)
	cancel()
	if err := holder.Rollback(); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if !errors.Is(err, engine.ErrTransactionFailure) {
		t.Fatalf("expected retryable transaction failure, got %v", err)
	}
	if got := env.status(t, b.ID); got != domain.StatusPending {
		t.Fatalf("expected pending after failed execute, got %s", got)
	}
	if env.token(t, b.ID, domain.ActionApprove).Used {
		t.Fatalf("token must stay unused after failed execute")
	}
	if env.Sent.count(domain.StatusApproved) != 0 {
		t.Fatalf("no notification expected for a failed execute")
	}

	out, err := env.Engine.Execute(env.Ctx, tok.Value, domain.ActionApprove)
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if out.Status != domain.StatusApproved {
		t.Fatalf("expected approved on retry, got %+v", out)
	}
}

func TestCreateInfrastructureDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateInfrastructure(env.Ctx, engine.InfrastructureOptions{Name: " Microscope ", ActorID: "admin"})
	if !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for duplicate name, got %v", err)
	}
	if _, err := env.Engine.CreateInfrastructure(env.Ctx, engine.InfrastructureOptions{Name: "Centrifuge", ActorID: "admin"}); err != nil {
		t.Fatalf("create second infrastructure: %v", err)
	}
}
