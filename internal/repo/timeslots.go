package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"bookline/internal/domain"
)

const timeslotColumns = `id,infrastructure_id,date,start_time,end_time,status,user_id,guest_name,guest_email,COALESCE(purpose,''),answers_json,reserved_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimeslot(row rowScanner) (domain.Timeslot, error) {
	var t domain.Timeslot
	var userID, guestName, guestEmail, answers, reservedAt sql.NullString
	err := row.Scan(&t.ID, &t.InfrastructureID, &t.Date, &t.StartTime, &t.EndTime, &t.Status,
		&userID, &guestName, &guestEmail, &t.Purpose, &answers, &reservedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.UserID = optional(userID)
	t.GuestName = optional(guestName)
	t.GuestEmail = optional(guestEmail)
	t.ReservedAt = optional(reservedAt)
	if answers.Valid && answers.String != "" {
		if err := json.Unmarshal([]byte(answers.String), &t.Answers); err != nil {
			return t, fmt.Errorf("timeslot %s answers: %w", t.ID, err)
		}
	}
	return t, nil
}

// InsertTimeslot adds an available slot. It reports false when a live
// record already holds the same window.
func (r Repo) InsertTimeslot(ctx context.Context, tx *sql.Tx, t domain.Timeslot) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO timeslots(id,infrastructure_id,date,start_time,end_time,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.InfrastructureID, t.Date, t.StartTime, t.EndTime, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetTimeslot(ctx context.Context, tx *sql.Tx, id string) (domain.Timeslot, error) {
	t, err := scanTimeslot(r.on(tx).QueryRowContext(ctx, `SELECT `+timeslotColumns+` FROM timeslots WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("timeslot %s: %w", id, ErrNotFound)
	}
	return t, err
}

// Claim carries the requester data written when a slot becomes pending.
type Claim struct {
	UserID     string
	GuestName  string
	GuestEmail string
	Purpose    string
	Answers    map[string]string
	At         string
}

// ClaimTimeslot moves an available slot to pending in one conditional
// update. It reports false when the slot was not available.
func (r Repo) ClaimTimeslot(ctx context.Context, tx *sql.Tx, id string, c Claim) (bool, error) {
	var answers any
	if len(c.Answers) > 0 {
		b, err := json.Marshal(c.Answers)
		if err != nil {
			return false, err
		}
		answers = string(b)
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE timeslots
SET status='pending', user_id=?, guest_name=?, guest_email=?, purpose=?, answers_json=?, reserved_at=?, updated_at=?
WHERE id=? AND status='available'`,
		nullable(c.UserID), nullable(c.GuestName), nullable(c.GuestEmail), nullable(c.Purpose), answers, c.At, c.At, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetTimeslotStatus changes status only if the row still has status from.
func (r Repo) SetTimeslotStatus(ctx context.Context, tx *sql.Tx, id, from, to, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE timeslots SET status=?, updated_at=? WHERE id=? AND status=?`, to, at, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseWindow makes the window of t reservable again by inserting a fresh
// available record. It reports false when a live record already exists.
func (r Repo) ReleaseWindow(ctx context.Context, tx *sql.Tx, t domain.Timeslot, newID, at string) (bool, error) {
	return r.InsertTimeslot(ctx, tx, domain.Timeslot{
		ID:               newID,
		InfrastructureID: t.InfrastructureID,
		Date:             t.Date,
		StartTime:        t.StartTime,
		EndTime:          t.EndTime,
		Status:           domain.StatusAvailable,
		CreatedAt:        at,
		UpdatedAt:        at,
	})
}

// CountGuestPending counts pending bookings for a guest email reserved in
// the half-open range [from, to).
func (r Repo) CountGuestPending(ctx context.Context, tx *sql.Tx, email, from, to string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT count(*) FROM timeslots WHERE guest_email=? AND status='pending' AND reserved_at>=? AND reserved_at<?`,
		email, from, to).Scan(&n)
	return n, err
}

// AvailableTimeslots streams available slots of an infrastructure ordered by
// date and start time. Each range over the sequence runs a fresh query.
func (r Repo) AvailableTimeslots(ctx context.Context, infrastructureID string) iter.Seq2[domain.Timeslot, error] {
	return func(yield func(domain.Timeslot, error) bool) {
		rows, err := r.DB.QueryContext(ctx, `SELECT `+timeslotColumns+` FROM timeslots WHERE infrastructure_id=? AND status='available' ORDER BY date, start_time, id`, infrastructureID)
		if err != nil {
			yield(domain.Timeslot{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTimeslot(rows)
			if !yield(t, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Timeslot{}, err)
		}
	}
}

type TimeslotFilters struct {
	InfrastructureID string
	Status           string
	UserID           string
	GuestEmail       string
	DateFrom         string
	DateTo           string
	// ExcludeAvailable drops unbooked slots before the limit applies.
	ExcludeAvailable bool
	Limit            int
}

func (r Repo) ListTimeslots(ctx context.Context, f TimeslotFilters) ([]domain.Timeslot, error) {
	var clauses []string
	var args []any
	if f.InfrastructureID != "" {
		clauses = append(clauses, "infrastructure_id=?")
		args = append(args, f.InfrastructureID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ExcludeAvailable {
		clauses = append(clauses, "status<>'available'")
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.GuestEmail != "" {
		clauses = append(clauses, "guest_email=?")
		args = append(args, strings.ToLower(f.GuestEmail))
	}
	if f.DateFrom != "" {
		clauses = append(clauses, "date>=?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, "date<=?")
		args = append(args, f.DateTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + timeslotColumns + ` FROM timeslots ` + where + ` ORDER BY date, start_time, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Timeslot
	for rows.Next() {
		t, err := scanTimeslot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountByStatus summarizes an infrastructure's slots.
func (r Repo) CountByStatus(ctx context.Context, infrastructureID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM timeslots WHERE infrastructure_id=? GROUP BY status`, infrastructureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
