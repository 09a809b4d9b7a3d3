package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bookline/internal/domain"
)

const tokenColumns = `id,value,booking_id,action,used,used_at,expires_at,created_at`

func scanToken(row rowScanner) (domain.ActionToken, error) {
	var t domain.ActionToken
	var used int
	var usedAt sql.NullString
	if err := row.Scan(&t.ID, &t.Value, &t.BookingID, &t.Action, &used, &usedAt, &t.ExpiresAt, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Used = used != 0
	t.UsedAt = optional(usedAt)
	return t, nil
}

func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.ActionToken) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO action_tokens(id,value,booking_id,action,used,used_at,expires_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Value, t.BookingID, t.Action, boolInt(t.Used), nullableStringPtr(t.UsedAt), t.ExpiresAt, t.CreatedAt)
	return err
}

func (r Repo) GetTokenByValue(ctx context.Context, tx *sql.Tx, value string) (domain.ActionToken, error) {
	t, err := scanToken(r.on(tx).QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM action_tokens WHERE value=?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("token: %w", ErrNotFound)
	}
	return t, err
}

// MarkTokenUsed flips the used flag of an unused token. It reports false
// when the token was already used.
func (r Repo) MarkTokenUsed(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE action_tokens SET used=1, used_at=? WHERE id=? AND used=0`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// InvalidateBookingTokens marks every unused token of a booking as used.
func (r Repo) InvalidateBookingTokens(ctx context.Context, tx *sql.Tx, bookingID, at string) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE action_tokens SET used=1, used_at=? WHERE booking_id=? AND used=0`, at, bookingID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListTokens(ctx context.Context, tx *sql.Tx, bookingID string) ([]domain.ActionToken, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+tokenColumns+` FROM action_tokens WHERE booking_id=? ORDER BY created_at, id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DeleteStaleTokens removes unused tokens that expired before now and used
// tokens consumed before usedBefore.
func (r Repo) DeleteStaleTokens(ctx context.Context, now, usedBefore string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM action_tokens WHERE (used=0 AND expires_at<=?) OR (used=1 AND used_at<?)`, now, usedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
