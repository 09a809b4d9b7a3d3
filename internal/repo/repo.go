package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bookline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on picks the transaction when one is given, the pool otherwise.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertInfrastructure(ctx context.Context, tx *sql.Tx, in domain.Infrastructure) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO infrastructures(id,name,description,created_at) VALUES (?,?,?,?)`,
		in.ID, in.Name, nullable(in.Description), in.CreatedAt)
	return err
}

// InfrastructureNameTaken reports whether another infrastructure uses name.
func (r Repo) InfrastructureNameTaken(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT count(*) FROM infrastructures WHERE name=?`, name).Scan(&n)
	return n > 0, err
}

func (r Repo) GetInfrastructure(ctx context.Context, tx *sql.Tx, id string) (domain.Infrastructure, error) {
	var in domain.Infrastructure
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM infrastructures WHERE id=?`, id).
		Scan(&in.ID, &in.Name, &in.Description, &in.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return in, fmt.Errorf("infrastructure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return in, err
	}
	in.Questions, err = r.ListQuestions(ctx, tx, id)
	return in, err
}

func (r Repo) ListInfrastructures(ctx context.Context) ([]domain.Infrastructure, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM infrastructures ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Infrastructure
	for rows.Next() {
		var in domain.Infrastructure
		if err := rows.Scan(&in.ID, &in.Name, &in.Description, &in.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) InsertQuestion(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	var opts any
	if len(q.Options) > 0 {
		b, err := json.Marshal(q.Options)
		if err != nil {
			return err
		}
		opts = string(b)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO questions(id,infrastructure_id,label,kind,options_json,required,position) VALUES (?,?,?,?,?,?,?)`,
		q.ID, q.InfrastructureID, q.Label, q.Kind, opts, boolInt(q.Required), q.Position)
	return err
}

func (r Repo) ListQuestions(ctx context.Context, tx *sql.Tx, infrastructureID string) ([]domain.Question, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,infrastructure_id,label,kind,options_json,required,position FROM questions WHERE infrastructure_id=? ORDER BY position, id`, infrastructureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		var q domain.Question
		var opts sql.NullString
		var required int
		if err := rows.Scan(&q.ID, &q.InfrastructureID, &q.Label, &q.Kind, &opts, &required, &q.Position); err != nil {
			return nil, err
		}
		q.Required = required != 0
		if opts.Valid && opts.String != "" {
			if err := json.Unmarshal([]byte(opts.String), &q.Options); err != nil {
				return nil, fmt.Errorf("question %s options: %w", q.ID, err)
			}
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func optional(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
