package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"formline/internal/domain"
)

type EventFilters struct {
	Type       string
	EntityKind string
	EntityName string
	Cursor     int64
	Limit      int
}

// LatestEvents returns events newest first. Cursor excludes ids at or above it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityName != "" {
		clauses = append(clauses, "entity_name=?")
		args = append(args, f.EntityName)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_name,version,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			version sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityName, &version, &e.ActorID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		if version.Valid {
			e.Version = int(version.Int64)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
