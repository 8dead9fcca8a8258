package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"formline/internal/domain"
)

const programColumns = `name,version,state,content_json,COALESCE(digest,''),created_at,updated_at`

func scanProgram(scan func(...any) error) (domain.ProgramDefinition, error) {
	var (
		p       domain.ProgramDefinition
		content string
	)
	if err := scan(&p.Name, &p.Version, &p.State, &content, &p.Digest, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	if err := json.Unmarshal([]byte(content), &p.ProgramContent); err != nil {
		return p, fmt.Errorf("decode program %s v%d: %w", p.Name, p.Version, err)
	}
	return p, nil
}

func (r Repo) InsertProgramTx(ctx context.Context, tx *sql.Tx, p domain.ProgramDefinition) error {
	content, err := json.Marshal(p.ProgramContent)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO program_versions(name,version,state,content_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.Name, p.Version, string(p.State), string(content), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdateProgramContentTx(ctx context.Context, tx *sql.Tx, name string, version int, c domain.ProgramContent, updatedAt string) error {
	content, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE program_versions SET content_json=?, updated_at=? WHERE name=? AND version=?`,
		string(content), updatedAt, name, version)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// PromoteProgramTx stores the pinned content and frozen snapshot and marks the version active.
func (r Repo) PromoteProgramTx(ctx context.Context, tx *sql.Tx, name string, version int, c domain.ProgramContent, snapshot []byte, digest, updatedAt string) error {
	content, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE program_versions SET state='active', content_json=?, snapshot=?, digest=?, updated_at=? WHERE name=? AND version=?`,
		string(content), snapshot, digest, updatedAt, name, version)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r Repo) GetProgram(ctx context.Context, name string, sel Selector) (domain.ProgramDefinition, error) {
	return getProgram(ctx, r.DB, name, sel)
}

func (r Repo) GetProgramTx(ctx context.Context, tx *sql.Tx, name string, sel Selector) (domain.ProgramDefinition, error) {
	return getProgram(ctx, tx, name, sel)
}

func getProgram(ctx context.Context, q Querier, name string, sel Selector) (domain.ProgramDefinition, error) {
	clause, args := sel.where()
	row := q.QueryRowContext(ctx, `SELECT `+programColumns+` FROM program_versions WHERE name=? AND `+clause+` ORDER BY version DESC LIMIT 1`,
		append([]any{name}, args...)...)
	return scanProgram(row.Scan)
}

// ProgramSnapshot returns the frozen snapshot bytes stored at publish time.
func (r Repo) ProgramSnapshot(ctx context.Context, name string, version int) ([]byte, error) {
	return programSnapshot(ctx, r.DB, name, version)
}

func programSnapshot(ctx context.Context, q Querier, name string, version int) ([]byte, error) {
	var snap []byte
	err := q.QueryRowContext(ctx, `SELECT snapshot FROM program_versions WHERE name=? AND version=? AND snapshot IS NOT NULL`, name, version).Scan(&snap)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snap, err
}

func (r Repo) ProgramHistory(ctx context.Context, name string) ([]domain.ProgramDefinition, error) {
	return listPrograms(ctx, r.DB, `WHERE name=? ORDER BY version`, name)
}

type ProgramFilters struct {
	States []domain.LifecycleState
}

func (r Repo) ListPrograms(ctx context.Context, f ProgramFilters) ([]domain.ProgramDefinition, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	return listPrograms(ctx, r.DB, "WHERE "+strings.Join(clauses, " AND ")+" ORDER BY name, version", args...)
}

func listPrograms(ctx context.Context, q Querier, tail string, args ...any) ([]domain.ProgramDefinition, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+programColumns+` FROM program_versions `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgramDefinition
	for rows.Next() {
		p, err := scanProgram(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
