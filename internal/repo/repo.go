package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"formline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Kind string

const (
	KindQuestion Kind = "question"
	KindProgram  Kind = "program"
)

func (k Kind) table() string {
	if k == KindProgram {
		return "program_versions"
	}
	return "question_versions"
}

// Selector picks one version of a definition.
type Selector struct {
	State   domain.LifecycleState
	Version int
}

var (
	SelectActive = Selector{State: domain.StateActive}
	SelectDraft  = Selector{State: domain.StateDraft}
	SelectLatest = Selector{}
)

// ParseSelector accepts "active", "draft", "latest" (or empty) and version numbers.
func ParseSelector(s string) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest":
		return SelectLatest, nil
	case "active":
		return SelectActive, nil
	case "draft":
		return SelectDraft, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return Selector{}, fmt.Errorf("invalid version selector %q", s)
	}
	return Selector{Version: v}, nil
}

func (s Selector) String() string {
	switch {
	case s.Version > 0:
		return "v" + strconv.Itoa(s.Version)
	case s.State != "":
		return string(s.State)
	default:
		return "latest"
	}
}

func (s Selector) where() (string, []any) {
	switch {
	case s.Version > 0:
		return "version=?", []any{s.Version}
	case s.State != "":
		return "state=?", []any{string(s.State)}
	default:
		return "state IN ('draft','active')", nil
	}
}

// VersionRow is the lifecycle summary of one stored version.
type VersionRow struct {
	Name      string
	Version   int
	State     domain.LifecycleState
	UpdatedAt string
}

// VersionsTx lists every version of name, oldest first.
func (r Repo) VersionsTx(ctx context.Context, tx *sql.Tx, kind Kind, name string) ([]VersionRow, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT name,version,state,updated_at FROM %s WHERE name=? ORDER BY version`, kind.table()), name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []VersionRow
	for rows.Next() {
		var v VersionRow
		if err := rows.Scan(&v.Name, &v.Version, &v.State, &v.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) SetStateTx(ctx context.Context, tx *sql.Tx, kind Kind, name string, version int, state domain.LifecycleState, updatedAt string) error {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET state=?, updated_at=? WHERE name=? AND version=?`, kind.table()),
		string(state), updatedAt, name, version)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ByState indexes version rows by lifecycle state.
func ByState(rows []VersionRow) map[domain.LifecycleState]VersionRow {
	out := map[domain.LifecycleState]VersionRow{}
	for _, v := range rows {
		if v.State == domain.StateObsolete {
			continue
		}
		out[v.State] = v
	}
	return out
}

// MaxVersion returns the highest stored version, 0 when none.
func MaxVersion(rows []VersionRow) int {
	highest := 0
	for _, v := range rows {
		if v.Version > highest {
			highest = v.Version
		}
	}
	return highest
}

func expectRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
