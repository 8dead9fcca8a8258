package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"formline/internal/domain"
)

const questionColumns = `name,version,state,content_json,marked_for_archival,created_at,updated_at`

func scanQuestion(scan func(...any) error) (domain.QuestionDefinition, error) {
	var (
		q        domain.QuestionDefinition
		content  string
		archived int
	)
	if err := scan(&q.Name, &q.Version, &q.State, &content, &archived, &q.CreatedAt, &q.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return q, ErrNotFound
		}
		return q, err
	}
	if err := json.Unmarshal([]byte(content), &q.QuestionContent); err != nil {
		return q, fmt.Errorf("decode question %s v%d: %w", q.Name, q.Version, err)
	}
	q.MarkedForArchival = archived == 1
	return q, nil
}

func (r Repo) InsertQuestionTx(ctx context.Context, tx *sql.Tx, q domain.QuestionDefinition) error {
	content, err := json.Marshal(q.QuestionContent)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO question_versions(`+questionColumns+`,qtype) VALUES (?,?,?,?,?,?,?,?)`,
		q.Name, q.Version, string(q.State), string(content), boolInt(q.MarkedForArchival), q.CreatedAt, q.UpdatedAt, string(q.Type))
	return err
}

func (r Repo) UpdateQuestionContentTx(ctx context.Context, tx *sql.Tx, name string, version int, c domain.QuestionContent, updatedAt string) error {
	content, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE question_versions SET content_json=?, qtype=?, updated_at=? WHERE name=? AND version=?`,
		string(content), string(c.Type), updatedAt, name, version)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r Repo) SetQuestionArchivedTx(ctx context.Context, tx *sql.Tx, name string, version int, archived bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE question_versions SET marked_for_archival=?, updated_at=? WHERE name=? AND version=?`,
		boolInt(archived), updatedAt, name, version)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r Repo) GetQuestion(ctx context.Context, name string, sel Selector) (domain.QuestionDefinition, error) {
	return getQuestion(ctx, r.DB, name, sel)
}

func (r Repo) GetQuestionTx(ctx context.Context, tx *sql.Tx, name string, sel Selector) (domain.QuestionDefinition, error) {
	return getQuestion(ctx, tx, name, sel)
}

func getQuestion(ctx context.Context, q Querier, name string, sel Selector) (domain.QuestionDefinition, error) {
	clause, args := sel.where()
	row := q.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM question_versions WHERE name=? AND `+clause+` ORDER BY version DESC LIMIT 1`,
		append([]any{name}, args...)...)
	return scanQuestion(row.Scan)
}

// QuestionHistory lists every version of a question, oldest first.
func (r Repo) QuestionHistory(ctx context.Context, name string) ([]domain.QuestionDefinition, error) {
	return listQuestions(ctx, r.DB, `WHERE name=? ORDER BY version`, name)
}

type QuestionFilters struct {
	Names  []string
	States []domain.LifecycleState
	Type   domain.QuestionType
}

// ListQuestions returns matching versions ordered by name then version.
func (r Repo) ListQuestions(ctx context.Context, f QuestionFilters) ([]domain.QuestionDefinition, error) {
	return r.listQuestionsQ(ctx, r.DB, f)
}

func (r Repo) ListQuestionsTx(ctx context.Context, tx *sql.Tx, f QuestionFilters) ([]domain.QuestionDefinition, error) {
	return r.listQuestionsQ(ctx, tx, f)
}

func (r Repo) listQuestionsQ(ctx context.Context, q Querier, f QuestionFilters) ([]domain.QuestionDefinition, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Names) > 0 {
		clauses = append(clauses, "name IN ("+placeholders(len(f.Names))+")")
		for _, n := range f.Names {
			args = append(args, n)
		}
	}
	if len(f.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if f.Type != "" {
		clauses = append(clauses, "qtype=?")
		args = append(args, string(f.Type))
	}
	return listQuestions(ctx, q, "WHERE "+strings.Join(clauses, " AND ")+" ORDER BY name, version", args...)
}

func listQuestions(ctx context.Context, q Querier, tail string, args ...any) ([]domain.QuestionDefinition, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+questionColumns+` FROM question_versions `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QuestionDefinition
	for rows.Next() {
		qd, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, qd)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
