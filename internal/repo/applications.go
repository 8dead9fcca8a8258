package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"formline/internal/domain"
)

const applicationColumns = `id,applicant_id,program_name,program_version,status,answers_json,COALESCE(submission_digest,''),created_at,updated_at,submitted_at`

func scanApplication(scan func(...any) error) (domain.Application, error) {
	var (
		a         domain.Application
		answers   string
		submitted sql.NullString
	)
	if err := scan(&a.ID, &a.ApplicantID, &a.ProgramName, &a.ProgramVersion, &a.Status, &answers, &a.SubmissionDigest, &a.CreatedAt, &a.UpdatedAt, &submitted); err != nil {
		if err == sql.ErrNoRows {
			return a, ErrNotFound
		}
		return a, err
	}
	set, err := decodeAnswers(answers)
	if err != nil {
		return a, fmt.Errorf("decode answers of %s: %w", a.ID, err)
	}
	a.Answers = set
	if submitted.Valid {
		a.SubmittedAt = &submitted.String
	}
	return a, nil
}

// EncodeAnswers renders an answer set as a JSON list ordered by question and repetition.
func EncodeAnswers(set domain.AnswerSet) (string, error) {
	list := SortedAnswers(set)
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SortedAnswers lists answers ordered by question then repetition.
func SortedAnswers(set domain.AnswerSet) []domain.Answer {
	list := make([]domain.Answer, 0, len(set))
	for _, a := range set {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Question != list[j].Question {
			return list[i].Question < list[j].Question
		}
		return list[i].Repetition < list[j].Repetition
	})
	return list
}

func decodeAnswers(raw string) (domain.AnswerSet, error) {
	var list []domain.Answer
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, err
		}
	}
	set := domain.AnswerSet{}
	for _, a := range list {
		set.Put(a)
	}
	return set, nil
}

func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	answers, err := EncodeAnswers(a.Answers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO applications(id,applicant_id,program_name,program_version,status,answers_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ApplicantID, a.ProgramName, a.ProgramVersion, string(a.Status), answers, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id).Scan)
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id).Scan)
}

func (r Repo) UpdateAnswersTx(ctx context.Context, tx *sql.Tx, id string, set domain.AnswerSet, updatedAt string) error {
	answers, err := EncodeAnswers(set)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE applications SET answers_json=?, updated_at=? WHERE id=? AND status='in_progress'`, answers, updatedAt, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r Repo) SubmitApplicationTx(ctx context.Context, tx *sql.Tx, id string, submission []byte, digest, submittedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET status='submitted', submission=?, submission_digest=?, submitted_at=?, updated_at=? WHERE id=? AND status='in_progress'`,
		submission, digest, submittedAt, submittedAt, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// Submission returns the frozen submission payload.
func (r Repo) Submission(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := r.DB.QueryRowContext(ctx, `SELECT submission FROM applications WHERE id=? AND submission IS NOT NULL`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return data, err
}

type ApplicationFilters struct {
	ApplicantID string
	ProgramName string
	Status      domain.ApplicationStatus
}

func (r Repo) ListApplications(ctx context.Context, f ApplicationFilters) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE 1=1`
	var args []any
	if f.ApplicantID != "" {
		query += " AND applicant_id=?"
		args = append(args, f.ApplicantID)
	}
	if f.ProgramName != "" {
		query += " AND program_name=?"
		args = append(args, f.ProgramName)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, string(f.Status))
	}
	rows, err := r.DB.QueryContext(ctx, query+" ORDER BY created_at DESC, id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
