package flow

import (
	"context"
	"fmt"
	"strings"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/predicate"
	"formline/internal/repo"
	"formline/internal/snapshot"
)

// RawAnswer is what an applicant typed for one question of a block.
type RawAnswer struct {
	Question string   `json:"question"`
	Values   []string `json:"values"`
}

// SubmitAnswers validates and stores the answers of one visible block
// instance. Either every question of the block is saved or none is.
func (c Controller) SubmitAnswers(ctx context.Context, id, instance string, raw []RawAnswer) (Step, error) {
	a, p, err := c.load(ctx, id)
	if err != nil {
		return Step{}, err
	}
	unlock, err := c.lockApplication(ctx, a)
	if err != nil {
		return Step{}, err
	}
	defer unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return Step{}, err
	}
	defer tx.Rollback()
	a, err = c.Repo.GetApplicationTx(ctx, tx, id)
	if err != nil {
		return Step{}, err
	}
	if a.Status == domain.StatusSubmitted {
		return Step{}, domain.ImmutableError{Kind: "application", Name: id, State: string(a.Status)}
	}
	state, ok := p.resolve(a.Answers).Find(instance)
	if !ok || !state.Visible() {
		return Step{}, domain.NotFoundError{Kind: "block", Name: instance}
	}

	var ve domain.ValidationError
	given := map[string][]string{}
	inBlock := map[string]bool{}
	for _, ref := range state.Block.Questions {
		inBlock[ref.Name] = true
	}
	for _, r := range raw {
		if !inBlock[r.Question] {
			ve.Add(r.Question, "Question is not part of this block.")
			continue
		}
		given[r.Question] = r.Values
	}
	updated := a.Answers.Clone()
	now := c.timestamp()
	var saved []string
	for _, ref := range state.Block.Questions {
		q := p.questions[ref.Name]
		values, msgs := ValidateAnswer(q, ref.Optional, given[ref.Name])
		for _, m := range msgs {
			ve.Add(ref.Name, m)
		}
		if len(msgs) > 0 {
			continue
		}
		if q.Type == domain.TypeEnumerator {
			old, _ := a.Answers.Get(ref.Name, state.Repetition)
			reindexRepeated(updated, p.repeatedBy(ref.Name), old.Values, values)
		}
		updated.Put(domain.Answer{Question: ref.Name, Repetition: state.Repetition, Values: values, UpdatedAt: now})
		saved = append(saved, ref.Name)
	}
	if err := ve.Err(); err != nil {
		return Step{}, err
	}

	if err := c.Repo.UpdateAnswersTx(ctx, tx, id, updated, now); err != nil {
		return Step{}, fmt.Errorf("save answers: %w", err)
	}
	payload := events.EventPayload{"instance": instance, "questions": saved}
	if err := c.Events.Append(ctx, tx, "application.answers_saved", "application", id, a.ProgramVersion, a.ApplicantID, payload); err != nil {
		return Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return Step{}, err
	}
	c.logger().Debug("answers saved", "application", id, "instance", instance, "questions", len(saved))
	return p.next(updated), nil
}

// repeatedBy lists questions repeated under the enumerator.
func (p program) repeatedBy(enumerator string) []string {
	var out []string
	for _, b := range p.def.Blocks {
		if b.RepeatedBy != enumerator {
			continue
		}
		for _, ref := range b.Questions {
			out = append(out, ref.Name)
		}
	}
	return out
}

// reindexRepeated keeps the answers of each entity attached to it when the
// entity list is reordered, and drops the answers of removed entities.
func reindexRepeated(set domain.AnswerSet, questions []string, before, after []string) {
	if len(questions) == 0 {
		return
	}
	old := map[domain.AnswerKey]domain.Answer{}
	for _, q := range questions {
		for rep := range before {
			key := domain.AnswerKey{Question: q, Repetition: rep}
			if a, ok := set[key]; ok {
				old[key] = a
				delete(set, key)
			}
		}
	}
	position := map[string]int{}
	for i, name := range before {
		position[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for rep, name := range after {
		from, ok := position[strings.ToLower(name)]
		if !ok {
			continue
		}
		for _, q := range questions {
			if a, ok := old[domain.AnswerKey{Question: q, Repetition: from}]; ok {
				a.Repetition = rep
				set.Put(a)
			}
		}
	}
}

// Submit freezes the answers of visible blocks. An application with required
// questions left open stays in progress.
func (c Controller) Submit(ctx context.Context, id string) (domain.Application, error) {
	a, p, err := c.load(ctx, id)
	if err != nil {
		return domain.Application{}, err
	}
	unlock, err := c.lockApplication(ctx, a)
	if err != nil {
		return domain.Application{}, err
	}
	defer unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	a, err = c.Repo.GetApplicationTx(ctx, tx, id)
	if err != nil {
		return domain.Application{}, err
	}
	if a.Status == domain.StatusSubmitted {
		return domain.Application{}, domain.ImmutableError{Kind: "application", Name: id, State: string(a.Status)}
	}

	states := p.resolve(a.Answers)
	var incomplete domain.IncompleteApplicationError
	seen := map[string]bool{}
	for _, s := range states {
		open := predicate.Unanswered(s, a.Answers)
		if len(open) == 0 {
			continue
		}
		incomplete.Blocks = append(incomplete.Blocks, s.Instance)
		for _, q := range open {
			if !seen[q] {
				seen[q] = true
				incomplete.Questions = append(incomplete.Questions, q)
			}
		}
	}
	if len(incomplete.Blocks) > 0 {
		return domain.Application{}, incomplete
	}

	now := c.timestamp()
	visible := domain.AnswerSet{}
	for _, s := range states {
		if !s.Visible() {
			continue
		}
		for _, ref := range s.Block.Questions {
			if ans, ok := a.Answers.Get(ref.Name, s.Repetition); ok && !ans.Empty() {
				visible.Put(ans)
			}
		}
	}
	data, digest, err := snapshot.EncodeSubmission(snapshot.Submission{
		ApplicationID:  a.ID,
		ApplicantID:    a.ApplicantID,
		ProgramName:    a.ProgramName,
		ProgramVersion: a.ProgramVersion,
		ProgramDigest:  p.def.Digest,
		SubmittedAt:    now,
		Answers:        repo.SortedAnswers(visible),
	})
	if err != nil {
		return domain.Application{}, err
	}
	if err := c.Repo.SubmitApplicationTx(ctx, tx, id, data, digest, now); err != nil {
		return domain.Application{}, fmt.Errorf("submit application: %w", err)
	}
	if err := c.Events.Append(ctx, tx, "application.submitted", "application", id, a.ProgramVersion, a.ApplicantID, events.EventPayload{"digest": digest, "answers": len(visible)}); err != nil {
		return domain.Application{}, err
	}
	a, err = c.Repo.GetApplicationTx(ctx, tx, id)
	if err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	c.logger().Info("application submitted", "application", id, "program", a.ProgramName, "version", a.ProgramVersion)
	return a, nil
}
