package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/repo"
	"formline/internal/snapshot"
)

// PublishRequest names the definitions whose drafts are promoted together.
type PublishRequest struct {
	Questions []string `json:"questions,omitempty"`
	Programs  []string `json:"programs,omitempty"`
}

type PublishResult struct {
	Questions []domain.QuestionDefinition `json:"questions"`
	Programs  []domain.ProgramDefinition  `json:"programs"`
}

// Publish promotes every named draft to active in one transaction. The
// previous active version of each becomes obsolete. Programs pin each
// referenced question to its active version after the questions in the same
// request are promoted, and freeze a snapshot with its digest.
func (e Engine) Publish(ctx context.Context, req PublishRequest, actorID string) (PublishResult, error) {
	questions := dedupe(req.Questions)
	programs := dedupe(req.Programs)
	if len(questions) == 0 && len(programs) == 0 {
		var ve domain.ValidationError
		ve.Add("publish", "name at least one question or program")
		return PublishResult{}, ve.Err()
	}
	keys := make([]string, 0, len(questions)+len(programs))
	for _, q := range questions {
		keys = append(keys, lockKey(repo.KindQuestion, q))
	}
	for _, p := range programs {
		keys = append(keys, lockKey(repo.KindProgram, p))
	}
	unlock, err := e.lock(ctx, keys...)
	if err != nil {
		return PublishResult{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PublishResult{}, err
	}
	defer tx.Rollback()

	questionRows, err := e.draftRows(ctx, tx, repo.KindQuestion, questions)
	if err != nil {
		return PublishResult{}, err
	}
	programRows, err := e.draftRows(ctx, tx, repo.KindProgram, programs)
	if err != nil {
		return PublishResult{}, err
	}
	var missing []string
	for _, q := range questions {
		if _, ok := questionRows[q]; !ok {
			missing = append(missing, lockKey(repo.KindQuestion, q))
		}
	}
	for _, p := range programs {
		if _, ok := programRows[p]; !ok {
			missing = append(missing, lockKey(repo.KindProgram, p))
		}
	}
	if len(missing) > 0 {
		return PublishResult{}, domain.NothingToPublishError{Missing: missing}
	}

	now := e.timestamp()
	var result PublishResult
	for _, name := range questions {
		states := questionRows[name]
		if err := e.promoteTx(ctx, tx, repo.KindQuestion, name, states, now); err != nil {
			return PublishResult{}, err
		}
		if err := e.Repo.SetStateTx(ctx, tx, repo.KindQuestion, name, states[domain.StateDraft].Version, domain.StateActive, now); err != nil {
			return PublishResult{}, fmt.Errorf("promote question %s: %w", name, err)
		}
		q, err := e.Repo.GetQuestionTx(ctx, tx, name, repo.SelectActive)
		if err != nil {
			return PublishResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "question.published", string(repo.KindQuestion), name, q.Version, actorID, nil); err != nil {
			return PublishResult{}, err
		}
		result.Questions = append(result.Questions, q)
	}

	for _, name := range programs {
		states := programRows[name]
		p, err := e.publishProgramTx(ctx, tx, name, states, now)
		if err != nil {
			return PublishResult{}, err
		}
		payload := events.EventPayload{"digest": p.Digest, "blocks": len(p.Blocks)}
		if err := e.Events.Append(ctx, tx, "program.published", string(repo.KindProgram), name, p.Version, actorID, payload); err != nil {
			return PublishResult{}, err
		}
		result.Programs = append(result.Programs, p)
	}

	if err := tx.Commit(); err != nil {
		return PublishResult{}, err
	}
	e.logger().Info("published", "questions", len(result.Questions), "programs", len(result.Programs), "actor", actorID)
	return result, nil
}

func (e Engine) draftRows(ctx context.Context, tx *sql.Tx, kind repo.Kind, names []string) (map[string]map[domain.LifecycleState]repo.VersionRow, error) {
	out := map[string]map[domain.LifecycleState]repo.VersionRow{}
	for _, name := range names {
		rows, err := e.Repo.VersionsTx(ctx, tx, kind, name)
		if err != nil {
			return nil, err
		}
		states := repo.ByState(rows)
		if _, ok := states[domain.StateDraft]; ok {
			out[name] = states
		}
	}
	return out, nil
}

// promoteTx retires the current active version so the draft can take its place.
func (e Engine) promoteTx(ctx context.Context, tx *sql.Tx, kind repo.Kind, name string, states map[domain.LifecycleState]repo.VersionRow, now string) error {
	active, ok := states[domain.StateActive]
	if !ok {
		return nil
	}
	if err := e.Repo.SetStateTx(ctx, tx, kind, name, active.Version, domain.StateObsolete, now); err != nil {
		return fmt.Errorf("retire %s %s v%d: %w", kind, name, active.Version, err)
	}
	return nil
}

func (e Engine) publishProgramTx(ctx context.Context, tx *sql.Tx, name string, states map[domain.LifecycleState]repo.VersionRow, now string) (domain.ProgramDefinition, error) {
	draft, err := e.Repo.GetProgramTx(ctx, tx, name, repo.Selector{Version: states[domain.StateDraft].Version})
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	content := draft.ProgramContent.Clone()
	pinned := map[string]domain.QuestionDefinition{}
	var ve domain.ValidationError
	for i := range content.Blocks {
		b := &content.Blocks[i]
		if len(b.Questions) == 0 {
			ve.Add(fmt.Sprintf("blocks.%d", b.ID), "a published block needs at least one question")
		}
		for j := range b.Questions {
			ref := &b.Questions[j]
			q, err := e.Repo.GetQuestionTx(ctx, tx, ref.Name, repo.SelectActive)
			if errors.Is(err, repo.ErrNotFound) {
				return domain.ProgramDefinition{}, domain.NoActiveVersionError{Kind: string(repo.KindQuestion), Name: ref.Name}
			}
			if err != nil {
				return domain.ProgramDefinition{}, err
			}
			ref.Version = q.Version
			pinned[q.Name] = q
		}
	}
	if len(content.Blocks) == 0 {
		ve.Add("blocks", "a published program needs at least one block")
	}
	if err := ve.Err(); err != nil {
		return domain.ProgramDefinition{}, err
	}
	if err := ValidateProgramContent(content, pinned); err != nil {
		return domain.ProgramDefinition{}, err
	}

	frozen := snapshot.Program{Name: name, Version: draft.Version, Content: content}
	for _, q := range pinned {
		frozen.Questions = append(frozen.Questions, q)
	}
	sort.Slice(frozen.Questions, func(i, j int) bool { return frozen.Questions[i].Name < frozen.Questions[j].Name })
	data, digest, err := snapshot.EncodeProgram(frozen)
	if err != nil {
		return domain.ProgramDefinition{}, fmt.Errorf("snapshot program %s: %w", name, err)
	}

	if err := e.promoteTx(ctx, tx, repo.KindProgram, name, states, now); err != nil {
		return domain.ProgramDefinition{}, err
	}
	if err := e.Repo.PromoteProgramTx(ctx, tx, name, draft.Version, content, data, digest, now); err != nil {
		return domain.ProgramDefinition{}, fmt.Errorf("promote program %s: %w", name, err)
	}
	return e.Repo.GetProgramTx(ctx, tx, name, repo.SelectActive)
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
