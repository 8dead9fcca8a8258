package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/predicate"
	"formline/internal/repo"
)

func normalizeProgramContent(c domain.ProgramContent) domain.ProgramContent {
	c = c.Clone()
	c.Description = strings.TrimSpace(c.Description)
	if c.Visibility == "" {
		c.Visibility = domain.VisibilityPublic
	}
	for i := range c.Blocks {
		b := &c.Blocks[i]
		b.Name = strings.TrimSpace(b.Name)
		if b.Name == "" {
			b.Name = fmt.Sprintf("Screen %d", i+1)
		}
		b.RepeatedBy = strings.TrimSpace(b.RepeatedBy)
		if b.Questions == nil {
			b.Questions = []domain.QuestionRef{}
		}
		for j := range b.Questions {
			b.Questions[j].Name = strings.TrimSpace(b.Questions[j].Name)
		}
	}
	return c
}

// ValidateProgramContent checks block structure against the referenced
// question definitions. Predicates may only read questions of earlier blocks.
func ValidateProgramContent(c domain.ProgramContent, questions map[string]domain.QuestionDefinition) error {
	var ve domain.ValidationError
	if c.Visibility != domain.VisibilityPublic && c.Visibility != domain.VisibilityHidden {
		ve.Add("visibility", fmt.Sprintf("unknown visibility %q", c.Visibility))
	}
	blockIDs := map[int64]bool{}
	placed := map[string]int64{}
	earlier := predicate.Schema{}
	var predErr error
	for _, b := range c.Blocks {
		field := fmt.Sprintf("blocks.%d", b.ID)
		if b.ID <= 0 {
			ve.Add("blocks", "block ids must be positive")
		} else if blockIDs[b.ID] {
			ve.Add("blocks", fmt.Sprintf("duplicate block id %d", b.ID))
		}
		blockIDs[b.ID] = true
		if b.RepeatedBy != "" {
			info, ok := earlier[b.RepeatedBy]
			if !ok || info.Type != domain.TypeEnumerator {
				ve.Add(field, fmt.Sprintf("repeated_by must name an enumerator question in an earlier block, got %s", b.RepeatedBy))
			}
		}
		for _, ref := range b.Questions {
			q, ok := questions[ref.Name]
			if !ok {
				ve.Add(field, fmt.Sprintf("question %s does not exist", ref.Name))
				continue
			}
			if prev, dup := placed[ref.Name]; dup {
				ve.Add(field, fmt.Sprintf("question %s already used in block %d", ref.Name, prev))
			}
			placed[ref.Name] = b.ID
			if q.Enumerator != b.RepeatedBy {
				if q.Enumerator == "" {
					ve.Add(field, fmt.Sprintf("question %s is not repeated and cannot sit in a repeated block", ref.Name))
				} else {
					ve.Add(field, fmt.Sprintf("question %s must sit in a block repeated by %s", ref.Name, q.Enumerator))
				}
			}
		}
		if b.Predicate != nil && predErr == nil {
			predErr = predicate.Validate(*b.Predicate, earlier)
		}
		for _, ref := range b.Questions {
			if q, ok := questions[ref.Name]; ok {
				earlier[ref.Name] = predicate.QuestionInfo{Type: q.Type, Options: q.OptionLabels(), Enumerator: q.Enumerator}
			}
		}
	}
	if err := ve.Err(); err != nil {
		return err
	}
	return predErr
}

// programQuestionsTx loads the latest non-obsolete version of every question c references.
func (e Engine) programQuestionsTx(ctx context.Context, tx *sql.Tx, c domain.ProgramContent) (map[string]domain.QuestionDefinition, error) {
	var names []string
	for _, b := range c.Blocks {
		for _, ref := range b.Questions {
			names = append(names, ref.Name)
		}
	}
	out := map[string]domain.QuestionDefinition{}
	if len(names) == 0 {
		return out, nil
	}
	items, err := e.Repo.ListQuestionsTx(ctx, tx, repo.QuestionFilters{
		Names:  names,
		States: []domain.LifecycleState{domain.StateDraft, domain.StateActive},
	})
	if err != nil {
		return nil, err
	}
	// ordered by version so the draft wins
	for _, q := range items {
		out[q.Name] = q
	}
	return out, nil
}

func (e Engine) CreateProgramDraft(ctx context.Context, name string, content domain.ProgramContent, actorID string) (domain.ProgramDefinition, error) {
	content = normalizeProgramContent(content)
	var ve domain.ValidationError
	validName("name", name, &ve)
	if err := ve.Err(); err != nil {
		return domain.ProgramDefinition{}, err
	}
	unlock, err := e.lock(ctx, lockKey(repo.KindProgram, name))
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	defer tx.Rollback()
	rows, err := e.Repo.VersionsTx(ctx, tx, repo.KindProgram, name)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	version, err := nextDraftVersion(repo.KindProgram, name, rows)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	questions, err := e.programQuestionsTx(ctx, tx, content)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	if err := ValidateProgramContent(content, questions); err != nil {
		return domain.ProgramDefinition{}, err
	}
	now := e.timestamp()
	p := domain.ProgramDefinition{
		Name:           name,
		Version:        version,
		State:          domain.StateDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
		ProgramContent: content,
	}
	if err := e.Repo.InsertProgramTx(ctx, tx, p); err != nil {
		return domain.ProgramDefinition{}, fmt.Errorf("insert program: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "program.draft_created", string(repo.KindProgram), name, version, actorID, events.EventPayload{"blocks": len(content.Blocks)}); err != nil {
		return domain.ProgramDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgramDefinition{}, err
	}
	e.logger().Info("program draft created", "program", name, "version", version)
	return p, nil
}

func (e Engine) UpdateProgramDraft(ctx context.Context, name string, content domain.ProgramContent, actorID string) (domain.ProgramDefinition, error) {
	content = normalizeProgramContent(content)
	return e.mutateProgramDraft(ctx, name, actorID, "program.draft_updated", nil, func(domain.ProgramContent) (domain.ProgramContent, error) {
		return content, nil
	})
}

// AttachPredicate sets the visibility predicate of one block of the draft.
func (e Engine) AttachPredicate(ctx context.Context, name string, blockID int64, p domain.Predicate, actorID string) (domain.ProgramDefinition, error) {
	p = p.Clone()
	payload := events.EventPayload{"block_id": blockID, "action": p.Action, "questions": p.Questions()}
	return e.mutateProgramDraft(ctx, name, actorID, "program.predicate_attached", payload, func(c domain.ProgramContent) (domain.ProgramContent, error) {
		idx := c.BlockIndex(blockID)
		if idx < 0 {
			return c, domain.NotFoundError{Kind: "block", Name: fmt.Sprintf("%s/%d", name, blockID)}
		}
		c.Blocks[idx].Predicate = &p
		return c, nil
	})
}

func (e Engine) DetachPredicate(ctx context.Context, name string, blockID int64, actorID string) (domain.ProgramDefinition, error) {
	payload := events.EventPayload{"block_id": blockID}
	return e.mutateProgramDraft(ctx, name, actorID, "program.predicate_detached", payload, func(c domain.ProgramContent) (domain.ProgramContent, error) {
		idx := c.BlockIndex(blockID)
		if idx < 0 {
			return c, domain.NotFoundError{Kind: "block", Name: fmt.Sprintf("%s/%d", name, blockID)}
		}
		c.Blocks[idx].Predicate = nil
		return c, nil
	})
}

// mutateProgramDraft applies fn to the draft content and re-validates the whole program.
func (e Engine) mutateProgramDraft(ctx context.Context, name, actorID, evtType string, payload events.EventPayload, fn func(domain.ProgramContent) (domain.ProgramContent, error)) (domain.ProgramDefinition, error) {
	unlock, err := e.lock(ctx, lockKey(repo.KindProgram, name))
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	defer tx.Rollback()
	rows, err := e.Repo.VersionsTx(ctx, tx, repo.KindProgram, name)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	draftRow, err := editableDraft(repo.KindProgram, name, rows)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	draft, err := e.Repo.GetProgramTx(ctx, tx, name, repo.Selector{Version: draftRow.Version})
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	content, err := fn(draft.ProgramContent.Clone())
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	questions, err := e.programQuestionsTx(ctx, tx, content)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	if err := ValidateProgramContent(content, questions); err != nil {
		return domain.ProgramDefinition{}, err
	}
	now := e.timestamp()
	if err := e.Repo.UpdateProgramContentTx(ctx, tx, name, draft.Version, content, now); err != nil {
		return domain.ProgramDefinition{}, fmt.Errorf("update program: %w", err)
	}
	if err := e.Events.Append(ctx, tx, evtType, string(repo.KindProgram), name, draft.Version, actorID, payload); err != nil {
		return domain.ProgramDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgramDefinition{}, err
	}
	draft.ProgramContent = content
	draft.UpdatedAt = now
	return draft, nil
}

// CreateProgramVersion deep copies the active program into a new draft.
func (e Engine) CreateProgramVersion(ctx context.Context, name, actorID string) (domain.ProgramDefinition, error) {
	unlock, err := e.lock(ctx, lockKey(repo.KindProgram, name))
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	defer tx.Rollback()
	rows, err := e.Repo.VersionsTx(ctx, tx, repo.KindProgram, name)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	active, version, err := activeForNewVersion(repo.KindProgram, name, rows)
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	src, err := e.Repo.GetProgramTx(ctx, tx, name, repo.Selector{Version: active.Version})
	if err != nil {
		return domain.ProgramDefinition{}, err
	}
	now := e.timestamp()
	draft := domain.ProgramDefinition{
		Name:           name,
		Version:        version,
		State:          domain.StateDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
		ProgramContent: src.ProgramContent.Clone(),
	}
	if err := e.Repo.InsertProgramTx(ctx, tx, draft); err != nil {
		return domain.ProgramDefinition{}, fmt.Errorf("insert program: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "program.version_created", string(repo.KindProgram), name, version, actorID, events.EventPayload{"from_version": active.Version}); err != nil {
		return domain.ProgramDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgramDefinition{}, err
	}
	return draft, nil
}

func (e Engine) GetProgram(ctx context.Context, name string, sel repo.Selector) (domain.ProgramDefinition, error) {
	p, err := e.Repo.GetProgram(ctx, name, sel)
	if err != nil {
		return p, notFound(err, repo.KindProgram, name, sel)
	}
	return p, nil
}

func (e Engine) ProgramHistory(ctx context.Context, name string) ([]domain.ProgramDefinition, error) {
	items, err := e.Repo.ProgramHistory(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.NotFoundError{Kind: string(repo.KindProgram), Name: name}
	}
	return items, nil
}

// ListPrograms returns the latest non-obsolete version of every program.
func (e Engine) ListPrograms(ctx context.Context) ([]domain.ProgramDefinition, error) {
	items, err := e.Repo.ListPrograms(ctx, repo.ProgramFilters{States: []domain.LifecycleState{domain.StateDraft, domain.StateActive}})
	if err != nil {
		return nil, err
	}
	latest := map[string]domain.ProgramDefinition{}
	for _, p := range items {
		latest[p.Name] = p
	}
	out := make([]domain.ProgramDefinition, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ProgramQuestions returns the pinned question versions of a published
// program version, or the latest versions for a draft.
func (e Engine) ProgramQuestions(ctx context.Context, p domain.ProgramDefinition) (map[string]domain.QuestionDefinition, error) {
	out := map[string]domain.QuestionDefinition{}
	for _, b := range p.Blocks {
		for _, ref := range b.Questions {
			sel := repo.SelectLatest
			if p.State != domain.StateDraft && ref.Version > 0 {
				sel = repo.Selector{Version: ref.Version}
			}
			q, err := e.Repo.GetQuestion(ctx, ref.Name, sel)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return nil, domain.NotFoundError{Kind: string(repo.KindQuestion), Name: ref.Name, Version: sel.String()}
				}
				return nil, err
			}
			out[ref.Name] = q
		}
	}
	return out, nil
}
