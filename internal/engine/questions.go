package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/repo"
)

// NormalizeQuestionContent trims text fields, assigns option ids and applies
// defaults. It does not validate.
func NormalizeQuestionContent(c domain.QuestionContent) domain.QuestionContent {
	c = c.Clone()
	c.Text = strings.TrimSpace(c.Text)
	c.HelpText = strings.TrimSpace(c.HelpText)
	c.Enumerator = strings.TrimSpace(c.Enumerator)
	c.EntityType = strings.TrimSpace(c.EntityType)
	if c.ExportOption == "" {
		c.ExportOption = domain.ExportNonDemographic
	}
	var next int64
	for _, o := range c.Options {
		if o.ID > next {
			next = o.ID
		}
	}
	for i := range c.Options {
		c.Options[i].Label = strings.TrimSpace(c.Options[i].Label)
		if c.Options[i].ID == 0 {
			next++
			c.Options[i].ID = next
		}
	}
	return c
}

// ValidateQuestionContent checks a question in isolation; references to other
// questions are checked by the engine inside its transaction.
func ValidateQuestionContent(name string, c domain.QuestionContent) error {
	var ve domain.ValidationError
	validName("name", name, &ve)
	if !c.Type.Valid() {
		ve.Add("type", fmt.Sprintf("unknown question type %q", c.Type))
	}
	if c.Text == "" {
		ve.Add("text", "question text is required")
	}
	switch c.ExportOption {
	case domain.ExportNonDemographic, domain.ExportDemographic, domain.ExportDemographicPII:
	default:
		ve.Add("export_option", fmt.Sprintf("unknown export option %q", c.ExportOption))
	}
	if c.Type.HasOptions() {
		if len(c.Options) == 0 {
			ve.Add("options", "at least one option is required")
		}
		labels := map[string]bool{}
		ids := map[int64]bool{}
		for _, o := range c.Options {
			if o.Label == "" {
				ve.Add("options", "option labels must not be blank")
			} else if labels[o.Label] {
				ve.Add("options", fmt.Sprintf("duplicate option %q", o.Label))
			}
			if ids[o.ID] {
				ve.Add("options", fmt.Sprintf("duplicate option id %d", o.ID))
			}
			labels[o.Label] = true
			ids[o.ID] = true
		}
	} else if len(c.Options) > 0 {
		ve.Add("options", fmt.Sprintf("%s questions do not take options", c.Type))
	}
	v := c.Validation
	checkBounds(&ve, "length", v.MinLength, v.MaxLength)
	checkBounds(&ve, "choices", v.MinChoices, v.MaxChoices)
	if v.MinValue != nil && v.MaxValue != nil && *v.MinValue > *v.MaxValue {
		ve.Add("validation", "min_value must not exceed max_value")
	}
	if c.Enumerator != "" {
		if c.Enumerator == name {
			ve.Add("enumerator", "a question cannot repeat under itself")
		}
		if c.Type == domain.TypeEnumerator {
			ve.Add("enumerator", "nested enumerators are not supported")
		}
	}
	if c.EntityType != "" && c.Type != domain.TypeEnumerator {
		ve.Add("entity_type", "only enumerator questions have an entity type")
	}
	return ve.Err()
}

func checkBounds(ve *domain.ValidationError, label string, lo, hi *int) {
	if lo != nil && *lo < 0 {
		ve.Add("validation", fmt.Sprintf("min %s must not be negative", label))
	}
	if hi != nil && *hi < 0 {
		ve.Add("validation", fmt.Sprintf("max %s must not be negative", label))
	}
	if lo != nil && hi != nil && *lo > *hi {
		ve.Add("validation", fmt.Sprintf("min %s must not exceed max %s", label, label))
	}
}

// checkQuestionRefs validates the parts of c that depend on other stored versions.
func (e Engine) checkQuestionRefs(ctx context.Context, tx *sql.Tx, name string, c domain.QuestionContent) error {
	var ve domain.ValidationError
	if active, err := e.Repo.GetQuestionTx(ctx, tx, name, repo.SelectActive); err == nil {
		if active.Type != c.Type {
			ve.Add("type", fmt.Sprintf("type is fixed at %s", active.Type))
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if c.Enumerator != "" {
		enum, err := e.Repo.GetQuestionTx(ctx, tx, c.Enumerator, repo.SelectLatest)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			ve.Add("enumerator", fmt.Sprintf("enumerator question %s does not exist", c.Enumerator))
		case err != nil:
			return err
		case enum.Type != domain.TypeEnumerator:
			ve.Add("enumerator", fmt.Sprintf("%s is not an enumerator question", c.Enumerator))
		}
	}
	return ve.Err()
}

func (e Engine) CreateQuestionDraft(ctx context.Context, name string, content domain.QuestionContent, actorID string) (domain.QuestionDefinition, error) {
	content = NormalizeQuestionContent(content)
	if err := ValidateQuestionContent(name, content); err != nil {
		return domain.QuestionDefinition{}, err
	}
	unlock, err := e.lock(ctx, lockKey(repo.KindQuestion, name))
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	defer tx.Rollback()
	rows, err := e.Repo.VersionsTx(ctx, tx, repo.KindQuestion, name)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	version, err := nextDraftVersion(repo.KindQuestion, name, rows)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	if err := e.checkQuestionRefs(ctx, tx, name, content); err != nil {
		return domain.QuestionDefinition{}, err
	}
	now := e.timestamp()
	q := domain.QuestionDefinition{
		Name:            name,
		Version:         version,
		State:           domain.StateDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
		QuestionContent: content,
	}
	if err := e.Repo.InsertQuestionTx(ctx, tx, q); err != nil {
		return domain.QuestionDefinition{}, fmt.Errorf("insert question: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "question.draft_created", string(repo.KindQuestion), name, version, actorID, events.EventPayload{"type": content.Type}); err != nil {
		return domain.QuestionDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuestionDefinition{}, err
	}
	e.logger().Info("question draft created", "question", name, "version", version)
	return q, nil
}

func (e Engine) UpdateQuestionDraft(ctx context.Context, name string, content domain.QuestionContent, actorID string) (domain.QuestionDefinition, error) {
	content = NormalizeQuestionContent(content)
	if err := ValidateQuestionContent(name, content); err != nil {
		return domain.QuestionDefinition{}, err
	}
	unlock, err := e.lock(ctx, lockKey(repo.KindQuestion, name))
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	defer tx.Rollback()
	rows, err := e.Repo.VersionsTx(ctx, tx, repo.KindQuestion, name)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	draft, err := editableDraft(repo.KindQuestion, name, rows)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	if err := e.checkQuestionRefs(ctx, tx, name, content); err != nil {
		return domain.QuestionDefinition{}, err
	}
	if err := e.Repo.UpdateQuestionContentTx(ctx, tx, name, draft.Version, content, e.timestamp()); err != nil {
		return domain.QuestionDefinition{}, fmt.Errorf("update question: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "question.draft_updated", string(repo.KindQuestion), name, draft.Version, actorID, nil); err != nil {
		return domain.QuestionDefinition{}, err
	}
	q, err := e.Repo.GetQuestionTx(ctx, tx, name, repo.Selector{Version: draft.Version})
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuestionDefinition{}, err
	}
	return q, nil
}

// CreateQuestionVersion copies the active version into a new draft. A question
// repeated under an enumerator drafts that enumerator too when it has none.
func (e Engine) CreateQuestionVersion(ctx context.Context, name, actorID string) (domain.QuestionDefinition, error) {
	keys := []string{lockKey(repo.KindQuestion, name)}
	if current, err := e.Repo.GetQuestion(ctx, name, repo.SelectActive); err == nil && current.Enumerator != "" {
		keys = append(keys, lockKey(repo.KindQuestion, current.Enumerator))
	}
	unlock, err := e.lock(ctx, keys...)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	defer tx.Rollback()
	draft, err := e.copyActiveQuestionTx(ctx, tx, name, actorID)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	if draft.Enumerator != "" {
		rows, err := e.Repo.VersionsTx(ctx, tx, repo.KindQuestion, draft.Enumerator)
		if err != nil {
			return domain.QuestionDefinition{}, err
		}
		states := repo.ByState(rows)
		_, hasDraft := states[domain.StateDraft]
		_, hasActive := states[domain.StateActive]
		if hasActive && !hasDraft {
			cascaded, err := e.copyActiveQuestionTx(ctx, tx, draft.Enumerator, actorID)
			if err != nil {
				return domain.QuestionDefinition{}, fmt.Errorf("draft enumerator %s: %w", draft.Enumerator, err)
			}
			e.logger().Info("enumerator drafted with repeated question", "question", name, "enumerator", cascaded.Name, "version", cascaded.Version)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.QuestionDefinition{}, err
	}
	return draft, nil
}

func (e Engine) copyActiveQuestionTx(ctx context.Context, tx *sql.Tx, name, actorID string) (domain.QuestionDefinition, error) {
	rows, err := e.Repo.VersionsTx(ctx, tx, repo.KindQuestion, name)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	active, version, err := activeForNewVersion(repo.KindQuestion, name, rows)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	src, err := e.Repo.GetQuestionTx(ctx, tx, name, repo.Selector{Version: active.Version})
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	now := e.timestamp()
	draft := domain.QuestionDefinition{
		Name:              name,
		Version:           version,
		State:             domain.StateDraft,
		MarkedForArchival: src.MarkedForArchival,
		CreatedAt:         now,
		UpdatedAt:         now,
		QuestionContent:   src.QuestionContent.Clone(),
	}
	if err := e.Repo.InsertQuestionTx(ctx, tx, draft); err != nil {
		return domain.QuestionDefinition{}, fmt.Errorf("insert question: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "question.version_created", string(repo.KindQuestion), name, version, actorID, events.EventPayload{"from_version": active.Version}); err != nil {
		return domain.QuestionDefinition{}, err
	}
	return draft, nil
}

// SetQuestionArchived marks or clears archival on the active version.
func (e Engine) SetQuestionArchived(ctx context.Context, name string, archived bool, actorID string) (domain.QuestionDefinition, error) {
	unlock, err := e.lock(ctx, lockKey(repo.KindQuestion, name))
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	defer tx.Rollback()
	rows, err := e.Repo.VersionsTx(ctx, tx, repo.KindQuestion, name)
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	if len(rows) == 0 {
		return domain.QuestionDefinition{}, domain.NotFoundError{Kind: string(repo.KindQuestion), Name: name}
	}
	active, ok := repo.ByState(rows)[domain.StateActive]
	if !ok {
		return domain.QuestionDefinition{}, domain.NoActiveVersionError{Kind: string(repo.KindQuestion), Name: name}
	}
	if err := e.Repo.SetQuestionArchivedTx(ctx, tx, name, active.Version, archived, e.timestamp()); err != nil {
		return domain.QuestionDefinition{}, err
	}
	evt := "question.archived"
	if !archived {
		evt = "question.unarchived"
	}
	if err := e.Events.Append(ctx, tx, evt, string(repo.KindQuestion), name, active.Version, actorID, nil); err != nil {
		return domain.QuestionDefinition{}, err
	}
	q, err := e.Repo.GetQuestionTx(ctx, tx, name, repo.Selector{Version: active.Version})
	if err != nil {
		return domain.QuestionDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuestionDefinition{}, err
	}
	return q, nil
}

func (e Engine) GetQuestion(ctx context.Context, name string, sel repo.Selector) (domain.QuestionDefinition, error) {
	q, err := e.Repo.GetQuestion(ctx, name, sel)
	if err != nil {
		return q, notFound(err, repo.KindQuestion, name, sel)
	}
	return q, nil
}

func (e Engine) QuestionHistory(ctx context.Context, name string) ([]domain.QuestionDefinition, error) {
	items, err := e.Repo.QuestionHistory(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.NotFoundError{Kind: string(repo.KindQuestion), Name: name}
	}
	return items, nil
}
