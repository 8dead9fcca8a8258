// Package flow walks an applicant through the blocks of a published program.
package flow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/lock"
	"formline/internal/predicate"
	"formline/internal/repo"
	"formline/internal/snapshot"
)

// Controller owns applications and their answers.
type Controller struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Locks  lock.Locker
	Log    *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, locks lock.Locker, log *slog.Logger) Controller {
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if log == nil {
		log = slog.Default()
	}
	return Controller{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Locks:  locks,
		Log:    log,
		Now:    time.Now,
	}
}

func (c Controller) timestamp() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (c Controller) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// applicationKey identifies the one application an applicant may hold per
// program version. It doubles as the lock key and the id seed.
func applicationKey(applicantID, programName string, version int) string {
	return fmt.Sprintf("%s|%s|%d", applicantID, programName, version)
}

// ApplicationID derives the stable id of an application.
func ApplicationID(applicantID, programName string, version int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(applicationKey(applicantID, programName, version))).String()
}

func (c Controller) lockApplication(ctx context.Context, a domain.Application) (lock.Unlock, error) {
	return c.Locks.Lock(ctx, "application:"+applicationKey(a.ApplicantID, a.ProgramName, a.ProgramVersion))
}

// program is a published program version with its pinned questions.
type program struct {
	def       domain.ProgramDefinition
	questions map[string]domain.QuestionDefinition
	schema    predicate.Schema
}

func (p program) resolve(answers domain.AnswerSet) predicate.States {
	return predicate.ResolveVisibility(p.def.ProgramContent, p.schema, answers)
}

// loadProgram reads the frozen snapshot of a published version and checks
// it against the digest recorded at publish time.
func (c Controller) loadProgram(ctx context.Context, name string, sel repo.Selector) (program, error) {
	def, err := c.Repo.GetProgram(ctx, name, sel)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if sel == repo.SelectActive {
				if _, latestErr := c.Repo.GetProgram(ctx, name, repo.SelectLatest); latestErr == nil {
					return program{}, domain.NoActiveVersionError{Kind: string(repo.KindProgram), Name: name}
				}
			}
			return program{}, domain.NotFoundError{Kind: string(repo.KindProgram), Name: name, Version: sel.String()}
		}
		return program{}, err
	}
	data, err := c.Repo.ProgramSnapshot(ctx, name, def.Version)
	if errors.Is(err, repo.ErrNotFound) {
		return program{}, domain.NoActiveVersionError{Kind: string(repo.KindProgram), Name: name}
	}
	if err != nil {
		return program{}, err
	}
	if !snapshot.VerifyProgram(data, def.Digest) {
		return program{}, fmt.Errorf("program %s v%d: snapshot does not match digest %s", name, def.Version, def.Digest)
	}
	frozen, err := snapshot.DecodeProgram(data)
	if err != nil {
		return program{}, err
	}
	def.ProgramContent = frozen.Content
	p := program{def: def, questions: map[string]domain.QuestionDefinition{}, schema: predicate.SchemaFrom(frozen.Questions)}
	for _, q := range frozen.Questions {
		p.questions[q.Name] = q
	}
	return p, nil
}

func (c Controller) getApplication(ctx context.Context, id string) (domain.Application, error) {
	a, err := c.Repo.GetApplication(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, domain.NotFoundError{Kind: "application", Name: id}
	}
	return a, err
}

func (c Controller) load(ctx context.Context, id string) (domain.Application, program, error) {
	a, err := c.getApplication(ctx, id)
	if err != nil {
		return a, program{}, err
	}
	p, err := c.loadProgram(ctx, a.ProgramName, repo.Selector{Version: a.ProgramVersion})
	return a, p, err
}

// Start returns the applicant's application for the program, creating it on
// first use. version 0 means the active version. Existing applications on an
// obsolete version are resumed; new ones are refused.
func (c Controller) Start(ctx context.Context, applicantID, programName string, version int) (domain.Application, error) {
	if applicantID == "" {
		var ve domain.ValidationError
		ve.Add("applicant_id", "applicant is required")
		return domain.Application{}, ve.Err()
	}
	sel := repo.SelectActive
	if version > 0 {
		sel = repo.Selector{Version: version}
	}
	p, err := c.loadProgram(ctx, programName, sel)
	if err != nil {
		return domain.Application{}, err
	}
	app := domain.Application{
		ID:             ApplicationID(applicantID, programName, p.def.Version),
		ApplicantID:    applicantID,
		ProgramName:    programName,
		ProgramVersion: p.def.Version,
		Status:         domain.StatusInProgress,
		Answers:        domain.AnswerSet{},
	}
	unlock, err := c.lockApplication(ctx, app)
	if err != nil {
		return domain.Application{}, err
	}
	defer unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	existing, err := c.Repo.GetApplicationTx(ctx, tx, app.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Application{}, err
	}
	if p.def.State != domain.StateActive {
		return domain.Application{}, domain.ObsoleteVersionError{Kind: string(repo.KindProgram), Name: programName, Version: p.def.Version}
	}
	now := c.timestamp()
	app.CreatedAt = now
	app.UpdatedAt = now
	if err := c.Repo.InsertApplicationTx(ctx, tx, app); err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := c.Events.Append(ctx, tx, "application.started", "application", app.ID, app.ProgramVersion, applicantID, events.EventPayload{"program": programName}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	c.logger().Info("application started", "application", app.ID, "program", programName, "version", app.ProgramVersion)
	return app, nil
}

func (c Controller) Get(ctx context.Context, id string) (domain.Application, error) {
	return c.getApplication(ctx, id)
}

// QuestionView is a pinned question as shown inside a block.
type QuestionView struct {
	Name       string                 `json:"name"`
	Version    int                    `json:"version"`
	Type       domain.QuestionType    `json:"type"`
	Text       string                 `json:"text"`
	HelpText   string                 `json:"help_text,omitempty"`
	Optional   bool                   `json:"optional"`
	Options    []string               `json:"options,omitempty"`
	Validation domain.ValidationRules `json:"validation"`
	EntityType string                 `json:"entity_type,omitempty"`
	Values     []string               `json:"values,omitempty"`
	Answered   bool                   `json:"answered"`
}

type BlockView struct {
	Instance    string         `json:"instance"`
	BlockID     int64          `json:"block_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Repetition  int            `json:"repetition"`
	Entity      string         `json:"entity,omitempty"`
	Questions   []QuestionView `json:"questions"`
}

// Step is where the applicant should go next: a block or the review page.
type Step struct {
	Review    bool       `json:"review"`
	Block     *BlockView `json:"block,omitempty"`
	Completed int        `json:"completed"`
	Total     int        `json:"total"`
}

func (p program) view(state predicate.BlockState, answers domain.AnswerSet) *BlockView {
	v := &BlockView{
		Instance:    state.Instance,
		BlockID:     state.Block.ID,
		Name:        state.Block.Name,
		Description: state.Block.Description,
		Repetition:  state.Repetition,
		Entity:      state.Entity,
	}
	for _, ref := range state.Block.Questions {
		q := p.questions[ref.Name]
		qv := QuestionView{
			Name:       q.Name,
			Version:    q.Version,
			Type:       q.Type,
			Text:       q.Text,
			HelpText:   q.HelpText,
			Optional:   ref.Optional,
			Options:    q.OptionLabels(),
			Validation: q.Validation,
			EntityType: q.EntityType,
		}
		if a, ok := answers.Get(ref.Name, state.Repetition); ok {
			qv.Values = append([]string(nil), a.Values...)
			qv.Answered = true
		}
		v.Questions = append(v.Questions, qv)
	}
	return v
}

// next picks the first visible instance with a required question left open;
// failing that, the first visible instance after the last one holding a
// saved answer; failing that, review.
func (p program) next(answers domain.AnswerSet) Step {
	states := p.resolve(answers)
	var visible []predicate.BlockState
	for _, s := range states {
		if s.Visible() {
			visible = append(visible, s)
		}
	}
	step := Step{Total: len(visible)}
	for _, s := range visible {
		if len(predicate.Unanswered(s, answers)) == 0 && predicate.HasSavedAnswer(s, answers) {
			step.Completed++
		}
	}
	for _, s := range visible {
		if len(predicate.Unanswered(s, answers)) > 0 {
			step.Block = p.view(s, answers)
			return step
		}
	}
	last := -1
	for i, s := range visible {
		if predicate.HasSavedAnswer(s, answers) {
			last = i
		}
	}
	if last+1 < len(visible) {
		step.Block = p.view(visible[last+1], answers)
		return step
	}
	step.Review = true
	return step
}

// CurrentBlock returns the block the applicant should answer next.
func (c Controller) CurrentBlock(ctx context.Context, id string) (Step, error) {
	a, p, err := c.load(ctx, id)
	if err != nil {
		return Step{}, err
	}
	if a.Status == domain.StatusSubmitted {
		return Step{Review: true}, nil
	}
	return p.next(a.Answers), nil
}

// Visibility reports every block instance with its resolved visibility.
func (c Controller) Visibility(ctx context.Context, id string) (predicate.States, error) {
	a, p, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.resolve(a.Answers), nil
}

type SummaryItem struct {
	Instance  string              `json:"instance"`
	Block     string              `json:"block"`
	Entity    string              `json:"entity,omitempty"`
	Question  string              `json:"question"`
	Type      domain.QuestionType `json:"type"`
	Text      string              `json:"text"`
	Values    []string            `json:"values"`
	UpdatedAt string              `json:"updated_at"`
}

// Summary lists the answered questions of visible blocks in program order.
func (c Controller) Summary(ctx context.Context, id string) ([]SummaryItem, error) {
	a, p, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []SummaryItem{}
	for _, s := range p.resolve(a.Answers) {
		if !s.Visible() {
			continue
		}
		for _, ref := range s.Block.Questions {
			ans, ok := a.Answers.Get(ref.Name, s.Repetition)
			if !ok || ans.Empty() {
				continue
			}
			q := p.questions[ref.Name]
			out = append(out, SummaryItem{
				Instance:  s.Instance,
				Block:     s.Block.Name,
				Entity:    s.Entity,
				Question:  ref.Name,
				Type:      q.Type,
				Text:      q.Text,
				Values:    append([]string(nil), ans.Values...),
				UpdatedAt: ans.UpdatedAt,
			})
		}
	}
	return out, nil
}

// Submission decodes the frozen payload of a submitted application.
func (c Controller) Submission(ctx context.Context, id string) (snapshot.Submission, error) {
	data, err := c.Repo.Submission(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return snapshot.Submission{}, domain.NotFoundError{Kind: "submission", Name: id}
	}
	if err != nil {
		return snapshot.Submission{}, err
	}
	return snapshot.DecodeSubmission(data)
}
