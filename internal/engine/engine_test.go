package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"formline/internal/db"
	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/migrate"
	"formline/internal/predicate"
	"formline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func textQuestion(text string) domain.QuestionContent {
	return domain.QuestionContent{Type: domain.TypeText, Text: text}
}

func (env testEnv) question(t *testing.T, name string, c domain.QuestionContent) domain.QuestionDefinition {
	t.Helper()
	q, err := env.Engine.CreateQuestionDraft(env.Ctx, name, c, "admin")
	if err != nil {
		t.Fatalf("create question %s: %v", name, err)
	}
	return q
}

func (env testEnv) publish(t *testing.T, req engine.PublishRequest) engine.PublishResult {
	t.Helper()
	res, err := env.Engine.Publish(env.Ctx, req, "admin")
	if err != nil {
		t.Fatalf("publish %+v: %v", req, err)
	}
	return res
}

func (env testEnv) states(t *testing.T, name string) map[domain.LifecycleState]int {
	t.Helper()
	history, err := env.Engine.QuestionHistory(env.Ctx, name)
	if err != nil {
		t.Fatalf("history %s: %v", name, err)
	}
	out := map[domain.LifecycleState]int{}
	for _, q := range history {
		out[q.State]++
	}
	return out
}

func block(id int64, names ...string) domain.Block {
	b := domain.Block{ID: id}
	for _, n := range names {
		b.Questions = append(b.Questions, domain.QuestionRef{Name: n})
	}
	return b
}

func TestQuestionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	q := env.question(t, "first-name", textQuestion("What is your first name?"))
	if q.Version != 1 || q.State != domain.StateDraft {
		t.Fatalf("expected draft v1, got %s v%d", q.State, q.Version)
	}
	if q.ExportOption != domain.ExportNonDemographic {
		t.Fatalf("expected default export option, got %q", q.ExportOption)
	}
	if _, err := env.Engine.CreateQuestionDraft(env.Ctx, "first-name", textQuestion("again"), "admin"); !errors.As(err, new(domain.AlreadyExistsError)) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, err := env.Engine.CreateQuestionVersion(env.Ctx, "first-name", "admin"); !errors.As(err, new(domain.AlreadyExistsError)) {
		t.Fatalf("expected already exists while draft pending, got %v", err)
	}

	env.publish(t, engine.PublishRequest{Questions: []string{"first-name"}})
	if got := env.states(t, "first-name"); got[domain.StateActive] != 1 || got[domain.StateDraft] != 0 {
		t.Fatalf("after publish: %v", got)
	}
	if _, err := env.Engine.UpdateQuestionDraft(env.Ctx, "first-name", textQuestion("changed"), "admin"); !errors.As(err, new(domain.ImmutableError)) {
		t.Fatalf("expected immutable, got %v", err)
	}

	next, err := env.Engine.CreateQuestionVersion(env.Ctx, "first-name", "admin")
	if err != nil {
		t.Fatalf("new version: %v", err)
	}
	if next.Version != 2 || next.Text != "What is your first name?" {
		t.Fatalf("expected copy of v1 as v2, got %+v", next)
	}
	if got := env.states(t, "first-name"); got[domain.StateActive] != 1 || got[domain.StateDraft] != 1 {
		t.Fatalf("after new version: %v", got)
	}
	if _, err := env.Engine.UpdateQuestionDraft(env.Ctx, "first-name", textQuestion("Given name?"), "admin"); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	env.publish(t, engine.PublishRequest{Questions: []string{"first-name"}})
	got := env.states(t, "first-name")
	if got[domain.StateActive] != 1 || got[domain.StateObsolete] != 1 || got[domain.StateDraft] != 0 {
		t.Fatalf("after second publish: %v", got)
	}
	active, err := env.Engine.GetQuestion(env.Ctx, "first-name", repo.SelectActive)
	if err != nil || active.Version != 2 || active.Text != "Given name?" {
		t.Fatalf("active: %+v %v", active, err)
	}
}

func TestQuestionErrors(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateQuestionDraft(env.Ctx, "missing", textQuestion("x"), "admin"); !errors.As(err, new(domain.NotFoundError)) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.CreateQuestionVersion(env.Ctx, "missing", "admin"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	env.question(t, "pending", textQuestion("Pending?"))
	if _, err := env.Engine.SetQuestionArchived(env.Ctx, "pending", true, "admin"); !errors.As(err, new(domain.NoActiveVersionError)) {
		t.Fatalf("expected no active version, got %v", err)
	}
	if _, err := env.Engine.CreateQuestionDraft(env.Ctx, "Bad Name", textQuestion("x"), "admin"); !errors.As(err, new(domain.ValidationError)) {
		t.Fatalf("expected validation error for name, got %v", err)
	}
	if _, err := env.Engine.CreateQuestionDraft(env.Ctx, "color", domain.QuestionContent{Type: domain.TypeRadio, Text: "Color?"}, "admin"); !errors.As(err, new(domain.ValidationError)) {
		t.Fatalf("expected validation error for missing options, got %v", err)
	}
	if _, err := env.Engine.GetQuestion(env.Ctx, "pending", repo.SelectActive); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no active pending, got %v", err)
	}
}

func TestQuestionTypeFixedAfterPublish(t *testing.T) {
	env := newTestEnv(t)
	env.question(t, "age", domain.QuestionContent{Type: domain.TypeNumber, Text: "Age?"})
	env.publish(t, engine.PublishRequest{Questions: []string{"age"}})
	if _, err := env.Engine.CreateQuestionVersion(env.Ctx, "age", "admin"); err != nil {
		t.Fatalf("new version: %v", err)
	}
	var ve domain.ValidationError
	if _, err := env.Engine.UpdateQuestionDraft(env.Ctx, "age", textQuestion("Age?"), "admin"); !errors.As(err, &ve) || len(ve.Fields["type"]) == 0 {
		t.Fatalf("expected type error, got %v", err)
	}
}

func TestArchiveQuestion(t *testing.T) {
	env := newTestEnv(t)
	env.question(t, "pet", textQuestion("Pet?"))
	env.publish(t, engine.PublishRequest{Questions: []string{"pet"}})
	q, err := env.Engine.SetQuestionArchived(env.Ctx, "pet", true, "admin")
	if err != nil || !q.MarkedForArchival {
		t.Fatalf("archive: %+v %v", q, err)
	}
	next, err := env.Engine.CreateQuestionVersion(env.Ctx, "pet", "admin")
	if err != nil || !next.MarkedForArchival {
		t.Fatalf("new version should keep archival flag: %+v %v", next, err)
	}
	q, err = env.Engine.SetQuestionArchived(env.Ctx, "pet", false, "admin")
	if err != nil || q.MarkedForArchival {
		t.Fatalf("unarchive: %+v %v", q, err)
	}
}

func TestNothingToPublishLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.question(t, "a", textQuestion("A?"))
	env.question(t, "b", textQuestion("B?"))
	env.publish(t, engine.PublishRequest{Questions: []string{"b"}})

	_, err := env.Engine.Publish(env.Ctx, engine.PublishRequest{Questions: []string{"a", "b"}}, "admin")
	var nothing domain.NothingToPublishError
	if !errors.As(err, &nothing) {
		t.Fatalf("expected nothing to publish, got %v", err)
	}
	if len(nothing.Missing) != 1 || nothing.Missing[0] != "question:b" {
		t.Fatalf("unexpected missing list %v", nothing.Missing)
	}
	if got := env.states(t, "a"); got[domain.StateDraft] != 1 || got[domain.StateActive] != 0 {
		t.Fatalf("a should still be a draft: %v", got)
	}
	if _, err := env.Engine.Publish(env.Ctx, engine.PublishRequest{}, "admin"); !errors.As(err, new(domain.ValidationError)) {
		t.Fatalf("expected validation error for empty request, got %v", err)
	}
}

func TestPublishedProgramPinsQuestionVersions(t *testing.T) {
	env := newTestEnv(t)
	env.question(t, "age", domain.QuestionContent{Type: domain.TypeNumber, Text: "How old are you?"})
	if _, err := env.Engine.CreateProgramDraft(env.Ctx, "benefits", domain.ProgramContent{Blocks: []domain.Block{block(1, "age")}}, "admin"); err != nil {
		t.Fatalf("create program: %v", err)
	}
	res := env.publish(t, engine.PublishRequest{Questions: []string{"age"}, Programs: []string{"benefits"}})
	if len(res.Programs) != 1 || res.Programs[0].Digest == "" {
		t.Fatalf("expected a digest on the published program: %+v", res.Programs)
	}
	if v := res.Programs[0].Blocks[0].Questions[0].Version; v != 1 {
		t.Fatalf("expected age pinned at v1, got %d", v)
	}

	if _, err := env.Engine.CreateQuestionVersion(env.Ctx, "age", "admin"); err != nil {
		t.Fatalf("new version: %v", err)
	}
	if _, err := env.Engine.UpdateQuestionDraft(env.Ctx, "age", domain.QuestionContent{Type: domain.TypeNumber, Text: "Age in years?"}, "admin"); err != nil {
		t.Fatalf("update: %v", err)
	}
	env.publish(t, engine.PublishRequest{Questions: []string{"age"}})

	program, err := env.Engine.GetProgram(env.Ctx, "benefits", repo.SelectActive)
	if err != nil {
		t.Fatalf("get program: %v", err)
	}
	pinned, err := env.Engine.ProgramQuestions(env.Ctx, program)
	if err != nil {
		t.Fatalf("program questions: %v", err)
	}
	if q := pinned["age"]; q.Version != 1 || q.Text != "How old are you?" {
		t.Fatalf("published program should keep v1, got v%d %q", q.Version, q.Text)
	}
}

func TestPublishProgramNeedsActiveQuestions(t *testing.T) {
	env := newTestEnv(t)
	env.question(t, "city", textQuestion("City?"))
	if _, err := env.Engine.CreateProgramDraft(env.Ctx, "housing", domain.ProgramContent{Blocks: []domain.Block{block(1, "city")}}, "admin"); err != nil {
		t.Fatalf("create program: %v", err)
	}
	_, err := env.Engine.Publish(env.Ctx, engine.PublishRequest{Programs: []string{"housing"}}, "admin")
	var noActive domain.NoActiveVersionError
	if !errors.As(err, &noActive) || noActive.Name != "city" {
		t.Fatalf("expected no active version for city, got %v", err)
	}
	if _, err := env.Engine.GetProgram(env.Ctx, "housing", repo.SelectDraft); err != nil {
		t.Fatalf("program should remain a draft: %v", err)
	}
}

func TestProgramValidation(t *testing.T) {
	env := newTestEnv(t)
	env.question(t, "name", textQuestion("Name?"))
	cases := []struct {
		name    string
		content domain.ProgramContent
	}{
		{"unknown question", domain.ProgramContent{Blocks: []domain.Block{block(1, "ghost")}}},
		{"duplicate block id", domain.ProgramContent{Blocks: []domain.Block{block(1, "name"), block(1)}}},
		{"question used twice", domain.ProgramContent{Blocks: []domain.Block{block(1, "name"), block(2, "name")}}},
		{"repeated by non enumerator", domain.ProgramContent{Blocks: []domain.Block{block(1, "name"), {ID: 2, RepeatedBy: "name"}}}},
	}
	for _, tc := range cases {
		if _, err := env.Engine.CreateProgramDraft(env.Ctx, "prog", tc.content, "admin"); !errors.As(err, new(domain.ValidationError)) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestAttachPredicateReferencesEarlierBlocksOnly(t *testing.T) {
	env := newTestEnv(t)
	env.question(t, "income", domain.QuestionContent{Type: domain.TypeNumber, Text: "Income?"})
	env.question(t, "employer", textQuestion("Employer?"))
	content := domain.ProgramContent{Blocks: []domain.Block{block(1, "income"), block(2, "employer")}}
	if _, err := env.Engine.CreateProgramDraft(env.Ctx, "aid", content, "admin"); err != nil {
		t.Fatalf("create program: %v", err)
	}

	forward := predicate.ShowIf(predicate.Leaf("employer", domain.OpEq, "acme"))
	if _, err := env.Engine.AttachPredicate(env.Ctx, "aid", 1, forward, "admin"); !errors.As(err, new(domain.PredicateConfigError)) {
		t.Fatalf("expected forward reference to fail, got %v", err)
	}
	if _, err := env.Engine.AttachPredicate(env.Ctx, "aid", 2, forward, "admin"); !errors.As(err, new(domain.PredicateConfigError)) {
		t.Fatalf("expected self reference to fail, got %v", err)
	}
	badLiteral := predicate.ShowIf(predicate.Leaf("income", domain.OpGt, "lots"))
	if _, err := env.Engine.AttachPredicate(env.Ctx, "aid", 2, badLiteral, "admin"); !errors.As(err, new(domain.PredicateConfigError)) {
		t.Fatalf("expected non numeric literal to fail, got %v", err)
	}
	if _, err := env.Engine.AttachPredicate(env.Ctx, "aid", 9, badLiteral, "admin"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing block, got %v", err)
	}

	ok := predicate.ShowIf(predicate.Leaf("income", domain.OpLt, "30000"))
	p, err := env.Engine.AttachPredicate(env.Ctx, "aid", 2, ok, "admin")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if p.Blocks[1].Predicate == nil || p.Blocks[1].Predicate.Action != domain.ActionShowIf {
		t.Fatalf("predicate not stored: %+v", p.Blocks[1])
	}
	p, err = env.Engine.DetachPredicate(env.Ctx, "aid", 2, "admin")
	if err != nil || p.Blocks[1].Predicate != nil {
		t.Fatalf("detach: %+v %v", p.Blocks[1], err)
	}
}

func TestRepeatedQuestionDraftsEnumerator(t *testing.T) {
	env := newTestEnv(t)
	env.question(t, "household", domain.QuestionContent{Type: domain.TypeEnumerator, Text: "Who lives with you?", EntityType: "member"})
	env.question(t, "member-age", domain.QuestionContent{Type: domain.TypeNumber, Text: "Age?", Enumerator: "household"})
	env.publish(t, engine.PublishRequest{Questions: []string{"household", "member-age"}})

	if _, err := env.Engine.CreateQuestionVersion(env.Ctx, "member-age", "admin"); err != nil {
		t.Fatalf("new version: %v", err)
	}
	if got := env.states(t, "household"); got[domain.StateDraft] != 1 {
		t.Fatalf("expected enumerator drafted along, got %v", got)
	}
}

func TestConcurrentDraftCreationHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		exists int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CreateQuestionDraft(env.Ctx, "race", textQuestion("Race?"), "admin")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.As(err, new(domain.AlreadyExistsError)):
				exists++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || exists != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", n-1, wins, exists)
	}
}
