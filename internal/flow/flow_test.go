package flow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"formline/internal/db"
	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/flow"
	"formline/internal/lock"
	"formline/internal/migrate"
	"formline/internal/predicate"
)

type testEnv struct {
	Engine engine.Engine
	Flow   flow.Controller
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
	now := func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	locks := lock.NewKeyed()
	eng := engine.New(conn, locks, nil)
	eng.Now = now
	ctl := flow.New(conn, locks, nil)
	ctl.Now = now
	return testEnv{Engine: eng, Flow: ctl, Ctx: ctx}
}

func (env testEnv) define(t *testing.T, questions map[string]domain.QuestionContent, order []string, program string, blocks []domain.Block) {
	t.Helper()
	for _, name := range order {
		if _, err := env.Engine.CreateQuestionDraft(env.Ctx, name, questions[name], "admin"); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if _, err := env.Engine.CreateProgramDraft(env.Ctx, program, domain.ProgramContent{Blocks: blocks}, "admin"); err != nil {
		t.Fatalf("create program: %v", err)
	}
	if _, err := env.Engine.Publish(env.Ctx, engine.PublishRequest{Questions: order, Programs: []string{program}}, "admin"); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func ref(name string, optional bool) domain.QuestionRef {
	return domain.QuestionRef{Name: name, Optional: optional}
}

func answer(question string, values ...string) []flow.RawAnswer {
	return []flow.RawAnswer{{Question: question, Values: values}}
}

func (env testEnv) save(t *testing.T, appID, instance string, raw []flow.RawAnswer) flow.Step {
	t.Helper()
	step, err := env.Flow.SubmitAnswers(env.Ctx, appID, instance, raw)
	if err != nil {
		t.Fatalf("answer %s: %v", instance, err)
	}
	return step
}

func expectBlock(t *testing.T, step flow.Step, instance string) {
	t.Helper()
	if step.Review || step.Block == nil || step.Block.Instance != instance {
		t.Fatalf("expected block %s, got %+v", instance, step)
	}
}

func aidProgram(t *testing.T, env testEnv) {
	t.Helper()
	lowIncome := predicate.ShowIf(predicate.Leaf("income", domain.OpLt, "30000"))
	env.define(t, map[string]domain.QuestionContent{
		"income":   {Type: domain.TypeNumber, Text: "Monthly income?"},
		"employer": {Type: domain.TypeText, Text: "Employer?"},
		"nickname": {Type: domain.TypeText, Text: "Nickname?"},
	}, []string{"employer", "income", "nickname"}, "aid", []domain.Block{
		{ID: 1, Name: "Income", Questions: []domain.QuestionRef{ref("income", false)}},
		{ID: 2, Name: "Work", Questions: []domain.QuestionRef{ref("employer", false)}, Predicate: &lowIncome},
		{ID: 3, Name: "Extra", Questions: []domain.QuestionRef{ref("nickname", true)}},
	})
}

func TestApplicationWalkthrough(t *testing.T) {
	env := newTestEnv(t)
	aidProgram(t, env)

	app, err := env.Flow.Start(env.Ctx, "alice", "aid", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := env.Flow.Start(env.Ctx, "alice", "aid", 0)
	if err != nil || again.ID != app.ID {
		t.Fatalf("start should return the existing application: %v %s %s", err, again.ID, app.ID)
	}
	if app.ID != flow.ApplicationID("alice", "aid", 1) {
		t.Fatalf("unexpected id %s", app.ID)
	}

	step, err := env.Flow.CurrentBlock(env.Ctx, app.ID)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	expectBlock(t, step, "1")

	if _, err := env.Flow.SubmitAnswers(env.Ctx, app.ID, "2", answer("employer", "acme")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("hidden block should not accept answers, got %v", err)
	}
	var ve domain.ValidationError
	if _, err := env.Flow.SubmitAnswers(env.Ctx, app.ID, "1", answer("income", "lots")); !errors.As(err, &ve) || len(ve.Fields["income"]) == 0 {
		t.Fatalf("expected validation error on income, got %v", err)
	}
	if _, err := env.Flow.SubmitAnswers(env.Ctx, app.ID, "1", append(answer("income", "100"), answer("employer", "acme")...)); !errors.As(err, new(domain.ValidationError)) {
		t.Fatalf("expected rejection of a question outside the block, got %v", err)
	}
	stored, err := env.Flow.Get(env.Ctx, app.ID)
	if err != nil || len(stored.Answers) != 0 {
		t.Fatalf("rejected answers must not be stored: %v %v", stored.Answers, err)
	}

	expectBlock(t, env.save(t, app.ID, "1", answer("income", "20000")), "2")
	_, err = env.Flow.Submit(env.Ctx, app.ID)
	var incomplete domain.IncompleteApplicationError
	if !errors.As(err, &incomplete) || len(incomplete.Questions) != 1 || incomplete.Questions[0] != "employer" {
		t.Fatalf("expected employer outstanding, got %v", err)
	}

	expectBlock(t, env.save(t, app.ID, "2", answer("employer", "acme")), "3")
	if step := env.save(t, app.ID, "3", nil); !step.Review {
		t.Fatalf("expected review after the last block, got %+v", step)
	}
	summary, err := env.Flow.Summary(env.Ctx, app.ID)
	if err != nil || len(summary) != 2 {
		t.Fatalf("expected income and employer in summary, got %+v %v", summary, err)
	}

	// raising income hides the work block but keeps its answer
	if step := env.save(t, app.ID, "1", answer("income", "50000")); !step.Review {
		t.Fatalf("expected review once work is hidden, got %+v", step)
	}
	stored, _ = env.Flow.Get(env.Ctx, app.ID)
	if _, ok := stored.Answers.Get("employer", 0); !ok {
		t.Fatalf("hidden answers should be kept")
	}

	submitted, err := env.Flow.Submit(env.Ctx, app.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != domain.StatusSubmitted || submitted.SubmittedAt == nil || submitted.SubmissionDigest == "" {
		t.Fatalf("unexpected submitted application %+v", submitted)
	}
	payload, err := env.Flow.Submission(env.Ctx, app.ID)
	if err != nil {
		t.Fatalf("submission: %v", err)
	}
	if len(payload.Answers) != 1 || payload.Answers[0].Question != "income" || payload.Answers[0].Values[0] != "50000" {
		t.Fatalf("submission should hold visible answers only: %+v", payload.Answers)
	}
	if _, err := env.Flow.SubmitAnswers(env.Ctx, app.ID, "1", answer("income", "1")); !errors.As(err, new(domain.ImmutableError)) {
		t.Fatalf("expected submitted application to be immutable, got %v", err)
	}
}

func TestRepeatedBlocksFollowEntities(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, map[string]domain.QuestionContent{
		"household":  {Type: domain.TypeEnumerator, Text: "Who lives with you?", EntityType: "member"},
		"member-age": {Type: domain.TypeNumber, Text: "How old is this person?", Enumerator: "household"},
	}, []string{"household", "member-age"}, "family", []domain.Block{
		{ID: 1, Name: "Household", Questions: []domain.QuestionRef{ref("household", false)}},
		{ID: 2, Name: "Member", Questions: []domain.QuestionRef{ref("member-age", false)}, RepeatedBy: "household"},
	})
	app, err := env.Flow.Start(env.Ctx, "bob", "family", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Flow.SubmitAnswers(env.Ctx, app.ID, "1", answer("household", "Ann", "ann")); !errors.As(err, new(domain.ValidationError)) {
		t.Fatalf("expected duplicate entity rejection, got %v", err)
	}
	expectBlock(t, env.save(t, app.ID, "1", answer("household", "Ann", "Bob")), "2.0")
	expectBlock(t, env.save(t, app.ID, "2.0", answer("member-age", "30")), "2.1")
	if step := env.save(t, app.ID, "2.1", answer("member-age", "5")); !step.Review {
		t.Fatalf("expected review, got %+v", step)
	}

	// removing Ann moves Bob's answers to the first repetition
	if step := env.save(t, app.ID, "1", answer("household", "Bob")); !step.Review {
		t.Fatalf("expected review after removal, got %+v", step)
	}
	stored, err := env.Flow.Get(env.Ctx, app.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a, ok := stored.Answers.Get("member-age", 0); !ok || a.Values[0] != "5" {
		t.Fatalf("expected Bob's age at repetition 0, got %+v", a)
	}
	if _, ok := stored.Answers.Get("member-age", 1); ok {
		t.Fatalf("stale repetition should be dropped")
	}
	states, err := env.Flow.Visibility(env.Ctx, app.ID)
	if err != nil || len(states) != 2 || states[1].Entity != "Bob" {
		t.Fatalf("unexpected visibility %+v %v", states, err)
	}
}

func TestStartNeedsPublishedProgram(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateQuestionDraft(env.Ctx, "city", domain.QuestionContent{Type: domain.TypeText, Text: "City?"}, "admin"); err != nil {
		t.Fatalf("question: %v", err)
	}
	if _, err := env.Engine.CreateProgramDraft(env.Ctx, "pending", domain.ProgramContent{Blocks: []domain.Block{{ID: 1, Questions: []domain.QuestionRef{ref("city", false)}}}}, "admin"); err != nil {
		t.Fatalf("program: %v", err)
	}
	if _, err := env.Flow.Start(env.Ctx, "carol", "pending", 0); !errors.As(err, new(domain.NoActiveVersionError)) {
		t.Fatalf("expected no active version, got %v", err)
	}
	if _, err := env.Flow.Start(env.Ctx, "carol", "missing", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestObsoleteVersionClosedToNewApplicants(t *testing.T) {
	env := newTestEnv(t)
	aidProgram(t, env)

	held, err := env.Flow.Start(env.Ctx, "alice", "aid", 1)
	if err != nil {
		t.Fatalf("start v1: %v", err)
	}
	if _, err := env.Engine.CreateProgramVersion(env.Ctx, "aid", "admin"); err != nil {
		t.Fatalf("new version: %v", err)
	}
	if _, err := env.Engine.Publish(env.Ctx, engine.PublishRequest{Programs: []string{"aid"}}, "admin"); err != nil {
		t.Fatalf("publish v2: %v", err)
	}

	var ov domain.ObsoleteVersionError
	if _, err := env.Flow.Start(env.Ctx, "newcomer", "aid", 1); !errors.As(err, &ov) || ov.Version != 1 {
		t.Fatalf("expected obsolete version error, got %v", err)
	}
	resumed, err := env.Flow.Start(env.Ctx, "alice", "aid", 1)
	if err != nil {
		t.Fatalf("resume v1: %v", err)
	}
	if resumed.ID != held.ID || resumed.ProgramVersion != 1 {
		t.Fatalf("expected the held v1 application, got %+v", resumed)
	}
	if _, err := env.Flow.CurrentBlock(env.Ctx, held.ID); err != nil {
		t.Fatalf("current block on obsolete version: %v", err)
	}
	fresh, err := env.Flow.Start(env.Ctx, "newcomer", "aid", 0)
	if err != nil || fresh.ProgramVersion != 2 {
		t.Fatalf("expected a v2 application, got %+v %v", fresh, err)
	}
}
