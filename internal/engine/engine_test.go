package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"specforge/internal/db"
	"specforge/internal/domain"
	"specforge/internal/engine"
	"specforge/internal/interview"
	"specforge/internal/migrate"
	"specforge/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Project domain.Project
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Interview = interview.Engine{Industry: eng.IndustryOf}
	eng.Composer = interview.TemplateComposer{}
	eng.Responder = interview.Assistant{}
	eng.ActorID = "tester"
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, domain.Project{ID: "proj-1", Name: "Groom Room", Industry: "dog grooming"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Project: p}
}

func TestInterviewPersistsAnswersAndPhase(t *testing.T) {
	env := newTestEnv(t)
	draftID, err := env.Engine.CreateDraft(env.Ctx, "proj-1", domain.ModeInterview)
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	step, err := env.Engine.Next(env.Ctx, domain.InterviewRequest{DraftID: draftID})
	if err != nil || step.Phase != domain.PhaseVision {
		t.Fatalf("start interview: %+v %v", step, err)
	}
	step, err = env.Engine.Next(env.Ctx, domain.InterviewRequest{DraftID: draftID, Phase: domain.PhaseVision, Answer: "More bookings"})
	if err != nil {
		t.Fatalf("answer vision: %v", err)
	}
	if len(step.Suggestions) == 0 || step.Suggestions[0] != "Breed-specific service menu" {
		t.Fatalf("expected industry suggestions, got %v", step.Suggestions)
	}
	if _, err = env.Engine.Next(env.Ctx, domain.InterviewRequest{DraftID: draftID, Phase: step.Phase, Skipped: true}); err != nil {
		t.Fatalf("skip features: %v", err)
	}

	d, err := env.Engine.Repo.LoadDraft(env.Ctx, draftID)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Answers) != 2 || d.Answers[0].Answer != "More bookings" || !d.Answers[1].Skipped {
		t.Fatalf("unexpected answers %+v", d.Answers)
	}
	if d.CurrentPhase != domain.PhaseUsers {
		t.Fatalf("expected users phase, got %s", d.CurrentPhase)
	}
	if d.Progress != 2*100/7 {
		t.Fatalf("unexpected progress %d", d.Progress)
	}

	// A resumed session sends no answers; the stored ones are used.
	step, err = env.Engine.Next(env.Ctx, domain.InterviewRequest{DraftID: draftID})
	if err != nil || step.Phase != domain.PhaseUsers {
		t.Fatalf("resume: %+v %v", step, err)
	}
}

func TestFinalizeIsOnce(t *testing.T) {
	env := newTestEnv(t)
	draftID, err := env.Engine.CreateDraft(env.Ctx, "proj-1", domain.ModeAuto)
	if err != nil {
		t.Fatal(err)
	}
	docID, err := env.Engine.Finalize(env.Ctx, domain.FinalizeRequest{DraftID: draftID, Mode: domain.ModeAuto, Description: " A scheduling app for dog groomers "})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	again, err := env.Engine.Finalize(env.Ctx, domain.FinalizeRequest{DraftID: draftID, Mode: domain.ModeAuto, Description: "changed"})
	if err != nil || again != docID {
		t.Fatalf("second finalize: %s %v", again, err)
	}
	doc, err := env.Engine.Repo.GetDocument(env.Ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Groom Room website specification" || !strings.Contains(doc.Content, "A scheduling app for dog groomers") || doc.Tokens == 0 {
		t.Fatalf("unexpected document %+v", doc)
	}
	d, err := env.Engine.Repo.GetDraft(env.Ctx, draftID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Finalized() || d.Description != "A scheduling app for dog groomers" {
		t.Fatalf("draft not finalized: %+v", d)
	}
	if _, err := env.Engine.Next(env.Ctx, domain.InterviewRequest{DraftID: draftID}); !errors.Is(err, engine.ErrDraftFinalized) {
		t.Fatalf("expected ErrDraftFinalized, got %v", err)
	}
	totals, err := env.Engine.Repo.UsageTotals(env.Ctx, "proj-1")
	if err != nil || totals["document"] != doc.Tokens {
		t.Fatalf("usage totals %v %v", totals, err)
	}
}

type flakyResponder struct {
	fail bool
}

func (f *flakyResponder) Respond(_ context.Context, _ domain.Project, req domain.ChatRequest) (domain.ChatReply, error) {
	if f.fail {
		return domain.ChatReply{}, errors.New("responder down")
	}
	return domain.ChatReply{Text: "ok: " + req.Message, Model: "flaky"}, nil
}

func TestReplyStoresResendOnce(t *testing.T) {
	env := newTestEnv(t)
	responder := &flakyResponder{fail: true}
	env.Engine.Responder = responder
	draftID, err := env.Engine.CreateDraft(env.Ctx, "proj-1", domain.ModeChat)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reply(env.Ctx, domain.ChatRequest{DraftID: draftID, Message: "add a gallery"}); err == nil {
		t.Fatalf("expected responder error")
	}
	responder.fail = false
	reply, err := env.Engine.Reply(env.Ctx, domain.ChatRequest{DraftID: draftID, Message: "add a gallery"})
	if err != nil || reply != "ok: add a gallery" {
		t.Fatalf("reply: %q %v", reply, err)
	}
	turns, err := env.Engine.Repo.ListChatTurns(env.Ctx, draftID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Role != domain.RoleUser || turns[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected transcript %+v", turns)
	}
}

func TestBuildJobTransitions(t *testing.T) {
	env := newTestEnv(t)
	draftID, _ := env.Engine.CreateDraft(env.Ctx, "proj-1", domain.ModeAuto)
	docID, err := env.Engine.Finalize(env.Ctx, domain.FinalizeRequest{DraftID: draftID, Mode: domain.ModeAuto, Description: "site"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := env.Engine.CreateBuildJob(env.Ctx, docID, "Build the site")
	if err != nil || job.Status != domain.JobPending {
		t.Fatalf("create job: %+v %v", job, err)
	}
	if _, err := env.Engine.CreateBuildJob(env.Ctx, docID, "again"); !errors.Is(err, domain.ErrActiveJob) {
		t.Fatalf("expected ErrActiveJob, got %v", err)
	}
	if _, err := env.Engine.SetJobStatus(env.Ctx, job.ID, domain.JobCompleted, ""); err == nil {
		t.Fatalf("pending -> completed should be rejected")
	}
	job, err = env.Engine.SetJobStatus(env.Ctx, job.ID, domain.JobRunning, "")
	if err != nil || job.StartedAt == nil {
		t.Fatalf("to running: %+v %v", job, err)
	}
	job, err = env.Engine.SetJobStatus(env.Ctx, job.ID, domain.JobCompleted, "")
	if err != nil || job.FinishedAt == nil {
		t.Fatalf("to completed: %+v %v", job, err)
	}
	if _, err := env.Engine.SetJobStatus(env.Ctx, job.ID, domain.JobFailed, "late"); err == nil {
		t.Fatalf("terminal status must not change")
	}
	if _, err := env.Engine.CreateBuildJob(env.Ctx, docID, "rebuild"); err != nil {
		t.Fatalf("new job after completion: %v", err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ProjectID: "proj-1", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
		if e.ActorID != "tester" {
			t.Fatalf("event %s has actor %s", e.Type, e.ActorID)
		}
	}
	for _, want := range []string{"project.created", "draft.created", "document.finalized", "build.started", "build.running", "build.completed"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestRecordBuildIntent(t *testing.T) {
	env := newTestEnv(t)
	draftID, _ := env.Engine.CreateDraft(env.Ctx, "proj-1", domain.ModeAuto)
	docID, err := env.Engine.Finalize(env.Ctx, domain.FinalizeRequest{DraftID: draftID, Mode: domain.ModeAuto, Description: "site"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RecordBuildIntent(env.Ctx, draftID, docID); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "build.intent"})
	if err != nil || len(evts) != 1 || evts[0].EntityID != docID {
		t.Fatalf("intent events %+v %v", evts, err)
	}
	if err := env.Engine.RecordBuildIntent(env.Ctx, draftID, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateAPIKeyStoresHashOnly(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "ci-bot", "ci")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plain, "sf_") || key.KeyHash == plain {
		t.Fatalf("unexpected key %q / %+v", plain, key)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	if err != nil || stored.ID != key.ID || stored.ActorID != "ci-bot" || stored.Name != "ci" {
		t.Fatalf("lookup by hash: %+v %v", stored, err)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, " ", ""); err == nil {
		t.Fatalf("expected actor required")
	}
}
