package interview

import (
	"context"
	"errors"
	"strings"
	"testing"

	"specforge/internal/domain"
)

func TestEngineWalksAllPhases(t *testing.T) {
	ctx := context.Background()
	e := Engine{}
	step, err := e.Next(ctx, domain.InterviewRequest{DraftID: "d1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if step.Phase != domain.PhaseVision || step.Progress != 0 || step.Question == "" {
		t.Fatalf("unexpected first step: %+v", step)
	}
	var answers []domain.PhaseAnswer
	last := step.Progress
	for i := 0; i < len(domain.InterviewPhases); i++ {
		phase := step.Phase
		answers = append(answers, domain.PhaseAnswer{Phase: phase, Answer: "answer"})
		step, err = e.Next(ctx, domain.InterviewRequest{DraftID: "d1", Phase: phase, Answer: "answer", Answers: answers})
		if err != nil {
			t.Fatalf("answer %s: %v", phase, err)
		}
		if step.Progress < last {
			t.Fatalf("progress went backwards: %d -> %d", last, step.Progress)
		}
		last = step.Progress
	}
	if !step.Complete || step.Phase != domain.PhaseChat || step.Progress != 100 {
		t.Fatalf("expected completion, got %+v", step)
	}
}

func TestEngineResumesAtFirstUnanswered(t *testing.T) {
	e := Engine{}
	step, err := e.Next(context.Background(), domain.InterviewRequest{Answers: []domain.PhaseAnswer{
		{Phase: domain.PhaseVision, Answer: "v"},
		{Phase: domain.PhaseFeatures, Skipped: true},
		{Phase: domain.PhaseUsers, Answer: "u"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if step.Phase != domain.PhaseData {
		t.Fatalf("expected data phase, got %s", step.Phase)
	}
	if step.Progress != 3*100/7 {
		t.Fatalf("unexpected progress %d", step.Progress)
	}
}

func TestEngineRejectsEmptyAnswerButAcceptsSkip(t *testing.T) {
	e := Engine{}
	_, err := e.Next(context.Background(), domain.InterviewRequest{Phase: domain.PhaseVision, Answer: "  "})
	if !errors.Is(err, ErrEmptyAnswer) {
		t.Fatalf("expected ErrEmptyAnswer, got %v", err)
	}
	step, err := e.Next(context.Background(), domain.InterviewRequest{Phase: domain.PhaseVision, Skipped: true})
	if err != nil {
		t.Fatal(err)
	}
	if step.Phase != domain.PhaseFeatures {
		t.Fatalf("expected features, got %s", step.Phase)
	}
	if _, err := e.Next(context.Background(), domain.InterviewRequest{Phase: "pricing", Answer: "x"}); !errors.Is(err, ErrUnknownPhase) {
		t.Fatalf("expected ErrUnknownPhase, got %v", err)
	}
}

func TestEngineIndustrySuggestionsAndOverrides(t *testing.T) {
	e := Engine{
		Questions: QuestionOverrides(map[string]string{"Features": "What must the booking site do?", "bogus": "x"}),
		Industry:  func(context.Context, string) string { return "Dog Grooming" },
	}
	step, err := e.Next(context.Background(), domain.InterviewRequest{Phase: domain.PhaseVision, Answer: "more bookings"})
	if err != nil {
		t.Fatal(err)
	}
	if step.Question != "What must the booking site do?" {
		t.Fatalf("override not applied: %q", step.Question)
	}
	if len(step.Suggestions) == 0 || step.Suggestions[0] != "Breed-specific service menu" {
		t.Fatalf("expected grooming suggestions first, got %v", step.Suggestions)
	}
	if len(e.Questions) != 1 {
		t.Fatalf("unknown phases should be dropped, got %v", e.Questions)
	}
}

func TestTemplateComposer(t *testing.T) {
	project := domain.Project{Name: "Paws & Claws", Industry: "dog grooming"}
	doc, err := TemplateComposer{}.Compose(context.Background(), project, domain.FinalizeRequest{
		Mode: domain.ModeChat,
		Answers: []domain.PhaseAnswer{
			{Phase: domain.PhaseVision, Answer: "Fill the appointment book"},
			{Phase: domain.PhaseFeatures, Answer: "Online booking\nPhoto gallery"},
			{Phase: domain.PhaseUsers, Skipped: true},
		},
		Transcript: []domain.ChatTurn{
			{Role: domain.RoleUser, Content: "Add a   gift card page"},
			{Role: domain.RoleAssistant, Content: "Noted"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Paws & Claws website specification" {
		t.Fatalf("unexpected title %q", doc.Title)
	}
	for _, want := range []string{"## Vision", "Fill the appointment book", "- Online booking", "- Photo gallery", "## Refinements", "- Add a gift card page"} {
		if !strings.Contains(doc.Content, want) {
			t.Fatalf("document missing %q:\n%s", want, doc.Content)
		}
	}
	if strings.Contains(doc.Content, "Noted") {
		t.Fatalf("assistant turns must not be copied into the document")
	}
}

func TestTemplateComposerAuto(t *testing.T) {
	doc, err := TemplateComposer{}.Compose(context.Background(), domain.Project{}, domain.FinalizeRequest{
		Mode:        domain.ModeAuto,
		Description: "A scheduling app for dog groomers",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc.Content, "## Overview\n\nA scheduling app for dog groomers") {
		t.Fatalf("overview missing:\n%s", doc.Content)
	}
}

func TestAssistantRoutesToSection(t *testing.T) {
	reply, err := Assistant{}.Respond(context.Background(), domain.Project{}, domain.ChatRequest{Message: "Use our teal brand colour"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Design section") {
		t.Fatalf("unexpected reply %q", reply.Text)
	}
	if _, err := (Assistant{}).Respond(context.Background(), domain.Project{}, domain.ChatRequest{Message: " "}); !errors.Is(err, ErrEmptyAnswer) {
		t.Fatalf("expected ErrEmptyAnswer, got %v", err)
	}
}
