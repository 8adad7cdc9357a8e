package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"specforge/internal/config"
	"specforge/internal/domain"
)

type scriptedClient struct {
	reply string
	err   error
	got   []Request
}

func (c *scriptedClient) Complete(_ context.Context, req Request) (string, error) {
	c.got = append(c.got, req)
	return c.reply, c.err
}

func (c *scriptedClient) Model() string { return "scripted" }

func TestNewProviders(t *testing.T) {
	c, err := New(config.LLMConfig{Provider: "none"})
	if err != nil || c != nil {
		t.Fatalf("expected no client for provider none, got %v, %v", c, err)
	}
	if _, err := New(config.LLMConfig{Provider: "anthropic"}); err == nil {
		t.Fatalf("expected missing api key error")
	}
	if _, err := New(config.LLMConfig{Provider: "mystery", APIKey: "k"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	c, err = New(config.LLMConfig{Provider: "openai", APIKey: "k", Model: "gpt-4o"})
	if err != nil || c.Model() != "gpt-4o" {
		t.Fatalf("openai client: %v %v", c, err)
	}
	c, err = New(config.LLMConfig{Provider: "Anthropic", APIKey: "k"})
	if err != nil || c.Model() != defaultAnthropicModel {
		t.Fatalf("anthropic client: %v %v", c, err)
	}
}

func TestComposerTakesTitleFromHeading(t *testing.T) {
	client := &scriptedClient{reply: "# Groom Room PRD\n\n## Goals\n..."}
	doc, err := Composer{Client: client}.Compose(context.Background(), domain.Project{Name: "Groom Room"}, domain.FinalizeRequest{
		Mode:    domain.ModeChat,
		Answers: []domain.PhaseAnswer{{Phase: domain.PhaseVision, Answer: "More bookings"}, {Phase: domain.PhaseAuth, Skipped: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Groom Room PRD" || doc.Model != "scripted" {
		t.Fatalf("unexpected composition %+v", doc)
	}
	prompt := client.got[0].Messages[0].Content
	if !strings.Contains(prompt, "- Vision: More bookings") || !strings.Contains(prompt, "(skipped)") {
		t.Fatalf("prompt missing answers:\n%s", prompt)
	}
}

func TestComposerWrapsErrors(t *testing.T) {
	client := &scriptedClient{err: ErrEmptyResponse}
	_, err := Composer{Client: client}.Compose(context.Background(), domain.Project{}, domain.FinalizeRequest{Mode: domain.ModeAuto, Description: "x"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected wrapped ErrEmptyResponse, got %v", err)
	}
}

func TestResponderMergesRepeatedRoles(t *testing.T) {
	client := &scriptedClient{reply: " Added. "}
	reply, err := Responder{Client: client}.Respond(context.Background(), domain.Project{}, domain.ChatRequest{
		Message: "second try",
		Transcript: []domain.ChatTurn{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "hi"},
			{Role: domain.RoleUser, Content: "add a blog"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Added." {
		t.Fatalf("unexpected reply %q", reply.Text)
	}
	msgs := client.got[0].Messages
	if len(msgs) != 3 || msgs[2].Content != "add a blog\n\nsecond try" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestFlatten(t *testing.T) {
	got := flatten(Request{System: "sys", Messages: []Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}}})
	want := "System: sys\n\nUser: a\n\nAssistant: b\n\n"
	if got != want {
		t.Fatalf("flatten = %q, want %q", got, want)
	}
}
