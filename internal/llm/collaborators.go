package llm

import (
	"context"
	"fmt"
	"strings"

	"specforge/internal/domain"
	"specforge/internal/interview"
)

const (
	composeSystem = "You write concise product requirements documents for small-business marketing websites. " +
		"Answer with Markdown only. Start with a level-one heading holding the document title."
	chatSystem = "You help refine the requirements of a small-business marketing website. " +
		"Acknowledge each request briefly and say how it changes the requirements."
)

// Composer writes documents with a language model.
type Composer struct {
	Client    Client
	MaxTokens int
}

func (c Composer) Compose(ctx context.Context, project domain.Project, req domain.FinalizeRequest) (domain.Composition, error) {
	out, err := c.Client.Complete(ctx, Request{
		System:    composeSystem,
		Messages:  []Message{{Role: RoleUser, Content: composePrompt(project, req)}},
		MaxTokens: c.MaxTokens,
	})
	if err != nil {
		return domain.Composition{}, fmt.Errorf("compose document: %w", err)
	}
	return domain.Composition{Title: titleOf(out, project), Content: out, Model: c.Client.Model()}, nil
}

func composePrompt(project domain.Project, req domain.FinalizeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business: %s\n", nonEmpty(project.Name, "unnamed"))
	if project.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", project.Industry)
	}
	if req.Mode == domain.ModeAuto {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", strings.TrimSpace(req.Description))
		return b.String()
	}
	b.WriteString("\nInterview answers:\n")
	for _, a := range req.Answers {
		answer := strings.TrimSpace(a.Answer)
		if a.Skipped || answer == "" {
			answer = "(skipped)"
		}
		fmt.Fprintf(&b, "- %s: %s\n", interview.PhaseTitle(a.Phase), answer)
	}
	if len(req.Transcript) > 0 {
		b.WriteString("\nRefinement chat:\n")
		for _, t := range req.Transcript {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	return b.String()
}

// titleOf takes the first Markdown heading as the title.
func titleOf(doc string, project domain.Project) string {
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	if project.Name != "" {
		return project.Name + " website specification"
	}
	return "Website specification"
}

// Responder answers refinement chat messages with a language model.
type Responder struct {
	Client    Client
	MaxTokens int
}

func (r Responder) Respond(ctx context.Context, project domain.Project, req domain.ChatRequest) (domain.ChatReply, error) {
	messages := make([]Message, 0, len(req.Transcript)+1)
	for _, t := range req.Transcript {
		messages = append(messages, Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, Message{Role: RoleUser, Content: req.Message})
	system := chatSystem
	if project.Name != "" {
		system += " The business is " + project.Name + "."
	}
	out, err := r.Client.Complete(ctx, Request{System: system, Messages: alternate(messages), MaxTokens: r.MaxTokens})
	if err != nil {
		return domain.ChatReply{}, fmt.Errorf("chat reply: %w", err)
	}
	return domain.ChatReply{Text: strings.TrimSpace(out), Model: r.Client.Model()}, nil
}

// alternate merges consecutive messages of the same role; Anthropic rejects
// two user turns in a row, which a failed reply leaves behind.
func alternate(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
