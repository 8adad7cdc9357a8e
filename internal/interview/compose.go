package interview

import (
	"context"
	"fmt"
	"strings"

	"specforge/internal/domain"
)

// TemplateModel names the built-in composer in usage records.
const TemplateModel = "template"

// TemplateComposer assembles a Markdown requirements document from the
// description or the interview answers and chat refinements.
type TemplateComposer struct{}

func (TemplateComposer) Compose(_ context.Context, project domain.Project, req domain.FinalizeRequest) (domain.Composition, error) {
	title := "Website specification"
	if name := strings.TrimSpace(project.Name); name != "" {
		title = name + " website specification"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if project.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n\n", project.Industry)
	}

	if req.Mode == domain.ModeAuto {
		b.WriteString("## Overview\n\n")
		b.WriteString(strings.TrimSpace(req.Description))
		b.WriteString("\n\n")
		writeDefaults(&b)
		return domain.Composition{Title: title, Content: b.String(), Model: TemplateModel}, nil
	}

	byPhase := map[domain.Phase]domain.PhaseAnswer{}
	for _, a := range req.Answers {
		byPhase[a.Phase] = a
	}
	for _, p := range domain.InterviewPhases {
		fmt.Fprintf(&b, "## %s\n\n", PhaseTitle(p))
		a, ok := byPhase[p]
		switch {
		case !ok || a.Skipped || strings.TrimSpace(a.Answer) == "":
			b.WriteString("_Not specified. Use conventions typical for the industry._\n\n")
		default:
			writeAnswer(&b, a.Answer)
		}
	}

	var refinements []string
	for _, t := range req.Transcript {
		if t.Role == domain.RoleUser && strings.TrimSpace(t.Content) != "" {
			refinements = append(refinements, strings.TrimSpace(t.Content))
		}
	}
	if len(refinements) > 0 {
		b.WriteString("## Refinements\n\n")
		for _, r := range refinements {
			fmt.Fprintf(&b, "- %s\n", oneLine(r))
		}
		b.WriteString("\n")
	}
	return domain.Composition{Title: title, Content: b.String(), Model: TemplateModel}, nil
}

// writeAnswer renders multi-line answers (merged suggestions) as a list.
func writeAnswer(b *strings.Builder, answer string) {
	lines := strings.Split(strings.TrimSpace(answer), "\n")
	if len(lines) == 1 {
		b.WriteString(lines[0])
		b.WriteString("\n\n")
		return
	}
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			fmt.Fprintf(b, "- %s\n", l)
		}
	}
	b.WriteString("\n")
}

func writeDefaults(b *strings.Builder) {
	b.WriteString("## Assumptions\n\n")
	b.WriteString("- Mobile-first responsive layout\n")
	b.WriteString("- Contact form delivering enquiries by email\n")
	b.WriteString("- No customer accounts unless stated above\n\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
