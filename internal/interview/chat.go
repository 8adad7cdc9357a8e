package interview

import (
	"context"
	"fmt"
	"strings"

	"specforge/internal/domain"
)

// AssistantModel names the built-in chat assistant in usage records.
const AssistantModel = "assistant"

var sectionKeywords = []struct {
	phase    domain.Phase
	keywords []string
}{
	{domain.PhaseDesign, []string{"color", "colour", "font", "logo", "style", "look", "theme", "brand"}},
	{domain.PhaseAuth, []string{"login", "log in", "sign in", "password", "account", "admin"}},
	{domain.PhaseIntegrations, []string{"stripe", "payment", "calendar", "google", "sms", "email", "map", "instagram"}},
	{domain.PhaseData, []string{"store", "record", "upload", "database", "export"}},
	{domain.PhaseUsers, []string{"customer", "client", "visitor", "audience", "staff"}},
	{domain.PhaseFeatures, []string{"page", "feature", "booking", "gallery", "form", "review", "menu", "blog"}},
}

// Assistant acknowledges refinement messages and says which section of the
// document they will land in.
type Assistant struct{}

func (Assistant) Respond(_ context.Context, _ domain.Project, req domain.ChatRequest) (domain.ChatReply, error) {
	msg := oneLine(req.Message)
	if msg == "" {
		return domain.ChatReply{}, ErrEmptyAnswer
	}
	section := "Refinements"
	lower := strings.ToLower(msg)
	for _, s := range sectionKeywords {
		if containsAny(lower, s.keywords) {
			section = PhaseTitle(s.phase)
			break
		}
	}
	text := fmt.Sprintf("Noted for the %s section: %q. Anything else, or press Finish to write the specification?", section, msg)
	return domain.ChatReply{Text: text, Model: AssistantModel}, nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
