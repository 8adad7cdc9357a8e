// Package interview holds the built-in collaborators used when no language
// model is configured: a deterministic seven-phase interview, a template
// document composer and a rule-based chat assistant.
package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"specforge/internal/domain"
)

var (
	ErrUnknownPhase = errors.New("unknown interview phase")
	ErrEmptyAnswer  = errors.New("answer is empty")
)

// Engine asks one question per phase. It keeps no state; every request
// carries the answers given so far.
type Engine struct {
	// Questions overrides the built-in question text per phase.
	Questions map[domain.Phase]string
	// Industry looks up the industry of the draft's project to tailor suggestions.
	Industry func(ctx context.Context, draftID string) string
}

// Next records req's answer (if any) against the answered set and returns the
// first unanswered phase after it, wrapping round to phases skipped over
// earlier. Progress is the share of interview phases answered or skipped.
func (e Engine) Next(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error) {
	answered := map[domain.Phase]bool{}
	for _, a := range req.Answers {
		answered[a.Phase] = true
	}
	start := 0
	if req.Phase != "" {
		idx := domain.PhaseIndex(req.Phase)
		if idx < 0 || req.Phase == domain.PhaseChat {
			return domain.InterviewStep{}, fmt.Errorf("%w: %s", ErrUnknownPhase, req.Phase)
		}
		if !req.Skipped && strings.TrimSpace(req.Answer) == "" {
			return domain.InterviewStep{}, ErrEmptyAnswer
		}
		answered[req.Phase] = true
		start = idx + 1
	}

	progress := Progress(answered)
	next, ok := nextUnanswered(answered, start)
	if !ok {
		return domain.InterviewStep{Phase: domain.PhaseChat, Progress: 100, Complete: true}, nil
	}
	industry := ""
	if e.Industry != nil {
		industry = e.Industry(ctx, req.DraftID)
	}
	info := phases[next]
	question := info.question
	if q := strings.TrimSpace(e.Questions[next]); q != "" {
		question = q
	}
	return domain.InterviewStep{
		Question:    question,
		Context:     info.context,
		Suggestions: suggestionsFor(next, industry),
		Phase:       next,
		Progress:    progress,
	}, nil
}

// Progress returns the percentage of interview phases present in answered.
func Progress(answered map[domain.Phase]bool) int {
	n := 0
	for _, p := range domain.InterviewPhases {
		if answered[p] {
			n++
		}
	}
	return n * 100 / len(domain.InterviewPhases)
}

func nextUnanswered(answered map[domain.Phase]bool, start int) (domain.Phase, bool) {
	total := len(domain.InterviewPhases)
	for i := 0; i < total; i++ {
		p := domain.InterviewPhases[(start+i)%total]
		if !answered[p] {
			return p, true
		}
	}
	return "", false
}

// QuestionOverrides converts configured phase names to phases, dropping unknown ones.
func QuestionOverrides(in map[string]string) map[domain.Phase]string {
	out := map[domain.Phase]string{}
	for k, v := range in {
		p := domain.Phase(strings.ToLower(strings.TrimSpace(k)))
		if domain.PhaseIndex(p) >= 0 && p != domain.PhaseChat {
			out[p] = v
		}
	}
	return out
}
