// Package answers holds the facts accumulated for one specification draft:
// the free-text description, the per-phase interview answers and the chat
// transcript. It performs no I/O.
package answers

import (
	"errors"
	"strings"

	"specforge/internal/domain"
)

// ErrFrozen is returned when answers are edited after the draft was finalized.
var ErrFrozen = errors.New("draft is finalized; answers are frozen")

// Store is not safe for concurrent use; the orchestrator serializes access.
type Store struct {
	description string
	pending     string
	answers     []domain.PhaseAnswer
	transcript  []domain.ChatTurn
	frozen      bool
}

func New() *Store {
	return &Store{}
}

// FromDraft seeds a store from a persisted draft. Finalized drafts come back frozen.
func FromDraft(d domain.Draft) *Store {
	s := &Store{
		description: d.Description,
		answers:     append([]domain.PhaseAnswer(nil), d.Answers...),
		transcript:  append([]domain.ChatTurn(nil), d.Transcript...),
		frozen:      d.Finalized(),
	}
	return s
}

func (s *Store) Description() string { return s.description }

func (s *Store) SetDescription(text string) error {
	if s.frozen {
		return ErrFrozen
	}
	s.description = text
	return nil
}

// Pending is the answer being composed for the current question.
func (s *Store) Pending() string { return s.pending }

func (s *Store) SetPending(text string) {
	s.pending = text
}

// MergeSuggestion appends a suggestion to the pending answer on its own line.
// A suggestion already on a line of its own is not added again.
func (s *Store) MergeSuggestion(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	for _, line := range strings.Split(s.pending, "\n") {
		if strings.TrimSpace(line) == text {
			return
		}
	}
	if strings.TrimSpace(s.pending) == "" {
		s.pending = text
		return
	}
	s.pending = strings.TrimRight(s.pending, "\n") + "\n" + text
}

// RecordAnswer sets the answer for phase. A phase answered again keeps its
// original position.
func (s *Store) RecordAnswer(phase domain.Phase, text string, skipped bool) error {
	if s.frozen {
		return ErrFrozen
	}
	for i := range s.answers {
		if s.answers[i].Phase == phase {
			s.answers[i].Answer = text
			s.answers[i].Skipped = skipped
			return nil
		}
	}
	s.answers = append(s.answers, domain.PhaseAnswer{Phase: phase, Answer: text, Skipped: skipped})
	return nil
}

func (s *Store) Answer(phase domain.Phase) (domain.PhaseAnswer, bool) {
	for _, a := range s.answers {
		if a.Phase == phase {
			return a, true
		}
	}
	return domain.PhaseAnswer{}, false
}

// Answers returns a copy of the recorded answers in the order they were first set.
func (s *Store) Answers() []domain.PhaseAnswer {
	return append([]domain.PhaseAnswer(nil), s.answers...)
}

// AppendChatTurn is allowed after the draft is frozen.
func (s *Store) AppendChatTurn(role, content string) {
	s.transcript = append(s.transcript, domain.ChatTurn{Role: role, Content: content})
}

func (s *Store) Transcript() []domain.ChatTurn {
	return append([]domain.ChatTurn(nil), s.transcript...)
}

// Freeze marks the draft finalized.
func (s *Store) Freeze() { s.frozen = true }

func (s *Store) Frozen() bool { return s.frozen }
