package answers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specforge/internal/domain"
)

func TestMergeSuggestionIsIdempotent(t *testing.T) {
	s := New()
	s.SetPending("We groom dogs")
	for i := 0; i < 5; i++ {
		s.MergeSuggestion("Online booking")
	}
	assert.Equal(t, 1, strings.Count(s.Pending(), "Online booking"))
	assert.Equal(t, "We groom dogs\nOnline booking", s.Pending())

	s.MergeSuggestion("SMS reminders")
	s.MergeSuggestion("Online booking")
	assert.Equal(t, "We groom dogs\nOnline booking\nSMS reminders", s.Pending())
}

func TestMergeSuggestionMatchesWholeLines(t *testing.T) {
	s := New()
	s.MergeSuggestion("SMS reminders")
	s.MergeSuggestion("SMS")
	assert.Equal(t, "SMS reminders\nSMS", s.Pending())

	s = New()
	s.SetPending("We do not want booking")
	s.MergeSuggestion("booking")
	s.MergeSuggestion("booking")
	assert.Equal(t, "We do not want booking\nbooking", s.Pending())
}

func TestMergeSuggestionIntoEmptyAnswer(t *testing.T) {
	s := New()
	s.MergeSuggestion("  ")
	assert.Empty(t, s.Pending())
	s.MergeSuggestion(" Gallery ")
	assert.Equal(t, "Gallery", s.Pending())
}

func TestRecordAnswerSetsInPlace(t *testing.T) {
	s := New()
	require.NoError(t, s.RecordAnswer(domain.PhaseVision, "first", false))
	require.NoError(t, s.RecordAnswer(domain.PhaseFeatures, "", true))
	require.NoError(t, s.RecordAnswer(domain.PhaseVision, "second", false))

	got := s.Answers()
	require.Len(t, got, 2)
	assert.Equal(t, domain.PhaseVision, got[0].Phase)
	assert.Equal(t, "second", got[0].Answer)
	assert.True(t, got[1].Skipped)
}

func TestFrozenStoreRejectsAnswerEdits(t *testing.T) {
	s := New()
	require.NoError(t, s.SetDescription("salon site"))
	s.Freeze()

	assert.ErrorIs(t, s.SetDescription("other"), ErrFrozen)
	assert.ErrorIs(t, s.RecordAnswer(domain.PhaseVision, "x", false), ErrFrozen)
	assert.Equal(t, "salon site", s.Description())

	s.AppendChatTurn(domain.RoleUser, "still allowed")
	assert.Len(t, s.Transcript(), 1)
}

func TestFromDraftCopiesState(t *testing.T) {
	doc := "doc-1"
	d := domain.Draft{
		Description: "desc",
		Answers:     []domain.PhaseAnswer{{Phase: domain.PhaseVision, Answer: "v"}},
		Transcript:  []domain.ChatTurn{{Role: domain.RoleUser, Content: "hi"}},
		DocumentID:  &doc,
	}
	s := FromDraft(d)
	assert.True(t, s.Frozen())
	s.AppendChatTurn(domain.RoleAssistant, "hello")
	assert.Len(t, d.Transcript, 1)
	assert.Len(t, s.Transcript(), 2)
}
