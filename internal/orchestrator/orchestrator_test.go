package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specforge/internal/domain"
)

const waitFor = 2 * time.Second

func newTestOrchestrator(t *testing.T, f *fakeCollab, opts Options) *Orchestrator {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	o := New("proj-1", f.collaborators(), opts)
	_, err := o.Begin()
	require.NoError(t, err)
	t.Cleanup(func() { o.Cancel() })
	return o
}

// finalizedOrchestrator runs the auto flow to the Complete display.
func finalizedOrchestrator(t *testing.T, f *fakeCollab, opts Options) *Orchestrator {
	t.Helper()
	o := newTestOrchestrator(t, f, opts)
	_, err := o.SelectAuto()
	require.NoError(t, err)
	s, err := o.Generate(context.Background(), "A scheduling app for dog groomers")
	require.NoError(t, err)
	require.Equal(t, StateComplete, s.State)
	return o
}

func resumeChat(t *testing.T, f *fakeCollab, transcript []domain.ChatTurn) *Orchestrator {
	t.Helper()
	o := New("proj-1", f.collaborators(), Options{})
	_, err := o.Resume(domain.Draft{ID: "draft-9", Mode: domain.ModeChat, Transcript: transcript})
	require.NoError(t, err)
	t.Cleanup(func() { o.Cancel() })
	return o
}

func waitState(t *testing.T, o *Orchestrator, want State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return o.Snapshot().State == want }, waitFor, time.Millisecond,
		"state never reached %s", want)
	return o.Snapshot()
}

func TestScenarioAutoModeGenerate(t *testing.T) {
	f := newFakeCollab()
	o := finalizedOrchestrator(t, f, Options{})

	create, _, _, finalize, start := f.counts()
	assert.Equal(t, 1, create)
	assert.Equal(t, 1, finalize)
	assert.Zero(t, start)
	assert.Equal(t, "A scheduling app for dog groomers", f.finalizeReqs[0].Description)
	assert.Equal(t, domain.ModeAuto, f.finalizeReqs[0].Mode)

	s := o.Snapshot()
	assert.Equal(t, StateComplete, s.State)
	assert.Equal(t, "doc-draft-1", s.DocumentID)
	assert.True(t, s.CanBuild)
}

func TestEmptyDescriptionNeverCallsGenerator(t *testing.T) {
	f := newFakeCollab()
	o := newTestOrchestrator(t, f, Options{})
	_, err := o.SelectAuto()
	require.NoError(t, err)

	s, err := o.Generate(context.Background(), "   \n\t")
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StateAutoDrafting, s.State)
	assert.NotEmpty(t, s.Errors[ActionGenerate])

	create, _, _, finalize, _ := f.counts()
	assert.Zero(t, create)
	assert.Zero(t, finalize)
}

func TestBlankGenerateKeepsDescription(t *testing.T) {
	f := newFakeCollab()
	o := newTestOrchestrator(t, f, Options{})
	_, err := o.SelectAuto()
	require.NoError(t, err)
	_, err = o.SetDescription("A scheduling app for dog groomers")
	require.NoError(t, err)

	s, err := o.Generate(context.Background(), "   ")
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StateAutoDrafting, s.State)
	assert.Equal(t, "A scheduling app for dog groomers", s.Description)

	s, err = o.Generate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, s.State)
	_, _, _, finalize, _ := f.counts()
	assert.Equal(t, 1, finalize)
}

func TestCreateDraftFailureAbortsGenerate(t *testing.T) {
	f := newFakeCollab()
	f.createErr = errors.New("drafts unavailable")
	o := newTestOrchestrator(t, f, Options{})
	_, err := o.SelectAuto()
	require.NoError(t, err)

	s, err := o.Generate(context.Background(), "salon site")
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "create_draft", ce.Op)
	assert.Equal(t, StateAutoDrafting, s.State)
	assert.Equal(t, "salon site", s.Description)
	assert.Equal(t, "drafts unavailable", s.Errors[ActionGenerate])
	_, _, _, finalize, _ := f.counts()
	assert.Zero(t, finalize)
}

func TestGenerationFailureReturnsToEditing(t *testing.T) {
	f := newFakeCollab()
	f.finalizeErr = errors.New("model overloaded")
	o := newTestOrchestrator(t, f, Options{})
	_, err := o.SelectAuto()
	require.NoError(t, err)

	s, err := o.Generate(context.Background(), "salon site")
	require.Error(t, err)
	assert.Equal(t, StateAutoDrafting, s.State)
	assert.Equal(t, "salon site", s.Description)
	assert.Equal(t, "draft-1", s.DraftID)

	f.mu.Lock()
	f.finalizeErr = nil
	f.mu.Unlock()
	s, err = o.Generate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, s.State)
	create, _, _, _, _ := f.counts()
	assert.Equal(t, 1, create, "retry reuses the created draft")
}

func TestScenarioInterviewThroughFinish(t *testing.T) {
	f := newFakeCollab()
	o := newTestOrchestrator(t, f, Options{})
	ctx := context.Background()

	s, err := o.StartInterview(ctx)
	require.NoError(t, err)
	require.Equal(t, StateInterviewing, s.State)
	require.False(t, s.Initializing)
	require.Equal(t, domain.PhaseVision, s.Phase)

	for i := 0; i < len(domain.InterviewPhases); i++ {
		s, err = o.Submit(ctx, "answer "+string(s.Phase))
		require.NoError(t, err)
	}
	require.Equal(t, StateChatting, s.State)
	assert.Equal(t, domain.PhaseChat, s.Phase)
	assert.Equal(t, domain.ModeChat, s.Mode)
	assert.NotEmpty(t, s.Intro)
	assert.Empty(t, s.Transcript, "intro is not part of the transcript")

	want := append(append([]domain.Phase(nil), domain.InterviewPhases...), domain.PhaseChat)
	assert.Equal(t, want, s.PhaseHistory)
	require.Len(t, s.Answers, len(domain.InterviewPhases))

	s, err = o.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, s.State)
	_, _, chat, finalize, _ := f.counts()
	assert.Zero(t, chat)
	assert.Equal(t, 1, finalize)
	assert.Len(t, f.finalizeReqs[0].Answers, len(domain.InterviewPhases))
}

func TestProgressNeverDecreases(t *testing.T) {
	f := newFakeCollab()
	reported := []int{10, 40, 25, 60}
	var n int
	f.interviewFn = func(_ context.Context, req domain.InterviewRequest) (domain.InterviewStep, error) {
		p := reported[n]
		n++
		return domain.InterviewStep{Question: "q", Phase: domain.InterviewPhases[n-1], Progress: p}, nil
	}
	o := newTestOrchestrator(t, f, Options{})
	ctx := context.Background()

	s, err := o.StartInterview(ctx)
	require.NoError(t, err)
	last := s.Progress
	for i := 0; i < 3; i++ {
		s, err = o.Submit(ctx, "x")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.Progress, last)
		last = s.Progress
	}
	assert.Equal(t, 60, last)
}

func TestSuggestionMergedOnce(t *testing.T) {
	f := newFakeCollab()
	o := newTestOrchestrator(t, f, Options{})
	_, err := o.StartInterview(context.Background())
	require.NoError(t, err)

	var s Snapshot
	for i := 0; i < 4; i++ {
		s, err = o.AppendSuggestion("Online booking")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, strings.Count(s.PendingAnswer, "Online booking"))

	s, err = o.Submit(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Online booking", s.Answers[0].Answer)
	assert.Empty(t, s.PendingAnswer)
}

func TestSkipRecordsSkippedPhase(t *testing.T) {
	f := newFakeCollab()
	o := newTestOrchestrator(t, f, Options{})
	_, err := o.StartInterview(context.Background())
	require.NoError(t, err)

	s, err := o.Skip(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Answers, 1)
	assert.True(t, s.Answers[0].Skipped)
	assert.Equal(t, domain.PhaseFeatures, s.Phase)
	assert.True(t, f.interviewReqs[1].Skipped)
}

func TestEmptyAnswerIsValidationError(t *testing.T) {
	f := newFakeCollab()
	o := newTestOrchestrator(t, f, Options{})
	_, err := o.StartInterview(context.Background())
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), "  ")
	require.ErrorIs(t, err, ErrValidation)
	_, interview, _, _, _ := f.counts()
	assert.Equal(t, 1, interview)
}

func TestSubmitWhileInFlightIsBusy(t *testing.T) {
	f := newFakeCollab()
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	o := newTestOrchestrator(t, f, Options{})
	_, err := o.StartInterview(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	f.interviewFn = func(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error) {
		entered <- struct{}{}
		<-gate
		return phasedInterview(ctx, req)
	}
	f.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), "first")
		done <- err
	}()
	<-entered

	s := o.Snapshot()
	assert.True(t, s.IsSubmitting)
	_, err = o.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = o.Skip(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, "first", o.Snapshot().Answers[0].Answer)
}

func TestStartInterviewFailureCanRetry(t *testing.T) {
	f := newFakeCollab()
	f.interviewFn = func(ctx context.Context, _ domain.InterviewRequest) (domain.InterviewStep, error) {
		<-ctx.Done()
		return domain.InterviewStep{}, ctx.Err()
	}
	o := newTestOrchestrator(t, f, Options{Timeouts: Timeouts{Interview: 20 * time.Millisecond}})

	s, err := o.StartInterview(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateInterviewing, s.State)
	assert.True(t, s.Initializing)
	assert.Contains(t, s.Errors[ActionStartInterview], "timed out")

	f.mu.Lock()
	f.interviewFn = phasedInterview
	f.mu.Unlock()
	s, err = o.StartInterview(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Initializing)
	assert.Empty(t, s.Errors)
	create, _, _, _, _ := f.counts()
	assert.Equal(t, 1, create)
}

func TestTimeoutReleasesActionWhenCollaboratorIgnoresContext(t *testing.T) {
	f := newFakeCollab()
	release := make(chan struct{})
	defer close(release)
	f.interviewFn = func(context.Context, domain.InterviewRequest) (domain.InterviewStep, error) {
		<-release
		return domain.InterviewStep{}, errors.New("late")
	}
	o := newTestOrchestrator(t, f, Options{Timeouts: Timeouts{Interview: 50 * time.Millisecond}})

	type result struct {
		snap Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		s, err := o.StartInterview(context.Background())
		done <- result{s, err}
	}()
	var r result
	select {
	case r = <-done:
	case <-time.After(waitFor):
		t.Fatal("StartInterview did not return after its timeout")
	}
	var collab *CollaboratorError
	require.ErrorAs(t, r.err, &collab)
	require.ErrorIs(t, r.err, context.DeadlineExceeded)
	assert.Empty(t, r.snap.InFlight)
	assert.Equal(t, StateInterviewing, r.snap.State)
	assert.True(t, r.snap.Initializing)
	assert.NotEmpty(t, r.snap.Errors[ActionStartInterview])
}

func TestScenarioCancelMidInterview(t *testing.T) {
	f := newFakeCollab()
	o := newTestOrchestrator(t, f, Options{})
	ctx := context.Background()

	_, err := o.StartInterview(ctx)
	require.NoError(t, err)
	for _, answer := range []string{"vision", "features", "users"} {
		_, err = o.Submit(ctx, answer)
		require.NoError(t, err)
	}
	s := o.Cancel()
	assert.Equal(t, StateCancelled, s.State)
	select {
	case <-o.Done():
	default:
		t.Fatal("done channel not closed after cancel")
	}

	_, err = o.Finish(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = o.StartBuilding(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, interviewCalls, _, finalize, start := f.counts()
	assert.Zero(t, finalize)
	assert.Zero(t, start)

	// Reopen from the persisted draft: the engine is asked again.
	reopened := New("proj-1", f.collaborators(), Options{})
	s, err = reopened.Resume(domain.Draft{
		ID:           s.DraftID,
		ProjectID:    "proj-1",
		Mode:         domain.ModeInterview,
		CurrentPhase: s.Phase,
		Progress:     s.Progress,
		Answers:      s.Answers,
	})
	require.NoError(t, err)
	assert.Equal(t, StateChoosingMode, s.State)
	assert.Nil(t, s.Question)

	s, err = reopened.StartInterview(ctx)
	require.NoError(t, err)
	_, after, _, _, _ := f.counts()
	assert.Equal(t, interviewCalls+1, after)
	assert.Equal(t, domain.PhaseData, s.Phase)
	create, _, _, _, _ := f.counts()
	assert.Equal(t, 1, create, "resumed draft is not recreated")
	reopened.Cancel()
}

func TestLateResponseAfterCancelIsIgnored(t *testing.T) {
	f := newFakeCollab()
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.interviewFn = func(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error) {
		entered <- struct{}{}
		<-gate
		return phasedInterview(ctx, req)
	}
	o := newTestOrchestrator(t, f, Options{})

	type result struct {
		s   Snapshot
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := o.StartInterview(context.Background())
		done <- result{s, err}
	}()
	<-entered
	o.Cancel()
	close(gate)

	r := <-done
	require.ErrorIs(t, r.err, ErrStale)
	assert.Equal(t, StateCancelled, r.s.State)
	assert.Nil(t, r.s.Question)
}

func TestChatMessagesStayInSendOrder(t *testing.T) {
	f := newFakeCollab()
	first := make(chan struct{})
	entered := make(chan string, 2)
	f.chatFn = func(_ context.Context, req domain.ChatRequest) (string, error) {
		entered <- req.Message
		if req.Message == "M1" {
			<-first
		}
		return "reply to " + req.Message, nil
	}
	chatOrch := resumeChat(t, f, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := chatOrch.SendChat(context.Background(), "M1")
		assert.NoError(t, err)
	}()
	require.Equal(t, "M1", <-entered)
	go func() {
		defer wg.Done()
		_, err := chatOrch.SendChat(context.Background(), "M2")
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond)
	close(first)
	wg.Wait()

	got := chatOrch.Snapshot().Transcript
	require.Len(t, got, 4)
	assert.Equal(t, []string{"M1", "reply to M1", "M2", "reply to M2"},
		[]string{got[0].Content, got[1].Content, got[2].Content, got[3].Content})
	assert.Equal(t, domain.RoleAssistant, got[1].Role)
}

func TestChatFailureKeepsMessageAndRetryDoesNotDuplicate(t *testing.T) {
	f := newFakeCollab()
	fail := true
	f.chatFn = func(_ context.Context, req domain.ChatRequest) (string, error) {
		if fail {
			return "", errors.New("chat engine down")
		}
		return "ok", nil
	}
	o := resumeChat(t, f, nil)

	s, err := o.SendChat(context.Background(), "add a gallery")
	require.Error(t, err)
	require.Len(t, s.Transcript, 1)
	assert.Equal(t, "chat engine down", s.Errors[ActionChat])

	s = o.DismissError(ActionChat)
	assert.Empty(t, s.Errors)

	fail = false
	s, err = o.RetryChat(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Transcript, 2)
	assert.Equal(t, "add a gallery", s.Transcript[0].Content)
	assert.Empty(t, f.chatReqs[1].Transcript)

	_, err = o.SendChat(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFinishFailureReturnsToChat(t *testing.T) {
	f := newFakeCollab()
	f.finalizeErr = errors.New("generator failed")
	o := resumeChat(t, f, []domain.ChatTurn{{Role: domain.RoleUser, Content: "keep me"}})

	s, err := o.Finish(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateChatting, s.State)
	require.Len(t, s.Transcript, 1)
	assert.Equal(t, "generator failed", s.Errors[ActionFinish])
}

func TestStartBuildingTwiceCreatesOneJob(t *testing.T) {
	f := newFakeCollab()
	gate := make(chan struct{})
	f.startFn = func(context.Context) (string, error) {
		<-gate
		return "job-1", nil
	}
	o := finalizedOrchestrator(t, f, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := o.StartBuilding(context.Background())
		done <- err
	}()
	waitState(t, o, StateBuildTriggering)

	s, err := o.StartBuilding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateBuildTriggering, s.State)

	close(gate)
	require.NoError(t, <-done)
	s, err = o.StartBuilding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateBuildRunning, s.State)
	assert.Equal(t, "job-1", s.Job.ID)

	_, _, _, _, start := f.counts()
	assert.Equal(t, 1, start)
	f.mu.Lock()
	assert.Equal(t, 1, f.intents)
	f.mu.Unlock()
}

func TestStartBuildingAttachesToActiveJob(t *testing.T) {
	f := newFakeCollab()
	o := finalizedOrchestrator(t, f, Options{})
	f.mu.Lock()
	f.activeJob = "job-existing"
	f.mu.Unlock()

	s, err := o.StartBuilding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateBuildRunning, s.State)
	assert.Equal(t, "job-existing", s.Job.ID)
	_, _, _, _, start := f.counts()
	assert.Zero(t, start)
	assert.Zero(t, f.intents, "no intent is recorded when attaching")
}

func TestStartBuildingRaceLostAttaches(t *testing.T) {
	f := newFakeCollab()
	f.startFn = func(context.Context) (string, error) {
		f.mu.Lock()
		f.activeJob = "job-other-tab"
		f.mu.Unlock()
		return "", domain.ErrActiveJob
	}
	o := finalizedOrchestrator(t, f, Options{})

	s, err := o.StartBuilding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-other-tab", s.Job.ID)
}

func TestScenarioBuildTriggerFailureKeepsDocument(t *testing.T) {
	f := newFakeCollab()
	f.startFn = func(context.Context) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	}
	o := finalizedOrchestrator(t, f, Options{})

	s, err := o.StartBuilding(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateComplete, s.State)
	assert.Equal(t, "doc-draft-1", s.DocumentID)
	assert.True(t, s.CanBuild)
	assert.Contains(t, s.Errors[ActionBuild], "connection refused")

	f.mu.Lock()
	f.startFn = nil
	f.mu.Unlock()
	s, err = o.StartBuilding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateBuildRunning, s.State)
	_, _, _, finalize, _ := f.counts()
	assert.Equal(t, 1, finalize, "retrying the build does not re-finalize")
}

func TestCompletionRequiresObservedGenerating(t *testing.T) {
	f := newFakeCollab()
	var finished []Snapshot
	var mu sync.Mutex
	o := finalizedOrchestrator(t, f, Options{OnDone: func(s Snapshot) {
		mu.Lock()
		finished = append(finished, s)
		mu.Unlock()
	}})

	_, err := o.StartBuilding(context.Background())
	require.NoError(t, err)

	f.progress <- domain.ProgressEvent{LogMessages: []string{"queued"}, IsGenerating: false}
	f.progress <- domain.ProgressEvent{LogMessages: []string{"still queued"}, IsGenerating: false}
	require.Eventually(t, func() bool {
		return len(o.Snapshot().Job.Logs) == 2
	}, waitFor, time.Millisecond)
	s := o.Snapshot()
	assert.Equal(t, StateBuildRunning, s.State, "an initial false reading is not completion")

	f.progress <- domain.ProgressEvent{LogMessages: []string{"writing pages"}, IsGenerating: true}
	f.progress <- domain.ProgressEvent{LogMessages: []string{"done"}, IsGenerating: false}
	s = waitState(t, o, StateCompleted)
	assert.Equal(t, []string{"queued", "still queued", "writing pages", "done"}, s.Job.Logs)
	assert.Equal(t, domain.JobCompleted, s.Job.Status)

	<-o.Done()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, finished, 1)
	assert.Equal(t, StateCompleted, finished[0].State)
}

func TestDiscreteFailedEventFailsBuild(t *testing.T) {
	f := newFakeCollab()
	o := finalizedOrchestrator(t, f, Options{})
	_, err := o.StartBuilding(context.Background())
	require.NoError(t, err)

	f.progress <- domain.ProgressEvent{IsGenerating: true}
	f.progress <- domain.ProgressEvent{Status: domain.JobFailed, Error: "npm install failed"}
	s := waitState(t, o, StateFailed)
	assert.Equal(t, "npm install failed", s.Errors[ActionBuild])
	assert.True(t, s.CanBuild)
}

func TestPersistentStreamErrorsReportIndeterminate(t *testing.T) {
	f := newFakeCollab()
	f.subscribeErr = errors.New("stream reset")
	o := finalizedOrchestrator(t, f, Options{MaxStreamErrors: 2})

	_, err := o.StartBuilding(context.Background())
	require.NoError(t, err)
	s := waitState(t, o, StateFailed)
	assert.Equal(t, domain.JobIndeterminate, s.Job.Status)
	assert.NotEqual(t, StateCompleted, s.State)
	f.mu.Lock()
	assert.Len(t, f.offsets, 3)
	f.mu.Unlock()
}

func TestStreamResubscribesFromLastMessage(t *testing.T) {
	f := newFakeCollab()
	o := finalizedOrchestrator(t, f, Options{})
	_, err := o.StartBuilding(context.Background())
	require.NoError(t, err)

	first := f.progress
	first <- domain.ProgressEvent{LogMessages: []string{"a", "b"}, IsGenerating: true}
	f.mu.Lock()
	f.progress = make(chan domain.ProgressEvent)
	second := f.progress
	f.mu.Unlock()
	close(first)

	second <- domain.ProgressEvent{LogMessages: []string{"c"}, Status: domain.JobCompleted}
	s := waitState(t, o, StateCompleted)
	assert.Equal(t, []string{"a", "b", "c"}, s.Job.Logs)
	f.mu.Lock()
	assert.Equal(t, []int{0, 2}, f.offsets)
	f.mu.Unlock()
}

func TestReviewEndsOrchestration(t *testing.T) {
	f := newFakeCollab()
	o := finalizedOrchestrator(t, f, Options{})
	s, err := o.Review()
	require.NoError(t, err)
	assert.Equal(t, StateReviewing, s.State)
	_, err = o.StartBuilding(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWatchReceivesChanges(t *testing.T) {
	f := newFakeCollab()
	o := newTestOrchestrator(t, f, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := o.Watch(ctx)
	initial := <-ch
	assert.Equal(t, StateChoosingMode, initial.State)

	_, err := o.SelectAuto()
	require.NoError(t, err)
	s := <-ch
	assert.Equal(t, StateAutoDrafting, s.State)
	assert.Greater(t, s.Version, initial.Version)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, IsValidTransition(StateChoosingMode, StateAutoDrafting))
	assert.True(t, IsValidTransition(StateBuildTriggering, StateComplete))
	assert.False(t, IsValidTransition(StateAutoDrafting, StateChatting))
	assert.False(t, IsValidTransition(StateCompleted, StateCancelled))
	for _, s := range []State{StateCompleted, StateReviewing, StateCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for from, targets := range validTransitions {
		if from.Terminal() {
			continue
		}
		assert.Contains(t, targets, StateCancelled, "cancel must be reachable from %s", from)
	}
}
