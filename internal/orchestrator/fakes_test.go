package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"specforge/internal/domain"
)

// fakeCollab implements every collaborator with scripted behaviour and call records.
type fakeCollab struct {
	mu sync.Mutex

	createCalls int
	createErr   error

	interviewReqs []domain.InterviewRequest
	interviewFn   func(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error)

	chatReqs []domain.ChatRequest
	chatFn   func(ctx context.Context, req domain.ChatRequest) (string, error)

	finalizeReqs []domain.FinalizeRequest
	finalizeErr  error

	activeJob   string
	activeCalls int
	startCalls  int
	startFn     func(ctx context.Context) (string, error)
	intents     int

	progress     chan domain.ProgressEvent
	subscribeErr error
	offsets      []int
}

func newFakeCollab() *fakeCollab {
	return &fakeCollab{
		interviewFn: phasedInterview,
		chatFn: func(_ context.Context, req domain.ChatRequest) (string, error) {
			return "noted: " + req.Message, nil
		},
		progress: make(chan domain.ProgressEvent),
	}
}

func (f *fakeCollab) collaborators() Collaborators {
	return Collaborators{
		Drafts:    f,
		Interview: f,
		Chat:      f,
		Generator: f,
		Builds:    f,
		Intent:    f,
		Progress:  f,
	}
}

// phasedInterview asks one question per phase in order and completes after design.
func phasedInterview(_ context.Context, req domain.InterviewRequest) (domain.InterviewStep, error) {
	next := 0
	if req.Phase != "" {
		next = domain.PhaseIndex(req.Phase) + 1
	} else {
		next = len(req.Answers)
	}
	total := len(domain.InterviewPhases)
	if next >= total {
		return domain.InterviewStep{Phase: domain.PhaseChat, Progress: 100, Complete: true}, nil
	}
	phase := domain.InterviewPhases[next]
	return domain.InterviewStep{
		Question:    fmt.Sprintf("question about %s", phase),
		Context:     "context",
		Suggestions: []string{"Online booking", "SMS reminders"},
		Phase:       phase,
		Progress:    next * 100 / total,
	}, nil
}

func (f *fakeCollab) CreateDraft(_ context.Context, projectID string, _ domain.Mode) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return fmt.Sprintf("draft-%d", f.createCalls), nil
}

func (f *fakeCollab) Next(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error) {
	f.mu.Lock()
	f.interviewReqs = append(f.interviewReqs, req)
	fn := f.interviewFn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeCollab) Reply(ctx context.Context, req domain.ChatRequest) (string, error) {
	f.mu.Lock()
	f.chatReqs = append(f.chatReqs, req)
	fn := f.chatFn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeCollab) Finalize(_ context.Context, req domain.FinalizeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeReqs = append(f.finalizeReqs, req)
	if f.finalizeErr != nil {
		return "", f.finalizeErr
	}
	return "doc-" + req.DraftID, nil
}

func (f *fakeCollab) ActiveJob(_ context.Context, _ string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	return f.activeJob, f.activeJob != "", nil
}

func (f *fakeCollab) StartBuild(ctx context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	f.startCalls++
	n := f.startCalls
	fn := f.startFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return fmt.Sprintf("job-%d", n), nil
}

func (f *fakeCollab) RecordBuildIntent(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents++
	return nil
}

func (f *fakeCollab) Subscribe(ctx context.Context, _ string, offset int) (<-chan domain.ProgressEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	src := f.progress
	out := make(chan domain.ProgressEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeCollab) counts() (create, interview, chat, finalize, start int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, len(f.interviewReqs), len(f.chatReqs), len(f.finalizeReqs), f.startCalls
}
