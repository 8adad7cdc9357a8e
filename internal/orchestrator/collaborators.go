package orchestrator

import (
	"context"
	"time"

	"specforge/internal/domain"
)

type DraftCreator interface {
	CreateDraft(ctx context.Context, projectID string, mode domain.Mode) (string, error)
}

// InterviewEngine returns the next question for a draft, or a step with
// Complete set once every phase has an answer.
type InterviewEngine interface {
	Next(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error)
}

type ChatEngine interface {
	Reply(ctx context.Context, req domain.ChatRequest) (string, error)
}

// Generator writes the specification document and returns its id.
type Generator interface {
	Finalize(ctx context.Context, req domain.FinalizeRequest) (string, error)
}

// BuildTrigger starts generation jobs. StartBuild returns domain.ErrActiveJob
// when the document already has a pending or running job.
type BuildTrigger interface {
	ActiveJob(ctx context.Context, documentID string) (jobID string, ok bool, err error)
	StartBuild(ctx context.Context, documentID, instruction string) (string, error)
}

// IntentRecorder stores the start-of-build marker before a job is requested.
type IntentRecorder interface {
	RecordBuildIntent(ctx context.Context, draftID, documentID string) error
}

// ProgressStream delivers a job's progress in order, starting after the first
// offset log messages. The channel is closed when the job reaches a terminal
// status or ctx is done.
type ProgressStream interface {
	Subscribe(ctx context.Context, jobID string, offset int) (<-chan domain.ProgressEvent, error)
}

// Collaborators groups the external services an orchestrator sequences.
// Intent is optional.
type Collaborators struct {
	Drafts    DraftCreator
	Interview InterviewEngine
	Chat      ChatEngine
	Generator Generator
	Builds    BuildTrigger
	Intent    IntentRecorder
	Progress  ProgressStream
}

// Timeouts bound each collaborator call. Zero leaves a call unbounded.
type Timeouts struct {
	CreateDraft  time.Duration
	Interview    time.Duration
	Chat         time.Duration
	Finalize     time.Duration
	BuildTrigger time.Duration
}

// Observer receives transitions and collaborator call outcomes, for metrics.
type Observer interface {
	Transition(from, to State)
	Call(op string, took time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Transition(State, State) {}

func (nopObserver) Call(string, time.Duration, error) {}
