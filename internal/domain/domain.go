package domain

import "errors"

// ErrActiveJob is returned when a document already has a pending or running build job.
var ErrActiveJob = errors.New("document already has an active build job")

// Phase names one step of the guided interview. PhaseChat is the
// post-interview refinement phase.
type Phase string

const (
	PhaseVision       Phase = "vision"
	PhaseFeatures     Phase = "features"
	PhaseUsers        Phase = "users"
	PhaseData         Phase = "data"
	PhaseAuth         Phase = "auth"
	PhaseIntegrations Phase = "integrations"
	PhaseDesign       Phase = "design"
	PhaseChat         Phase = "chat"
)

// InterviewPhases lists the interview phases in the order they are asked.
var InterviewPhases = []Phase{
	PhaseVision,
	PhaseFeatures,
	PhaseUsers,
	PhaseData,
	PhaseAuth,
	PhaseIntegrations,
	PhaseDesign,
}

// PhaseIndex returns the position of p in the interview order, len(InterviewPhases)
// for PhaseChat and -1 for unknown phases.
func PhaseIndex(p Phase) int {
	if p == PhaseChat {
		return len(InterviewPhases)
	}
	for i, ph := range InterviewPhases {
		if ph == p {
			return i
		}
	}
	return -1
}

type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeInterview Mode = "interview"
	ModeChat      Mode = "chat"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Industry    string `json:"industry,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PhaseAnswer struct {
	Phase   Phase  `json:"phase"`
	Answer  string `json:"answer"`
	Skipped bool   `json:"skipped,omitempty"`
}

type ChatTurn struct {
	Role      string `json:"role" enum:"user,assistant"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
}

type Draft struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Mode         Mode          `json:"mode" enum:"auto,interview,chat"`
	Description  string        `json:"description,omitempty"`
	CurrentPhase Phase         `json:"current_phase,omitempty"`
	Progress     int           `json:"progress_percent"`
	Answers      []PhaseAnswer `json:"answers,omitempty"`
	Transcript   []ChatTurn    `json:"transcript,omitempty"`
	DocumentID   *string       `json:"document_id,omitempty"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
	UpdatedAt    string        `json:"updated_at" format:"date-time"`
}

// Finalized reports whether a document has been generated from the draft.
func (d Draft) Finalized() bool {
	return d.DocumentID != nil && *d.DocumentID != ""
}

type Document struct {
	ID        string `json:"id"`
	DraftID   string `json:"draft_id"`
	ProjectID string `json:"project_id"`
	Source    Mode   `json:"source"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Tokens    int    `json:"tokens"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	JobPending       = "pending"
	JobRunning       = "running"
	JobCompleted     = "completed"
	JobFailed        = "failed"
	JobIndeterminate = "indeterminate"
)

// JobActive reports whether a build job status still occupies its document.
func JobActive(status string) bool {
	return status == JobPending || status == JobRunning
}

type BuildJob struct {
	ID          string  `json:"id"`
	DocumentID  string  `json:"document_id"`
	ProjectID   string  `json:"project_id"`
	Status      string  `json:"status" enum:"pending,running,completed,failed"`
	Instruction string  `json:"instruction,omitempty"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt  *string `json:"finished_at,omitempty" format:"date-time"`
}

type BuildLog struct {
	JobID   string `json:"job_id"`
	Seq     int64  `json:"seq"`
	Message string `json:"message"`
	TS      string `json:"ts" format:"date-time"`
}

// ProgressEvent is one delivery of a build job's progress stream. Status is
// empty for ordinary progress and JobCompleted or JobFailed for the discrete
// terminal events. Err carries a transport error that did not end the stream.
type ProgressEvent struct {
	JobID        string   `json:"job_id"`
	LogMessages  []string `json:"log_messages,omitempty"`
	IsGenerating bool     `json:"is_generating"`
	Status       string   `json:"status,omitempty"`
	Error        string   `json:"error,omitempty"`
	Err          error    `json:"-"`
}

type Usage struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	DraftID   string `json:"draft_id"`
	Kind      string `json:"kind"`
	Model     string `json:"model,omitempty"`
	Tokens    int    `json:"tokens"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type Actor struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
}

// InterviewRequest asks the interview engine for the next question. An empty
// Phase starts (or resumes) the interview from Answers.
type InterviewRequest struct {
	DraftID string        `json:"draft_id"`
	Phase   Phase         `json:"phase,omitempty"`
	Answer  string        `json:"answer,omitempty"`
	Skipped bool          `json:"skipped,omitempty"`
	Answers []PhaseAnswer `json:"answers,omitempty"`
}

type InterviewStep struct {
	Question    string   `json:"question,omitempty"`
	Context     string   `json:"context,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Phase       Phase    `json:"phase"`
	Progress    int      `json:"progress_percent"`
	Complete    bool     `json:"is_complete"`
}

type ChatRequest struct {
	DraftID    string     `json:"draft_id"`
	Message    string     `json:"message"`
	Transcript []ChatTurn `json:"transcript,omitempty"`
}

// FinalizeRequest carries everything the generator needs to write a document.
type FinalizeRequest struct {
	DraftID     string        `json:"draft_id"`
	Mode        Mode          `json:"mode"`
	Description string        `json:"description,omitempty"`
	Answers     []PhaseAnswer `json:"answers,omitempty"`
	Transcript  []ChatTurn    `json:"transcript,omitempty"`
}

// Composition is a generated document before it is stored.
type Composition struct {
	Title   string
	Content string
	Model   string
}

// ChatReply is a chat collaborator's answer and the model that wrote it.
type ChatReply struct {
	Text  string
	Model string
}
