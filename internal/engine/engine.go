package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"specforge/internal/domain"
	"specforge/internal/events"
	"specforge/internal/repo"
	"specforge/internal/tokens"
)

var (
	ErrDraftFinalized = errors.New("draft is already finalized")
	ErrNoComposer     = errors.New("no document composer configured")
)

// tsLayout is RFC 3339 with fixed microseconds so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Interviewer produces the next interview step from the answers so far.
type Interviewer interface {
	Next(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error)
}

// Composer writes a requirements document.
type Composer interface {
	Compose(ctx context.Context, project domain.Project, req domain.FinalizeRequest) (domain.Composition, error)
}

// Responder answers a refinement chat message.
type Responder interface {
	Respond(ctx context.Context, project domain.Project, req domain.ChatRequest) (domain.ChatReply, error)
}

// Engine persists drafts, documents and build jobs. Each mutation commits its
// rows together with the event that records it.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Interview Interviewer
	Composer  Composer
	Responder Responder
	Tokens    tokens.Counter
	// ActorID is recorded on events; empty means "system".
	ActorID string
	Now     func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

// WithActor returns a copy that attributes its events to actorID.
func (e Engine) WithActor(actorID string) Engine {
	e.ActorID = actorID
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(tsLayout)
}

func (e Engine) countTokens(text string) int {
	if e.Tokens == nil {
		return tokens.Approximate(text)
	}
	return e.Tokens.Count(text)
}

// CreateProject stores a project. An empty id is generated.
func (e Engine) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return domain.Project{}, errors.New("project name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, e.ActorID, events.EventPayload{"name": p.Name, "industry": p.Industry}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CreateDraft starts a new draft for the project.
func (e Engine) CreateDraft(ctx context.Context, projectID string, mode domain.Mode) (string, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return "", fmt.Errorf("project %s: %w", projectID, err)
	}
	now := e.ts()
	d := domain.Draft{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return "", fmt.Errorf("insert draft: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.DraftCreated, projectID, "draft", d.ID, e.ActorID, events.EventPayload{"mode": string(mode)}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return d.ID, nil
}

func (e Engine) openDraft(ctx context.Context, draftID string) (domain.Draft, error) {
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return d, fmt.Errorf("draft %s: %w", draftID, err)
	}
	if d.Finalized() {
		return d, ErrDraftFinalized
	}
	return d, nil
}

// IndustryOf returns the industry of the draft's project, or "" when unknown.
func (e Engine) IndustryOf(ctx context.Context, draftID string) string {
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return ""
	}
	p, err := e.Repo.GetProject(ctx, d.ProjectID)
	if err != nil {
		return ""
	}
	return p.Industry
}

// Next asks the interviewer for the next step and, once it succeeds, stores
// the submitted answer together with the new phase and progress. The stored
// answers replace req.Answers so a resumed session continues where the draft
// left off.
func (e Engine) Next(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error) {
	if e.Interview == nil {
		return domain.InterviewStep{}, errors.New("no interview engine configured")
	}
	d, err := e.openDraft(ctx, req.DraftID)
	if err != nil {
		return domain.InterviewStep{}, err
	}
	stored, err := e.Repo.ListPhaseAnswers(ctx, d.ID)
	if err != nil {
		return domain.InterviewStep{}, err
	}
	req.Answers = mergeAnswers(stored, req.Answers)
	step, err := e.Interview.Next(ctx, req)
	if err != nil {
		return domain.InterviewStep{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InterviewStep{}, err
	}
	defer tx.Rollback()
	if req.Phase != "" {
		a := domain.PhaseAnswer{Phase: req.Phase, Answer: req.Answer, Skipped: req.Skipped}
		if a.Skipped {
			a.Answer = ""
		}
		if err := e.Repo.UpsertPhaseAnswer(ctx, tx, d.ID, a); err != nil {
			return domain.InterviewStep{}, fmt.Errorf("store answer: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.DraftAnswered, d.ProjectID, "draft", d.ID, e.ActorID,
			events.EventPayload{"phase": string(a.Phase), "skipped": a.Skipped}); err != nil {
			return domain.InterviewStep{}, err
		}
	}
	mode := domain.ModeInterview
	if step.Complete {
		mode = domain.ModeChat
	}
	phase := step.Phase
	progress := step.Progress
	if err := e.Repo.UpdateDraft(ctx, tx, d.ID, repo.DraftUpdate{
		Mode:         &mode,
		CurrentPhase: &phase,
		Progress:     &progress,
		UpdatedAt:    e.ts(),
	}); err != nil {
		return domain.InterviewStep{}, err
	}
	if phase != d.CurrentPhase {
		if err := e.Events.Append(ctx, tx, events.DraftPhaseChanged, d.ProjectID, "draft", d.ID, e.ActorID,
			events.EventPayload{"from": string(d.CurrentPhase), "to": string(phase), "progress": progress}); err != nil {
			return domain.InterviewStep{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.InterviewStep{}, err
	}
	return step, nil
}

// mergeAnswers overlays the caller's answers on the stored ones, keeping the
// stored order.
func mergeAnswers(stored, given []domain.PhaseAnswer) []domain.PhaseAnswer {
	out := append([]domain.PhaseAnswer(nil), stored...)
	for _, g := range given {
		found := false
		for i := range out {
			if out[i].Phase == g.Phase {
				out[i] = g
				found = true
				break
			}
		}
		if !found {
			out = append(out, g)
		}
	}
	return out
}

// Reply stores the user's message, asks the responder and stores the reply.
// A resend of the last unanswered message is not stored twice.
func (e Engine) Reply(ctx context.Context, req domain.ChatRequest) (string, error) {
	if e.Responder == nil {
		return "", errors.New("no chat responder configured")
	}
	d, err := e.Repo.GetDraft(ctx, req.DraftID)
	if err != nil {
		return "", fmt.Errorf("draft %s: %w", req.DraftID, err)
	}
	project, err := e.Repo.GetProject(ctx, d.ProjectID)
	if err != nil {
		return "", err
	}
	turns, err := e.Repo.ListChatTurns(ctx, d.ID)
	if err != nil {
		return "", err
	}
	if n := len(turns); n == 0 || turns[n-1].Role != domain.RoleUser || turns[n-1].Content != req.Message {
		if err := e.Repo.InsertChatTurn(ctx, nil, d.ID, domain.ChatTurn{Role: domain.RoleUser, Content: req.Message, CreatedAt: e.ts()}); err != nil {
			return "", fmt.Errorf("store message: %w", err)
		}
	}

	reply, err := e.Responder.Respond(ctx, project, req)
	if err != nil {
		return "", err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	now := e.ts()
	if err := e.Repo.InsertChatTurn(ctx, tx, d.ID, domain.ChatTurn{Role: domain.RoleAssistant, Content: reply.Text, CreatedAt: now}); err != nil {
		return "", fmt.Errorf("store reply: %w", err)
	}
	if err := e.Repo.InsertUsage(ctx, tx, domain.Usage{
		ProjectID: d.ProjectID,
		DraftID:   d.ID,
		Kind:      "chat",
		Model:     reply.Model,
		Tokens:    e.countTokens(req.Message) + e.countTokens(reply.Text),
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	if err := e.Repo.UpdateDraft(ctx, tx, d.ID, repo.DraftUpdate{UpdatedAt: now}); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, events.DraftChatTurn, d.ProjectID, "draft", d.ID, e.ActorID, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return reply.Text, nil
}

// Finalize composes and stores the document for the draft and returns its id.
// Finalizing an already finalized draft returns the existing document.
func (e Engine) Finalize(ctx context.Context, req domain.FinalizeRequest) (string, error) {
	if e.Composer == nil {
		return "", ErrNoComposer
	}
	d, err := e.Repo.GetDraft(ctx, req.DraftID)
	if err != nil {
		return "", fmt.Errorf("draft %s: %w", req.DraftID, err)
	}
	if d.Finalized() {
		return *d.DocumentID, nil
	}
	project, err := e.Repo.GetProject(ctx, d.ProjectID)
	if err != nil {
		return "", err
	}
	if req.Mode != domain.ModeAuto {
		if req.Answers, err = e.Repo.ListPhaseAnswers(ctx, d.ID); err != nil {
			return "", err
		}
		if req.Transcript, err = e.Repo.ListChatTurns(ctx, d.ID); err != nil {
			return "", err
		}
	}
	comp, err := e.Composer.Compose(ctx, project, req)
	if err != nil {
		return "", err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	current, err := e.Repo.GetDraftTx(ctx, tx, d.ID)
	if err != nil {
		return "", err
	}
	if current.Finalized() {
		return *current.DocumentID, nil
	}
	now := e.ts()
	doc := domain.Document{
		ID:        uuid.NewString(),
		DraftID:   d.ID,
		ProjectID: d.ProjectID,
		Source:    req.Mode,
		Title:     comp.Title,
		Content:   comp.Content,
		Tokens:    e.countTokens(comp.Content),
		CreatedAt: now,
	}
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	u := repo.DraftUpdate{DocumentID: &doc.ID, UpdatedAt: now}
	if req.Mode == domain.ModeAuto {
		desc := strings.TrimSpace(req.Description)
		u.Description = &desc
	}
	if err := e.Repo.UpdateDraft(ctx, tx, d.ID, u); err != nil {
		return "", err
	}
	if err := e.Repo.InsertUsage(ctx, tx, domain.Usage{
		ProjectID: d.ProjectID,
		DraftID:   d.ID,
		Kind:      "document",
		Model:     comp.Model,
		Tokens:    doc.Tokens,
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, events.DocumentFinalized, d.ProjectID, "document", doc.ID, e.ActorID,
		events.EventPayload{"draft_id": d.ID, "source": string(req.Mode), "title": doc.Title, "tokens": doc.Tokens}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// RecordBuildIntent logs that the owner asked to build the document, before
// any job exists.
func (e Engine) RecordBuildIntent(ctx context.Context, draftID, documentID string) error {
	doc, err := e.Repo.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("document %s: %w", documentID, err)
	}
	return e.Events.AppendNow(ctx, events.BuildIntent, doc.ProjectID, "document", doc.ID, e.ActorID,
		events.EventPayload{"draft_id": draftID})
}
