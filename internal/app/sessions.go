package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"specforge/internal/events"
	"specforge/internal/orchestrator"
	"specforge/internal/repo"
)

var (
	ErrSessionActive = errors.New("project already has a live session")
	ErrNoSession     = errors.New("project has no session")
)

// Session is one project's orchestration, owned by the actor who opened it.
type Session struct {
	ID           string
	ProjectID    string
	ActorID      string
	StartedAt    time.Time
	Orchestrator *orchestrator.Orchestrator
}

// Live reports whether the orchestration has not reached a terminal state.
func (s *Session) Live() bool {
	select {
	case <-s.Orchestrator.Done():
		return false
	default:
		return true
	}
}

// Registry keeps at most one live session per project. A session that
// reached a terminal state stays readable until it is closed or replaced.
type Registry struct {
	svc    *Services
	logger *slog.Logger
	// OnDone, if set, is called when a session reaches a terminal state.
	OnDone func(*Session, orchestrator.Snapshot)

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(svc *Services) *Registry {
	return &Registry{
		svc:      svc,
		logger:   svc.Logger.With(slog.String("component", "sessions")),
		sessions: map[string]*Session{},
	}
}

// Open starts a session for the project. Unless fresh is set, the project's
// latest draft is resumed. Opening a project whose session is still live
// returns that session with ErrSessionActive.
func (r *Registry) Open(ctx context.Context, projectID, actorID string, fresh bool) (*Session, orchestrator.Snapshot, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		ActorID:   actorID,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	if existing, ok := r.sessions[projectID]; ok {
		if existing.Orchestrator == nil || existing.Live() {
			r.mu.Unlock()
			if existing.Orchestrator == nil {
				return nil, orchestrator.Snapshot{}, ErrSessionActive
			}
			return existing, existing.Orchestrator.Snapshot(), ErrSessionActive
		}
	}
	// Reserve the slot; Orchestrator stays nil until the session is ready.
	r.sessions[projectID] = sess
	r.mu.Unlock()

	snap, err := r.start(ctx, sess, fresh)
	if err != nil {
		r.mu.Lock()
		if r.sessions[projectID] == sess {
			delete(r.sessions, projectID)
		}
		r.mu.Unlock()
		return nil, orchestrator.Snapshot{}, err
	}
	r.svc.Metrics.SessionOpened()
	r.logger.Info("session opened",
		slog.String("session_id", sess.ID), slog.String("project_id", projectID),
		slog.String("actor_id", actorID), slog.String("state", string(snap.State)))
	return sess, snap, nil
}

func (r *Registry) start(ctx context.Context, sess *Session, fresh bool) (orchestrator.Snapshot, error) {
	if r.svc.Local() {
		if _, err := r.svc.Engine.Repo.GetProject(ctx, sess.ProjectID); err != nil {
			return orchestrator.Snapshot{}, fmt.Errorf("project %s: %w", sess.ProjectID, err)
		}
	}
	opts := r.svc.OrchestratorOptions()
	opts.Logger = r.svc.Logger.With(slog.String("session_id", sess.ID))
	opts.OnDone = func(snap orchestrator.Snapshot) { r.finished(sess, snap) }
	o := orchestrator.New(sess.ProjectID, r.svc.Collaborators(sess.ActorID), opts)

	r.mu.Lock()
	sess.Orchestrator = o
	r.mu.Unlock()

	if !fresh {
		d, err := r.svc.LatestDraft(ctx, sess.ProjectID)
		switch {
		case err == nil:
			return o.Resume(d)
		case !errors.Is(err, repo.ErrNotFound):
			return orchestrator.Snapshot{}, fmt.Errorf("load latest draft: %w", err)
		}
	}
	return o.Begin()
}

// finished runs once per session when its orchestrator reaches a terminal state.
func (r *Registry) finished(sess *Session, snap orchestrator.Snapshot) {
	r.svc.Metrics.SessionClosed()
	r.logger.Info("session finished",
		slog.String("session_id", sess.ID), slog.String("project_id", sess.ProjectID), slog.String("state", string(snap.State)))
	if r.svc.Local() {
		evt := events.SessionFinished
		if snap.State == orchestrator.StateCancelled {
			evt = events.SessionCancelled
		}
		payload := events.EventPayload{"state": string(snap.State), "draft_id": snap.DraftID}
		if snap.DocumentID != "" {
			payload["document_id"] = snap.DocumentID
		}
		if snap.Job != nil {
			payload["job_id"] = snap.Job.ID
			payload["job_status"] = snap.Job.Status
		}
		if err := r.svc.Engine.Events.AppendNow(context.Background(), evt, sess.ProjectID, "session", sess.ID, sess.ActorID, payload); err != nil {
			r.logger.Error("record session event", slog.String("session_id", sess.ID), slog.Any("error", err))
		}
	}
	if r.OnDone != nil {
		r.OnDone(sess, snap)
	}
}

// Get returns the project's session.
func (r *Registry) Get(projectID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[projectID]
	if !ok || sess.Orchestrator == nil {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Close cancels the project's session and forgets it.
func (r *Registry) Close(projectID string) (orchestrator.Snapshot, error) {
	r.mu.Lock()
	sess, ok := r.sessions[projectID]
	if !ok || sess.Orchestrator == nil {
		r.mu.Unlock()
		return orchestrator.Snapshot{}, ErrNoSession
	}
	delete(r.sessions, projectID)
	r.mu.Unlock()
	return sess.Orchestrator.Cancel(), nil
}

// List returns the current sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Orchestrator != nil {
			out = append(out, s)
		}
	}
	return out
}

// ApplyConfig pushes reloaded timeouts to every live session.
func (r *Registry) ApplyConfig() {
	t := Timeouts(r.svc.Config().Timeouts)
	for _, s := range r.List() {
		s.Orchestrator.SetTimeouts(t)
	}
}

// Shutdown cancels every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*Session{}
	r.mu.Unlock()
	for _, s := range sessions {
		if s.Orchestrator != nil {
			s.Orchestrator.Cancel()
		}
	}
}
