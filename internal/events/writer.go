package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the log. Webhook subscriptions match on these.
const (
	ProjectCreated    = "project.created"
	DraftCreated      = "draft.created"
	DraftAnswered     = "draft.answered"
	DraftChatTurn     = "draft.chat_turn"
	DraftPhaseChanged = "draft.phase_changed"
	DocumentFinalized = "document.finalized"
	BuildIntent       = "build.intent"
	BuildStarted      = "build.started"
	BuildRunning      = "build.running"
	BuildCompleted    = "build.completed"
	BuildFailed       = "build.failed"
	SessionCancelled  = "session.cancelled"
	SessionFinished   = "session.finished"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits with the change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

// AppendNow writes a standalone event that has no accompanying row change.
func (w Writer) AppendNow(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.append(ctx, w.DB, evtType, projectID, entityKind, entityID, actorID, payload)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (w Writer) append(ctx context.Context, exec execer, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
