package server

import (
	"encoding/json"

	"specforge/internal/domain"
	"specforge/internal/orchestrator"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Industry    string `json:"industry,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateDraftRequest struct {
	Mode domain.Mode `json:"mode" enum:"auto,interview,chat"`
}

type InterviewRequest struct {
	Phase   domain.Phase         `json:"phase,omitempty"`
	Answer  string               `json:"answer,omitempty"`
	Skipped bool                 `json:"skipped,omitempty"`
	Answers []domain.PhaseAnswer `json:"answers,omitempty"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type FinalizeRequest struct {
	Mode        domain.Mode `json:"mode" enum:"auto,interview,chat"`
	Description string      `json:"description,omitempty"`
}

type BuildIntentRequest struct {
	DocumentID string `json:"document_id"`
}

type StartBuildRequest struct {
	Instruction string `json:"instruction,omitempty"`
}

type OpenSessionRequest struct {
	// Fresh ignores the project's latest draft.
	Fresh bool `json:"fresh,omitempty"`
}

type SessionActionRequest struct {
	Action string `json:"action" enum:"select_auto,set_description,generate,start_interview,set_answer,append_suggestion,submit,skip,chat,retry_chat,finish,build,review,dismiss_error,cancel"`
	Text   string `json:"text,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type ProjectList struct {
	Items []domain.Project `json:"items"`
}

type DraftList struct {
	Items []domain.Draft `json:"items"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
}

type FinalizeResponse struct {
	DocumentID string `json:"document_id"`
}

type ActiveJobResponse struct {
	JobID  string `json:"job_id,omitempty"`
	Active bool   `json:"active"`
}

type JobResponse struct {
	Job  domain.BuildJob   `json:"job"`
	Logs []domain.BuildLog `json:"logs"`
}

type JobList struct {
	Items []domain.BuildJob `json:"items"`
}

// SessionResponse is a session snapshot with the session's identity.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	ActorID   string `json:"actor_id"`
	StartedAt string `json:"started_at" format:"date-time"`
	orchestrator.Snapshot
}

type SessionList struct {
	Items []SessionResponse `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	// Key is only returned when the key is created.
	Key string `json:"key,omitempty"`
}

type APIKeyList struct {
	Items []APIKeyResponse `json:"items"`
}

type UsageResponse struct {
	ProjectID string         `json:"project_id"`
	Tokens    map[string]int `json:"tokens"`
	Total     int            `json:"total"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt}
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
