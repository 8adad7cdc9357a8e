package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"specforge/internal/app"
	"specforge/internal/domain"
	"specforge/internal/engine/auth"
	"specforge/internal/orchestrator"
)

func sessionResponse(sess *app.Session, snap orchestrator.Snapshot) SessionResponse {
	return SessionResponse{
		SessionID: sess.ID,
		ActorID:   sess.ActorID,
		StartedAt: sess.StartedAt.Format(time.RFC3339),
		Snapshot:  snap,
	}
}

// actionError maps an orchestrator error and attaches the resulting state so
// clients can redraw without another request.
func actionError(ctx context.Context, err error, snap orchestrator.Snapshot) error {
	addLogError(ctx, err)
	se := handleError(err)
	var ae *apiError
	if errors.As(se, &ae) && snap.State != "" {
		if ae.Body.Details == nil {
			ae.Body.Details = map[string]any{}
		}
		ae.Body.Details["state"] = snap.State
		if len(snap.Errors) > 0 {
			ae.Body.Details["errors"] = snap.Errors
		}
	}
	return se
}

func (h handlers) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "open-session",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/session",
		Summary:     "Open the project's orchestration session",
		Description: "Resumes the latest draft unless fresh is set. A project has at most one live session.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      OpenSessionRequest `json:"body" required:"false"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermSessionWrite)
		if err != nil {
			return nil, err
		}
		sess, snap, err := h.sessions.Open(context.WithoutCancel(ctx), input.ProjectID, principal.ActorID, input.Body.Fresh)
		if errors.Is(err, app.ErrSessionActive) {
			details := map[string]any{}
			if sess != nil {
				details["session_id"] = sess.ID
				details["actor_id"] = sess.ActorID
				details["state"] = snap.State
			}
			addLogError(ctx, err)
			return nil, newAPIError(http.StatusConflict, "session_active", err.Error(), details)
		}
		if err != nil {
			return nil, fail(ctx, err)
		}
		addLogField(ctx, "session_id", sess.ID)
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess, snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/session",
		Summary:     "Current session snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		sess, err := h.sessions.Get(input.ProjectID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess, sess.Orchestrator.Snapshot())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/session",
		Summary:     "Cancel and forget the session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermSessionWrite); err != nil {
			return nil, err
		}
		sess, err := h.sessions.Get(input.ProjectID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		snap, err := h.sessions.Close(input.ProjectID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess, snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-action",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/session/actions",
		Summary:     "Apply a user action to the session",
		Description: "Collaborator calls run to completion even if the client disconnects.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      SessionActionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermSessionWrite); err != nil {
			return nil, err
		}
		sess, err := h.sessions.Get(input.ProjectID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		addLogField(ctx, "session_id", sess.ID)
		addLogField(ctx, "action", input.Body.Action)
		snap, err := app.Dispatch(context.WithoutCancel(ctx), sess.Orchestrator, input.Body.Action, input.Body.Text)
		if err != nil {
			return nil, actionError(ctx, err, snap)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess, snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List open sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		resp := SessionList{Items: []SessionResponse{}}
		for _, sess := range h.sessions.List() {
			resp.Items = append(resp.Items, sessionResponse(sess, sess.Orchestrator.Snapshot()))
		}
		return &struct {
			Body SessionList `json:"body"`
		}{Body: resp}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "watch-session",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/session/stream",
		Summary:     "Stream session snapshots",
		Description: "Sends the current snapshot, then one per change. Slow readers only receive the latest. The stream ends after a terminal state.",
	}, map[string]any{
		"snapshot": orchestrator.Snapshot{},
		"error":    apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}, send sse.Sender) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			send.Data(errorEvent(err))
			return
		}
		sess, err := h.sessions.Get(input.ProjectID)
		if err != nil {
			send.Data(errorEvent(handleError(err)))
			return
		}
		for snap := range sess.Orchestrator.Watch(ctx) {
			if err := send.Data(snap); err != nil {
				return
			}
			if snap.State.Terminal() {
				return
			}
		}
	})
}

func (h handlers) registerJobStream(api huma.API) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/stream",
		Summary:     "Stream build progress",
		Description: "Replays log lines after offset in one event, then streams live progress. The last event carries the terminal status.",
	}, map[string]any{
		"progress": domain.ProgressEvent{},
		"error":    apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		JobID  string `path:"job_id"`
		Offset int    `query:"offset" minimum:"0"`
	}, send sse.Sender) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			send.Data(errorEvent(err))
			return
		}
		events, err := h.svc.Builds.Subscribe(ctx, input.JobID, input.Offset)
		if err != nil {
			send.Data(errorEvent(handleError(err)))
			return
		}
		for ev := range events {
			if err := send.Data(ev); err != nil {
				h.auth.logger().Debug("progress stream closed", slog.String("job_id", input.JobID), slog.Any("error", err))
				return
			}
		}
	})
}

// errorEvent is sent on a stream that cannot start.
func errorEvent(err error) apiErrorBody {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Body
	}
	return apiErrorBody{Code: "internal_error", Message: err.Error()}
}
