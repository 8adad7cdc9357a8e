// Package server exposes drafts, documents, build jobs and orchestration
// sessions over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"specforge/internal/app"
	"specforge/internal/domain"
	"specforge/internal/engine"
	"specforge/internal/engine/auth"
	"specforge/internal/interview"
	"specforge/internal/orchestrator"
	"specforge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Services       *app.Services
	Sessions       *app.Registry
	BasePath       string
	Auth           AuthConfig
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"active_job"`
	Message string         `json:"message" example:"document already has an active build job"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"job_id\":\"9b7c\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the specforge API. It needs local
// services: the handlers read the workspace database directly.
func New(cfg Config) (http.Handler, error) {
	if cfg.Services == nil || !cfg.Services.Local() {
		return nil, errors.New("server requires local collaborators")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = app.NewRegistry(cfg.Services)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(cfg.Logger))
	router.Use(timeoutMiddleware(cfg.RequestTimeout))
	router.Use(bodyMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Services.Engine.Repo))
	hcfg := huma.DefaultConfig("Specforge API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{svc: cfg.Services, sessions: cfg.Sessions, auth: cfg.Auth}
	registerDocs(router, basePath)
	router.Handle("/metrics", cfg.Services.Metrics.Handler())
	registerHealth(group)
	h.registerProjects(group)
	h.registerDrafts(group)
	h.registerDocuments(group)
	h.registerJobs(group)
	h.registerSessions(group)
	h.registerEvents(group)
	h.registerMe(group)
	h.registerDevAuth(group)
	h.registerAPIKeys(group)
	registerOpenAPI(router, api, basePath)

	return otelhttp.NewHandler(router, "specforge.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	), nil
}

type handlers struct {
	svc      *app.Services
	sessions *app.Registry
	auth     AuthConfig
}

func (h handlers) engine(actorID string) engine.Engine {
	return h.svc.Engine.WithActor(actorID)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// fail records err on the request log line and maps it to the envelope.
func fail(ctx context.Context, err error) error {
	addLogError(ctx, err)
	return handleError(err)
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ce *orchestrator.CollaboratorError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "collaborator_failed", ce.UserMessage(), map[string]any{"op": ce.Op})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrActiveJob):
		return newAPIError(http.StatusConflict, "active_job", msg, nil)
	case errors.Is(err, app.ErrSessionActive):
		return newAPIError(http.StatusConflict, "session_active", msg, nil)
	case errors.Is(err, app.ErrNoSession):
		return newAPIError(http.StatusNotFound, "no_session", msg, nil)
	case errors.Is(err, app.ErrUnknownAction):
		return newAPIError(http.StatusBadRequest, "unknown_action", msg, map[string]any{"actions": app.Actions})
	case errors.Is(err, orchestrator.ErrValidation), errors.Is(err, interview.ErrEmptyAnswer):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case errors.Is(err, orchestrator.ErrBusy):
		return newAPIError(http.StatusConflict, "busy", msg, nil)
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, orchestrator.ErrStale):
		return newAPIError(http.StatusConflict, "stale", msg, nil)
	case errors.Is(err, engine.ErrDraftFinalized):
		return newAPIError(http.StatusConflict, "draft_finalized", msg, nil)
	case errors.Is(err, interview.ErrUnknownPhase):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", "request timed out", nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Specforge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := requirePermission(ctx, auth.PermProjectCreate)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		p, err := h.engine(principal.ActorID).CreateProject(ctx, domain.Project{
			ID:          strings.TrimSpace(input.Body.ID),
			Name:        input.Body.Name,
			Industry:    strings.TrimSpace(input.Body.Industry),
			Description: strings.TrimSpace(input.Body.Description),
		})
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		items, err := h.svc.Engine.Repo.ListProjects(ctx)
		if err != nil {
			return nil, fail(ctx, err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body ProjectList `json:"body"`
		}{Body: ProjectList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		p, err := h.svc.Engine.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-usage",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/usage",
		Summary:     "Token usage by kind",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body UsageResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		if _, err := h.svc.Engine.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, fail(ctx, err)
		}
		totals, err := h.svc.Engine.Repo.UsageTotals(ctx, input.ProjectID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		resp := UsageResponse{ProjectID: input.ProjectID, Tokens: totals}
		for _, n := range totals {
			resp.Total += n
		}
		return &struct {
			Body UsageResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerDrafts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/drafts",
		Summary:       "Start a draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateDraftRequest `json:"body"`
	}) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermDraftWrite)
		if err != nil {
			return nil, err
		}
		id, err := h.engine(principal.ActorID).CreateDraft(ctx, input.ProjectID, input.Body.Mode)
		if err != nil {
			return nil, fail(ctx, err)
		}
		d, err := h.svc.Engine.Repo.LoadDraft(ctx, id)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/drafts",
		Summary:     "List drafts",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body DraftList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		items, err := h.svc.Engine.Repo.ListDrafts(ctx, input.ProjectID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		if items == nil {
			items = []domain.Draft{}
		}
		return &struct {
			Body DraftList `json:"body"`
		}{Body: DraftList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-draft",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/drafts/latest",
		Summary:     "Most recently updated draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		d, err := h.svc.LatestDraft(ctx, input.ProjectID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}",
		Summary:     "Get draft with answers and transcript",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		d, err := h.svc.Engine.Repo.LoadDraft(ctx, input.DraftID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "interview",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/interview",
		Summary:     "Record an answer and get the next question",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string           `path:"draft_id"`
		Body    InterviewRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.InterviewStep `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermDraftWrite)
		if err != nil {
			return nil, err
		}
		step, err := h.engine(principal.ActorID).Next(ctx, domain.InterviewRequest{
			DraftID: input.DraftID,
			Phase:   input.Body.Phase,
			Answer:  input.Body.Answer,
			Skipped: input.Body.Skipped,
			Answers: input.Body.Answers,
		})
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body domain.InterviewStep `json:"body"`
		}{Body: step}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/chat",
		Summary:     "Send a refinement message",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DraftID string      `path:"draft_id"`
		Body    ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermDraftWrite)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.Message) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		reply, err := h.engine(principal.ActorID).Reply(ctx, domain.ChatRequest{DraftID: input.DraftID, Message: input.Body.Message})
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{Reply: reply}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/finalize",
		Summary:     "Write the specification document",
		Description: "Finalizing an already finalized draft returns its document.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string          `path:"draft_id"`
		Body    FinalizeRequest `json:"body"`
	}) (*struct {
		Body FinalizeResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermDraftWrite)
		if err != nil {
			return nil, err
		}
		docID, err := h.engine(principal.ActorID).Finalize(ctx, domain.FinalizeRequest{
			DraftID:     input.DraftID,
			Mode:        input.Body.Mode,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body FinalizeResponse `json:"body"`
		}{Body: FinalizeResponse{DocumentID: docID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "build-intent",
		Method:        http.MethodPost,
		Path:          "/drafts/{draft_id}/build-intent",
		Summary:       "Record that a build was requested",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string             `path:"draft_id"`
		Body    BuildIntentRequest `json:"body"`
	}) (*struct{}, error) {
		principal, err := requirePermission(ctx, auth.PermBuildStart)
		if err != nil {
			return nil, err
		}
		if input.Body.DocumentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document_id is required", nil)
		}
		if err := h.engine(principal.ActorID).RecordBuildIntent(ctx, input.DraftID, input.Body.DocumentID); err != nil {
			return nil, fail(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerDocuments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		doc, err := h.svc.Engine.Repo.GetDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-job",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/active-job",
		Summary:     "Pending or running build job of a document",
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body ActiveJobResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		id, ok, err := h.svc.Builds.ActiveJob(ctx, input.DocumentID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body ActiveJobResponse `json:"body"`
		}{Body: ActiveJobResponse{JobID: id, Active: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-build",
		Method:        http.MethodPost,
		Path:          "/documents/{document_id}/builds",
		Summary:       "Start a build job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DocumentID string            `path:"document_id"`
		Body       StartBuildRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.BuildJob `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermBuildStart)
		if err != nil {
			return nil, err
		}
		instruction := input.Body.Instruction
		if instruction == "" {
			instruction = h.svc.Config().Build.Instruction
		}
		builds := h.svc.Builds
		id, err := builds.StartBuild(ctx, input.DocumentID, instruction)
		if errors.Is(err, domain.ErrActiveJob) {
			addLogError(ctx, err)
			details := map[string]any{}
			if existing, ok, lookupErr := builds.ActiveJob(ctx, input.DocumentID); lookupErr == nil && ok {
				details["job_id"] = existing
			}
			return nil, newAPIError(http.StatusConflict, "active_job", err.Error(), details)
		}
		if err != nil {
			return nil, fail(ctx, err)
		}
		addLogField(ctx, "job_id", id)
		addLogField(ctx, "started_by", principal.ActorID)
		job, err := h.svc.Engine.Repo.GetBuildJob(ctx, id)
		if err != nil {
			return nil, fail(ctx, err)
		}
		return &struct {
			Body domain.BuildJob `json:"body"`
		}{Body: job}, nil
	})
}

func (h handlers) registerJobs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/jobs",
		Summary:     "List build jobs",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		DocumentID string `query:"document_id"`
		Status     string `query:"status" enum:"pending,running,completed,failed"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body JobList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		items, err := h.svc.Engine.Repo.ListBuildJobs(ctx, repo.BuildJobFilters{
			ProjectID:  input.ProjectID,
			DocumentID: input.DocumentID,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, fail(ctx, err)
		}
		if items == nil {
			items = []domain.BuildJob{}
		}
		return &struct {
			Body JobList `json:"body"`
		}{Body: JobList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get a build job and its log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		After int64  `query:"after" doc:"Only log lines with a greater sequence number"`
		Limit int    `query:"limit" default:"200"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		job, err := h.svc.Engine.Repo.GetBuildJob(ctx, input.JobID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		logs, err := h.svc.Engine.Repo.ListBuildLogs(ctx, input.JobID, input.After, normalizeLimit(input.Limit))
		if err != nil {
			return nil, fail(ctx, err)
		}
		if logs == nil {
			logs = []domain.BuildLog{}
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: job, Logs: logs}}, nil
	})

	h.registerJobStream(api)
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,draft,document,build_job,session"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.svc.Engine.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, fail(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
		}}, nil
	})
}

func (h handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		for _, r := range input.Body.Roles {
			if !auth.KnownRole(r) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+r, map[string]any{"role": r})
			}
		}
		token, err := signDevToken(h.auth.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func (h handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key for the current actor",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body" required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermKeysManage)
		if err != nil {
			return nil, err
		}
		key, plain, err := h.svc.Engine.CreateAPIKey(ctx, principal.ActorID, input.Body.Name)
		if err != nil {
			return nil, fail(ctx, err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body APIKeyList `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermKeysManage)
		if err != nil {
			return nil, err
		}
		actor := principal.ActorID
		if auth.Require(principal.Permissions, auth.PermKeysAdmin) == nil {
			actor = ""
		}
		keys, err := h.svc.Engine.Repo.ListAPIKeys(ctx, actor)
		if err != nil {
			return nil, fail(ctx, err)
		}
		resp := APIKeyList{Items: []APIKeyResponse{}}
		for _, k := range keys {
			resp.Items = append(resp.Items, apiKeyResponse(k))
		}
		return &struct {
			Body APIKeyList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		principal, err := requirePermission(ctx, auth.PermKeysManage)
		if err != nil {
			return nil, err
		}
		actor := principal.ActorID
		if auth.Require(principal.Permissions, auth.PermKeysAdmin) == nil {
			actor = ""
		}
		key, err := h.svc.Engine.Repo.GetAPIKey(ctx, input.KeyID)
		if err != nil {
			return nil, fail(ctx, err)
		}
		// Keys of other actors are reported missing, not forbidden.
		if actor != "" && key.ActorID != actor {
			return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
		}
		if err := h.svc.Engine.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, fail(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
