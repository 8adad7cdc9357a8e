package specforgesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Specforge HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Industry    string `json:"industry,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type PhaseAnswer struct {
	Phase   string `json:"phase"`
	Answer  string `json:"answer"`
	Skipped bool   `json:"skipped,omitempty"`
}

type ChatTurn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Draft is a specification draft with its answers and transcript.
type Draft struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Mode         string        `json:"mode"`
	Description  string        `json:"description,omitempty"`
	CurrentPhase string        `json:"current_phase,omitempty"`
	Progress     int           `json:"progress_percent"`
	Answers      []PhaseAnswer `json:"answers,omitempty"`
	Transcript   []ChatTurn    `json:"transcript,omitempty"`
	DocumentID   string        `json:"document_id,omitempty"`
	CreatedAt    string        `json:"created_at"`
	UpdatedAt    string        `json:"updated_at"`
}

type InterviewInput struct {
	Phase   string        `json:"phase,omitempty"`
	Answer  string        `json:"answer,omitempty"`
	Skipped bool          `json:"skipped,omitempty"`
	Answers []PhaseAnswer `json:"answers,omitempty"`
}

type InterviewStep struct {
	Question    string   `json:"question,omitempty"`
	Context     string   `json:"context,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Phase       string   `json:"phase"`
	Progress    int      `json:"progress_percent"`
	Complete    bool     `json:"is_complete"`
}

type Document struct {
	ID        string `json:"id"`
	DraftID   string `json:"draft_id"`
	ProjectID string `json:"project_id"`
	Source    string `json:"source"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Tokens    int    `json:"tokens"`
	CreatedAt string `json:"created_at"`
}

type BuildJob struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	ProjectID   string `json:"project_id"`
	Status      string `json:"status"`
	Instruction string `json:"instruction,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	FinishedAt  string `json:"finished_at,omitempty"`
}

type BuildLog struct {
	Seq     int64  `json:"seq"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

// JobProgress is a job and the log lines after the requested sequence number.
type JobProgress struct {
	Job  BuildJob   `json:"job"`
	Logs []BuildLog `json:"logs"`
}

// ProgressEvent is one message of a job progress stream.
type ProgressEvent struct {
	JobID        string   `json:"job_id"`
	LogMessages  []string `json:"log_messages,omitempty"`
	IsGenerating bool     `json:"is_generating"`
	Status       string   `json:"status,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type SessionQuestion struct {
	Text        string   `json:"text"`
	Context     string   `json:"context,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type SessionJob struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Logs     []string `json:"logs"`
	Observed bool     `json:"observed_generating"`
	Error    string   `json:"error,omitempty"`
}

// Session is a snapshot of a project's orchestration session.
type Session struct {
	ProjectID     string            `json:"project_id"`
	DraftID       string            `json:"draft_id,omitempty"`
	State         string            `json:"state"`
	Mode          string            `json:"mode,omitempty"`
	Initializing  bool              `json:"initializing"`
	Description   string            `json:"description,omitempty"`
	PendingAnswer string            `json:"pending_answer,omitempty"`
	Question      *SessionQuestion  `json:"question,omitempty"`
	Phase         string            `json:"current_phase,omitempty"`
	Progress      int               `json:"progress_percent"`
	Answers       []PhaseAnswer     `json:"answers,omitempty"`
	Intro         string            `json:"intro,omitempty"`
	Transcript    []ChatTurn        `json:"transcript,omitempty"`
	DocumentID    string            `json:"document_id,omitempty"`
	Job           *SessionJob       `json:"job,omitempty"`
	InFlight      string            `json:"in_flight,omitempty"`
	IsSubmitting  bool              `json:"is_submitting"`
	IsLoading     bool              `json:"is_loading"`
	CanBuild      bool              `json:"can_start_building"`
	Errors        map[string]string `json:"errors,omitempty"`
	Version       uint64            `json:"version"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// StreamEvent is one server-sent event.
type StreamEvent struct {
	Event string
	Data  json.RawMessage
	Err   error
}

// CreateProject creates a project. An empty ID is generated by the server.
func (c *Client) CreateProject(ctx context.Context, p Project) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", p, &resp)
	return resp, err
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateDraft(ctx context.Context, projectID, mode string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "drafts"), map[string]any{"mode": mode}, &resp)
	return resp, err
}

// LatestDraft returns the most recently updated draft of a project.
func (c *Client) LatestDraft(ctx context.Context, projectID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "drafts/latest"), nil, &resp)
	return resp, err
}

func (c *Client) Draft(ctx context.Context, draftID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, "drafts/"+url.PathEscape(draftID), nil, &resp)
	return resp, err
}

// Interview records an answer (when given) and returns the next step.
func (c *Client) Interview(ctx context.Context, draftID string, in InterviewInput) (InterviewStep, error) {
	var resp InterviewStep
	err := c.do(ctx, http.MethodPost, "drafts/"+url.PathEscape(draftID)+"/interview", in, &resp)
	return resp, err
}

func (c *Client) Chat(ctx context.Context, draftID, message string) (string, error) {
	var resp struct {
		Reply string `json:"reply"`
	}
	err := c.do(ctx, http.MethodPost, "drafts/"+url.PathEscape(draftID)+"/chat", map[string]any{"message": message}, &resp)
	return resp.Reply, err
}

// Finalize writes the draft's document and returns its id.
func (c *Client) Finalize(ctx context.Context, draftID, mode, description string) (string, error) {
	var resp struct {
		DocumentID string `json:"document_id"`
	}
	body := map[string]any{"mode": mode}
	if description != "" {
		body["description"] = description
	}
	err := c.do(ctx, http.MethodPost, "drafts/"+url.PathEscape(draftID)+"/finalize", body, &resp)
	return resp.DocumentID, err
}

func (c *Client) RecordBuildIntent(ctx context.Context, draftID, documentID string) error {
	return c.do(ctx, http.MethodPost, "drafts/"+url.PathEscape(draftID)+"/build-intent", map[string]any{"document_id": documentID}, nil)
}

func (c *Client) Document(ctx context.Context, documentID string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, "documents/"+url.PathEscape(documentID), nil, &resp)
	return resp, err
}

// ActiveJob returns the pending or running job of a document, if any.
func (c *Client) ActiveJob(ctx context.Context, documentID string) (string, bool, error) {
	var resp struct {
		JobID  string `json:"job_id"`
		Active bool   `json:"active"`
	}
	err := c.do(ctx, http.MethodGet, "documents/"+url.PathEscape(documentID)+"/active-job", nil, &resp)
	return resp.JobID, resp.Active, err
}

// StartBuild queues a build job. A document with an active job yields an
// APIError with code "active_job".
func (c *Client) StartBuild(ctx context.Context, documentID, instruction string) (BuildJob, error) {
	var resp BuildJob
	err := c.do(ctx, http.MethodPost, "documents/"+url.PathEscape(documentID)+"/builds", map[string]any{"instruction": instruction}, &resp)
	return resp, err
}

// Job returns a job and its log lines with sequence numbers above after.
func (c *Client) Job(ctx context.Context, jobID string, after int64) (JobProgress, error) {
	var resp JobProgress
	endpoint := "jobs/" + url.PathEscape(jobID)
	if after > 0 {
		endpoint += "?after=" + strconv.FormatInt(after, 10)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StreamJob follows a job's progress, skipping the first offset log lines.
func (c *Client) StreamJob(ctx context.Context, jobID string, offset int) (<-chan StreamEvent, error) {
	endpoint := fmt.Sprintf("jobs/%s/stream?offset=%d", url.PathEscape(jobID), offset)
	return c.stream(ctx, endpoint)
}

// OpenSession starts or resumes the project's session. fresh ignores any
// earlier draft.
func (c *Client) OpenSession(ctx context.Context, projectID string, fresh bool) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "session"), map[string]any{"fresh": fresh}, &resp)
	return resp, err
}

func (c *Client) Session(ctx context.Context, projectID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "session"), nil, &resp)
	return resp, err
}

// CloseSession cancels the session.
func (c *Client) CloseSession(ctx context.Context, projectID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodDelete, c.projectPath(projectID, "session"), nil, &resp)
	return resp, err
}

// Act runs one session action such as "submit" or "chat".
func (c *Client) Act(ctx context.Context, projectID, action, text string) (Session, error) {
	var resp Session
	body := map[string]any{"action": action}
	if text != "" {
		body["text"] = text
	}
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "session/actions"), body, &resp)
	return resp, err
}

// WatchSession streams session snapshots as they change.
func (c *Client) WatchSession(ctx context.Context, projectID string) (<-chan StreamEvent, error) {
	return c.stream(ctx, c.projectPath(projectID, "session/stream"))
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// stream opens a server-sent event stream. The channel is closed when the
// server ends the stream or ctx is done; a read failure is delivered as a
// final event with Err set.
func (c *Client) stream(ctx context.Context, endpoint string) (<-chan StreamEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The request timeout would cut long streams; ctx bounds them instead.
	client := &http.Client{}
	if c.HTTPClient != nil {
		client = &http.Client{Transport: c.HTTPClient.Transport}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	out := make(chan StreamEvent)
	go readEvents(ctx, resp.Body, out)
	return out, nil
}

func readEvents(ctx context.Context, body io.ReadCloser, out chan<- StreamEvent) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event string
	var data []string
	emit := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if !emit(StreamEvent{Event: event, Data: json.RawMessage(strings.Join(data, "\n"))}) {
					return
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(StreamEvent{Err: fmt.Errorf("stream read error: %w", err)})
	}
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(projectID, p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
