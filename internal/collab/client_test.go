package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specforge/internal/domain"
	"specforge/internal/repo"
	specforgesdk "specforge/sdk/go"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	api := specforgesdk.New(srv.URL)
	api.ActorID = "tester"
	return New(api)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreateDraftAndInterview(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/projects/p1/drafts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tester", r.Header.Get("X-Actor-Id"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "interview", body["mode"])
		writeJSON(w, http.StatusCreated, map[string]any{"id": "d1", "project_id": "p1", "mode": "interview"})
	})
	mux.HandleFunc("POST /v1/drafts/d1/interview", func(w http.ResponseWriter, r *http.Request) {
		var body specforgesdk.InterviewInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "vision", body.Phase)
		assert.Equal(t, "More bookings", body.Answer)
		writeJSON(w, http.StatusOK, map[string]any{"question": "Which features?", "phase": "features", "progress_percent": 14})
	})
	c := newTestClient(t, mux)

	id, err := c.CreateDraft(context.Background(), "p1", domain.ModeInterview)
	require.NoError(t, err)
	assert.Equal(t, "d1", id)

	step, err := c.Next(context.Background(), domain.InterviewRequest{DraftID: "d1", Phase: domain.PhaseVision, Answer: "More bookings"})
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFeatures, step.Phase)
	assert.Equal(t, 14, step.Progress)
	assert.Equal(t, "Which features?", step.Question)
}

func TestStartBuildMapsActiveJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/documents/doc1/builds", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]any{
			"code": "active_job", "message": "document already has an active build job",
			"details": map[string]any{"job_id": "j1"},
		}})
	})
	c := newTestClient(t, mux)

	_, err := c.StartBuild(context.Background(), "doc1", "Build it")
	assert.True(t, errors.Is(err, domain.ErrActiveJob), "got %v", err)
}

func TestCollaboratorErrorsCarryServerMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/drafts/d1/chat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": map[string]any{"code": "collaborator_failed", "message": "model overloaded"}})
	})
	mux.HandleFunc("GET /v1/projects/p1/drafts/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": "not_found", "message": "no draft"}})
	})
	c := newTestClient(t, mux)

	_, err := c.Reply(context.Background(), domain.ChatRequest{DraftID: "d1", Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, "model overloaded", err.Error())

	_, err = c.LatestDraft(context.Background(), "p1")
	assert.True(t, errors.Is(err, repo.ErrNotFound), "got %v", err)
}

func TestLatestDraftConvertsAnswers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/projects/p1/drafts/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "d1", "project_id": "p1", "mode": "chat", "current_phase": "chat", "progress_percent": 100,
			"answers":     []map[string]any{{"phase": "vision", "answer": "More bookings"}, {"phase": "features", "answer": "", "skipped": true}},
			"transcript":  []map[string]any{{"role": "user", "content": "add a gallery"}},
			"document_id": "doc1",
		})
	})
	c := newTestClient(t, mux)

	d, err := c.LatestDraft(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeChat, d.Mode)
	require.Len(t, d.Answers, 2)
	assert.True(t, d.Answers[1].Skipped)
	require.Len(t, d.Transcript, 1)
	require.True(t, d.Finalized())
	assert.Equal(t, "doc1", *d.DocumentID)
}

func TestSubscribeReadsServerSentEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/j1/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("offset"))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, "event: progress\ndata: {\"job_id\":\"j1\",\"log_messages\":[\"c\"],\"is_generating\":true}\n\n")
		io.WriteString(w, "event: progress\ndata: not-json\n\n")
		fmt.Fprintf(w, "event: progress\ndata: {\"job_id\":\"j1\",\"status\":\"completed\"}\n\n")
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Subscribe(ctx, "j1", 2)
	require.NoError(t, err)
	var got []domain.ProgressEvent
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c"}, got[0].LogMessages)
	assert.True(t, got[0].IsGenerating)
	assert.Error(t, got[1].Err)
	assert.Equal(t, domain.JobCompleted, got[2].Status)
}
