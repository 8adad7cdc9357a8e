// Package collab reaches the interview engine, generator and build service of
// another specforge server over its HTTP API.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"specforge/internal/domain"
	"specforge/internal/orchestrator"
	"specforge/internal/repo"
	specforgesdk "specforge/sdk/go"
)

// Client implements every orchestrator collaborator on top of the SDK.
type Client struct {
	api *specforgesdk.Client
}

func New(api *specforgesdk.Client) *Client {
	return &Client{api: api}
}

// Collaborators returns the client in every collaborator role.
func (c *Client) Collaborators() orchestrator.Collaborators {
	return orchestrator.Collaborators{
		Drafts:    c,
		Interview: c,
		Chat:      c,
		Generator: c,
		Builds:    c,
		Intent:    c,
		Progress:  c,
	}
}

func (c *Client) CreateDraft(ctx context.Context, projectID string, mode domain.Mode) (string, error) {
	d, err := c.api.CreateDraft(ctx, projectID, string(mode))
	if err != nil {
		return "", mapError(err)
	}
	return d.ID, nil
}

func (c *Client) Next(ctx context.Context, req domain.InterviewRequest) (domain.InterviewStep, error) {
	in := specforgesdk.InterviewInput{
		Phase:   string(req.Phase),
		Answer:  req.Answer,
		Skipped: req.Skipped,
		Answers: toSDKAnswers(req.Answers),
	}
	step, err := c.api.Interview(ctx, req.DraftID, in)
	if err != nil {
		return domain.InterviewStep{}, mapError(err)
	}
	return domain.InterviewStep{
		Question:    step.Question,
		Context:     step.Context,
		Suggestions: step.Suggestions,
		Phase:       domain.Phase(step.Phase),
		Progress:    step.Progress,
		Complete:    step.Complete,
	}, nil
}

// Reply sends the message only; the server keeps the transcript.
func (c *Client) Reply(ctx context.Context, req domain.ChatRequest) (string, error) {
	reply, err := c.api.Chat(ctx, req.DraftID, req.Message)
	return reply, mapError(err)
}

func (c *Client) Finalize(ctx context.Context, req domain.FinalizeRequest) (string, error) {
	id, err := c.api.Finalize(ctx, req.DraftID, string(req.Mode), req.Description)
	return id, mapError(err)
}

func (c *Client) RecordBuildIntent(ctx context.Context, draftID, documentID string) error {
	return mapError(c.api.RecordBuildIntent(ctx, draftID, documentID))
}

func (c *Client) ActiveJob(ctx context.Context, documentID string) (string, bool, error) {
	id, ok, err := c.api.ActiveJob(ctx, documentID)
	return id, ok, mapError(err)
}

func (c *Client) StartBuild(ctx context.Context, documentID, instruction string) (string, error) {
	job, err := c.api.StartBuild(ctx, documentID, instruction)
	if err != nil {
		return "", mapError(err)
	}
	return job.ID, nil
}

// Subscribe follows the job's server-sent progress events. Undecodable
// events are delivered as stream errors; a broken connection closes the
// channel.
func (c *Client) Subscribe(ctx context.Context, jobID string, offset int) (<-chan domain.ProgressEvent, error) {
	events, err := c.api.StreamJob(ctx, jobID, offset)
	if err != nil {
		return nil, mapError(err)
	}
	out := make(chan domain.ProgressEvent)
	go func() {
		defer close(out)
		for ev := range events {
			// A stream that could not start reports an "error" event.
			if ev.Err != nil || ev.Event == "error" {
				return
			}
			var p domain.ProgressEvent
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				p = domain.ProgressEvent{JobID: jobID, Err: fmt.Errorf("decode progress event: %w", err)}
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// LatestDraft loads the project's most recent draft with its answers and
// transcript.
func (c *Client) LatestDraft(ctx context.Context, projectID string) (domain.Draft, error) {
	d, err := c.api.LatestDraft(ctx, projectID)
	if err != nil {
		return domain.Draft{}, mapError(err)
	}
	out := domain.Draft{
		ID:           d.ID,
		ProjectID:    d.ProjectID,
		Mode:         domain.Mode(d.Mode),
		Description:  d.Description,
		CurrentPhase: domain.Phase(d.CurrentPhase),
		Progress:     d.Progress,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	for _, a := range d.Answers {
		out.Answers = append(out.Answers, domain.PhaseAnswer{Phase: domain.Phase(a.Phase), Answer: a.Answer, Skipped: a.Skipped})
	}
	for _, t := range d.Transcript {
		out.Transcript = append(out.Transcript, domain.ChatTurn{Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt})
	}
	if d.DocumentID != "" {
		doc := d.DocumentID
		out.DocumentID = &doc
	}
	return out, nil
}

func toSDKAnswers(in []domain.PhaseAnswer) []specforgesdk.PhaseAnswer {
	out := make([]specforgesdk.PhaseAnswer, 0, len(in))
	for _, a := range in {
		out = append(out, specforgesdk.PhaseAnswer{Phase: string(a.Phase), Answer: a.Answer, Skipped: a.Skipped})
	}
	return out
}

// mapError turns API error codes back into the sentinels callers match on and
// prefers the server's message over the raw envelope.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *specforgesdk.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == "active_job":
		return fmt.Errorf("%w: %s", domain.ErrActiveJob, apiErr.Message)
	case apiErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", apiErr.Message, repo.ErrNotFound)
	case apiErr.Message != "":
		return errors.New(apiErr.Message)
	}
	return err
}
