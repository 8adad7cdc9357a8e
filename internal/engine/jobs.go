package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"specforge/internal/domain"
	"specforge/internal/events"
	"specforge/internal/repo"
)

// CreateBuildJob queues a pending job for the document. It returns
// domain.ErrActiveJob when the document already has a pending or running job.
func (e Engine) CreateBuildJob(ctx context.Context, documentID, instruction string) (domain.BuildJob, error) {
	doc, err := e.Repo.GetDocument(ctx, documentID)
	if err != nil {
		return domain.BuildJob{}, fmt.Errorf("document %s: %w", documentID, err)
	}
	job := domain.BuildJob{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		ProjectID:   doc.ProjectID,
		Status:      domain.JobPending,
		Instruction: instruction,
		CreatedAt:   e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BuildJob{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBuildJob(ctx, tx, job); err != nil {
		return domain.BuildJob{}, err
	}
	if err := e.Events.Append(ctx, tx, events.BuildStarted, job.ProjectID, "build_job", job.ID, e.ActorID,
		events.EventPayload{"document_id": doc.ID}); err != nil {
		return domain.BuildJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BuildJob{}, err
	}
	return job, nil
}

func ensureJobTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.JobPending:
		if newStatus == domain.JobRunning || newStatus == domain.JobFailed {
			return nil
		}
	case domain.JobRunning:
		if newStatus == domain.JobCompleted || newStatus == domain.JobFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid build job status transition %s -> %s", oldStatus, newStatus)
}

var jobEvents = map[string]string{
	domain.JobRunning:   events.BuildRunning,
	domain.JobCompleted: events.BuildCompleted,
	domain.JobFailed:    events.BuildFailed,
}

// SetJobStatus moves a job along pending -> running -> completed|failed.
// Terminal statuses are never changed.
func (e Engine) SetJobStatus(ctx context.Context, jobID, status, errMsg string) (domain.BuildJob, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BuildJob{}, err
	}
	defer tx.Rollback()
	job, err := e.Repo.GetBuildJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.BuildJob{}, err
	}
	if err := ensureJobTransition(job.Status, status); err != nil {
		return domain.BuildJob{}, err
	}
	if err := e.Repo.UpdateBuildJobStatus(ctx, tx, job.ID, job.Status, status, errMsg, e.ts()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.BuildJob{}, fmt.Errorf("build job %s changed concurrently: %w", job.ID, err)
		}
		return domain.BuildJob{}, err
	}
	payload := events.EventPayload{"document_id": job.DocumentID}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := e.Events.Append(ctx, tx, jobEvents[status], job.ProjectID, "build_job", job.ID, e.ActorID, payload); err != nil {
		return domain.BuildJob{}, err
	}
	updated, err := e.Repo.GetBuildJobTx(ctx, tx, job.ID)
	if err != nil {
		return domain.BuildJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BuildJob{}, err
	}
	return updated, nil
}
