package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"specforge/internal/domain"
)

var errStreamClosed = errors.New("progress stream closed before the job finished")

// StartBuilding starts generation for the finalized document, or attaches to
// the document's pending or running job if one exists. Calling it while a
// build is being triggered or observed returns the current snapshot.
func (o *Orchestrator) StartBuilding(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	if o.state == StateBuildTriggering || o.state == StateBuildRunning {
		return o.accept()
	}
	if err := o.guard(ActionBuild, StateComplete, StateFailed); err != nil {
		return o.reject(err)
	}
	t := o.startAction(ActionBuild)
	o.setState(StateBuildTriggering)
	docID, draftID := o.documentID, o.draftID
	o.unlock()

	var jobID string
	attached := false
	err := o.call(ctx, "build_trigger", t.timeouts.BuildTrigger, func(ctx context.Context) error {
		id, ok, err := o.collab.Builds.ActiveJob(ctx, docID)
		if err != nil {
			return err
		}
		if ok {
			jobID, attached = id, true
			return nil
		}
		if o.collab.Intent != nil {
			if err := o.collab.Intent.RecordBuildIntent(ctx, draftID, docID); err != nil {
				return fmt.Errorf("record build intent: %w", err)
			}
		}
		id, err = o.collab.Builds.StartBuild(ctx, docID, o.instruction)
		if errors.Is(err, domain.ErrActiveJob) {
			// Another session won the race; observe its job.
			if existing, ok, lookupErr := o.collab.Builds.ActiveJob(ctx, docID); lookupErr == nil && ok {
				jobID, attached = existing, true
				return nil
			}
		}
		jobID = id
		return err
	})
	if !o.settle(t) {
		return o.Snapshot(), ErrStale
	}
	o.inFlight = ""
	if err != nil {
		o.errs[ActionBuild] = userMessage(err)
		o.setState(StateComplete)
		return o.reject(err)
	}
	o.logger.Info("observing build job", slog.String("job_id", jobID), slog.Bool("attached", attached))
	o.job = &jobState{id: jobID, status: domain.JobPending}
	o.setState(StateBuildRunning)
	o.startObserving(t.epoch, jobID)
	return o.accept()
}

// startObserving subscribes to the job's progress. Caller holds mu.
func (o *Orchestrator) startObserving(epoch uint64, jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.stopObserve = cancel
	go o.observe(ctx, epoch, jobID)
}

// observe consumes the progress stream, resubscribing after transport errors
// from the last delivered log message, until the job is terminal, the stream
// fails too often, or the orchestrator leaves BuildRunning.
func (o *Orchestrator) observe(ctx context.Context, epoch uint64, jobID string) {
	for {
		offset, ok := o.logOffset(epoch, jobID)
		if !ok {
			return
		}
		ch, err := o.collab.Progress.Subscribe(ctx, jobID, offset)
		if err == nil {
			for ev := range ch {
				if o.applyProgress(epoch, jobID, ev) {
					return
				}
			}
			err = errStreamClosed
		}
		if ctx.Err() != nil {
			return
		}
		if o.streamError(epoch, jobID, err) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.retryDelay):
		}
	}
}

func (o *Orchestrator) logOffset(epoch uint64, jobID string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.observing(epoch, jobID) {
		return 0, false
	}
	return len(o.job.logs), true
}

// observing reports whether events for jobID still matter. Caller holds mu.
func (o *Orchestrator) observing(epoch uint64, jobID string) bool {
	return o.epoch == epoch && o.state == StateBuildRunning && o.job != nil && o.job.id == jobID
}

// applyProgress folds one stream event into the job and reports whether
// observation is over. A false generating flag only completes the job after a
// true one was seen.
func (o *Orchestrator) applyProgress(epoch uint64, jobID string, ev domain.ProgressEvent) bool {
	o.mu.Lock()
	defer o.unlock()
	if !o.observing(epoch, jobID) {
		return true
	}
	if ev.Err != nil {
		return o.noteStreamError(ev.Err)
	}
	o.job.streamErrs = 0
	if len(ev.LogMessages) > 0 {
		o.job.logs = append(o.job.logs, ev.LogMessages...)
		o.touch()
	}
	switch ev.Status {
	case domain.JobCompleted:
		o.finishJob(domain.JobCompleted, "")
		return true
	case domain.JobFailed:
		msg := ev.Error
		if msg == "" {
			msg = "The build failed."
		}
		o.finishJob(domain.JobFailed, msg)
		return true
	}
	if ev.IsGenerating {
		if !o.job.sawGenerating || o.job.status != domain.JobRunning {
			o.job.sawGenerating = true
			o.job.status = domain.JobRunning
			o.touch()
		}
		return false
	}
	if o.job.sawGenerating {
		o.finishJob(domain.JobCompleted, "")
		return true
	}
	return false
}

func (o *Orchestrator) streamError(epoch uint64, jobID string, err error) bool {
	o.mu.Lock()
	defer o.unlock()
	if !o.observing(epoch, jobID) {
		return true
	}
	return o.noteStreamError(err)
}

// noteStreamError counts consecutive stream errors. Past the limit the build
// is reported indeterminate rather than completed. Caller holds mu.
func (o *Orchestrator) noteStreamError(err error) bool {
	o.job.streamErrs++
	o.logger.Warn("progress stream error",
		slog.String("job_id", o.job.id), slog.Int("consecutive", o.job.streamErrs), slog.Any("error", err))
	if o.job.streamErrs <= o.maxStreamErrors {
		return false
	}
	o.finishJob(domain.JobIndeterminate, "Lost contact with the build; its outcome is unknown. Check the build log before retrying.")
	return true
}

// finishJob records the job outcome and leaves BuildRunning. Caller holds mu.
func (o *Orchestrator) finishJob(status, msg string) {
	o.job.status = status
	o.job.errMsg = msg
	o.touch()
	if status == domain.JobCompleted {
		o.setState(StateCompleted)
		return
	}
	o.errs[ActionBuild] = msg
	o.setState(StateFailed)
}
