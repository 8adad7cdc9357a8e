// Package build runs generation jobs for finalized documents and streams
// their progress.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"specforge/internal/domain"
	"specforge/internal/engine"
	"specforge/internal/repo"
)

const subscriberBuffer = 256

type Options struct {
	// Workers bounds concurrently running jobs.
	Workers int
	Logger  *slog.Logger
	// OnFinish is called after a job reaches a terminal status.
	OnFinish func(job domain.BuildJob, took time.Duration)
}

type subscriber struct {
	ch   chan domain.ProgressEvent
	done chan struct{}
}

// Service starts jobs and fans their log lines out to subscribers. Log lines
// are stored before they are published, so a subscriber that reconnects with
// an offset sees every line exactly once.
type Service struct {
	engine   engine.Engine
	runner   Runner
	logger   *slog.Logger
	onFinish func(domain.BuildJob, time.Duration)
	slots    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewService(eng engine.Engine, runner Runner, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:   eng,
		runner:   runner,
		logger:   opts.Logger,
		onFinish: opts.OnFinish,
		slots:    make(chan struct{}, opts.Workers),
		ctx:      ctx,
		cancel:   cancel,
		subs:     map[string]map[*subscriber]struct{}{},
	}
}

// Recover fails jobs left pending or running by a previous process.
func (s *Service) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []string{domain.JobPending, domain.JobRunning} {
		jobs, err := s.engine.Repo.ListBuildJobs(ctx, repo.BuildJobFilters{Status: status, Limit: 1000})
		if err != nil {
			return n, err
		}
		for _, j := range jobs {
			if _, err := s.engine.SetJobStatus(ctx, j.ID, domain.JobFailed, "interrupted by restart"); err != nil {
				return n, fmt.Errorf("fail job %s: %w", j.ID, err)
			}
			n++
		}
	}
	return n, nil
}

// ActiveJob returns the pending or running job of a document.
func (s *Service) ActiveJob(ctx context.Context, documentID string) (string, bool, error) {
	job, err := s.engine.Repo.ActiveBuildJob(ctx, documentID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return job.ID, true, nil
}

// StartBuild queues a job for the document and returns its id, or
// domain.ErrActiveJob when one is already pending or running.
func (s *Service) StartBuild(ctx context.Context, documentID, instruction string) (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", errors.New("build service is shut down")
	}
	job, err := s.engine.CreateBuildJob(ctx, documentID, instruction)
	if err != nil {
		return "", err
	}
	s.logger.Info("build job queued", slog.String("job_id", job.ID), slog.String("document_id", documentID))
	s.wg.Add(1)
	go s.run(job)
	return job.ID, nil
}

func (s *Service) run(job domain.BuildJob) {
	defer s.wg.Done()
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-s.ctx.Done():
		s.finish(job, time.Now(), errors.New("build service shut down before the job started"))
		return
	}
	start := time.Now()
	doc, err := s.engine.Repo.GetDocument(s.ctx, job.DocumentID)
	if err != nil {
		s.finish(job, start, fmt.Errorf("load document: %w", err))
		return
	}
	if _, err := s.engine.SetJobStatus(s.ctx, job.ID, domain.JobRunning, ""); err != nil {
		s.finish(job, start, err)
		return
	}
	s.publish(job.ID, domain.ProgressEvent{JobID: job.ID, IsGenerating: true})
	err = s.runner.Run(s.ctx, job, doc, func(line string) { s.appendLog(job.ID, line) })
	s.finish(job, start, err)
}

// appendLog stores a log line and publishes it. Holding mu across both keeps
// replay and live delivery in sequence order.
func (s *Service) appendLog(jobID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.engine.Repo.AppendBuildLog(context.Background(), jobID, line, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("store build log", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	s.publishLocked(jobID, domain.ProgressEvent{JobID: jobID, LogMessages: []string{line}, IsGenerating: true})
}

func (s *Service) finish(job domain.BuildJob, start time.Time, runErr error) {
	status, msg := domain.JobCompleted, ""
	if runErr != nil {
		status, msg = domain.JobFailed, runErr.Error()
	}
	// The job row must reach a terminal status even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	current, err := s.engine.Repo.GetBuildJob(ctx, job.ID)
	if err == nil && current.Status == domain.JobPending && status == domain.JobCompleted {
		status, msg = domain.JobFailed, "job never started"
	}
	updated, err := s.engine.SetJobStatus(ctx, job.ID, status, msg)
	if err != nil {
		s.logger.Error("finish build job", slog.String("job_id", job.ID), slog.Any("error", err))
		updated = job
		updated.Status, updated.Error = status, msg
	}
	took := time.Since(start)
	s.logger.Info("build job finished", slog.String("job_id", job.ID), slog.String("status", status), slog.Duration("took", took))

	s.mu.Lock()
	s.publishLocked(job.ID, domain.ProgressEvent{JobID: job.ID, Status: status, Error: msg})
	for sub := range s.subs[job.ID] {
		close(sub.ch)
		close(sub.done)
	}
	delete(s.subs, job.ID)
	s.mu.Unlock()

	if s.onFinish != nil {
		s.onFinish(updated, took)
	}
}

func (s *Service) publish(jobID string, ev domain.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(jobID, ev)
}

// publishLocked delivers ev to every subscriber of jobID. A subscriber that
// cannot keep up is dropped; it resubscribes from its last offset.
func (s *Service) publishLocked(jobID string, ev domain.ProgressEvent) {
	for sub := range s.subs[jobID] {
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warn("dropping slow progress subscriber", slog.String("job_id", jobID))
			delete(s.subs[jobID], sub)
			close(sub.ch)
			close(sub.done)
		}
	}
}

// Subscribe replays the job's log after the first offset messages, then
// streams live progress. The channel is closed after the terminal event or
// when ctx is done.
func (s *Service) Subscribe(ctx context.Context, jobID string, offset int) (<-chan domain.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.engine.Repo.GetBuildJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var lines []string
	after := int64(offset)
	for {
		logs, err := s.engine.Repo.ListBuildLogs(ctx, jobID, after, 1000)
		if err != nil {
			return nil, err
		}
		for _, l := range logs {
			lines = append(lines, l.Message)
			after = l.Seq
		}
		if len(logs) < 1000 {
			break
		}
	}

	sub := &subscriber{ch: make(chan domain.ProgressEvent, subscriberBuffer), done: make(chan struct{})}
	sub.ch <- domain.ProgressEvent{JobID: jobID, LogMessages: lines, IsGenerating: job.Status == domain.JobRunning}
	if !domain.JobActive(job.Status) {
		sub.ch <- domain.ProgressEvent{JobID: jobID, Status: job.Status, Error: job.Error}
		close(sub.ch)
		return sub.ch, nil
	}
	if s.subs[jobID] == nil {
		s.subs[jobID] = map[*subscriber]struct{}{}
	}
	s.subs[jobID][sub] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(jobID, sub)
		case <-sub.done:
		}
	}()
	return sub.ch, nil
}

func (s *Service) unsubscribe(jobID string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[jobID][sub]; !ok {
		return
	}
	delete(s.subs[jobID], sub)
	close(sub.ch)
	close(sub.done)
}

// Close stops running jobs, marking them failed, and waits for them to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
