// Package app wires configuration, storage and collaborators into running
// services and keeps one orchestration session per project.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"specforge/internal/build"
	"specforge/internal/collab"
	"specforge/internal/config"
	"specforge/internal/db"
	"specforge/internal/domain"
	"specforge/internal/engine"
	"specforge/internal/interview"
	"specforge/internal/llm"
	"specforge/internal/metrics"
	"specforge/internal/migrate"
	"specforge/internal/orchestrator"
	"specforge/internal/tokens"
	specforgesdk "specforge/sdk/go"
)

const scaffoldStep = 150 * time.Millisecond

// Services holds what a process needs to run orchestrations. In local mode
// DB, Engine and Builds are set; in remote mode Remote is.
type Services struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	DB      *sql.DB
	Engine  engine.Engine
	Builds  *build.Service
	Remote  *collab.Client

	mu  sync.RWMutex
	cfg *config.Config
}

// Open builds the services described by cfg. Local mode opens (and migrates)
// the workspace database.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{Logger: logger, Metrics: metrics.New(), cfg: cfg}
	if cfg.Remote() {
		api := specforgesdk.New(cfg.Collaborators.BaseURL)
		api.APIKey = cfg.Collaborators.APIKey
		s.Remote = collab.New(api)
		logger.Info("using remote collaborators", slog.String("base_url", cfg.Collaborators.BaseURL))
		return s, nil
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	eng, err := newEngine(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.DB = conn
	s.Engine = eng
	s.Builds = build.NewService(eng, newRunner(cfg.Build), build.Options{
		Workers:  cfg.Build.Workers,
		Logger:   logger.With(slog.String("component", "build")),
		OnFinish: s.Metrics.BuildFinished,
	})
	return s, nil
}

// RecoverBuilds fails build jobs left pending or running by a previous
// server. Only the process that owns the workspace's builds may call it.
func (s *Services) RecoverBuilds(ctx context.Context) error {
	if !s.Local() {
		return nil
	}
	n, err := s.Builds.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover build jobs: %w", err)
	}
	if n > 0 {
		s.Logger.Warn("failed build jobs interrupted by restart", slog.Int("count", n))
	}
	return nil
}

func newEngine(conn *sql.DB, cfg *config.Config) (engine.Engine, error) {
	eng := engine.New(conn)
	eng.Interview = interview.Engine{
		Questions: interview.QuestionOverrides(cfg.Interview.Questions),
		Industry:  eng.IndustryOf,
	}
	client, err := llm.New(cfg.LLM)
	if err != nil {
		return engine.Engine{}, err
	}
	if client == nil {
		eng.Composer = interview.TemplateComposer{}
		eng.Responder = interview.Assistant{}
		eng.Tokens = tokens.ForModel("")
		return eng, nil
	}
	eng.Composer = llm.Composer{Client: client, MaxTokens: cfg.LLM.MaxTokens}
	eng.Responder = llm.Responder{Client: client, MaxTokens: cfg.LLM.MaxTokens}
	eng.Tokens = tokens.ForModel(client.Model())
	return eng, nil
}

func newRunner(cfg config.BuildConfig) build.Runner {
	if len(cfg.Command) > 0 {
		return build.CommandRunner{Command: cfg.Command, Dir: cfg.Dir}
	}
	return build.ScaffoldRunner{Step: scaffoldStep}
}

// Config returns the current configuration.
func (s *Services) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload swaps in a new configuration. Only settings read per orchestration
// (timeouts, build instruction, stream error limit) take effect.
func (s *Services) Reload(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Collaborators returns the collaborator set for a session opened by actorID.
func (s *Services) Collaborators(actorID string) orchestrator.Collaborators {
	if s.Remote != nil {
		return s.Remote.Collaborators()
	}
	eng := s.Engine.WithActor(actorID)
	return orchestrator.Collaborators{
		Drafts:    eng,
		Interview: eng,
		Chat:      eng,
		Generator: eng,
		Builds:    s.Builds,
		Intent:    eng,
		Progress:  s.Builds,
	}
}

// LatestDraft loads the project's most recent draft with its answers and
// transcript. It returns repo.ErrNotFound when the project has none.
func (s *Services) LatestDraft(ctx context.Context, projectID string) (domain.Draft, error) {
	if s.Remote != nil {
		return s.Remote.LatestDraft(ctx, projectID)
	}
	d, err := s.Engine.Repo.LatestDraft(ctx, projectID)
	if err != nil {
		return domain.Draft{}, err
	}
	return s.Engine.Repo.LoadDraft(ctx, d.ID)
}

// OrchestratorOptions derives orchestrator settings from the current config.
func (s *Services) OrchestratorOptions() orchestrator.Options {
	cfg := s.Config()
	return orchestrator.Options{
		Timeouts:        Timeouts(cfg.Timeouts),
		Logger:          s.Logger,
		Observer:        s.Metrics,
		Instruction:     cfg.Build.Instruction,
		MaxStreamErrors: cfg.Build.MaxStreamErrors,
	}
}

func Timeouts(t config.Timeouts) orchestrator.Timeouts {
	return orchestrator.Timeouts{
		CreateDraft:  t.CreateDraft,
		Interview:    t.Interview,
		Chat:         t.Chat,
		Finalize:     t.Finalize,
		BuildTrigger: t.BuildTrigger,
	}
}

// Close stops running builds and closes the database.
func (s *Services) Close() error {
	if s.Builds != nil {
		s.Builds.Close()
	}
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// Local reports whether the services own a workspace database.
func (s *Services) Local() bool { return s.DB != nil }

var errRemote = errors.New("not available with remote collaborators")
