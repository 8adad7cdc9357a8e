package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	yamlv3 "gopkg.in/yaml.v3"

	"specforge/internal/app"
	"specforge/internal/config"
	"specforge/internal/db"
	"specforge/internal/domain"
	"specforge/internal/migrate"
	"specforge/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Specforge CLI",
	Long: `Specforge turns a conversation about a website into a specification document
and then into a generated site.
- Project: the business the website is for (name, industry).
- Draft: one attempt at a specification. Auto drafts start from a description,
  interview drafts walk through seven phases and then a free-form chat.
- Document: the finalized specification. A draft produces at most one.
- Build job: generation of a site from a document; logs stream while it runs.
- Session: the live state machine driving a draft from mode choice to build
  ('sf interview' in the terminal, /v1/projects/{id}/session over HTTP).
- Event log: history of changes, view with 'sf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log debug output to stderr")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(interviewCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default specforge.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			redacted := *c
			if redacted.Auth.JWTSecret != "" {
				redacted.Auth.JWTSecret = "***"
			}
			if redacted.LLM.APIKey != "" {
				redacted.LLM.APIKey = "***"
			}
			if redacted.Collaborators.APIKey != "" {
				redacted.Collaborators.APIKey = "***"
			}
			if viper.GetBool("json") {
				return printJSON(redacted)
			}
			out, err := yamlv3.Marshal(redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate specforge.yml and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("Config valid")
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace database, schema version and active jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if err := requireLocal(s); err != nil {
					return err
				}
				version, err := migrate.Version(ctx, s.DB)
				if err != nil {
					return err
				}
				projects, err := s.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				var active []domain.BuildJob
				for _, status := range []string{domain.JobPending, domain.JobRunning} {
					jobs, err := s.Engine.Repo.ListBuildJobs(ctx, repo.BuildJobFilters{Status: status, Limit: 100})
					if err != nil {
						return err
					}
					active = append(active, jobs...)
				}
				status := map[string]any{
					"database":       db.Path(viper.GetString("workspace")),
					"schema_version": version,
					"projects":       len(projects),
					"active_jobs":    len(active),
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Database", status["database"]},
					{"Schema version", version},
					{"Projects", len(projects)},
					{"Active jobs", len(active)},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var p domain.Project
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if err := requireLocal(s); err != nil {
					return err
				}
				created, err := s.Engine.WithActor(viper.GetString("actor-id")).CreateProject(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&p.Name, "name", "", "business name")
	cmd.Flags().StringVar(&p.Industry, "industry", "", "industry, used for interview suggestions")
	cmd.Flags().StringVar(&p.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Industry", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Industry, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project with its token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				projectID, err := app.ResolveProject(ctx, s, viper.GetString("project"))
				if err != nil {
					return err
				}
				if err := requireLocal(s); err != nil {
					return err
				}
				p, err := s.Engine.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				usage, err := s.Engine.Repo.UsageTotals(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					domain.Project
					Tokens map[string]int `json:"tokens"`
				}{p, usage})
			})
		},
	}
}

func draftCmd() *cobra.Command {
	drafts := &cobra.Command{Use: "draft", Short: "Inspect drafts"}
	drafts.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the project's drafts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				projectID, err := app.ResolveProject(ctx, s, viper.GetString("project"))
				if err != nil {
					return err
				}
				if err := requireLocal(s); err != nil {
					return err
				}
				items, err := s.Engine.Repo.ListDrafts(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Mode", "Phase", "Progress", "Document", "Updated"})
				for _, d := range items {
					doc := ""
					if d.DocumentID != nil {
						doc = *d.DocumentID
					}
					tw.AppendRow(table.Row{d.ID, d.Mode, d.CurrentPhase, fmt.Sprintf("%d%%", d.Progress), doc, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	drafts.AddCommand(&cobra.Command{
		Use:   "show <draft-id>",
		Short: "Show a draft with its answers and chat transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.LoadDraft(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	})
	return drafts
}

func documentCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "document <document-id>",
		Short: "Print a finalized specification document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				doc, err := r.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				if raw && !viper.GetBool("json") {
					fmt.Println(doc.Content)
					return nil
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print only the document content")
	return cmd
}

func buildCmd() *cobra.Command {
	var instruction string
	var detach bool
	cmd := &cobra.Command{
		Use:   "build <document-id>",
		Short: "Generate a site from a document and follow its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if err := requireLocal(s); err != nil {
					return err
				}
				if instruction == "" {
					instruction = s.Config().Build.Instruction
				}
				jobID, err := s.Builds.StartBuild(ctx, args[0], instruction)
				if errors.Is(err, domain.ErrActiveJob) {
					active, ok, lookupErr := s.Builds.ActiveJob(ctx, args[0])
					if lookupErr == nil && ok {
						return fmt.Errorf("document %s already has an active job %s (follow it with 'sf job logs %s -f')", args[0], active, active)
					}
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "Started job", jobID)
				if detach {
					return nil
				}
				return followProgress(ctx, s, jobID)
			})
		},
	}
	cmd.Flags().StringVar(&instruction, "instruction", "", "instruction passed to the generator")
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the job is queued")
	return cmd
}

// followProgress prints a job's progress stream until the job ends. The job
// runs in this process, so Ctrl-C stops it.
func followProgress(ctx context.Context, s *app.Services, jobID string) error {
	events, err := s.Builds.Subscribe(ctx, jobID, 0)
	if err != nil {
		return err
	}
	status, msg := "", ""
	for ev := range events {
		for _, line := range ev.LogMessages {
			fmt.Println(line)
		}
		if ev.Status != "" {
			status, msg = ev.Status, ev.Error
		}
	}
	switch status {
	case domain.JobCompleted:
		fmt.Fprintln(os.Stderr, "Job completed")
		return nil
	case "":
		return ctx.Err()
	default:
		return fmt.Errorf("job %s %s: %s", jobID, status, msg)
	}
}

func jobCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "job", Short: "Inspect build jobs"}
	var f repo.BuildJobFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List build jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if f.ProjectID == "" {
					f.ProjectID = viper.GetString("project")
				}
				items, err := r.ListBuildJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Document", "Status", "Created", "Error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.DocumentID, j.Status, j.CreatedAt, j.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.DocumentID, "document", "", "document filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().IntVar(&f.Limit, "limit", 20, "maximum jobs")

	var follow bool
	logs := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return tailJobLog(ctx, r, args[0], follow)
			})
		},
	}
	logs.Flags().BoolVarP(&follow, "follow", "f", false, "poll until the job ends")
	jobs.AddCommand(list, logs)
	return jobs
}

// tailJobLog reads the stored log. Jobs run inside the server process, so
// following polls the database rather than subscribing.
func tailJobLog(ctx context.Context, r repo.Repo, jobID string, follow bool) error {
	var after int64
	for {
		page, err := r.ListBuildLogs(ctx, jobID, after, 500)
		if err != nil {
			return err
		}
		for _, l := range page {
			fmt.Println(l.Message)
			after = l.Seq
		}
		if len(page) == 500 {
			continue
		}
		job, err := r.GetBuildJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !follow || !domain.JobActive(job.Status) {
			if job.Status == domain.JobFailed {
				return fmt.Errorf("job %s failed: %s", jobID, job.Error)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f.ProjectID = viper.GetString("project")
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	l.AddCommand(tail)
	return l
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if err := requireLocal(s); err != nil {
					return err
				}
				actorID := viper.GetString("actor-id")
				key, plain, err := s.Engine.WithActor(actorID).CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("Created key %s for %s\n%s\nStore it now; it is not shown again.\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actorID := viper.GetString("actor-id")
				if all {
					actorID = ""
				}
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "list keys of every actor")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Revoked", args[0])
				return nil
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

// --- helpers ---

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openServices(ctx context.Context, logger *slog.Logger) (*app.Services, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, workspace, cfg, logger)
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	s, err := openServices(ctx, cliLogger())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withServices(ctx, func(ctx context.Context, s *app.Services) error {
		if err := requireLocal(s); err != nil {
			return err
		}
		return fn(ctx, s.Engine.Repo)
	})
}

func requireLocal(s *app.Services) error {
	if !s.Local() {
		return errors.New("this command needs local collaborators; it is not available when collaborators.mode is remote")
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		tw.SetAllowedRowLength(w)
	}
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
