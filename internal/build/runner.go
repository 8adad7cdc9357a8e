package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"specforge/internal/domain"
)

// Runner performs one generation job. emit may be called from several
// goroutines; each call is one log message.
type Runner interface {
	Run(ctx context.Context, job domain.BuildJob, doc domain.Document, emit func(string)) error
}

type RunnerFunc func(ctx context.Context, job domain.BuildJob, doc domain.Document, emit func(string)) error

func (f RunnerFunc) Run(ctx context.Context, job domain.BuildJob, doc domain.Document, emit func(string)) error {
	return f(ctx, job, doc, emit)
}

// CommandRunner runs an external generator with the document on stdin and
// reports every stdout and stderr line.
type CommandRunner struct {
	Command []string
	Dir     string
}

func (r CommandRunner) Run(ctx context.Context, job domain.BuildJob, doc domain.Document, emit func(string)) error {
	if len(r.Command) == 0 {
		return errors.New("no build command configured")
	}
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Dir
	cmd.Stdin = strings.NewReader(doc.Content)
	cmd.Env = append(os.Environ(),
		"SPECFORGE_JOB_ID="+job.ID,
		"SPECFORGE_DOCUMENT_ID="+doc.ID,
		"SPECFORGE_PROJECT_ID="+doc.ProjectID,
		"SPECFORGE_DOCUMENT_TITLE="+doc.Title,
		"SPECFORGE_INSTRUCTION="+job.Instruction,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", r.Command[0], err)
	}
	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, emit) })
	g.Go(func() error { return scanLines(stderr, emit) })
	scanErr := g.Wait()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", r.Command[0], err)
	}
	return scanErr
}

func scanLines(r io.Reader, emit func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			emit(line)
		}
	}
	return sc.Err()
}

// ScaffoldRunner is the built-in generator used when no command is
// configured. It plans a page per document section.
type ScaffoldRunner struct {
	// Step is the pause between messages.
	Step time.Duration
}

func (r ScaffoldRunner) Run(ctx context.Context, job domain.BuildJob, doc domain.Document, emit func(string)) error {
	emit("Reading specification: " + doc.Title)
	if job.Instruction != "" {
		emit("Instruction: " + job.Instruction)
	}
	sections := headings(doc.Content)
	if len(sections) == 0 {
		return errors.New("document has no sections to build from")
	}
	steps := make([]string, 0, 2*len(sections)+1)
	for _, s := range sections {
		steps = append(steps, "Planning "+s)
	}
	for _, s := range sections {
		steps = append(steps, "Writing pages/"+slug(s)+".html")
	}
	steps = append(steps, fmt.Sprintf("Scaffold ready: %d pages", len(sections)))
	for _, line := range steps {
		if r.Step > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Step):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		emit(line)
	}
	return nil
}

func headings(doc string) []string {
	var out []string
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, "## ") {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(line, "## ")))
		}
	}
	return out
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
