package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"specforge/internal/app"
	"specforge/internal/domain"
	"specforge/internal/orchestrator"
)

func interviewCmd() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "interview",
		Short: "Write a specification interactively and build it",
		Long: `Runs a session in the terminal. Pick "auto" to generate a specification
from a short description, or "interview" to answer questions phase by phase
and then refine the result in a chat. Unless --fresh is given the latest
draft of the project is resumed.

Commands while answering: /skip, /N (append suggestion N), /quit.
Commands while chatting: /finish, /retry, /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				projectID, err := app.ResolveProject(ctx, s, viper.GetString("project"))
				if err != nil {
					return err
				}
				sessions := app.NewRegistry(s)
				defer sessions.Shutdown()
				sess, _, err := sessions.Open(ctx, projectID, viper.GetString("actor-id"), fresh)
				if err != nil {
					return err
				}
				t := &terminal{
					ctx:         ctx,
					o:           sess.Orchestrator,
					in:          bufio.NewScanner(os.Stdin),
					out:         os.Stdout,
					interactive: term.IsTerminal(int(os.Stdin.Fd())),
				}
				return t.run()
			})
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "start a new draft instead of resuming")
	return cmd
}

var errQuit = errors.New("quit")

// terminal drives an orchestrator from line-based input.
type terminal struct {
	ctx         context.Context
	o           *orchestrator.Orchestrator
	in          *bufio.Scanner
	out         io.Writer
	interactive bool

	lastQuestion string
	shownTurns   int
}

func (t *terminal) run() error {
	for {
		snap := t.o.Snapshot()
		if snap.State.Terminal() {
			t.printf("Session %s.\n", snap.State)
			return nil
		}
		var err error
		switch snap.State {
		case orchestrator.StateChoosingMode:
			err = t.chooseMode()
		case orchestrator.StateAutoDrafting:
			err = t.describe(snap)
		case orchestrator.StateInterviewing:
			err = t.answer(snap)
		case orchestrator.StateChatting:
			err = t.chat(snap)
		case orchestrator.StateComplete, orchestrator.StateFailed:
			err = t.afterDocument(snap)
		case orchestrator.StateBuildTriggering, orchestrator.StateBuildRunning:
			err = t.followBuild()
		default:
			// finalizing or idle: another action is in flight
			err = t.followBuild()
		}
		if errors.Is(err, errQuit) {
			t.o.Cancel()
			return nil
		}
		if err != nil && !t.report(err) {
			return err
		}
	}
}

// report prints recoverable action errors and clears them from the session.
func (t *terminal) report(err error) bool {
	var collab *orchestrator.CollaboratorError
	switch {
	case errors.As(err, &collab):
		t.printf("! %s\n", collab.UserMessage())
	case errors.Is(err, orchestrator.ErrValidation), errors.Is(err, orchestrator.ErrInvalidTransition), errors.Is(err, orchestrator.ErrBusy):
		t.printf("! %s\n", err)
	default:
		return false
	}
	for action := range t.o.Snapshot().Errors {
		t.o.DismissError(action)
	}
	return true
}

func (t *terminal) chooseMode() error {
	line, err := t.prompt("Mode [auto/interview]: ")
	if err != nil {
		return err
	}
	switch strings.ToLower(line) {
	case "auto", "a":
		_, err = t.o.SelectAuto()
	case "interview", "i":
		_, err = t.o.StartInterview(t.ctx)
	default:
		t.printf("Type auto or interview.\n")
	}
	return err
}

func (t *terminal) describe(snap orchestrator.Snapshot) error {
	if snap.Description != "" {
		t.printf("Current description: %s\n", snap.Description)
	}
	line, err := t.prompt("Describe the website: ")
	if err != nil {
		return err
	}
	if line == "" && snap.Description != "" {
		line = snap.Description
	}
	t.printf("Generating specification...\n")
	snap, err = t.o.Generate(t.ctx, line)
	if err == nil {
		t.printf("Document %s ready.\n", snap.DocumentID)
	}
	return err
}

func (t *terminal) answer(snap orchestrator.Snapshot) error {
	if q := snap.Question; q != nil && q.Text != t.lastQuestion {
		t.lastQuestion = q.Text
		t.printf("\n[%s, %d%%] %s\n", snap.Phase, snap.Progress, q.Text)
		if q.Context != "" {
			t.printf("  %s\n", q.Context)
		}
		for i, s := range q.Suggestions {
			t.printf("  /%d %s\n", i+1, s)
		}
	}
	if snap.PendingAnswer != "" {
		t.printf("Answer so far: %s\n", snap.PendingAnswer)
	}
	line, err := t.prompt("> ")
	if err != nil {
		return err
	}
	switch {
	case line == "/skip":
		_, err = t.o.Skip(t.ctx)
	case strings.HasPrefix(line, "/"):
		n, convErr := strconv.Atoi(strings.TrimPrefix(line, "/"))
		if convErr != nil || snap.Question == nil || n < 1 || n > len(snap.Question.Suggestions) {
			t.printf("Unknown command %s\n", line)
			return nil
		}
		_, err = t.o.AppendSuggestion(snap.Question.Suggestions[n-1])
	default:
		_, err = t.o.Submit(t.ctx, line)
	}
	return err
}

func (t *terminal) chat(snap orchestrator.Snapshot) error {
	if t.shownTurns == 0 && snap.Intro != "" {
		t.printf("\n%s\n", snap.Intro)
	}
	t.printTurns(snap.Transcript)
	line, err := t.prompt("you> ")
	if err != nil {
		return err
	}
	switch line {
	case "":
		return nil
	case "/finish":
		t.printf("Generating specification...\n")
		snap, err = t.o.Finish(t.ctx)
		if err == nil {
			t.printf("Document %s ready.\n", snap.DocumentID)
		}
	case "/retry":
		snap, err = t.o.RetryChat(t.ctx)
	default:
		snap, err = t.o.SendChat(t.ctx, line)
	}
	if err == nil {
		t.printTurns(snap.Transcript)
	}
	return err
}

func (t *terminal) printTurns(turns []domain.ChatTurn) {
	for ; t.shownTurns < len(turns); t.shownTurns++ {
		if turn := turns[t.shownTurns]; turn.Role == domain.RoleAssistant {
			t.printf("assistant> %s\n", turn.Content)
		}
	}
}

func (t *terminal) afterDocument(snap orchestrator.Snapshot) error {
	if snap.State == orchestrator.StateFailed && snap.Job != nil {
		t.printf("Build %s failed: %s\n", snap.Job.ID, snap.Job.Error)
	}
	line, err := t.prompt("[b]uild, [r]eview or [q]uit: ")
	if err != nil {
		return err
	}
	switch strings.ToLower(line) {
	case "b", "build":
		_, err = t.o.StartBuilding(t.ctx)
	case "r", "review":
		snap, err = t.o.Review()
		if err == nil {
			t.printf("Review document %s with 'sf document %s --raw'.\n", snap.DocumentID, snap.DocumentID)
		}
	case "q", "quit":
		return errQuit
	}
	return err
}

// followBuild prints job logs until the session leaves the build states.
func (t *terminal) followBuild() error {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	printed := 0
	for snap := range t.o.Watch(ctx) {
		if snap.Job != nil {
			for ; printed < len(snap.Job.Logs); printed++ {
				t.printf("  %s\n", snap.Job.Logs[printed])
			}
		}
		switch snap.State {
		case orchestrator.StateBuildTriggering, orchestrator.StateBuildRunning, orchestrator.StateFinalizing, orchestrator.StateIdle:
			continue
		case orchestrator.StateCompleted:
			t.printf("Build completed.\n")
		}
		return nil
	}
	return t.ctx.Err()
}

func (t *terminal) prompt(label string) (string, error) {
	if t.interactive {
		t.printf("%s", label)
	}
	if !t.in.Scan() {
		if err := t.in.Err(); err != nil {
			return "", err
		}
		return "", errQuit
	}
	line := strings.TrimSpace(t.in.Text())
	if line == "/quit" {
		return "", errQuit
	}
	return line, nil
}

func (t *terminal) printf(format string, args ...any) {
	fmt.Fprintf(t.out, format, args...)
}
