package app

import (
	"context"
	"errors"
	"fmt"

	"specforge/internal/orchestrator"
)

var ErrUnknownAction = errors.New("unknown action")

// Actions lists the names accepted by Dispatch.
var Actions = []string{
	"select_auto", "set_description", "generate",
	"start_interview", "set_answer", "append_suggestion", "submit", "skip",
	"chat", "retry_chat", "finish",
	"build", "review", "dismiss_error", "cancel",
}

// Dispatch applies a named user action to o. text carries the action's input:
// the description, answer, suggestion or chat message, or for dismiss_error
// the action whose error is dismissed.
func Dispatch(ctx context.Context, o *orchestrator.Orchestrator, action, text string) (orchestrator.Snapshot, error) {
	switch action {
	case "select_auto":
		return o.SelectAuto()
	case "set_description":
		return o.SetDescription(text)
	case "generate":
		return o.Generate(ctx, text)
	case "start_interview":
		return o.StartInterview(ctx)
	case "set_answer":
		return o.SetAnswer(text)
	case "append_suggestion":
		return o.AppendSuggestion(text)
	case "submit":
		return o.Submit(ctx, text)
	case "skip":
		return o.Skip(ctx)
	case "chat":
		return o.SendChat(ctx, text)
	case "retry_chat":
		return o.RetryChat(ctx)
	case "finish":
		return o.Finish(ctx)
	case "build":
		return o.StartBuilding(ctx)
	case "review":
		return o.Review()
	case "dismiss_error":
		return o.DismissError(orchestrator.Action(text)), nil
	case "cancel":
		return o.Cancel(), nil
	}
	return o.Snapshot(), fmt.Errorf("%w %q", ErrUnknownAction, action)
}
