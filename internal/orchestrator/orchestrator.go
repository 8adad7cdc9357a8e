// Package orchestrator sequences the specification interview, document
// generation and build observation for one project.
//
// Every exported method takes the orchestrator mutex only to read or change
// state, never while a collaborator call is outstanding. One action may be in
// flight at a time; overlapping actions fail with ErrBusy, except chat
// messages, which wait their turn so the transcript keeps the order in which
// they were sent. Cancel bumps an epoch; responses to calls issued under an
// older epoch are dropped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"specforge/internal/answers"
	"specforge/internal/domain"
)

const (
	// DefaultIntro is the local assistant message that opens the chat.
	DefaultIntro = "Thanks, that covers every phase. Tell me anything you'd like to add or change, or press Finish to write the specification."

	defaultMaxStreamErrors = 3
	defaultRetryDelay      = 500 * time.Millisecond
)

// Options tune an Orchestrator. Zero values take defaults.
type Options struct {
	// Timeouts bound each collaborator call; zero means no limit.
	Timeouts Timeouts
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Observer receives transitions and call outcomes, e.g. for metrics.
	Observer Observer
	// Instruction is the opening instruction sent with every build request.
	Instruction string
	// MaxStreamErrors is how many consecutive progress stream errors are
	// tolerated before the build is reported indeterminate.
	MaxStreamErrors int
	// RetryDelay is the pause before resubscribing to a broken progress stream.
	RetryDelay time.Duration
	// Intro replaces DefaultIntro.
	Intro string
	// OnDone is called once, outside the lock, when a terminal state is reached.
	OnDone func(Snapshot)
}

type Question struct {
	Text        string   `json:"text"`
	Context     string   `json:"context,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type JobView struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Logs     []string `json:"logs"`
	Observed bool     `json:"observed_generating"`
	Error    string   `json:"error,omitempty"`
}

// Snapshot is a consistent copy of the orchestrator's state.
type Snapshot struct {
	ProjectID     string               `json:"project_id"`
	DraftID       string               `json:"draft_id,omitempty"`
	State         State                `json:"state"`
	Mode          domain.Mode          `json:"mode,omitempty"`
	Initializing  bool                 `json:"initializing"`
	Description   string               `json:"description,omitempty"`
	PendingAnswer string               `json:"pending_answer,omitempty"`
	Question      *Question            `json:"question,omitempty"`
	Phase         domain.Phase         `json:"current_phase,omitempty"`
	PhaseHistory  []domain.Phase       `json:"phase_history,omitempty"`
	Progress      int                  `json:"progress_percent"`
	Answers       []domain.PhaseAnswer `json:"answers,omitempty"`
	Intro         string               `json:"intro,omitempty"`
	Transcript    []domain.ChatTurn    `json:"transcript,omitempty"`
	DocumentID    string               `json:"document_id,omitempty"`
	Job           *JobView             `json:"job,omitempty"`
	InFlight      Action               `json:"in_flight,omitempty"`
	IsSubmitting  bool                 `json:"is_submitting"`
	IsLoading     bool                 `json:"is_loading"`
	CanBuild      bool                 `json:"can_start_building"`
	Errors        map[Action]string    `json:"errors,omitempty"`
	Version       uint64               `json:"version"`
}

type jobState struct {
	id            string
	status        string
	errMsg        string
	logs          []string
	sawGenerating bool
	streamErrs    int
}

// ticket identifies one in-flight action.
type ticket struct {
	epoch    uint64
	action   Action
	timeouts Timeouts
}

type Orchestrator struct {
	projectID       string
	collab          Collaborators
	logger          *slog.Logger
	observer        Observer
	tracer          trace.Tracer
	instruction     string
	maxStreamErrors int
	retryDelay      time.Duration
	intro           string
	onDone          func(Snapshot)
	chatSlot        chan struct{}
	done            chan struct{}

	mu          sync.Mutex
	timeouts    Timeouts
	state       State
	prev        State
	epoch       uint64
	version     uint64
	changed     bool
	notifyDone  bool
	inFlight    Action
	errs        map[Action]string
	draftID     string
	mode        domain.Mode
	store       *answers.Store
	phase       domain.Phase
	visited     []domain.Phase
	progress    int
	question    *Question
	documentID  string
	job         *jobState
	unanswered  string
	stopObserve context.CancelFunc
	watchers    map[chan Snapshot]struct{}
}

func New(projectID string, collab Collaborators, opts Options) *Orchestrator {
	o := &Orchestrator{
		projectID:       projectID,
		collab:          collab,
		logger:          opts.Logger,
		observer:        opts.Observer,
		tracer:          otel.Tracer("specforge/orchestrator"),
		instruction:     opts.Instruction,
		maxStreamErrors: opts.MaxStreamErrors,
		retryDelay:      opts.RetryDelay,
		intro:           opts.Intro,
		onDone:          opts.OnDone,
		chatSlot:        make(chan struct{}, 1),
		done:            make(chan struct{}),
		timeouts:        opts.Timeouts,
		state:           StateIdle,
		errs:            map[Action]string{},
		store:           answers.New(),
		watchers:        map[chan Snapshot]struct{}{},
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With(slog.String("project_id", projectID))
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.maxStreamErrors <= 0 {
		o.maxStreamErrors = defaultMaxStreamErrors
	}
	if o.retryDelay <= 0 {
		o.retryDelay = defaultRetryDelay
	}
	if o.intro == "" {
		o.intro = DefaultIntro
	}
	return o
}

// Begin offers the mode choice for a fresh draft.
func (o *Orchestrator) Begin() (Snapshot, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		return o.reject(transitionError(o.state, "begin"))
	}
	o.setState(StateChoosingMode)
	return o.accept()
}

// Resume restores a persisted draft. Finalized drafts land on the Complete
// display, drafts whose interview finished land in chat, everything else
// goes back to the mode choice with its answers kept. Questions are never
// restored; choosing the interview again asks the engine.
func (o *Orchestrator) Resume(d domain.Draft) (Snapshot, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		return o.reject(transitionError(o.state, "resume"))
	}
	o.draftID = d.ID
	o.mode = d.Mode
	o.store = answers.FromDraft(d)
	o.progress = d.Progress
	if d.CurrentPhase != "" {
		o.phase = d.CurrentPhase
		o.visited = append(o.visited, d.CurrentPhase)
	}
	switch {
	case d.Finalized():
		o.documentID = *d.DocumentID
		o.setState(StateComplete)
	case d.Mode == domain.ModeChat:
		o.phase = domain.PhaseChat
		o.setState(StateChatting)
	default:
		o.setState(StateChoosingMode)
	}
	return o.accept()
}

// SelectAuto switches to free-text mode. Nothing is created until Generate.
func (o *Orchestrator) SelectAuto() (Snapshot, error) {
	o.mu.Lock()
	if o.state != StateChoosingMode {
		return o.reject(transitionError(o.state, ActionGenerate))
	}
	if o.mode == "" {
		o.mode = domain.ModeAuto
	}
	o.setState(StateAutoDrafting)
	return o.accept()
}

func (o *Orchestrator) SetDescription(text string) (Snapshot, error) {
	o.mu.Lock()
	if o.state != StateAutoDrafting {
		return o.reject(transitionError(o.state, ActionGenerate))
	}
	if err := o.store.SetDescription(text); err != nil {
		return o.reject(err)
	}
	delete(o.errs, ActionGenerate)
	o.touch()
	return o.accept()
}

// Generate writes the document from the description. A non-empty argument
// replaces the stored description first.
func (o *Orchestrator) Generate(ctx context.Context, description string) (Snapshot, error) {
	o.mu.Lock()
	if err := o.guard(ActionGenerate, StateAutoDrafting); err != nil {
		return o.reject(err)
	}
	text := strings.TrimSpace(description)
	if description == "" {
		text = strings.TrimSpace(o.store.Description())
	}
	if text == "" {
		err := invalidf("describe the website before generating")
		o.errs[ActionGenerate] = err.Error()
		o.touch()
		return o.reject(err)
	}
	if description != "" {
		if err := o.store.SetDescription(description); err != nil {
			return o.reject(err)
		}
		o.touch()
	}
	t := o.startAction(ActionGenerate)
	o.prev = StateAutoDrafting
	o.setState(StateFinalizing)
	o.unlock()

	draftID, err := o.ensureDraft(ctx, t, domain.ModeAuto)
	if err != nil {
		return o.abortFinalize(t, err)
	}
	var docID string
	err = o.call(ctx, "finalize", t.timeouts.Finalize, func(ctx context.Context) error {
		var err error
		docID, err = o.collab.Generator.Finalize(ctx, domain.FinalizeRequest{
			DraftID:     draftID,
			Mode:        domain.ModeAuto,
			Description: text,
		})
		return err
	})
	if err != nil {
		return o.abortFinalize(t, err)
	}
	return o.completeFinalize(t, docID)
}

// StartInterview enters guided mode and asks for the first question. While no
// question has arrived the interview is initializing and StartInterview may be
// called again to retry.
func (o *Orchestrator) StartInterview(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	if err := o.guard(ActionStartInterview, StateChoosingMode, StateInterviewing); err != nil {
		return o.reject(err)
	}
	if o.state == StateInterviewing && o.question != nil {
		return o.reject(transitionError(o.state, ActionStartInterview))
	}
	t := o.startAction(ActionStartInterview)
	if o.state == StateChoosingMode {
		if o.mode == "" || o.mode == domain.ModeAuto {
			o.mode = domain.ModeInterview
		}
		o.setState(StateInterviewing)
	}
	prior := o.store.Answers()
	o.unlock()

	draftID, err := o.ensureDraft(ctx, t, domain.ModeInterview)
	if err != nil {
		return o.failAction(t, err)
	}
	var step domain.InterviewStep
	err = o.call(ctx, "interview", t.timeouts.Interview, func(ctx context.Context) error {
		var err error
		step, err = o.collab.Interview.Next(ctx, domain.InterviewRequest{DraftID: draftID, Answers: prior})
		return err
	})
	if err != nil {
		return o.failAction(t, err)
	}
	return o.applyStep(t, step, nil)
}

// SetAnswer replaces the answer being composed for the current question.
func (o *Orchestrator) SetAnswer(text string) (Snapshot, error) {
	o.mu.Lock()
	if o.state != StateInterviewing {
		return o.reject(transitionError(o.state, ActionSubmit))
	}
	o.store.SetPending(text)
	o.touch()
	return o.accept()
}

// AppendSuggestion adds a suggestion to the answer being composed without submitting it.
func (o *Orchestrator) AppendSuggestion(text string) (Snapshot, error) {
	o.mu.Lock()
	if o.state != StateInterviewing {
		return o.reject(transitionError(o.state, ActionSubmit))
	}
	o.store.MergeSuggestion(text)
	o.touch()
	return o.accept()
}

// Submit answers the current question. An empty argument submits the
// composed answer.
func (o *Orchestrator) Submit(ctx context.Context, text string) (Snapshot, error) {
	return o.answer(ctx, ActionSubmit, text, false)
}

// Skip records the current phase as skipped and moves on.
func (o *Orchestrator) Skip(ctx context.Context) (Snapshot, error) {
	return o.answer(ctx, ActionSkip, "", true)
}

func (o *Orchestrator) answer(ctx context.Context, action Action, text string, skipped bool) (Snapshot, error) {
	o.mu.Lock()
	if err := o.guard(action, StateInterviewing); err != nil {
		return o.reject(err)
	}
	if o.question == nil {
		return o.reject(transitionError(o.state, action))
	}
	if !skipped {
		if text == "" {
			text = o.store.Pending()
		} else {
			o.store.SetPending(text)
		}
		if strings.TrimSpace(text) == "" {
			err := invalidf("type an answer or skip the question")
			o.errs[action] = err.Error()
			o.touch()
			return o.reject(err)
		}
	}
	t := o.startAction(action)
	phase := o.phase
	draftID := o.draftID
	prior := withAnswer(o.store.Answers(), domain.PhaseAnswer{Phase: phase, Answer: text, Skipped: skipped})
	o.unlock()

	var step domain.InterviewStep
	err := o.call(ctx, "interview", t.timeouts.Interview, func(ctx context.Context) error {
		var err error
		step, err = o.collab.Interview.Next(ctx, domain.InterviewRequest{
			DraftID: draftID,
			Phase:   phase,
			Answer:  text,
			Skipped: skipped,
			Answers: prior,
		})
		return err
	})
	if err != nil {
		return o.failAction(t, err)
	}
	return o.applyStep(t, step, func() {
		if err := o.store.RecordAnswer(phase, text, skipped); err != nil {
			o.logger.Warn("answer not recorded", slog.String("phase", string(phase)), slog.Any("error", err))
		}
		o.store.SetPending("")
	})
}

// SendChat appends the message to the transcript and asks for a reply.
// Concurrent sends wait for the previous reply.
func (o *Orchestrator) SendChat(ctx context.Context, text string) (Snapshot, error) {
	if strings.TrimSpace(text) == "" {
		o.mu.Lock()
		if o.state != StateChatting {
			return o.reject(transitionError(o.state, ActionChat))
		}
		err := invalidf("type a message first")
		o.errs[ActionChat] = err.Error()
		o.touch()
		return o.reject(err)
	}
	release, err := o.acquireChat(ctx)
	if err != nil {
		return o.Snapshot(), err
	}
	defer release()

	o.mu.Lock()
	if err := o.guard(ActionChat, StateChatting); err != nil {
		return o.reject(err)
	}
	t := o.startAction(ActionChat)
	prior := o.store.Transcript()
	o.store.AppendChatTurn(domain.RoleUser, text)
	o.unanswered = text
	draftID := o.draftID
	o.unlock()
	return o.exchange(ctx, t, draftID, text, prior)
}

// RetryChat resends the last message whose reply failed without appending it again.
func (o *Orchestrator) RetryChat(ctx context.Context) (Snapshot, error) {
	release, err := o.acquireChat(ctx)
	if err != nil {
		return o.Snapshot(), err
	}
	defer release()

	o.mu.Lock()
	if err := o.guard(ActionChat, StateChatting); err != nil {
		return o.reject(err)
	}
	if o.unanswered == "" {
		return o.reject(invalidf("no unanswered message to resend"))
	}
	t := o.startAction(ActionChat)
	text := o.unanswered
	prior := o.store.Transcript()
	if n := len(prior); n > 0 && prior[n-1].Role == domain.RoleUser {
		prior = prior[:n-1]
	}
	draftID := o.draftID
	o.unlock()
	return o.exchange(ctx, t, draftID, text, prior)
}

func (o *Orchestrator) acquireChat(ctx context.Context) (func(), error) {
	select {
	case o.chatSlot <- struct{}{}:
		return func() { <-o.chatSlot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) exchange(ctx context.Context, t ticket, draftID, text string, prior []domain.ChatTurn) (Snapshot, error) {
	var reply string
	err := o.call(ctx, "chat", t.timeouts.Chat, func(ctx context.Context) error {
		var err error
		reply, err = o.collab.Chat.Reply(ctx, domain.ChatRequest{DraftID: draftID, Message: text, Transcript: prior})
		return err
	})
	if err != nil {
		return o.failAction(t, err)
	}
	if !o.settle(t) {
		return o.Snapshot(), ErrStale
	}
	o.inFlight = ""
	o.store.AppendChatTurn(domain.RoleAssistant, reply)
	o.unanswered = ""
	o.touch()
	return o.accept()
}

// Finish writes the document from the interview answers and the chat.
func (o *Orchestrator) Finish(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	if err := o.guard(ActionFinish, StateChatting); err != nil {
		return o.reject(err)
	}
	t := o.startAction(ActionFinish)
	o.prev = StateChatting
	o.setState(StateFinalizing)
	mode := o.mode
	if mode == "" || mode == domain.ModeInterview {
		mode = domain.ModeChat
	}
	req := domain.FinalizeRequest{
		Mode:       mode,
		Answers:    o.store.Answers(),
		Transcript: o.store.Transcript(),
	}
	o.unlock()

	draftID, err := o.ensureDraft(ctx, t, mode)
	if err != nil {
		return o.abortFinalize(t, err)
	}
	req.DraftID = draftID
	var docID string
	err = o.call(ctx, "finalize", t.timeouts.Finalize, func(ctx context.Context) error {
		var err error
		docID, err = o.collab.Generator.Finalize(ctx, req)
		return err
	})
	if err != nil {
		return o.abortFinalize(t, err)
	}
	return o.completeFinalize(t, docID)
}

// Review leaves orchestration for the document review screen.
func (o *Orchestrator) Review() (Snapshot, error) {
	o.mu.Lock()
	if o.state != StateComplete || o.inFlight != "" {
		return o.reject(transitionError(o.state, "review"))
	}
	o.setState(StateReviewing)
	return o.accept()
}

// Cancel abandons the flow. Outstanding calls are left to finish but their
// responses are ignored. Cancelling a terminal orchestrator is a no-op.
func (o *Orchestrator) Cancel() Snapshot {
	o.mu.Lock()
	if o.state.Terminal() {
		s := o.snapshotLocked()
		o.unlock()
		return s
	}
	o.epoch++
	o.inFlight = ""
	o.setState(StateCancelled)
	s, _ := o.accept()
	return s
}

// DismissError clears the message shown for action.
func (o *Orchestrator) DismissError(action Action) Snapshot {
	o.mu.Lock()
	if _, ok := o.errs[action]; ok {
		delete(o.errs, action)
		o.touch()
	}
	s, _ := o.accept()
	return s
}

// SetTimeouts applies new per-call timeouts to actions started afterwards.
func (o *Orchestrator) SetTimeouts(t Timeouts) {
	o.mu.Lock()
	o.timeouts = t
	o.mu.Unlock()
}

func (o *Orchestrator) ProjectID() string { return o.projectID }

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Done is closed when a terminal state is reached.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Watch delivers the latest snapshot after every change until ctx is done.
// Slow readers only see the most recent snapshot.
func (o *Orchestrator) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	o.mu.Lock()
	ch <- o.snapshotLocked()
	o.watchers[ch] = struct{}{}
	o.mu.Unlock()
	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.watchers, ch)
		close(ch)
		o.mu.Unlock()
	}()
	return ch
}

// guard checks the in-flight marker and the current state. Caller holds mu.
func (o *Orchestrator) guard(action Action, allowed ...State) error {
	if o.inFlight != "" {
		return fmt.Errorf("%w: %s", ErrBusy, o.inFlight)
	}
	if !slices.Contains(allowed, o.state) {
		return transitionError(o.state, action)
	}
	return nil
}

// startAction marks action in flight. Caller holds mu.
func (o *Orchestrator) startAction(action Action) ticket {
	o.inFlight = action
	delete(o.errs, action)
	o.touch()
	return ticket{epoch: o.epoch, action: action, timeouts: o.timeouts}
}

// settle takes mu and reports whether t is still current. On false mu is released.
func (o *Orchestrator) settle(t ticket) bool {
	o.mu.Lock()
	if o.epoch != t.epoch {
		o.mu.Unlock()
		o.logger.Debug("ignoring stale response", slog.String("action", string(t.action)))
		return false
	}
	return true
}

// ensureDraft returns the draft id, creating the draft on first need.
func (o *Orchestrator) ensureDraft(ctx context.Context, t ticket, mode domain.Mode) (string, error) {
	o.mu.Lock()
	if o.epoch != t.epoch {
		o.mu.Unlock()
		return "", ErrStale
	}
	if o.draftID != "" {
		id := o.draftID
		o.mu.Unlock()
		return id, nil
	}
	o.mu.Unlock()

	var id string
	err := o.call(ctx, "create_draft", t.timeouts.CreateDraft, func(ctx context.Context) error {
		var err error
		id, err = o.collab.Drafts.CreateDraft(ctx, o.projectID, mode)
		return err
	})
	if err != nil {
		return "", err
	}
	if !o.settle(t) {
		return "", ErrStale
	}
	o.draftID = id
	o.touch()
	o.unlock()
	return id, nil
}

func (o *Orchestrator) failAction(t ticket, err error) (Snapshot, error) {
	if !o.settle(t) {
		return o.Snapshot(), ErrStale
	}
	o.inFlight = ""
	o.errs[t.action] = userMessage(err)
	o.touch()
	return o.reject(err)
}

func (o *Orchestrator) abortFinalize(t ticket, err error) (Snapshot, error) {
	if !o.settle(t) {
		return o.Snapshot(), ErrStale
	}
	o.inFlight = ""
	o.errs[t.action] = userMessage(err)
	o.setState(o.prev)
	return o.reject(err)
}

func (o *Orchestrator) completeFinalize(t ticket, docID string) (Snapshot, error) {
	if !o.settle(t) {
		return o.Snapshot(), ErrStale
	}
	o.inFlight = ""
	o.documentID = docID
	o.store.Freeze()
	o.setState(StateComplete)
	return o.accept()
}

// applyStep folds an interview engine response into the state. record runs
// first, under the lock.
func (o *Orchestrator) applyStep(t ticket, step domain.InterviewStep, record func()) (Snapshot, error) {
	if !o.settle(t) {
		return o.Snapshot(), ErrStale
	}
	o.inFlight = ""
	if record != nil {
		record()
	}
	if step.Progress > o.progress {
		o.progress = min(step.Progress, 100)
	}
	if step.Complete {
		o.moveToPhase(domain.PhaseChat)
		o.question = nil
		o.mode = domain.ModeChat
		o.setState(StateChatting)
		return o.accept()
	}
	o.moveToPhase(step.Phase)
	o.question = &Question{
		Text:        step.Question,
		Context:     step.Context,
		Suggestions: append([]string(nil), step.Suggestions...),
	}
	o.touch()
	return o.accept()
}

// moveToPhase advances the current phase. Caller holds mu.
func (o *Orchestrator) moveToPhase(p domain.Phase) {
	if p == "" || p == o.phase {
		return
	}
	if o.phase != "" && domain.PhaseIndex(p) < domain.PhaseIndex(o.phase) {
		o.logger.Warn("interview engine moved phase backwards; keeping current phase",
			slog.String("current", string(o.phase)), slog.String("got", string(p)))
		return
	}
	o.phase = p
	o.visited = append(o.visited, p)
	o.touch()
}

// call runs one collaborator call under its timeout and a trace span.
func (o *Orchestrator) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := o.tracer.Start(ctx, "collaborator."+op, trace.WithAttributes(
		attribute.String("project.id", o.projectID),
	))
	defer span.End()

	// A collaborator that ignores ctx is abandoned when the window closes;
	// its late result is dropped.
	result := make(chan error, 1)
	start := time.Now()
	go func() { result <- fn(ctx) }()
	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	o.observer.Call(op, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("collaborator call failed", slog.String("op", op), slog.Any("error", err))
		return &CollaboratorError{Op: op, Err: err}
	}
	return nil
}

// setState moves the state machine. Caller holds mu.
func (o *Orchestrator) setState(to State) {
	from := o.state
	if from == to {
		return
	}
	if !IsValidTransition(from, to) {
		o.logger.Error("refusing invalid transition", slog.String("from", string(from)), slog.String("to", string(to)))
		return
	}
	if from == StateBuildRunning && o.stopObserve != nil {
		o.stopObserve()
		o.stopObserve = nil
	}
	o.state = to
	o.touch()
	o.observer.Transition(from, to)
	o.logger.Info("state transition", slog.String("from", string(from)), slog.String("to", string(to)), slog.String("draft_id", o.draftID))
	if to.Terminal() {
		close(o.done)
		o.notifyDone = o.onDone != nil
	}
}

func (o *Orchestrator) touch() {
	o.version++
	o.changed = true
}

// unlock publishes pending changes to watchers and releases mu. The done hook
// runs after the lock is released.
func (o *Orchestrator) unlock() {
	var snap Snapshot
	notify := o.notifyDone
	if o.changed || notify {
		snap = o.snapshotLocked()
	}
	if o.changed {
		for ch := range o.watchers {
			publish(ch, snap)
		}
		o.changed = false
	}
	o.notifyDone = false
	o.mu.Unlock()
	if notify {
		o.onDone(snap)
	}
}

func publish(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// accept returns the current snapshot and releases mu.
func (o *Orchestrator) accept() (Snapshot, error) {
	s := o.snapshotLocked()
	o.unlock()
	return s, nil
}

// reject returns the current snapshot with err and releases mu.
func (o *Orchestrator) reject(err error) (Snapshot, error) {
	s := o.snapshotLocked()
	o.unlock()
	return s, err
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		ProjectID:     o.projectID,
		DraftID:       o.draftID,
		State:         o.state,
		Mode:          o.mode,
		Initializing:  o.state == StateInterviewing && o.question == nil,
		Description:   o.store.Description(),
		PendingAnswer: o.store.Pending(),
		Phase:         o.phase,
		PhaseHistory:  append([]domain.Phase(nil), o.visited...),
		Progress:      o.progress,
		Answers:       o.store.Answers(),
		Transcript:    o.store.Transcript(),
		DocumentID:    o.documentID,
		InFlight:      o.inFlight,
		IsSubmitting:  o.inFlight == ActionSubmit || o.inFlight == ActionSkip,
		IsLoading:     o.inFlight != "",
		CanBuild:      (o.state == StateComplete || o.state == StateFailed) && o.inFlight == "",
		Version:       o.version,
	}
	if o.question != nil {
		q := *o.question
		q.Suggestions = append([]string(nil), q.Suggestions...)
		s.Question = &q
	}
	if o.mode == domain.ModeChat && o.phase == domain.PhaseChat {
		s.Intro = o.intro
	}
	if o.job != nil {
		s.Job = &JobView{
			ID:       o.job.id,
			Status:   o.job.status,
			Logs:     append([]string(nil), o.job.logs...),
			Observed: o.job.sawGenerating,
			Error:    o.job.errMsg,
		}
	}
	if len(o.errs) > 0 {
		s.Errors = make(map[Action]string, len(o.errs))
		for k, v := range o.errs {
			s.Errors[k] = v
		}
	}
	return s
}

func withAnswer(list []domain.PhaseAnswer, a domain.PhaseAnswer) []domain.PhaseAnswer {
	for i := range list {
		if list[i].Phase == a.Phase {
			list[i] = a
			return list
		}
	}
	return append(list, a)
}

func userMessage(err error) string {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.UserMessage()
	}
	if err == nil || err.Error() == "" {
		return genericFailure
	}
	return err.Error()
}
