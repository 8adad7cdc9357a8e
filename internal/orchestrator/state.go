package orchestrator

// State is the orchestrator's single authoritative position in the flow.
type State string

const (
	StateIdle            State = "idle"
	StateChoosingMode    State = "choosing_mode"
	StateAutoDrafting    State = "auto_drafting"
	StateInterviewing    State = "interviewing"
	StateChatting        State = "chatting"
	StateFinalizing      State = "finalizing"
	StateComplete        State = "complete"
	StateBuildTriggering State = "build_triggering"
	StateBuildRunning    State = "build_running"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateReviewing       State = "reviewing"
	StateCancelled       State = "cancelled"
)

var validTransitions = map[State][]State{
	StateIdle: {
		StateChoosingMode,
		StateChatting, // resumed after the interview finished
		StateComplete, // resumed after finalize
		StateCancelled,
	},
	StateChoosingMode: {
		StateAutoDrafting,
		StateInterviewing,
		StateCancelled,
	},
	StateAutoDrafting: {
		StateFinalizing,
		StateCancelled,
	},
	StateInterviewing: {
		StateChatting,
		StateCancelled,
	},
	StateChatting: {
		StateFinalizing,
		StateCancelled,
	},
	StateFinalizing: {
		StateComplete,
		StateAutoDrafting, // generation failed
		StateChatting,     // generation failed
		StateCancelled,
	},
	StateComplete: {
		StateBuildTriggering,
		StateReviewing,
		StateCancelled,
	},
	StateBuildTriggering: {
		StateBuildRunning,
		StateComplete, // trigger failed; document kept
		StateCancelled,
	},
	StateBuildRunning: {
		StateCompleted,
		StateFailed,
		StateCancelled,
	},
	StateFailed: {
		StateBuildTriggering, // retry the build alone
		StateCancelled,
	},
	StateCompleted: {},
	StateReviewing: {},
	StateCancelled: {},
}

// IsValidTransition reports whether the state machine allows from -> to.
func IsValidTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Action names a user-triggered step. Errors and the in-flight marker are
// scoped to actions.
type Action string

const (
	ActionGenerate       Action = "generate"
	ActionStartInterview Action = "start_interview"
	ActionSubmit         Action = "submit"
	ActionSkip           Action = "skip"
	ActionChat           Action = "chat"
	ActionFinish         Action = "finish"
	ActionBuild          Action = "build"
)
