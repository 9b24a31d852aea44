package refine

import "encoding/json"

// Attempt is the immutable record of one refinement iteration. The attempt
// list returned in an Outcome (or logged on exhaustion) is the full audit
// trail of the call.
type Attempt struct {
	// Patch is the raw patch text the model produced for this attempt.
	Patch string
	// Success reports whether this attempt produced the final value.
	Success bool
	// Err holds the failure message for unsuccessful attempts.
	Err string
}

func successAttempt(patch string) Attempt {
	return Attempt{Patch: patch, Success: true}
}

func failureAttempt(patch, err string) Attempt {
	return Attempt{Patch: patch, Success: false, Err: err}
}

// Outcome is the terminal success artifact of a Refine call.
type Outcome[T any] struct {
	// Value is the refined, fully validated result.
	Value T
	// Attempts is the append-only record of every iteration, in order.
	Attempts []Attempt
	// Applied is the RFC6902 operation array that produced the final value,
	// after any strategy-driven reordering. Nil only if no patch was applied.
	Applied json.RawMessage
}
