package refine

// PatchStrategy controls how a patch's operations are applied to the working
// document.
type PatchStrategy int

const (
	// PartialApply applies operations individually and keeps successful
	// changes even if some operations fail (default).
	PartialApply PatchStrategy = iota
	// Atomic applies the patch as a single transaction; any failure discards
	// all operations.
	Atomic
)

func (s PatchStrategy) String() string {
	switch s {
	case PartialApply:
		return "partial_apply"
	case Atomic:
		return "atomic"
	default:
		return "unknown"
	}
}

// ArrayPatchStrategy controls how array modifications are handled.
type ArrayPatchStrategy int

const (
	// ReplaceWhole instructs the model to replace entire arrays instead of
	// patching individual indices (safest, default).
	ReplaceWhole ArrayPatchStrategy = iota
	// Direct applies array patches as emitted; index shifts are the model's
	// problem.
	Direct
	// ReorderRemovals re-sorts removal operations so higher indices are
	// removed first, making multi-element removals index-stable.
	ReorderRemovals
)

func (s ArrayPatchStrategy) String() string {
	switch s {
	case ReplaceWhole:
		return "replace_whole"
	case Direct:
		return "direct"
	case ReorderRemovals:
		return "reorder_removals"
	default:
		return "unknown"
	}
}

// ValidationFailureStrategy controls what happens to the working document when
// a candidate fails schema, domain, or custom validation.
type ValidationFailureStrategy int

const (
	// IterateForward keeps the invalid candidate as the working document so
	// the next prompt shows the model its own mistake (default).
	IterateForward ValidationFailureStrategy = iota
	// Rollback restores the last valid working document and tells the model
	// its changes were reverted.
	Rollback
)

func (s ValidationFailureStrategy) String() string {
	switch s {
	case IterateForward:
		return "iterate_forward"
	case Rollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// FallbackKind selects the backend-escalation behavior.
type FallbackKind int

const (
	// FallbackNone uses only the primary backend (default).
	FallbackNone FallbackKind = iota
	// FallbackEscalate switches to the fallback backend after AfterAttempts
	// failed attempts. The switch is never reversed within a call.
	FallbackEscalate
)

// FallbackStrategy configures escalation from the primary to the fallback
// backend within a single Refine call.
type FallbackStrategy struct {
	Kind          FallbackKind
	AfterAttempts int
}

// Config holds the immutable per-engine refinement settings.
type Config struct {
	// MaxRetries bounds the number of patch-level attempts (default 3).
	MaxRetries int
	// Temperature for patch generation (default 0; patches should be
	// deterministic).
	Temperature float64
	// PatchStrategy selects atomic vs partial application.
	PatchStrategy PatchStrategy
	// ArrayStrategy selects array-patch handling.
	ArrayStrategy ArrayPatchStrategy
	// NetworkRetries bounds retries for transient backend failures (429/503)
	// within one attempt (default 3). Network retries are counted separately
	// from patch-level attempts and never appear in the attempt trail.
	NetworkRetries int
	// Fallback configures backend escalation.
	Fallback FallbackStrategy
	// ValidationFailure selects iterate-forward vs rollback on validation
	// failures.
	ValidationFailure ValidationFailureStrategy
}

// DefaultConfig returns the default refinement configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		Temperature:       0.0,
		PatchStrategy:     PartialApply,
		ArrayStrategy:     ReplaceWhole,
		NetworkRetries:    3,
		Fallback:          FallbackStrategy{Kind: FallbackNone},
		ValidationFailure: IterateForward,
	}
}
