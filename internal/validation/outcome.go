// Package validation decides the fate of ops moving through the limbo.
//
// Sys-validation enforces the structural rules every op must satisfy
// regardless of the application: signatures, chain continuity, entry
// binding, manifest type ranges, and per-kind reference rules.
// App-validation delegates to the application's callback. Both express
// their result as an Outcome; the workflow runners translate outcomes
// into limbo stage transitions.
package validation

import (
	"fmt"

	"github.com/roach88/strand/internal/hash"
)

// Verdict is the decision class of one validation attempt.
type Verdict string

const (
	// Accepted advances the op to the next stage.
	Accepted Verdict = "accepted"
	// Rejected is permanent: the op is recorded invalid and integrated
	// with that status so reads can report it.
	Rejected Verdict = "rejected"
	// MissingDeps parks the op until the named hashes are resolvable.
	MissingDeps Verdict = "missing_deps"
)

// Outcome is the result of validating one op.
type Outcome struct {
	Verdict Verdict
	// Reason accompanies Rejected.
	Reason string
	// Deps accompanies MissingDeps.
	Deps []hash.Hash
}

// Accept builds an Accepted outcome.
func Accept() Outcome {
	return Outcome{Verdict: Accepted}
}

// Reject builds a Rejected outcome with a formatted reason.
func Reject(format string, args ...any) Outcome {
	return Outcome{Verdict: Rejected, Reason: fmt.Sprintf(format, args...)}
}

// AwaitDeps builds a MissingDeps outcome.
func AwaitDeps(deps ...hash.Hash) Outcome {
	return Outcome{Verdict: MissingDeps, Deps: deps}
}
