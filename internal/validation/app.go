package validation

import (
	"context"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

// Reads is the capability-restricted handle an app validation callback
// sees. Only deterministic, already-validated local data is reachable;
// an unresolved hash surfaces as a MissingDeps outcome, never as a
// network wait inside the callback.
type Reads interface {
	MustGetAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error)
	MustGetEntry(ctx context.Context, h hash.Hash) (*types.Entry, error)
	MustGetValidRecord(ctx context.Context, h hash.Hash) (*types.Record, error)
}

// AppValidator is the application's say over an op. Implementations
// must be deterministic: the same op and the same resolvable data must
// always yield the same outcome.
type AppValidator interface {
	ValidateOp(ctx context.Context, op *types.Op, reads Reads) (Outcome, error)
}

// AppValidatorFunc adapts a function to AppValidator.
type AppValidatorFunc func(ctx context.Context, op *types.Op, reads Reads) (Outcome, error)

// ValidateOp implements AppValidator.
func (f AppValidatorFunc) ValidateOp(ctx context.Context, op *types.Op, reads Reads) (Outcome, error) {
	return f(ctx, op, reads)
}

// AcceptAll is the validator for apps that define no callback.
var AcceptAll AppValidator = AppValidatorFunc(
	func(context.Context, *types.Op, Reads) (Outcome, error) {
		return Accept(), nil
	})
