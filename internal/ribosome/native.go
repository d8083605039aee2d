package ribosome

import (
	"context"
	"fmt"

	"github.com/roach88/strand/internal/validation"
)

// ZomeFunc is one callable application function.
type ZomeFunc func(ctx context.Context, host Host, input []byte) ([]byte, error)

// Evaluator dispatches zome calls into application code.
type Evaluator interface {
	Evaluate(ctx context.Context, zome, function string, input []byte, host Host) ([]byte, error)
}

// Native is an Evaluator over in-process Go functions, the runtime the
// local node ships. Functions are registered once at startup; dispatch
// afterwards is read-only and safe for concurrent calls.
type Native struct {
	zomes     map[string]map[string]ZomeFunc
	validator validation.AppValidator
}

// NewNative returns an empty runtime that accepts every op.
func NewNative() *Native {
	return &Native{
		zomes:     map[string]map[string]ZomeFunc{},
		validator: validation.AcceptAll,
	}
}

// RegisterZome adds a zome's functions. Re-registering a zome replaces
// it wholesale.
func (n *Native) RegisterZome(name string, funcs map[string]ZomeFunc) {
	n.zomes[name] = funcs
}

// SetValidator installs the app validation callback.
func (n *Native) SetValidator(v validation.AppValidator) {
	if v == nil {
		v = validation.AcceptAll
	}
	n.validator = v
}

// Validator returns the app validation callback.
func (n *Native) Validator() validation.AppValidator {
	return n.validator
}

// Evaluate dispatches one call.
func (n *Native) Evaluate(ctx context.Context, zome, function string, input []byte, host Host) ([]byte, error) {
	funcs, ok := n.zomes[zome]
	if !ok {
		return nil, fmt.Errorf("no zome %q", zome)
	}
	fn, ok := funcs[function]
	if !ok {
		return nil, fmt.Errorf("no function %q in zome %q", function, zome)
	}
	return fn(ctx, host, input)
}
