package store

import (
	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

// Stage is an op's position in the validation pipeline. The stage is
// persisted with the op so crash recovery resumes exactly where the
// pipeline left off.
type Stage string

const (
	// StagePending awaits sys-validation.
	StagePending Stage = "pending"
	// StageAwaitingSysDeps is parked until referenced hashes arrive.
	StageAwaitingSysDeps Stage = "awaiting_sys_deps"
	// StageSysValidated awaits app-validation.
	StageSysValidated Stage = "sys_validated"
	// StageAwaitingAppDeps is parked on unresolved app dependencies.
	StageAwaitingAppDeps Stage = "awaiting_app_deps"
	// StageAwaitingIntegration has a decided verdict and awaits the
	// integration runner.
	StageAwaitingIntegration Stage = "awaiting_integration"
	// StageIntegrated is terminal; when_integrated is set.
	StageIntegrated Stage = "integrated"
)

// Status is a validation verdict.
type Status string

const (
	// StatusValid passed both validation stages.
	StatusValid Status = "valid"
	// StatusRejected failed validation permanently. Rejected ops are
	// kept: "this op exists but is invalid" is an answer reads need.
	StatusRejected Status = "rejected"
	// StatusAbandoned marks an op whose dependencies never arrived
	// within the abandonment deadline.
	StatusAbandoned Status = "abandoned"
)

// OpRow is an op as the limbo sees it: the op itself plus its
// pipeline bookkeeping.
type OpRow struct {
	Hash       hash.Hash
	Basis      hash.Hash
	Kind       types.OpKind
	ActionHash hash.Hash
	Stage      Stage
	Status     Status // empty until decided
	// Deps are the hashes sys- or app-validation is waiting on.
	Deps           []hash.Hash
	LastAttempt    types.Timestamp
	EnqueuedAt     types.Timestamp
	WhenIntegrated types.Timestamp // zero until integrated
	IsAuthored     bool
	ReceiptsDone   bool
}
