package engine

import (
	"context"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

// Executor dispatches the underlying action of an approved operation against
// its target. It stands in for the external execution environment; a failure
// aborts the approval and leaves the record PENDING.
type Executor interface {
	Execute(ctx context.Context, rec *contracts.TxRecord) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, rec *contracts.TxRecord) error

func (f ExecutorFunc) Execute(ctx context.Context, rec *contracts.TxRecord) error {
	return f(ctx, rec)
}

// NopExecutor accepts every action without side effects.
var NopExecutor = ExecutorFunc(func(ctx context.Context, rec *contracts.TxRecord) error {
	return nil
})

// GuardHook is the optional external validation hook a protected instance
// can delegate pre/post-execution checks to. The guard reference is a plain
// address with no lifetime coupling; an instance may even designate itself.
type GuardHook interface {
	CheckBefore(ctx context.Context, rec *contracts.TxRecord) error
	CheckAfter(ctx context.Context, rec *contracts.TxRecord) error
}
