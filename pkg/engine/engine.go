// Package engine implements the multi-phase operation state machine: the
// request → time-lock → approve/cancel lifecycle of every privileged
// operation, plus the single-phase path used by meta-transactions.
//
// The engine is the only component that mutates the transaction record
// store or the role assignment. Each call is one atomic state transition;
// two calls racing on the same record are serialized and the loser observes
// the already-moved status.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/guardline-labs/secureop/pkg/audit"
	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/registry"
	"github.com/guardline-labs/secureop/pkg/roles"
	"github.com/guardline-labs/secureop/pkg/store"
)

// Engine enforces the operation protocol for one protected instance.
type Engine struct {
	mu sync.Mutex // serializes all state transitions

	store     store.TxStore
	reg       *registry.Registry
	validator *roles.Validator
	roleState *roles.State
	exec      Executor

	auditLog *audit.Log
	clock    func() time.Time

	guardAddr contracts.Address
	guard     GuardHook

	delegatedCallEnabled bool
}

// New creates an engine over the given store, catalog and role state.
// exec handles operations the engine does not apply itself; nil means
// NopExecutor.
func New(txs store.TxStore, reg *registry.Registry, state *roles.State, exec Executor) *Engine {
	if exec == nil {
		exec = NopExecutor
	}
	return &Engine{
		store:     txs,
		reg:       reg,
		validator: roles.NewValidator(state, reg),
		roleState: state,
		exec:      exec,
		auditLog:  audit.NewLog(),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithGuard designates an external guard. The address is a back-reference
// used for lookup only; hook may be nil when the guard performs no checks.
func (e *Engine) WithGuard(addr contracts.Address, hook GuardHook) *Engine {
	e.guardAddr = addr.Normalize()
	e.guard = hook
	return e
}

// Registry exposes the operation catalog for read-side callers.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Validator exposes the permission validator for read-side callers.
func (e *Engine) Validator() *roles.Validator { return e.validator }

// Roles returns the current role assignment.
func (e *Engine) Roles() contracts.RoleSet { return e.roleState.Roles() }

// Guard returns the currently designated guard address.
func (e *Engine) Guard() contracts.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guardAddr
}

// DelegatedCallEnabled reports the delegated-call toggle state.
func (e *Engine) DelegatedCallEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delegatedCallEnabled
}

// AuditLog exposes the hash-chained event log.
func (e *Engine) AuditLog() *audit.Log { return e.auditLog }

// Request opens a new operation: allocates a tx id, computes the release
// time from the type's time-lock, and stores the record as PENDING.
func (e *Engine) Request(ctx context.Context, caller contracts.Address, operationName string, target contracts.Address, value uint64, options []byte) (*contracts.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request(ctx, caller, operationName, target, value, options)
}

// request assumes e.mu is held.
func (e *Engine) request(ctx context.Context, caller contracts.Address, operationName string, target contracts.Address, value uint64, options []byte) (*contracts.TxRecord, error) {
	op, err := e.reg.LookupName(operationName)
	if err != nil {
		return nil, err
	}
	role, err := e.reg.RoleForPhase(op.ID, contracts.PhaseRequest)
	if err != nil {
		return nil, err
	}
	if !e.validator.HasRole(caller, role) {
		return nil, fmt.Errorf("%w: %s may not request %s", ErrUnauthorizedCaller, caller, operationName)
	}
	if err := e.reg.ValidateOptions(op.ID, options); err != nil {
		return nil, err
	}

	timeLock, err := e.reg.TimeLock(op.ID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	rec := &contracts.TxRecord{
		Requester:        caller.Normalize(),
		Target:           target.Normalize(),
		Value:            value,
		OperationType:    op.ID,
		OperationName:    op.Name,
		ExecutionOptions: options,
		RequestedAt:      now,
		ReleaseTime:      now.Add(timeLock),
		Status:           contracts.TxStatusPending,
	}
	if _, err := e.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}

	e.appendAudit(audit.EventRequested, caller, rec.TxID, map[string]any{
		"operation":    op.Name,
		"release_time": rec.ReleaseTime.UTC().Format(time.RFC3339),
	})
	return rec, nil
}

// Approve finalizes a pending record once its time-lock has elapsed. The
// underlying action runs inside the same transition; if it fails the record
// stays PENDING and the caller may retry or cancel.
func (e *Engine) Approve(ctx context.Context, caller contracts.Address, txID uint64) (*contracts.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.approve(ctx, caller, txID, false)
}

// approve assumes e.mu is held. bypassTimeLock is the single-phase path,
// where a fresh broadcaster-delivered owner signature replaces the wait.
func (e *Engine) approve(ctx context.Context, caller contracts.Address, txID uint64, bypassTimeLock bool) (*contracts.TxRecord, error) {
	rec, err := e.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if rec.Status != contracts.TxStatusPending {
		return nil, fmt.Errorf("%w: tx %d is %s", ErrInvalidState, txID, rec.Status)
	}

	now := e.clock()
	// Approval exactly at the release time is permitted.
	if !bypassTimeLock && now.Before(rec.ReleaseTime) {
		return nil, fmt.Errorf("%w: tx %d releases at %s", ErrTimeLockNotElapsed, txID, rec.ReleaseTime.UTC().Format(time.RFC3339))
	}

	role, err := e.reg.RoleForPhase(rec.OperationType, contracts.PhaseApprove)
	if err != nil {
		return nil, err
	}
	if !e.validator.HasRole(caller, role) {
		return nil, fmt.Errorf("%w: %s may not approve tx %d", ErrUnauthorizedCaller, caller, txID)
	}

	if e.guard != nil {
		if err := e.guard.CheckBefore(ctx, rec); err != nil {
			return nil, fmt.Errorf("%w: guard rejected: %v", ErrUnderlyingActionFailed, err)
		}
	}
	if err := e.dispatch(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnderlyingActionFailed, err)
	}
	if e.guard != nil {
		if err := e.guard.CheckAfter(ctx, rec); err != nil {
			return nil, fmt.Errorf("%w: guard rejected: %v", ErrUnderlyingActionFailed, err)
		}
	}

	if err := e.store.UpdateStatus(ctx, txID, contracts.TxStatusPending, contracts.TxStatusCompleted, now); err != nil {
		if err == store.ErrStatusConflict {
			return nil, fmt.Errorf("%w: tx %d moved concurrently", ErrInvalidState, txID)
		}
		return nil, fmt.Errorf("store approve: %w", err)
	}
	rec.Status = contracts.TxStatusCompleted
	rec.ResolvedAt = &now

	e.appendAudit(audit.EventApproved, caller, txID, map[string]any{
		"operation": rec.OperationName,
	})
	return rec, nil
}

// Cancel voids a pending record. Some operation types refuse cancellation
// during an initial guard window after request; the per-type policy decides.
func (e *Engine) Cancel(ctx context.Context, caller contracts.Address, txID uint64) (*contracts.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel(ctx, caller, txID)
}

// cancel assumes e.mu is held.
func (e *Engine) cancel(ctx context.Context, caller contracts.Address, txID uint64) (*contracts.TxRecord, error) {
	rec, err := e.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if rec.Status != contracts.TxStatusPending {
		return nil, fmt.Errorf("%w: tx %d is %s", ErrInvalidState, txID, rec.Status)
	}

	role, err := e.reg.RoleForPhase(rec.OperationType, contracts.PhaseCancel)
	if err != nil {
		return nil, err
	}
	if !e.validator.HasRole(caller, role) {
		return nil, fmt.Errorf("%w: %s may not cancel tx %d", ErrUnauthorizedCaller, caller, txID)
	}

	now := e.clock()
	allowed, err := e.reg.CancelAllowed(rec.OperationType, now.Sub(rec.RequestedAt))
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: tx %d", ErrCancelGuardActive, txID)
	}

	if err := e.store.UpdateStatus(ctx, txID, contracts.TxStatusPending, contracts.TxStatusCancelled, now); err != nil {
		if err == store.ErrStatusConflict {
			return nil, fmt.Errorf("%w: tx %d moved concurrently", ErrInvalidState, txID)
		}
		return nil, fmt.Errorf("store cancel: %w", err)
	}
	rec.Status = contracts.TxStatusCancelled
	rec.ResolvedAt = &now

	e.appendAudit(audit.EventCancelled, caller, txID, map[string]any{
		"operation": rec.OperationName,
	})
	return rec, nil
}

// RequestAndApprove performs request and approval as one atomic transition,
// bypassing the time-lock wait. It is reachable only through the
// meta-transaction path; the security guarantee comes from the fresh,
// deadline-bounded owner signature the broadcaster delivered.
//
// Records are never deleted, so a failed attempt is not fully invisible: it
// still consumes a transaction id and leaves the record CANCELLED in the
// audit trail. No operation effects are applied in that case.
func (e *Engine) RequestAndApprove(ctx context.Context, signer contracts.Address, operationName string, target contracts.Address, value uint64, options []byte) (*contracts.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.request(ctx, signer, operationName, target, value, options)
	if err != nil {
		return nil, err
	}
	approved, err := e.approve(ctx, signer, rec.TxID, true)
	if err != nil {
		// Records are never deleted, so the rollback of a failed
		// single-phase attempt is an immediate cancellation: the record
		// stays in the trail but cannot be approved later.
		_ = e.store.UpdateStatus(ctx, rec.TxID, contracts.TxStatusPending, contracts.TxStatusCancelled, e.clock())
		e.appendAudit(audit.EventCancelled, signer, rec.TxID, map[string]any{
			"operation": rec.OperationName,
			"reason":    "single-phase execution failed",
		})
		return nil, err
	}
	return approved, nil
}

// ApproveSigned and CancelSigned are the meta-transaction entry points: the
// phase authority is the signer (the owner), not the delivering broadcaster.
func (e *Engine) ApproveSigned(ctx context.Context, signer contracts.Address, txID uint64) (*contracts.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.approve(ctx, signer, txID, true)
}

func (e *Engine) CancelSigned(ctx context.Context, signer contracts.Address, txID uint64) (*contracts.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel(ctx, signer, txID)
}

// GetTransaction returns a single record.
func (e *Engine) GetTransaction(ctx context.Context, txID uint64) (*contracts.TxRecord, error) {
	return e.store.Get(ctx, txID)
}

// OperationHistory pages through the full audit trail of records.
func (e *Engine) OperationHistory(ctx context.Context, offset, count int) ([]*contracts.TxRecord, error) {
	return e.store.List(ctx, offset, count)
}

// dispatch applies the approved operation. Role rotations, guard updates and
// the delegated-call toggle are applied by the engine itself; everything
// else goes to the external executor.
func (e *Engine) dispatch(ctx context.Context, rec *contracts.TxRecord) error {
	switch rec.OperationName {
	case contracts.OpOwnershipTransfer:
		return e.applyRoleChange(rec, contracts.RoleOwner)
	case contracts.OpBroadcasterUpdate:
		return e.applyRoleChange(rec, contracts.RoleBroadcaster)
	case contracts.OpRecoveryUpdate:
		return e.applyRoleChange(rec, contracts.RoleRecovery)
	case contracts.OpGuardUpdate:
		return e.applyGuardUpdate(rec)
	case contracts.OpDelegatedCallToggle:
		return e.applyDelegatedCallToggle(rec)
	}
	return e.exec.Execute(ctx, rec)
}

type roleChangeOptions struct {
	NewAddress contracts.Address `json:"new_address"`
}

func (e *Engine) applyRoleChange(rec *contracts.TxRecord, role contracts.Role) error {
	var opts roleChangeOptions
	if err := json.Unmarshal(rec.ExecutionOptions, &opts); err != nil {
		return fmt.Errorf("role change options: %w", err)
	}
	if err := e.roleState.SetRole(role, opts.NewAddress); err != nil {
		return err
	}
	e.appendAudit(audit.EventRoleRotated, rec.Requester, rec.TxID, map[string]any{
		"role":        string(role),
		"new_address": string(opts.NewAddress.Normalize()),
	})
	return nil
}

type guardUpdateOptions struct {
	GuardAddress contracts.Address `json:"guard_address"`
}

func (e *Engine) applyGuardUpdate(rec *contracts.TxRecord) error {
	var opts guardUpdateOptions
	if err := json.Unmarshal(rec.ExecutionOptions, &opts); err != nil {
		return fmt.Errorf("guard update options: %w", err)
	}
	e.guardAddr = opts.GuardAddress.Normalize()
	return nil
}

type delegatedCallOptions struct {
	Enabled bool `json:"enabled"`
}

func (e *Engine) applyDelegatedCallToggle(rec *contracts.TxRecord) error {
	var opts delegatedCallOptions
	if err := json.Unmarshal(rec.ExecutionOptions, &opts); err != nil {
		return fmt.Errorf("delegated call options: %w", err)
	}
	e.delegatedCallEnabled = opts.Enabled
	return nil
}

func (e *Engine) appendAudit(eventType string, actor contracts.Address, txID uint64, data map[string]any) {
	if e.auditLog == nil {
		return
	}
	// Event emission is observability, not correctness.
	_, _ = e.auditLog.Append(eventType, string(actor.Normalize()), txID, data)
}
