package metatx

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/crypto"
	"github.com/guardline-labs/secureop/pkg/engine"
	"github.com/guardline-labs/secureop/pkg/store"
)

// Subsystem validates signed meta-transactions and feeds them into the
// engine as the corresponding single atomic step.
type Subsystem struct {
	builder *Builder
	eng     *engine.Engine
	txs     store.TxStore
	clock   func() time.Time
}

// NewSubsystem wires the meta-transaction path.
func NewSubsystem(builder *Builder, eng *engine.Engine, txs store.TxStore) *Subsystem {
	return &Subsystem{
		builder: builder,
		eng:     eng,
		txs:     txs,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Subsystem) WithClock(clock func() time.Time) *Subsystem {
	s.clock = clock
	return s
}

// Builder returns the unsigned-payload builder.
func (s *Subsystem) Builder() *Builder { return s.builder }

// MessageBytes returns the exact bytes a signer must sign for a generated
// meta-transaction.
func MessageBytes(meta *contracts.MetaTransaction) ([]byte, error) {
	msg := strings.TrimPrefix(meta.Message, "0x")
	raw, err := hex.DecodeString(msg)
	if err != nil {
		return nil, fmt.Errorf("invalid message hex: %w", err)
	}
	return raw, nil
}

// Sign attaches a signature produced by the given signer. Test and tooling
// convenience; production owners sign out of process.
func Sign(meta *contracts.MetaTransaction, signer crypto.Signer) error {
	raw, err := MessageBytes(meta)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(raw)
	if err != nil {
		return err
	}
	meta.Signature = sig
	meta.PublicKey = signer.PublicKey()
	return nil
}

// SubmitRequestAndApprove submits a REQUEST_AND_APPROVE meta-transaction.
func (s *Subsystem) SubmitRequestAndApprove(ctx context.Context, meta *contracts.MetaTransaction, caller contracts.Address, effectiveGasPrice uint64) (*contracts.TxRecord, error) {
	return s.submit(ctx, meta, caller, effectiveGasPrice, contracts.HandlerRequestAndApprove)
}

// SubmitApproval submits an APPROVE_EXISTING meta-transaction.
func (s *Subsystem) SubmitApproval(ctx context.Context, meta *contracts.MetaTransaction, caller contracts.Address, effectiveGasPrice uint64) (*contracts.TxRecord, error) {
	return s.submit(ctx, meta, caller, effectiveGasPrice, contracts.HandlerApproveExisting)
}

// SubmitCancellation submits a CANCEL_EXISTING meta-transaction.
func (s *Subsystem) SubmitCancellation(ctx context.Context, meta *contracts.MetaTransaction, caller contracts.Address, effectiveGasPrice uint64) (*contracts.TxRecord, error) {
	return s.submit(ctx, meta, caller, effectiveGasPrice, contracts.HandlerCancelExisting)
}

// submit runs the full validation ladder, then dispatches into the engine.
// invoked names the entry point actually called, so a meta-tx bound to one
// handler cannot be replayed against another.
func (s *Subsystem) submit(ctx context.Context, meta *contracts.MetaTransaction, caller contracts.Address, effectiveGasPrice uint64, invoked contracts.HandlerKind) (*contracts.TxRecord, error) {
	if !meta.Params.Handler.Valid() {
		return nil, fmt.Errorf("%w: unknown handler %q", engine.ErrHandlerMismatch, meta.Params.Handler)
	}
	if meta.Params.Handler != invoked {
		return nil, fmt.Errorf("%w: meta-tx bound to %s submitted to %s", engine.ErrHandlerMismatch, meta.Params.Handler, invoked)
	}
	if meta.Params.ChainID != s.builder.chainID || meta.Params.InstanceID != s.builder.instanceID {
		return nil, fmt.Errorf("%w: meta-tx scoped to another instance", engine.ErrHandlerMismatch)
	}

	opTypeID, err := s.operationTypeFor(ctx, meta)
	if err != nil {
		return nil, err
	}

	// Only the registered broadcaster may deliver, regardless of how valid
	// the signature is.
	phaseRole, err := s.eng.Registry().RoleForPhase(opTypeID, meta.Params.Handler.Phase())
	if err != nil {
		return nil, err
	}
	if !s.eng.Validator().HasRole(caller, phaseRole) {
		return nil, fmt.Errorf("%w: %s may not submit meta-transactions", engine.ErrUnauthorizedCaller, caller)
	}

	now := s.clock()
	if now.After(meta.Params.Deadline) {
		return nil, fmt.Errorf("%w: deadline %s", engine.ErrExpiredDeadline, meta.Params.Deadline.UTC().Format(time.RFC3339))
	}
	if meta.Params.MaxGasPrice > 0 && effectiveGasPrice > meta.Params.MaxGasPrice {
		return nil, fmt.Errorf("%w: %d > %d", engine.ErrGasPriceTooHigh, effectiveGasPrice, meta.Params.MaxGasPrice)
	}

	if err := s.verifySignature(meta); err != nil {
		return nil, err
	}

	// Single-use: the nonce burns on the submission attempt, success or
	// not. A fresh meta-tx must be generated to retry.
	if err := s.txs.ConsumeNonce(ctx, meta.Params.Signer, meta.Params.Nonce); err != nil {
		if err == store.ErrNonceUsed {
			return nil, fmt.Errorf("%w: nonce %d", store.ErrNonceUsed, meta.Params.Nonce)
		}
		return nil, fmt.Errorf("consume nonce: %w", err)
	}

	switch meta.Params.Handler {
	case contracts.HandlerRequestAndApprove:
		return s.eng.RequestAndApprove(ctx, meta.Params.Signer, meta.New.OperationName, meta.New.Target, meta.New.Value, meta.New.ExecutionOptions)
	case contracts.HandlerApproveExisting:
		return s.eng.ApproveSigned(ctx, meta.Params.Signer, meta.Params.TxID)
	case contracts.HandlerCancelExisting:
		return s.eng.CancelSigned(ctx, meta.Params.Signer, meta.Params.TxID)
	}
	return nil, fmt.Errorf("%w: %s", engine.ErrHandlerMismatch, meta.Params.Handler)
}

// operationTypeFor resolves the operation type a meta-tx acts on.
func (s *Subsystem) operationTypeFor(ctx context.Context, meta *contracts.MetaTransaction) (contracts.OperationTypeID, error) {
	if meta.Params.Handler == contracts.HandlerRequestAndApprove {
		if meta.New == nil {
			return "", fmt.Errorf("%w: missing operation payload", engine.ErrHandlerMismatch)
		}
		op, err := s.eng.Registry().LookupName(meta.New.OperationName)
		if err != nil {
			return "", err
		}
		return op.ID, nil
	}
	rec, err := s.txs.Get(ctx, meta.Params.TxID)
	if err != nil {
		return "", err
	}
	return rec.OperationType, nil
}

// verifySignature recomputes the canonical message from the bound
// parameters, verifies the signature over it, and compares the recovered
// signer address with the required one. Tampering with any bound field
// changes the recomputed message and fails here.
func (s *Subsystem) verifySignature(meta *contracts.MetaTransaction) error {
	if !meta.Signed() {
		return fmt.Errorf("%w: unsigned meta-transaction", engine.ErrInvalidSignature)
	}

	expected, err := messageFor(meta)
	if err != nil {
		return err
	}
	if !strings.EqualFold(expected, meta.Message) {
		return fmt.Errorf("%w: message does not match bound parameters", engine.ErrInvalidSignature)
	}

	raw, err := MessageBytes(meta)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidSignature, err)
	}
	ok, err := crypto.Verify(meta.PublicKey, meta.Signature, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidSignature, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature does not verify", engine.ErrInvalidSignature)
	}

	recovered, err := crypto.RecoverAddress(meta.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidSignature, err)
	}
	if !recovered.Equal(meta.Params.Signer) {
		return fmt.Errorf("%w: recovered %s, required %s", engine.ErrInvalidSignature, recovered, meta.Params.Signer)
	}
	// The required signer must hold the owner role right now, not merely
	// at generation time.
	if !s.eng.Validator().HasRole(meta.Params.Signer, contracts.RoleOwner) {
		return fmt.Errorf("%w: signer %s is not the owner", engine.ErrInvalidSignature, meta.Params.Signer)
	}
	return nil
}
