// Package metatx implements the single-phase meta-transaction path: the
// owner pre-authorizes an action off-chain by signing a canonical payload,
// and the designated broadcaster submits it without the owner being online
// or funded at submission time.
//
// Message construction and signature verification are two explicit steps so
// each is independently testable. Signers must sign exactly the message
// bytes the builder returns; any re-hash changes the recovered signer.
package metatx

import (
	"context"
	"fmt"
	"time"

	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/crypto"
	"github.com/guardline-labs/secureop/pkg/registry"
	"github.com/guardline-labs/secureop/pkg/roles"
	"github.com/guardline-labs/secureop/pkg/store"
)

// signingDomain scopes signatures to this protocol version.
const signingDomain = "secureop:metatx:v1"

// GenerateParams are the caller-chosen bounds of a meta-transaction.
type GenerateParams struct {
	Deadline    time.Time
	MaxGasPrice uint64 // wei; 0 = no ceiling

	// Nonce pins the replay-protection nonce; nil picks the signer's next.
	Nonce *uint64
}

// signedPayload is the exact structure canonicalized and hashed into the
// signable message. Field set changes are breaking protocol changes.
type signedPayload struct {
	Domain      string            `json:"domain"`
	ChainID     uint64            `json:"chain_id"`
	InstanceID  string            `json:"instance_id"`
	Handler     string            `json:"handler"`
	TxID        uint64            `json:"tx_id"`
	Deadline    int64             `json:"deadline_unix"`
	MaxGasPrice uint64            `json:"max_gas_price"`
	Signer      string            `json:"signer"`
	Nonce       uint64            `json:"nonce"`
	Operation   *operationPayload `json:"operation,omitempty"`
}

// operationPayload binds a new operation's content. Execution options are
// bound by hash so the payload stays compact.
type operationPayload struct {
	Name        string `json:"name"`
	Target      string `json:"target"`
	Value       uint64 `json:"value"`
	OptionsHash string `json:"options_hash"`
}

// Builder produces unsigned meta-transactions. All methods are pure reads:
// no state is mutated and no authorization is required to call them.
type Builder struct {
	chainID    uint64
	instanceID string
	reg        *registry.Registry
	txs        store.TxStore
	rolesSrc   roles.Source
}

// NewBuilder scopes a builder to one protected instance.
func NewBuilder(chainID uint64, instanceID string, reg *registry.Registry, txs store.TxStore, rolesSrc roles.Source) *Builder {
	return &Builder{
		chainID:    chainID,
		instanceID: instanceID,
		reg:        reg,
		txs:        txs,
		rolesSrc:   rolesSrc,
	}
}

// GenerateUnsignedForNew builds the signable message for a single-phase
// request-and-approve of a new operation.
func (b *Builder) GenerateUnsignedForNew(ctx context.Context, op contracts.NewOperation, params GenerateParams) (*contracts.MetaTransaction, error) {
	opType, err := b.reg.LookupName(op.OperationName)
	if err != nil {
		return nil, err
	}
	if err := b.reg.ValidateOptions(opType.ID, op.ExecutionOptions); err != nil {
		return nil, err
	}

	meta := &contracts.MetaTransaction{
		Params: contracts.MetaTxParams{
			ChainID:     b.chainID,
			InstanceID:  b.instanceID,
			Handler:     contracts.HandlerRequestAndApprove,
			Deadline:    params.Deadline,
			MaxGasPrice: params.MaxGasPrice,
			Signer:      b.rolesSrc.Roles().Owner,
		},
		New: &contracts.NewOperation{
			OperationName:    op.OperationName,
			Target:           op.Target.Normalize(),
			Value:            op.Value,
			ExecutionOptions: op.ExecutionOptions,
		},
	}
	if err := b.fillNonceAndMessage(ctx, meta, params.Nonce); err != nil {
		return nil, err
	}
	return meta, nil
}

// GenerateUnsignedForExisting builds the signable message authorizing the
// approval (isApproval=true) or cancellation of an existing pending record.
func (b *Builder) GenerateUnsignedForExisting(ctx context.Context, txID uint64, isApproval bool, params GenerateParams) (*contracts.MetaTransaction, error) {
	if _, err := b.txs.Get(ctx, txID); err != nil {
		return nil, err
	}

	handler := contracts.HandlerCancelExisting
	if isApproval {
		handler = contracts.HandlerApproveExisting
	}

	meta := &contracts.MetaTransaction{
		Params: contracts.MetaTxParams{
			ChainID:     b.chainID,
			InstanceID:  b.instanceID,
			Handler:     handler,
			TxID:        txID,
			Deadline:    params.Deadline,
			MaxGasPrice: params.MaxGasPrice,
			Signer:      b.rolesSrc.Roles().Owner,
		},
	}
	if err := b.fillNonceAndMessage(ctx, meta, params.Nonce); err != nil {
		return nil, err
	}
	return meta, nil
}

func (b *Builder) fillNonceAndMessage(ctx context.Context, meta *contracts.MetaTransaction, pinned *uint64) error {
	if pinned != nil {
		meta.Params.Nonce = *pinned
	} else {
		next, err := b.txs.NextNonce(ctx, meta.Params.Signer)
		if err != nil {
			return fmt.Errorf("next nonce: %w", err)
		}
		meta.Params.Nonce = next
	}

	msg, err := messageFor(meta)
	if err != nil {
		return err
	}
	meta.Message = msg
	return nil
}

// messageFor derives the canonical signable message of a meta-transaction
// from its bound parameters.
func messageFor(meta *contracts.MetaTransaction) (string, error) {
	p := signedPayload{
		Domain:      signingDomain,
		ChainID:     meta.Params.ChainID,
		InstanceID:  meta.Params.InstanceID,
		Handler:     string(meta.Params.Handler),
		TxID:        meta.Params.TxID,
		Deadline:    meta.Params.Deadline.Unix(),
		MaxGasPrice: meta.Params.MaxGasPrice,
		Signer:      string(meta.Params.Signer.Normalize()),
		Nonce:       meta.Params.Nonce,
	}
	if meta.New != nil {
		p.Operation = &operationPayload{
			Name:        meta.New.OperationName,
			Target:      string(meta.New.Target.Normalize()),
			Value:       meta.New.Value,
			OptionsHash: crypto.Keccak256Hex(meta.New.ExecutionOptions),
		}
	}
	digest, err := crypto.CanonicalDigest(p)
	if err != nil {
		return "", fmt.Errorf("canonical message: %w", err)
	}
	return digest, nil
}
