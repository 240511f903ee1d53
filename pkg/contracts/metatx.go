package contracts

import "time"

// HandlerKind binds a meta-transaction to the single engine entry point it
// authorizes. The binding is an explicit tag carried in the signed payload,
// so an approval meta-tx can never be replayed against the cancel endpoint.
type HandlerKind string

const (
	HandlerRequestAndApprove HandlerKind = "REQUEST_AND_APPROVE"
	HandlerApproveExisting   HandlerKind = "APPROVE_EXISTING"
	HandlerCancelExisting    HandlerKind = "CANCEL_EXISTING"
)

// Valid reports whether the kind is one of the three known handlers.
func (h HandlerKind) Valid() bool {
	switch h {
	case HandlerRequestAndApprove, HandlerApproveExisting, HandlerCancelExisting:
		return true
	}
	return false
}

// Phase returns the protocol phase this handler authorizes.
func (h HandlerKind) Phase() Phase {
	switch h {
	case HandlerRequestAndApprove:
		return PhaseMetaRequestApprove
	case HandlerApproveExisting:
		return PhaseMetaApprove
	case HandlerCancelExisting:
		return PhaseMetaCancel
	}
	return ""
}

// MetaTxParams are the replay-protection and scoping parameters bound into
// every signable meta-transaction payload.
type MetaTxParams struct {
	ChainID     uint64      `json:"chain_id"`
	InstanceID  string      `json:"instance_id"` // protected instance this meta-tx targets
	Handler     HandlerKind `json:"handler"`
	TxID        uint64      `json:"tx_id,omitempty"` // 0 for a new-operation meta-tx
	Deadline    time.Time   `json:"deadline"`
	MaxGasPrice uint64      `json:"max_gas_price"` // wei; 0 = no ceiling
	Signer      Address     `json:"signer"`        // required signer (the owner)
	Nonce       uint64      `json:"nonce"`
}

// NewOperation carries the request payload of a REQUEST_AND_APPROVE meta-tx.
type NewOperation struct {
	OperationName    string  `json:"operation_name"`
	Target           Address `json:"target"`
	Value            uint64  `json:"value"`
	ExecutionOptions []byte  `json:"execution_options,omitempty"`
}

// MetaTransaction wraps either a new operation request or an action on an
// existing TxRecord. Message is the exact hex-encoded bytes the signer must
// sign; re-hashing it changes the recovered signer.
//
// A meta-transaction is single-use: its nonce is consumed on submission.
type MetaTransaction struct {
	Params MetaTxParams  `json:"params"`
	New    *NewOperation `json:"new,omitempty"`

	// Message is the 0x-hex canonical digest produced by the builder.
	Message string `json:"message"`

	// PublicKey and Signature are supplied by the signer after the
	// message is produced. PublicKey must resolve to Params.Signer.
	PublicKey string `json:"public_key,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Signed reports whether a signature has been attached.
func (m *MetaTransaction) Signed() bool {
	return m.Signature != "" && m.PublicKey != ""
}
