// Package contracts defines the shared protocol types for the secure
// operation state machine: transaction records, operation types, roles,
// phases, and the meta-transaction envelope.
package contracts

import (
	"strings"
	"time"
)

// Address is a 0x-prefixed, 20-byte hex account identifier.
// Comparison is case-insensitive; storage form is lowercase.
type Address string

// ZeroAddress is the unset/null account.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// Normalize returns the canonical lowercase form.
func (a Address) Normalize() Address {
	return Address(strings.ToLower(string(a)))
}

// Equal compares two addresses case-insensitively.
func (a Address) Equal(other Address) bool {
	return strings.EqualFold(string(a), string(other))
}

// IsZero reports whether the address is empty or the zero account.
func (a Address) IsZero() bool {
	return a == "" || a.Equal(ZeroAddress)
}

// TxStatus is the lifecycle state of a TxRecord.
// Transitions are monotonic: PENDING may move to COMPLETED or CANCELLED,
// and a resolved record never returns to PENDING.
type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusCompleted TxStatus = "COMPLETED"
	TxStatusCancelled TxStatus = "CANCELLED"
)

// Resolved reports whether the status is terminal.
func (s TxStatus) Resolved() bool {
	return s == TxStatusCompleted || s == TxStatusCancelled
}

// Role identifies one of the three protected-instance roles.
type Role string

const (
	RoleOwner       Role = "OWNER"
	RoleBroadcaster Role = "BROADCASTER"
	RoleRecovery    Role = "RECOVERY"
)

// Phase names a step of the operation protocol a caller may be gated on.
type Phase string

const (
	PhaseRequest            Phase = "REQUEST"
	PhaseApprove            Phase = "APPROVE"
	PhaseCancel             Phase = "CANCEL"
	PhaseMetaApprove        Phase = "META_APPROVE"
	PhaseMetaCancel         Phase = "META_CANCEL"
	PhaseMetaRequestApprove Phase = "META_REQUEST_APPROVE"
)

// OperationTypeID is the stable identifier of an operation type:
// the 0x-hex keccak-256 of its name string.
type OperationTypeID string

// OperationType is one entry of the static operation catalog.
type OperationType struct {
	ID        OperationTypeID `json:"id"`
	Name      string          `json:"name"`
	Selectors []Selector      `json:"selectors,omitempty"`
}

// Selector is a 4-byte function selector in 0x-hex form.
type Selector string

// TxRecord is the durable record of one operation attempt.
// Records are never deleted; resolved records remain as the audit trail.
type TxRecord struct {
	TxID             uint64          `json:"tx_id"`
	Requester        Address         `json:"requester"`
	Target           Address         `json:"target"`
	Value            uint64          `json:"value"` // base units
	OperationType    OperationTypeID `json:"operation_type"`
	OperationName    string          `json:"operation_name"`
	ExecutionOptions []byte          `json:"execution_options,omitempty"`
	RequestedAt      time.Time       `json:"requested_at"`
	ReleaseTime      time.Time       `json:"release_time"`
	Status           TxStatus        `json:"status"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

// Clone returns a copy the caller may mutate freely.
func (r *TxRecord) Clone() *TxRecord {
	cp := *r
	if r.ExecutionOptions != nil {
		cp.ExecutionOptions = append([]byte(nil), r.ExecutionOptions...)
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// RoleSet is the current role assignment of a protected instance.
// Exactly one address per role; each is only updatable through the
// multi-phase protocol itself.
type RoleSet struct {
	Owner       Address `json:"owner"`
	Broadcaster Address `json:"broadcaster"`
	Recovery    Address `json:"recovery"`
}

// AddressFor returns the address currently holding the given role.
func (rs RoleSet) AddressFor(role Role) Address {
	switch role {
	case RoleOwner:
		return rs.Owner
	case RoleBroadcaster:
		return rs.Broadcaster
	case RoleRecovery:
		return rs.Recovery
	}
	return ""
}
