// Package store implements the Transaction Record Store: the durable ledger
// of operation attempts. Records are keyed by a monotonically increasing id,
// never deleted, and status updates are compare-and-swap so a record can
// only leave PENDING once.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

var (
	// ErrNotFound is returned for an unknown transaction id.
	ErrNotFound = errors.New("transaction not found")

	// ErrStatusConflict is returned when a status update's expected
	// current status does not match the stored one.
	ErrStatusConflict = errors.New("transaction status conflict")

	// ErrNonceUsed is returned when a meta-transaction nonce has already
	// been consumed for the signer.
	ErrNonceUsed = errors.New("nonce already used")
)

// TxStore is the single write path for transaction records. Only the engine
// mutates it.
type TxStore interface {
	// Append persists a new record, assigns the next id and returns it.
	Append(ctx context.Context, rec *contracts.TxRecord) (uint64, error)

	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, txID uint64) (*contracts.TxRecord, error)

	// UpdateStatus transitions a record from the expected status to the
	// new one. Returns ErrNotFound for an unknown id and ErrStatusConflict
	// when the stored status differs from expect.
	UpdateStatus(ctx context.Context, txID uint64, expect, to contracts.TxStatus, resolvedAt time.Time) error

	// List returns records ordered by id, skipping offset and returning at
	// most count. count <= 0 means no limit.
	List(ctx context.Context, offset, count int) ([]*contracts.TxRecord, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int, error)

	// ConsumeNonce marks a signer nonce as used; ErrNonceUsed when spent.
	ConsumeNonce(ctx context.Context, signer contracts.Address, nonce uint64) error

	// NextNonce returns one past the highest nonce used by a signer.
	NextNonce(ctx context.Context, signer contracts.Address) (uint64, error)
}
