// Package archive exports operation-history snapshots to object storage for
// long-term audit retention. Archival is observability, not correctness:
// the transaction record store remains the source of truth.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guardline-labs/secureop/pkg/audit"
	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/store"
)

// Backend writes a snapshot blob to durable storage.
type Backend interface {
	Store(ctx context.Context, key string, data []byte) error
}

// Snapshot is the archived document.
type Snapshot struct {
	SnapshotID string                `json:"snapshot_id"`
	InstanceID string                `json:"instance_id"`
	TakenAt    time.Time             `json:"taken_at"`
	Records    []*contracts.TxRecord `json:"records"`
	AuditHead  string                `json:"audit_head"`
	AuditSize  int                   `json:"audit_size"`
	Audit      []audit.Entry         `json:"audit,omitempty"`
}

// Archiver snapshots the record store and audit trail to a backend.
type Archiver struct {
	backend    Backend
	txs        store.TxStore
	auditLog   *audit.Log
	instanceID string
	prefix     string
	clock      func() time.Time
}

// New creates an archiver.
func New(backend Backend, txs store.TxStore, auditLog *audit.Log, instanceID, prefix string) *Archiver {
	return &Archiver{
		backend:    backend,
		txs:        txs,
		auditLog:   auditLog,
		instanceID: instanceID,
		prefix:     prefix,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// Snapshot exports the full history and returns the storage key.
func (a *Archiver) Snapshot(ctx context.Context) (string, error) {
	records, err := a.txs.List(ctx, 0, 0)
	if err != nil {
		return "", fmt.Errorf("list records: %w", err)
	}

	now := a.clock()
	snap := Snapshot{
		SnapshotID: uuid.New().String(),
		InstanceID: a.instanceID,
		TakenAt:    now,
		Records:    records,
	}
	if a.auditLog != nil {
		snap.Audit = a.auditLog.Entries()
		snap.AuditHead = a.auditLog.Head()
		snap.AuditSize = a.auditLog.Length()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, a.instanceID, now.UTC().Format("2006-01-02T150405Z"))
	if err := a.backend.Store(ctx, key, data); err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	return key, nil
}

// Run snapshots on the given interval until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are retried on the next tick.
			_, _ = a.Snapshot(ctx)
		}
	}
}
