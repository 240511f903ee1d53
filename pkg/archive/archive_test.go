package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardline-labs/secureop/pkg/audit"
	"github.com/guardline-labs/secureop/pkg/contracts"
	"github.com/guardline-labs/secureop/pkg/store"
)

type captureBackend struct {
	key  string
	data []byte
	err  error
}

func (b *captureBackend) Store(ctx context.Context, key string, data []byte) error {
	if b.err != nil {
		return b.err
	}
	b.key = key
	b.data = data
	return nil
}

func TestSnapshotExportsRecordsAndAudit(t *testing.T) {
	ctx := context.Background()
	txs := store.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := txs.Append(ctx, &contracts.TxRecord{
		Requester:     "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Target:        "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		OperationName: contracts.OpWithdrawEth,
		RequestedAt:   now,
		ReleaseTime:   now.Add(24 * time.Hour),
		Status:        contracts.TxStatusPending,
	})
	require.NoError(t, err)

	log := audit.NewLog()
	_, err = log.Append(audit.EventRequested, "0xaaaa", 1, nil)
	require.NoError(t, err)

	backend := &captureBackend{}
	arch := New(backend, txs, log, "vault-main", "secureop/history").
		WithClock(func() time.Time { return now })

	key, err := arch.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secureop/history/vault-main/2026-03-01T120000Z.json", key)
	assert.Equal(t, key, backend.key)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(backend.data, &snap))
	assert.Equal(t, "vault-main", snap.InstanceID)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, uint64(1), snap.Records[0].TxID)
	assert.Equal(t, 1, snap.AuditSize)
	assert.Equal(t, log.Head(), snap.AuditHead)
	assert.NotEmpty(t, snap.SnapshotID)
}

func TestSnapshotWithoutAuditLog(t *testing.T) {
	backend := &captureBackend{}
	arch := New(backend, store.NewMemoryStore(), nil, "vault-main", "p")

	_, err := arch.Snapshot(context.Background())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(backend.data, &snap))
	assert.Empty(t, snap.AuditHead)
	assert.Zero(t, snap.AuditSize)
}

func TestSnapshotPropagatesBackendError(t *testing.T) {
	backend := &captureBackend{err: errors.New("bucket unavailable")}
	arch := New(backend, store.NewMemoryStore(), nil, "vault-main", "p")

	_, err := arch.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	backend := &captureBackend{}
	arch := New(backend, store.NewMemoryStore(), nil, "vault-main", "p")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		arch.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("archiver did not stop")
	}
}
