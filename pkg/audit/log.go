// Package audit keeps the append-only, hash-chained event log of the
// operation protocol. Every engine transition lands here; entries are never
// mutated or deleted.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the engine.
const (
	EventRequested     = "OPERATION_REQUESTED"
	EventApproved      = "OPERATION_APPROVED"
	EventCancelled     = "OPERATION_CANCELLED"
	EventMetaSubmitted = "META_TX_SUBMITTED"
	EventRoleRotated   = "ROLE_ROTATED"
)

// Entry is an immutable, hash-chained audit record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	TxID        uint64         `json:"tx_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Log is an append-only, hash-chained event log.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		headHash: "genesis",
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append adds an entry and returns its sequence number.
func (l *Log) Append(eventType, actor string, txID uint64, data map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	contentHash, err := entryHash(seq, eventType, txID, data, l.headHash)
	if err != nil {
		return 0, err
	}

	l.entries = append(l.entries, Entry{
		Sequence:    seq,
		EventID:     uuid.New().String(),
		EventType:   eventType,
		TxID:        txID,
		Actor:       actor,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
		Timestamp:   l.clock(),
		Data:        data,
	})
	l.headHash = contentHash
	return seq, nil
}

// Entries returns a snapshot of the log.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Log) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the chain and reports the first inconsistency.
func (l *Log) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := "genesis"
	for i, entry := range l.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := entryHash(entry.Sequence, entry.EventType, entry.TxID, entry.Data, entry.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i+1)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}

func entryHash(seq uint64, eventType string, txID uint64, data map[string]any, prevHash string) (string, error) {
	hashInput := struct {
		Seq      uint64         `json:"seq"`
		Type     string         `json:"type"`
		TxID     uint64         `json:"tx_id"`
		Data     map[string]any `json:"data"`
		PrevHash string         `json:"prev"`
	}{seq, eventType, txID, data, prevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
