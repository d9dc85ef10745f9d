// Package audit keeps the tamper-evident record of every safety gate
// evaluation. Records chain by hash, so any mutation of history is
// detectable, and each record carries the full gate inputs so a decision
// can be replayed bit-for-bit.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"bytemomo/charybdis/internal/domain"

	log "github.com/sirupsen/logrus"
)

// Record is one immutable gate evaluation.
type Record struct {
	Index      uint64              `json:"index"`
	Timestamp  time.Time           `json:"ts"`
	TargetID   string              `json:"target_id"`
	TestCaseID string              `json:"test_case_id"`
	Operation  string              `json:"operation"`
	Mode       domain.ExecutionMode `json:"mode"`
	Score      domain.RiskScore    `json:"score"`
	PrevHash   string              `json:"prev_hash"`
	Hash       string              `json:"hash"`
}

// Trail is an append-only, hash-chained log of gate evaluations. When
// constructed with a path it also mirrors every record to a JSONL file.
type Trail struct {
	mu      sync.RWMutex
	records []Record
	file    *os.File
}

// NewTrail returns an in-memory trail.
func NewTrail() *Trail {
	return &Trail{records: make([]Record, 0, 256)}
}

// NewFileTrail returns a trail that mirrors records to a JSONL file.
func NewFileTrail(path string) (*Trail, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	t := NewTrail()
	t.file = f
	return t, nil
}

// Append records one evaluation and returns the sealed record.
func (t *Trail) Append(targetID string, tc *domain.TestCase, mode domain.ExecutionMode, score domain.RiskScore) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := uint64(len(t.records))
	prev := ""
	if idx > 0 {
		prev = t.records[idx-1].Hash
	}
	rec := Record{
		Index:      idx,
		Timestamp:  time.Now().UTC(),
		TargetID:   targetID,
		TestCaseID: tc.ID,
		Operation:  tc.OperationKey(),
		Mode:       mode,
		Score:      score,
		PrevHash:   prev,
	}
	rec.Hash = hashRecord(rec)
	t.records = append(t.records, rec)

	if t.file != nil {
		if data, err := json.Marshal(rec); err == nil {
			if _, werr := t.file.Write(append(data, '\n')); werr != nil {
				log.WithError(werr).Warn("audit trail file write failed")
			}
		}
	}
	return rec
}

// Replay returns the evaluations recorded for one target, oldest first.
// An empty targetID returns the whole trail.
func (t *Trail) Replay(targetID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		if targetID == "" || rec.TargetID == targetID {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of records in the trail.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Verify walks the chain and reports whether every record still hashes
// to its sealed value and links to its predecessor.
func (t *Trail) Verify() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.records {
		if hashRecord(t.records[i]) != t.records[i].Hash {
			return false
		}
		if i > 0 && t.records[i-1].Hash != t.records[i].PrevHash {
			return false
		}
	}
	return true
}

// Close releases the file sink if one was attached.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

func hashRecord(r Record) string {
	h := sha256.New()
	h.Write([]byte(r.PrevHash))
	fmt.Fprintf(h, "%d|", r.Index)
	h.Write([]byte(r.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(r.TargetID))
	h.Write([]byte(r.TestCaseID))
	h.Write([]byte(r.Operation))
	h.Write([]byte(r.Mode))
	fmt.Fprintf(h, "%.6f|%s|%s", r.Score.Value, r.Score.Decision, r.Score.Reason)
	return hex.EncodeToString(h.Sum(nil))
}
