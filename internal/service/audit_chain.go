package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/observability"
	"github.com/adminbridge/secure-session-core/internal/repository"
)

// AuditAppender is the write half of the audit chain, split out so the
// token and session services can append without seeing verification.
type AuditAppender interface {
	Append(ctx context.Context, eventType, actorID string, payload any) (*domain.AuditEntry, error)
}

// AuditChain appends tamper-evident entries to one logical chain and
// verifies chain integrity over a range. Appends are serialized by an
// in-process mutex; the (chain_id, sequence_no) unique index catches
// forks from other processes, in which case the append re-reads the
// head and retries once.
type AuditChain struct {
	repo    repository.AuditRepository
	clk     clock.Clock
	chainID string

	mu sync.Mutex
}

func NewAuditChain(repo repository.AuditRepository, clk clock.Clock, chainID string) *AuditChain {
	if chainID == "" {
		chainID = "global"
	}
	return &AuditChain{repo: repo, clk: clk, chainID: chainID}
}

const (
	VerificationVerified  = "verified"
	VerificationTampering = "tampering_detected"
)

func (c *AuditChain) ChainID() string { return c.chainID }

func (c *AuditChain) Append(ctx context.Context, eventType, actorID string, payload any) (*domain.AuditEntry, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		seq := uint64(1)
		prevHash := genesisHash(c.chainID)
		last, err := c.repo.Last(c.chainID)
		switch {
		case err == nil:
			seq = last.SequenceNo + 1
			prevHash = last.SelfHash
		case errors.Is(err, repository.ErrAuditEntryNotFound):
		default:
			observability.RecordAuditAppend(ctx, "error")
			return nil, err
		}

		entry := &domain.AuditEntry{
			ChainID:    c.chainID,
			SequenceNo: seq,
			Timestamp:  c.clk.Now().UnixNano(),
			EventType:  eventType,
			ActorID:    actorID,
			Payload:    raw,
			PrevHash:   prevHash,
		}
		entry.SelfHash = entryHash(entry)

		err = c.repo.Append(entry)
		if err == nil {
			observability.RecordAuditAppend(ctx, "success")
			return entry, nil
		}
		if errors.Is(err, repository.ErrSequenceConflict) && attempt == 0 {
			continue
		}
		observability.RecordAuditAppend(ctx, "error")
		return nil, err
	}
}

type VerificationReport struct {
	Status        string   `json:"status"`
	Valid         int      `json:"valid"`
	Invalid       int      `json:"invalid"`
	Broken        []uint64 `json:"broken"`
	FirstSequence uint64   `json:"first_sequence,omitempty"`
	LastSequence  uint64   `json:"last_sequence,omitempty"`
}

// VerifyChain recomputes every hash in the time range and checks each
// link against its predecessor. It never mutates entries and never
// stops at the first mismatch: the report enumerates every break so an
// operator sees the full blast radius. A non-empty break list also
// appends a high-severity alert entry to the same chain before
// returning. Verification tolerates a chain that is still growing; it
// only judges the snapshot it read.
func (c *AuditChain) VerifyChain(ctx context.Context, from, to time.Time) (*VerificationReport, error) {
	entries, err := c.repo.RangeByTime(c.chainID, from, to)
	if err != nil {
		observability.RecordAuditVerification(ctx, "store_error")
		return nil, err
	}
	return c.verifyEntries(ctx, entries)
}

// VerifyChainSequence verifies an explicit sequence window, the shape
// an operator uses when re-checking the blast radius a previous report
// named.
func (c *AuditChain) VerifyChainSequence(ctx context.Context, from, to uint64) (*VerificationReport, error) {
	entries, err := c.repo.RangeBySequence(c.chainID, from, to)
	if err != nil {
		observability.RecordAuditVerification(ctx, "store_error")
		return nil, err
	}
	return c.verifyEntries(ctx, entries)
}

func (c *AuditChain) verifyEntries(ctx context.Context, entries []domain.AuditEntry) (*VerificationReport, error) {
	report := &VerificationReport{Status: VerificationVerified, Broken: []uint64{}}
	if len(entries) == 0 {
		observability.RecordAuditVerification(ctx, report.Status)
		return report, nil
	}
	report.FirstSequence = entries[0].SequenceNo
	report.LastSequence = entries[len(entries)-1].SequenceNo

	prevStored, prevRecomputed, err := c.predecessorHashes(ctx, entries[0])
	if err != nil {
		observability.RecordAuditVerification(ctx, "store_error")
		return nil, err
	}
	prevSeq := entries[0].SequenceNo - 1

	for i := range entries {
		e := &entries[i]
		recomputed := entryHash(e)
		ok := recomputed == e.SelfHash
		if e.SequenceNo != prevSeq+1 {
			ok = false
		}
		// A link is accepted when it matches what the predecessor
		// claims (stored) or what it actually hashes to (recomputed).
		// A single mutated field then breaks at exactly one sequence
		// number: the tampered entry itself, or its successor when the
		// tampering was covered up by rewriting the self hash.
		if prevStored != "" || prevRecomputed != "" {
			if e.PrevHash != prevStored && e.PrevHash != prevRecomputed {
				ok = false
			}
		}
		if ok {
			report.Valid++
		} else {
			report.Invalid++
			report.Broken = append(report.Broken, e.SequenceNo)
		}
		prevStored = e.SelfHash
		prevRecomputed = recomputed
		prevSeq = e.SequenceNo
	}

	if len(report.Broken) > 0 {
		report.Status = VerificationTampering
		if _, err := c.Append(ctx, domain.AuditEventTamperingAlert, "system", TamperAlertPayload{
			Broken:    report.Broken,
			RangeFrom: entries[0].Timestamp,
			RangeTo:   entries[len(entries)-1].Timestamp,
		}); err != nil {
			return nil, fmt.Errorf("append tampering alert: %w", err)
		}
	}
	observability.RecordAuditVerification(ctx, report.Status)
	return report, nil
}

// predecessorHashes resolves the link targets for the first entry of
// the range: the genesis value for sequence 1, otherwise the stored
// and recomputed hashes of the predecessor fetched outside the range.
// A missing predecessor leaves the boundary link unchecked rather than
// failing the run.
func (c *AuditChain) predecessorHashes(_ context.Context, first domain.AuditEntry) (stored, recomputed string, err error) {
	if first.SequenceNo <= 1 {
		g := genesisHash(c.chainID)
		return g, g, nil
	}
	pred, err := c.repo.GetBySequence(c.chainID, first.SequenceNo-1)
	if err != nil {
		if errors.Is(err, repository.ErrAuditEntryNotFound) {
			return "", "", nil
		}
		return "", "", err
	}
	return pred.SelfHash, entryHash(pred), nil
}

// canonicalEntry fixes the serialization the hashes are computed over.
// Field order is struct declaration order under encoding/json, so this
// layout is part of the stored format and must not be reordered.
type canonicalEntry struct {
	ChainID    string          `json:"chain_id"`
	SequenceNo uint64          `json:"sequence_no"`
	Timestamp  int64           `json:"timestamp"`
	EventType  string          `json:"event_type"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prev_hash"`
}

func entryHash(e *domain.AuditEntry) string {
	canonical, err := json.Marshal(canonicalEntry{
		ChainID:    e.ChainID,
		SequenceNo: e.SequenceNo,
		Timestamp:  e.Timestamp,
		EventType:  e.EventType,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
		PrevHash:   e.PrevHash,
	})
	if err != nil {
		// Payload is json.RawMessage and every other field is a scalar;
		// the only way to get here is a corrupted raw payload, which
		// must hash to something stable anyway.
		canonical = []byte(fmt.Sprintf("%+v", e))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func genesisHash(chainID string) string {
	sum := sha256.Sum256([]byte("secure-session-core/audit-genesis:" + chainID))
	return hex.EncodeToString(sum[:])
}
