package hire

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentEscrow-Chain/internal/errors"
)

// Entry records a workflow outcome so locked escrow can be found later. It
// never holds inputs or credentials.
type Entry struct {
	HireID    string    `json:"hire_id"`
	Hirer     string    `json:"hirer"`
	AgentID   string    `json:"agent_id"`
	Amount    string    `json:"amount"`
	JobID     *uint64   `json:"job_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	State     State     `json:"state"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Resolved  bool      `json:"resolved"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsAttention reports whether the entry left a job in escrow, or may have:
// a createJob whose outcome is unknown has no job id, only its tx hash.
func (e Entry) NeedsAttention() bool {
	if e.State != StateFailed || e.Resolved {
		return false
	}
	return e.JobID != nil || e.Code == string(CodeJobStatusUnknown)
}

// Journal persists workflow outcomes.
type Journal interface {
	Save(ctx context.Context, entry Entry) error
	Unresolved(ctx context.Context) ([]Entry, error)
	MarkResolved(ctx context.Context, jobID uint64) error
	// ResolveHire closes one entry, for hires that never learned their job id.
	ResolveHire(ctx context.Context, hireID string) error
}

// MemoryJournal keeps entries in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryJournal 创建内存日志。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]Entry)}
}

// Save upserts by hire id.
func (j *MemoryJournal) Save(_ context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if entry.JobID != nil {
		id := *entry.JobID
		entry.JobID = &id
	}
	j.entries[entry.HireID] = entry
	return nil
}

// Unresolved returns entries needing attention, oldest first.
func (j *MemoryJournal) Unresolved(_ context.Context) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range j.entries {
		if e.NeedsAttention() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out, nil
}

// MarkResolved flags every entry for jobID as resolved.
func (j *MemoryJournal) MarkResolved(_ context.Context, jobID uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, e := range j.entries {
		if e.JobID != nil && *e.JobID == jobID {
			e.Resolved = true
			e.UpdatedAt = time.Now().UTC()
			j.entries[k] = e
		}
	}
	return nil
}

// ResolveHire flags the entry for hireID as resolved.
func (j *MemoryJournal) ResolveHire(_ context.Context, hireID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[hireID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "雇佣记录不存在", xerrors.WithMetadata(xerrors.MetaHireID, hireID))
	}
	e.Resolved = true
	e.UpdatedAt = time.Now().UTC()
	j.entries[hireID] = e
	return nil
}

// Get returns the entry for hireID.
func (j *MemoryJournal) Get(hireID string) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[hireID]
	return e, ok
}
