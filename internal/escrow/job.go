package escrow

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the contract-side lifecycle state of a job.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusCancelled
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Job is the ledger-owned escrow record. Amount is in atomic units and never
// changes after creation.
type Job struct {
	ID          uint64         `json:"id"`
	Hirer       common.Address `json:"hirer"`
	AgentOwner  common.Address `json:"agent_owner"`
	AgentID     string         `json:"agent_id"`
	Amount      *big.Int       `json:"amount"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ResultsHash common.Hash    `json:"results_hash"`
}

// jobTuple mirrors the getJob return tuple; field names follow the ABI
// component names so abi.ConvertType can fill it.
type jobTuple struct {
	Id          uint64
	Hirer       common.Address
	AgentOwner  common.Address
	AgentId     string
	Amount      *big.Int
	Status      uint8
	CreatedAt   uint64
	CompletedAt uint64
	ResultsHash [32]byte
}

func (t jobTuple) job() *Job {
	j := &Job{
		ID:          t.Id,
		Hirer:       t.Hirer,
		AgentOwner:  t.AgentOwner,
		AgentID:     t.AgentId,
		Amount:      t.Amount,
		Status:      Status(t.Status),
		CreatedAt:   time.Unix(int64(t.CreatedAt), 0).UTC(),
		ResultsHash: common.Hash(t.ResultsHash),
	}
	if t.CompletedAt != 0 {
		at := time.Unix(int64(t.CompletedAt), 0).UTC()
		j.CompletedAt = &at
	}
	return j
}
