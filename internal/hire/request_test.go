package hire

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/execution"
)

func TestTransitionTable(t *testing.T) {
	assert.True(t, allowed(StateIdle, StateCheckingWallet))
	assert.True(t, allowed(StateExecuting, StateFailed))
	assert.False(t, allowed(StateIdle, StateCreatingJob))
	assert.False(t, allowed(StateDone, StateFailed))
	assert.False(t, allowed(StateFailed, StateDone))

	next, ok := StateReleasingPayment.Next()
	assert.True(t, ok)
	assert.Equal(t, StateDone, next)
}

func TestResultsHashIgnoresWhitespace(t *testing.T) {
	a := []MemberOutcome{{AgentID: "x", Status: MemberSuccess, Result: json.RawMessage(`{"a": 1}`)}}
	b := []MemberOutcome{{AgentID: "x", Status: MemberSuccess, Result: json.RawMessage(`{"a":1}`)}}
	ha, err := ResultsHash(a)
	require.NoError(t, err)
	hb, err := ResultsHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	reordered := []MemberOutcome{{AgentID: "y", Status: MemberError, Error: "e"}, a[0]}
	hc, err := ResultsHash(reordered)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
	assert.NotEqual(t, [32]byte{}, ha)
}

func TestPayeeAndAgentID(t *testing.T) {
	hirer := common.HexToAddress("0x01")
	owner := common.HexToAddress("0x02")
	other := common.HexToAddress("0x03")

	shared := Request{Members: []Member{{AgentID: "a", Owner: owner}, {AgentID: "b", Owner: owner}}}
	assert.Equal(t, owner, shared.Payee(hirer))
	assert.Equal(t, "a,b", shared.AgentID())

	mixed := Request{TeamName: "team", Members: []Member{{AgentID: "a", Owner: owner}, {AgentID: "b", Owner: other}}}
	assert.Equal(t, hirer, mixed.Payee(hirer))
	assert.Equal(t, "team", mixed.AgentID())

	assert.Equal(t, hirer, Request{Members: []Member{{AgentID: "a"}}}.Payee(hirer))
}

func TestTotalCost(t *testing.T) {
	total, err := Request{Members: []Member{{AgentID: "a", Price: "0.05 XLM"}, {AgentID: "b", Price: "1.25"}}}.TotalCost()
	require.NoError(t, err)
	assert.Equal(t, "13000000", total.String())

	_, err = Request{}.TotalCost()
	assert.Error(t, err)
}

func TestCollectBatchMarksMissingMembers(t *testing.T) {
	idx := 1
	members := []Member{{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}}
	out := collectBatch(members, &execution.BatchResponse{
		Results: []execution.Response{{AgentID: "a", Status: "success"}},
		Errors:  []execution.BatchError{{Index: &idx, Error: "boom"}},
	})
	require.Len(t, out, 3)
	assert.True(t, out[0].Succeeded())
	assert.Equal(t, "boom", out[1].Error)
	assert.Equal(t, MemberError, out[2].Status)
}

func TestCollectBatchFallsBackToOrderWithoutAgentIDs(t *testing.T) {
	members := []Member{{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}}
	out := collectBatch(members, &execution.BatchResponse{
		Results: []execution.Response{
			{Status: "success", Result: json.RawMessage(`{"n":1}`)},
			{Status: "success", Result: json.RawMessage(`{"n":2}`)},
		},
		Errors: []execution.BatchError{{Error: "timeout"}},
	})
	require.Len(t, out, 3)
	assert.True(t, out[0].Succeeded())
	assert.JSONEq(t, `{"n":1}`, string(out[0].Result))
	assert.Equal(t, "a", out[0].AgentID)
	assert.True(t, out[1].Succeeded())
	assert.Equal(t, "b", out[1].AgentID)
	assert.Equal(t, MemberError, out[2].Status)
	assert.Equal(t, "timeout", out[2].Error)

	// 数量对不上时不按顺序猜测。
	out = collectBatch(members, &execution.BatchResponse{
		Results: []execution.Response{{Status: "success"}},
	})
	for _, m := range out {
		assert.Equal(t, MemberError, m.Status)
	}
}

func TestMemoryJournalUnresolved(t *testing.T) {
	j := NewMemoryJournal()
	id := uint64(3)
	require.NoError(t, j.Save(context.Background(), Entry{HireID: "h1", JobID: &id, State: StateFailed}))
	require.NoError(t, j.Save(context.Background(), Entry{HireID: "h2", State: StateFailed}))
	require.NoError(t, j.Save(context.Background(), Entry{HireID: "h3", JobID: &id, State: StateDone}))

	got, err := j.Unresolved(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "h1", got[0].HireID)

	require.NoError(t, j.MarkResolved(context.Background(), 3))
	got, _ = j.Unresolved(context.Background())
	assert.Empty(t, got)
}

func TestMemoryJournalKeepsUnknownCreateOutcome(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()
	require.NoError(t, j.Save(ctx, Entry{HireID: "h1", TxHash: "0xab", State: StateFailed, Code: string(CodeJobStatusUnknown)}))
	require.NoError(t, j.Save(ctx, Entry{HireID: "h2", State: StateFailed, Code: string(CodeInsufficientFee)}))

	got, err := j.Unresolved(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xab", got[0].TxHash)
	assert.True(t, got[0].NeedsAttention())

	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(j.ResolveHire(ctx, "missing")))
	require.NoError(t, j.ResolveHire(ctx, "h1"))
	got, _ = j.Unresolved(ctx)
	assert.Empty(t, got)
}
