package hire_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/escrow"
	"AgentEscrow-Chain/internal/escrow/escrowtest"
	"AgentEscrow-Chain/internal/execution"
	"AgentEscrow-Chain/internal/hire"
	"AgentEscrow-Chain/internal/ledger"
	"AgentEscrow-Chain/internal/ledger/confirm"
	"AgentEscrow-Chain/internal/observability/alerting"
	"AgentEscrow-Chain/internal/progress"
	"AgentEscrow-Chain/internal/signer"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	alerts []alerting.Event
}

func (r *recorder) Publish(_ context.Context, ev progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.State)
	return nil
}

func (r *recorder) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, ev)
	return nil
}

type fixture struct {
	chain   *escrowtest.Chain
	escrow  *escrow.Client
	orch    *hire.Orchestrator
	journal *hire.MemoryJournal
	rec     *recorder
	session *signer.Session
	owner   *signer.Session
	service *httptest.Server
}

func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()
	chain := escrowtest.New()
	session := newSession(t, chain)
	owner := newSession(t, chain)
	chain.Mint(session.Address, atomic(t, "10"))

	service := httptest.NewServer(handler)
	t.Cleanup(service.Close)
	exec, err := execution.NewClient(service.URL, service.Client())
	require.NoError(t, err)

	lc := ledger.NewClient(chain)
	waiter := confirm.NewWaiter(lc, confirm.WithPollInterval(5*time.Millisecond))
	esc := escrow.NewClient(lc, waiter, chain.Escrow, escrow.WithConfirmTimeout(100*time.Millisecond))

	rec := &recorder{}
	journal := hire.NewMemoryJournal()
	orch := hire.New(esc, exec, lc, chain.Token,
		hire.WithProgress(rec),
		hire.WithAlerts(rec),
		hire.WithJournal(journal),
	)
	return &fixture{chain: chain, escrow: esc, orch: orch, journal: journal, rec: rec, session: session, owner: owner, service: service}
}

func newSession(t *testing.T, chain *escrowtest.Chain) *signer.Session {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ks := signer.NewKeySigner(key)
	chain.Fund(ks.Address(), big.NewInt(1e18))
	return &signer.Session{Address: ks.Address(), Signer: ks}
}

func atomic(t *testing.T, v string) *big.Int {
	t.Helper()
	a, err := ledger.ToAtomic(v)
	require.NoError(t, err)
	return a
}

func singleAgent(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(`{"status":"success","result":{"summary":"done"}}`))
}

func TestSingleAgentHireReachesDone(t *testing.T) {
	f := newFixture(t, singleAgent)
	ctx := context.Background()
	nativeBefore := new(big.Int).Set(f.chain.NativeBalanceOf(f.session.Address))

	out, err := f.orch.Hire(ctx, f.session, hire.Request{Members: []hire.Member{{
		AgentID: "summarizer",
		Owner:   f.owner.Address,
		Price:   "0.05 XLM",
		Inputs:  map[string]any{"url": "https://example.com"},
	}}})
	require.NoError(t, err)

	assert.Equal(t, hire.StateDone, out.State)
	require.NotNil(t, out.JobID)
	assert.Equal(t, "0.0500000 XLM", out.Amount)
	require.Len(t, out.Members, 1)
	assert.True(t, out.Members[0].Succeeded())
	require.NotNil(t, out.ResultsHash)

	assert.Zero(t, atomic(t, "9.95").Cmp(f.chain.TokenBalanceOf(f.session.Address)))
	assert.Zero(t, atomic(t, "0.05").Cmp(f.chain.TokenBalanceOf(f.owner.Address)))
	assert.Equal(t, -1, f.chain.NativeBalanceOf(f.session.Address).Cmp(nativeBefore), "network fee is paid in native coin")

	job, err := f.escrow.GetJob(ctx, *out.JobID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, job.Status)
	assert.Equal(t, *out.ResultsHash, job.ResultsHash)

	assert.Equal(t, []string{"CheckingWallet", "CheckingBalance", "CreatingJob", "Executing", "ReleasingPayment", "Done"}, f.rec.states)
	entry, ok := f.journal.Get(out.HireID)
	require.True(t, ok)
	assert.Equal(t, hire.StateDone, entry.State)
	assert.Empty(t, f.rec.alerts)
}

func TestTeamHireWithOneMemberErrorStillReleasesOnce(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute_batch" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{
			"results":[{"agent_id":"researcher","status":"success","result":{"notes":1}},
			           {"agent_id":"editor","status":"success","result":{"draft":"ok"}}],
			"errors":[{"agent_id":"writer","error":"model quota exceeded"}]}`))
	})
	ctx := context.Background()
	member := func(id string) hire.Member {
		return hire.Member{AgentID: id, Owner: f.owner.Address, Price: "0.1 XLM"}
	}

	out, err := f.orch.Hire(ctx, f.session, hire.Request{
		TeamName: "content-team",
		Members:  []hire.Member{member("researcher"), member("writer"), member("editor")},
	})
	require.NoError(t, err)

	assert.Equal(t, hire.StateDone, out.State)
	assert.Equal(t, 2, out.Successes())
	assert.Equal(t, 1, out.Failures())
	assert.Equal(t, "writer", out.Members[1].AgentID)
	assert.Equal(t, "model quota exceeded", out.Members[1].Error)
	assert.Equal(t, 1, f.chain.Sends("createJob"))
	assert.Equal(t, 1, f.chain.Sends("completeJob"))

	job, err := f.escrow.GetJob(ctx, *out.JobID)
	require.NoError(t, err)
	assert.Equal(t, "content-team", job.AgentID)
	assert.Zero(t, atomic(t, "0.3").Cmp(job.Amount))
}

func TestReleaseTimeoutFailsWithJobIDAndNoRetry(t *testing.T) {
	f := newFixture(t, singleAgent)
	ctx := context.Background()
	f.chain.HoldReceipts("completeJob")

	out, err := f.orch.Hire(ctx, f.session, hire.Request{Members: []hire.Member{{AgentID: "a", Owner: f.owner.Address, Price: "0.05"}}})
	require.Error(t, err)

	assert.Equal(t, hire.StateFailed, out.State)
	require.NotNil(t, out.JobID)
	assert.Equal(t, hire.CodePaymentReleaseFailed, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryAmbiguous, xerrors.CategoryOf(err))
	assert.True(t, errors.Is(err, xerrors.New(confirm.CodeConfirmationTimeout, "")))
	assert.Equal(t, "1", xerrors.MetadataOf(err, xerrors.MetaJobID))
	assert.NotEmpty(t, xerrors.MetadataOf(err, xerrors.MetaRecovery))
	assert.Equal(t, 1, f.chain.Sends("createJob"))
	assert.Equal(t, 1, f.chain.Sends("completeJob"))

	require.Len(t, f.rec.alerts, 1)
	assert.Equal(t, "1", f.rec.alerts[0].JobID)

	unresolved, err := f.journal.Unresolved(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, string(hire.CodePaymentReleaseFailed), unresolved[0].Code)

	job, err := f.orch.Recover(ctx, f.session, *out.JobID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, job.Status)
	assert.Zero(t, atomic(t, "10").Cmp(f.chain.TokenBalanceOf(f.session.Address)))

	unresolved, err = f.journal.Unresolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestWalletNotConnected(t *testing.T) {
	f := newFixture(t, singleAgent)
	out, err := f.orch.Hire(context.Background(), nil, hire.Request{Members: []hire.Member{{AgentID: "a", Price: "1"}}})
	assert.Equal(t, hire.CodeWalletNotConnected, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryPreflight, xerrors.CategoryOf(err))
	assert.Equal(t, hire.StateFailed, out.State)
	assert.Nil(t, out.JobID)
	assert.Zero(t, f.chain.Sends("createJob"))
	assert.Equal(t, []string{"CheckingWallet", "Failed"}, f.rec.states)
}

func TestInsufficientBalanceIncludesFeeReserve(t *testing.T) {
	f := newFixture(t, singleAgent)
	_, err := f.orch.Hire(context.Background(), f.session, hire.Request{Members: []hire.Member{{AgentID: "a", Price: "9.5 XLM"}}})
	require.Error(t, err)
	assert.Equal(t, hire.CodeInsufficientBalance, xerrors.CodeOf(err))
	assert.Equal(t, "10.5000000", xerrors.MetadataOf(err, hire.MetaNeeded))
	assert.Equal(t, "10.0000000", xerrors.MetadataOf(err, hire.MetaHave))
	assert.Zero(t, f.chain.Sends("createJob"))
}

func TestInvalidPriceStopsBeforeEscrow(t *testing.T) {
	f := newFixture(t, singleAgent)
	_, err := f.orch.Hire(context.Background(), f.session, hire.Request{Members: []hire.Member{{AgentID: "a", Price: "free"}}})
	assert.Equal(t, hire.CodeInvalidPrice, xerrors.CodeOf(err))
	assert.Zero(t, f.chain.Sends("createJob"))
}

func TestExecutionServiceDownLeavesJobPending(t *testing.T) {
	f := newFixture(t, singleAgent)
	f.service.Close()
	ctx := context.Background()

	out, err := f.orch.Hire(ctx, f.session, hire.Request{Members: []hire.Member{{AgentID: "a", Owner: f.owner.Address, Price: "0.05"}}})
	require.Error(t, err)
	assert.Equal(t, hire.CodeExecutionFailed, xerrors.CodeOf(err))
	require.NotNil(t, out.JobID)
	assert.Equal(t, "1", xerrors.MetadataOf(err, xerrors.MetaJobID))
	assert.Zero(t, f.chain.Sends("completeJob"))

	job, err := f.escrow.GetJob(ctx, *out.JobID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPending, job.Status)
	assert.Len(t, f.rec.alerts, 1)
}

func TestAmbiguousCreateIsNotRetried(t *testing.T) {
	f := newFixture(t, singleAgent)
	f.chain.FailNextSend(errors.New("read tcp 10.0.0.1:8545: i/o timeout"))

	out, err := f.orch.Hire(context.Background(), f.session, hire.Request{Members: []hire.Member{{AgentID: "a", Price: "0.05"}}})
	require.Error(t, err)
	assert.Equal(t, hire.CodeJobStatusUnknown, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryAmbiguous, xerrors.CategoryOf(err))
	assert.NotEmpty(t, xerrors.MetadataOf(err, xerrors.MetaRecovery))
	assert.Nil(t, out.JobID)
	assert.Zero(t, f.chain.Sends("createJob"))
}

func TestUnknownCreateOutcomeIsJournaledAndAlerted(t *testing.T) {
	f := newFixture(t, singleAgent)
	f.chain.HoldReceipts("createJob")
	ctx := context.Background()

	out, err := f.orch.Hire(ctx, f.session, hire.Request{Members: []hire.Member{{AgentID: "a", Price: "0.05"}}})
	require.Error(t, err)
	assert.Equal(t, hire.CodeJobStatusUnknown, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryAmbiguous, xerrors.CategoryOf(err))
	assert.Nil(t, out.JobID)
	assert.Equal(t, 1, f.chain.Sends("createJob"))

	outer, ok := xerrors.From(err)
	require.True(t, ok)
	txHash := outer.Meta(xerrors.MetaTxHash)
	require.NotEmpty(t, txHash)

	require.Len(t, f.rec.alerts, 1)
	assert.Equal(t, hire.CodeJobStatusUnknown, f.rec.alerts[0].Code)
	assert.Equal(t, txHash, f.rec.alerts[0].Metadata[xerrors.MetaTxHash])

	entries, err := f.journal.Unresolved(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, txHash, entries[0].TxHash)
	assert.Nil(t, entries[0].JobID)
	assert.Equal(t, string(hire.CodeJobStatusUnknown), entries[0].Code)

	require.NoError(t, f.journal.ResolveHire(ctx, out.HireID))
	entries, err = f.journal.Unresolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNativeFeeShortfallStopsBeforeEscrow(t *testing.T) {
	f := newFixture(t, singleAgent)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ks := signer.NewKeySigner(key)
	f.chain.Fund(ks.Address(), big.NewInt(1000))
	f.chain.Mint(ks.Address(), atomic(t, "10"))
	poor := &signer.Session{Address: ks.Address(), Signer: ks}

	out, err := f.orch.Hire(context.Background(), poor, hire.Request{Members: []hire.Member{{AgentID: "a", Price: "0.05"}}})
	require.Error(t, err)
	assert.Equal(t, hire.CodeInsufficientFee, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryPreflight, xerrors.CategoryOf(err))
	assert.Equal(t, "1000", xerrors.MetadataOf(err, hire.MetaHave))
	assert.Nil(t, out.JobID)
	assert.Zero(t, f.chain.Sends("createJob"))
	assert.Empty(t, f.rec.alerts)
}

func TestRecoverTerminalJobOnlyResolvesJournal(t *testing.T) {
	f := newFixture(t, singleAgent)
	ctx := context.Background()
	out, err := f.orch.Hire(ctx, f.session, hire.Request{Members: []hire.Member{{AgentID: "a", Owner: f.owner.Address, Price: "0.05"}}})
	require.NoError(t, err)

	job, err := f.orch.Recover(ctx, f.session, *out.JobID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, job.Status)
	assert.Zero(t, f.chain.Sends("cancelJob"))
}

func TestOutcomeJSON(t *testing.T) {
	id := uint64(4)
	data, err := json.Marshal(&hire.Outcome{HireID: "h", State: hire.StateFailed, JobID: &id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hire_id":"h","state":"Failed","job_id":4}`, string(data))
}
