package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/escrow"
	"AgentEscrow-Chain/internal/hire"
	"AgentEscrow-Chain/internal/signer"
)

type nopSigner struct{}

func (nopSigner) SignTransaction(context.Context, *types.Transaction, *big.Int, common.Address) (*types.Transaction, error) {
	return nil, nil
}

type stubHirer struct {
	journal   *hire.MemoryJournal
	session   *signer.Session
	recovered uint64
}

func (h *stubHirer) Hire(_ context.Context, s *signer.Session, req hire.Request) (*hire.Outcome, error) {
	h.session = s
	if !s.Connected() {
		return &hire.Outcome{HireID: "h-1", State: hire.StateFailed}, xerrors.New(hire.CodeWalletNotConnected, "未连接钱包")
	}
	if req.Members[0].Price == "99" {
		id := uint64(5)
		return &hire.Outcome{HireID: "h-2", State: hire.StateFailed, JobID: &id},
			xerrors.New(hire.CodePaymentReleaseFailed, "放款失败", xerrors.WithMetadata(xerrors.MetaJobID, "5"))
	}
	if req.Members[0].Price == "77" {
		inner := xerrors.New(escrow.CodeTransactionFailed, "等待回执超时", xerrors.WithMetadata(xerrors.MetaTxHash, "0xfeed"))
		return &hire.Outcome{HireID: "h-4", State: hire.StateFailed},
			xerrors.Wrap(hire.CodeJobStatusUnknown, inner, "作业状态未知")
	}
	return &hire.Outcome{HireID: "h-3", State: hire.StateDone}, nil
}

func (h *stubHirer) Recover(_ context.Context, _ *signer.Session, jobID uint64) (*escrow.Job, error) {
	h.recovered = jobID
	return &escrow.Job{ID: jobID, Status: escrow.StatusCancelled, Amount: big.NewInt(1)}, nil
}

func (h *stubHirer) Journal() hire.Journal { return h.journal }

type stubJobs struct{}

func (stubJobs) GetJob(_ context.Context, id uint64) (*escrow.Job, error) {
	if id == 404 {
		return nil, xerrors.New(escrow.CodeJobNotFound, "作业不存在")
	}
	return &escrow.Job{ID: id, Status: escrow.StatusPending, Amount: big.NewInt(500000)}, nil
}

func (stubJobs) GetJobsByHirer(context.Context, common.Address) []uint64 { return []uint64{1, 2} }

var account = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func newTestServer() (*Server, *stubHirer) {
	h := &stubHirer{journal: hire.NewMemoryJournal()}
	return NewServer(":0", h, stubJobs{}, StaticSessions{Signer: nopSigner{}, Default: account}), h
}

func do(t *testing.T, s *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateHireSuccess(t *testing.T) {
	s, h := newTestServer()
	rec := do(t, s, http.MethodPost, "/api/v1/hires", `{"members":[{"agent_id":"a","price":"0.05 XLM"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Outcome hire.Outcome `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Outcome.State != hire.StateDone || h.session.Address != account {
		t.Fatalf("unexpected outcome %+v for %s", resp.Outcome, h.session.Address.Hex())
	}
}

func TestCreateHireFailureCarriesJobID(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s, http.MethodPost, "/api/v1/hires", `{"members":[{"agent_id":"a","price":"99"}]}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusBadGateway)
	}
	var resp struct {
		Outcome hire.Outcome `json:"outcome"`
		Error   errorBody    `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != hire.CodePaymentReleaseFailed || resp.Error.Metadata[xerrors.MetaJobID] != "5" {
		t.Fatalf("unexpected error body: %+v", resp.Error)
	}
	if resp.Outcome.JobID == nil || *resp.Outcome.JobID != 5 {
		t.Fatalf("outcome missing job id: %+v", resp.Outcome)
	}
}

func TestCreateHireUnknownOutcomeKeepsTxHash(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s, http.MethodPost, "/api/v1/hires", `{"members":[{"agent_id":"a","price":"77"}]}`, nil)
	var resp struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != hire.CodeJobStatusUnknown || resp.Error.Metadata[xerrors.MetaTxHash] != "0xfeed" {
		t.Fatalf("unexpected error body: %s", rec.Body)
	}
}

func TestResolveHire(t *testing.T) {
	s, h := newTestServer()
	_ = h.journal.Save(context.Background(), hire.Entry{
		HireID: "h-4", TxHash: "0xfeed", State: hire.StateFailed, Code: string(hire.CodeJobStatusUnknown),
	})

	rec := do(t, s, http.MethodPost, "/api/v1/hires/h-4/resolve", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status code: got %d body %s", rec.Code, rec.Body)
	}
	entries, _ := h.journal.Unresolved(context.Background())
	if len(entries) != 0 {
		t.Fatalf("entry still unresolved: %+v", entries)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/hires/h-missing/resolve", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCreateHireWithoutWallet(t *testing.T) {
	h := &stubHirer{journal: hire.NewMemoryJournal()}
	s := NewServer(":0", h, stubJobs{}, StaticSessions{})
	rec := do(t, s, http.MethodPost, "/api/v1/hires", `{"members":[{"agent_id":"a","price":"1"}]}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestBadAccountHeaderMeansNoSession(t *testing.T) {
	s, h := newTestServer()
	rec := do(t, s, http.MethodPost, "/api/v1/hires", `{"members":[{"agent_id":"a","price":"1"}]}`, map[string]string{AccountHeader: "nope"})
	if rec.Code != http.StatusUnauthorized || h.session != nil {
		t.Fatalf("expected unauthorized without session, got %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/api/v1/jobs?hirer="+account.Hex(), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var resp struct {
		IDs  []uint64         `json:"job_ids"`
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.IDs) != 2 || len(resp.Jobs) != 2 || resp.Jobs[0]["status"] != "pending" {
		t.Fatalf("unexpected listing: %s", rec.Body)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/jobs?hirer=xyz", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/api/v1/jobs/404", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusNotFound)
	}
	rec = do(t, s, http.MethodGet, "/api/v1/jobs/abc", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCancelJobRecovers(t *testing.T) {
	s, h := newTestServer()
	rec := do(t, s, http.MethodPost, "/api/v1/jobs/7/cancel", "", nil)
	if rec.Code != http.StatusOK || h.recovered != 7 {
		t.Fatalf("unexpected cancel result: %d recovered=%d", rec.Code, h.recovered)
	}
}

func TestUnresolvedAndMetrics(t *testing.T) {
	s, h := newTestServer()
	id := uint64(3)
	_ = h.journal.Save(context.Background(), hire.Entry{HireID: "h-9", JobID: &id, State: hire.StateFailed})

	rec := do(t, s, http.MethodGet, "/api/v1/hires/unresolved", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"hire_id":"h-9"`) {
		t.Fatalf("unexpected unresolved response: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(rec.Body.String(), `handler="GET /api/v1/hires/unresolved"`) {
		t.Fatalf("metrics missing route: %s", rec.Body)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(":0", &stubHirer{journal: hire.NewMemoryJournal()}, stubJobs{}, StaticSessions{}, WithAllowedOrigins([]string{"http://localhost:3000"}))
	rec := do(t, s, http.MethodOptions, "/api/v1/hires", "", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
