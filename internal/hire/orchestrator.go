package hire

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/escrow"
	"AgentEscrow-Chain/internal/execution"
	"AgentEscrow-Chain/internal/ledger"
	"AgentEscrow-Chain/internal/observability/alerting"
	"AgentEscrow-Chain/internal/observability/metrics"
	"AgentEscrow-Chain/internal/progress"
	"AgentEscrow-Chain/internal/signer"
	"AgentEscrow-Chain/pkg/logger"
)

// Escrow is the subset of the escrow client the workflow drives.
type Escrow interface {
	EstimateCreateJob(ctx context.Context, hirer *signer.Session, agentOwner common.Address, agentID string, amount *big.Int, token common.Address) (*big.Int, error)
	CreateJob(ctx context.Context, hirer *signer.Session, agentOwner common.Address, agentID string, amount *big.Int, token common.Address) (uint64, error)
	CompleteJob(ctx context.Context, jobID uint64, resultsHash [32]byte, token common.Address, s *signer.Session) error
	CancelJob(ctx context.Context, jobID uint64, token common.Address, s *signer.Session) error
	GetJob(ctx context.Context, jobID uint64) (*escrow.Job, error)
}

// Executor runs agents remotely.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Response, error)
	ExecuteBatch(ctx context.Context, reqs []execution.Request) (*execution.BatchResponse, error)
}

// Balances reads token and native balances.
type Balances interface {
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFeeReserve sets the amount kept aside for network fees during the
// balance check.
func WithFeeReserve(reserve *big.Int) Option {
	return func(o *Orchestrator) {
		if reserve != nil && reserve.Sign() >= 0 {
			o.feeReserve = new(big.Int).Set(reserve)
		}
	}
}

// WithUnitSymbol sets the display suffix used in messages.
func WithUnitSymbol(symbol string) Option {
	return func(o *Orchestrator) {
		if symbol != "" {
			o.symbol = symbol
		}
	}
}

// WithProgress sets the sink transitions are published to.
func WithProgress(sink progress.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithJournal sets where outcomes are recorded.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) {
		if j != nil {
			o.journal = j
		}
	}
}

// WithAlerts sets the dispatcher notified when escrow is left Pending.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator coordinates hires end to end.
type Orchestrator struct {
	escrow     Escrow
	exec       Executor
	balances   Balances
	token      common.Address
	feeReserve *big.Int
	symbol     string
	sink       progress.Sink
	journal    Journal
	alerts     alerting.Dispatcher
	now        func() time.Time
	log        *slog.Logger
}

// New creates an orchestrator paying in token.
func New(esc Escrow, exec Executor, balances Balances, token common.Address, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		escrow:     esc,
		exec:       exec,
		balances:   balances,
		token:      token,
		feeReserve: ledger.OneUnit(),
		symbol:     "XLM",
		sink:       progress.Nop,
		journal:    NewMemoryJournal(),
		now:        time.Now,
		log:        logger.Named("hire"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Journal returns the outcome journal.
func (o *Orchestrator) Journal() Journal {
	return o.journal
}

// Outcome is what a hire returns. On failure State is Failed and JobID is
// set when escrow was created.
type Outcome struct {
	HireID      string          `json:"hire_id"`
	State       State           `json:"state"`
	JobID       *uint64         `json:"job_id,omitempty"`
	Amount      string          `json:"amount,omitempty"`
	Members     []MemberOutcome `json:"members,omitempty"`
	ResultsHash *common.Hash    `json:"results_hash,omitempty"`
}

// Successes counts successful members.
func (o *Outcome) Successes() int {
	n := 0
	for _, m := range o.Members {
		if m.Succeeded() {
			n++
		}
	}
	return n
}

// Failures counts failed members.
func (o *Outcome) Failures() int {
	return len(o.Members) - o.Successes()
}

// Hire runs one workflow. The returned outcome is never nil; on failure it
// carries the state reached and the job id if escrow was created.
func (o *Orchestrator) Hire(ctx context.Context, s *signer.Session, req Request) (*Outcome, error) {
	r := o.newRun(req)
	out, err := r.execute(ctx, s)
	if err != nil {
		err = r.fail(ctx, err)
		return r.outcome(), err
	}
	return out, nil
}

type run struct {
	o       *Orchestrator
	req     Request
	id      string
	state   State
	entered time.Time
	started time.Time
	hirer   common.Address
	amount  *big.Int
	jobID   *uint64
	txHash  string
	members []MemberOutcome
	hash    *common.Hash
	log     *slog.Logger
}

func (o *Orchestrator) newRun(req Request) *run {
	now := o.now()
	id := uuid.NewString()
	return &run{
		o:       o,
		req:     req,
		id:      id,
		state:   StateIdle,
		entered: now,
		started: now,
		log:     o.log.With("hire_id", id),
	}
}

func (r *run) execute(ctx context.Context, s *signer.Session) (*Outcome, error) {
	// 1. 钱包
	r.advance(ctx, StateCheckingWallet, "")
	if !s.Connected() {
		return nil, xerrors.New(CodeWalletNotConnected, "未连接钱包")
	}
	r.hirer = s.Address

	// 2. 余额与请求校验
	r.advance(ctx, StateCheckingBalance, "")
	if err := r.req.validate(); err != nil {
		return nil, err
	}
	amount, err := r.req.TotalCost()
	if err != nil {
		return nil, err
	}
	r.amount = amount
	requests, err := r.req.executionRequests()
	if err != nil {
		return nil, err
	}
	if err := r.checkBalance(ctx, amount); err != nil {
		return nil, err
	}
	if err := r.checkFees(ctx, s, amount); err != nil {
		return nil, err
	}

	// 3. 创建托管作业，每个流程最多一次
	r.advance(ctx, StateCreatingJob, ledger.Format(amount, r.o.symbol))
	jobID, err := r.o.escrow.CreateJob(ctx, s, r.req.Payee(s.Address), r.req.AgentID(), amount, r.o.token)
	if err != nil {
		if xerrors.CategoryOf(err) == xerrors.CategoryAmbiguous {
			opts := []xerrors.Option{xerrors.WithMetadata(xerrors.MetaRecovery, hintCheckJobs)}
			if hash := xerrors.MetadataOf(err, xerrors.MetaTxHash); hash != "" {
				r.txHash = hash
				opts = append(opts, xerrors.WithMetadata(xerrors.MetaTxHash, hash))
			}
			return nil, xerrors.Wrap(CodeJobStatusUnknown, err, "创建作业结果未知", opts...)
		}
		return nil, err
	}
	r.jobID = &jobID
	r.save(ctx, nil)

	// 4. 执行
	r.advance(ctx, StateExecuting, "")
	members, err := r.runAgents(ctx, requests)
	if err != nil {
		return nil, r.stranded(CodeExecutionFailed, err, "调用执行服务失败")
	}
	r.members = members

	// 5. 放款
	r.advance(ctx, StateReleasingPayment, "")
	hash, err := ResultsHash(members)
	if err != nil {
		return nil, r.stranded(CodePaymentReleaseFailed, err, "计算结果哈希失败")
	}
	h := common.Hash(hash)
	r.hash = &h
	if err := r.o.escrow.CompleteJob(ctx, jobID, hash, r.o.token, s); err != nil {
		return nil, r.stranded(CodePaymentReleaseFailed, err, "放款失败")
	}

	// 6. 完成
	r.advance(ctx, StateDone, fmt.Sprintf("%d 成功, %d 失败", countSuccess(members), len(members)-countSuccess(members)))
	r.save(ctx, nil)
	metrics.ObserveHireOutcome(string(StateDone), "")
	return r.outcome(), nil
}

func (r *run) checkBalance(ctx context.Context, amount *big.Int) error {
	needed := new(big.Int).Add(amount, r.o.feeReserve)
	have, err := r.o.balances.TokenBalance(ctx, r.o.token, r.hirer)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(ledger.CodeLedgerUnavailable, err, "查询余额失败")
	}
	if have.Cmp(needed) < 0 {
		return xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("余额不足: 需要 %s，当前 %s", ledger.Format(needed, r.o.symbol), ledger.Format(have, r.o.symbol)),
			xerrors.WithMetadata(MetaNeeded, ledger.FromAtomic(needed)),
			xerrors.WithMetadata(MetaHave, ledger.FromAtomic(have)),
			xerrors.WithMetadata(xerrors.MetaAccount, r.hirer.Hex()))
	}
	return nil
}

// checkFees requires native coin for the createJob fee plus a completeJob at
// the same fee. The token reserve in checkBalance does not cover gas.
func (r *run) checkFees(ctx context.Context, s *signer.Session, amount *big.Int) error {
	fee, err := r.o.escrow.EstimateCreateJob(ctx, s, r.req.Payee(s.Address), r.req.AgentID(), amount, r.o.token)
	if err != nil {
		return err
	}
	needed := new(big.Int).Mul(fee, big.NewInt(2))
	have, err := r.o.balances.NativeBalance(ctx, r.hirer)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(ledger.CodeLedgerUnavailable, err, "查询手续费余额失败")
	}
	if have.Cmp(needed) < 0 {
		return xerrors.New(CodeInsufficientFee,
			fmt.Sprintf("手续费余额不足: 需要 %s wei，当前 %s wei", needed, have),
			xerrors.WithMetadata(MetaNeeded, needed.String()),
			xerrors.WithMetadata(MetaHave, have.String()),
			xerrors.WithMetadata(xerrors.MetaAccount, r.hirer.Hex()))
	}
	return nil
}

// runAgents uses the single endpoint for one member and the batch endpoint
// otherwise. Only transport or service failures return an error.
func (r *run) runAgents(ctx context.Context, requests []execution.Request) ([]MemberOutcome, error) {
	if len(requests) == 1 {
		resp, err := r.o.exec.Execute(ctx, requests[0])
		if err != nil {
			return nil, err
		}
		return []MemberOutcome{fromResponse(requests[0].AgentID, *resp)}, nil
	}
	resp, err := r.o.exec.ExecuteBatch(ctx, requests)
	if err != nil {
		return nil, err
	}
	return collectBatch(r.req.Members, resp), nil
}

// stranded wraps a failure that leaves the job Pending in escrow.
func (r *run) stranded(code xerrors.Code, err error, message string) error {
	opts := []xerrors.Option{
		xerrors.WithMetadata(xerrors.MetaJobID, strconv.FormatUint(*r.jobID, 10)),
		xerrors.WithMetadata(xerrors.MetaRecovery, hintRecover),
	}
	// 确认超时等歧义错误保留其分类，调用方据此决定是否先核对链上状态。
	if cat := xerrors.CategoryOf(err); cat == xerrors.CategoryAmbiguous || cat == xerrors.CategoryAuthoritative {
		opts = append(opts, xerrors.WithCategory(cat))
	}
	return xerrors.Wrap(code, err, fmt.Sprintf("%s，作业 %d 的资金仍在托管中", message, *r.jobID), opts...)
}

func (r *run) advance(ctx context.Context, next State, message string) {
	if !allowed(r.state, next) {
		r.log.Error("非法的状态迁移", "from", r.state, "to", next)
		return
	}
	now := r.o.now()
	metrics.ObserveHireStep(string(r.state), now.Sub(r.entered))
	r.state = next
	r.entered = now
	r.publish(ctx, progress.Event{HireID: r.id, State: string(next), JobID: r.jobID, Message: message, At: now})
}

func (r *run) fail(ctx context.Context, err error) error {
	if r.state == StateFailed {
		return err
	}
	if r.jobID != nil && xerrors.MetadataOf(err, xerrors.MetaJobID) == "" {
		err = xerrors.Annotate(err, xerrors.MetaJobID, strconv.FormatUint(*r.jobID, 10))
	}
	err = xerrors.Annotate(err, xerrors.MetaHireID, r.id)

	from := r.state
	now := r.o.now()
	metrics.ObserveHireStep(string(from), now.Sub(r.entered))
	r.state = StateFailed
	r.entered = now
	code := xerrors.CodeOf(err)
	r.publish(ctx, progress.Event{HireID: r.id, State: string(StateFailed), JobID: r.jobID, Code: string(code), Message: err.Error(), At: now})
	r.save(ctx, err)
	metrics.ObserveHireOutcome(string(StateFailed), string(code))

	r.log.Warn("雇佣流程失败", "from", from, "code", code, "error", err)
	if (r.jobID != nil && from.fundsAtRisk()) || code == CodeJobStatusUnknown {
		r.alertStranded(ctx, err)
	}
	return err
}

// alertStranded reports escrow that is, or may be, left Pending.
func (r *run) alertStranded(ctx context.Context, err error) {
	attrs := []any{"hire_id", r.id, "hirer", r.hirer.Hex(), "code", string(xerrors.CodeOf(err))}
	if r.jobID != nil {
		attrs = append(attrs, "job_id", *r.jobID)
	}
	if r.txHash != "" {
		attrs = append(attrs, "tx_hash", r.txHash)
	}
	logger.Audit().Error("escrow left pending", attrs...)
	if r.o.alerts == nil {
		return
	}
	// 告警不应受调用方取消影响。
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if aerr := r.o.alerts.Notify(alertCtx, alerting.EventFromError(err, r.id)); aerr != nil {
		r.log.Warn("发送告警失败", "error", aerr)
	}
}

func (r *run) publish(ctx context.Context, ev progress.Event) {
	if err := r.o.sink.Publish(ctx, ev); err != nil {
		r.log.Warn("发布进度事件失败", "state", ev.State, "error", err)
	}
}

func (r *run) save(ctx context.Context, cause error) {
	entry := Entry{
		HireID:    r.id,
		Hirer:     r.hirer.Hex(),
		AgentID:   r.req.AgentID(),
		JobID:     r.jobID,
		TxHash:    r.txHash,
		State:     r.state,
		StartedAt: r.started,
		UpdatedAt: r.o.now(),
	}
	if r.amount != nil {
		entry.Amount = ledger.FromAtomic(r.amount)
	}
	if cause != nil {
		entry.Code = string(xerrors.CodeOf(cause))
		entry.Message = cause.Error()
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.o.journal.Save(saveCtx, entry); err != nil {
		r.log.Error("写入雇佣日志失败", "error", err)
	}
}

func (r *run) outcome() *Outcome {
	out := &Outcome{
		HireID:      r.id,
		State:       r.state,
		JobID:       r.jobID,
		Members:     r.members,
		ResultsHash: r.hash,
	}
	if r.amount != nil {
		out.Amount = ledger.Format(r.amount, r.o.symbol)
	}
	return out
}

func countSuccess(members []MemberOutcome) int {
	n := 0
	for _, m := range members {
		if m.Succeeded() {
			n++
		}
	}
	return n
}

// Recover cancels a job left Pending after a failed hire, refunding the
// hirer. A job that already reached a terminal status is only marked
// resolved in the journal.
func (o *Orchestrator) Recover(ctx context.Context, s *signer.Session, jobID uint64) (*escrow.Job, error) {
	if !s.Connected() {
		return nil, xerrors.New(CodeWalletNotConnected, "未连接钱包")
	}
	job, err := o.escrow.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log := o.log.With("job_id", jobID, "status", job.Status.String())
	if job.Status.Terminal() {
		log.Info("作业已处于终态，无需恢复")
		return job, o.resolve(ctx, jobID)
	}
	if job.Status != escrow.StatusPending {
		return job, xerrors.New(escrow.CodeJobNotPending, "作业处于争议中，需在合约内解决",
			xerrors.WithMetadata(xerrors.MetaJobID, strconv.FormatUint(jobID, 10)))
	}
	if err := o.escrow.CancelJob(ctx, jobID, o.token, s); err != nil {
		if xerrors.CodeOf(err) == escrow.CodeJobNotPending {
			if latest, gerr := o.escrow.GetJob(ctx, jobID); gerr == nil && latest.Status.Terminal() {
				return latest, o.resolve(ctx, jobID)
			}
		}
		return job, err
	}
	log.Info("作业已取消，资金退回雇主")
	latest, err := o.escrow.GetJob(ctx, jobID)
	if err != nil {
		return job, o.resolve(ctx, jobID)
	}
	return latest, o.resolve(ctx, jobID)
}

func (o *Orchestrator) resolve(ctx context.Context, jobID uint64) error {
	if err := o.journal.MarkResolved(ctx, jobID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新雇佣日志失败")
	}
	return nil
}
