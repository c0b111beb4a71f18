package escrow

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/ledger"
	"AgentEscrow-Chain/internal/ledger/confirm"
	"AgentEscrow-Chain/internal/signer"
	"AgentEscrow-Chain/pkg/logger"
)

// DefaultConfirmTimeout bounds each write's confirmation wait.
const DefaultConfirmTimeout = 60 * time.Second

// Ledger is the transaction pipeline the client drives.
type Ledger interface {
	BuildTransaction(ctx context.Context, source common.Address, call ledger.Call) (*ledger.UnsignedTx, error)
	Simulate(ctx context.Context, tx *ledger.UnsignedTx) (*ledger.SimulationResult, error)
	Submit(ctx context.Context, signed ledger.SignedTx) (common.Hash, error)
	Call(ctx context.Context, from common.Address, call ledger.Call) ([]byte, error)
}

// Waiter resolves submitted transactions.
type Waiter interface {
	Await(ctx context.Context, hash common.Hash, timeout time.Duration, account *common.Address) (*confirm.Result, error)
}

// Option configures a Client.
type Option func(*Client)

// WithConfirmTimeout overrides the confirmation wait.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAccountStream passes the signing account to the waiter so a
// transaction stream can shorten confirmation.
func WithAccountStream(enabled bool) Option {
	return func(c *Client) {
		c.streamAccount = enabled
	}
}

// Client exposes escrow job lifecycle operations. Each write runs
// build, simulate, sign, submit and confirm as one call.
type Client struct {
	ledger        Ledger
	waiter        Waiter
	contract      common.Address
	abi           abi.ABI
	timeout       time.Duration
	streamAccount bool
}

// NewClient creates a client for the escrow contract at address.
func NewClient(l Ledger, w Waiter, contract common.Address, opts ...Option) *Client {
	c := &Client{
		ledger:   l,
		waiter:   w,
		contract: contract,
		abi:      contractABI,
		timeout:  DefaultConfirmTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Contract returns the escrow contract address.
func (c *Client) Contract() common.Address {
	return c.contract
}

// CreateJob moves amount from the hirer into escrow and returns the job id
// assigned by the contract. Any failure after submission is ambiguous and
// must not be retried blindly.
func (c *Client) CreateJob(ctx context.Context, hirer *signer.Session, agentOwner common.Address, agentID string, amount *big.Int, token common.Address) (uint64, error) {
	if !hirer.Connected() {
		return 0, errNoSession()
	}
	res, err := c.write(ctx, hirer, "createJob", hirer.Address, agentOwner, agentID, amount, token)
	if err != nil {
		return 0, err
	}
	id, ok := c.createdJobID(res.Receipt)
	if !ok {
		return 0, xerrors.New(CodeMalformedResult, "交易成功但未找到 JobCreated 事件",
			xerrors.WithMetadata(xerrors.MetaTxHash, res.Receipt.TxHash.Hex()))
	}
	logger.Audit().Info("escrow job created",
		"job_id", id,
		"hirer", hirer.Address.Hex(),
		"agent_owner", agentOwner.Hex(),
		"agent_id", agentID,
		"amount", ledger.FromAtomic(amount),
		"tx_hash", res.Receipt.TxHash.Hex())
	return id, nil
}

// EstimateCreateJob dry-runs createJob and returns the most it can charge in
// network fees, in the native coin. Nothing is signed or submitted.
func (c *Client) EstimateCreateJob(ctx context.Context, hirer *signer.Session, agentOwner common.Address, agentID string, amount *big.Int, token common.Address) (*big.Int, error) {
	if !hirer.Connected() {
		return nil, errNoSession()
	}
	data, err := c.abi.Pack("createJob", hirer.Address, agentOwner, agentID, amount, token)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}
	tx, err := c.ledger.BuildTransaction(ctx, hirer.Address, ledger.Call{To: c.contract, Data: data, Method: "createJob"})
	if err != nil {
		return nil, err
	}
	sim, err := c.ledger.Simulate(ctx, tx)
	if err != nil {
		return nil, classifyRevert(err)
	}
	return sim.MaxFee(), nil
}

// CompleteJob releases escrow to the agent owner. The contract requires the
// job to be Pending; a violation is reported as JobNotPending and must not
// be retried.
func (c *Client) CompleteJob(ctx context.Context, jobID uint64, resultsHash [32]byte, token common.Address, s *signer.Session) error {
	res, err := c.write(ctx, s, "completeJob", jobID, resultsHash, token)
	if err != nil {
		return withJob(err, jobID)
	}
	logger.Audit().Info("escrow job completed",
		"job_id", jobID,
		"results_hash", common.Hash(resultsHash).Hex(),
		"tx_hash", res.Receipt.TxHash.Hex())
	return nil
}

// CancelJob refunds a Pending job to the hirer.
func (c *Client) CancelJob(ctx context.Context, jobID uint64, token common.Address, s *signer.Session) error {
	res, err := c.write(ctx, s, "cancelJob", jobID, token)
	if err != nil {
		return withJob(err, jobID)
	}
	logger.Audit().Info("escrow job cancelled", "job_id", jobID, "tx_hash", res.Receipt.TxHash.Hex())
	return nil
}

// DisputeJob flags a Pending job as disputed. Resolution happens inside the
// contract.
func (c *Client) DisputeJob(ctx context.Context, jobID uint64, s *signer.Session) error {
	if !s.Connected() {
		return errNoSession()
	}
	res, err := c.write(ctx, s, "disputeJob", s.Address, jobID)
	if err != nil {
		return withJob(err, jobID)
	}
	logger.Audit().Info("escrow job disputed", "job_id", jobID, "tx_hash", res.Receipt.TxHash.Hex())
	return nil
}

// GetJob reads a job through a dry run from the zero account.
func (c *Client) GetJob(ctx context.Context, jobID uint64) (*Job, error) {
	out, err := c.read(ctx, "getJob", jobID)
	if err != nil {
		return nil, withJob(err, jobID)
	}
	values, err := c.abi.Unpack("getJob", out)
	if err != nil || len(values) != 1 {
		return nil, xerrors.Wrap(CodeMalformedResult, err, "解析 getJob 返回值失败", xerrors.WithCategory(xerrors.CategoryInternal))
	}
	tuple, ok := abi.ConvertType(values[0], new(jobTuple)).(*jobTuple)
	if !ok {
		return nil, xerrors.New(CodeMalformedResult, "getJob 返回类型异常", xerrors.WithCategory(xerrors.CategoryInternal))
	}
	return tuple.job(), nil
}

// GetJobsByHirer lists job ids created by a hirer. Listing is advisory, so
// any error degrades to an empty list.
func (c *Client) GetJobsByHirer(ctx context.Context, hirer common.Address) []uint64 {
	return c.listJobs(ctx, "getJobsByHirer", hirer)
}

// GetJobsByOwner lists job ids payable to an agent owner, degrading to an
// empty list on error.
func (c *Client) GetJobsByOwner(ctx context.Context, owner common.Address) []uint64 {
	return c.listJobs(ctx, "getJobsByOwner", owner)
}

func (c *Client) listJobs(ctx context.Context, method string, addr common.Address) []uint64 {
	log := logger.Named("escrow").With("method", method, "account", addr.Hex())
	out, err := c.read(ctx, method, addr)
	if err != nil {
		log.Warn("查询作业列表失败，返回空列表", "error", err)
		return []uint64{}
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil || len(values) != 1 {
		log.Warn("解析作业列表失败，返回空列表", "error", err)
		return []uint64{}
	}
	ids, ok := values[0].([]uint64)
	if !ok {
		log.Warn("作业列表类型异常，返回空列表")
		return []uint64{}
	}
	return ids
}

func (c *Client) read(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}
	out, err := c.ledger.Call(ctx, common.Address{}, ledger.Call{To: c.contract, Data: data, Method: method})
	if err != nil {
		return nil, classifyRevert(err)
	}
	return out, nil
}

// write runs build, simulate, sign, submit and confirm. Simulation failures
// short-circuit before the signer is asked.
func (c *Client) write(ctx context.Context, s *signer.Session, method string, args ...any) (*confirm.Result, error) {
	if !s.Connected() {
		return nil, errNoSession()
	}
	log := logger.Named("escrow").With("method", method, "account", s.Address.Hex())

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}
	tx, err := c.ledger.BuildTransaction(ctx, s.Address, ledger.Call{To: c.contract, Data: data, Method: method})
	if err != nil {
		return nil, err
	}
	sim, err := c.ledger.Simulate(ctx, tx)
	if err != nil {
		return nil, classifyRevert(err)
	}
	payload, err := tx.Transaction()
	if err != nil {
		return nil, err
	}
	signed, err := s.Signer.SignTransaction(ctx, payload, tx.ChainID, s.Address)
	if err != nil {
		return nil, err
	}
	hash, err := c.ledger.Submit(ctx, ledger.SignedTx{Tx: signed, ValidUntil: tx.ValidUntil})
	if err != nil {
		return nil, err
	}
	log.Info("交易已提交，等待确认", "tx_hash", hash.Hex(), "gas_limit", sim.GasLimit)

	var account *common.Address
	if c.streamAccount {
		a := s.Address
		account = &a
	}
	res, err := c.waiter.Await(ctx, hash, c.timeout, account)
	if err != nil {
		return nil, err
	}
	if res.Outcome != confirm.Success {
		code, ok := reasonCode(res.Reason)
		if !ok || code == CodeJobNotFound {
			code = CodeTransactionFailed
		}
		return nil, xerrors.New(code, "交易执行失败: "+res.Reason,
			xerrors.WithMetadata(xerrors.MetaTxHash, hash.Hex()),
			xerrors.WithMetadata(xerrors.MetaReason, res.Reason),
			xerrors.WithCategory(xerrors.CategoryAuthoritative))
	}
	return res, nil
}

func (c *Client) createdJobID(receipt *types.Receipt) (uint64, bool) {
	if receipt == nil {
		return 0, false
	}
	topic := c.abi.Events["JobCreated"].ID
	for _, l := range receipt.Logs {
		if l == nil || l.Address != c.contract || len(l.Topics) < 2 || l.Topics[0] != topic {
			continue
		}
		id := new(big.Int).SetBytes(l.Topics[1].Bytes())
		if !id.IsUint64() {
			return 0, false
		}
		return id.Uint64(), true
	}
	return 0, false
}

// classifyRevert maps contract revert reasons onto escrow codes.
func classifyRevert(err error) error {
	if xerrors.CodeOf(err) != ledger.CodeSimulationFailed {
		return err
	}
	reason := ledger.ReasonOf(err)
	code, ok := reasonCode(reason)
	if !ok {
		return err
	}
	return xerrors.Wrap(code, err, reason, xerrors.WithMetadata(xerrors.MetaReason, reason))
}

func withJob(err error, jobID uint64) error {
	if xerrors.MetadataOf(err, xerrors.MetaJobID) != "" {
		return err
	}
	return xerrors.Annotate(err, xerrors.MetaJobID, strconv.FormatUint(jobID, 10))
}

func errNoSession() error {
	return xerrors.New(signer.CodeSignerUnavailable, "未连接钱包")
}
