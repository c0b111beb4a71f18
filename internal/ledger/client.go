package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/pkg/logger"
)

// ValidityWindow is how long a built transaction may be submitted.
const ValidityWindow = 300 * time.Second

// gasHeadroomPercent is added on top of the simulated gas estimate.
const gasHeadroomPercent = 20

// Backend is the subset of the JSON-RPC surface the client needs.
// *ethclient.Client and the simulated backend's client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Call is one contract invocation carried by a transaction.
type Call struct {
	To     common.Address
	Data   []byte
	Value  *big.Int
	Method string
}

// UnsignedTx is a built but unsigned transaction. Simulate fills the gas and
// fee fields; Transaction refuses to assemble before that.
type UnsignedTx struct {
	From       common.Address
	Call       Call
	Nonce      uint64
	ChainID    *big.Int
	ValidUntil time.Time

	Gas       uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	simulated bool
}

// Transaction assembles the EIP-1559 payload handed to a signer.
func (u *UnsignedTx) Transaction() (*types.Transaction, error) {
	if u == nil || !u.simulated {
		return nil, xerrors.New(CodeTransactionNotReady, "")
	}
	to := u.Call.To
	value := u.Call.Value
	if value == nil {
		value = new(big.Int)
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).Set(u.ChainID),
		Nonce:     u.Nonce,
		GasTipCap: new(big.Int).Set(u.GasTipCap),
		GasFeeCap: new(big.Int).Set(u.GasFeeCap),
		Gas:       u.Gas,
		To:        &to,
		Value:     new(big.Int).Set(value),
		Data:      common.CopyBytes(u.Call.Data),
	}), nil
}

// SimulationResult is the predicted outcome and resource cost of a transaction.
type SimulationResult struct {
	ReturnData []byte
	GasUsed    uint64
	GasLimit   uint64
	GasTipCap  *big.Int
	GasFeeCap  *big.Int
}

// MaxFee is the upper bound of the network fee the transaction may pay.
func (s *SimulationResult) MaxFee() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(s.GasLimit), s.GasFeeCap)
}

// SignedTx couples a signed transaction with its validity deadline.
type SignedTx struct {
	Tx         *types.Transaction
	ValidUntil time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client translates logical contract calls into submitted ledger transactions.
type Client struct {
	backend Backend
	closer  func()
	now     func() time.Time

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient wraps an already connected backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{backend: backend, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Dial connects to the network's RPC endpoint.
func Dial(ctx context.Context, def NetworkDefinition, opts ...Option) (*Client, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置账本 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接账本节点失败: %w", err)
	}
	c := NewClient(eth, opts...)
	c.closer = eth.Close
	if def.ChainID > 0 {
		c.chainID = big.NewInt(def.ChainID)
	}
	return c, nil
}

// Close releases the connection opened by Dial.
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}

// Backend exposes the underlying RPC backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// ChainID returns the network id, cached after the first lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeLedgerUnavailable, err, "获取链 ID 失败")
	}
	c.chainID = new(big.Int).Set(id)
	return id, nil
}

// BuildTransaction fetches the source account's sequence state and prepares a
// transaction valid for ValidityWindow.
func (c *Client) BuildTransaction(ctx context.Context, source common.Address, call Call) (*UnsignedTx, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, source)
	if err != nil {
		return nil, xerrors.Wrap(CodeLedgerUnavailable, err, "查询账户序列号失败", xerrors.WithMetadata(xerrors.MetaAccount, source.Hex()))
	}
	if nonce == 0 {
		balance, err := c.backend.BalanceAt(ctx, source, nil)
		if err != nil {
			return nil, xerrors.Wrap(CodeLedgerUnavailable, err, "查询账户余额失败", xerrors.WithMetadata(xerrors.MetaAccount, source.Hex()))
		}
		if balance.Sign() == 0 {
			return nil, xerrors.New(CodeAccountUnavailable, "账户从未注资", xerrors.WithMetadata(xerrors.MetaAccount, source.Hex()))
		}
	}
	return &UnsignedTx{
		From:       source,
		Call:       call,
		Nonce:      nonce,
		ChainID:    chainID,
		ValidUntil: c.now().Add(ValidityWindow),
	}, nil
}

// Simulate dry-runs the transaction and fills its gas limit and fee caps. A
// revert is reported as SimulationFailed with the decoded reason.
func (c *Client) Simulate(ctx context.Context, tx *UnsignedTx) (*SimulationResult, error) {
	msg := callMsg(tx.From, tx.Call)
	ret, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, c.simulationError(tx.Call, err)
	}
	gasUsed, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, c.simulationError(tx.Call, err)
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeLedgerUnavailable, err, "获取小费建议失败")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeLedgerUnavailable, err, "获取最新区块头失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	limit := gasUsed + gasUsed*gasHeadroomPercent/100
	tx.Gas = limit
	tx.GasTipCap = tip
	tx.GasFeeCap = feeCap
	tx.simulated = true

	return &SimulationResult{
		ReturnData: ret,
		GasUsed:    gasUsed,
		GasLimit:   limit,
		GasTipCap:  new(big.Int).Set(tip),
		GasFeeCap:  new(big.Int).Set(feeCap),
	}, nil
}

func (c *Client) simulationError(call Call, err error) error {
	if reason, ok := RevertReason(err); ok {
		return xerrors.Wrap(CodeSimulationFailed, err, "模拟执行回滚: "+reason,
			xerrors.WithMetadata(xerrors.MetaReason, reason),
			xerrors.WithMetadata("method", call.Method))
	}
	if IsTransient(err) {
		return xerrors.Wrap(CodeLedgerUnavailable, err, "模拟执行失败")
	}
	return xerrors.Wrap(CodeSimulationFailed, err, "模拟执行失败",
		xerrors.WithMetadata(xerrors.MetaReason, err.Error()),
		xerrors.WithMetadata("method", call.Method))
}

// Submit broadcasts a signed transaction. An outright network rejection is
// SubmissionRejected; a transport failure leaves the outcome unknown.
func (c *Client) Submit(ctx context.Context, signed SignedTx) (common.Hash, error) {
	if signed.Tx == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "签名交易为空")
	}
	hash := signed.Tx.Hash()
	if !signed.ValidUntil.IsZero() && c.now().After(signed.ValidUntil) {
		return common.Hash{}, xerrors.New(CodeSubmissionRejected, "交易已超出有效期",
			xerrors.WithMetadata(xerrors.MetaTxHash, hash.Hex()))
	}

	err := c.backend.SendTransaction(ctx, signed.Tx)
	switch {
	case err == nil:
	case isAlreadyKnown(err):
		logger.Named("ledger").Info("交易已在交易池中", "tx_hash", hash.Hex())
	case isRejection(err):
		return common.Hash{}, xerrors.Wrap(CodeSubmissionRejected, err, "节点拒绝交易",
			xerrors.WithMetadata(xerrors.MetaTxHash, hash.Hex()),
			xerrors.WithMetadata(xerrors.MetaReason, err.Error()))
	default:
		return hash, xerrors.Wrap(CodeSubmissionUnknown, err, "提交交易结果未知",
			xerrors.WithMetadata(xerrors.MetaTxHash, hash.Hex()))
	}

	logger.Audit().Info("ledger transaction submitted",
		"tx_hash", hash.Hex(),
		"nonce", signed.Tx.Nonce(),
		"to", addressOrEmpty(signed.Tx.To()))
	return hash, nil
}

// Call performs a read-only dry run against the latest state.
func (c *Client) Call(ctx context.Context, from common.Address, call Call) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, callMsg(from, call), nil)
	if err != nil {
		return nil, c.simulationError(call, err)
	}
	return out, nil
}

// Receipt returns the receipt of a final transaction. found is false while
// the network has not included it yet.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (receipt *types.Receipt, found bool, err error) {
	receipt, err = c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return receipt, receipt != nil, nil
}

// ReplayFailure recovers the revert reason of a failed transaction by
// replaying its call against the state before the including block.
func (c *Client) ReplayFailure(ctx context.Context, receipt *types.Receipt) string {
	const fallback = "transaction reverted"
	if receipt == nil {
		return fallback
	}
	tx, _, err := c.backend.TransactionByHash(ctx, receipt.TxHash)
	if err != nil || tx == nil || tx.To() == nil {
		return fallback
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return fallback
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return fallback
	}

	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	msg := gethcore.CallMsg{From: from, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	if _, err := c.backend.CallContract(ctx, msg, block); err != nil {
		if reason, ok := RevertReason(err); ok {
			return reason
		}
	}
	return fallback
}

// NativeBalance returns the account's balance of the chain's native coin.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeLedgerUnavailable, err, "查询余额失败", xerrors.WithMetadata(xerrors.MetaAccount, account.Hex()))
	}
	return balance, nil
}

// TokenBalance reads the ERC-20 balanceOf view for the account.
func (c *Client) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := erc20.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := c.Call(ctx, account, Call{To: token, Data: data, Method: "balanceOf"})
	if err != nil {
		return nil, err
	}
	values, err := erc20.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, xerrors.Wrap(CodeLedgerUnavailable, err, "解析 balanceOf 结果失败")
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(CodeLedgerUnavailable, "balanceOf 返回类型异常")
	}
	return balance, nil
}

// ERC20ABI is the fragment of the token interface read by the client.
const ERC20ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var erc20 = mustParseABI(ERC20ABI)

// ERC20 returns the parsed token ABI.
func ERC20() abi.ABI {
	return erc20
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

func callMsg(from common.Address, call Call) gethcore.CallMsg {
	to := call.To
	return gethcore.CallMsg{From: from, To: &to, Value: call.Value, Data: call.Data}
}

func addressOrEmpty(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}
