// Package escrowtest provides an in-memory ledger backend that executes the
// escrow contract and an ERC-20 token. Calldata is decoded with the real
// contract ABI so clients are exercised end to end without a node.
package escrowtest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"AgentEscrow-Chain/internal/escrow"
	"AgentEscrow-Chain/internal/ledger"
)

// GasPerCall is the gas every transaction consumes on the fake chain.
const GasPerCall = 90_000

type job struct {
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

// Chain is a single-node fake ledger. It satisfies ledger.Backend.
type Chain struct {
	Escrow common.Address
	Token  common.Address

	mu       sync.Mutex
	id       *big.Int
	escrow   abi.ABI
	erc20    abi.ABI
	jobs     map[uint64]*job
	nextID   uint64
	tokens   map[common.Address]*big.Int
	native   map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	txs      map[common.Hash]*types.Transaction
	replay   map[string]string
	block    uint64
	baseFee  *big.Int
	tip      *big.Int

	sendErr  error
	callErr  error
	held     map[string]bool
	failures map[string]string
	sends    map[string]int
}

var _ ledger.Backend = (*Chain)(nil)

// New creates an empty chain with id 1337.
func New() *Chain {
	return &Chain{
		id:       big.NewInt(1337),
		Escrow:   common.HexToAddress("0x00000000000000000000000000000000000e5c40"),
		Token:    common.HexToAddress("0x0000000000000000000000000000000000070c3e"),
		escrow:   escrow.ABI(),
		erc20:    ledger.ERC20(),
		jobs:     make(map[uint64]*job),
		nextID:   1,
		tokens:   make(map[common.Address]*big.Int),
		native:   make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		txs:      make(map[common.Hash]*types.Transaction),
		replay:   make(map[string]string),
		block:    1,
		baseFee:  big.NewInt(1_000_000_000),
		tip:      big.NewInt(1_000_000_000),
		held:     make(map[string]bool),
		failures: make(map[string]string),
		sends:    make(map[string]int),
	}
}

// Fund credits native coin used for fees.
func (c *Chain) Fund(account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[account] = new(big.Int).Add(c.balance(c.native, account), amount)
}

// Mint credits escrow tokens.
func (c *Chain) Mint(account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[account] = new(big.Int).Add(c.balance(c.tokens, account), amount)
}

// TokenBalanceOf returns the token balance of account.
func (c *Chain) TokenBalanceOf(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(c.tokens, account))
}

// NativeBalanceOf returns the native balance of account.
func (c *Chain) NativeBalanceOf(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(c.native, account))
}

// FailNextSend makes the next SendTransaction return err without accepting
// the transaction.
func (c *Chain) FailNextSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// FailCalls makes every eth_call return err until cleared with nil.
func (c *Chain) FailCalls(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callErr = err
}

// HoldReceipts accepts transactions calling method but never mines them.
func (c *Chain) HoldReceipts(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held[method] = true
}

// FailOnChain makes transactions calling method pass simulation but revert
// with reason when mined.
func (c *Chain) FailOnChain(method, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = reason
}

// Sends returns how many transactions calling method were accepted.
func (c *Chain) Sends(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends[method]
}

func (c *Chain) balance(m map[common.Address]*big.Int, a common.Address) *big.Int {
	if v, ok := m[a]; ok {
		return v
	}
	return new(big.Int)
}

// ChainID implements ledger.Backend.
func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.id), nil
}

// PendingNonceAt implements ledger.Backend.
func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

// BalanceAt implements ledger.Backend.
func (c *Chain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	return c.NativeBalanceOf(account), nil
}

// CallContract implements ledger.Backend. A non-nil block number replays a
// transaction that failed on chain.
func (c *Chain) CallContract(_ context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}
	if msg.To == nil {
		return nil, nil
	}
	if block != nil {
		if reason, ok := c.replay[replayKey(msg.From, msg.Data)]; ok {
			return nil, revert(reason)
		}
	}
	switch *msg.To {
	case c.Token:
		return c.callToken(msg.Data)
	case c.Escrow:
		ret, _, err := c.execute(msg.From, msg.Data, false)
		return ret, err
	default:
		return nil, nil
	}
}

// EstimateGas implements ledger.Backend.
func (c *Chain) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	if _, err := c.CallContract(ctx, msg, nil); err != nil {
		return 0, err
	}
	return GasPerCall, nil
}

// SuggestGasTipCap implements ledger.Backend.
func (c *Chain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.tip), nil
}

// HeaderByNumber implements ledger.Backend.
func (c *Chain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(c.block),
		BaseFee: new(big.Int).Set(c.baseFee),
		Time:    uint64(time.Now().Unix()),
	}, nil
}

// SendTransaction implements ledger.Backend. Accepted transactions are mined
// immediately unless their method is held.
func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendErr; err != nil {
		c.sendErr = nil
		return err
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.id), tx)
	if err != nil {
		return rpcError("invalid sender: " + err.Error())
	}
	if tx.Nonce() < c.nonces[from] {
		return rpcError("nonce too low")
	}
	if tx.Nonce() > c.nonces[from] {
		return rpcError("nonce too high")
	}
	maxCost := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasFeeCap())
	if c.balance(c.native, from).Cmp(maxCost) < 0 {
		return rpcError("insufficient funds for gas * price + value")
	}

	c.nonces[from]++
	c.txs[tx.Hash()] = tx
	method := c.methodName(tx.Data())
	c.sends[method]++
	if c.held[method] {
		return nil
	}

	price := new(big.Int).Add(c.baseFee, tx.GasTipCap())
	if price.Cmp(tx.GasFeeCap()) > 0 {
		price = tx.GasFeeCap()
	}
	fee := new(big.Int).Mul(big.NewInt(GasPerCall), price)
	c.native[from] = new(big.Int).Sub(c.balance(c.native, from), fee)

	c.block++
	receipt := &types.Receipt{
		Type:              tx.Type(),
		TxHash:            tx.Hash(),
		GasUsed:           GasPerCall,
		EffectiveGasPrice: price,
		BlockNumber:       new(big.Int).SetUint64(c.block),
		Status:            types.ReceiptStatusSuccessful,
	}

	if reason, ok := c.failures[method]; ok {
		receipt.Status = types.ReceiptStatusFailed
		c.replay[replayKey(from, tx.Data())] = reason
	} else if tx.To() != nil && *tx.To() == c.Escrow {
		_, logs, err := c.execute(from, tx.Data(), true)
		if err != nil {
			receipt.Status = types.ReceiptStatusFailed
			if re, ok := err.(*revertError); ok {
				c.replay[replayKey(from, tx.Data())] = re.reason
			}
		}
		for i, l := range logs {
			l.TxHash = tx.Hash()
			l.BlockNumber = c.block
			l.Index = uint(i)
			l.Address = c.Escrow
		}
		receipt.Logs = logs
	}
	c.receipts[tx.Hash()] = receipt
	return nil
}

// TransactionReceipt implements ledger.Backend.
func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, gethcore.NotFound
}

// TransactionByHash implements ledger.Backend.
func (c *Chain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok {
		return nil, false, gethcore.NotFound
	}
	_, mined := c.receipts[hash]
	return tx, !mined, nil
}

func (c *Chain) methodName(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	m, err := c.escrow.MethodById(data[:4])
	if err != nil {
		return ""
	}
	return m.Name
}

func (c *Chain) callToken(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, revert("invalid calldata")
	}
	m, err := c.erc20.MethodById(data[:4])
	if err != nil || m.Name != "balanceOf" {
		return nil, revert("unsupported token call")
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, revert("invalid calldata")
	}
	return m.Outputs.Pack(new(big.Int).Set(c.balance(c.tokens, args[0].(common.Address))))
}

// execute runs an escrow call. State changes and logs only happen when apply
// is set.
func (c *Chain) execute(from common.Address, data []byte, apply bool) ([]byte, []*types.Log, error) {
	if len(data) < 4 {
		return nil, nil, revert("invalid calldata")
	}
	m, err := c.escrow.MethodById(data[:4])
	if err != nil {
		return nil, nil, revert("unknown method")
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, revert("invalid calldata")
	}
	now := uint64(time.Now().Unix())

	switch m.Name {
	case "createJob":
		hirer, owner := args[0].(common.Address), args[1].(common.Address)
		agentID, amount := args[2].(string), args[3].(*big.Int)
		if from != hirer {
			return nil, nil, revert("Unauthorized")
		}
		if amount.Sign() <= 0 {
			return nil, nil, revert("Amount must be positive")
		}
		if c.balance(c.tokens, hirer).Cmp(amount) < 0 {
			return nil, nil, revert("Insufficient token balance")
		}
		id := c.nextID
		ret, err := m.Outputs.Pack(id)
		if err != nil || !apply {
			return ret, nil, err
		}
		c.nextID++
		c.move(hirer, c.Escrow, amount)
		c.jobs[id] = &job{Id: id, Hirer: hirer, AgentOwner: owner, AgentId: agentID, Amount: new(big.Int).Set(amount), CreatedAt: now}
		return ret, []*types.Log{c.event("JobCreated", id, hirer, owner, agentID, amount)}, nil

	case "completeJob":
		id, hash := args[0].(uint64), args[1].([32]byte)
		j, err := c.pending(id)
		if err != nil {
			return nil, nil, err
		}
		if from != j.Hirer {
			return nil, nil, revert("Only hirer can complete")
		}
		if !apply {
			return nil, nil, nil
		}
		c.move(c.Escrow, j.AgentOwner, j.Amount)
		j.Status, j.CompletedAt, j.ResultsHash = uint8(escrow.StatusCompleted), now, hash
		return nil, []*types.Log{c.event("JobCompleted", id, j.AgentOwner, j.Amount, hash)}, nil

	case "cancelJob":
		id := args[0].(uint64)
		j, err := c.pending(id)
		if err != nil {
			return nil, nil, err
		}
		if from != j.Hirer {
			return nil, nil, revert("Only hirer can cancel")
		}
		if !apply {
			return nil, nil, nil
		}
		c.move(c.Escrow, j.Hirer, j.Amount)
		j.Status, j.CompletedAt = uint8(escrow.StatusCancelled), now
		return nil, []*types.Log{c.event("JobCancelled", id, j.Hirer, j.Amount)}, nil

	case "disputeJob":
		caller, id := args[0].(common.Address), args[1].(uint64)
		if caller != from {
			return nil, nil, revert("Unauthorized")
		}
		j, err := c.pending(id)
		if err != nil {
			return nil, nil, err
		}
		if caller != j.Hirer && caller != j.AgentOwner {
			return nil, nil, revert("Only participants can dispute")
		}
		if !apply {
			return nil, nil, nil
		}
		j.Status = uint8(escrow.StatusDisputed)
		return nil, []*types.Log{c.event("DisputeInitiated", id)}, nil

	case "getJob":
		j, ok := c.jobs[args[0].(uint64)]
		if !ok {
			return nil, nil, revert("Job not found")
		}
		ret, err := m.Outputs.Pack(*j)
		return ret, nil, err

	case "getJobsByHirer", "getJobsByOwner":
		who := args[0].(common.Address)
		ids := []uint64{}
		for id := uint64(1); id < c.nextID; id++ {
			j := c.jobs[id]
			if (m.Name == "getJobsByHirer" && j.Hirer == who) || (m.Name == "getJobsByOwner" && j.AgentOwner == who) {
				ids = append(ids, id)
			}
		}
		ret, err := m.Outputs.Pack(ids)
		return ret, nil, err
	}
	return nil, nil, revert("unsupported method " + m.Name)
}

func (c *Chain) pending(id uint64) (*job, error) {
	j, ok := c.jobs[id]
	if !ok {
		return nil, revert("Job not found")
	}
	if j.Status != uint8(escrow.StatusPending) {
		return nil, revert("Job is not pending")
	}
	return j, nil
}

func (c *Chain) move(from, to common.Address, amount *big.Int) {
	c.tokens[from] = new(big.Int).Sub(c.balance(c.tokens, from), amount)
	c.tokens[to] = new(big.Int).Add(c.balance(c.tokens, to), amount)
}

func (c *Chain) event(name string, id uint64, fields ...any) *types.Log {
	ev := c.escrow.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(fields...)
	if err != nil {
		panic(fmt.Sprintf("pack %s: %v", name, err))
	}
	return &types.Log{
		Topics: []common.Hash{ev.ID, common.BigToHash(new(big.Int).SetUint64(id))},
		Data:   data,
	}
}

func replayKey(from common.Address, data []byte) string {
	return from.Hex() + hexutil.Encode(data)
}

type revertError struct {
	reason string
	data   string
}

func (e *revertError) Error() string          { return "execution reverted: " + e.reason }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return e.data }

var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

func revert(reason string) error {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(reason)
	return &revertError{reason: reason, data: hexutil.Encode(append(append([]byte{}, revertSelector...), packed...))}
}

type rpcError string

func (e rpcError) Error() string  { return string(e) }
func (e rpcError) ErrorCode() int { return -32000 }
