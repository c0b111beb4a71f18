package stream

import (
	"context"
	"fmt"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"AgentEscrow-Chain/pkg/logger"
)

// HeadSource delivers new chain heads.
type HeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (gethcore.Subscription, error)
}

// BlockReader returns the transactions included in a block.
type BlockReader interface {
	TransactionsInBlock(ctx context.Context, blockHash common.Hash) ([]*types.Transaction, error)
}

// HeadStream watches new heads over a websocket connection and emits the
// hashes of transactions sent by the subscribed account.
type HeadStream struct {
	heads  HeadSource
	blocks BlockReader
	signer types.Signer
}

// NewHeadStream builds a stream from explicit sources.
func NewHeadStream(heads HeadSource, blocks BlockReader, chainID *big.Int) *HeadStream {
	return &HeadStream{heads: heads, blocks: blocks, signer: types.LatestSignerForChainID(chainID)}
}

// DialHeadStream connects to a websocket endpoint. The returned close func
// releases the connection.
func DialHeadStream(ctx context.Context, wsURL string, chainID *big.Int) (*HeadStream, func(), error) {
	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, nil, fmt.Errorf("连接区块推送节点失败: %w", err)
	}
	return NewHeadStream(client, ethBlocks{client}, chainID), client.Close, nil
}

type ethBlocks struct {
	client *ethclient.Client
}

func (b ethBlocks) TransactionsInBlock(ctx context.Context, blockHash common.Hash) ([]*types.Transaction, error) {
	block, err := b.client.BlockByHash(ctx, blockHash)
	if err != nil {
		return nil, err
	}
	return block.Transactions(), nil
}

// Subscribe starts watching heads from now on.
func (h *HeadStream) Subscribe(ctx context.Context, account common.Address) (*Subscription, error) {
	headCh := make(chan *types.Header, 16)
	sub, err := h.heads.SubscribeNewHead(ctx, headCh)
	if err != nil {
		return nil, fmt.Errorf("订阅新区块失败: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	hashes := make(chan common.Hash, 64)
	errs := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(hashes)
		for {
			select {
			case <-loopCtx.Done():
				return
			case err, ok := <-sub.Err():
				if ok && err != nil {
					errs <- err
				}
				return
			case head := <-headCh:
				if head == nil {
					continue
				}
				if !h.emitMatches(loopCtx, head.Hash(), account, hashes) {
					return
				}
			}
		}
	}()

	return NewSubscription(hashes, errs, func() {
		cancel()
		sub.Unsubscribe()
		<-done
	}), nil
}

func (h *HeadStream) emitMatches(ctx context.Context, blockHash common.Hash, account common.Address, out chan<- common.Hash) bool {
	txs, err := h.blocks.TransactionsInBlock(ctx, blockHash)
	if err != nil {
		logger.Named("stream").Warn("读取区块交易失败", "block", blockHash.Hex(), "error", err)
		return true
	}
	for _, tx := range txs {
		from, err := types.Sender(h.signer, tx)
		if err != nil || from != account {
			continue
		}
		select {
		case out <- tx.Hash():
		case <-ctx.Done():
			return false
		}
	}
	return true
}
