package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"

	"AgentEscrow-Chain/pkg/logger"
)

// RedisStream subscribes to the pub/sub channel where an indexer publishes
// the hashes of transactions sent by each account.
type RedisStream struct {
	client *redis.Client
	prefix string
}

// NewRedisStream creates a stream over an existing redis client.
func NewRedisStream(client *redis.Client, prefix string) *RedisStream {
	if prefix == "" {
		prefix = "escrow:tx"
	}
	return &RedisStream{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for an account.
func (r *RedisStream) Channel(account common.Address) string {
	return r.prefix + ":" + strings.ToLower(account.Hex())
}

// Subscribe listens on the account channel. The subscription is confirmed
// before returning so no hash published afterwards is missed.
func (r *RedisStream) Subscribe(ctx context.Context, account common.Address) (*Subscription, error) {
	ps := r.client.Subscribe(ctx, r.Channel(account))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("订阅 Redis 交易频道失败: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	hashes := make(chan common.Hash, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump(loopCtx, ps.Channel(), hashes)
	}()

	return NewSubscription(hashes, nil, func() {
		cancel()
		ps.Close()
		<-done
	}), nil
}

// pump forwards well formed hashes until the context ends or in closes.
func pump(ctx context.Context, in <-chan *redis.Message, out chan<- common.Hash) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			hash, valid := parseHash(msg.Payload)
			if !valid {
				logger.Named("stream").Debug("忽略非法交易哈希", "channel", msg.Channel, "payload", msg.Payload)
				continue
			}
			select {
			case out <- hash:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parseHash(payload string) (common.Hash, bool) {
	raw, err := hexutil.Decode(strings.TrimSpace(payload))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}
