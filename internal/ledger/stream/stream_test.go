package stream

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	errs        chan error
	unsubscribe atomic.Int32
	once        sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errs: make(chan error, 1)} }

func (f *fakeSub) Unsubscribe() {
	f.unsubscribe.Add(1)
	f.once.Do(func() { close(f.errs) })
}

func (f *fakeSub) Err() <-chan error { return f.errs }

type fakeHeads struct {
	sub *fakeSub
	ch  chan<- *types.Header
}

func (f *fakeHeads) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (gethcore.Subscription, error) {
	f.ch = ch
	return f.sub, nil
}

type fakeBlocks map[common.Hash][]*types.Transaction

func (f fakeBlocks) TransactionsInBlock(_ context.Context, h common.Hash) ([]*types.Transaction, error) {
	return f[h], nil
}

func signedTx(t *testing.T, chainID *big.Int, nonce uint64) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := types.MustSignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID: chainID, Nonce: nonce, Gas: 21000, GasFeeCap: big.NewInt(1), GasTipCap: big.NewInt(1),
	})
	return tx, crypto.PubkeyToAddress(key.PublicKey)
}

func TestHeadStreamEmitsOnlyAccountTransactions(t *testing.T) {
	chainID := big.NewInt(1337)
	mine, account := signedTx(t, chainID, 0)
	other, _ := signedTx(t, chainID, 0)

	head := &types.Header{Number: big.NewInt(5)}
	heads := &fakeHeads{sub: newFakeSub()}
	stream := NewHeadStream(heads, fakeBlocks{head.Hash(): {other, mine}}, chainID)

	sub, err := stream.Subscribe(context.Background(), account)
	require.NoError(t, err)
	heads.ch <- head

	select {
	case got := <-sub.Hashes():
		assert.Equal(t, mine.Hash(), got)
	case <-time.After(2 * time.Second):
		t.Fatal("no hash emitted")
	}

	sub.Close()
	sub.Close()
	assert.Equal(t, int32(1), heads.sub.unsubscribe.Load())
	_, open := <-sub.Hashes()
	assert.False(t, open)
}

func TestHeadStreamForwardsSubscriptionError(t *testing.T) {
	heads := &fakeHeads{sub: newFakeSub()}
	stream := NewHeadStream(heads, fakeBlocks{}, big.NewInt(1))

	sub, err := stream.Subscribe(context.Background(), common.Address{})
	require.NoError(t, err)
	heads.sub.errs <- assert.AnError

	select {
	case err := <-sub.Err():
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(2 * time.Second):
		t.Fatal("error not forwarded")
	}
	sub.Close()
}

func TestPumpParsesHashes(t *testing.T) {
	in := make(chan *redis.Message, 3)
	out := make(chan common.Hash, 3)
	want := common.HexToHash("0xabc")
	in <- &redis.Message{Channel: "escrow:tx:0x1", Payload: "not-a-hash"}
	in <- &redis.Message{Channel: "escrow:tx:0x1", Payload: want.Hex()}
	close(in)

	pump(context.Background(), in, out)

	got := make([]common.Hash, 0, 1)
	for h := range out {
		got = append(got, h)
	}
	assert.Equal(t, []common.Hash{want}, got)
}

func TestRedisChannelName(t *testing.T) {
	r := NewRedisStream(nil, "")
	assert.Equal(t, "escrow:tx:0x00000000000000000000000000000000000000ab", r.Channel(common.HexToAddress("0xab")))
}

func TestSubscriptionCloseNilSafe(t *testing.T) {
	var s *Subscription
	s.Close()
	assert.Nil(t, s.Err())
}
