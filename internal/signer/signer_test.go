package signer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentEscrow-Chain/internal/errors"
)

var chainID = big.NewInt(1337)

func unsignedTx() *types.Transaction {
	to := common.HexToAddress("0xbb")
	return types.NewTx(&types.DynamicFeeTx{
		ChainID: chainID, Nonce: 1, Gas: 21000, To: &to,
		GasFeeCap: big.NewInt(10), GasTipCap: big.NewInt(1), Value: big.NewInt(0),
	})
}

func TestKeySignerSignsForOwnAccount(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := NewKeySigner(key)

	signed, err := s.SignTransaction(context.Background(), unsignedTx(), chainID, s.Address())
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)

	_, err = s.SignTransaction(context.Background(), unsignedTx(), chainID, common.HexToAddress("0x1"))
	assert.Equal(t, CodeSignerUnavailable, xerrors.CodeOf(err))
}

func TestSessionConnected(t *testing.T) {
	var none *Session
	assert.False(t, none.Connected())
	assert.False(t, (&Session{Address: common.HexToAddress("0x1")}).Connected())

	key, _ := crypto.GenerateKey()
	ks := NewKeySigner(key)
	assert.True(t, (&Session{Address: ks.Address(), Signer: ks}).Connected())
}

type fakeClef struct {
	err   error
	block chan struct{}
	calls int
}

func (f *fakeClef) SignTx(account accounts.Account, tx *types.Transaction, _ *big.Int) (*types.Transaction, error) {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return tx, nil
}

func externalWith(api clefAPI, dialErr error) *ExternalSigner {
	s := NewExternalSigner("http://127.0.0.1:8550")
	s.dial = func(string) (clefAPI, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return api, nil
	}
	return s
}

func TestExternalSignerDeclined(t *testing.T) {
	s := externalWith(&fakeClef{err: errors.New("Request denied")}, nil)
	_, err := s.SignTransaction(context.Background(), unsignedTx(), chainID, common.HexToAddress("0x1"))
	assert.Equal(t, CodeSigningCancelled, xerrors.CodeOf(err))
}

func TestExternalSignerNotInstalled(t *testing.T) {
	s := externalWith(nil, errors.New("dial tcp 127.0.0.1:8550: connect: connection refused"))
	_, err := s.SignTransaction(context.Background(), unsignedTx(), chainID, common.HexToAddress("0x1"))
	assert.Equal(t, CodeSignerUnavailable, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestExternalSignerAbandonedWait(t *testing.T) {
	clef := &fakeClef{block: make(chan struct{})}
	defer close(clef.block)
	s := externalWith(clef, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.SignTransaction(ctx, unsignedTx(), chainID, common.HexToAddress("0x1"))
	assert.Equal(t, CodeSigningCancelled, xerrors.CodeOf(err))
}

func TestExternalSignerRedialsAfterTransportFailure(t *testing.T) {
	clef := &fakeClef{err: errors.New("EOF")}
	dials := 0
	s := NewExternalSigner("http://clef")
	s.dial = func(string) (clefAPI, error) {
		dials++
		return clef, nil
	}

	_, err := s.SignTransaction(context.Background(), unsignedTx(), chainID, common.HexToAddress("0x1"))
	assert.Equal(t, CodeSignerUnavailable, xerrors.CodeOf(err))
	clef.err = nil
	_, err = s.SignTransaction(context.Background(), unsignedTx(), chainID, common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}

func TestKeystoreSigner(t *testing.T) {
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	acct, err := ks.NewAccount("secret")
	require.NoError(t, err)

	s := NewKeystoreSignerFrom(ks, "secret")
	signed, err := s.SignTransaction(context.Background(), unsignedTx(), chainID, acct.Address)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, acct.Address, from)

	wrong := NewKeystoreSignerFrom(ks, "nope")
	_, err = wrong.SignTransaction(context.Background(), unsignedTx(), chainID, acct.Address)
	assert.Equal(t, CodeSignerUnavailable, xerrors.CodeOf(err))

	_, err = s.SignTransaction(context.Background(), unsignedTx(), chainID, common.HexToAddress("0x1"))
	assert.Equal(t, CodeSignerUnavailable, xerrors.CodeOf(err))
}
