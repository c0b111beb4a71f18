package signer

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentEscrow-Chain/internal/errors"
)

// KeystoreSigner signs with an encrypted key file from a local keystore
// directory. Intended for development networks.
type KeystoreSigner struct {
	ks         *keystore.KeyStore
	passphrase string
}

// NewKeystoreSigner opens the keystore directory.
func NewKeystoreSigner(dir, passphrase string) *KeystoreSigner {
	return &KeystoreSigner{
		ks:         keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP),
		passphrase: passphrase,
	}
}

// NewKeystoreSignerFrom wraps an opened keystore.
func NewKeystoreSignerFrom(ks *keystore.KeyStore, passphrase string) *KeystoreSigner {
	return &KeystoreSigner{ks: ks, passphrase: passphrase}
}

// SignTransaction implements Signer.
func (k *KeystoreSigner) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int, account common.Address) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(CodeSigningCancelled, err, "签名等待被取消")
	}
	acct, err := k.ks.Find(accounts.Account{Address: account})
	if err != nil {
		return nil, xerrors.Wrap(CodeSignerUnavailable, err, "keystore 中不存在该账户", xerrors.WithMetadata(xerrors.MetaAccount, account.Hex()))
	}
	signed, err := k.ks.SignTxWithPassphrase(acct, k.passphrase, tx, chainID)
	if err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return nil, xerrors.Wrap(CodeSignerUnavailable, err, "keystore 口令错误")
		}
		return nil, xerrors.Wrap(CodeSignerUnavailable, err, "keystore 签名失败")
	}
	return signed, nil
}
