package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentEscrow-Chain/internal/errors"
)

// 签名器错误码。
const (
	// CodeSigningCancelled 表示用户拒绝签名或等待被放弃。
	CodeSigningCancelled xerrors.Code = "SIGNING_CANCELLED"
	// CodeSignerUnavailable 表示签名器未安装、不可达或无法使用该账户。
	CodeSignerUnavailable xerrors.Code = "SIGNER_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeSigningCancelled, xerrors.Attributes{
		Message:  "user declined to sign",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeSignerUnavailable, xerrors.Attributes{
		Message:   "signer not installed or unreachable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryPreflight,
		Retryable: true,
	})
}

// Signer produces a signature over a transaction payload. It may be slow and
// may be declined by the human holding the key.
type Signer interface {
	SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int, account common.Address) (*types.Transaction, error)
}

// Session is the per-session wallet identity: the connected address and the
// signer able to sign for it.
type Session struct {
	Address common.Address
	Signer  Signer
}

// Connected reports whether a wallet is attached.
func (s *Session) Connected() bool {
	return s != nil && s.Signer != nil && s.Address != (common.Address{})
}

// KeySigner signs with an in-memory private key. Only used on development
// networks and in tests.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

// NewKeySigner wraps a private key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// Address returns the account the key signs for.
func (k *KeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(k.key.PublicKey)
}

// SignTransaction implements Signer.
func (k *KeySigner) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int, account common.Address) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(CodeSigningCancelled, err, "签名等待被取消")
	}
	if account != k.Address() {
		return nil, xerrors.New(CodeSignerUnavailable, "签名器不持有该账户", xerrors.WithMetadata(xerrors.MetaAccount, account.Hex()))
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), k.key)
	if err != nil {
		return nil, xerrors.Wrap(CodeSignerUnavailable, err, "签名失败")
	}
	return signed, nil
}
