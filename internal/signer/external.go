package signer

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/pkg/logger"
)

// clefAPI is the subset of the clef backend used for signing.
type clefAPI interface {
	SignTx(account accounts.Account, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ExternalSigner delegates signing to a clef instance. The connection is
// dialled on first use and dropped after transport failures.
type ExternalSigner struct {
	endpoint string
	dial     func(endpoint string) (clefAPI, error)

	mu  sync.Mutex
	api clefAPI
}

// NewExternalSigner creates a signer for the clef endpoint.
func NewExternalSigner(endpoint string) *ExternalSigner {
	return &ExternalSigner{
		endpoint: endpoint,
		dial: func(endpoint string) (clefAPI, error) {
			return external.NewExternalSigner(endpoint)
		},
	}
}

func (e *ExternalSigner) client() (clefAPI, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.api != nil {
		return e.api, nil
	}
	api, err := e.dial(e.endpoint)
	if err != nil {
		return nil, xerrors.Wrap(CodeSignerUnavailable, err, "外部签名器不可用", xerrors.WithMetadata("endpoint", e.endpoint))
	}
	e.api = api
	return api, nil
}

func (e *ExternalSigner) reset() {
	e.mu.Lock()
	e.api = nil
	e.mu.Unlock()
}

// SignTransaction asks clef to sign. The human may take arbitrarily long;
// cancelling ctx abandons the wait, not the request inside clef.
func (e *ExternalSigner) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int, account common.Address) (*types.Transaction, error) {
	api, err := e.client()
	if err != nil {
		return nil, err
	}

	type outcome struct {
		tx  *types.Transaction
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		signed, err := api.SignTx(accounts.Account{Address: account}, tx, chainID)
		done <- outcome{signed, err}
	}()

	select {
	case <-ctx.Done():
		return nil, xerrors.Wrap(CodeSigningCancelled, ctx.Err(), "签名等待被取消")
	case out := <-done:
		if out.err == nil {
			return out.tx, nil
		}
		if isDeclined(out.err) {
			logger.Named("signer").Info("用户拒绝签名", "account", account.Hex())
			return nil, xerrors.Wrap(CodeSigningCancelled, out.err, "用户拒绝签名")
		}
		e.reset()
		return nil, xerrors.Wrap(CodeSignerUnavailable, out.err, "外部签名失败")
	}
}

func isDeclined(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request denied") ||
		strings.Contains(msg, "user declined") ||
		strings.Contains(msg, "rejected")
}
