package api

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"AgentEscrow-Chain/internal/signer"
)

// AccountHeader selects the signing account for a request.
const AccountHeader = "X-Escrow-Account"

// Sessions resolves the wallet session of a request. A nil session means no
// wallet is connected.
type Sessions interface {
	Session(r *http.Request) *signer.Session
}

// StaticSessions serves every request from one signer. The account comes
// from AccountHeader, falling back to Default.
type StaticSessions struct {
	Signer  signer.Signer
	Default common.Address
}

// Session 返回请求对应的钱包会话。
func (s StaticSessions) Session(r *http.Request) *signer.Session {
	if s.Signer == nil {
		return nil
	}
	account := s.Default
	if raw := strings.TrimSpace(r.Header.Get(AccountHeader)); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil
		}
		account = common.HexToAddress(raw)
	}
	if account == (common.Address{}) {
		return nil
	}
	return &signer.Session{Address: account, Signer: s.Signer}
}
