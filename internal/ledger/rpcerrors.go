package ledger

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertedPrefix = "execution reverted"

// RevertReason extracts the contract revert reason from an eth_call or
// eth_estimateGas error. ok is false when err is not a revert.
func RevertReason(err error) (reason string, ok bool) {
	if err == nil {
		return "", false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, isString := dataErr.ErrorData().(string); isString {
			if data, decErr := hexutil.Decode(raw); decErr == nil {
				if unpacked, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return unpacked, true
				}
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(msg, revertedPrefix)
	if idx < 0 {
		return "", false
	}
	reason = strings.TrimSpace(strings.TrimPrefix(msg[idx+len(revertedPrefix):], ":"))
	if reason == "" {
		reason = revertedPrefix
	}
	return reason, true
}

// IsTransient reports whether an RPC error is worth retrying: not-found,
// timeouts, rate limiting and temporarily unavailable upstreams.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gethcore.NotFound) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

var rejectionMessages = []string{
	"nonce too low",
	"nonce too high",
	"underpriced",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"fee cap less than block base fee",
	"max fee per gas less than block base fee",
	"invalid sender",
}

// isRejection reports whether the node refused the transaction outright.
func isRejection(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rejectionMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
