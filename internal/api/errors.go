package api

import (
	"encoding/json"
	"net/http"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/escrow"
	"AgentEscrow-Chain/internal/hire"
	"AgentEscrow-Chain/internal/ledger"
	"AgentEscrow-Chain/internal/ledger/confirm"
	"AgentEscrow-Chain/internal/signer"
)

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Category xerrors.Category  `json:"category"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func bodyOf(err error) *errorBody {
	body := &errorBody{
		Code:     xerrors.CodeOf(err),
		Category: xerrors.CategoryOf(err),
		Message:  err.Error(),
	}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Metadata = xerrors.MergedMetadata(err)
	}
	return body
}

var codeStatus = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:     http.StatusBadRequest,
	xerrors.CodeNotFound:            http.StatusNotFound,
	hire.CodeInvalidPrice:           http.StatusBadRequest,
	hire.CodeInvalidRequest:         http.StatusBadRequest,
	hire.CodeWalletNotConnected:     http.StatusUnauthorized,
	signer.CodeSignerUnavailable:    http.StatusUnauthorized,
	hire.CodeInsufficientBalance:    http.StatusPaymentRequired,
	hire.CodeInsufficientFee:        http.StatusPaymentRequired,
	escrow.CodeJobNotFound:          http.StatusNotFound,
	escrow.CodeJobNotPending:        http.StatusConflict,
	signer.CodeSigningCancelled:     http.StatusConflict,
	ledger.CodeSimulationFailed:     http.StatusUnprocessableEntity,
	confirm.CodeConfirmationTimeout: http.StatusGatewayTimeout,
}

func statusOf(err error) int {
	if status, ok := codeStatus[xerrors.CodeOf(err)]; ok {
		return status
	}
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryPreflight:
		return http.StatusUnprocessableEntity
	case xerrors.CategoryAmbiguous:
		return http.StatusGatewayTimeout
	case xerrors.CategoryAuthoritative:
		return http.StatusConflict
	case xerrors.CategoryPartial:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]any{"error": bodyOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
