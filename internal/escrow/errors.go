package escrow

import (
	"strings"

	xerrors "AgentEscrow-Chain/internal/errors"
)

// 托管合约错误码。
const (
	// CodeTransactionFailed 表示交易已上链但执行失败，对该作业是终态。
	CodeTransactionFailed xerrors.Code = "TRANSACTION_FAILED"
	// CodeJobNotPending 表示作业已不在 Pending 状态，不能再次完成或取消。
	CodeJobNotPending xerrors.Code = "JOB_NOT_PENDING"
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	// CodeMalformedResult 表示交易成功但无法解析返回值，需人工核对作业列表。
	CodeMalformedResult xerrors.Code = "MALFORMED_RESULT"
)

func init() {
	xerrors.Register(CodeTransactionFailed, xerrors.Attributes{
		Message:  "transaction failed on ledger",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthoritative,
	})
	xerrors.Register(CodeJobNotPending, xerrors.Attributes{
		Message:  "job is not pending",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthoritative,
	})
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeMalformedResult, xerrors.Attributes{
		Message:  "transaction result could not be decoded",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryAmbiguous,
		Alert:    true,
	})
}

func reasonCode(reason string) (xerrors.Code, bool) {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "not pending"):
		return CodeJobNotPending, true
	case strings.Contains(r, "job not found"):
		return CodeJobNotFound, true
	default:
		return "", false
	}
}
