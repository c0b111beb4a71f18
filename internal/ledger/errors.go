package ledger

import (
	xerrors "AgentEscrow-Chain/internal/errors"
)

// 账本客户端错误码。
const (
	CodeAccountUnavailable  xerrors.Code = "ACCOUNT_UNAVAILABLE"
	CodeLedgerUnavailable   xerrors.Code = "LEDGER_UNAVAILABLE"
	CodeSimulationFailed    xerrors.Code = "SIMULATION_FAILED"
	CodeSubmissionRejected  xerrors.Code = "SUBMISSION_REJECTED"
	CodeSubmissionUnknown   xerrors.Code = "SUBMISSION_UNKNOWN"
	CodeInvalidAmount       xerrors.Code = "INVALID_AMOUNT"
	CodeTransactionNotReady xerrors.Code = "TRANSACTION_NOT_READY"
)

func init() {
	xerrors.Register(CodeAccountUnavailable, xerrors.Attributes{
		Message:  "account is unknown to the network",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeLedgerUnavailable, xerrors.Attributes{
		Message:   "ledger rpc unavailable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryPreflight,
		Retryable: true,
	})
	xerrors.Register(CodeSimulationFailed, xerrors.Attributes{
		Message:  "simulation failed",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeSubmissionRejected, xerrors.Attributes{
		Message:  "transaction rejected by the network",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryPreflight,
	})
	// 提交时传输层失败：交易可能已进入交易池，禁止盲目重发。
	xerrors.Register(CodeSubmissionUnknown, xerrors.Attributes{
		Message:  "submission outcome unknown",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryAmbiguous,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "invalid amount",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeTransactionNotReady, xerrors.Attributes{
		Message:  "transaction has not been simulated",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryInternal,
	})
}

// ReasonOf 返回模拟或链上失败的原因文本。
func ReasonOf(err error) string {
	return xerrors.MetadataOf(err, xerrors.MetaReason)
}
