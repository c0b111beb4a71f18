package hire

import (
	xerrors "AgentEscrow-Chain/internal/errors"
)

// 雇佣流程错误码。
const (
	CodeWalletNotConnected   xerrors.Code = "WALLET_NOT_CONNECTED"
	CodeInsufficientBalance  xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientFee      xerrors.Code = "INSUFFICIENT_FEE_BALANCE"
	CodeInvalidPrice         xerrors.Code = "INVALID_PRICE"
	CodeInvalidRequest       xerrors.Code = "INVALID_HIRE_REQUEST"
	CodeJobStatusUnknown     xerrors.Code = "JOB_STATUS_UNKNOWN"
	CodeExecutionFailed      xerrors.Code = "EXECUTION_FAILED"
	CodePaymentReleaseFailed xerrors.Code = "PAYMENT_RELEASE_FAILED"
)

// 元数据键。
const (
	MetaNeeded = "needed"
	MetaHave   = "have"
)

const (
	hintCheckJobs = "交易状态未知，请先在作业列表中核对后再重试，切勿重复创建"
	hintRecover   = "托管资金仍处于 Pending，请单独申请退款（取消作业）或重试放款"
)

func init() {
	xerrors.Register(CodeWalletNotConnected, xerrors.Attributes{
		Message:  "wallet not connected",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient balance",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeInsufficientFee, xerrors.Attributes{
		Message:  "insufficient native balance for network fees",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeInvalidPrice, xerrors.Attributes{
		Message:  "invalid price",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeInvalidRequest, xerrors.Attributes{
		Message:  "invalid hire request",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeJobStatusUnknown, xerrors.Attributes{
		Message:  "job creation outcome unknown",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryAmbiguous,
		Alert:    true,
	})
	// 作业已创建但流程中断，资金留在托管中。
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:  "agent execution failed",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryPartial,
		Alert:    true,
	})
	xerrors.Register(CodePaymentReleaseFailed, xerrors.Attributes{
		Message:  "payment release failed",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryPartial,
		Alert:    true,
	})
}
