// Package ledger builds, simulates and submits transactions against an EVM
// ledger RPC endpoint and converts between display amounts and the escrow
// token's seven-decimal atomic unit.
//
// A transaction moves through three shapes: BuildTransaction returns an
// UnsignedTx carrying the sender's nonce and a 300 second validity window,
// Simulate dry-runs it and fills gas and fee caps, and after an external
// signature Submit broadcasts the SignedTx. Node rejections are reported as
// SubmissionRejected; transport failures after sending leave the outcome
// unknown and are reported as SubmissionUnknown.
package ledger
