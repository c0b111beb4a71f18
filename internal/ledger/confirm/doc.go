// Package confirm determines whether a submitted ledger transaction
// finalized by racing receipt polling against a push-based transaction
// stream, bounded by a timeout.
package confirm
