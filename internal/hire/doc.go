// Package hire drives a single hire of one agent or a team through wallet
// check, balance check, escrow creation, remote execution and payment
// release. Each transition is published as progress and every outcome is
// journaled so escrow left Pending can be found and recovered.
package hire
