// Package execution is the HTTP client for the remote agent execution
// service. It performs the work a hire pays for and knows nothing about the
// ledger.
package execution
