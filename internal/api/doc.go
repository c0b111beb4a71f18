// Package api exposes hiring, job lookup and manual escrow recovery over
// HTTP, together with the Prometheus metrics endpoint.
package api
