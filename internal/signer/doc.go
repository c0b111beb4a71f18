// Package signer abstracts the external wallet agent that holds key
// material. Production uses clef through accounts/external; development
// networks may use a local keystore or an in-memory key.
package signer
