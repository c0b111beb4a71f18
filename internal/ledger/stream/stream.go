package stream

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Stream is a live feed of transaction hashes sent by an account. It only
// proves that a transaction exists, never its outcome.
type Stream interface {
	Subscribe(ctx context.Context, account common.Address) (*Subscription, error)
}

// Subscription wraps a feed so callers manage its lifecycle without knowing
// the transport. Close is idempotent and unsubscribes exactly once.
type Subscription struct {
	hashes      <-chan common.Hash
	errs        <-chan error
	unsubscribe func()
	once        sync.Once
}

// NewSubscription constructs a managed subscription wrapper.
func NewSubscription(hashes <-chan common.Hash, errs <-chan error, unsubscribe func()) *Subscription {
	return &Subscription{hashes: hashes, errs: errs, unsubscribe: unsubscribe}
}

// Hashes returns the channel of observed transaction hashes. It is closed
// when the feed ends.
func (s *Subscription) Hashes() <-chan common.Hash {
	return s.hashes
}

// Err forwards the feed error channel.
func (s *Subscription) Err() <-chan error {
	if s == nil {
		return nil
	}
	return s.errs
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}
