package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/ledger"
	"AgentEscrow-Chain/internal/ledger/stream"
	"AgentEscrow-Chain/pkg/logger"
)

// DefaultPollInterval is the receipt polling period.
const DefaultPollInterval = 2 * time.Second

// CodeConfirmationTimeout 表示在超时前未能确认交易结果，账本状态未知。
const CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"

func init() {
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{
		Message:  "transaction confirmation timed out",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAmbiguous,
		Alert:    true,
	})
}

// Outcome is the authoritative result of a final transaction.
type Outcome int

const (
	Success Outcome = iota + 1
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a final transaction. Receipt carries the logs
// from which callers read return values; Reason is set for Failed.
type Result struct {
	Outcome Outcome
	Receipt *types.Receipt
	Reason  string
	Via     string
}

// Ledger is the query side of the ledger client used by the waiter.
type Ledger interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, bool, error)
	ReplayFailure(ctx context.Context, receipt *types.Receipt) string
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithPollInterval overrides the polling period.
func WithPollInterval(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithStream enables the streaming strategy.
func WithStream(s stream.Stream) Option {
	return func(w *Waiter) {
		w.stream = s
	}
}

// Waiter resolves whether a submitted transaction finalized.
type Waiter struct {
	ledger   Ledger
	stream   stream.Stream
	interval time.Duration
}

// NewWaiter creates a waiter polling the given ledger.
func NewWaiter(l Ledger, opts ...Option) *Waiter {
	w := &Waiter{ledger: l, interval: DefaultPollInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// slot holds the first conclusive result and stops the race when filled.
type slot struct {
	once sync.Once
	res  *Result
	stop context.CancelFunc
}

func (s *slot) resolve(r *Result) {
	s.once.Do(func() {
		s.res = r
		s.stop()
	})
}

// Await races receipt polling against the account's transaction stream until
// one of them obtains a receipt from the RPC, or timeout elapses. The stream
// only triggers a receipt query; it never resolves the wait on its own.
// Await returns after both strategies exited and the subscription is closed.
func (w *Waiter) Await(ctx context.Context, hash common.Hash, timeout time.Duration, account *common.Address) (*Result, error) {
	log := logger.Named("confirm").With("tx_hash", hash.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var sub *stream.Subscription
	if account != nil && w.stream != nil {
		s, err := w.stream.Subscribe(waitCtx, *account)
		if err != nil {
			log.Warn("订阅交易推送失败，仅使用轮询", "error", err)
		} else {
			sub = s
			defer sub.Close()
		}
	}

	raceCtx, stop := context.WithCancel(waitCtx)
	defer stop()
	result := &slot{stop: stop}

	g, gctx := errgroup.WithContext(raceCtx)
	g.Go(func() error {
		w.poll(gctx, hash, result)
		return nil
	})
	if sub != nil {
		g.Go(func() error {
			w.watch(gctx, hash, sub, result)
			return nil
		})
	}
	_ = g.Wait()
	sub.Close()

	if result.res != nil {
		log.Debug("交易已确认", "outcome", result.res.Outcome.String(), "via", result.res.Via)
		return result.res, nil
	}

	msg := "等待交易确认超时"
	if ctx.Err() != nil {
		msg = "等待交易确认被取消"
	}
	return nil, xerrors.Wrap(CodeConfirmationTimeout, waitCtx.Err(), msg,
		xerrors.WithMetadata(xerrors.MetaTxHash, hash.Hex()))
}

func (w *Waiter) poll(ctx context.Context, hash common.Hash, result *slot) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if res, ok := w.query(ctx, hash, "poll"); ok {
			result.resolve(res)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Waiter) watch(ctx context.Context, hash common.Hash, sub *stream.Subscription, result *slot) {
	log := logger.Named("confirm")
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-sub.Err():
			if ok && err != nil {
				log.Warn("交易推送中断，继续轮询", "tx_hash", hash.Hex(), "error", err)
			}
			return
		case seen, ok := <-sub.Hashes():
			if !ok {
				return
			}
			if seen != hash {
				continue
			}
			if res, found := w.query(ctx, hash, "stream"); found {
				result.resolve(res)
				return
			}
		}
	}
}

// query performs one receipt lookup. ok is false while the transaction is
// not yet final or the lookup failed.
func (w *Waiter) query(ctx context.Context, hash common.Hash, via string) (*Result, bool) {
	receipt, found, err := w.ledger.Receipt(ctx, hash)
	if err != nil {
		if ctx.Err() == nil && !ledger.IsTransient(err) {
			logger.Named("confirm").Warn("查询交易回执失败", "tx_hash", hash.Hex(), "via", via, "error", err)
		}
		return nil, false
	}
	if !found {
		return nil, false
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return &Result{Outcome: Success, Receipt: receipt, Via: via}, true
	}
	return &Result{
		Outcome: Failed,
		Receipt: receipt,
		Reason:  w.ledger.ReplayFailure(ctx, receipt),
		Via:     via,
	}, true
}
