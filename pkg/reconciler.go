package payroll

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/payrollrelay/payroll/pkg/metrics"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"
)

// Reconciler confirms pending transaction records whose receipts report
// success on chain.
type Reconciler struct {
	storage     *Storage
	wallet      WalletProvider
	concurrency int
	attempts    uint
	log         *zap.Logger
	// one sweep at a time
	sweeping sync.Mutex
}

func NewReconciler(storage *Storage, wallet WalletProvider, concurrency int, attempts uint) *Reconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Reconciler{
		storage:     storage,
		wallet:      wallet,
		concurrency: concurrency,
		attempts:    attempts,
		log:         zap.L().Named("reconciler"),
	}
}

// Sweep checks every unconfirmed record against its receipt and flips the
// successful ones to confirmed in a single write. A failed lookup skips
// that record only. Returns the updated transaction list.
func (r *Reconciler) Sweep(ctx context.Context) ([]TransactionRecord, error) {
	r.sweeping.Lock()
	defer r.sweeping.Unlock()

	all, err := r.storage.Transactions(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]string, 0)
	for _, rec := range all {
		if !rec.Confirmed && rec.Hash != "" {
			pending = append(pending, rec.Hash)
		}
	}
	if len(pending) == 0 {
		return all, nil
	}

	confirmed := make([]bool, len(pending))
	it := iter.Iterator[string]{MaxGoroutines: r.concurrency}
	it.ForEachIdx(pending, func(i int, hash *string) {
		confirmed[i] = r.succeeded(ctx, *hash)
	})

	hashes := make([]string, 0, len(pending))
	for i, ok := range confirmed {
		if ok {
			hashes = append(hashes, pending[i])
		}
	}
	if len(hashes) == 0 {
		return all, nil
	}
	updated, err := r.storage.ConfirmTransactions(ctx, hashes)
	if err != nil {
		return nil, err
	}
	metrics.ReconcilerConfirmed.Add(float64(len(hashes)))
	r.log.Info("confirmed pending transactions", zap.Int("pending", len(pending)), zap.Int("confirmed", len(hashes)))
	return updated, nil
}

func (r *Reconciler) succeeded(ctx context.Context, hash string) bool {
	var receipt *Receipt
	err := retry.Do(func() error {
		var err error
		receipt, err = r.wallet.TransactionReceipt(ctx, hash)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !IsNotFoundError(err) }),
	)
	if err != nil {
		if !IsNotFoundError(err) {
			metrics.ReconcilerLookupErrors.Inc()
			r.log.Debug("receipt lookup failed", zap.String("hash", hash), zap.Error(err))
		}
		return false
	}
	return receipt.Succeeded()
}
