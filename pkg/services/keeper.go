package services

import (
	"context"
	"time"

	payroll "github.com/payrollrelay/payroll/pkg"
	"go.uber.org/zap"
)

const (
	RETRY_DELAY = 5 * time.Second // after a failed run
)

/** A Keeper runs one piece of background upkeep on an interval.
 *
 *  A failed run is retried after RETRY_DELAY instead of the interval, so
 *  a store or provider outage does not stall upkeep for a whole period.
 *  Stopping cancels the run in progress.
 */
type Keeper struct {
	name     string
	interval time.Duration
	retry    time.Duration
	work     func(ctx context.Context) error
	log      *zap.Logger
}

func NewKeeper(name string, interval time.Duration, work func(ctx context.Context) error) *Keeper {
	return &Keeper{
		name:     name,
		interval: interval,
		retry:    RETRY_DELAY,
		work:     work,
		log:      zap.L().Named("keeper").With(zap.String("service", name)),
	}
}

// Implements conductor.Service
func (k *Keeper) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			k.loop(ctx)
		}()
		started <- true
		<-stop
		cancel()
		<-done
		stopped <- true
	}()
	return nil
}

func (k *Keeper) loop(ctx context.Context) {
	for {
		delay := k.interval
		if err := k.work(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			k.log.Warn("run failed", zap.Error(err))
			delay = k.retry
		}
		if !k.sleep(ctx, delay) {
			return
		}
	}
}

func (k *Keeper) sleep(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// NewReconcileKeeper sweeps pending transaction records on an interval,
// so payouts confirmed while no view was open are recorded.
func NewReconcileKeeper(reconciler *payroll.Reconciler, interval time.Duration) *Keeper {
	var k *Keeper
	k = NewKeeper("ReconcileKeeper", interval, func(ctx context.Context) error {
		txs, err := reconciler.Sweep(ctx)
		if err != nil {
			return err
		}
		pending := 0
		for _, tx := range txs {
			if !tx.Confirmed {
				pending++
			}
		}
		k.log.Debug("swept transactions", zap.Int("records", len(txs)), zap.Int("pending", pending))
		return nil
	})
	return k
}

// NewRateKeeper refreshes exchange rates for symbols ahead of use, so
// compose_payout rarely waits on the rate source.
func NewRateKeeper(rates payroll.RateSource, symbols []string, interval time.Duration) *Keeper {
	var k *Keeper
	k = NewKeeper("RateKeeper", interval, func(ctx context.Context) error {
		var failed error
		for _, symbol := range symbols {
			if _, err := rates.Rate(ctx, symbol); err != nil {
				k.log.Debug("rate refresh", zap.String("symbol", symbol), zap.Error(err))
				failed = err
			}
		}
		return failed
	})
	return k
}
