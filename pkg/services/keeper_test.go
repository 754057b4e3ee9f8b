package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/evm"
	"github.com/payrollrelay/payroll/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, k *Keeper) func() {
	started, stopped, stop := make(chan bool, 1), make(chan bool, 1), make(chan context.Context, 1)
	require.NoError(t, k.Run(started, stopped, stop))
	<-started
	return func() {
		stop <- context.Background()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not stop", k.name)
		}
	}
}

func TestKeeperRunsOnInterval(t *testing.T) {
	var runs atomic.Int32
	k := NewKeeper("test", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	stop := run(t, k)
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "keeper kept running after stop")
}

func TestKeeperRetriesFailedRuns(t *testing.T) {
	var runs atomic.Int32
	k := NewKeeper("test", time.Hour, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})
	k.retry = 5 * time.Millisecond
	stop := run(t, k)
	defer stop()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestKeeperStopCancelsRun(t *testing.T) {
	entered := make(chan struct{})
	k := NewKeeper("test", time.Hour, func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	stop := run(t, k)
	<-entered
	stop()
}

func TestReconcileKeeperConfirmsPending(t *testing.T) {
	ctx := context.Background()
	wallet := evm.NewMockProvider(1337)
	storage := payroll.NewStorage(store.NewMemory())
	hash := "0x" + "01"
	require.NoError(t, storage.SaveTransaction(ctx, payroll.TransactionRecord{
		PayoutMeta: payroll.PayoutMeta{Chain: 1337, Payment: &payroll.Payment{Address: "0x2222222222222222222222222222222222222222", Amount: decimal.NewFromInt(5)}},
		Hash:       hash,
	}))
	wallet.SetReceipt(&payroll.Receipt{TransactionHash: hash, BlockNumber: 7, Status: 1})

	k := NewReconcileKeeper(payroll.NewReconciler(storage, wallet, 2, 1), 5*time.Millisecond)
	stop := run(t, k)
	defer stop()

	require.Eventually(t, func() bool {
		txs, err := storage.Transactions(ctx)
		return err == nil && len(txs) == 1 && txs[0].Confirmed
	}, time.Second, 5*time.Millisecond)
}

type countingRates struct {
	calls atomic.Int32
}

func (r *countingRates) Rate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	r.calls.Add(1)
	return decimal.NewFromFloat(0.0005), nil
}

func TestRateKeeperRefreshesSymbols(t *testing.T) {
	rates := &countingRates{}
	k := NewRateKeeper(rates, []string{"ETH", "MATIC"}, time.Hour)
	stop := run(t, k)
	defer stop()
	require.Eventually(t, func() bool { return rates.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}
