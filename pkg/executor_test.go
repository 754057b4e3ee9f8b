package payroll_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/evm"
	"github.com/payrollrelay/payroll/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	owner = "0x1111111111111111111111111111111111111111"
	alice = "0x2222222222222222222222222222222222222222"
	bob   = "0x3333333333333333333333333333333333333333"
	smart = "0x4444444444444444444444444444444444444444"
)

type executorRig struct {
	bus      *payroll.MessageBus
	wallet   *evm.MockProvider
	storage  *payroll.Storage
	views    *payroll.Views
	registry *payroll.Registry
	exec     *payroll.Executor
}

func runBus(t *testing.T) *payroll.MessageBus {
	t.Helper()
	bus := payroll.NewMessageBus()
	started, stopped := make(chan bool, 1), make(chan bool, 1)
	stop := make(chan context.Context, 1)
	require.NoError(t, bus.Run(started, stopped, stop))
	<-started
	t.Cleanup(func() {
		stop <- context.Background()
		<-stopped
	})
	return bus
}

func newExecutorRig(t *testing.T, chain int64) *executorRig {
	t.Helper()
	registry, err := payroll.DefaultRegistry()
	require.NoError(t, err)
	r := &executorRig{
		bus:      runBus(t),
		wallet:   evm.NewMockProvider(chain, owner),
		storage:  payroll.NewStorage(store.NewMemory()),
		views:    &payroll.Views{},
		registry: registry,
	}
	r.exec = payroll.NewExecutor(r.storage, r.wallet, r.bus, r.views, registry)
	return r
}

func (r *executorRig) compose(t *testing.T, req payroll.ComposeRequest) payroll.PayoutPayload {
	t.Helper()
	req.Address = owner
	if req.Rate.IsZero() {
		req.Rate = decimal.RequireFromString("0.0005")
	}
	p, err := payroll.NewComposer(r.registry, 18).Compose(req)
	require.NoError(t, err)
	return p
}

// collect reads messages until one named last arrives.
func collect(t *testing.T, sub *payroll.Subscription, last string) []payroll.Message {
	t.Helper()
	var got []payroll.Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m := <-sub.C():
			got = append(got, m)
			if m.Event == last {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %v", last, events(got))
		}
	}
}

// drain flushes the bus with a marker message and returns everything
// dispatched before it.
func drain(t *testing.T, bus *payroll.MessageBus, sub *payroll.Subscription) []payroll.Message {
	t.Helper()
	require.NoError(t, bus.Send(payroll.SYS_MSG, "marker"))
	got := collect(t, sub, payroll.EventName(payroll.SYS_MSG))
	return got[:len(got)-1]
}

func events(msgs []payroll.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Event)
	}
	return out
}

func single(amount string) []payroll.Payment {
	return []payroll.Payment{{Address: alice, Amount: decimal.RequireFromString(amount)}}
}

func TestSubmitUnattendedSuccess(t *testing.T) {
	r := newExecutorRig(t, 1)
	sub := r.bus.Subscribe(nil, payroll.EVENT_PAY("PAY"), payroll.EVENT_NTC("NTC"))
	defer sub.Close()

	payload := r.compose(t, payroll.ComposeRequest{Payments: single("10"), Chain: 1, Screen: "payments"})
	hash, err := r.exec.Submit(context.Background(), payload)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	msgs := collect(t, sub, "desktop")
	assert.Equal(t, []string{"payout_initiated", "payout_completed", "desktop"}, events(msgs))

	var notice payroll.DesktopNotice
	require.NoError(t, json.Unmarshal(msgs[2].Message, &notice))
	assert.Equal(t, "Payment completed", notice.Title)
	assert.Equal(t, "$10.00 to 1 recipient", notice.Message)
	assert.Equal(t, "https://etherscan.io/tx/"+hash, notice.URL)

	records, err := r.storage.Transactions(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, hash, records[0].Hash)
	assert.True(t, records[0].Confirmed)
	assert.False(t, records[0].PaidAt.IsZero())

	snap, err := r.storage.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "payments", snap.Screen)
	assert.True(t, snap.State.Paid)
	assert.False(t, snap.Resumable())

	state, ok := r.exec.State(hash)
	require.True(t, ok)
	assert.True(t, state.Completed)
	assert.True(t, state.Terminal)
	assert.Equal(t, 1, state.Confirmations)

	sent := r.wallet.SentTransactions()
	require.Len(t, sent, 1)
	assert.Equal(t, alice, sent[0].To)
	assert.Equal(t, "5000000000000000", sent[0].Value.String())
}

func TestSubmitAttendedSkipsSnapshotAndNotice(t *testing.T) {
	r := newExecutorRig(t, 1)
	detach := r.views.Attach()
	defer detach()
	sub := r.bus.Subscribe(nil, payroll.EVENT_PAY("PAY"), payroll.EVENT_NTC("NTC"), payroll.EVENT_SYS("SYS"))
	defer sub.Close()

	hash, err := r.exec.Submit(context.Background(), r.compose(t, payroll.ComposeRequest{Payments: single("10"), Chain: 1}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, ok := r.exec.State(hash)
		return ok && s.Terminal
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"payout_initiated", "payout_completed"}, events(drain(t, r.bus, sub)))

	snap, err := r.storage.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// countingStore records the transaction lists written through it.
type countingStore struct {
	payroll.Store
	mu     sync.Mutex
	writes [][]payroll.TransactionRecord
}

func (c *countingStore) Set(ctx context.Context, key string, value []byte) error {
	if key == payroll.KEY_TRANSACTIONS {
		var recs []payroll.TransactionRecord
		if err := json.Unmarshal(value, &recs); err != nil {
			return err
		}
		c.mu.Lock()
		c.writes = append(c.writes, recs)
		c.mu.Unlock()
	}
	return c.Store.Set(ctx, key, value)
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// confirmedWrites counts writes in which hash went from unconfirmed to confirmed.
func (c *countingStore) confirmedWrites(hash string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, was := 0, false
	for _, recs := range c.writes {
		now := false
		for _, rec := range recs {
			if rec.Hash == hash && rec.Confirmed {
				now = true
			}
		}
		if now && !was {
			n++
		}
		was = now
	}
	return n
}

func TestSubmitCompletesOnce(t *testing.T) {
	r := newExecutorRig(t, 1)
	counting := &countingStore{Store: store.NewMemory()}
	r.storage = payroll.NewStorage(counting)
	r.exec = payroll.NewExecutor(r.storage, r.wallet, r.bus, r.views, r.registry)
	r.wallet.Script = func(tx payroll.TxRequest, hash string) []payroll.WalletEvent {
		rcpt := &payroll.Receipt{TransactionHash: hash, BlockNumber: 1, Status: 1}
		return []payroll.WalletEvent{
			{Kind: payroll.TxHash, Hash: hash},
			{Kind: payroll.TxConfirmation, Hash: hash, Confirmation: 1, Receipt: rcpt},
			{Kind: payroll.TxConfirmation, Hash: hash, Confirmation: 2, Receipt: rcpt},
			{Kind: payroll.TxConfirmation, Hash: hash, Confirmation: 3, Receipt: rcpt},
			{Kind: payroll.TxResolved, Hash: hash, Receipt: rcpt},
		}
	}
	sub := r.bus.Subscribe(nil, payroll.EVENT_PAY("PAY"), payroll.EVENT_NTC("NTC"), payroll.EVENT_SYS("SYS"))
	defer sub.Close()

	hash, err := r.exec.Submit(context.Background(), r.compose(t, payroll.ComposeRequest{Payments: single("10"), Chain: 1}))
	require.NoError(t, err)
	collect(t, sub, "desktop")

	state, ok := r.exec.State(hash)
	require.True(t, ok)
	assert.Equal(t, 3, state.Confirmations)
	assert.Equal(t, []string{}, events(drain(t, r.bus, sub)))

	records, err := r.storage.Transactions(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Confirmed)
	assert.Equal(t, 1, counting.confirmedWrites(hash))
	assert.Equal(t, 2, counting.writeCount())
}

func TestFinishedSubmissionsExpire(t *testing.T) {
	r := newExecutorRig(t, 1)
	r.exec.SetRetention(50 * time.Millisecond)

	hash, err := r.exec.Submit(context.Background(), r.compose(t, payroll.ComposeRequest{Payments: single("10"), Chain: 1}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return r.exec.Tracked() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := r.exec.State(hash)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmissionIdIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	defer zap.ReplaceGlobals(zap.New(core))()
	r := newExecutorRig(t, 1)

	hash, err := r.exec.Submit(context.Background(), r.compose(t, payroll.ComposeRequest{Payments: single("10"), Chain: 1}))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return r.exec.Tracked() == 0 }, 5*time.Second, 5*time.Millisecond)

	started := logs.FilterMessage("submission started").All()
	finished := logs.FilterMessage("submission finished").All()
	require.Len(t, started, 1)
	require.Len(t, finished, 1)
	id := started[0].ContextMap()["submission"]
	assert.NotEmpty(t, id)
	assert.Equal(t, id, finished[0].ContextMap()["submission"])
	assert.Equal(t, hash, finished[0].ContextMap()["hash"])
}

func TestSubmitReverted(t *testing.T) {
	r := newExecutorRig(t, 1337)
	r.wallet.Script = evm.RevertScript
	sub := r.bus.Subscribe(nil, payroll.EVENT_PAY("PAY"), payroll.EVENT_NTC("NTC"), payroll.EVENT_SYS("SYS"))
	defer sub.Close()

	payments := []payroll.Payment{
		{Address: alice, Amount: decimal.NewFromInt(10)},
		{Address: bob, Amount: decimal.NewFromInt(5)},
	}
	hash, err := r.exec.Submit(context.Background(), r.compose(t, payroll.ComposeRequest{Payments: payments, Chain: 1337}))
	require.NoError(t, err)

	msgs := collect(t, sub, "payout_failed")
	assert.Equal(t, []string{"payout_initiated", "payout_failed"}, events(msgs))
	var notice payroll.PayoutNotice
	require.NoError(t, json.Unmarshal(msgs[1].Message, &notice))
	assert.Equal(t, hash, notice.Hash)
	assert.Contains(t, notice.Error, "reverted")
	assert.Empty(t, drain(t, r.bus, sub))

	records, err := r.storage.Transactions(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Confirmed)
	assert.Len(t, records[0].Payments, 2)

	snap, err := r.storage.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, payroll.SnapshotPaymentError, snap.State.Error)

	state, _ := r.exec.State(hash)
	assert.True(t, state.Failed)
	assert.False(t, state.Completed)
}

func TestSubmitRejected(t *testing.T) {
	r := newExecutorRig(t, 1)
	r.wallet.Script = evm.RejectScript
	sub := r.bus.Subscribe(nil, payroll.EVENT_PAY("PAY"))
	defer sub.Close()

	_, err := r.exec.Submit(context.Background(), r.compose(t, payroll.ComposeRequest{Payments: single("10"), Chain: 1}))
	require.Error(t, err)
	assert.True(t, payroll.IsError(err, payroll.PaymentFailed))
	assert.Equal(t, "Failed to pay 1 recipient", err.Error())

	msgs := collect(t, sub, "payout_failed")
	assert.Equal(t, []string{"payout_failed"}, events(msgs))

	records, err := r.storage.Transactions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSubmitProviderError(t *testing.T) {
	r := newExecutorRig(t, 1)
	r.wallet.SendErr = assert.AnError
	_, err := r.exec.Submit(context.Background(), r.compose(t, payroll.ComposeRequest{Payments: single("10"), Chain: 1}))
	assert.True(t, payroll.IsError(err, payroll.PaymentFailed))
}

func TestSubmitBatchValue(t *testing.T) {
	r := newExecutorRig(t, 1337)
	payments := []payroll.Payment{
		{Address: alice, Amount: decimal.NewFromInt(10)},
		{Address: bob, Amount: decimal.NewFromInt(5)},
	}
	_, err := r.exec.Submit(context.Background(), r.compose(t, payroll.ComposeRequest{Payments: payments, Chain: 1337}))
	require.NoError(t, err)

	sent := r.wallet.SentTransactions()
	require.Len(t, sent, 1)
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", sent[0].To)
	assert.Equal(t, "7500000000000000", sent[0].Value.String())
	assert.NotEmpty(t, sent[0].Data)
}

func TestSubmitSmartSendsNoValue(t *testing.T) {
	r := newExecutorRig(t, 1337)
	payload := r.compose(t, payroll.ComposeRequest{
		Payments:      single("12.5"),
		Chain:         1337,
		Method:        payroll.METHOD_SMART,
		StableCoin:    "USDC",
		WalletAddress: smart,
	})
	_, err := r.exec.Submit(context.Background(), payload)
	require.NoError(t, err)

	sent := r.wallet.SentTransactions()
	require.Len(t, sent, 1)
	assert.Equal(t, smart, sent[0].To)
	assert.Equal(t, 0, sent[0].Value.Sign())
}

func TestSubmitRejectsIncompletePayload(t *testing.T) {
	r := newExecutorRig(t, 1)
	_, err := r.exec.Submit(context.Background(), payroll.PayoutPayload{})
	assert.Equal(t, "Failed to pay 0 recipients", err.Error())
	assert.Empty(t, r.wallet.SentTransactions())
}

func TestCreateWallet(t *testing.T) {
	r := newExecutorRig(t, 42)
	sub := r.bus.Subscribe(nil, payroll.EVENT_WAL("WAL"), payroll.EVENT_NTC("NTC"))
	defer sub.Close()

	hash, err := r.exec.CreateWallet(context.Background(), payroll.CreateWalletRequest{Account: owner, Chain: 42})
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	msgs := collect(t, sub, "desktop")
	assert.Equal(t, []string{"create_wallet_initiated", "create_wallet_completed", "desktop"}, events(msgs))

	wallets, err := r.storage.Wallets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0x"+strings.Repeat("c", 40), wallets[42])

	sent := r.wallet.SentTransactions()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].To)
}

func TestCreateWalletUnsupportedChain(t *testing.T) {
	r := newExecutorRig(t, 1)
	_, err := r.exec.CreateWallet(context.Background(), payroll.CreateWalletRequest{Account: owner, Chain: 1})
	assert.True(t, payroll.IsError(err, payroll.CreateWalletFailed))

	_, err = r.exec.CreateWallet(context.Background(), payroll.CreateWalletRequest{Account: "me", Chain: 42})
	assert.True(t, payroll.IsError(err, payroll.InvalidWalletAddress))
}

func TestReconcilerConfirmsSucceeded(t *testing.T) {
	r := newExecutorRig(t, 1)
	ctx := context.Background()
	require.NoError(t, r.storage.SaveTransactions(ctx, []payroll.TransactionRecord{
		{Hash: "0xok"}, {Hash: "0xreverted"}, {Hash: "0xpending"}, {Hash: "0xdone", Confirmed: true},
	}))
	r.wallet.SetReceipt(&payroll.Receipt{TransactionHash: "0xok", Status: 1})
	r.wallet.SetReceipt(&payroll.Receipt{TransactionHash: "0xreverted", Status: 0})

	records, err := payroll.NewReconciler(r.storage, r.wallet, 2, 1).Sweep(ctx)
	require.NoError(t, err)

	confirmed := map[string]bool{}
	for _, rec := range records {
		confirmed[rec.Hash] = rec.Confirmed
	}
	assert.Equal(t, map[string]bool{"0xok": true, "0xreverted": false, "0xpending": false, "0xdone": true}, confirmed)
}

func TestReconcilerLeavesRecordsOnTransportError(t *testing.T) {
	r := newExecutorRig(t, 1)
	ctx := context.Background()
	require.NoError(t, r.storage.SaveTransaction(ctx, payroll.TransactionRecord{Hash: "0xok"}))
	r.wallet.SetReceipt(&payroll.Receipt{TransactionHash: "0xok", Status: 1})
	r.wallet.ReceiptErr = assert.AnError

	records, err := payroll.NewReconciler(r.storage, r.wallet, 2, 1).Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Confirmed)
}

// flakyReceipts fails receipt lookups for one hash and delegates the rest.
type flakyReceipts struct {
	*evm.MockProvider
	broken string
}

func (f flakyReceipts) TransactionReceipt(ctx context.Context, hash string) (*payroll.Receipt, error) {
	if hash == f.broken {
		return nil, assert.AnError
	}
	return f.MockProvider.TransactionReceipt(ctx, hash)
}

func TestReconcilerSkipsOnlyFailedLookups(t *testing.T) {
	r := newExecutorRig(t, 1)
	ctx := context.Background()
	require.NoError(t, r.storage.SaveTransactions(ctx, []payroll.TransactionRecord{
		{Hash: "0xa"}, {Hash: "0xbroken"}, {Hash: "0xb"},
	}))
	for _, h := range []string{"0xa", "0xbroken", "0xb"} {
		r.wallet.SetReceipt(&payroll.Receipt{TransactionHash: h, Status: 1})
	}

	wallet := flakyReceipts{MockProvider: r.wallet, broken: "0xbroken"}
	records, err := payroll.NewReconciler(r.storage, wallet, 2, 1).Sweep(ctx)
	require.NoError(t, err)

	confirmed := map[string]bool{}
	for _, rec := range records {
		confirmed[rec.Hash] = rec.Confirmed
	}
	assert.Equal(t, map[string]bool{"0xa": true, "0xbroken": false, "0xb": true}, confirmed)
}
