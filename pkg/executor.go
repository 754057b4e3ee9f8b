package payroll

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/payrollrelay/payroll/pkg/metrics"
	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/zap"
)

// submission is the tracked state of one transaction handed to the wallet.
type submission struct {
	mu            sync.Mutex
	id            string
	hash          string
	paidAt        time.Time
	confirmations int
	completed     bool
	notified      bool
	terminal      bool
	failed        bool
}

// SubmissionState is a point-in-time copy of a tracked submission.
type SubmissionState struct {
	Hash          string
	Confirmations int
	Completed     bool
	Terminal      bool
	Failed        bool
}

// lifecycle holds the side effects of one kind of submission; the
// Executor owns ordering and idempotence.
type lifecycle interface {
	onHash(s *submission)
	onComplete(s *submission, receipt *Receipt)
	onReceipt(s *submission, receipt *Receipt)
	onError(s *submission, hash string, err error, receipt *Receipt)
	onResolved(s *submission, receipt *Receipt)
}

type submitResult struct {
	hash string
	err  error
}

// Executor submits payloads through the wallet provider and tracks each
// submission through Submitted, Confirming, Completed or Failed.
type Executor struct {
	storage  *Storage
	wallet   WalletProvider
	bus      *MessageBus
	views    ViewTracker
	registry *Registry
	states   *xsync.MapOf[string, *submission]
	// finished submissions stay readable through State for retention
	finished  *cache.Cache[string, SubmissionState]
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

const defaultRetention = 10 * time.Minute

func NewExecutor(storage *Storage, wallet WalletProvider, bus *MessageBus, views ViewTracker, registry *Registry) *Executor {
	return &Executor{
		storage:   storage,
		wallet:    wallet,
		bus:       bus,
		views:     views,
		registry:  registry,
		states:    xsync.NewMapOf[*submission](),
		finished:  cache.New[string, SubmissionState](),
		retention: defaultRetention,
		log:       zap.L().Named("executor"),
		now:       time.Now,
	}
}

// SetRetention sets how long finished submissions remain visible to State.
// Call it before submitting.
func (e *Executor) SetRetention(d time.Duration) {
	e.retention = d
}

// State returns the tracked state for a transaction hash, live or
// recently finished.
func (e *Executor) State(hash string) (SubmissionState, bool) {
	if s, ok := e.states.Load(hash); ok {
		return s.state(), true
	}
	return e.finished.Get(hash)
}

// Tracked is the number of submissions still being watched.
func (e *Executor) Tracked() int {
	return e.states.Size()
}

func (s *submission) state() SubmissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubmissionState{
		Hash:          s.hash,
		Confirmations: s.confirmations,
		Completed:     s.completed,
		Terminal:      s.terminal,
		Failed:        s.failed,
	}
}

// retire moves a submission whose event stream has ended out of the live
// map and into the finished cache.
func (e *Executor) retire(sub *submission) {
	state := sub.state()
	if state.Hash == "" {
		return
	}
	e.log.Debug("submission finished", zap.String("submission", sub.id), zap.String("hash", state.Hash),
		zap.Bool("completed", state.Completed), zap.Bool("failed", state.Failed))
	e.finished.Set(state.Hash, state, cache.WithExpiration(e.retention))
	e.states.Delete(state.Hash)
}

// Submit sends a payout and returns as soon as the transaction hash is
// known. Confirmation arrives later through PAY_* notifications.
func (e *Executor) Submit(ctx context.Context, payload PayoutPayload) (string, error) {
	recipients := len(payload.Meta.AllPayments())
	if recipients == 0 && payload.Data != nil {
		recipients = len(payload.Data.Recipients)
	}
	if payload.From == "" || payload.Value == "" {
		return "", PaymentFailedErr(recipients)
	}
	tx, err := e.payoutTransaction(payload)
	if err != nil {
		return "", err
	}
	hash, err := e.submit(ctx, tx, &payoutLifecycle{e: e, payload: payload})
	if err != nil {
		if _, typed := err.(*ErrorInfo); typed {
			return "", err
		}
		e.log.Warn("payout submission failed", zap.Error(err), zap.Int("recipients", recipients))
		return "", PaymentFailedErr(recipients)
	}
	return hash, nil
}

func (e *Executor) payoutTransaction(payload PayoutPayload) (TxRequest, error) {
	total, err := hexutil.DecodeBig(payload.Value)
	if err != nil {
		return TxRequest{}, NewErr(BadRequest, "invalid payout value: %s", payload.Value)
	}
	if payload.IsContractCall() {
		data, err := PackBatchCall(payload.ABI, payload.Data)
		if err != nil {
			return TxRequest{}, UserErr(NetworkBatchNotSupported)
		}
		// smart wallets pay out of their own token balance
		value := total
		if payload.PaymentMethod == METHOD_SMART {
			value = new(big.Int)
		}
		return TxRequest{From: payload.From, To: payload.ContractAddress, Value: value, Data: data}, nil
	}
	if payload.To == "" {
		return TxRequest{}, PaymentFailedErr(1)
	}
	return TxRequest{From: payload.From, To: payload.To, Value: total}, nil
}

func (e *Executor) submit(ctx context.Context, tx TxRequest, lc lifecycle) (string, error) {
	events, err := e.wallet.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	sub := &submission{id: uuid.NewString()}
	e.log.Debug("submission started", zap.String("submission", sub.id), zap.String("to", tx.To))
	first := make(chan submitResult, 1)
	go e.track(sub, lc, events, first)
	select {
	case r := <-first:
		return r.hash, r.err
	case <-ctx.Done():
		// tracking carries on without a caller
		return "", ctx.Err()
	}
}

func (e *Executor) track(sub *submission, lc lifecycle, events <-chan WalletEvent, first chan<- submitResult) {
	report := func(r submitResult) {
		if first != nil {
			first <- r
			first = nil
		}
	}
	for ev := range events {
		switch ev.Kind {
		case TxHash:
			sub.mu.Lock()
			known := sub.hash != ""
			if !known {
				sub.hash = ev.Hash
				sub.paidAt = e.now().UTC()
			}
			sub.mu.Unlock()
			if !known {
				e.log.Debug("transaction broadcast", zap.String("submission", sub.id), zap.String("hash", ev.Hash))
				e.states.Store(ev.Hash, sub)
				metrics.Payouts.WithLabelValues("submitted").Inc()
				lc.onHash(sub)
			}
			report(submitResult{hash: ev.Hash})

		case TxConfirmation:
			sub.mu.Lock()
			sub.confirmations++
			firstConfirmation := sub.confirmations == 1
			sub.mu.Unlock()
			if firstConfirmation {
				e.complete(sub, lc, ev.Receipt)
			}

		case TxReceipt:
			lc.onReceipt(sub, ev.Receipt)

		case TxError:
			e.fail(sub, lc, ev.Hash, ev.Err, ev.Receipt)
			report(submitResult{err: ev.Err})

		case TxResolved:
			if ev.Receipt != nil && !ev.Receipt.Succeeded() {
				e.fail(sub, lc, ev.Receipt.TransactionHash, fmt.Errorf("transaction reverted"), ev.Receipt)
				continue
			}
			e.complete(sub, lc, ev.Receipt)
			lc.onResolved(sub, ev.Receipt)
			sub.mu.Lock()
			sub.terminal = true
			sub.mu.Unlock()
		}
	}
	e.retire(sub)
	report(submitResult{err: fmt.Errorf("wallet provider closed the submission without a hash")})
}

// complete runs the completion side effects at most once per submission,
// whether triggered by the first confirmation or by final resolution.
func (e *Executor) complete(sub *submission, lc lifecycle, receipt *Receipt) {
	sub.mu.Lock()
	if sub.completed || sub.failed {
		sub.mu.Unlock()
		return
	}
	sub.completed = true
	sub.mu.Unlock()
	metrics.Payouts.WithLabelValues("completed").Inc()
	lc.onComplete(sub, receipt)
}

func (e *Executor) fail(sub *submission, lc lifecycle, hash string, err error, receipt *Receipt) {
	sub.mu.Lock()
	if hash == "" && receipt != nil {
		hash = receipt.TransactionHash
	}
	if hash == "" {
		hash = sub.hash
	}
	sub.failed = true
	sub.terminal = true
	sub.mu.Unlock()
	metrics.Payouts.WithLabelValues("failed").Inc()
	if err == nil {
		err = fmt.Errorf("transaction failed")
	}
	lc.onError(sub, hash, err, receipt)
}

func (s *submission) txHash(receipt *Receipt) string {
	if receipt != nil && receipt.TransactionHash != "" {
		return receipt.TransactionHash
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash
}

// unattended reports whether lifecycle results should be kept for a
// returning user rather than shown live.
func (e *Executor) unattended() bool {
	return e.views == nil || !e.views.IsOpen()
}

func (e *Executor) saveSnapshot(snapshot *Snapshot, state SnapshotState) {
	if snapshot == nil || !e.unattended() {
		return
	}
	if err := e.storage.SaveSnapshot(context.Background(), snapshot.WithState(state)); err != nil {
		e.log.Warn("save snapshot", zap.String("hash", state.Hash), zap.Error(err))
	}
}

func (e *Executor) send(t EventType, msg any) {
	if err := e.bus.Send(t, msg); err != nil {
		e.log.Warn("notification not sent", zap.String("event", EventName(t)), zap.Error(err))
	}
}

// ExplorerTxURL links a transaction on the chain's block explorer, or "".
func (e *Executor) ExplorerTxURL(chain int64, hash string) string {
	base := e.registry.ExplorerURL(chain)
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", base, url.PathEscape(hash))
}

/* Payouts */

type payoutLifecycle struct {
	e       *Executor
	payload PayoutPayload
}

func (p *payoutLifecycle) record(s *submission, hash string, confirmed bool) TransactionRecord {
	s.mu.Lock()
	paidAt := s.paidAt
	s.mu.Unlock()
	return TransactionRecord{PayoutMeta: p.payload.Meta, Hash: hash, Confirmed: confirmed, PaidAt: paidAt}
}

func (p *payoutLifecycle) onHash(s *submission) {
	hash := s.txHash(nil)
	if err := p.e.storage.SaveTransaction(context.Background(), p.record(s, hash, false)); err != nil {
		p.e.log.Error("save pending transaction", zap.String("hash", hash), zap.Error(err))
	} else {
		p.e.send(PAY_INITIATED, PayoutNotice{Hash: hash})
	}
	p.e.saveSnapshot(p.payload.Snapshot, SnapshotState{Hash: hash, Processing: true, Sent: true})
}

func (p *payoutLifecycle) onComplete(s *submission, receipt *Receipt) {
	hash := s.txHash(receipt)
	if err := p.e.storage.SaveTransaction(context.Background(), p.record(s, hash, true)); err != nil {
		p.e.log.Error("save confirmed transaction", zap.String("hash", hash), zap.Error(err))
	}
	p.e.send(PAY_COMPLETED, PayoutNotice{Hash: hash, Receipt: receipt})
	p.e.saveSnapshot(p.payload.Snapshot, SnapshotState{Hash: hash, Paid: true})
}

func (p *payoutLifecycle) onReceipt(s *submission, receipt *Receipt) {}

func (p *payoutLifecycle) onError(s *submission, hash string, err error, receipt *Receipt) {
	p.e.log.Warn("payout failed", zap.String("hash", hash), zap.Error(err))
	p.e.send(PAY_FAILED, PayoutNotice{Hash: hash, Error: err.Error(), Receipt: receipt})
	if hash != "" {
		p.e.saveSnapshot(p.payload.Snapshot, SnapshotState{Hash: hash, Error: SnapshotPaymentError})
	}
}

func (p *payoutLifecycle) onResolved(s *submission, receipt *Receipt) {
	payments := p.payload.Meta.AllPayments()
	if !p.e.unattended() || len(payments) == 0 {
		return
	}
	s.mu.Lock()
	if s.notified || s.failed {
		s.mu.Unlock()
		return
	}
	s.notified = true
	s.mu.Unlock()
	p.e.send(NTC_DESKTOP, PayoutCompletedNotice(payments, p.e.ExplorerTxURL(p.payload.Meta.Chain, s.txHash(receipt))))
}

// PayoutCompletedNotice summarises a finished payout for the desktop.
func PayoutCompletedNotice(payments []Payment, link string) DesktopNotice {
	n := len(payments)
	return DesktopNotice{
		Title:   "Payment completed",
		Message: fmt.Sprintf("$%s to %d recipient%s", PaymentsTotal(payments).StringFixed(2), n, plural(n)),
		URL:     link,
	}
}

/* Smart wallet creation */

type walletLifecycle struct {
	e     *Executor
	chain int64
}

func (w *walletLifecycle) saveWallet(receipt *Receipt) {
	if receipt == nil || !common.IsHexAddress(receipt.ContractAddress) {
		return
	}
	if err := w.e.storage.SaveWalletAddress(context.Background(), w.chain, receipt.ContractAddress); err != nil {
		w.e.log.Error("save wallet address", zap.Int64("chain", w.chain), zap.Error(err))
	}
}

func (w *walletLifecycle) onHash(s *submission) {
	w.e.send(WAL_INITIATED, PayoutNotice{Hash: s.txHash(nil)})
}

func (w *walletLifecycle) onComplete(s *submission, receipt *Receipt) {
	if receipt == nil || receipt.ContractAddress == "" {
		return
	}
	w.saveWallet(receipt)
	w.e.send(WAL_COMPLETED, PayoutNotice{Hash: s.txHash(receipt), ContractAddress: receipt.ContractAddress, Receipt: receipt})
}

func (w *walletLifecycle) onReceipt(s *submission, receipt *Receipt) {
	w.saveWallet(receipt)
}

func (w *walletLifecycle) onError(s *submission, hash string, err error, receipt *Receipt) {
	w.e.log.Warn("wallet creation failed", zap.String("hash", hash), zap.Error(err))
	w.e.send(WAL_FAILED, PayoutNotice{Hash: hash, Error: err.Error(), Receipt: receipt})
}

func (w *walletLifecycle) onResolved(s *submission, receipt *Receipt) {
	if !w.e.unattended() || receipt == nil || receipt.ContractAddress == "" {
		return
	}
	s.mu.Lock()
	if s.notified {
		s.mu.Unlock()
		return
	}
	s.notified = true
	s.mu.Unlock()
	w.e.send(NTC_DESKTOP, DesktopNotice{Title: "Smart Wallet created", Message: "Your smart wallet has been created"})
}

// CreateWallet deploys the user's smart wallet contract on a chain and
// returns the deployment transaction hash.
func (e *Executor) CreateWallet(ctx context.Context, req CreateWalletRequest) (string, error) {
	tx, err := WalletDeployment(e.registry, req)
	if err != nil {
		return "", err
	}
	hash, err := e.submit(ctx, tx, &walletLifecycle{e: e, chain: req.Chain})
	if err != nil {
		if _, typed := err.(*ErrorInfo); typed {
			return "", err
		}
		e.log.Warn("wallet creation submission failed", zap.Error(err))
		return "", UserErr(CreateWalletFailed)
	}
	return hash, nil
}
