package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	payroll "github.com/payrollrelay/payroll/pkg"
)

// interface guard ensures MockProvider implements payroll.WalletProvider
var _ payroll.WalletProvider = &MockProvider{}

// MockProvider is a scripted wallet provider for tests. By default a sent
// transaction gets a sequential hash, one confirmation and a successful
// resolution; set Script to change the lifecycle.
type MockProvider struct {
	mu        sync.Mutex
	accounts  []string
	chain     int64
	balances  map[string]*big.Int
	receipts  map[string]*payroll.Receipt
	callData  map[string][]byte
	listeners map[string][]func(json.RawMessage)
	seq       int

	// Sent records every transaction handed to SendTransaction.
	Sent []payroll.TxRequest
	// Script returns the lifecycle events for a transaction and its hash.
	Script func(tx payroll.TxRequest, hash string) []payroll.WalletEvent
	// SendErr fails SendTransaction before any event.
	SendErr error
	// ReceiptErr fails TransactionReceipt lookups with a transport error.
	ReceiptErr error
}

func NewMockProvider(chain int64, accounts ...string) *MockProvider {
	return &MockProvider{
		accounts:  accounts,
		chain:     chain,
		balances:  map[string]*big.Int{},
		receipts:  map[string]*payroll.Receipt{},
		callData:  map[string][]byte{},
		listeners: map[string][]func(json.RawMessage){},
	}
}

// SuccessScript resolves a transaction after one confirmation.
func SuccessScript(tx payroll.TxRequest, hash string) []payroll.WalletEvent {
	r := &payroll.Receipt{TransactionHash: hash, BlockNumber: 1, Status: 1}
	if tx.To == "" {
		r.ContractAddress = "0x" + strings.Repeat("c", 40)
	}
	return []payroll.WalletEvent{
		{Kind: payroll.TxHash, Hash: hash},
		{Kind: payroll.TxReceipt, Hash: hash, Receipt: r},
		{Kind: payroll.TxConfirmation, Hash: hash, Confirmation: 1, Receipt: r},
		{Kind: payroll.TxResolved, Hash: hash, Receipt: r},
	}
}

// PendingScript broadcasts a transaction that never confirms.
func PendingScript(tx payroll.TxRequest, hash string) []payroll.WalletEvent {
	return []payroll.WalletEvent{{Kind: payroll.TxHash, Hash: hash}}
}

// RevertScript broadcasts a transaction whose receipt reports failure.
func RevertScript(tx payroll.TxRequest, hash string) []payroll.WalletEvent {
	r := &payroll.Receipt{TransactionHash: hash, BlockNumber: 1, Status: 0}
	return []payroll.WalletEvent{
		{Kind: payroll.TxHash, Hash: hash},
		{Kind: payroll.TxError, Hash: hash, Receipt: r, Err: fmt.Errorf("transaction %s reverted", hash)},
	}
}

// RejectScript fails before broadcast, as when the user rejects signing.
func RejectScript(tx payroll.TxRequest, hash string) []payroll.WalletEvent {
	return []payroll.WalletEvent{{Kind: payroll.TxError, Err: fmt.Errorf("user rejected transaction")}}
}

func (m *MockProvider) SetBalance(address string, balance *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToLower(address)] = balance
}

// SetReceipt makes TransactionReceipt return r for its hash.
func (m *MockProvider) SetReceipt(r *payroll.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[r.TransactionHash] = r
}

// SetCallResult makes Call to address return out.
func (m *MockProvider) SetCallResult(address string, out []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callData[strings.ToLower(address)] = out
}

// Emit fires a provider event at every listener.
func (m *MockProvider) Emit(event string, data json.RawMessage) {
	m.mu.Lock()
	fns := append([]func(json.RawMessage){}, m.listeners[event]...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (m *MockProvider) SentTransactions() []payroll.TxRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]payroll.TxRequest{}, m.Sent...)
}

func (m *MockProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	return m.Accounts(ctx)
}

func (m *MockProvider) Accounts(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.accounts...), nil
}

func (m *MockProvider) ChainID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chain, nil
}

func (m *MockProvider) Balance(ctx context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *MockProvider) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.callData[strings.ToLower(to)]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return out, nil
}

func (m *MockProvider) SendTransaction(ctx context.Context, tx payroll.TxRequest) (<-chan payroll.WalletEvent, error) {
	m.mu.Lock()
	if m.SendErr != nil {
		err := m.SendErr
		m.mu.Unlock()
		return nil, err
	}
	m.seq++
	hash := fmt.Sprintf("0x%064x", m.seq)
	m.Sent = append(m.Sent, tx)
	script := m.Script
	m.mu.Unlock()

	if script == nil {
		script = SuccessScript
	}
	evs := script(tx, hash)
	for _, ev := range evs {
		if ev.Receipt != nil {
			m.SetReceipt(ev.Receipt)
		}
	}
	events := make(chan payroll.WalletEvent, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)
	return events, nil
}

func (m *MockProvider) TransactionReceipt(ctx context.Context, hash string) (*payroll.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReceiptErr != nil {
		return nil, m.ReceiptErr
	}
	r, ok := m.receipts[hash]
	if !ok {
		return nil, payroll.NewErr(payroll.NotFound, "receipt not found: %s", hash)
	}
	return r, nil
}

func (m *MockProvider) SwitchChain(ctx context.Context, chain int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = chain
	return nil
}

func (m *MockProvider) Listen(ctx context.Context, event string, fn func(json.RawMessage)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[event] = append(m.listeners[event], fn)
	return nil
}
