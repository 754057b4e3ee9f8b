package payroll

import (
	"context"
	"encoding/json"
	"math/big"
)

// TxRequest is an unsigned transaction handed to the wallet provider,
// which signs and broadcasts it. An empty To deploys a contract.
type TxRequest struct {
	From  string
	To    string
	Value *big.Int
	Data  []byte
}

type WalletEventKind int

const (
	// the provider broadcast the transaction and knows its hash
	TxHash WalletEventKind = iota
	// one more block confirmed the transaction
	TxConfirmation
	// the receipt is available
	TxReceipt
	// the transaction failed, before or after broadcast
	TxError
	// the provider considers the transaction final
	TxResolved
)

func (k WalletEventKind) String() string {
	switch k {
	case TxHash:
		return "transactionHash"
	case TxConfirmation:
		return "confirmation"
	case TxReceipt:
		return "receipt"
	case TxError:
		return "error"
	case TxResolved:
		return "resolved"
	}
	return "unknown"
}

// WalletEvent is one step of a submitted transaction's lifecycle.
type WalletEvent struct {
	Kind         WalletEventKind
	Hash         string
	Confirmation uint64
	Receipt      *Receipt
	Err          error
}

// WalletProvider is the Wallet Provider Adapter. Implementations live in
// pkg/evm.
type WalletProvider interface {
	// RequestAccounts asks the provider to connect and returns its accounts.
	RequestAccounts(ctx context.Context) ([]string, error)
	// Accounts returns already-connected accounts without prompting.
	Accounts(ctx context.Context) ([]string, error)
	ChainID(ctx context.Context) (int64, error)
	// Balance returns the native balance in smallest units.
	Balance(ctx context.Context, address string) (*big.Int, error)
	// Call executes a read-only contract call.
	Call(ctx context.Context, to string, data []byte) ([]byte, error)
	// SendTransaction submits tx and returns its lifecycle events. The
	// channel is closed after a TxError or TxResolved event. Tracking
	// continues after ctx is done; ctx only bounds the submission itself.
	SendTransaction(ctx context.Context, tx TxRequest) (<-chan WalletEvent, error)
	// TransactionReceipt returns the receipt, or a NotFound error while pending.
	TransactionReceipt(ctx context.Context, hash string) (*Receipt, error)
	SwitchChain(ctx context.Context, chain int64) error
	// Listen calls fn for each occurrence of a provider event (accountsChanged,
	// chainChanged, message, connect, disconnect) until ctx is done.
	Listen(ctx context.Context, event string, fn func(data json.RawMessage)) error
}
