package payroll

import (
	"encoding/json"
	"time"
)

// PayoutMeta is the denormalized echo of a payout carried in every payload,
// used to build the TransactionRecord once a hash is known.
type PayoutMeta struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Value      string    `json:"value"` // smallest units, base 10
	Chain      int64     `json:"chain"`
	Currency   string    `json:"currency,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Values     []string  `json:"values,omitempty"`
	Payment    *Payment  `json:"payment,omitempty"`
	Payments   []Payment `json:"payments,omitempty"`
}

// AllPayments returns the batch payments, or the single payment.
func (m PayoutMeta) AllPayments() []Payment {
	if len(m.Payments) > 0 {
		return m.Payments
	}
	if m.Payment != nil {
		return []Payment{*m.Payment}
	}
	return nil
}

// TransactionRecord is persisted under the transactions key, unique by Hash.
type TransactionRecord struct {
	PayoutMeta
	Hash      string    `json:"hash"`
	Confirmed bool      `json:"confirmed"`
	PaidAt    time.Time `json:"paid_at"`
}

func DeduplicateTransactions(records []TransactionRecord) []TransactionRecord {
	return uniqBy(records, func(r TransactionRecord) string { return r.Hash })
}

// Receipt is the subset of a transaction receipt the payout flow needs.
type Receipt struct {
	TransactionHash string          `json:"transactionHash"`
	ContractAddress string          `json:"contractAddress,omitempty"`
	BlockNumber     uint64          `json:"blockNumber"`
	Status          uint64          `json:"status"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// PayoutNotice is the payload of the PAY_* and WAL_* notifications.
type PayoutNotice struct {
	Hash            string   `json:"hash"`
	ContractAddress string   `json:"contractAddress,omitempty"`
	Receipt         *Receipt `json:"receipt,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// DesktopNotice is raised when a payout finishes and no UI view is attached.
type DesktopNotice struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	// opened when the notice is clicked, empty when unknown
	URL string `json:"url"`
}
