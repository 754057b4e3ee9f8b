package payroll

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Payment frequencies, as stored in Payment.Type
const (
	PAYMENT_ONE_TIME  = "one_time"
	PAYMENT_WEEKLY    = "weekly"
	PAYMENT_BI_WEEKLY = "bi_weekly"
	PAYMENT_MONTHLY   = "monthly"
	PAYMENT_QUARTERLY = "quarterly"
	PAYMENT_ANNUAL    = "annual"
)

// Payment is an amount in fiat (USD) owed to a wallet address.
type Payment struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	Email   string          `json:"email,omitempty"`
	Name    string          `json:"name,omitempty"`
	DueDate string          `json:"due_date,omitempty"`
	Type    string          `json:"type,omitempty"`
}

// Key identifies a payment for deduplication.
func (p Payment) Key() string {
	amount := ""
	if !p.Amount.IsZero() {
		amount = p.Amount.String()
	}
	return strings.Join([]string{p.Address, p.Email, amount, p.Type, p.DueDate}, "__")
}

type Contact struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Address   string `json:"address"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Key identifies a contact for deduplication.
func (c Contact) Key() string {
	return c.Address + "__" + c.Email
}

// DeduplicatePayments keeps the first occurrence of each payment.
func DeduplicatePayments(payments []Payment) []Payment {
	return uniqBy(payments, Payment.Key)
}

// DeduplicateContacts keeps the first occurrence of each contact.
func DeduplicateContacts(contacts []Contact) []Contact {
	return uniqBy(contacts, Contact.Key)
}

// PaymentsTotal sums payment amounts, rounded to cents.
func PaymentsTotal(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total.Round(2)
}

// FindTransaction returns the first record that paid this payment.
func FindTransaction(records []TransactionRecord, payment Payment) (TransactionRecord, bool) {
	key := payment.Key()
	for _, r := range records {
		if r.Payment != nil && r.Payment.Key() == key {
			return r, true
		}
		for _, p := range r.Payments {
			if p.Key() == key {
				return r, true
			}
		}
	}
	return TransactionRecord{}, false
}

// PendingPayments are payments with an amount that no transaction has paid.
func PendingPayments(payments []Payment, records []TransactionRecord) []Payment {
	pending := []Payment{}
	for _, p := range payments {
		if p.Amount.IsZero() {
			continue
		}
		if _, paid := FindTransaction(records, p); !paid {
			pending = append(pending, p)
		}
	}
	return pending
}

// ContactPayments returns the payments belonging to a contact.
func ContactPayments(contact Contact, payments []Payment) []Payment {
	out := []Payment{}
	for _, p := range payments {
		if p.Address == "" || p.Address != contact.Address {
			continue
		}
		if (p.Email != "" && p.Email == contact.Email) || (contact.CreatedAt == "" && p.Email == "") {
			out = append(out, p)
		}
	}
	return out
}

func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}

func uniqBy[T any](items []T, key func(T) string) []T {
	seen := make(map[string]bool, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		k := key(item)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, item)
	}
	return out
}
