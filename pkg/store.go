package payroll

import "context"

// Store is the Persistent Store: a key/value store holding JSON documents.
// Implementations live in pkg/store.
type Store interface {
	// Get returns the raw value for key, or a NotFound error.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Persisted storage keys.
const (
	KEY_LAST_ACTIVITY_AT        = "last_activity_at"
	KEY_HIDE_PRE_PAYMENT_NOTICE = "hide_pre_payment_notice"
	KEY_SNAPSHOT                = "snapshot"
	KEY_HASH                    = "hash"
	KEY_ADDRESSES               = "addresses"
	KEY_NETWORKS                = "networks"
	KEY_CONTACTS                = "contacts"
	KEY_PAYMENTS                = "payments"
	KEY_TRANSACTIONS            = "transactions"
	KEY_BALANCE                 = "balance"
	KEY_INTEGRATIONS            = "integrations"
	KEY_WALLETS                 = "wallets"
)

var STORAGE_KEYS = []string{
	KEY_LAST_ACTIVITY_AT,
	KEY_HIDE_PRE_PAYMENT_NOTICE,
	KEY_SNAPSHOT,
	KEY_HASH,
	KEY_ADDRESSES,
	KEY_NETWORKS,
	KEY_CONTACTS,
	KEY_PAYMENTS,
	KEY_TRANSACTIONS,
	KEY_BALANCE,
	KEY_INTEGRATIONS,
	KEY_WALLETS,
}
