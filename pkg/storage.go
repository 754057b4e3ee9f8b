package payroll

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Storage is the typed view over a Store. All read-modify-write cycles on a
// key go through one mutex, so the Executor and Reconciler never lose each
// other's updates to the transactions list.
type Storage struct {
	store Store
	mu    sync.Mutex
}

func NewStorage(store Store) *Storage {
	return &Storage{store: store}
}

func (s *Storage) read(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// a value of another shape (ie: a cleared snapshot) reads as missing
		return false, nil
	}
	return true, nil
}

func (s *Storage) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return NewErr(SaveFailed, "encode %s: %v", key, err)
	}
	return s.store.Set(ctx, key, raw)
}

// addItems prepends items to the array at key, then deduplicates.
// Caller must hold s.mu.
func addItems[T any](ctx context.Context, s *Storage, key string, items []T, dedupe func([]T) []T) ([]T, error) {
	var existing []T
	if _, err := s.read(ctx, key, &existing); err != nil {
		return nil, err
	}
	updated := make([]T, 0, len(items)+len(existing))
	updated = append(updated, items...)
	updated = append(updated, existing...)
	if dedupe != nil {
		updated = dedupe(updated)
	}
	if err := s.write(ctx, key, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func readArray[T any](ctx context.Context, s *Storage, key string) ([]T, error) {
	items := []T{}
	if _, err := s.read(ctx, key, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

/* Transactions */

func (s *Storage) Transactions(ctx context.Context) ([]TransactionRecord, error) {
	return readArray[TransactionRecord](ctx, s, KEY_TRANSACTIONS)
}

// SaveTransaction inserts or replaces the record with the same hash.
func (s *Storage) SaveTransaction(ctx context.Context, rec TransactionRecord) error {
	return s.SaveTransactions(ctx, []TransactionRecord{rec})
}

func (s *Storage) SaveTransactions(ctx context.Context, recs []TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := addItems(ctx, s, KEY_TRANSACTIONS, recs, DeduplicateTransactions)
	return err
}

// ConfirmTransactions flips confirmed=true for every hash in one write,
// leaving all other records untouched. It returns the updated list.
func (s *Storage) ConfirmTransactions(ctx context.Context, hashes []string) ([]TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := readArray[TransactionRecord](ctx, s, KEY_TRANSACTIONS)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return all, nil
	}
	confirm := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		confirm[h] = true
	}
	for i := range all {
		if confirm[all[i].Hash] {
			all[i].Confirmed = true
		}
	}
	if err := s.write(ctx, KEY_TRANSACTIONS, all); err != nil {
		return nil, err
	}
	return all, nil
}

/* Snapshot */

// Snapshot returns the saved snapshot, or nil.
func (s *Storage) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	found, err := s.read(ctx, KEY_SNAPSHOT, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (s *Storage) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	return s.write(ctx, KEY_SNAPSHOT, snap)
}

// ClearSnapshot stores an empty string, which reads back as no snapshot.
func (s *Storage) ClearSnapshot(ctx context.Context) error {
	return s.write(ctx, KEY_SNAPSHOT, "")
}

/* Session */

// PasscodeHash returns the stored versioned passcode hash, or "".
func (s *Storage) PasscodeHash(ctx context.Context) (string, error) {
	var h string
	_, err := s.read(ctx, KEY_HASH, &h)
	return h, err
}

func (s *Storage) SavePasscodeHash(ctx context.Context, hash string) error {
	return s.write(ctx, KEY_HASH, hash)
}

// LastActivity returns the last recorded activity, zero if none.
func (s *Storage) LastActivity(ctx context.Context) (time.Time, error) {
	var ms int64
	found, err := s.read(ctx, KEY_LAST_ACTIVITY_AT, &ms)
	if err != nil || !found {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Storage) SaveLastActivity(ctx context.Context, at time.Time) error {
	return s.write(ctx, KEY_LAST_ACTIVITY_AT, at.UnixMilli())
}

func (s *Storage) HidePrePaymentNotice(ctx context.Context) (bool, error) {
	var v string
	_, err := s.read(ctx, KEY_HIDE_PRE_PAYMENT_NOTICE, &v)
	return v == "true", err
}

func (s *Storage) SetHidePrePaymentNotice(ctx context.Context) error {
	return s.write(ctx, KEY_HIDE_PRE_PAYMENT_NOTICE, "true")
}

/* Addresses and networks */

func (s *Storage) Addresses(ctx context.Context) ([]string, error) {
	return readArray[string](ctx, s, KEY_ADDRESSES)
}

func (s *Storage) SaveAddresses(ctx context.Context, addrs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addItems(ctx, s, KEY_ADDRESSES, addrs, func(items []string) []string {
		return uniqBy(items, func(a string) string { return a })
	})
}

func (s *Storage) Networks(ctx context.Context) ([]int64, error) {
	return readArray[int64](ctx, s, KEY_NETWORKS)
}

func (s *Storage) SaveNetwork(ctx context.Context, chain int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addItems(ctx, s, KEY_NETWORKS, []int64{chain}, func(items []int64) []int64 {
		return uniqBy(items, func(c int64) string { return strconv.FormatInt(c, 10) })
	})
}

/* Contacts and payments */

func (s *Storage) Contacts(ctx context.Context) ([]Contact, error) {
	return readArray[Contact](ctx, s, KEY_CONTACTS)
}

func (s *Storage) SaveContacts(ctx context.Context, contacts []Contact) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addItems(ctx, s, KEY_CONTACTS, contacts, DeduplicateContacts)
}

// ReplaceContacts overwrites the contact list.
func (s *Storage) ReplaceContacts(ctx context.Context, contacts []Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, KEY_CONTACTS, DeduplicateContacts(contacts))
}

func (s *Storage) Payments(ctx context.Context) ([]Payment, error) {
	return readArray[Payment](ctx, s, KEY_PAYMENTS)
}

func (s *Storage) SavePayments(ctx context.Context, payments []Payment) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addItems(ctx, s, KEY_PAYMENTS, payments, DeduplicatePayments)
}

/* Balance */

func (s *Storage) Balance(ctx context.Context) (string, error) {
	var b string
	_, err := s.read(ctx, KEY_BALANCE, &b)
	return b, err
}

func (s *Storage) SaveBalance(ctx context.Context, balance string) error {
	return s.write(ctx, KEY_BALANCE, balance)
}

/* Integrations */

// Integrations returns the raw integrations map, keyed by integration name.
func (s *Storage) Integrations(ctx context.Context) (map[string]json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if _, err := s.read(ctx, KEY_INTEGRATIONS, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}

func (s *Storage) SaveIntegration(ctx context.Context, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.Integrations(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return NewErr(SaveFailed, "encode integration %s: %v", name, err)
	}
	m[name] = raw
	return s.write(ctx, KEY_INTEGRATIONS, m)
}

func (s *Storage) RemoveIntegration(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.Integrations(ctx)
	if err != nil {
		return err
	}
	delete(m, name)
	return s.write(ctx, KEY_INTEGRATIONS, m)
}

/* Smart wallets */

// Wallets maps chain id to the user's smart wallet contract address.
func (s *Storage) Wallets(ctx context.Context) (map[int64]string, error) {
	m := map[int64]string{}
	if _, err := s.read(ctx, KEY_WALLETS, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[int64]string{}
	}
	return m, nil
}

func (s *Storage) SaveWalletAddress(ctx context.Context, chain int64, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.Wallets(ctx)
	if err != nil {
		return err
	}
	m[chain] = address
	return s.write(ctx, KEY_WALLETS, m)
}
