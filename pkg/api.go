package payroll

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RateSource quotes how much of a crypto symbol one USD buys.
type RateSource interface {
	Rate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// API is the background process: every relay task lands on one of its
// methods.
type API struct {
	Config     Config
	Storage    *Storage
	Wallet     WalletProvider
	Bus        *MessageBus
	Registry   *Registry
	Composer   Composer
	Executor   *Executor
	Reconciler *Reconciler
	Session    *Session
	Contacts   *ContactService
	Rates      RateSource
	Views      *Views

	log *zap.Logger

	// provider event relays started by ListenForWalletEvents
	listenMu  sync.Mutex
	listening map[string]context.CancelFunc
}

func NewAPI(conf Config, store Store, wallet WalletProvider, bus *MessageBus, registry *Registry, rates RateSource, sheets SheetSource) *API {
	storage := NewStorage(store)
	views := &Views{}
	return &API{
		Config:     conf,
		Storage:    storage,
		Wallet:     wallet,
		Bus:        bus,
		Registry:   registry,
		Composer:   NewComposer(registry, conf.Payroll.DefaultDecimals),
		Executor:   NewExecutor(storage, wallet, bus, views, registry),
		Reconciler: NewReconciler(storage, wallet, conf.Reconciler.Concurrency, conf.Reconciler.Attempts),
		Session:    NewSession(storage, bus, conf),
		Contacts:   NewContactService(storage, sheets),
		Rates:      rates,
		Views:      views,
		log:        zap.L().Named("api"),
		listening:  map[string]context.CancelFunc{},
	}
}

// Close stops provider event relays.
func (a *API) Close() {
	a.listenMu.Lock()
	defer a.listenMu.Unlock()
	for name, cancel := range a.listening {
		cancel()
		delete(a.listening, name)
	}
}

/* Wallet */

func (a *API) RequestAccounts(ctx context.Context) ([]string, error) {
	accounts, err := a.Wallet.RequestAccounts(ctx)
	if err != nil {
		return nil, UserErr(MetamaskAuthRequired)
	}
	a.cacheAddresses(ctx, accounts)
	return accounts, nil
}

func (a *API) GetAccounts(ctx context.Context) ([]string, error) {
	accounts, err := a.Wallet.Accounts(ctx)
	if err != nil {
		return nil, UserErr(MetamaskAuthRequired)
	}
	a.cacheAddresses(ctx, accounts)
	return accounts, nil
}

func (a *API) cacheAddresses(ctx context.Context, accounts []string) {
	if len(accounts) == 0 {
		return
	}
	if _, err := a.Storage.SaveAddresses(ctx, accounts); err != nil {
		a.log.Debug("cache addresses", zap.Error(err))
	}
}

func (a *API) GetNetwork(ctx context.Context) (int64, error) {
	chain, err := a.Wallet.ChainID(ctx)
	if err != nil {
		return 0, NewErr(NotAvailable, "wallet provider unavailable: %v", err)
	}
	if _, err := a.Storage.SaveNetwork(ctx, chain); err != nil {
		a.log.Debug("cache network", zap.Error(err))
	}
	return chain, nil
}

type ListenRequest struct {
	Events []string `json:"events"`
}

// ListenForWalletEvents relays the named provider events onto the bus as
// {type:"event"} messages. Unknown names are ignored; a name already
// relayed is not registered twice. Returns the events now relayed.
func (a *API) ListenForWalletEvents(req ListenRequest) ([]string, error) {
	a.listenMu.Lock()
	defer a.listenMu.Unlock()
	started := []string{}
	for _, name := range req.Events {
		t, ok := EventByName(name)
		evt, isWalletEvent := t.(EVENT_EVT)
		if !ok || !isWalletEvent {
			continue
		}
		if _, ok := a.listening[name]; !ok {
			ctx, cancel := context.WithCancel(context.Background())
			err := a.Wallet.Listen(ctx, name, func(data json.RawMessage) {
				if err := a.Bus.Send(evt, WalletEventNotice{Data: data}); err != nil {
					a.log.Debug("relay wallet event", zap.String("event", name), zap.Error(err))
				}
			})
			if err != nil {
				cancel()
				return nil, NewErr(NotAvailable, "listen for %s: %v", name, err)
			}
			a.listening[name] = cancel
		}
		started = append(started, name)
	}
	return started, nil
}

// WalletEventNotice is the payload of a relayed provider event.
type WalletEventNotice struct {
	Data json.RawMessage `json:"data"`
}

type AddressRequest struct {
	Address string `json:"address"`
}

// GetBalance returns the native balance in smallest units.
func (a *API) GetBalance(ctx context.Context, req AddressRequest) (string, error) {
	if !IsAddress(req.Address) {
		return "", UserErr(InvalidWalletAddress)
	}
	balance, err := a.Wallet.Balance(ctx, req.Address)
	if err != nil {
		return "", NewErr(NotAvailable, "balance unavailable: %v", err)
	}
	b := balance.String()
	if err := a.Storage.SaveBalance(ctx, b); err != nil {
		a.log.Debug("cache balance", zap.Error(err))
	}
	return b, nil
}

type NetworkRequest struct {
	Chain int64 `json:"chain"`
}

func (a *API) ChangeNetwork(ctx context.Context, req NetworkRequest) (int64, error) {
	if req.Chain <= 0 {
		return 0, NewErr(BadRequest, "invalid chain id %d", req.Chain)
	}
	if err := a.Wallet.SwitchChain(ctx, req.Chain); err != nil {
		return 0, NewErr(NotAvailable, "switch to chain %d: %v", req.Chain, err)
	}
	return req.Chain, nil
}

type TokenBalanceRequest struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Chain   int64  `json:"chain"`
}

type TokenBalance struct {
	Token    string `json:"token"`
	Balance  string `json:"balance"`
	Decimals int    `json:"decimals"`
	Display  string `json:"display"`
}

// GetTokenBalance reads an ERC20 balance through the registry's token address.
func (a *API) GetTokenBalance(ctx context.Context, req TokenBalanceRequest) (TokenBalance, error) {
	if !IsAddress(req.Address) {
		return TokenBalance{}, UserErr(InvalidWalletAddress)
	}
	token, decimals, ok := a.Registry.TokenAddress(req.Token, req.Chain)
	if !ok {
		return TokenBalance{}, UserErr(UnknownError)
	}
	erc20, err := a.Registry.ERC20ABI()
	if err != nil {
		return TokenBalance{}, UserErr(UnknownError)
	}
	data, err := erc20.Pack("balanceOf", common.HexToAddress(req.Address))
	if err != nil {
		return TokenBalance{}, UserErr(UnknownError)
	}
	out, err := a.Wallet.Call(ctx, token, data)
	if err != nil {
		a.log.Warn("token balance call", zap.String("token", req.Token), zap.Error(err))
		return TokenBalance{}, UserErr(UnknownError)
	}
	values, err := erc20.Unpack("balanceOf", out)
	if err != nil || len(values) == 0 {
		return TokenBalance{}, UserErr(UnknownError)
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return TokenBalance{}, UserErr(UnknownError)
	}
	balance := decimal.NewFromBigInt(raw, 0)
	return TokenBalance{
		Token:    req.Token,
		Balance:  balance.String(),
		Decimals: decimals,
		Display:  balance.Shift(int32(-decimals)).Round(4).String(),
	}, nil
}

/* Payouts */

// ComposePayout builds a payout payload, quoting the rate for the chain's
// native currency when the request carries none.
func (a *API) ComposePayout(ctx context.Context, req ComposeRequest) (PayoutPayload, error) {
	if req.Method == "" {
		req.Method = METHOD_DEFAULT
	}
	if req.Method != METHOD_SMART && req.Rate.IsZero() {
		symbol := a.Registry.NativeSymbol(req.Chain)
		if a.Rates == nil || symbol == "" {
			return PayoutPayload{}, NewErr(NotAvailable, "no exchange rate for chain %d", req.Chain)
		}
		rate, err := a.Rates.Rate(ctx, symbol)
		if err != nil {
			a.log.Warn("exchange rate", zap.String("symbol", symbol), zap.Error(err))
			return PayoutPayload{}, NewErr(NotAvailable, "exchange rate unavailable for %s", symbol)
		}
		req.Rate = rate
	}
	if req.Method == METHOD_SMART && req.WalletAddress == "" {
		if wallets, err := a.Storage.Wallets(ctx); err == nil {
			req.WalletAddress = wallets[req.Chain]
		}
	}
	return a.Composer.Compose(req)
}

func (a *API) MakePayout(ctx context.Context, payload PayoutPayload) (string, error) {
	return a.Executor.Submit(ctx, payload)
}

func (a *API) CreateWallet(ctx context.Context, req CreateWalletRequest) (string, error) {
	if req.SmartWallets == nil {
		if wallets, err := a.Storage.Wallets(ctx); err == nil {
			req.SmartWallets = wallets
		}
	}
	return a.Executor.CreateWallet(ctx, req)
}

func (a *API) CleanTransactions(ctx context.Context) ([]TransactionRecord, error) {
	return a.Reconciler.Sweep(ctx)
}

func (a *API) GetTransactions(ctx context.Context) ([]TransactionRecord, error) {
	return a.Storage.Transactions(ctx)
}

/* Contacts */

func (a *API) SyncExternalContacts(ctx context.Context) ([]Contact, error) {
	return a.Contacts.SyncExternal(ctx)
}

func (a *API) SaveContact(ctx context.Context, contact Contact) ([]Contact, error) {
	return a.Contacts.SaveContacts(ctx, contact)
}

func (a *API) SavePayment(ctx context.Context, payment Payment) ([]Payment, error) {
	return a.Contacts.SavePayments(ctx, payment)
}

/* Session */

type AuthRequest struct {
	Passcode string `json:"passcode"`
}

func (a *API) Authenticate(ctx context.Context, req AuthRequest) (AuthResult, error) {
	return a.Session.Authenticate(ctx, req.Passcode)
}

// RestoreSession starts a view session: pending records are reconciled,
// then the snapshot is handed back if the user was active recently.
func (a *API) RestoreSession(ctx context.Context) (RestoreResult, error) {
	if _, err := a.Reconciler.Sweep(ctx); err != nil {
		a.log.Warn("session start sweep", zap.Error(err))
	}
	res, err := a.Session.Restore(ctx)
	if err != nil {
		return RestoreResult{}, err
	}
	if err := a.Session.Touch(ctx); err != nil {
		a.log.Debug("record activity", zap.Error(err))
	}
	return res, nil
}
