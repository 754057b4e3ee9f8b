package payroll

import (
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	METHOD_DEFAULT PaymentMethod = "default"
	METHOD_SMART   PaymentMethod = "smart"
)

// ComposeRequest is everything the Composer needs to build one payload.
type ComposeRequest struct {
	Payments []Payment     `json:"payments"`
	Address  string        `json:"address"`
	Chain    int64         `json:"chain"`
	Method   PaymentMethod `json:"paymentMethod"`
	Currency string        `json:"currency,omitempty"`
	// crypto per one fiat unit; looked up by the API when zero
	Rate decimal.Decimal `json:"rate"`
	// stablecoin symbol and the user's smart wallet, for METHOD_SMART
	StableCoin    string `json:"stableCoin,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	// UI state echoed into the payload snapshot
	Screen string          `json:"screen,omitempty"`
	Dialog json.RawMessage `json:"dialog,omitempty"`
}

// CallArguments are the positional arguments of a batch payout call.
type CallArguments struct {
	Recipients     []string `json:"recipients"`
	Values         []string `json:"values"`
	TokenPointers  []string `json:"tokenPointers,omitempty"`
	TokenAddresses []string `json:"tokenAddresses,omitempty"`
}

// PayoutPayload is the request body of the make_payout task. Direct
// payments carry To; batch and smart wallet payments carry ABI,
// ContractAddress and Data instead.
type PayoutPayload struct {
	From            string          `json:"from"`
	To              string          `json:"to,omitempty"`
	Value           string          `json:"value"`
	ABI             json.RawMessage `json:"abi,omitempty"`
	ContractAddress string          `json:"contractAddress,omitempty"`
	Data            *CallArguments  `json:"data,omitempty"`
	Meta            PayoutMeta      `json:"meta"`
	Snapshot        *Snapshot       `json:"snapshot,omitempty"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod,omitempty"`
}

// IsContractCall reports whether the payload targets a batch or wallet contract.
func (p PayoutPayload) IsContractCall() bool {
	return len(p.ABI) > 0 && p.ContractAddress != "" && p.Data != nil
}

// Composer builds payout payloads. It performs no I/O.
type Composer struct {
	registry        *Registry
	defaultDecimals int
}

func NewComposer(registry *Registry, defaultDecimals int) Composer {
	if defaultDecimals <= 0 {
		defaultDecimals = 18
	}
	return Composer{registry: registry, defaultDecimals: defaultDecimals}
}

func (c Composer) Compose(req ComposeRequest) (PayoutPayload, error) {
	if req.Address == "" {
		return PayoutPayload{}, UserErr(MetamaskAuthRequired)
	}
	if len(req.Payments) == 0 {
		return PayoutPayload{}, NewErr(BadRequest, "Invalid payment details.")
	}
	snapshot := &Snapshot{Screen: req.Screen, Dialog: req.Dialog}
	if len(req.Payments) == 1 && req.Method != METHOD_SMART {
		return c.composeDirect(req, snapshot)
	}
	return c.composeBatch(req, snapshot)
}

func (c Composer) converter(req ComposeRequest) Converter {
	return NewConverter(req.Rate, c.registry.NativeDecimals(req.Chain, c.defaultDecimals))
}

func (c Composer) currency(req ComposeRequest) string {
	if req.Currency != "" {
		return req.Currency
	}
	if req.Method == METHOD_SMART {
		return req.StableCoin
	}
	return c.registry.NativeSymbol(req.Chain)
}

func (c Composer) composeDirect(req ComposeRequest, snapshot *Snapshot) (PayoutPayload, error) {
	payment := req.Payments[0]
	value := c.converter(req).ToPayable(payment.Amount)
	if !IsAddress(payment.Address) || !value.IsPositive() {
		return PayoutPayload{}, PaymentFailedErr(1)
	}
	return PayoutPayload{
		From:  req.Address,
		To:    payment.Address,
		Value: hexutil.EncodeBig(BigInt(value)),
		Meta: PayoutMeta{
			From:     req.Address,
			To:       payment.Address,
			Value:    value.String(),
			Chain:    req.Chain,
			Currency: c.currency(req),
			Payment:  &payment,
		},
		Snapshot: snapshot,
	}, nil
}

func (c Composer) composeBatch(req ComposeRequest, snapshot *Snapshot) (PayoutPayload, error) {
	smart := req.Method == METHOD_SMART
	unresolved := UserErr(NetworkBatchNotSupported)
	if smart {
		unresolved = UserErr(SmartWalletPaymentFailed)
	}

	var rawABI json.RawMessage
	var contractAddress, stableAddress string
	var stableDecimals int
	if smart {
		wallet, ok := c.registry.WalletContract(req.Chain)
		if !ok || !IsAddress(req.WalletAddress) {
			return PayoutPayload{}, unresolved
		}
		rawABI, contractAddress = wallet.ABI, req.WalletAddress
		stableAddress, stableDecimals, ok = c.registry.TokenAddress(req.StableCoin, req.Chain)
		if !ok {
			return PayoutPayload{}, unresolved
		}
	} else {
		batch, ok := c.registry.BatchContract(req.Chain)
		if !ok {
			return PayoutPayload{}, unresolved
		}
		rawABI, contractAddress = batch.ABI, batch.Address
	}
	parsed, err := ParseABI(rawABI)
	if err != nil {
		return PayoutPayload{}, unresolved
	}
	method, ok := BatchMethod(parsed)
	if !ok {
		return PayoutPayload{}, unresolved
	}
	multiToken := SupportsTokenPointers(method)

	conv := c.converter(req)
	n := len(req.Payments)
	args := &CallArguments{Recipients: make([]string, 0, n), Values: make([]string, 0, n)}
	rawValues := make([]string, 0, n)
	total := decimal.Zero
	for _, p := range req.Payments {
		var value decimal.Decimal
		if smart {
			value = StableCoinPayable(p.Amount, stableDecimals)
		} else {
			value = conv.ToPayable(p.Amount)
		}
		if !IsAddress(p.Address) || !value.IsPositive() {
			return PayoutPayload{}, PaymentFailedErr(n)
		}
		args.Recipients = append(args.Recipients, p.Address)
		args.Values = append(args.Values, hexutil.EncodeBig(BigInt(value)))
		rawValues = append(rawValues, value.String())
		total = total.Add(value)
		if multiToken {
			pointer := uint64(0)
			if smart {
				pointer = 1
			}
			args.TokenPointers = append(args.TokenPointers, hexutil.EncodeUint64(pointer))
		}
	}
	if multiToken {
		args.TokenAddresses = []string{}
		if smart {
			args.TokenAddresses = append(args.TokenAddresses, stableAddress)
		}
	}

	return PayoutPayload{
		From:            req.Address,
		Value:           hexutil.EncodeBig(BigInt(total)),
		ABI:             rawABI,
		ContractAddress: contractAddress,
		Data:            args,
		Meta: PayoutMeta{
			From:       req.Address,
			To:         contractAddress,
			Value:      total.String(),
			Chain:      req.Chain,
			Currency:   c.currency(req),
			Recipients: args.Recipients,
			Values:     rawValues,
			Payments:   req.Payments,
		},
		Snapshot:      snapshot,
		PaymentMethod: req.Method,
	}, nil
}

// BatchMethod finds the payout function of a batch or smart wallet
// contract: batchTransfer or payout by name, else the first function whose
// leading inputs are (address[], uint[]).
func BatchMethod(contract abi.ABI) (abi.Method, bool) {
	for _, name := range []string{"batchTransfer", "payout"} {
		if m, ok := contract.Methods[name]; ok {
			return m, true
		}
	}
	names := make([]string, 0, len(contract.Methods))
	for name := range contract.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := contract.Methods[name]
		if len(m.Inputs) < 2 {
			continue
		}
		recipients, values := m.Inputs[0].Type, m.Inputs[1].Type
		if recipients.T == abi.SliceTy && recipients.Elem.T == abi.AddressTy &&
			values.T == abi.SliceTy && values.Elem.T == abi.UintTy {
			return m, true
		}
	}
	return abi.Method{}, false
}

// SupportsTokenPointers reports whether a payout function takes a
// per-recipient token index alongside a token address list.
func SupportsTokenPointers(m abi.Method) bool {
	names := map[string]bool{}
	for _, in := range m.Inputs {
		names[in.Name] = true
	}
	return (names["tokenAddressIndices"] || names["tokenPointers"]) && names["tokenAddresses"]
}
