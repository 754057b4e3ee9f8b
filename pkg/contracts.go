package payroll

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-faster/errors"
)

// Chains that support smart wallet deployment.
const (
	CHAIN_ROPSTEN         int64 = 3
	CHAIN_KOVAN           int64 = 42
	CHAIN_HARMONY_TESTNET int64 = 1666700000
)

// PackBatchCall encodes the calldata for a batch payout call, converting
// the hex arguments to the Go types the ABI declares.
func PackBatchCall(rawABI json.RawMessage, args *CallArguments) ([]byte, error) {
	contract, err := ParseABI(rawABI)
	if err != nil {
		return nil, errors.Wrap(err, "parse abi")
	}
	method, ok := BatchMethod(contract)
	if !ok {
		return nil, errors.New("abi has no batch payout function")
	}
	sources := [][]string{args.Recipients, args.Values, args.TokenPointers, args.TokenAddresses}
	if len(method.Inputs) > len(sources) {
		return nil, errors.Errorf("%s takes %d arguments", method.Name, len(method.Inputs))
	}
	values := make([]any, 0, len(method.Inputs))
	for i, in := range method.Inputs {
		v, err := abiSlice(in.Type, sources[i])
		if err != nil {
			return nil, errors.Wrapf(err, "argument %s", in.Name)
		}
		values = append(values, v)
	}
	return contract.Pack(method.Name, values...)
}

func abiSlice(t abi.Type, items []string) (any, error) {
	if t.T != abi.SliceTy {
		return nil, errors.Errorf("unsupported argument type %s", t.String())
	}
	switch t.Elem.T {
	case abi.AddressTy:
		out := make([]common.Address, 0, len(items))
		for _, s := range items {
			if !common.IsHexAddress(s) {
				return nil, errors.Errorf("invalid address %q", s)
			}
			out = append(out, common.HexToAddress(s))
		}
		return out, nil
	case abi.UintTy:
		ints := make([]*big.Int, 0, len(items))
		for _, s := range items {
			n, err := hexutil.DecodeBig(s)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid value %q", s)
			}
			ints = append(ints, n)
		}
		return uintSlice(t.Elem.Size, ints)
	}
	return nil, errors.Errorf("unsupported element type %s", t.Elem.String())
}

func uintSlice(size int, ints []*big.Int) (any, error) {
	for _, n := range ints {
		if n.BitLen() > size {
			return nil, errors.Errorf("value %s overflows uint%d", n, size)
		}
	}
	switch size {
	case 8:
		out := make([]uint8, len(ints))
		for i, n := range ints {
			out[i] = uint8(n.Uint64())
		}
		return out, nil
	case 16:
		out := make([]uint16, len(ints))
		for i, n := range ints {
			out[i] = uint16(n.Uint64())
		}
		return out, nil
	case 32:
		out := make([]uint32, len(ints))
		for i, n := range ints {
			out[i] = uint32(n.Uint64())
		}
		return out, nil
	case 64:
		out := make([]uint64, len(ints))
		for i, n := range ints {
			out[i] = n.Uint64()
		}
		return out, nil
	}
	return ints, nil
}

// CreateWalletRequest is the create_wallet task payload.
type CreateWalletRequest struct {
	Account string `json:"account"`
	Chain   int64  `json:"chain"`
	// smart wallets the user already has, by chain
	SmartWallets map[int64]string `json:"smartWallets,omitempty"`
	StableCoin   string           `json:"stableCoin,omitempty"`
	TerraAddress string           `json:"terraAddress,omitempty"`
}

// WalletDeployment builds the contract creation transaction for a smart
// wallet, with the chain-specific bridge and swap constructor arguments.
func WalletDeployment(registry *Registry, req CreateWalletRequest) (TxRequest, error) {
	if !common.IsHexAddress(req.Account) {
		return TxRequest{}, UserErr(InvalidWalletAddress)
	}
	switch req.Chain {
	case CHAIN_ROPSTEN, CHAIN_KOVAN, CHAIN_HARMONY_TESTNET:
	default:
		return TxRequest{}, UserErr(CreateWalletFailed)
	}
	details, ok := registry.WalletContract(req.Chain)
	if !ok || details.Bytecode == "" {
		return TxRequest{}, UserErr(CreateWalletFailed)
	}
	bytecode, err := hexutil.Decode(details.Bytecode)
	if err != nil {
		return TxRequest{}, UserErr(CreateWalletFailed)
	}
	contract, err := ParseABI(details.ABI)
	if err != nil {
		return TxRequest{}, UserErr(CreateWalletFailed)
	}

	recipient := func(chain int64) common.Address {
		if w := req.SmartWallets[chain]; common.IsHexAddress(w) {
			return common.HexToAddress(w)
		}
		return common.HexToAddress(req.Account)
	}
	token := func(symbol string) common.Address {
		addr, _, ok := registry.TokenAddress(symbol, req.Chain)
		if !ok {
			return common.Address{}
		}
		return common.HexToAddress(addr)
	}

	var args []any
	switch req.Chain {
	case CHAIN_KOVAN:
		args = []any{
			recipient(CHAIN_HARMONY_TESTNET),
			common.HexToAddress(details.Bridge),
			common.HexToAddress(details.BridgeERC20),
		}
	case CHAIN_HARMONY_TESTNET:
		stable := req.StableCoin
		if stable == "" {
			stable = "UST"
		}
		terra := []byte{}
		if req.TerraAddress != "" {
			terra = []byte(req.TerraAddress)
		}
		args = []any{
			recipient(CHAIN_KOVAN),
			common.HexToAddress(details.BridgeERC20),
			terra,
			common.HexToAddress(details.BridgeTerra),
			common.HexToAddress(details.Swap),
			token(stable),
			token("1ETH"),
		}
	}
	packed, err := contract.Pack("", args...)
	if err != nil {
		return TxRequest{}, errors.Wrap(err, "pack constructor")
	}
	data := append(bytecode, packed...)
	return TxRequest{From: req.Account, Value: new(big.Int), Data: data}, nil
}
