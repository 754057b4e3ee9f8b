package payroll

import (
	"bytes"
	"embed"
	"encoding/json"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/go-faster/errors"
)

//go:embed registry/chains.json registry/contracts.json
var registryFS embed.FS

type Chain struct {
	Name           string `json:"name"`
	ChainID        int64  `json:"chainId"`
	NativeCurrency struct {
		Name     string `json:"name"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"nativeCurrency"`
	Explorers []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"explorers"`
}

type BatchContract struct {
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

type WalletContract struct {
	ABI         json.RawMessage `json:"abi"`
	Bytecode    string          `json:"bytecode"`
	Swap        string          `json:"swap,omitempty"`
	Bridge      string          `json:"bridge,omitempty"`
	BridgeERC20 string          `json:"bridge_erc20,omitempty"`
	BridgeTerra string          `json:"bridge_terra,omitempty"`
}

type Token struct {
	Decimals int              `json:"decimals"`
	Chains   map[int64]string `json:"chains"`
}

type Contracts struct {
	Batch  map[int64]BatchContract  `json:"batch"`
	Wallet map[int64]WalletContract `json:"wallet"`
	Token  map[string]Token         `json:"token"`
	ERC20  struct {
		ABI json.RawMessage `json:"abi"`
	} `json:"erc20"`
}

// Registry resolves per-chain metadata and contract details.
type Registry struct {
	chains    map[int64]Chain
	contracts Contracts
}

// DefaultRegistry loads the embedded chain and contract registries.
func DefaultRegistry() (*Registry, error) {
	chains, err := registryFS.ReadFile("registry/chains.json")
	if err != nil {
		return nil, err
	}
	contracts, err := registryFS.ReadFile("registry/contracts.json")
	if err != nil {
		return nil, err
	}
	return NewRegistry(chains, contracts)
}

// LoadRegistry loads registries from files, falling back to the embedded
// copy for any path left empty.
func LoadRegistry(chainsPath, contractsPath string) (*Registry, error) {
	chains, err := readOrEmbedded(chainsPath, "registry/chains.json")
	if err != nil {
		return nil, err
	}
	contracts, err := readOrEmbedded(contractsPath, "registry/contracts.json")
	if err != nil {
		return nil, err
	}
	return NewRegistry(chains, contracts)
}

func readOrEmbedded(path, embedded string) ([]byte, error) {
	if path == "" {
		return registryFS.ReadFile(embedded)
	}
	return os.ReadFile(path)
}

func NewRegistry(chainsJSON, contractsJSON []byte) (*Registry, error) {
	var list []Chain
	if err := json.Unmarshal(chainsJSON, &list); err != nil {
		return nil, errors.Wrap(err, "decode chains")
	}
	r := &Registry{chains: make(map[int64]Chain, len(list))}
	for _, c := range list {
		r.chains[c.ChainID] = c
	}
	if err := json.Unmarshal(contractsJSON, &r.contracts); err != nil {
		return nil, errors.Wrap(err, "decode contracts")
	}
	return r, nil
}

func (r *Registry) Chain(id int64) (Chain, bool) {
	c, ok := r.chains[id]
	return c, ok
}

// ExplorerURL returns the first block explorer for a chain, or "".
func (r *Registry) ExplorerURL(id int64) string {
	c, ok := r.chains[id]
	if !ok || len(c.Explorers) == 0 {
		return ""
	}
	return c.Explorers[0].URL
}

// NativeDecimals returns the native currency decimals, or fallback.
func (r *Registry) NativeDecimals(id int64, fallback int) int {
	c, ok := r.chains[id]
	if !ok || c.NativeCurrency.Decimals == 0 {
		return fallback
	}
	return c.NativeCurrency.Decimals
}

// NativeSymbol returns the native currency symbol, or "".
func (r *Registry) NativeSymbol(id int64) string {
	return r.chains[id].NativeCurrency.Symbol
}

func (r *Registry) BatchContract(chain int64) (BatchContract, bool) {
	c, ok := r.contracts.Batch[chain]
	return c, ok && c.Address != "" && len(c.ABI) > 0
}

func (r *Registry) WalletContract(chain int64) (WalletContract, bool) {
	c, ok := r.contracts.Wallet[chain]
	return c, ok && len(c.ABI) > 0
}

// TokenAddress resolves a token by symbol on a chain.
func (r *Registry) TokenAddress(symbol string, chain int64) (address string, decimals int, ok bool) {
	t, found := r.contracts.Token[symbol]
	if !found {
		return "", 0, false
	}
	address = t.Chains[chain]
	if !IsAddress(address) {
		return "", t.Decimals, false
	}
	return address, t.Decimals, true
}

func (r *Registry) ERC20ABI() (abi.ABI, error) {
	return ParseABI(r.contracts.ERC20.ABI)
}

func ParseABI(raw json.RawMessage) (abi.ABI, error) {
	if len(raw) == 0 {
		return abi.ABI{}, errors.New("empty abi")
	}
	return abi.JSON(bytes.NewReader(raw))
}
