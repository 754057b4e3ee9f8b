package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-faster/errors"
	payroll "github.com/payrollrelay/payroll/pkg"
	"go.uber.org/zap"
)

// interface guard ensures Provider implements payroll.WalletProvider
var _ payroll.WalletProvider = &Provider{}

const defaultPollInterval = 2 * time.Second

/*
Provider is a wallet provider backed by a node's JSON-RPC: the node holds
the keys (a dev node, or a signer proxy such as Clef) and signs
eth_sendTransaction itself.

Submitted transactions are followed by polling for the receipt and the
head block, since plain HTTP endpoints offer no subscriptions.
*/
type Provider struct {
	rpc    *rpc.Client
	client *ethclient.Client
	poll   time.Duration
	// confirmations after which a transaction is resolved
	finality uint64
	log      *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the chain's RPC endpoint.
func Dial(ctx context.Context, conf payroll.ChainConfig) (*Provider, error) {
	c, err := rpc.DialContext(ctx, conf.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", conf.RPCURL)
	}
	return NewProvider(c, conf.PollInterval), nil
}

func NewProvider(c *rpc.Client, poll time.Duration) *Provider {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Provider{
		rpc:      c,
		client:   ethclient.NewClient(c),
		poll:     poll,
		finality: 1,
		log:      zap.L().Named("evm"),
		done:     make(chan struct{}),
	}
}

// Close stops watchers and listeners and closes the RPC connection.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.rpc.Close()
	})
}

func (p *Provider) RequestAccounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.rpc.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		// plain nodes only know eth_accounts
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32601 {
			return p.Accounts(ctx)
		}
		return nil, errors.Wrap(err, "eth_requestAccounts")
	}
	return accounts, nil
}

func (p *Provider) Accounts(ctx context.Context) ([]string, error) {
	var accounts []common.Address
	if err := p.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, errors.Wrap(err, "eth_accounts")
	}
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Hex())
	}
	return out, nil
}

func (p *Provider) ChainID(ctx context.Context) (int64, error) {
	id, err := p.client.ChainID(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "eth_chainId")
	}
	return id.Int64(), nil
}

func (p *Provider) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, payroll.UserErr(payroll.InvalidWalletAddress)
	}
	b, err := p.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, errors.Wrap(err, "eth_getBalance")
	}
	return b, nil
}

func (p *Provider) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	if !common.IsHexAddress(to) {
		return nil, payroll.UserErr(payroll.InvalidWalletAddress)
	}
	addr := common.HexToAddress(to)
	out, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "eth_call")
	}
	return out, nil
}

type sendArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

// SendTransaction asks the node to sign and broadcast tx. A rejection by
// the node is reported as a TxError event, like a failure after broadcast.
func (p *Provider) SendTransaction(ctx context.Context, tx payroll.TxRequest) (<-chan payroll.WalletEvent, error) {
	if !common.IsHexAddress(tx.From) {
		return nil, payroll.UserErr(payroll.InvalidWalletAddress)
	}
	args := sendArgs{From: common.HexToAddress(tx.From), Data: tx.Data}
	if tx.To != "" {
		if !common.IsHexAddress(tx.To) {
			return nil, payroll.UserErr(payroll.InvalidWalletAddress)
		}
		to := common.HexToAddress(tx.To)
		args.To = &to
	}
	if tx.Value != nil {
		args.Value = (*hexutil.Big)(tx.Value)
	}

	events := make(chan payroll.WalletEvent, 16)
	var hash common.Hash
	if err := p.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		events <- payroll.WalletEvent{Kind: payroll.TxError, Err: errors.Wrap(err, "eth_sendTransaction")}
		close(events)
		return events, nil
	}
	events <- payroll.WalletEvent{Kind: payroll.TxHash, Hash: hash.Hex()}
	go p.watch(hash, events)
	return events, nil
}

// watch follows a broadcast transaction until it is resolved or fails.
func (p *Provider) watch(hash common.Hash, events chan<- payroll.WalletEvent) {
	defer close(events)
	var (
		receipt *payroll.Receipt
		block   uint64
		emitted uint64
	)
	for {
		select {
		case <-p.done:
			return
		case <-time.After(p.poll):
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.poll*5)
		if receipt == nil {
			r, err := p.client.TransactionReceipt(ctx, hash)
			if err != nil {
				cancel()
				if !errors.Is(err, ethereum.NotFound) {
					p.log.Debug("receipt poll failed", zap.String("hash", hash.Hex()), zap.Error(err))
				}
				continue
			}
			receipt = toReceipt(r)
			block = r.BlockNumber.Uint64()
			events <- payroll.WalletEvent{Kind: payroll.TxReceipt, Hash: receipt.TransactionHash, Receipt: receipt}
			if r.Status != gethtypes.ReceiptStatusSuccessful {
				cancel()
				events <- payroll.WalletEvent{Kind: payroll.TxError, Hash: receipt.TransactionHash, Receipt: receipt,
					Err: errors.Errorf("transaction %s reverted", receipt.TransactionHash)}
				return
			}
		}
		head, err := p.client.BlockNumber(ctx)
		cancel()
		if err != nil || head < block {
			continue
		}
		confirmations := head - block + 1
		for emitted < confirmations {
			emitted++
			events <- payroll.WalletEvent{Kind: payroll.TxConfirmation, Hash: receipt.TransactionHash, Confirmation: emitted, Receipt: receipt}
		}
		if confirmations >= p.finality {
			events <- payroll.WalletEvent{Kind: payroll.TxResolved, Hash: receipt.TransactionHash, Receipt: receipt}
			return
		}
	}
}

func (p *Provider) TransactionReceipt(ctx context.Context, hash string) (*payroll.Receipt, error) {
	r, err := p.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, payroll.NewErr(payroll.NotFound, "receipt not found: %s", hash)
	}
	if err != nil {
		return nil, errors.Wrap(err, "eth_getTransactionReceipt")
	}
	return toReceipt(r), nil
}

func toReceipt(r *gethtypes.Receipt) *payroll.Receipt {
	out := &payroll.Receipt{
		TransactionHash: r.TxHash.Hex(),
		Status:          r.Status,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if (r.ContractAddress != common.Address{}) {
		out.ContractAddress = r.ContractAddress.Hex()
	}
	if raw, err := json.Marshal(r); err == nil {
		out.Raw = raw
	}
	return out
}

func (p *Provider) SwitchChain(ctx context.Context, chain int64) error {
	params := map[string]string{"chainId": hexutil.EncodeUint64(uint64(chain))}
	if err := p.rpc.CallContext(ctx, nil, "wallet_switchEthereumChain", params); err != nil {
		return errors.Wrap(err, "wallet_switchEthereumChain")
	}
	return nil
}
