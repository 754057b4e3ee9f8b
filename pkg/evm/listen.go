package evm

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	payroll "github.com/payrollrelay/payroll/pkg"
	"go.uber.org/zap"
)

// Listen emulates the injected-provider events by polling the node:
// accountsChanged and chainChanged fire when the value changes, connect
// and disconnect when the node becomes reachable or unreachable, and
// message for each new head block.
func (p *Provider) Listen(ctx context.Context, event string, fn func(data json.RawMessage)) error {
	var poll func(ctx context.Context) (any, error)
	switch payroll.EVENT_EVT(event) {
	case payroll.EVT_ACCOUNTS_CHANGED:
		poll = func(ctx context.Context) (any, error) { return p.Accounts(ctx) }
	case payroll.EVT_CHAIN_CHANGED:
		poll = func(ctx context.Context) (any, error) {
			id, err := p.ChainID(ctx)
			return hexutil.EncodeUint64(uint64(id)), err
		}
	case payroll.EVT_MESSAGE:
		poll = func(ctx context.Context) (any, error) {
			head, err := p.client.BlockNumber(ctx)
			return map[string]any{"type": "eth_subscription", "data": map[string]string{"number": hexutil.EncodeUint64(head)}}, err
		}
	case payroll.EVT_CONNECT, payroll.EVT_DISCONNECT:
		go p.watchConnection(ctx, payroll.EVENT_EVT(event), fn)
		return nil
	default:
		return payroll.NewErr(payroll.BadRequest, "unknown wallet event %q", event)
	}
	go p.watchValue(ctx, event, poll, fn)
	return nil
}

func (p *Provider) watchValue(ctx context.Context, event string, poll func(context.Context) (any, error), fn func(json.RawMessage)) {
	var last []byte
	for {
		v, err := p.pollOnce(ctx, poll)
		if err == nil {
			raw, err := json.Marshal(v)
			if err == nil && last != nil && !slices.Equal(raw, last) {
				fn(raw)
			}
			if err == nil {
				last = raw
			}
		} else {
			p.log.Debug("wallet event poll failed", zap.String("event", event), zap.Error(err))
		}
		if !p.wait(ctx) {
			return
		}
	}
}

func (p *Provider) watchConnection(ctx context.Context, event payroll.EVENT_EVT, fn func(json.RawMessage)) {
	var connected *bool
	for {
		id, err := p.pollOnce(ctx, func(ctx context.Context) (any, error) { return p.ChainID(ctx) })
		up := err == nil
		if connected == nil || *connected != up {
			if up && event == payroll.EVT_CONNECT {
				raw, _ := json.Marshal(map[string]string{"chainId": hexutil.EncodeUint64(uint64(id.(int64)))})
				fn(raw)
			}
			if !up && connected != nil && event == payroll.EVT_DISCONNECT {
				raw, _ := json.Marshal(map[string]string{"message": err.Error()})
				fn(raw)
			}
			connected = &up
		}
		if !p.wait(ctx) {
			return
		}
	}
}

func (p *Provider) pollOnce(ctx context.Context, poll func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, p.poll*5)
	defer cancel()
	return poll(ctx)
}

// wait sleeps one poll interval; false means stop.
func (p *Provider) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	case <-time.After(p.poll):
		return true
	}
}
