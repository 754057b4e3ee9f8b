package main

import (
	"context"
	"fmt"
	"time"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/conductor"
	"github.com/payrollrelay/payroll/pkg/evm"
	"github.com/payrollrelay/payroll/pkg/rates"
	"github.com/payrollrelay/payroll/pkg/receivers"
	"github.com/payrollrelay/payroll/pkg/services"
	"github.com/payrollrelay/payroll/pkg/sheets"
	"github.com/payrollrelay/payroll/pkg/store"
	"github.com/payrollrelay/payroll/pkg/webapi"
	"go.uber.org/zap"
)

func Server(conf payroll.Config) error {
	log := zap.L().Named("server")

	c := conductor.NewConductor(
		conductor.HookSignals(),
		conductor.Noisy(),
	)

	// Start the MessageBus Service
	bus := payroll.NewMessageBus()
	c.Service("MessageBus", bus)

	// Set up all configured receivers
	receivers.SetUpReceivers(c, bus, conf)

	registry, err := payroll.LoadRegistry(conf.Payroll.ChainsFile, conf.Payroll.ContractsFile)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	// Set up the wallet provider
	chain, ok := conf.Chains[conf.Payroll.Network]
	if !ok {
		return fmt.Errorf("no [chains.%s] configured for network %q", conf.Payroll.Network, conf.Payroll.Network)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	wallet, err := evm.Dial(ctx, chain)
	if err != nil {
		return fmt.Errorf("dial wallet provider: %w", err)
	}
	defer wallet.Close()

	// Setup a Store
	st, err := store.New(ctx, conf)
	if err != nil {
		return fmt.Errorf("open %s store: %w", conf.Store.Backend, err)
	}
	defer st.Close()

	var sheetSource payroll.SheetSource
	if conf.Sheets.Token != "" {
		sheetSource = sheets.NewClient(conf)
	}

	api := payroll.NewAPI(conf, st, wallet, bus, registry, rates.NewCryptoCompare(conf), sheetSource)

	// Start internal services
	services.StartServices(c, api, conf)

	// Start the relay API
	p, err := webapi.NewWebAPI(conf, api)
	if err != nil {
		return err
	}
	c.Service("Relay API", p)

	log.Info("starting", zap.String("network", conf.Payroll.Network), zap.String("store", conf.Store.Backend))
	bus.Send(payroll.SYS_STARTUP, "")
	<-c.Start()
	return nil
}
