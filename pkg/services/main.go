package services

import (
	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/conductor"
)

func StartServices(cond *conductor.Conductor, api *payroll.API, conf payroll.Config) {
	// ReconcileKeeper confirms pending transaction records in the background.
	if conf.Reconciler.Interval > 0 {
		cond.Service("ReconcileKeeper", NewReconcileKeeper(api.Reconciler, conf.Reconciler.Interval))
	}

	// RateKeeper keeps the exchange rate cache warm.
	if conf.Rates.Refresh > 0 && len(conf.Rates.Symbols) > 0 && api.Rates != nil {
		cond.Service("RateKeeper", NewRateKeeper(api.Rates, conf.Rates.Symbols, conf.Rates.Refresh))
	}
}
