package payroll

import (
	"sync/atomic"

	"github.com/payrollrelay/payroll/pkg/metrics"
)

// ViewTracker reports whether any UI view is attached to the daemon.
// Lifecycle side effects meant for a returning user (snapshots, desktop
// notices) are only written while no view is attached.
type ViewTracker interface {
	IsOpen() bool
}

// Views counts attached UI views.
type Views struct {
	n atomic.Int64
}

// Attach registers a view; call the returned func when it detaches.
func (v *Views) Attach() (detach func()) {
	v.n.Add(1)
	metrics.AttachedViews.Inc()
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			v.n.Add(-1)
			metrics.AttachedViews.Dec()
		}
	}
}

func (v *Views) IsOpen() bool {
	return v.n.Load() > 0
}
