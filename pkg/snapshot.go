package payroll

import "encoding/json"

const SnapshotPaymentError = "Failed to make payment"

// Snapshot is the single in-flight payout UI state that survives a view
// teardown. Saving one replaces any previous snapshot.
type Snapshot struct {
	Screen string          `json:"screen,omitempty"`
	Dialog json.RawMessage `json:"dialog,omitempty"`
	State  *SnapshotState  `json:"state,omitempty"`
}

type SnapshotState struct {
	Hash       string `json:"hash,omitempty"`
	Processing bool   `json:"processing,omitempty"`
	Sent       bool   `json:"sent,omitempty"`
	Paid       bool   `json:"paid,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WithState copies the snapshot with a new state.
func (s Snapshot) WithState(state SnapshotState) Snapshot {
	s.State = &state
	return s
}

// Resumable reports whether the snapshot tracks a payout that has not
// reached a terminal state.
func (s *Snapshot) Resumable() bool {
	return s != nil && s.State != nil && s.State.Hash != "" && !s.State.Paid && s.State.Error == ""
}
