package payroll

// Payroll event types

// bus.Send(PAY_COMPLETED, PayoutNotice{...})
// bus.Send(EVT_CHAIN_CHANGED, WalletEventNotice{...})

// Interface for any event
type EventType interface {
	Type() string
}

// slice of all msg types for config funcs lookup
var EVENT_TYPES []EventType = []EventType{EVENT_ALL("ALL"),
	EVENT_SYS("SYS"),
	EVENT_PAY("PAY"),
	EVENT_WAL("WAL"),
	EVENT_EVT("EVT"),
	EVENT_NTC("NTC")}

// Special category, do not use directly, represents *
type EVENT_ALL string

func (e EVENT_ALL) Type() string {
	return "ALL"
}

// System Events
type EVENT_SYS string

func (e EVENT_SYS) Type() string {
	return "SYS"
}

const (
	SYS_STARTUP EVENT_SYS = "startup"
	SYS_ERR     EVENT_SYS = "error"
	SYS_MSG     EVENT_SYS = "message"
)

// Payout notifications, relayed to UI views as {type:"notification"}.
type EVENT_PAY string

func (e EVENT_PAY) Type() string {
	return "PAY"
}

const (
	PAY_INITIATED EVENT_PAY = "payout_initiated"
	PAY_COMPLETED EVENT_PAY = "payout_completed"
	PAY_FAILED    EVENT_PAY = "payout_failed"
)

// Smart wallet creation notifications.
type EVENT_WAL string

func (e EVENT_WAL) Type() string {
	return "WAL"
}

const (
	WAL_INITIATED EVENT_WAL = "create_wallet_initiated"
	WAL_COMPLETED EVENT_WAL = "create_wallet_completed"
	WAL_FAILED    EVENT_WAL = "create_wallet_failed"
)

// Wallet provider events, relayed to UI views as {type:"event"}.
type EVENT_EVT string

func (e EVENT_EVT) Type() string {
	return "EVT"
}

const (
	EVT_ACCOUNTS_CHANGED EVENT_EVT = "accountsChanged"
	EVT_CHAIN_CHANGED    EVENT_EVT = "chainChanged"
	EVT_MESSAGE          EVENT_EVT = "message"
	EVT_CONNECT          EVENT_EVT = "connect"
	EVT_DISCONNECT       EVENT_EVT = "disconnect"
)

var WALLET_EVENTS = []EVENT_EVT{EVT_ACCOUNTS_CHANGED, EVT_CHAIN_CHANGED, EVT_MESSAGE, EVT_CONNECT, EVT_DISCONNECT}

// Desktop notices, raised when no UI view is attached.
type EVENT_NTC string

func (e EVENT_NTC) Type() string {
	return "NTC"
}

const (
	NTC_DESKTOP EVENT_NTC = "desktop"
)

// MessageKind returns the relay frame type for an event.
func MessageKind(t EventType) string {
	switch t.Type() {
	case "PAY", "WAL":
		return MESSAGE_NOTIFICATION
	case "EVT":
		return MESSAGE_EVENT
	}
	return MESSAGE_ACTION
}

const (
	MESSAGE_TASK         = "task"
	MESSAGE_NOTIFICATION = "notification"
	MESSAGE_ACTION       = "action"
	MESSAGE_EVENT        = "event"
)

// EventByName finds a notification or wallet event by its wire name.
func EventByName(name string) (EventType, bool) {
	for _, e := range []EventType{PAY_INITIATED, PAY_COMPLETED, PAY_FAILED, WAL_INITIATED, WAL_COMPLETED, WAL_FAILED} {
		if EventName(e) == name {
			return e, true
		}
	}
	for _, e := range WALLET_EVENTS {
		if string(e) == name {
			return e, true
		}
	}
	return nil, false
}

// EventName is the wire name of an event, ie: "payout_completed".
func EventName(t EventType) string {
	switch e := t.(type) {
	case EVENT_PAY:
		return string(e)
	case EVENT_WAL:
		return string(e)
	case EVENT_EVT:
		return string(e)
	case EVENT_SYS:
		return string(e)
	case EVENT_NTC:
		return string(e)
	}
	return ""
}
