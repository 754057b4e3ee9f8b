package payroll

import (
	"context"
	"encoding/json"

	"github.com/payrollrelay/payroll/pkg/metrics"
	"go.uber.org/zap"
)

// Relay task names.
const (
	TASK_REQUEST_ACCOUNTS         = "request_accounts"
	TASK_GET_ACCOUNTS             = "get_accounts"
	TASK_GET_NETWORK              = "get_network"
	TASK_LISTEN_FOR_WALLET_EVENTS = "listen_for_wallet_events"
	TASK_GET_BALANCE              = "get_balance"
	TASK_MAKE_PAYOUT              = "make_payout"
	TASK_CLEAN_TRANSACTIONS       = "clean_transactions"
	TASK_SYNC_GOOGLE_SHEETS       = "sync_google_sheets"
	TASK_SYNC_EXTERNAL_CONTACTS   = "sync_external_contacts"
	TASK_CREATE_WALLET            = "create_wallet"
	TASK_CHANGE_NETWORK           = "change_network"
	TASK_GET_TOKEN_BALANCE        = "get_token_balance"

	TASK_COMPOSE_PAYOUT   = "compose_payout"
	TASK_GET_TRANSACTIONS = "get_transactions"
	TASK_SAVE_CONTACT     = "save_contact"
	TASK_SAVE_PAYMENT     = "save_payment"
	TASK_RESTORE_SESSION  = "restore_session"
	TASK_AUTHENTICATE     = "authenticate"
)

// TaskRequest is a {type:"task"} relay message.
type TaskRequest struct {
	Type    string          `json:"type"`
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskResponse carries either data or a user-facing error message.
type TaskResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type taskHandler func(ctx context.Context, a *API, payload json.RawMessage) (any, error)

// payload decodes the task payload into T; a task that needs a payload
// and did not get one fails like an unknown task.
func payload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, UserErr(UnknownError)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, NewErr(BadRequest, "invalid task payload: %v", err)
	}
	return v, nil
}

func withPayload[T any, R any](fn func(a *API, ctx context.Context, req T) (R, error)) taskHandler {
	return func(ctx context.Context, a *API, raw json.RawMessage) (any, error) {
		req, err := payload[T](raw)
		if err != nil {
			return nil, err
		}
		return fn(a, ctx, req)
	}
}

func noPayload[R any](fn func(a *API, ctx context.Context) (R, error)) taskHandler {
	return func(ctx context.Context, a *API, _ json.RawMessage) (any, error) {
		return fn(a, ctx)
	}
}

var tasks = map[string]taskHandler{
	TASK_REQUEST_ACCOUNTS: noPayload((*API).RequestAccounts),
	TASK_GET_ACCOUNTS:     noPayload((*API).GetAccounts),
	TASK_GET_NETWORK:      noPayload((*API).GetNetwork),
	TASK_LISTEN_FOR_WALLET_EVENTS: withPayload(func(a *API, _ context.Context, req ListenRequest) ([]string, error) {
		return a.ListenForWalletEvents(req)
	}),
	TASK_GET_BALANCE:            withPayload((*API).GetBalance),
	TASK_MAKE_PAYOUT:            withPayload((*API).MakePayout),
	TASK_CLEAN_TRANSACTIONS:     noPayload((*API).CleanTransactions),
	TASK_SYNC_GOOGLE_SHEETS:     noPayload((*API).SyncExternalContacts),
	TASK_SYNC_EXTERNAL_CONTACTS: noPayload((*API).SyncExternalContacts),
	TASK_CREATE_WALLET:          withPayload((*API).CreateWallet),
	TASK_CHANGE_NETWORK:         withPayload((*API).ChangeNetwork),
	TASK_GET_TOKEN_BALANCE:      withPayload((*API).GetTokenBalance),
	TASK_COMPOSE_PAYOUT:         withPayload((*API).ComposePayout),
	TASK_GET_TRANSACTIONS:       noPayload((*API).GetTransactions),
	TASK_SAVE_CONTACT:           withPayload((*API).SaveContact),
	TASK_SAVE_PAYMENT:           withPayload((*API).SavePayment),
	TASK_RESTORE_SESSION:        noPayload((*API).RestoreSession),
	TASK_AUTHENTICATE:           withPayload((*API).Authenticate),
}

// TaskNames lists every task the relay accepts.
func TaskNames() []string {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	return names
}

// untouched tasks do not count as user activity
var untouched = map[string]bool{
	TASK_RESTORE_SESSION:          true,
	TASK_AUTHENTICATE:             true,
	TASK_LISTEN_FOR_WALLET_EVENTS: true,
}

// Dispatch runs one relay task and always answers with a TaskResponse;
// failures carry a message safe to show to the user.
func (a *API) Dispatch(ctx context.Context, req TaskRequest) TaskResponse {
	handler, ok := tasks[req.Task]
	if !ok || (req.Type != "" && req.Type != MESSAGE_TASK) {
		metrics.TasksHandled.WithLabelValues("unknown", "error").Inc()
		return TaskResponse{Error: ErrorMessages[UnknownError]}
	}
	if !untouched[req.Task] {
		if err := a.Session.Touch(ctx); err != nil {
			a.log.Debug("record activity", zap.Error(err))
		}
	}
	data, err := handler(ctx, a, req.Payload)
	if err != nil {
		metrics.TasksHandled.WithLabelValues(req.Task, "error").Inc()
		a.log.Info("task failed", zap.String("task", req.Task), zap.Error(err))
		return TaskResponse{Error: UserMessage(err)}
	}
	metrics.TasksHandled.WithLabelValues(req.Task, "ok").Inc()
	return TaskResponse{Data: data}
}
