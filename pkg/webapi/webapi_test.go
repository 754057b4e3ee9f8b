package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/evm"
	"github.com/payrollrelay/payroll/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	owner = "0x1111111111111111111111111111111111111111"
	alice = "0x2222222222222222222222222222222222222222"
	bob   = "0x3333333333333333333333333333333333333333"
)

const composeBody = `{"type":"task","task":"compose_payout","payload":{
	"payments":[{"address":"` + alice + `","amount":"10"},{"address":"` + bob + `","amount":"5"}],
	"address":"` + owner + `","chain":1337,"paymentMethod":"default"}}`

type taskResult struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func TestWebAPI(t *testing.T) {
	_, pub, _ := newTestRig(t)

	// Accounts come from the wallet provider
	var accounts []string
	runTask(t, pub, `{"type":"task","task":"get_accounts"}`, &accounts)
	if len(accounts) != 1 || accounts[0] != owner {
		t.Fatalf("get_accounts: unexpected accounts %v", accounts)
	}

	// Compose a two recipient batch, quoting the rate
	var payload payroll.PayoutPayload
	runTask(t, pub, composeBody, &payload)
	if !payload.IsContractCall() {
		t.Fatalf("compose_payout: expected a batch contract call, got %+v", payload)
	}
	if len(payload.Data.Recipients) != 2 {
		t.Fatalf("compose_payout: expected 2 recipients, got %v", payload.Data.Recipients)
	}

	// Submit it
	body, _ := json.Marshal(payroll.TaskRequest{Type: "task", Task: payroll.TASK_MAKE_PAYOUT, Payload: mustJSON(t, payload)})
	var hash string
	runTask(t, pub, string(body), &hash)
	if !strings.HasPrefix(hash, "0x") {
		t.Fatalf("make_payout: expected a transaction hash, got %q", hash)
	}

	// The record is confirmed once the provider resolves
	deadline := time.Now().Add(2 * time.Second)
	for {
		var txs []payroll.TransactionRecord
		runTask(t, pub, `{"type":"task","task":"get_transactions"}`, &txs)
		if len(txs) == 1 && txs[0].Hash == hash && txs[0].Confirmed {
			if len(txs[0].Payments) != 2 {
				t.Fatalf("get_transactions: record lost its payments: %+v", txs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("get_transactions: payout %s never confirmed: %+v", hash, txs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTaskErrors(t *testing.T) {
	_, pub, _ := newTestRig(t)

	res := postTask(t, pub, `{"type":"task","task":"mine_bitcoin"}`)
	if res.Error != payroll.ErrorMessages[payroll.UnknownError] {
		t.Fatalf("unknown task: unexpected error %q", res.Error)
	}

	res = postTask(t, pub, `{"type":"task","task":"get_balance","payload":{"address":"nope"}}`)
	if res.Error != payroll.ErrorMessages[payroll.InvalidWalletAddress] {
		t.Fatalf("get_balance: unexpected error %q", res.Error)
	}

	res = postTask(t, pub, `{"type":"task","task":"make_payout","payload":{"from":"","value":""}}`)
	if res.Error != "Failed to pay 0 recipients" {
		t.Fatalf("make_payout: unexpected error %q", res.Error)
	}
}

func TestSessionAuth(t *testing.T) {
	_, pub, _ := newTestRig(t)

	var first payroll.AuthResult
	request(t, pub, "/session/auth", `{"passcode":"1234"}`, &first)
	if !first.Created || first.Token == "" {
		t.Fatalf("first login should set the passcode and issue a token: %+v", first)
	}

	var second payroll.AuthResult
	request(t, pub, "/session/auth", `{"passcode":"1234"}`, &second)
	if second.Created {
		t.Fatalf("second login should not recreate the passcode")
	}

	res := httptest.NewRecorder()
	pub.ServeHTTP(res, httptest.NewRequest("POST", "/session/auth", strings.NewReader(`{"passcode":"4321"}`)))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("wrong passcode: expected 401, got %d %s", res.Code, res.Body)
	}
	if !strings.Contains(res.Body.String(), string(payroll.WrongPasscode)) {
		t.Fatalf("wrong passcode: unexpected body %s", res.Body)
	}

	var restored payroll.RestoreResult
	request(t, pub, "/session/restore", "", &restored)
	if !restored.Resumed {
		t.Fatalf("restore right after login should resume")
	}
}

func TestRequireAuth(t *testing.T) {
	config := payroll.TestConfig()
	config.WebAPI.RequireAuth = true
	_, pub, _ := newTestRigWithConfig(t, config)

	res := httptest.NewRecorder()
	pub.ServeHTTP(res, httptest.NewRequest("POST", "/task", strings.NewReader(`{"type":"task","task":"get_accounts"}`)))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("task without token: expected 401, got %d", res.Code)
	}

	var auth payroll.AuthResult
	request(t, pub, "/session/auth", `{"passcode":"1234"}`, &auth)

	req := httptest.NewRequest("POST", "/task", strings.NewReader(`{"type":"task","task":"get_accounts"}`))
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	res = httptest.NewRecorder()
	pub.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("task with token: expected 200, got %d %s", res.Code, res.Body)
	}
}

func TestNotifications(t *testing.T) {
	_, pub, _ := newTestRig(t)

	var payload payroll.PayoutPayload
	runTask(t, pub, composeBody, &payload)

	srv := httptest.NewServer(pub)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/notifications", nil)
	if err != nil {
		t.Fatalf("dial notifications: %v", err)
	}
	defer conn.Close()

	err = conn.WriteJSON(map[string]any{"type": "task", "task": payroll.TASK_MAKE_PAYOUT, "id": "42", "payload": payload})
	if err != nil {
		t.Fatalf("send task: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	seen := map[string]bool{}
	for !seen[string(payroll.PAY_COMPLETED)] {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame (seen %v): %v", seen, err)
		}
		switch f.Type {
		case payroll.MESSAGE_TASK:
			if f.ID != "42" || f.Error != "" {
				t.Fatalf("task response: unexpected frame %+v", f)
			}
		case payroll.MESSAGE_NOTIFICATION:
			seen[f.Event] = true
		}
	}
	if !seen[string(payroll.PAY_INITIATED)] {
		t.Fatalf("payout_completed arrived without payout_initiated")
	}
	if seen[string(payroll.PAY_FAILED)] {
		t.Fatalf("unexpected payout_failed")
	}
}

func TestTxLinks(t *testing.T) {
	_, pub, _ := newTestRig(t)
	hash := "0x" + strings.Repeat("ab", 32)

	var link TxLinkResponse
	request(t, pub, "/tx/1/"+hash+"/link", "", &link)
	if !strings.HasSuffix(link.URL, "/tx/"+hash) {
		t.Fatalf("tx link: unexpected url %q", link.URL)
	}

	res := httptest.NewRecorder()
	pub.ServeHTTP(res, httptest.NewRequest("GET", "/tx/1/"+hash+"/qr.png?size=128", nil))
	if res.Code != http.StatusOK || res.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr: expected a png, got %d %s", res.Code, res.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(res.Body.String(), "\x89PNG") {
		t.Fatalf("qr: body is not a png")
	}

	// local chains have no explorer
	res = httptest.NewRecorder()
	pub.ServeHTTP(res, httptest.NewRequest("GET", "/tx/1337/"+hash+"/qr.png", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("qr without explorer: expected 404, got %d", res.Code)
	}
}

func TestAdmin(t *testing.T) {
	admin, _, _ := newTestRig(t)

	res := httptest.NewRecorder()
	admin.ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", res.Code)
	}

	var names []string
	request(t, admin, "/admin/tasks", "", &names)
	if len(names) != len(payroll.TaskNames()) {
		t.Fatalf("tasks: expected %d names, got %v", len(payroll.TaskNames()), names)
	}

	var swept []payroll.TransactionRecord
	request(t, admin, "/admin/sweep", "{}", &swept)
	if len(swept) != 0 {
		t.Fatalf("sweep of an empty store returned records: %v", swept)
	}
}

// Helpers.

type fixedRate decimal.Decimal

func (r fixedRate) Rate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Decimal(r), nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func postTask(t *testing.T, mux *httprouter.Router, body string) taskResult {
	var res taskResult
	request(t, mux, "/task", body, &res)
	return res
}

func runTask(t *testing.T, mux *httprouter.Router, body string, out any) {
	res := postTask(t, mux, body)
	if res.Error != "" {
		t.Fatalf("task %s failed: %s", body, res.Error)
	}
	if len(res.Data) == 0 {
		return
	}
	if err := json.Unmarshal(res.Data, out); err != nil {
		t.Fatalf("task %s bad data: %s", body, res.Data)
	}
}

func request(t *testing.T, mux *httprouter.Router, path string, body string, out any) *http.Response {
	method := "GET"
	if body != "" {
		method = "POST"
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)
	result := res.Result()
	if result.StatusCode != 200 {
		t.Fatalf("%s request failed: %v %v", path, result.StatusCode, res.Body)
	}
	err := json.NewDecoder(res.Body).Decode(out)
	if err != nil {
		t.Fatalf("%s bad json: %v", path, res.Body)
	}
	return result
}

func newTestRig(t *testing.T) (adminMux *httprouter.Router, pubMux *httprouter.Router, wallet *evm.MockProvider) {
	return newTestRigWithConfig(t, payroll.TestConfig())
}

func newTestRigWithConfig(t *testing.T, config payroll.Config) (adminMux *httprouter.Router, pubMux *httprouter.Router, wallet *evm.MockProvider) {
	registry, err := payroll.DefaultRegistry()
	if err != nil {
		t.Fatalf("Cannot load registry: %v", err)
	}
	bus := payroll.NewMessageBus()
	stop := make(chan context.Context, 1)
	bus.Run(make(chan bool, 1), make(chan bool, 1), stop)
	t.Cleanup(func() { stop <- context.Background() })

	wallet = evm.NewMockProvider(1337, owner)
	api := payroll.NewAPI(config, store.NewMemory(), wallet, bus, registry, fixedRate(decimal.RequireFromString("0.0005")), nil)
	t.Cleanup(api.Close)

	web := WebAPI{api: api, config: config, log: zap.NewNop()}
	adminMux, pubMux = web.createRouters()
	return
}
