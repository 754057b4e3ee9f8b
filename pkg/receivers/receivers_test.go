package receivers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testService interface {
	Run(started, stopped chan bool, stop chan context.Context) error
}

func start(t *testing.T, s testService) func() {
	started, stopped, stop := make(chan bool, 1), make(chan bool, 1), make(chan context.Context, 1)
	require.NoError(t, s.Run(started, stopped, stop))
	<-started
	return func() {
		stop <- context.Background()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatalf("service did not stop")
		}
	}
}

func runBus(t *testing.T) *payroll.MessageBus {
	bus := payroll.NewMessageBus()
	stop := make(chan context.Context, 1)
	require.NoError(t, bus.Run(make(chan bool, 1), make(chan bool, 1), stop))
	t.Cleanup(func() { stop <- context.Background() })
	return bus
}

func TestEventTypes(t *testing.T) {
	types := eventTypes("test", []string{"PAY", "NOPE", "EVT"})
	require.Len(t, types, 2)
	assert.Equal(t, "PAY", types[0].Type())
	assert.Equal(t, "EVT", types[1].Type())
}

func TestCallbackSignsAndRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var got payroll.Message
	var signature, timestamp string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ = io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		signature = r.Header.Get(SignatureHeader)
		timestamp = r.Header.Get(TimestampHeader)
	}))
	defer srv.Close()

	s := NewCallbackSender(payroll.CallbackConfig{Path: srv.URL, HMACSecret: "shh", Attempts: 3}, runBus(t))
	s.initialDelay = time.Millisecond

	msg := payroll.Message{EventType: payroll.PAY_COMPLETED, Event: "payout_completed", Category: "PAY", Message: json.RawMessage(`{"hash":"0xabc"}`), ID: "m1"}
	require.NoError(t, s.post(context.Background(), msg))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, "payout_completed", got.Event)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, "sha256="+generateSha256HMAC(timestamp, body, "shh"), signature)
}

func TestCallbackGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewCallbackSender(payroll.CallbackConfig{Path: srv.URL, Attempts: 2}, runBus(t))
	s.initialDelay = time.Millisecond
	err := s.post(context.Background(), payroll.Message{EventType: payroll.PAY_FAILED, Event: "payout_failed", ID: "m2"})
	assert.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCallbackDeliversFromBus(t *testing.T) {
	delivered := make(chan payroll.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m payroll.Message
		json.NewDecoder(r.Body).Decode(&m)
		delivered <- m
	}))
	defer srv.Close()

	bus := runBus(t)
	s := NewCallbackSender(payroll.CallbackConfig{Path: srv.URL, Attempts: 1}, bus)
	s.sub = bus.Register(s, eventTypes("test", []string{"PAY"})...)
	stop := start(t, s)
	defer stop()

	require.NoError(t, bus.Send(payroll.PAY_INITIATED, payroll.PayoutNotice{Hash: "0xabc"}))
	select {
	case m := <-delivered:
		assert.Equal(t, "payout_initiated", m.Event)
		assert.JSONEq(t, `{"hash":"0xabc"}`, string(m.Message))
	case <-time.After(2 * time.Second):
		t.Fatalf("callback was not delivered")
	}
}

func TestMessageLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	bus := runBus(t)
	l := NewMessageLogger(path)
	l.sub = bus.Register(l, eventTypes("test", []string{"ALL"})...)
	stop := start(t, l)

	require.NoError(t, bus.Send(payroll.PAY_COMPLETED, payroll.PayoutNotice{Hash: "0xabc"}, "msg-1"))
	require.Eventually(t, func() bool {
		l.Log.Sync()
		b, _ := os.ReadFile(path)
		return strings.Contains(string(b), "msg-1")
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(string(b), "\n", 2)[0]), &line))
	assert.Equal(t, "payout_completed", line["msg"])
	assert.Equal(t, "PAY", line["category"])
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message{}, w.msgs...)
}

func TestKafkaProducerPublishes(t *testing.T) {
	bus := runBus(t)
	k := NewKafkaProducer(payroll.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "payroll-events"}, bus)
	w := &fakeWriter{}
	k.Writer = w
	k.log = zap.NewNop()
	k.sub = bus.Register(k, eventTypes("test", []string{"PAY", "WAL"})...)
	stop := start(t, k)
	defer stop()

	require.NoError(t, bus.Send(payroll.WAL_COMPLETED, payroll.PayoutNotice{Hash: "0x1", ContractAddress: "0x2"}, "w-1"))
	require.NoError(t, bus.Send(payroll.EVT_CHAIN_CHANGED, payroll.WalletEventNotice{}, "ignored"))
	require.Eventually(t, func() bool { return len(w.written()) == 1 }, 2*time.Second, 10*time.Millisecond)

	m := w.written()[0]
	assert.Equal(t, "w-1", string(m.Key))
	assert.Equal(t, "create_wallet_completed", string(m.Headers[0].Value))
	var decoded payroll.Message
	require.NoError(t, json.Unmarshal(m.Value, &decoded))
	assert.Equal(t, "WAL", decoded.Category)
}
