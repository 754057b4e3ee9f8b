package receivers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/conductor"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Payroll-Signature"
	TimestampHeader = "X-Payroll-Timestamp"
)

func NewCallbackSender(config payroll.CallbackConfig, bus *payroll.MessageBus) *CallbackSender {
	attempts := config.Attempts
	if attempts == 0 {
		attempts = 7
	}
	return &CallbackSender{
		Rec:          make(chan payroll.Message, 1000),
		Path:         config.Path,
		HMACSecret:   config.HMACSecret,
		Bus:          bus,
		attempts:     attempts,
		initialDelay: 1 * time.Second,
		maxDelay:     32 * time.Second,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          zap.L().Named("callbacks").With(zap.String("path", config.Path)),
	}
}

type CallbackSender struct {
	// incomming msgs
	Rec        chan payroll.Message
	Path       string
	HMACSecret string
	Bus        *payroll.MessageBus

	attempts     uint
	initialDelay time.Duration
	maxDelay     time.Duration
	client       *http.Client
	log          *zap.Logger
	sub          *payroll.Subscription
}

// Implements payroll.MessageSubscriber
func (s *CallbackSender) GetChan() chan payroll.Message {
	return s.Rec
}

// Implements conductor.Service
func (s *CallbackSender) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		var inflight conc.WaitGroup
		rec := s.Rec
		started <- true
		for {
			select {
			// handle stopping the service
			case <-stop:
				if s.sub != nil {
					s.sub.Close()
				}
				cancel()
				inflight.Wait()
				stopped <- true
				return
			case msg, ok := <-rec:
				if !ok {
					rec = nil
					continue
				}
				// deliveries retry independently so one slow endpoint
				// does not hold up the rest
				inflight.Go(func() {
					if err := s.post(ctx, msg); err != nil {
						reportFailure(s.Bus, s.log, msg, "CallbackSender", err)
					}
				})
			}
		}
	}()
	return nil
}

// Reads config and sets up any configured callbacks
func SetupCallbacks(cond *conductor.Conductor, bus *payroll.MessageBus, conf payroll.Config) {
	for name, c := range conf.Callbacks {
		s := NewCallbackSender(c, bus)
		s.sub = bus.Register(s, eventTypes("callback "+name, c.Types)...)
		cond.Service(fmt.Sprintf("Callback sender for: %s", c.Path), s)
	}
}

func generateSha256HMAC(timestamp string, payload []byte, secret string) string {
	if secret == "" {
		return ""
	}

	dataToSign := []byte(fmt.Sprintf("%s.%s", timestamp, string(payload)))
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(dataToSign)

	return hex.EncodeToString(h.Sum(nil))
}

// post delivers one message, retrying with exponential backoff until a
// 200 arrives or the attempts run out.
func (s *CallbackSender) post(ctx context.Context, msg payroll.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	signature := generateSha256HMAC(timestamp, body, s.HMACSecret)

	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", s.Path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(SignatureHeader, "sha256="+signature)
			req.Header.Set(TimestampHeader, timestamp)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("callback returned %s", resp.Status)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.initialDelay),
		retry.MaxDelay(s.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("callback failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}))
}
