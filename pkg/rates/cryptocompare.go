package rates

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/go-faster/errors"
	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// interface guard ensures CryptoCompare implements payroll.RateSource
var _ payroll.RateSource = &CryptoCompare{}

// CryptoCompare quotes crypto per USD from the cryptocompare price API,
// caching each symbol for a TTL.
type CryptoCompare struct {
	url    string
	ttl    time.Duration
	client *http.Client
	cache  *cache.Cache[string, decimal.Decimal]
	log    *zap.Logger
}

func NewCryptoCompare(config payroll.Config) *CryptoCompare {
	ttl := config.Rates.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CryptoCompare{
		url:    config.Rates.URL,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  cache.New[string, decimal.Decimal](),
		log:    zap.L().Named("rates"),
	}
}

type errorResponse struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
}

// Rate returns how much of symbol one USD buys.
func (c *CryptoCompare) Rate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	if rate, ok := c.cache.Get(symbol); ok {
		metrics.RateCache.WithLabelValues("hit").Inc()
		return rate, nil
	}
	metrics.RateCache.WithLabelValues("miss").Inc()
	rate, err := c.fetch(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	c.cache.Set(symbol, rate, cache.WithExpiration(c.ttl))
	return rate, nil
}

func (c *CryptoCompare) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{"fsym": {"USD"}, "tsyms": {symbol}}
	req, err := http.NewRequestWithContext(ctx, "GET", c.url+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "rates request")
	}
	res, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, payroll.NewErr(payroll.NotAvailable, "rates transport: %v", err)
	}
	// read all of the body so the connection can be re-used
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "rates read response")
	}
	if res.StatusCode != 200 {
		return decimal.Zero, payroll.NewErr(payroll.NotAvailable, "rates status code: %s", res.Status)
	}
	var prices map[string]json.RawMessage
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, errors.Wrap(err, "rates unmarshal response")
	}
	raw, ok := prices[symbol]
	if !ok {
		var e errorResponse
		json.Unmarshal(body, &e)
		c.log.Debug("no rate in response", zap.String("symbol", symbol), zap.String("message", e.Message))
		return decimal.Zero, payroll.NewErr(payroll.NotFound, "no rate for %s: %s", symbol, e.Message)
	}
	var rate decimal.Decimal
	if err := rate.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, errors.Wrapf(err, "rates bad price for %s", symbol)
	}
	if !rate.IsPositive() {
		return decimal.Zero, payroll.NewErr(payroll.NotFound, "no rate for %s", symbol)
	}
	return rate, nil
}
