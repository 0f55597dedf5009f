package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Retry configuration for read calls. Writes are never retried.
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindow     = "10000"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesAPI is the subset of the USDⓈ-M futures REST API the engine uses.
type FuturesAPI interface {
	GetAccount(ctx context.Context) (*FuturesAccountInfo, error)
	GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)

	PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error)
	PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error

	GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error)
}

// ClientConfig configures a FuturesClient.
type ClientConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	BaseURL   string // overrides Testnet when set
	Timeout   time.Duration
}

// FuturesClient implements FuturesAPI over HTTPS.
type FuturesClient struct {
	apiKey    string
	secretKey string
	read      *resty.Client
	write     *resty.Client
	limiter   *RateLimiter
	logger    zerolog.Logger
	now       func() time.Time
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(cfg ClientConfig, logger zerolog.Logger) *FuturesClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if cfg.Testnet {
			baseURL = FuturesTestnetURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	read := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(maxRetries).
		SetRetryWaitTime(baseRetryDelay).
		SetRetryMaxWaitTime(maxRetryDelay).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && isRetryableError(resp.StatusCode(), resp.String())
		})
	write := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0)

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClient{
		apiKey:    strings.TrimSpace(cfg.APIKey),
		secretKey: strings.TrimSpace(cfg.SecretKey),
		read:      read,
		write:     write,
		limiter:   NewRateLimiter(logger),
		logger:    logger.With().Str("component", "BinanceFutures").Logger(),
		now:       time.Now,
	}
}

// RateLimiter exposes the client's rate limiter.
func (c *FuturesClient) RateLimiter() *RateLimiter { return c.limiter }

// ==================== ACCOUNT ====================

// GetAccount retrieves futures account information
func (c *FuturesClient) GetAccount(ctx context.Context) (*FuturesAccountInfo, error) {
	var out FuturesAccountInfo
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true, PriorityHigh, &out); err != nil {
		return nil, errors.Wrap(err, "error fetching account info")
	}
	return &out, nil
}

// GetPositionRisk retrieves the positions of a symbol. In hedge mode there
// is one entry per position side.
func (c *FuturesClient) GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var out []FuturesPosition
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, PriorityHigh, &out); err != nil {
		return nil, errors.Wrap(err, "error fetching positions")
	}
	return out, nil
}

// SetLeverage sets the leverage for a symbol
func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	var out LeverageResponse
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, PriorityCritical, &out); err != nil {
		return nil, errors.Wrap(err, "error setting leverage")
	}
	return &out, nil
}

// ==================== TRADING ====================

// PlaceOrder places a MARKET or LIMIT order
func (c *FuturesClient) PlaceOrder(ctx context.Context, p FuturesOrderParams) (*FuturesOrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", p.Symbol)
	params.Set("side", p.Side)
	params.Set("type", string(p.Type))
	params.Set("quantity", p.Quantity.String())
	if p.PositionSide != "" {
		params.Set("positionSide", string(p.PositionSide))
	}
	if p.Price != nil {
		params.Set("price", p.Price.String())
	}
	if p.PriceMatch != "" && p.PriceMatch != PriceMatchNone {
		params.Set("priceMatch", string(p.PriceMatch))
	}
	if p.TimeInForce != "" {
		params.Set("timeInForce", string(p.TimeInForce))
	} else if p.Type == FuturesOrderTypeLimit {
		params.Set("timeInForce", string(TimeInForceGTC))
	}
	// Hedge mode rejects reduceOnly; the position side already implies it.
	if p.ReduceOnly && (p.PositionSide == "" || p.PositionSide == PositionSideBoth) {
		params.Set("reduceOnly", "true")
	}
	if p.NewClientOrderId != "" {
		params.Set("newClientOrderId", p.NewClientOrderId)
	}

	var out FuturesOrderResponse
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, PriorityCritical, &out); err != nil {
		return nil, errors.Wrap(err, "error placing order")
	}
	return &out, nil
}

// PlaceAlgoOrder places a conditional order (STOP_MARKET, TAKE_PROFIT_MARKET)
func (c *FuturesClient) PlaceAlgoOrder(ctx context.Context, p AlgoOrderParams) (*AlgoOrderResponse, error) {
	params := url.Values{}
	params.Set("algoType", string(AlgoTypeConditional))
	params.Set("symbol", p.Symbol)
	params.Set("side", p.Side)
	params.Set("type", string(p.Type))
	params.Set("quantity", p.Quantity.String())
	params.Set("triggerPrice", p.TriggerPrice.String())
	if p.PositionSide != "" {
		params.Set("positionSide", string(p.PositionSide))
	}
	if p.WorkingType != "" {
		params.Set("workingType", string(p.WorkingType))
	}
	if p.ReduceOnly && (p.PositionSide == "" || p.PositionSide == PositionSideBoth) {
		params.Set("reduceOnly", "true")
	}
	if p.ClientAlgoId != "" {
		params.Set("clientAlgoId", p.ClientAlgoId)
	}

	var out AlgoOrderResponse
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/algoOrder", params, true, PriorityCritical, &out); err != nil {
		return nil, errors.Wrap(err, "error placing algo order")
	}
	return &out, nil
}

// CancelOrder cancels a regular order
func (c *FuturesClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	if err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, PriorityCritical, nil); err != nil {
		return errors.Wrap(err, "error canceling order")
	}
	return nil
}

// CancelAlgoOrder cancels an algo order
func (c *FuturesClient) CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("algoId", strconv.FormatInt(algoID, 10))
	if err := c.do(ctx, http.MethodDelete, "/fapi/v1/algoOrder", params, true, PriorityCritical, nil); err != nil {
		return errors.Wrap(err, "error canceling algo order")
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetMarkPrice retrieves the mark price for a symbol
func (c *FuturesClient) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out MarkPrice
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, PriorityNormal, &out); err != nil {
		return nil, errors.Wrap(err, "error fetching mark price")
	}
	return &out, nil
}

// GetKlines retrieves candlestick data, oldest first
func (c *FuturesClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out []Kline
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false, PriorityNormal, &out); err != nil {
		return nil, errors.Wrap(err, "error fetching klines")
	}
	return out, nil
}

// GetExchangeInfo retrieves futures exchange information
func (c *FuturesClient) GetExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error) {
	var out FuturesExchangeInfo
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, PriorityNormal, &out); err != nil {
		return nil, errors.Wrap(err, "error fetching exchange info")
	}
	return &out, nil
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// do performs one API call. GETs go through the retrying client, every
// other method through the single-shot one. The query is put in the URL
// verbatim so the signature stays the last parameter.
func (c *FuturesClient) do(ctx context.Context, method, endpoint string, params url.Values, signed bool, priority RequestPriority, out interface{}) error {
	if err := c.limiter.Wait(ctx, endpoint, priority); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}

	query := ""
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", recvWindow)
		query = params.Encode()
		query += "&signature=" + c.sign(query)
	} else {
		query = params.Encode()
	}
	target := endpoint
	if query != "" {
		target += "?" + query
	}

	client := c.write
	if method == http.MethodGet {
		client = c.read
	}
	req := client.R().SetContext(ctx)
	if signed {
		req.SetHeader("X-MBX-APIKEY", c.apiKey)
	}

	start := time.Now()
	resp, err := req.Execute(method, target)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("Request failed")
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}

	if usedWeight := resp.Header().Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
		if weight, err := strconv.Atoi(usedWeight); err == nil {
			c.limiter.UpdateFromHeaders(weight)
		}
	}

	if !resp.IsSuccess() {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if jsonErr := json.Unmarshal(resp.Body(), apiErr); jsonErr != nil || apiErr.Msg == "" {
			apiErr.Msg = resp.String()
		}
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() == http.StatusTeapot ||
			apiErr.Code == CodeTooManyRequests {
			c.limiter.RecordRateLimitError(ParseBanUntilFromError(apiErr.Msg))
		}
		c.logger.Warn().
			Str("method", method).
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode()).
			Int("code", apiErr.Code).
			Str("msg", apiErr.Msg).
			Msg("Binance API error")
		return errors.WithStack(apiErr)
	}

	c.limiter.RecordSuccess()
	c.logger.Debug().
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("latency", time.Since(start)).
		Msg("Binance request ok")

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "decode %s response", endpoint)
	}
	return nil
}

// isRetryableError checks if an error is transient and should be retried
func isRetryableError(statusCode int, body string) bool {
	// Retry on server errors (5xx); 429 opens the circuit breaker instead
	if statusCode >= 500 {
		return true
	}
	// Retry on specific Binance errors that are transient
	if strings.Contains(body, "-1001") || // DISCONNECTED
		strings.Contains(body, "-1016") { // SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

// Ensure FuturesClient implements FuturesAPI
var _ FuturesAPI = (*FuturesClient)(nil)
