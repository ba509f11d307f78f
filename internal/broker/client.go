// Package broker wraps the Zerodha Kite REST surface behind a rate-limited,
// circuit-breaker-guarded HTTPS client.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/resilience"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	kiteAPIURL   = "https://api.kite.trade"
	kiteLoginURL = "https://kite.zerodha.com/connect/login"
	requestTimeout = 30 * time.Second
	minRequestGap  = 200 * time.Millisecond
)

// Client is a rate-limited REST client over the Kite brokerage API.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breakers   *resilience.Registry
	zl         zerolog.Logger

	apiKey string
	// baseURLOverride lets tests point the client at an httptest server
	// instead of the live Kite API; empty means use kiteAPIURL.
	baseURLOverride string

	mu          sync.RWMutex
	apiSecret   string
	accessToken string
}

// NewClient constructs a Client bound to a single operator's API key. The
// access token is set separately once session exchange succeeds.
func NewClient(apiKey string, zl zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Every(minRequestGap), 1),
		breakers:   resilience.NewRegistry(),
		zl:         zl.With().Str("component", "broker").Logger(),
		apiKey:     apiKey,
	}
}

// SetBaseURLForTesting redirects the client at a local test server instead
// of the live Kite API. Not for production use.
func (c *Client) SetBaseURLForTesting(url string) {
	c.baseURLOverride = url
}

func (c *Client) baseURL() string {
	if c.baseURLOverride != "" {
		return c.baseURLOverride
	}
	return kiteAPIURL
}

// LoginURL returns the operator-facing OAuth login URL.
func (c *Client) LoginURL() string {
	return LoginURL(c.apiKey)
}

// LoginURL builds the Kite OAuth login URL for apiKey, for callers that
// need to redirect an operator before any Client exists yet.
func LoginURL(apiKey string) string {
	return fmt.Sprintf("%s?api_key=%s&v=3", kiteLoginURL, url.QueryEscape(apiKey))
}

// SetCredentials installs the api_secret (needed to sign the session
// exchange) and, once known, the active access token.
func (c *Client) SetCredentials(apiSecret, accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiSecret = apiSecret
	c.accessToken = accessToken
}

// AccessToken returns the currently active access token, if any.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// InvalidateSession clears the in-memory access token, e.g. after an
// AuthExpired response.
func (c *Client) InvalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
}

func (c *Client) breaker(endpoint string) *resilience.Breaker {
	return c.breakers.Get(endpoint, resilience.BreakerConfig{
		ConsecutiveFailures: 5,
		CoolDown:            30 * time.Second,
		HalfOpenSuccesses:   2,
	})
}

// ExchangeRequestToken completes the OAuth handshake, exchanging a one-time
// request token for an access token using a SHA-256 checksum of
// api_key+request_token+api_secret per the Kite session contract.
func (c *Client) ExchangeRequestToken(ctx context.Context, requestToken string) (string, error) {
	c.mu.RLock()
	apiSecret := c.apiSecret
	c.mu.RUnlock()
	if apiSecret == "" {
		return "", apperr.New(apperr.KindAuth, "no api secret configured")
	}

	checksum := sha256.Sum256([]byte(c.apiKey + requestToken + apiSecret))
	form := url.Values{
		"api_key":       {c.apiKey},
		"request_token": {requestToken},
		"checksum":      {hex.EncodeToString(checksum[:])},
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.call(ctx, "session.token", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/session/token", strings.NewReader(form.Encode()))
	}, true, &resp, formRequest); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.accessToken = resp.AccessToken
	c.mu.Unlock()

	return resp.AccessToken, nil
}

// GetProfile returns the authenticated operator's broker profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var out Profile
	if err := c.get(ctx, "user.profile", "/user/profile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMargins returns the operator's available funds.
func (c *Client) GetMargins(ctx context.Context) (*Margins, error) {
	var out Margins
	if err := c.get(ctx, "user.margins", "/user/margins", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetQuotes returns the latest REST-polled quote for each instrument identifier.
func (c *Client) GetQuotes(ctx context.Context, instruments []string) (map[string]Quote, error) {
	params := url.Values{"i": instruments}
	var out map[string]Quote
	if err := c.get(ctx, "quote", "/quote", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceOrder submits a regular order and returns the broker-assigned order ID.
func (c *Client) PlaceOrder(ctx context.Context, order OrderRequest) (string, error) {
	product := order.Product
	if product == "" {
		product = "CNC"
	}

	form := url.Values{
		"exchange":         {order.Exchange},
		"tradingsymbol":    {order.TradingSymbol},
		"transaction_type": {order.TransactionType},
		"quantity":         {strconv.Itoa(order.Quantity)},
		"product":          {product},
		"order_type":       {order.OrderType},
	}
	if order.Price > 0 {
		form.Set("price", strconv.FormatFloat(order.Price, 'f', 2, 64))
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := c.call(ctx, "orders.place", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/orders/regular", strings.NewReader(form.Encode()))
	}, false, &out, formRequest); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// GetOrders returns every order for the trading day, used by the engine's 2s
// reconciliation loop.
func (c *Client) GetOrders(ctx context.Context) ([]Order, error) {
	var out []Order
	if err := c.get(ctx, "orders", "/orders", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPositions returns current open positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var out struct {
		Net []Position `json:"net"`
	}
	if err := c.get(ctx, "portfolio.positions", "/portfolio/positions", nil, &out); err != nil {
		return nil, err
	}
	return out.Net, nil
}

// GetHistorical returns OHLCV candles for instrumentToken between from and to
// at the given interval (e.g. "minute", "day").
func (c *Client) GetHistorical(ctx context.Context, instrumentToken string, from, to time.Time, interval string) ([]OHLCV, error) {
	path := fmt.Sprintf("/instruments/historical/%s/%s", instrumentToken, interval)
	params := url.Values{
		"from": {from.Format("2006-01-02 15:04:05")},
		"to":   {to.Format("2006-01-02 15:04:05")},
	}

	var out struct {
		Candles [][]interface{} `json:"candles"`
	}
	if err := c.get(ctx, "historical", path, params, &out); err != nil {
		return nil, err
	}

	result := make([]OHLCV, 0, len(out.Candles))
	for _, row := range out.Candles {
		if len(row) < 6 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, fmt.Sprint(row[0]))
		candle := OHLCV{Timestamp: ts}
		candle.Open, _ = toFloat(row[1])
		candle.High, _ = toFloat(row[2])
		candle.Low, _ = toFloat(row[3])
		candle.Close, _ = toFloat(row[4])
		vol, _ := toFloat(row[5])
		candle.Volume = int64(vol)
		result = append(result, candle)
	}
	return result, nil
}

func toFloat(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

type requestKind int

const (
	jsonRequest requestKind = iota
	formRequest
)

func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, out interface{}) error {
	return c.call(ctx, endpoint, func() (*http.Request, error) {
		u := c.baseURL() + path
		if params != nil {
			u += "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, false, out, jsonRequest)
}

// call applies the 200ms-per-request token bucket, runs the request through
// the endpoint's circuit breaker, and decodes the broker envelope.
// skipAuth is true only for the session-exchange call, which precedes having
// an access token.
func (c *Client) call(ctx context.Context, endpoint string, build func() (*http.Request, error), skipAuth bool, out interface{}, kind requestKind) error {
	if !skipAuth && c.AccessToken() == "" {
		return apperr.New(apperr.KindAuth, "not authenticated: no active access token")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.KindTimeout, "rate limiter wait cancelled", err)
	}

	breaker := c.breaker(endpoint)
	start := time.Now()

	result, err := breaker.Call(func() (interface{}, error) {
		req, err := build()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to build request", err)
		}

		req.Header.Set("X-Kite-Version", "3")
		if kind == formRequest {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if !skipAuth {
			req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.AccessToken()))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindNetwork, "broker request failed", err)
		}
		defer resp.Body.Close()

		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, apperr.Wrap(apperr.KindSerialization, "failed to decode broker response", err)
		}

		if env.Status != "success" {
			mapped := mapError(resp.StatusCode, env.ErrorType, env.Message)
			if apperr.Is(mapped, apperr.KindAuth) {
				c.InvalidateSession()
			}
			return nil, mapped
		}

		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return nil, apperr.Wrap(apperr.KindSerialization, "failed to decode broker data payload", err)
			}
		}

		return nil, nil
	})

	c.zl.Debug().Str("endpoint", endpoint).Dur("elapsed", time.Since(start)).Err(err).Msg("broker call")
	_ = result
	return err
}
