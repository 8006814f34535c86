package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"signal-core/pkg/exchanges/common"
)

const (
	mainnetBaseURL = "https://open-api.bingx.com"
	testnetBaseURL = "https://open-api-vst.bingx.com"

	maxAttempts    = 4
	initialBackoff = 500 * time.Millisecond
)

// Config holds BingX perpetual futures credentials.
type Config struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// Client talks to the BingX USDT-M perpetual swap API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration
}

// APIError is a business-level rejection: the exchange answered, HTTP was
// fine, but code != 0. These are never retried.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bingx: code %d: %s", e.Code, e.Msg)
}

// Rejection marks APIError as a definitive venue answer, not a transport
// failure.
func (e *APIError) Rejection() bool { return true }

// NewClient creates a BingX client with a conservative request limiter.
func NewClient(cfg Config) *Client {
	base := mainnetBaseURL
	if cfg.Testnet {
		base = testnetBaseURL
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		backoff:    initialBackoff,
	}
}

// CreateOrder places an order. Leverage and margin mode are pushed to the
// exchange first; a failure there is logged but does not abort the order,
// since the exchange rejects redundant leverage changes on some accounts.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
		return common.OrderResult{}, errors.New("bingx: API key/secret required")
	}

	if req.Leverage > 0 {
		if err := c.SetLeverage(ctx, req.Symbol, req.Leverage, req.MarginMode); err != nil {
			log.Printf("bingx: set leverage %dx on %s: %v", req.Leverage, req.Symbol, err)
		}
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	params.Set("positionSide", "BOTH")
	if req.Type == common.OrderTypeLimit && req.Price.Valid {
		params.Set("price", req.Price.Decimal.String())
	}
	if req.ClientID != "" {
		params.Set("clientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var data struct {
		Order struct {
			OrderID int64  `json:"orderId"`
			Status  string `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return common.OrderResult{}, fmt.Errorf("bingx: decode create order: %w", err)
	}
	status := data.Order.Status
	if status == "" {
		status = "NEW"
	}
	return common.OrderResult{
		BrokerOrderID: strconv.FormatInt(data.Order.OrderID, 10),
		Status:        status,
	}, nil
}

// GetOrder fetches the exchange's current view of an order.
func (c *Client) GetOrder(ctx context.Context, symbol, brokerOrderID string) (common.OrderDetail, error) {
	if c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
		return common.OrderDetail{}, errors.New("bingx: API key/secret required")
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", brokerOrderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		return common.OrderDetail{}, err
	}

	var data struct {
		Order struct {
			OrderID     int64  `json:"orderId"`
			Status      string `json:"status"`
			ExecutedQty string `json:"executedQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return common.OrderDetail{}, fmt.Errorf("bingx: decode order detail: %w", err)
	}

	detail := common.OrderDetail{
		BrokerOrderID: strconv.FormatInt(data.Order.OrderID, 10),
		Status:        data.Order.Status,
	}
	if detail.ExecutedQty, err = parseDecimal(data.Order.ExecutedQty); err != nil {
		return common.OrderDetail{}, fmt.Errorf("bingx: executedQty: %w", err)
	}
	if data.Order.AvgPrice != "" && data.Order.AvgPrice != "0" {
		p, err := parseDecimal(data.Order.AvgPrice)
		if err != nil {
			return common.OrderDetail{}, fmt.Errorf("bingx: avgPrice: %w", err)
		}
		detail.AvgPrice.Decimal = p
		detail.AvgPrice.Valid = true
	}
	return detail, nil
}

// SetLeverage pushes leverage and margin mode for a symbol. BingX sets
// leverage per position side; BOTH covers one-way mode.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, mode common.MarginMode) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "BOTH")
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := c.doSigned(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params); err != nil {
		return err
	}

	if mode == "" {
		return nil
	}
	mp := url.Values{}
	mp.Set("symbol", symbol)
	mp.Set("marginType", marginType(mode))
	_, err := c.doSigned(ctx, http.MethodPost, "/openApi/swap/v2/trade/marginType", mp)
	return err
}

func marginType(mode common.MarginMode) string {
	if mode == common.MarginIsolated {
		return "ISOLATED"
	}
	return "CROSSED"
}

// GetServerTime fetches exchange server time in ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/openApi/swap/v2/server/time")
	if err != nil {
		return 0, err
	}
	var data struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, err
	}
	return data.ServerTime, nil
}

// CreateListenKey opens a user data stream session.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doSigned(ctx, http.MethodPost, "/openApi/user/auth/userDataStream", url.Values{})
	if err != nil {
		return "", err
	}
	var data struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", err
	}
	if data.ListenKey == "" {
		return "", errors.New("bingx: empty listen key")
	}
	return data.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doSigned(ctx, http.MethodPut, "/openApi/user/auth/userDataStream", params)
	return err
}

// StreamURL returns the websocket endpoint for a listen key.
func (c *Client) StreamURL(listenKey string) string {
	host := "open-api-swap.bingx.com"
	if c.cfg.Testnet {
		host = "open-api-swap-vst.bingx.com"
	}
	return "wss://" + host + "/swap-market?listenKey=" + listenKey
}

// doSigned signs params and sends the request, retrying transient failures
// (network errors and 5xx) with exponential backoff. HTTP 4xx and business
// rejections (code != 0) are returned immediately.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		// Sign per attempt so the timestamp stays fresh across backoffs.
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query := canonicalQuery(params)
		query += "&signature=" + sign(query, c.cfg.SecretKey)

		body, retryable, err := c.send(ctx, method, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		log.Printf("bingx: %s %s attempt %d/%d failed, retrying in %s: %v",
			method, path, attempt, maxAttempts, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("bingx: %s %s failed after %d attempts: %w", method, path, maxAttempts, lastErr)
}

// send performs one HTTP round trip and unwraps the response envelope.
func (c *Client) send(ctx context.Context, method, path, query string) (data []byte, retryable bool, err error) {
	var req *http.Request
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(query))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("X-BX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, true, err
	}
	if res.StatusCode >= 500 {
		return nil, true, fmt.Errorf("status %d: %s", res.StatusCode, string(body))
	}
	if res.StatusCode >= 400 {
		return nil, false, fmt.Errorf("status %d: %s", res.StatusCode, string(body))
	}

	var env struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return nil, false, &APIError{Code: env.Code, Msg: env.Msg}
	}
	return env.Data, false, nil
}

func (c *Client) doPublic(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("bingx: status %d: %s", res.StatusCode, string(body))
	}

	var env struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bingx: decode envelope: %w", err)
	}
	if env.Code != 0 {
		return nil, &APIError{Code: env.Code, Msg: env.Msg}
	}
	return env.Data, nil
}

// canonicalQuery encodes params with keys sorted, the form the signature
// is computed over.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params.Get(k))
	}
	return b.String()
}

// sign computes the hex HMAC-SHA256 of the canonical query.
func sign(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
