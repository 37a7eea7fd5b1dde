// Package binance implements the Exchange interface against the
// Binance USDT-margined futures REST API and user data stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"main/internal/connector"
	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
)

// Config holds gateway endpoints and credentials.
type Config struct {
	BaseURL    string
	StreamURL  string
	APIKey     string
	SecretKey  string
	RecvWindow int64
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://fapi.binance.com"
	}
	if c.StreamURL == "" {
		c.StreamURL = "wss://fstream.binance.com/ws"
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5000
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Gateway is the production Exchange implementation. Every REST call
// charges the rate limiter before touching the network, and transient
// failures retry under the shared policy with the client order id held
// fixed across attempts.
type Gateway struct {
	cfg     Config
	client  *http.Client
	limiter *connector.RateLimiter
	retry   connector.RetryPolicy
	stream  *Stream
}

// New builds a gateway and its user data stream.
func New(cfg Config, limiter *connector.RateLimiter, retry connector.RetryPolicy) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		retry:   retry,
	}
	g.stream = newStream(g)
	return g
}

// Submit places the order. The caller-assigned client order id rides
// every attempt, so the venue deduplicates retried placements.
func (g *Gateway) Submit(ctx context.Context, spec model.OrderSpec) (model.Order, error) {
	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", spec.Side.String())
	params.Set("type", spec.Type.String())
	params.Set("quantity", spec.Quantity.String())
	params.Set("newClientOrderId", spec.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")
	if spec.Type == enum.OrderTypeLimit {
		params.Set("price", spec.Price.String())
		params.Set("timeInForce", spec.TimeInForce.String())
	}

	var resp restOrder
	err := connector.Retry(ctx, g.retry, "submit", func(ctx context.Context) error {
		return g.call(ctx, http.MethodPost, "/fapi/v1/order", params,
			connector.Cost{Requests: 1, Weight: 1, Orders: 1}, &resp)
	})
	if err != nil {
		return model.Order{}, err
	}
	return resp.toOrder(), nil
}

// Cancel requests cancellation by exchange or client order id.
func (g *Gateway) Cancel(ctx context.Context, ref model.OrderRef) error {
	params := url.Values{}
	params.Set("symbol", ref.Symbol)
	if ref.OrderID != "" {
		params.Set("orderId", ref.OrderID)
	} else {
		params.Set("origClientOrderId", ref.ClientOrderID)
	}

	return connector.Retry(ctx, g.retry, "cancel", func(ctx context.Context) error {
		return g.call(ctx, http.MethodDelete, "/fapi/v1/order", params,
			connector.Cost{Requests: 1, Weight: 1}, nil)
	})
}

// Modify amends price/quantity of a working limit order in place.
// Market orders cannot be amended on this venue.
func (g *Gateway) Modify(ctx context.Context, req model.ModifyRequest) (model.Order, error) {
	if req.NewPrice.IsZero() {
		return model.Order{}, exception.ErrModifyUnsupported
	}
	params := url.Values{}
	params.Set("symbol", req.Ref.Symbol)
	if req.Ref.OrderID != "" {
		params.Set("orderId", req.Ref.OrderID)
	} else {
		params.Set("origClientOrderId", req.Ref.ClientOrderID)
	}
	params.Set("side", req.Side.String())
	params.Set("price", req.NewPrice.String())
	if !req.NewQty.IsZero() {
		params.Set("quantity", req.NewQty.String())
	}

	var resp restOrder
	err := connector.Retry(ctx, g.retry, "modify", func(ctx context.Context) error {
		return g.call(ctx, http.MethodPut, "/fapi/v1/order", params,
			connector.Cost{Requests: 1, Weight: 1, Orders: 1}, &resp)
	})
	if err != nil {
		return model.Order{}, err
	}
	return resp.toOrder(), nil
}

// QueryOpenOrders lists working orders, optionally filtered by symbol.
// The unfiltered call is heavy on this venue (weight 40).
func (g *Gateway) QueryOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	params := url.Values{}
	cost := connector.Cost{Requests: 1, Weight: 40}
	if symbol != "" {
		params.Set("symbol", symbol)
		cost.Weight = 1
	}

	var resp []restOrder
	err := connector.Retry(ctx, g.retry, "query_open_orders", func(ctx context.Context) error {
		return g.call(ctx, http.MethodGet, "/fapi/v1/openOrders", params, cost, &resp)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(resp))
	for _, r := range resp {
		out = append(out, r.toOrder())
	}
	return out, nil
}

// QueryOrder fetches a single order's current state.
func (g *Gateway) QueryOrder(ctx context.Context, ref model.OrderRef) (model.Order, error) {
	params := url.Values{}
	params.Set("symbol", ref.Symbol)
	if ref.OrderID != "" {
		params.Set("orderId", ref.OrderID)
	} else if ref.ClientOrderID != "" {
		params.Set("origClientOrderId", ref.ClientOrderID)
	} else {
		return model.Order{}, exception.ErrEmptyOrderRef
	}

	var resp restOrder
	err := connector.Retry(ctx, g.retry, "query_order", func(ctx context.Context) error {
		return g.call(ctx, http.MethodGet, "/fapi/v1/order", params,
			connector.Cost{Requests: 1, Weight: 1}, &resp)
	})
	if err != nil {
		return model.Order{}, err
	}
	return resp.toOrder(), nil
}

// QueryPositions fetches current positions, dropping flat entries.
func (g *Gateway) QueryPositions(ctx context.Context) ([]model.Position, error) {
	var resp []restPosition
	err := connector.Retry(ctx, g.retry, "query_positions", func(ctx context.Context) error {
		return g.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{},
			connector.Cost{Requests: 1, Weight: 5}, &resp)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(resp))
	for _, r := range resp {
		p := r.toPosition()
		if p.IsFlat() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Events yields the normalized push stream.
func (g *Gateway) Events() <-chan model.StreamEvent {
	return g.stream.Events()
}

// Run drives the user data stream until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	return g.stream.Run(ctx)
}

// Stats exposes rate limiter counters for the shutdown report.
func (g *Gateway) Stats() connector.RateLimiterStats {
	return g.limiter.Stats()
}

// StreamStats exposes user data stream counters.
func (g *Gateway) StreamStats() StreamStats {
	return g.stream.Stats()
}

// listen-key lifecycle, used by the stream.

func (g *Gateway) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	err := g.call(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{},
		connector.Cost{Requests: 1, Weight: 1}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (g *Gateway) keepAliveListenKey(ctx context.Context) error {
	return g.call(ctx, http.MethodPut, "/fapi/v1/listenKey", url.Values{},
		connector.Cost{Requests: 1, Weight: 1}, nil)
}

// call performs one signed REST request. The limiter is charged before
// the request is built so a blocked caller never holds a connection.
func (g *Gateway) call(ctx context.Context, method, path string, params url.Values, cost connector.Cost, out any) error {
	if err := g.limiter.Acquire(ctx, cost); err != nil {
		return err
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(g.cfg.RecvWindow, 10))
	query := params.Encode()
	query += "&signature=" + g.sign(query)

	var body io.Reader
	target := g.cfg.BaseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		target += "?" + query
	} else {
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := restAPIError{}
		_ = sonic.Unmarshal(raw, &apiErr)
		return &exception.APIError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Msg}
	}
	if out == nil {
		return nil
	}
	return sonic.Unmarshal(raw, out)
}

func (g *Gateway) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
