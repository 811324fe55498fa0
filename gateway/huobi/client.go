// Package huobi implements the gateway trading capability against the
// venue's REST API. Request signing is delegated to the injected Signer;
// all outbound calls share one rate limiter.
package huobi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	appconfig "arbiflow/config"
	"arbiflow/gateway"
	"arbiflow/internal/precision"
	"arbiflow/logger"
	"arbiflow/models"
)

// Client talks to the trading REST endpoints. It implements
// gateway.Gateway.
type Client struct {
	config  *appconfig.Config
	http    *resty.Client
	signer  gateway.Signer
	limiter *rate.Limiter
	log     *logger.Log
	host    string
	table   models.SymbolTable
}

// NewClient creates a trading client for the configured host. The symbol
// table drives wire formatting of prices and quantities.
func NewClient(cfg *appconfig.Config, signer gateway.Signer, table models.SymbolTable) *Client {
	host := cfg.Trading.Host
	if host == "" {
		host = "api.huobi.pro"
	}

	rl := cfg.Trading.RateLimit
	limiter := rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.BurstSize)

	httpClient := resty.New().
		SetBaseURL("https://" + host).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)

	return &Client{
		config:  cfg,
		http:    httpClient,
		signer:  signer,
		limiter: limiter,
		log:     logger.GetLogger(),
		host:    host,
		table:   table,
	}
}

type apiResponse struct {
	Status  string          `json:"status"`
	ErrCode string          `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
	Data    json.RawMessage `json:"data"`
}

// venueError is a non-success API status outside the auth family.
type venueError struct {
	Code string
	Msg  string
}

func (e *venueError) Error() string {
	return fmt.Sprintf("venue error %s: %s", e.Code, e.Msg)
}

func (c *Client) decode(resp *resty.Response, out interface{}) error {
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return fmt.Errorf("%w: http %d", gateway.ErrAuth, resp.StatusCode())
	}

	var api apiResponse
	if err := json.Unmarshal(resp.Body(), &api); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if api.Status != "ok" {
		if strings.HasPrefix(api.ErrCode, "api-signature") || strings.HasPrefix(api.ErrCode, "api-key") {
			return fmt.Errorf("%w: %s %s", gateway.ErrAuth, api.ErrCode, api.ErrMsg)
		}
		return &venueError{Code: api.ErrCode, Msg: api.ErrMsg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(api.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req := c.http.R().SetContext(ctx)
	if signed {
		req.SetQueryParams(c.signer.Sign(http.MethodGet, c.host, path, nil))
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return c.decode(resp, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(c.signer.Sign(http.MethodPost, c.host, path, nil)).
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return c.decode(resp, out)
}

// ListSymbols fetches the venue's tradable pairs with their precisions.
func (c *Client) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	var rows []struct {
		Base            string `json:"base-currency"`
		Quote           string `json:"quote-currency"`
		PricePrecision  int32  `json:"price-precision"`
		AmountPrecision int32  `json:"amount-precision"`
	}
	if err := c.get(ctx, "/v1/common/symbols", false, &rows); err != nil {
		return nil, err
	}

	out := make([]models.Symbol, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Symbol{
			Name:              row.Base + row.Quote,
			BaseCurrency:      row.Base,
			QuoteCurrency:     row.Quote,
			PricePrecision:    row.PricePrecision,
			QuantityPrecision: row.AmountPrecision,
		})
	}
	return out, nil
}

// Balances fetches the account's currency positions.
func (c *Client) Balances(ctx context.Context, accountID string) ([]models.Balance, error) {
	var data struct {
		List []struct {
			Currency string `json:"currency"`
			Type     string `json:"type"`
			Balance  string `json:"balance"`
		} `json:"list"`
	}
	path := fmt.Sprintf("/v1/account/accounts/%s/balance", accountID)
	if err := c.get(ctx, path, true, &data); err != nil {
		return nil, err
	}

	merged := map[string]*models.Balance{}
	order := make([]string, 0)
	for _, row := range data.List {
		amount, err := strconv.ParseFloat(row.Balance, 64)
		if err != nil {
			continue
		}
		b, ok := merged[row.Currency]
		if !ok {
			b = &models.Balance{Currency: row.Currency}
			merged[row.Currency] = b
			order = append(order, row.Currency)
		}
		switch row.Type {
		case "trade":
			b.Available += amount
		case "frozen":
			b.Frozen += amount
		}
	}

	out := make([]models.Balance, 0, len(order))
	for _, cur := range order {
		out = append(out, *merged[cur])
	}
	return out, nil
}

// PlaceOrder submits an order. A non-success status maps to
// gateway.ErrOrderRejected; the caller owns retry policy. For market buys
// quantity is the quote amount to spend.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side models.Side, kind models.Kind, price, quantity float64) (string, error) {
	sym, ok := c.table.Get(symbol)
	if !ok {
		return "", fmt.Errorf("unknown symbol %s", symbol)
	}

	amountPrecision := sym.QuantityPrecision
	if kind == models.KindMarket && side == models.SideBuy {
		// market buys are denominated in the quote currency
		amountPrecision = sym.PricePrecision
	}
	amount, err := precision.Format(quantity, amountPrecision)
	if err != nil {
		return "", err
	}

	body := map[string]string{
		"account-id": c.config.Trading.AccountID,
		"symbol":     symbol,
		"type":       fmt.Sprintf("%s-%s", side, kind),
		"amount":     amount,
		"source":     "api",
	}
	if kind == models.KindLimit {
		formatted, err := precision.Format(price, sym.PricePrecision)
		if err != nil {
			return "", err
		}
		body["price"] = formatted
	}

	var orderID string
	if err := c.post(ctx, "/v1/order/orders/place", body, &orderID); err != nil {
		var ve *venueError
		if errors.As(err, &ve) {
			return "", fmt.Errorf("%w: %v", gateway.ErrOrderRejected, ve)
		}
		return "", err
	}

	logger.IncrementOrderPlaced()
	return orderID, nil
}

type orderDetail struct {
	ID              int64  `json:"id"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Amount          string `json:"amount"`
	Type            string `json:"type"`
	State           string `json:"state"`
	FieldAmount     string `json:"field-amount"`
	FieldCashAmount string `json:"field-cash-amount"`
	FieldFees       string `json:"field-fees"`
	CreatedAt       int64  `json:"created-at"`
}

// GetOrder polls the order detail endpoint and maps it to the engine's
// order model.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var detail orderDetail
	path := fmt.Sprintf("/v1/order/orders/%s", orderID)
	if err := c.get(ctx, path, true, &detail); err != nil {
		var ve *venueError
		if errors.As(err, &ve) && strings.HasPrefix(ve.Code, "order-orderid") {
			return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, orderID)
		}
		return nil, err
	}
	return detail.toOrder(orderID), nil
}

// CancelOrder submits a cancel request. It returns false without an error
// when the venue refuses because the order already reached a terminal
// state; the caller resolves the final state by polling.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	path := fmt.Sprintf("/v1/order/orders/%s/submitcancel", orderID)
	var canceled string
	if err := c.post(ctx, path, map[string]string{}, &canceled); err != nil {
		var ve *venueError
		if errors.As(err, &ve) && ve.Code == "order-orderstate-error" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *orderDetail) toOrder(orderID string) *models.Order {
	parse := func(s string) float64 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}

	side := models.SideBuy
	if strings.HasPrefix(d.Type, "sell") {
		side = models.SideSell
	}
	kind := models.KindLimit
	if strings.HasSuffix(d.Type, "market") {
		kind = models.KindMarket
	}

	return &models.Order{
		ID:             orderID,
		Symbol:         d.Symbol,
		Side:           side,
		Kind:           kind,
		Price:          parse(d.Price),
		Quantity:       parse(d.Amount),
		State:          mapState(d.State),
		FilledQuantity: parse(d.FieldAmount),
		FilledCash:     parse(d.FieldCashAmount),
		FilledFees:     parse(d.FieldFees),
	}
}

// mapState converts venue state strings. In-flight states collapse to
// submitted; the venue's terminal vocabulary matches ours.
func mapState(state string) models.OrderState {
	switch state {
	case "partial-filled":
		return models.StatePartialFilled
	case "filled":
		return models.StateFilled
	case "canceled":
		return models.StateCanceled
	case "partial-canceled":
		return models.StatePartialCanceled
	default:
		// created, submitted, canceling
		return models.StateSubmitted
	}
}
