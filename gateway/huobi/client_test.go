package huobi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	appconfig "arbiflow/config"
	"arbiflow/gateway"
	"arbiflow/models"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &appconfig.Config{}
	cfg.Trading.AccountID = "12345"
	cfg.Trading.RateLimit.RequestsPerSecond = 100
	cfg.Trading.RateLimit.BurstSize = 100

	table := models.SymbolTable{
		"btcusdt": {Name: "btcusdt", BaseCurrency: "btc", QuoteCurrency: "usdt", PricePrecision: 2, QuantityPrecision: 6},
	}

	c := NewClient(cfg, &HmacSigner{AccessKey: "ak", SecretKey: "sk"}, table)
	c.http.SetBaseURL(server.URL)
	return c
}

func TestSignAddsAuthParams(t *testing.T) {
	s := &HmacSigner{AccessKey: "ak", SecretKey: "sk"}
	params := map[string]string{"order-id": "42"}

	signed := s.Sign("GET", "api.huobi.pro", "/v1/order/orders/42", params)

	if signed["AccessKeyId"] != "ak" {
		t.Errorf("AccessKeyId = %q", signed["AccessKeyId"])
	}
	if signed["SignatureMethod"] != "HmacSHA256" || signed["SignatureVersion"] != "2" {
		t.Errorf("signature scheme fields wrong: %v", signed)
	}
	if signed["order-id"] != "42" {
		t.Error("caller params not carried through")
	}
	if _, err := base64.StdEncoding.DecodeString(signed["Signature"]); err != nil {
		t.Errorf("signature is not base64: %v", err)
	}
	if len(params) != 1 {
		t.Error("input params map was modified")
	}
}

func TestPlaceOrderSuccess(t *testing.T) {
	var body map[string]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/order/orders/place" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"status":"ok","data":"987654"}`))
	})

	id, err := c.PlaceOrder(context.Background(), "btcusdt", models.SideBuy, models.KindLimit, 50000.123, 0.5)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "987654" {
		t.Errorf("order id = %q", id)
	}
	if body["type"] != "buy-limit" {
		t.Errorf("type = %q", body["type"])
	}
	if body["price"] != "50000.12" {
		t.Errorf("price = %q, want truncated to 2 places", body["price"])
	}
	if body["amount"] != "0.500000" {
		t.Errorf("amount = %q, want 6 places", body["amount"])
	}
	if body["account-id"] != "12345" || body["source"] != "api" {
		t.Errorf("body = %v", body)
	}
}

func TestPlaceOrderMarketBuySpendsQuote(t *testing.T) {
	var body map[string]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"status":"ok","data":"1"}`))
	})

	_, err := c.PlaceOrder(context.Background(), "btcusdt", models.SideBuy, models.KindMarket, 0, 99.999)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if body["type"] != "buy-market" {
		t.Errorf("type = %q", body["type"])
	}
	// quote spend uses the price precision, and market orders carry no price
	if body["amount"] != "99.99" {
		t.Errorf("amount = %q, want quote precision", body["amount"])
	}
	if _, ok := body["price"]; ok {
		t.Error("market order must not carry a price")
	}
}

func TestPlaceOrderRejectionMapsToSentinel(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","err-code":"account-frozen-balance-insufficient-error","err-msg":"balance insufficient"}`))
	})

	_, err := c.PlaceOrder(context.Background(), "btcusdt", models.SideBuy, models.KindLimit, 100, 1)
	if !errors.Is(err, gateway.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}
}

func TestAuthFailuresMapToErrAuth(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","err-code":"api-signature-not-valid","err-msg":"Signature not valid"}`))
	})
	_, err := c.GetOrder(context.Background(), "42")
	if !errors.Is(err, gateway.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}

	c = testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err = c.GetOrder(context.Background(), "42")
	if !errors.Is(err, gateway.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth for http 401", err)
	}
}

func TestGetOrderMapsFills(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/order/orders/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"ok","data":{
			"id": 42,
			"symbol": "btcusdt",
			"price": "50000.12",
			"amount": "0.5",
			"type": "buy-limit",
			"state": "partial-filled",
			"field-amount": "0.2",
			"field-cash-amount": "10000.024",
			"field-fees": "0.0004"
		}}`))
	})

	ord, err := c.GetOrder(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if ord.State != models.StatePartialFilled {
		t.Errorf("state = %s", ord.State)
	}
	if ord.Side != models.SideBuy || ord.Kind != models.KindLimit {
		t.Errorf("side/kind = %s/%s", ord.Side, ord.Kind)
	}
	if ord.FilledQuantity != 0.2 || ord.FilledCash != 10000.024 || ord.FilledFees != 0.0004 {
		t.Errorf("fills = %v/%v/%v", ord.FilledQuantity, ord.FilledCash, ord.FilledFees)
	}
	if r := ord.Remaining(); r < 0.29999 || r > 0.30001 {
		t.Errorf("remaining = %v, want 0.3", r)
	}
}

func TestGetOrderUnknownID(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","err-code":"order-orderid-invalid","err-msg":"invalid order id"}`))
	})

	_, err := c.GetOrder(context.Background(), "nope")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelOrderTerminalRaceReturnsFalse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","err-code":"order-orderstate-error","err-msg":"order state error"}`))
	})

	applied, err := c.CancelOrder(context.Background(), "42")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if applied {
		t.Error("cancel of a terminal order must report applied=false")
	}
}

func TestBalancesMergesTradeAndFrozen(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/account/accounts/12345/balance" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"ok","data":{"list":[
			{"currency":"usdt","type":"trade","balance":"120.5"},
			{"currency":"usdt","type":"frozen","balance":"10.25"},
			{"currency":"btc","type":"trade","balance":"0.4"}
		]}}`))
	})

	balances, err := c.Balances(context.Background(), "12345")
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("balances = %d, want 2", len(balances))
	}
	if balances[0].Currency != "usdt" || balances[0].Available != 120.5 || balances[0].Frozen != 10.25 {
		t.Errorf("usdt = %+v", balances[0])
	}
	if balances[1].Currency != "btc" || balances[1].Available != 0.4 {
		t.Errorf("btc = %+v", balances[1])
	}
}

func TestMapState(t *testing.T) {
	cases := []struct {
		venue string
		want  models.OrderState
	}{
		{"created", models.StateSubmitted},
		{"submitted", models.StateSubmitted},
		{"canceling", models.StateSubmitted},
		{"partial-filled", models.StatePartialFilled},
		{"filled", models.StateFilled},
		{"canceled", models.StateCanceled},
		{"partial-canceled", models.StatePartialCanceled},
	}
	for _, c := range cases {
		if got := mapState(c.venue); got != c.want {
			t.Errorf("mapState(%q) = %s, want %s", c.venue, got, c.want)
		}
	}
}
