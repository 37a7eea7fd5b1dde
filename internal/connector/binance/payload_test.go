package binance

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"main/internal/connector"
	"main/internal/model/enum"
)

func TestRestOrderToOrder(t *testing.T) {
	payload := []byte(`{"orderId":283194212,"symbol":"BTCUSDT","status":"PARTIALLY_FILLED","clientOrderId":"c-1","price":"30000.10","avgPrice":"30000.00","origQty":"2","executedQty":"0.5","type":"LIMIT","side":"BUY","time":1700000000000,"updateTime":1700000005000}`)
	var r restOrder
	if err := sonic.Unmarshal(payload, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	o := r.toOrder()
	if o.OrderID != "283194212" {
		t.Fatalf("order id: %s", o.OrderID)
	}
	if o.ClientOrderID != "c-1" || o.Symbol != "BTCUSDT" {
		t.Fatalf("identity: %+v", o)
	}
	if o.Side != enum.OrderSideBuy || o.Type != enum.OrderTypeLimit {
		t.Fatalf("side/type: %s %s", o.Side, o.Type)
	}
	if o.Status != enum.OrderStatusPartiallyFilled {
		t.Fatalf("status: %s", o.Status)
	}
	if !o.Price.Equal(decimal.RequireFromString("30000.10")) {
		t.Fatalf("price: %s", o.Price)
	}
	if !o.FilledQuantity.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("filled: %s", o.FilledQuantity)
	}
	if o.UpdateSeq != 1700000005000 {
		t.Fatalf("seq: %d", o.UpdateSeq)
	}
	if o.CreatedAt.UnixMilli() != 1700000000000 || o.UpdatedAt.UnixMilli() != 1700000005000 {
		t.Fatalf("timestamps: %s %s", o.CreatedAt, o.UpdatedAt)
	}
}

func TestStatusFromWire(t *testing.T) {
	testCases := []struct {
		wire string
		want enum.OrderStatus
	}{
		{"NEW", enum.OrderStatusNew},
		{"PARTIALLY_FILLED", enum.OrderStatusPartiallyFilled},
		{"FILLED", enum.OrderStatusFilled},
		{"CANCELED", enum.OrderStatusCanceled},
		{"PENDING_CANCEL", enum.OrderStatusCanceled},
		{"REJECTED", enum.OrderStatusRejected},
		{"EXPIRED", enum.OrderStatusExpired},
		{"EXPIRED_IN_MATCH", enum.OrderStatusExpired},
		{"SOMETHING_ELSE", enum.OrderStatusUnknown},
	}
	for _, tc := range testCases {
		if got := statusFromWire(tc.wire); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.wire, got, tc.want)
		}
	}
}

func TestOrderTradeUpdateToUpdate(t *testing.T) {
	payload := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000123,"T":1700000000100,"o":{"s":"BTCUSDT","c":"c-1","S":"SELL","o":"MARKET","X":"FILLED","i":42,"p":"0","q":"1.5","z":"1.5","ap":"30100.5","T":1700000000100}}`)
	var u orderTradeUpdate
	if err := sonic.Unmarshal(payload, &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := u.toUpdate(1700000000100)
	if got.OrderID != "42" || got.ClientOrderID != "c-1" {
		t.Fatalf("identity: %+v", got)
	}
	if got.Side != enum.OrderSideSell || got.Type != enum.OrderTypeMarket {
		t.Fatalf("side/type: %s %s", got.Side, got.Type)
	}
	if got.Status != enum.OrderStatusFilled {
		t.Fatalf("status: %s", got.Status)
	}
	if !got.FilledQuantity.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("filled: %s", got.FilledQuantity)
	}
	if !got.AvgFillPrice.Equal(decimal.RequireFromString("30100.5")) {
		t.Fatalf("avg price: %s", got.AvgFillPrice)
	}
	if got.UpdateSeq != 1700000000100 {
		t.Fatalf("seq: %d", got.UpdateSeq)
	}
	if got.EventTime.UnixMilli() != 1700000000123 {
		t.Fatalf("event time: %s", got.EventTime)
	}
}

func TestAccountUpdateToUpdate(t *testing.T) {
	payload := []byte(`{"e":"ACCOUNT_UPDATE","E":1700000000123,"T":1700000000100,"a":{"m":"ORDER","P":[{"s":"BTCUSDT","pa":"-0.75","ep":"29850.0"}]}}`)
	var u accountUpdate
	if err := sonic.Unmarshal(payload, &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := u.toUpdate()
	if got.Reason != "ORDER" {
		t.Fatalf("reason: %s", got.Reason)
	}
	if len(got.Positions) != 1 {
		t.Fatalf("positions: %d", len(got.Positions))
	}
	p := got.Positions[0]
	if p.Symbol != "BTCUSDT" || !p.Size.Equal(decimal.RequireFromString("-0.75")) {
		t.Fatalf("position: %+v", p)
	}
	if !p.EntryPrice.Equal(decimal.RequireFromString("29850.0")) {
		t.Fatalf("entry: %s", p.EntryPrice)
	}
}

func TestStreamSeqMonotonic(t *testing.T) {
	s := New(Config{APIKey: "k", SecretKey: "s"}, nil, connector.DefaultRetryPolicy()).stream
	// Always strictly above the raw transaction time, so a stream fill
	// in the same millisecond as an applied REST ack (whose sequence is
	// the raw updateTime) is not discarded as a stale replay.
	if got := s.nextSeq(100); got != 101 {
		t.Fatalf("first seq: %d", got)
	}
	// A second update in the same millisecond must still advance.
	if got := s.nextSeq(100); got != 102 {
		t.Fatalf("same-ms seq: %d", got)
	}
	if got := s.nextSeq(99); got != 103 {
		t.Fatalf("regressing tx seq: %d", got)
	}
	if got := s.nextSeq(500); got != 501 {
		t.Fatalf("jump seq: %d", got)
	}
}

func TestReconnectBackoffResets(t *testing.T) {
	// A session that delivered traffic restarts the ladder; a string of
	// dead sessions keeps climbing it.
	if got := nextAttempt(0, false); got != 1 {
		t.Fatalf("first failure: %d", got)
	}
	if got := nextAttempt(5, false); got != 6 {
		t.Fatalf("repeated failure: %d", got)
	}
	if got := nextAttempt(5, true); got != 1 {
		t.Fatalf("after healthy session: %d", got)
	}
}
