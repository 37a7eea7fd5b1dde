package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model"
	"main/internal/model/enum"
)

// restOrder is the futures REST order schema, shared by the place,
// cancel, amend and query endpoints.
type restOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
	Time          int64  `json:"time"`
}

type restPosition struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	UpdateTime  int64  `json:"updateTime"`
}

type restAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// streamEnvelope carries only the fields needed to dispatch a user
// data stream message; the payload is re-decoded by type.
type streamEnvelope struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

// orderTradeUpdate is the ORDER_TRADE_UPDATE user stream message.
type orderTradeUpdate struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	TransactionTime int64  `json:"T"`
	Order           struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		Price         string `json:"p"`
		OrigQty       string `json:"q"`
		FilledQty     string `json:"z"`
		AvgPrice      string `json:"ap"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

// accountUpdate is the ACCOUNT_UPDATE user stream message.
type accountUpdate struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	TransactionTime int64  `json:"T"`
	Data            struct {
		Reason    string `json:"m"`
		Positions []struct {
			Symbol      string `json:"s"`
			PositionAmt string `json:"pa"`
			EntryPrice  string `json:"ep"`
		} `json:"P"`
	} `json:"a"`
}

func sideFromWire(s string) enum.OrderSide {
	switch s {
	case "BUY":
		return enum.OrderSideBuy
	case "SELL":
		return enum.OrderSideSell
	default:
		return 0
	}
}

func typeFromWire(s string) enum.OrderType {
	switch s {
	case "LIMIT":
		return enum.OrderTypeLimit
	case "MARKET":
		return enum.OrderTypeMarket
	default:
		return 0
	}
}

func statusFromWire(s string) enum.OrderStatus {
	switch s {
	case "NEW":
		return enum.OrderStatusNew
	case "PARTIALLY_FILLED":
		return enum.OrderStatusPartiallyFilled
	case "FILLED":
		return enum.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		// The venue reports PENDING_CANCEL only transiently; both
		// resolve to the canceled lifecycle on our side.
		return enum.OrderStatusCanceled
	case "REJECTED":
		return enum.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return enum.OrderStatusExpired
	default:
		return enum.OrderStatusUnknown
	}
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// toOrder normalizes a REST order payload. The venue's updateTime is
// used as the update sequence; it is millisecond-monotonic per order.
func (r restOrder) toOrder() model.Order {
	created := millis(r.Time)
	updated := millis(r.UpdateTime)
	if created.IsZero() {
		created = updated
	}
	return model.Order{
		OrderID:        itoa(r.OrderID),
		ClientOrderID:  r.ClientOrderID,
		Symbol:         r.Symbol,
		Side:           sideFromWire(r.Side),
		Type:           typeFromWire(r.Type),
		Status:         statusFromWire(r.Status),
		Price:          dec(r.Price),
		Quantity:       dec(r.OrigQty),
		FilledQuantity: dec(r.ExecutedQty),
		AvgFillPrice:   dec(r.AvgPrice),
		UpdateSeq:      uint64(r.UpdateTime),
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
}

func (r restPosition) toPosition() model.Position {
	return model.Position{
		Symbol:      r.Symbol,
		Size:        dec(r.PositionAmt),
		EntryPrice:  dec(r.EntryPrice),
		LastUpdated: millis(r.UpdateTime),
	}
}

func (u orderTradeUpdate) toUpdate(seq uint64) model.OrderUpdate {
	return model.OrderUpdate{
		OrderID:        itoa(u.Order.OrderID),
		ClientOrderID:  u.Order.ClientOrderID,
		Symbol:         u.Order.Symbol,
		Side:           sideFromWire(u.Order.Side),
		Type:           typeFromWire(u.Order.Type),
		Status:         statusFromWire(u.Order.Status),
		Price:          dec(u.Order.Price),
		Quantity:       dec(u.Order.OrigQty),
		FilledQuantity: dec(u.Order.FilledQty),
		AvgFillPrice:   dec(u.Order.AvgPrice),
		UpdateSeq:      seq,
		EventTime:      millis(u.EventTime),
	}
}

func (u accountUpdate) toUpdate() model.AccountUpdate {
	out := model.AccountUpdate{
		EventTime: millis(u.EventTime),
		Reason:    u.Data.Reason,
	}
	for _, p := range u.Data.Positions {
		out.Positions = append(out.Positions, model.Position{
			Symbol:      p.Symbol,
			Size:        dec(p.PositionAmt),
			EntryPrice:  dec(p.EntryPrice),
			LastUpdated: millis(u.EventTime),
		})
	}
	return out
}

func itoa(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}
