package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRole is what an order is for within a trade.
type OrderRole string

const (
	RoleEntry        OrderRole = "ENTRY"
	RolePyramidAdd   OrderRole = "PYRAMID"
	RoleReentry      OrderRole = "REENTRY"
	RoleHedge        OrderRole = "HEDGE"
	RoleTakeProfit   OrderRole = "TP"
	RoleStopLoss     OrderRole = "SL"
	RoleTrailingStop OrderRole = "TRAILING_SL"
	RoleHedgeTP      OrderRole = "HEDGE_TP"
	RoleHedgeSL      OrderRole = "HEDGE_SL"
)

// ReduceOnly is the only reduce-only value an order of this role may carry.
func (r OrderRole) ReduceOnly() bool {
	switch r {
	case RoleEntry, RolePyramidAdd, RoleReentry, RoleHedge:
		return false
	default:
		return true
	}
}

// IsStop reports whether the role is a protective stop on the main position.
func (r OrderRole) IsStop() bool {
	return r == RoleStopLoss || r == RoleTrailingStop
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFPostOnly       TimeInForce = "PostOnly"
	TIFImmediate      TimeInForce = "IOC"
)

const TriggerByMarkPrice = "MarkPrice"

// OrderRequest is one order to send to the exchange. Build it with
// NewOrderRequest so the reduce-only flag always follows the role.
type OrderRequest struct {
	Symbol      string
	Role        OrderRole
	Side        string
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal
	TimeInForce TimeInForce
	ReduceOnly  bool
	LinkID      string
	PositionIdx int

	TriggerPrice     decimal.Decimal
	TriggerBy        string
	TriggerDirection int
	CloseOnTrigger   bool
}

func NewOrderRequest(role OrderRole, symbol, side string, typ OrderType, qty, price decimal.Decimal, tif TimeInForce, linkID string) OrderRequest {
	return OrderRequest{
		Symbol:      symbol,
		Role:        role,
		Side:        side,
		Type:        typ,
		Qty:         qty,
		Price:       price,
		TimeInForce: tif,
		ReduceOnly:  role.ReduceOnly(),
		LinkID:      linkID,
	}
}

// WithTrigger turns the request into a conditional order triggered by mark price.
// Direction 1 fires when price rises to the trigger, 2 when it falls to it.
func (r OrderRequest) WithTrigger(price decimal.Decimal, direction int) OrderRequest {
	r.TriggerPrice = price
	r.TriggerBy = TriggerByMarkPrice
	r.TriggerDirection = direction
	r.CloseOnTrigger = r.ReduceOnly
	return r
}

func (r OrderRequest) Validate() error {
	if r.ReduceOnly != r.Role.ReduceOnly() {
		return fmt.Errorf("%w: role %s with reduce_only=%t", ErrReduceOnlyViolation, r.Role, r.ReduceOnly)
	}
	if r.Symbol == "" || r.LinkID == "" {
		return fmt.Errorf("order request missing symbol or link id")
	}
	if !r.Qty.IsPositive() {
		return fmt.Errorf("order %s qty must be positive, got %s", r.LinkID, r.Qty)
	}
	if r.Type == OrderTypeLimit && !r.Price.IsPositive() {
		return fmt.Errorf("limit order %s needs a price", r.LinkID)
	}
	if len(r.LinkID) > MaxLinkIDLen {
		return fmt.Errorf("link id %q longer than %d", r.LinkID, MaxLinkIDLen)
	}
	return nil
}

const MaxLinkIDLen = 36

type OrderAck struct {
	OrderID string
	LinkID  string
}

// OpenOrder is an order currently resting on the exchange.
type OpenOrder struct {
	OrderID       string
	LinkID        string
	Symbol        string
	Side          string
	Type          string
	Price         decimal.Decimal
	Qty           decimal.Decimal
	TriggerPrice  decimal.Decimal
	ReduceOnly    bool
	StopOrderType string
	Status        string
}

type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// OrderRecord is the persisted row for one order we placed.
type OrderRecord struct {
	LinkID       string
	OrderID      string
	TradeID      string
	Symbol       string
	Role         OrderRole
	Side         string
	Type         OrderType
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Qty          decimal.Decimal
	ReduceOnly   bool
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (o *OrderRecord) IsOpen() bool {
	return o.Status == OrderStatusNew
}
