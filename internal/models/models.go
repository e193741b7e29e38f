// Package models holds the core data model shared by every engine
// component: instruments, balances, orders, and trades.
package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderDirection is the side of an order.
type OrderDirection string

const (
	DirectionBuy  OrderDirection = "BUY"
	DirectionSell OrderDirection = "SELL"
)

// OrderType distinguishes limit orders, which rest on the book, from
// market orders, which execute immediately or are rejected whole.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is a node in the state machine of spec §4.4.
type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted          OrderStatus = "EXECUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// Open reports whether the status keeps the order on the book.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyExecuted
}

// Terminal reports whether the status is an end state.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Role distinguishes ordinary users from admins at the auth boundary.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// RUB is the reserved ticker denoting the cash leg of every trade.
const RUB = "RUB"

// Instrument is an admin-registered tradable asset, identified by its
// uppercase ticker (length 2-10).
type Instrument struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// Balance is the per-(user, ticker) ledger row. Amount and Reserved
// are non-negative integers with Reserved <= Amount.
type Balance struct {
	UserID   uuid.UUID `json:"user_id"`
	Ticker   string    `json:"ticker"`
	Amount   int64     `json:"amount"`
	Reserved int64     `json:"reserved"`
}

// Free returns the spendable portion of the balance.
func (b Balance) Free() int64 {
	return b.Amount - b.Reserved
}

// Order is a user order against a single instrument.
type Order struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Ticker    string         `json:"ticker"`
	Type      OrderType      `json:"type"`
	Direction OrderDirection `json:"direction"`
	Qty       int64          `json:"qty"`
	Price     *int64         `json:"price,omitempty"` // required for LIMIT, nil for MARKET
	Filled    int64          `json:"filled"`
	Status    OrderStatus    `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Remaining is the unfilled portion of the order.
func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// Trade is a single executed fill, append-only.
type Trade struct {
	ID          uuid.UUID `json:"id"`
	Ticker      string    `json:"ticker"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	BuyUserID   uuid.UUID `json:"buy_user_id"`
	SellUserID  uuid.UUID `json:"sell_user_id"`
	Qty         int64     `json:"qty"`
	Price       int64     `json:"price"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// User is the minimal identity record the auth boundary needs.
type User struct {
	ID        uuid.UUID
	Role      Role
	CreatedAt time.Time
}

// ApiKey backs the bearer-token auth scheme of spec §6. TokenHash is
// the SHA-256 of the signed JWT handed to the client; storing the
// hash (not the token) lets a key be revoked and "unknown key"
// detected even though the JWT signature itself stays valid forever.
type ApiKey struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	IssuedAt  time.Time
	RevokedAt *time.Time
}

// CreateOrderRequest is the POST /api/v1/order request body.
type CreateOrderRequest struct {
	Direction OrderDirection `json:"direction"`
	Ticker    string         `json:"ticker"`
	Type      OrderType      `json:"type"`
	Qty       int64          `json:"qty"`
	Price     *int64         `json:"price,omitempty"`
}

// CreateOrderResponse is the POST /api/v1/order response body.
type CreateOrderResponse struct {
	Success bool      `json:"success"`
	OrderID uuid.UUID `json:"order_id"`
}

// OrderBookLevel is a single aggregated price level.
type OrderBookLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// OrderBookResponse is the GET /api/v1/public/orderbook/{ticker} response.
type OrderBookResponse struct {
	BidLevels []OrderBookLevel `json:"bid_levels"`
	AskLevels []OrderBookLevel `json:"ask_levels"`
}

// DepositWithdrawRequest is the admin balance deposit/withdraw body.
type DepositWithdrawRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Ticker string    `json:"ticker"`
	Amount int64     `json:"amount"`
}
