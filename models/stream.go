package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Operation tags carried in the "op" field of every frame.
const (
	OpConnection         = "connection"
	OpStatus             = "status"
	OpAuthentication     = "authentication"
	OpMarketSubscription = "marketSubscription"
	OpOrderSubscription  = "orderSubscription"
	OpHeartbeat          = "heartbeat"
	OpMarketChange       = "mcm"
	OpOrderChange        = "ocm"
)

// Change types carried in the "ct" field of mcm/ocm frames.
const (
	ChangeTypeSubImage   = "SUB_IMAGE"
	ChangeTypeResubDelta = "RESUB_DELTA"
	ChangeTypeHeartbeat  = "HEARTBEAT"
)

// Status codes for status frames.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Unmatched order statuses and sides as sent on the wire.
const (
	OrderStatusExecutable        = "E"
	OrderStatusExecutionComplete = "EC"

	SideBack = "B"
	SideLay  = "L"
)

// Frame is the envelope decoded first for every inbound line; Op selects the
// concrete message type.
type Frame struct {
	Op string `json:"op"`
	ID int64  `json:"id,omitempty"`
}

// ConnectionMessage is the first frame the exchange sends after the transport
// opens.
type ConnectionMessage struct {
	Op           string `json:"op"`
	ConnectionID string `json:"connectionId"`
}

// StatusMessage acknowledges authentication and subscription requests.
type StatusMessage struct {
	Op               string `json:"op"`
	ID               int64  `json:"id"`
	StatusCode       string `json:"statusCode"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ConnectionClosed bool   `json:"connectionClosed,omitempty"`
}

// AuthenticationMessage is the first frame sent after the transport opens.
type AuthenticationMessage struct {
	Op      string `json:"op"`
	ID      int64  `json:"id"`
	AppKey  string `json:"appKey"`
	Session string `json:"session"`
}

// MarketFilter selects the markets a subscription covers.
type MarketFilter struct {
	MarketIDs []string `json:"marketIds,omitempty"`
}

// MarketDataFilter selects the fields and ladder depth for market data.
type MarketDataFilter struct {
	Fields       []string `json:"fields,omitempty"`
	LadderLevels int      `json:"ladderLevels,omitempty"`
}

// MarketSubscriptionMessage subscribes to one or more market streams.
type MarketSubscriptionMessage struct {
	Op               string           `json:"op"`
	ID               int64            `json:"id"`
	MarketFilter     MarketFilter     `json:"marketFilter"`
	MarketDataFilter MarketDataFilter `json:"marketDataFilter"`
	ConflateMs       int              `json:"conflateMs,omitempty"`
	HeartbeatMs      int              `json:"heartbeatMs,omitempty"`
}

// OrderFilter narrows the order stream to particular strategies.
type OrderFilter struct {
	StrategyRefs           []string `json:"customerStrategyRefs,omitempty"`
	IncludeOverallPosition bool     `json:"includeOverallPosition,omitempty"`
}

// OrderSubscriptionMessage subscribes to the caller's own order stream.
type OrderSubscriptionMessage struct {
	Op          string       `json:"op"`
	ID          int64        `json:"id"`
	OrderFilter *OrderFilter `json:"orderFilter,omitempty"`
	HeartbeatMs int          `json:"heartbeatMs,omitempty"`
}

// LadderLevel is one available-to-back/lay entry, sent on the wire as a
// [level, price, size] triple. Prices and sizes decode through decimal so
// zero-size removal and ordering comparisons stay exact.
type LadderLevel struct {
	Level int
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (l *LadderLevel) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("ladder level: expected 3 elements, got %d", len(raw))
	}
	level, err := raw[0].Int64()
	if err != nil {
		return fmt.Errorf("ladder level index: %w", err)
	}
	price, err := decimal.NewFromString(raw[1].String())
	if err != nil {
		return fmt.Errorf("ladder level price: %w", err)
	}
	size, err := decimal.NewFromString(raw[2].String())
	if err != nil {
		return fmt.Errorf("ladder level size: %w", err)
	}
	l.Level = int(level)
	l.Price = price
	l.Size = size
	return nil
}

func (l LadderLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([]json.RawMessage{
		json.RawMessage(fmt.Sprintf("%d", l.Level)),
		json.RawMessage(l.Price.String()),
		json.RawMessage(l.Size.String()),
	})
}

// PriceSize is a [price, size] pair; for matched volumes the size is the
// exchange's cumulative total at that price, not a delta.
type PriceSize struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (p *PriceSize) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("price size: expected 2 elements, got %d", len(raw))
	}
	price, err := decimal.NewFromString(raw[0].String())
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	size, err := decimal.NewFromString(raw[1].String())
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	p.Price = price
	p.Size = size
	return nil
}

func (p PriceSize) MarshalJSON() ([]byte, error) {
	return json.Marshal([]json.RawMessage{
		json.RawMessage(p.Price.String()),
		json.RawMessage(p.Size.String()),
	})
}

// RunnerChange carries ladder deltas for one selection.
type RunnerChange struct {
	SelectionID     int64            `json:"id"`
	AvailableToBack []LadderLevel    `json:"batb,omitempty"`
	AvailableToLay  []LadderLevel    `json:"batl,omitempty"`
	LastTradedPrice *decimal.Decimal `json:"ltp,omitempty"`
	TotalVolume     *decimal.Decimal `json:"tv,omitempty"`
}

// MarketChange carries per-selection ladder deltas for one market.
type MarketChange struct {
	MarketID string         `json:"id"`
	Image    bool           `json:"img,omitempty"`
	Runners  []RunnerChange `json:"rc,omitempty"`
}

// MarketChangeMessage is an inbound mcm frame.
type MarketChangeMessage struct {
	Op          string         `json:"op"`
	ID          int64          `json:"id,omitempty"`
	ChangeType  string         `json:"ct,omitempty"`
	Clock       string         `json:"clk,omitempty"`
	PublishTime int64          `json:"pt,omitempty"`
	Markets     []MarketChange `json:"mc,omitempty"`
}

// IsHeartbeat reports whether the frame carries no market data.
func (m *MarketChangeMessage) IsHeartbeat() bool {
	return m.ChangeType == ChangeTypeHeartbeat
}

// UnmatchedOrder is one resting order as reported by the order stream.
type UnmatchedOrder struct {
	BetID         string          `json:"id"`
	Price         decimal.Decimal `json:"p"`
	Size          decimal.Decimal `json:"s"`
	Side          string          `json:"side"`
	Status        string          `json:"status"`
	OrderType     string          `json:"ot,omitempty"`
	PlacedDate    int64           `json:"pd,omitempty"`
	SizeMatched   decimal.Decimal `json:"sm"`
	SizeRemaining decimal.Decimal `json:"sr"`
	SizeLapsed    decimal.Decimal `json:"sl"`
	SizeCancelled decimal.Decimal `json:"sc"`
	SizeVoided    decimal.Decimal `json:"sv"`
	StrategyRef   string          `json:"rfs,omitempty"`
}

// OrderRunnerChange carries unmatched orders and matched aggregates for one
// selection.
type OrderRunnerChange struct {
	SelectionID  int64            `json:"id"`
	FullImage    bool             `json:"fullImage,omitempty"`
	Unmatched    []UnmatchedOrder `json:"uo,omitempty"`
	MatchedBacks []PriceSize      `json:"mb,omitempty"`
	MatchedLays  []PriceSize      `json:"ml,omitempty"`
}

// OrderMarketChange carries per-selection order changes for one market.
type OrderMarketChange struct {
	MarketID string              `json:"id"`
	Closed   bool                `json:"closed,omitempty"`
	Runners  []OrderRunnerChange `json:"orc,omitempty"`
}

// OrderChangeMessage is an inbound ocm frame.
type OrderChangeMessage struct {
	Op          string              `json:"op"`
	ID          int64               `json:"id,omitempty"`
	ChangeType  string              `json:"ct,omitempty"`
	Clock       string              `json:"clk,omitempty"`
	PublishTime int64               `json:"pt,omitempty"`
	Markets     []OrderMarketChange `json:"oc,omitempty"`
}

// IsHeartbeat reports whether the frame carries no order data.
func (m *OrderChangeMessage) IsHeartbeat() bool {
	return m.ChangeType == ChangeTypeHeartbeat
}
