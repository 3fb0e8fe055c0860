package market

import (
	"bytes"
	"encoding/json"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusTerminated Status = "terminated"
)

// Event tags carried by notifications. They double as RPC method names on
// the receiving peer.
const (
	EventSellOrderCreated    = "sellOrderCreated"
	EventBidPlaced           = "bidPlaced"
	EventSellOrderTerminated = "sellOrderTerminated"
)

// Reasons returned with accepted=false. These are the only failure details
// that cross the wire.
const (
	ReasonNotFound   = "no sell order found"
	ReasonTerminated = "sell order terminated"
)

// Price is whatever JSON value the seller or bidder supplied. It is stored
// and echoed verbatim, never parsed as currency.
type Price json.RawMessage

// PriceOf encodes v (typically a string or a number) as a Price.
func PriceOf(v any) Price {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return Price(b)
}

func (p Price) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Price) UnmarshalJSON(b []byte) error {
	*p = append((*p)[0:0], b...)
	return nil
}

func (p Price) Equal(o Price) bool { return bytes.Equal(p, o) }

func (p Price) String() string { return string(p) }

type SellOrder struct {
	Ticker    string  `json:"ticker"`
	Price     Price   `json:"price"`
	Owner     string  `json:"owner"`
	Bidder    *string `json:"bidder"`
	Status    Status  `json:"status"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt,omitempty"`
}

// HasBidder reports whether a bid has been placed.
func (o SellOrder) HasBidder() bool { return o.Bidder != nil }

// version orders snapshots of the same ticker by their last server-side change.
func (o SellOrder) version() int64 {
	if o.UpdatedAt > o.CreatedAt {
		return o.UpdatedAt
	}
	return o.CreatedAt
}

// Result is the outcome of a sell, bid or terminate.
type Result struct {
	Accepted bool       `json:"accepted"`
	Order    *SellOrder `json:"sellOrder,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

func accepted(o SellOrder) Result { return Result{Accepted: true, Order: &o} }

func rejected(reason string) Result { return Result{Reason: reason} }
