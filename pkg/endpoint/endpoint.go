// Package endpoint binds the marketplace methods onto an RPC server.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/market"
	"github.com/uhyunpark/peerbook/pkg/rpc"
	"github.com/uhyunpark/peerbook/pkg/util"
)

const (
	MethodPing      = "ping"
	MethodSell      = "sell"
	MethodBid       = "bid"
	MethodTerminate = "terminate"
)

// Responder is the part of rpc.Server the endpoint needs.
type Responder interface {
	Respond(method string, fn rpc.Handler)
}

// Book is the local order book the endpoint serves.
type Book interface {
	CreateOrder(ticker string, price market.Price, owner string) (market.Result, error)
	PlaceBid(ticker string, price market.Price, bidder string) (market.Result, error)
	Terminate(ticker string) (market.Result, error)
}

// Observer sees every event received from another peer. origin is the RPC
// key of the peer that sent it.
type Observer func(origin, event string, order market.SellOrder)

type Config struct {
	Server   Responder
	Book     Book
	Remote   *market.RemoteBook
	PeerName string // owner recorded on orders created through sell
	Observer Observer
	Logger   *zap.SugaredLogger
}

type PingRequest struct {
	Nonce json.Number `json:"nonce"`
}

type PingResponse struct {
	Nonce *big.Int `json:"nonce"`
}

type SellRequest struct {
	Ticker string       `json:"ticker"`
	Price  market.Price `json:"price"`
}

type BidRequest struct {
	Ticker string       `json:"ticker"`
	Price  market.Price `json:"price"`
	Bidder string       `json:"bidder"`
}

type TerminateRequest struct {
	Ticker string `json:"ticker"`
}

type Endpoint struct {
	book     Book
	remote   *market.RemoteBook
	name     string
	observer Observer
	log      *zap.SugaredLogger
}

// Register binds every method on cfg.Server and returns the endpoint.
func Register(cfg Config) *Endpoint {
	e := &Endpoint{
		book:     cfg.Book,
		remote:   cfg.Remote,
		name:     cfg.PeerName,
		observer: cfg.Observer,
		log:      util.OrNop(cfg.Logger),
	}
	if e.remote == nil {
		e.remote = market.NewRemoteBook()
	}

	s := cfg.Server
	s.Respond(MethodPing, e.ping)
	s.Respond(MethodSell, e.sell)
	s.Respond(MethodBid, e.bid)
	s.Respond(MethodTerminate, e.terminate)
	for _, ev := range []string{market.EventSellOrderCreated, market.EventBidPlaced, market.EventSellOrderTerminated} {
		s.Respond(ev, e.onEvent(ev))
	}
	return e
}

var (
	errNoTicker = errors.New("ticker is required")
	errNoBidder = errors.New("bidder is required")
	errNoCaller = errors.New("event has no caller")
)

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return rpc.Malformed(err)
	}
	return nil
}

func (e *Endpoint) ping(_ context.Context, payload []byte) ([]byte, error) {
	var req PingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(req.Nonce.String(), 10)
	if !ok {
		return nil, rpc.Malformed(errors.New("nonce is not an integer"))
	}
	return json.Marshal(PingResponse{Nonce: n.Add(n, big.NewInt(1))})
}

func (e *Endpoint) sell(_ context.Context, payload []byte) ([]byte, error) {
	var req SellRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Ticker == "" {
		return nil, rpc.Malformed(errNoTicker)
	}
	res, err := e.book.CreateOrder(req.Ticker, req.Price, e.name)
	if err != nil {
		return nil, err
	}
	e.log.Infow("sell_order_created", "ticker", req.Ticker, "price", req.Price.String())
	return json.Marshal(res)
}

func (e *Endpoint) bid(_ context.Context, payload []byte) ([]byte, error) {
	var req BidRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	switch {
	case req.Ticker == "":
		return nil, rpc.Malformed(errNoTicker)
	case req.Bidder == "":
		return nil, rpc.Malformed(errNoBidder)
	}
	res, err := e.book.PlaceBid(req.Ticker, req.Price, req.Bidder)
	if err != nil {
		return nil, err
	}
	e.log.Infow("bid_received", "ticker", req.Ticker, "price", req.Price.String(), "bidder", req.Bidder, "accepted", res.Accepted)
	return json.Marshal(res)
}

func (e *Endpoint) terminate(_ context.Context, payload []byte) ([]byte, error) {
	var req TerminateRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Ticker == "" {
		return nil, rpc.Malformed(errNoTicker)
	}
	res, err := e.book.Terminate(req.Ticker)
	if err != nil {
		return nil, err
	}
	e.log.Infow("terminate_received", "ticker", req.Ticker, "accepted", res.Accepted)
	return json.Marshal(res)
}

func (e *Endpoint) onEvent(event string) rpc.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var order market.SellOrder
		if err := decode(payload, &order); err != nil {
			return nil, err
		}
		if order.Ticker == "" {
			return nil, rpc.Malformed(errNoTicker)
		}
		origin, ok := rpc.Caller(ctx)
		if !ok {
			return nil, errNoCaller
		}
		applied := e.remote.Apply(origin, order)
		e.log.Infow("market_event",
			"event", event,
			"origin", origin,
			"ticker", order.Ticker,
			"price", order.Price.String(),
			"owner", order.Owner,
			"status", order.Status,
			"stale", !applied,
		)
		if e.observer != nil {
			e.observer(origin, event, order)
		}
		return nil, nil
	}
}

// Remote returns the read model fed by received events.
func (e *Endpoint) Remote() *market.RemoteBook { return e.remote }
