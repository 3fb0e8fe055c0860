package api

import "github.com/uhyunpark/peerbook/pkg/market"

// Response types for REST endpoints and WebSocket messages.

type IdentityInfo struct {
	PeerName    string   `json:"peerName"`
	RPCKey      string   `json:"rpcKey"`
	SwarmPeerID string   `json:"swarmPeerId"`
	SwarmAddrs  []string `json:"swarmAddrs"`
	RPCAddrs    []string `json:"rpcAddrs"`
	Topic       string   `json:"topic"`
}

// ConnectionInfo is one live transport connection and the RPC key it
// announced.
type ConnectionInfo struct {
	TransportID string `json:"transportId"`
	RPCKey      string `json:"rpcKey"`
}

type OrderList struct {
	Orders []market.SellOrder `json:"orders"`
	Count  int                `json:"count"`
}

// RemoteOrderList carries snapshots received from other peers; origin is
// the announcing peer's RPC key.
type RemoteOrderList struct {
	Orders []market.RemoteOrder `json:"orders"`
	Count  int                  `json:"count"`
}

type HealthStatus struct {
	Status      string `json:"status"`
	WSClients   int    `json:"wsClients"`
	Connections int    `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// Channels clients may subscribe to.
const (
	ChannelEvents       = "events"
	channelTickerPrefix = "events:"
)

func tickerChannel(ticker string) string { return channelTickerPrefix + ticker }

// WSSubscribeRequest is sent by clients: {"op":"subscribe","channels":["events"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// MarketEvent is pushed for every order event, local or received.
type MarketEvent struct {
	Type      string           `json:"type"` // always "event"
	Channel   string           `json:"channel"`
	Event     string           `json:"event"`
	Origin    string           `json:"origin"` // "local" or "remote"
	From      string           `json:"from"`   // RPC key of the order's book
	Order     market.SellOrder `json:"sellOrder"`
	Timestamp int64            `json:"timestamp"`
}
