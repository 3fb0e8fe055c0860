package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/uhyunpark/peerbook/pkg/market"
	"github.com/uhyunpark/peerbook/pkg/rpc"
	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

type seen struct {
	origin, event string
	order         market.SellOrder
}

const callerKey = "key-dave"

type fixture struct {
	srv      *rpc.Server
	ep       *Endpoint
	observed chan seen
}

func newFixture(t *testing.T, store storage.KeyValueStore) fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemStore()
	}
	srv := rpc.NewServer(nil, nil)
	book := market.NewOrderBook(market.BookConfig{
		Store: store,
		Clock: util.NewManualClock(time.UnixMilli(5_000)),
	})
	observed := make(chan seen, 8)
	ep := Register(Config{
		Server:   srv,
		Book:     book,
		PeerName: "alice",
		Observer: func(origin, ev string, o market.SellOrder) { observed <- seen{origin, ev, o} },
	})
	return fixture{srv: srv, ep: ep, observed: observed}
}

func call(t *testing.T, f fixture, method string, req any) []byte {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return callFrom(t, f, callerKey, method, payload)
}

func callFrom(t *testing.T, f fixture, origin, method string, payload []byte) []byte {
	t.Helper()
	out, err := f.srv.Dispatch(rpc.WithCaller(context.Background(), origin), method, payload)
	require.NoError(t, err)
	return out
}

func result(t *testing.T, out []byte) market.Result {
	t.Helper()
	var res market.Result
	require.NoError(t, json.Unmarshal(out, &res))
	return res
}

func TestPingIncrementsNonce(t *testing.T) {
	f := newFixture(t, nil)
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.Int64().Draw(rt, "nonce")
		out, err := f.srv.Dispatch(context.Background(), MethodPing, []byte(fmt.Sprintf(`{"nonce":%d}`, n)))
		if err != nil {
			rt.Fatalf("ping %d: %v", n, err)
		}
		var resp struct {
			Nonce json.Number `json:"nonce"`
		}
		if err := json.Unmarshal(out, &resp); err != nil {
			rt.Fatalf("decode: %v", err)
		}
		want := new(big.Int).Add(big.NewInt(n), big.NewInt(1))
		if resp.Nonce.String() != want.String() {
			rt.Fatalf("ping %d returned %s", n, resp.Nonce)
		}
	})
}

func TestPingEdges(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]string{
		`{"nonce":0}`:                   "1",
		`{"nonce":-1}`:                  "0",
		`{"nonce":126}`:                 "127",
		`{"nonce":9223372036854775807}`: "9223372036854775808",
	}
	for in, want := range cases {
		out, err := f.srv.Dispatch(context.Background(), MethodPing, []byte(in))
		require.NoError(t, err, in)
		assert.JSONEq(t, fmt.Sprintf(`{"nonce":%s}`, want), string(out), in)
	}
}

func TestMalformedPayloads(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		method  string
		payload string
	}{
		{MethodPing, `{"nonce":`},
		{MethodPing, `{"nonce":1.5}`},
		{MethodPing, `{}`},
		{MethodSell, `not json`},
		{MethodBid, `[1,2]`},
		{MethodTerminate, `{"ticker":5}`},
		{market.EventBidPlaced, `{"ticker":`},
		{MethodSell, `{"ticker":"","price":"1"}`},
		{MethodBid, `{"price":"1","bidder":"bob"}`},
		{MethodBid, `{"ticker":"AAPL","price":"1","bidder":""}`},
		{MethodTerminate, `{}`},
		{market.EventSellOrderCreated, `{"owner":"dave","createdAt":1}`},
	}
	for _, tc := range cases {
		_, err := f.srv.Dispatch(context.Background(), tc.method, []byte(tc.payload))
		assert.ErrorIs(t, err, rpc.ErrMalformedPayload, "%s %s", tc.method, tc.payload)
	}
}

func TestSellBidTerminate(t *testing.T) {
	f := newFixture(t, nil)

	res := result(t, call(t, f, MethodSell, SellRequest{Ticker: "AAPL", Price: market.PriceOf("100")}))
	require.True(t, res.Accepted)
	require.NotNil(t, res.Order)
	assert.Equal(t, "alice", res.Order.Owner)
	assert.Equal(t, market.StatusOpen, res.Order.Status)
	assert.Nil(t, res.Order.Bidder)

	res = result(t, call(t, f, MethodBid, BidRequest{Ticker: "AAPL", Price: market.PriceOf("110"), Bidder: "bob"}))
	require.True(t, res.Accepted)
	require.NotNil(t, res.Order.Bidder)
	assert.Equal(t, "bob", *res.Order.Bidder)
	assert.Equal(t, `"110"`, res.Order.Price.String())

	res = result(t, call(t, f, MethodTerminate, TerminateRequest{Ticker: "AAPL"}))
	require.True(t, res.Accepted)
	assert.Equal(t, market.StatusTerminated, res.Order.Status)
	assert.Equal(t, "bob", res.Order.Owner)
}

func TestUnknownTicker(t *testing.T) {
	f := newFixture(t, nil)

	res := result(t, call(t, f, MethodBid, BidRequest{Ticker: "NOPE", Price: market.PriceOf(1), Bidder: "bob"}))
	assert.False(t, res.Accepted)
	assert.Equal(t, market.ReasonNotFound, res.Reason)
	assert.Nil(t, res.Order)

	res = result(t, call(t, f, MethodTerminate, TerminateRequest{Ticker: "NOPE"}))
	assert.False(t, res.Accepted)
	assert.Equal(t, market.ReasonNotFound, res.Reason)
}

type brokenStore struct{ storage.KeyValueStore }

func (brokenStore) Put(string, []byte) error { return errors.New("disk on fire") }

func TestStorageFailureIsInternal(t *testing.T) {
	f := newFixture(t, brokenStore{storage.NewMemStore()})
	payload, _ := json.Marshal(SellRequest{Ticker: "AAPL", Price: market.PriceOf("1")})
	_, err := f.srv.Dispatch(context.Background(), MethodSell, payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, rpc.ErrMalformedPayload)
}

func TestEventsFeedRemoteBook(t *testing.T) {
	f := newFixture(t, nil)
	bidder := "carol"
	newer := market.SellOrder{Ticker: "TSLA", Price: market.PriceOf("7"), Owner: "dave", Bidder: &bidder,
		Status: market.StatusOpen, CreatedAt: 10, UpdatedAt: 20}
	older := market.SellOrder{Ticker: "TSLA", Price: market.PriceOf("5"), Owner: "dave",
		Status: market.StatusOpen, CreatedAt: 10}

	call(t, f, market.EventBidPlaced, newer)
	call(t, f, market.EventSellOrderCreated, older)

	got, ok := f.ep.Remote().Get(callerKey, "TSLA")
	require.True(t, ok)
	assert.Equal(t, `"7"`, got.Price.String())

	first := <-f.observed
	second := <-f.observed
	assert.Equal(t, market.EventBidPlaced, first.event)
	assert.Equal(t, market.EventSellOrderCreated, second.event)
	assert.Equal(t, callerKey, first.origin)
}

func TestEventsKeptPerOrigin(t *testing.T) {
	f := newFixture(t, nil)
	alice := market.SellOrder{Ticker: "AAPL", Price: market.PriceOf("100"), Owner: "alice",
		Status: market.StatusOpen, CreatedAt: 200}
	carol := market.SellOrder{Ticker: "AAPL", Price: market.PriceOf("90"), Owner: "carol",
		Status: market.StatusOpen, CreatedAt: 100}

	for origin, o := range map[string]market.SellOrder{"key-alice": alice, "key-carol": carol} {
		payload, err := json.Marshal(o)
		require.NoError(t, err)
		callFrom(t, f, origin, market.EventSellOrderCreated, payload)
	}

	listed := f.ep.Remote().ByTicker("AAPL")
	require.Len(t, listed, 2)
	assert.Equal(t, "alice", listed[0].Owner)
	assert.Equal(t, "carol", listed[1].Owner)
}

func TestEventWithoutCaller(t *testing.T) {
	f := newFixture(t, nil)
	payload, _ := json.Marshal(market.SellOrder{Ticker: "AAPL", Owner: "x", CreatedAt: 1})
	_, err := f.srv.Dispatch(context.Background(), market.EventSellOrderCreated, payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, rpc.ErrMalformedPayload)
	assert.Empty(t, f.ep.Remote().List())
}
