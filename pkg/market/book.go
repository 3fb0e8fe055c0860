package market

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// Notifier receives every state transition after it has been persisted.
// Implementations must not block the caller.
type Notifier interface {
	Notify(event string, order SellOrder)
}

type NotifierFunc func(event string, order SellOrder)

func (f NotifierFunc) Notify(event string, order SellOrder) { f(event, order) }

// TerminatedPolicy decides what happens to a bid or terminate that targets
// an order which is already terminated.
type TerminatedPolicy string

const (
	// AllowTerminated applies the mutation anyway; the order stays terminated
	// but price, bidder and owner move as usual.
	AllowTerminated TerminatedPolicy = "allow"
	// RejectTerminated answers accepted=false with ReasonTerminated.
	RejectTerminated TerminatedPolicy = "reject"
)

func ParseTerminatedPolicy(s string) (TerminatedPolicy, error) {
	switch p := TerminatedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case AllowTerminated, RejectTerminated:
		return p, nil
	case "":
		return AllowTerminated, nil
	default:
		return "", fmt.Errorf("unknown terminated order policy %q", s)
	}
}

type BookConfig struct {
	// Store holds one JSON record per ticker, keyed by the bare ticker.
	Store    storage.KeyValueStore
	Notifier Notifier
	Clock    util.Clock
	Policy   TerminatedPolicy
	Logger   *zap.SugaredLogger
}

// OrderBook owns the sell orders of this peer. Mutations of one ticker are
// serialized; different tickers proceed in parallel.
type OrderBook struct {
	store    storage.KeyValueStore
	notifier Notifier
	clock    util.Clock
	policy   TerminatedPolicy
	log      *zap.SugaredLogger
	locks    *tickerLocks
}

func NewOrderBook(cfg BookConfig) *OrderBook {
	ob := &OrderBook{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		policy:   cfg.Policy,
		log:      util.OrNop(cfg.Logger),
		locks:    newTickerLocks(),
	}
	if ob.notifier == nil {
		ob.notifier = NotifierFunc(func(string, SellOrder) {})
	}
	if ob.clock == nil {
		ob.clock = util.RealClock{}
	}
	if ob.policy == "" {
		ob.policy = AllowTerminated
	}
	return ob
}

// CreateOrder lists ticker for sale, replacing any previous record.
func (ob *OrderBook) CreateOrder(ticker string, price Price, owner string) (Result, error) {
	unlock := ob.locks.lock(ticker)
	defer unlock()

	order := SellOrder{
		Ticker:    ticker,
		Price:     price,
		Owner:     owner,
		Status:    StatusOpen,
		CreatedAt: util.NowMillis(ob.clock),
	}
	if err := ob.commit(EventSellOrderCreated, order); err != nil {
		return Result{}, err
	}
	return accepted(order), nil
}

// PlaceBid records bidder's price on an existing order.
func (ob *OrderBook) PlaceBid(ticker string, price Price, bidder string) (Result, error) {
	return ob.mutate(ticker, EventBidPlaced, func(o *SellOrder) {
		o.Price = price
		o.Bidder = &bidder
	})
}

// Terminate closes the order and hands it to the last bidder. An order
// terminated without any bid ends up with an empty owner.
func (ob *OrderBook) Terminate(ticker string) (Result, error) {
	return ob.mutate(ticker, EventSellOrderTerminated, func(o *SellOrder) {
		o.Owner = ""
		if o.Bidder != nil {
			o.Owner = *o.Bidder
		}
		o.Status = StatusTerminated
	})
}

func (ob *OrderBook) mutate(ticker, event string, apply func(*SellOrder)) (Result, error) {
	unlock := ob.locks.lock(ticker)
	defer unlock()

	order, ok, err := ob.load(ticker)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return rejected(ReasonNotFound), nil
	}
	if order.Status == StatusTerminated && ob.policy == RejectTerminated {
		return rejected(ReasonTerminated), nil
	}

	apply(&order)
	order.UpdatedAt = util.NowMillis(ob.clock)

	if err := ob.commit(event, order); err != nil {
		return Result{}, err
	}
	return accepted(order), nil
}

// commit persists order and, only once that succeeded, announces it.
func (ob *OrderBook) commit(event string, order SellOrder) error {
	if err := storage.PutJSON(ob.store, order.Ticker, order); err != nil {
		ob.log.Errorw("order_persist_failed", "ticker", order.Ticker, "event", event, "err", err)
		return fmt.Errorf("persist order %s: %w", order.Ticker, err)
	}
	ob.log.Debugw("order_committed", "ticker", order.Ticker, "event", event, "status", order.Status)
	ob.notifier.Notify(event, order)
	return nil
}

func (ob *OrderBook) load(ticker string) (SellOrder, bool, error) {
	var o SellOrder
	ok, err := storage.GetJSON(ob.store, ticker, &o)
	if err != nil {
		return SellOrder{}, false, fmt.Errorf("load order %s: %w", ticker, err)
	}
	return o, ok, nil
}

// Get returns the current record for ticker.
func (ob *OrderBook) Get(ticker string) (SellOrder, bool, error) {
	return ob.load(ticker)
}

// List returns every order ordered by ticker.
func (ob *OrderBook) List() ([]SellOrder, error) {
	var out []SellOrder
	err := ob.store.Scan("", func(key string, value []byte) error {
		var o SellOrder
		if err := json.Unmarshal(value, &o); err != nil {
			ob.log.Warnw("order_decode_failed", "key", key, "err", err)
			return nil
		}
		out = append(out, o)
		return nil
	})
	return out, err
}
