package market

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

type notification struct {
	event string
	order SellOrder
}

type recorder struct {
	mu  sync.Mutex
	got []notification
}

func (r *recorder) Notify(event string, order SellOrder) {
	r.mu.Lock()
	r.got = append(r.got, notification{event, order})
	r.mu.Unlock()
}

func (r *recorder) events() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.got...)
}

type failingStore struct {
	storage.KeyValueStore
	failPut bool
}

var errDisk = errors.New("disk on fire")

func (f *failingStore) Put(key string, value []byte) error {
	if f.failPut {
		return errDisk
	}
	return f.KeyValueStore.Put(key, value)
}

func newTestBook(policy TerminatedPolicy) (*OrderBook, *recorder, *util.ManualClock) {
	rec := &recorder{}
	clock := util.NewManualClock(time.UnixMilli(1_000))
	ob := NewOrderBook(BookConfig{
		Store:    storage.NewMemStore(),
		Notifier: rec,
		Clock:    clock,
		Policy:   policy,
	})
	return ob, rec, clock
}

func mustOK(t *testing.T) func(Result, error) SellOrder {
	return func(res Result, err error) SellOrder {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Accepted || res.Order == nil {
			t.Fatalf("expected accepted result, got %+v", res)
		}
		return *res.Order
	}
}

func TestUnknownTickerRejected(t *testing.T) {
	ob, rec, _ := newTestBook(AllowTerminated)

	for name, call := range map[string]func() (Result, error){
		"bid":       func() (Result, error) { return ob.PlaceBid("NOPE", PriceOf("1"), "bob") },
		"terminate": func() (Result, error) { return ob.Terminate("NOPE") },
	} {
		res, err := call()
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if res.Accepted || res.Reason != ReasonNotFound || res.Order != nil {
			t.Errorf("%s: got %+v, want rejected with %q", name, res, ReasonNotFound)
		}
	}
	if n := len(rec.events()); n != 0 {
		t.Errorf("rejected operations produced %d notifications", n)
	}
}

func TestCreateThenRead(t *testing.T) {
	ob, _, _ := newTestBook(AllowTerminated)
	mustOK(t)(ob.CreateOrder("AAPL", PriceOf(100), "alice"))

	got, ok, err := ob.Get("AAPL")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusOpen || got.HasBidder() || got.Owner != "alice" || got.Price.String() != "100" {
		t.Errorf("unexpected order after create: %+v", got)
	}
	if got.CreatedAt != 1_000 {
		t.Errorf("createdAt = %d, want 1000", got.CreatedAt)
	}
}

func TestSellBidTerminateLifecycle(t *testing.T) {
	ob, rec, clock := newTestBook(AllowTerminated)

	mustOK(t)(ob.CreateOrder("AAPL", PriceOf(100), "alice"))
	clock.Advance(time.Second)
	bid := mustOK(t)(ob.PlaceBid("AAPL", PriceOf(110), "bob"))

	if bid.Price.String() != "110" || *bid.Bidder != "bob" || bid.Owner != "alice" || bid.Status != StatusOpen {
		t.Fatalf("after bid: %+v", bid)
	}
	if bid.UpdatedAt != 2_000 || bid.CreatedAt != 1_000 {
		t.Errorf("timestamps after bid: created=%d updated=%d", bid.CreatedAt, bid.UpdatedAt)
	}

	clock.Advance(time.Second)
	term := mustOK(t)(ob.Terminate("AAPL"))
	if term.Owner != "bob" || term.Status != StatusTerminated || *term.Bidder != "bob" {
		t.Errorf("after terminate: %+v", term)
	}

	stored, _, _ := ob.Get("AAPL")
	if stored.Owner != "bob" || stored.Status != StatusTerminated || stored.UpdatedAt != 3_000 {
		t.Errorf("stored after terminate: %+v", stored)
	}

	events := rec.events()
	want := []string{EventSellOrderCreated, EventBidPlaced, EventSellOrderTerminated}
	if len(events) != len(want) {
		t.Fatalf("got %d notifications, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i].event != w {
			t.Errorf("notification %d = %s, want %s", i, events[i].event, w)
		}
	}
	if events[2].order.Status != StatusTerminated || events[1].order.Price.String() != "110" {
		t.Error("notifications must carry the post-transition snapshot")
	}
}

func TestTerminateWithoutBid(t *testing.T) {
	ob, _, _ := newTestBook(AllowTerminated)
	mustOK(t)(ob.CreateOrder("MSFT", PriceOf("5"), "alice"))
	term := mustOK(t)(ob.Terminate("MSFT"))
	if term.Owner != "" || term.HasBidder() {
		t.Errorf("terminate without bid: %+v", term)
	}
}

func TestCreateOverwrites(t *testing.T) {
	ob, _, _ := newTestBook(AllowTerminated)
	mustOK(t)(ob.CreateOrder("AAPL", PriceOf(100), "alice"))
	mustOK(t)(ob.PlaceBid("AAPL", PriceOf(110), "bob"))
	mustOK(t)(ob.Terminate("AAPL"))

	again := mustOK(t)(ob.CreateOrder("AAPL", PriceOf(90), "carol"))
	if again.HasBidder() || again.Status != StatusOpen || again.Owner != "carol" || again.UpdatedAt != 0 {
		t.Errorf("create must replace the record, got %+v", again)
	}
}

func TestTerminatedPolicy(t *testing.T) {
	tests := []struct {
		policy   TerminatedPolicy
		accepted bool
	}{
		{AllowTerminated, true},
		{RejectTerminated, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ob, rec, _ := newTestBook(tt.policy)
			mustOK(t)(ob.CreateOrder("AAPL", PriceOf(100), "alice"))
			mustOK(t)(ob.PlaceBid("AAPL", PriceOf(110), "bob"))
			mustOK(t)(ob.Terminate("AAPL"))
			before := len(rec.events())

			bid, err := ob.PlaceBid("AAPL", PriceOf(120), "carol")
			if err != nil {
				t.Fatal(err)
			}
			again, err := ob.Terminate("AAPL")
			if err != nil {
				t.Fatal(err)
			}
			if bid.Accepted != tt.accepted || again.Accepted != tt.accepted {
				t.Fatalf("bid=%+v terminate=%+v, want accepted=%v", bid, again, tt.accepted)
			}
			if !tt.accepted {
				if bid.Reason != ReasonTerminated {
					t.Errorf("reason = %q", bid.Reason)
				}
				if len(rec.events()) != before {
					t.Error("rejected mutations must not notify")
				}
				return
			}
			if again.Order.Owner != "carol" || again.Order.Status != StatusTerminated {
				t.Errorf("allow policy result: %+v", again.Order)
			}
		})
	}
}

func TestParseTerminatedPolicy(t *testing.T) {
	for in, want := range map[string]TerminatedPolicy{"": AllowTerminated, "ALLOW": AllowTerminated, " reject ": RejectTerminated} {
		got, err := ParseTerminatedPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseTerminatedPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseTerminatedPolicy("maybe"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestStorageFailureSurfaces(t *testing.T) {
	fs := &failingStore{KeyValueStore: storage.NewMemStore()}
	rec := &recorder{}
	ob := NewOrderBook(BookConfig{Store: fs, Notifier: rec})

	mustOK(t)(ob.CreateOrder("AAPL", PriceOf(1), "alice"))
	fs.failPut = true

	if _, err := ob.PlaceBid("AAPL", PriceOf(2), "bob"); !errors.Is(err, errDisk) {
		t.Fatalf("PlaceBid err = %v, want errDisk", err)
	}
	if _, err := ob.CreateOrder("TSLA", PriceOf(2), "bob"); !errors.Is(err, errDisk) {
		t.Fatalf("CreateOrder err = %v, want errDisk", err)
	}
	if n := len(rec.events()); n != 1 {
		t.Errorf("failed writes must not notify, got %d notifications", n)
	}
}

func TestConcurrentBidsNeverMix(t *testing.T) {
	ob, _, _ := newTestBook(AllowTerminated)
	ob.clock = util.RealClock{}
	mustOK(t)(ob.CreateOrder("AAPL", PriceOf(0), "alice"))

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := ob.PlaceBid("AAPL", PriceOf(i), fmt.Sprintf("bidder-%d", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	got, _, _ := ob.Get("AAPL")
	var idx int
	if _, err := fmt.Sscanf(*got.Bidder, "bidder-%d", &idx); err != nil {
		t.Fatalf("bidder %q: %v", *got.Bidder, err)
	}
	if got.Price.String() != fmt.Sprint(idx) {
		t.Errorf("mixed record: bidder %s with price %s", *got.Bidder, got.Price)
	}
	if ob.locks.inFlight() != 0 {
		t.Errorf("ticker locks leaked: %d", ob.locks.inFlight())
	}
}

func TestListOrderedByTicker(t *testing.T) {
	ob, _, _ := newTestBook(AllowTerminated)
	for _, tk := range []string{"TSLA", "AAPL", "MSFT"} {
		mustOK(t)(ob.CreateOrder(tk, PriceOf(1), "alice"))
	}
	list, err := ob.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Ticker != "AAPL" || list[2].Ticker != "TSLA" {
		t.Errorf("List = %+v", list)
	}
}

// Any sequence of operations keeps one record per ticker and only ever
// moves status from open to terminated.
func TestBookStateMachineProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ob, _, clock := newTestBook(AllowTerminated)
		model := map[string]SellOrder{}

		tickers := []string{"A", "B", "C"}
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			clock.Advance(time.Millisecond)
			tk := rapid.SampledFrom(tickers).Draw(rt, "ticker")
			price := rapid.IntRange(-5, 500).Draw(rt, "price")

			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				res, err := ob.CreateOrder(tk, PriceOf(price), "seller")
				if err != nil || !res.Accepted {
					rt.Fatalf("create: %+v %v", res, err)
				}
				model[tk] = *res.Order
			case 1:
				res, _ := ob.PlaceBid(tk, PriceOf(price), "buyer")
				prev, existed := model[tk]
				if res.Accepted != existed {
					rt.Fatalf("bid accepted=%v but existed=%v", res.Accepted, existed)
				}
				if existed {
					if res.Order.Owner != prev.Owner || res.Order.Status != prev.Status {
						rt.Fatalf("bid changed owner/status: %+v -> %+v", prev, *res.Order)
					}
					model[tk] = *res.Order
				}
			case 2:
				res, _ := ob.Terminate(tk)
				_, existed := model[tk]
				if res.Accepted != existed {
					rt.Fatalf("terminate accepted=%v but existed=%v", res.Accepted, existed)
				}
				if existed {
					if res.Order.Status != StatusTerminated {
						rt.Fatalf("terminate left status %s", res.Order.Status)
					}
					model[tk] = *res.Order
				}
			}
		}

		list, err := ob.List()
		if err != nil {
			rt.Fatal(err)
		}
		if len(list) != len(model) {
			rt.Fatalf("book has %d records, model %d", len(list), len(model))
		}
		for _, o := range list {
			m := model[o.Ticker]
			if o.Status != m.Status || o.Owner != m.Owner || !o.Price.Equal(m.Price) || o.UpdatedAt != m.UpdatedAt {
				rt.Fatalf("record %s diverged: %+v vs %+v", o.Ticker, o, m)
			}
		}
	})
}
