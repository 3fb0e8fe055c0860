package market

import (
	"sort"
	"sync"
)

// RemoteOrder is a snapshot received from another peer, tagged with the RPC
// key of the peer that announced it.
type RemoteOrder struct {
	Origin string `json:"origin"`
	SellOrder
}

type remoteKey struct{ origin, ticker string }

// RemoteBook is the local read model of orders announced by other peers.
// Every peer owns its own book, so records are kept per (origin, ticker).
// Notifications arrive unordered and at most once; a snapshot only replaces
// what we hold for the same origin when it is at least as recent. Versions
// are never compared across origins.
type RemoteBook struct {
	mu     sync.RWMutex
	orders map[remoteKey]SellOrder
}

func NewRemoteBook() *RemoteBook {
	return &RemoteBook{orders: make(map[remoteKey]SellOrder)}
}

// Apply records the snapshot announced by origin and reports whether it was
// at least as recent as the one already held for that origin.
func (rb *RemoteBook) Apply(origin string, order SellOrder) bool {
	k := remoteKey{origin, order.Ticker}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	cur, ok := rb.orders[k]
	if ok && cur.version() > order.version() {
		return false
	}
	rb.orders[k] = order
	return true
}

func (rb *RemoteBook) Get(origin, ticker string) (SellOrder, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	o, ok := rb.orders[remoteKey{origin, ticker}]
	return o, ok
}

// ByTicker returns every origin's snapshot for ticker.
func (rb *RemoteBook) ByTicker(ticker string) []RemoteOrder {
	rb.mu.RLock()
	var out []RemoteOrder
	for k, o := range rb.orders {
		if k.ticker == ticker {
			out = append(out, RemoteOrder{Origin: k.origin, SellOrder: o})
		}
	}
	rb.mu.RUnlock()

	sortRemote(out)
	return out
}

// List returns every snapshot ordered by ticker, then origin.
func (rb *RemoteBook) List() []RemoteOrder {
	rb.mu.RLock()
	out := make([]RemoteOrder, 0, len(rb.orders))
	for k, o := range rb.orders {
		out = append(out, RemoteOrder{Origin: k.origin, SellOrder: o})
	}
	rb.mu.RUnlock()

	sortRemote(out)
	return out
}

func sortRemote(out []RemoteOrder) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].Origin < out[j].Origin
	})
}
