package market

import "sync"

// tickerLocks hands out one mutex per ticker. Entries are reference counted
// so the map only holds tickers with a mutation in flight.
type tickerLocks struct {
	mu    sync.Mutex
	locks map[string]*tickerLock
}

type tickerLock struct {
	sync.Mutex
	refs int
}

func newTickerLocks() *tickerLocks {
	return &tickerLocks{locks: make(map[string]*tickerLock)}
}

// lock blocks until ticker is free and returns the matching unlock.
func (t *tickerLocks) lock(ticker string) func() {
	t.mu.Lock()
	l, ok := t.locks[ticker]
	if !ok {
		l = &tickerLock{}
		t.locks[ticker] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, ticker)
		}
		t.mu.Unlock()
	}
}

func (t *tickerLocks) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
