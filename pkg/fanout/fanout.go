// Package fanout pushes order state changes to every peer in the connection
// registry as one-way RPC events. Delivery is best effort: at most once,
// no retries, no ordering across peers.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/peerbook/pkg/market"
	"github.com/uhyunpark/peerbook/pkg/util"
)

const (
	DefaultWorkers     = 8
	DefaultSendTimeout = 5 * time.Second
)

// Targets lists the RPC public keys to notify.
type Targets interface {
	ListTargets() ([]string, error)
}

// Sender delivers a one-way event to the endpoint identified by target.
type Sender interface {
	Event(ctx context.Context, target, method string, payload []byte) error
}

type Config struct {
	Targets     Targets
	Sender      Sender
	Workers     int           // concurrent sends per notification
	SendTimeout time.Duration // per target
	Logger      *zap.SugaredLogger
}

type Stats struct {
	Notifications uint64
	Attempted     uint64
	Failed        uint64
}

type Fanout struct {
	targets Targets
	sender  Sender
	workers int
	timeout time.Duration
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	notifications atomic.Uint64
	attempted     atomic.Uint64
	failed        atomic.Uint64
}

func New(cfg Config) *Fanout {
	f := &Fanout{
		targets: cfg.Targets,
		sender:  cfg.Sender,
		workers: cfg.Workers,
		timeout: cfg.SendTimeout,
		log:     util.OrNop(cfg.Logger),
	}
	if f.workers <= 0 {
		f.workers = DefaultWorkers
	}
	if f.timeout <= 0 {
		f.timeout = DefaultSendTimeout
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f
}

// Notify schedules delivery of order under event and returns without
// waiting on any peer. The targets are the registry entries at the moment
// of the call; later connects and revokes do not change who is notified.
func (f *Fanout) Notify(event string, order market.SellOrder) {
	payload, err := json.Marshal(order)
	if err != nil {
		f.log.Errorw("fanout_encode_failed", "event", event, "ticker", order.Ticker, "err", err)
		return
	}
	targets, err := f.targets.ListTargets()
	if err != nil {
		f.log.Errorw("fanout_targets_failed", "event", event, "ticker", order.Ticker, "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.log.Warnw("fanout_closed_drop", "event", event, "ticker", order.Ticker)
		return
	}
	f.notifications.Add(1)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.deliver(event, order.Ticker, targets, payload)
	}()
}

func (f *Fanout) deliver(event, ticker string, targets []string, payload []byte) {
	var g errgroup.Group
	g.SetLimit(f.workers)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			f.attempted.Add(1)
			ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
			defer cancel()
			if err := f.sender.Event(ctx, target, event, payload); err != nil {
				f.failed.Add(1)
				f.log.Warnw("fanout_send_failed", "event", event, "ticker", ticker, "target", target, "err", err)
			}
			// never fail the group: one dead peer must not stop the rest
			return nil
		})
	}
	_ = g.Wait()

	f.log.Debugw("fanout_done", "event", event, "ticker", ticker, "targets", len(targets))
}

// Wait blocks until every scheduled delivery has finished.
func (f *Fanout) Wait() { f.wg.Wait() }

// Close stops accepting notifications and waits up to grace for in-flight
// deliveries before cancelling them.
func (f *Fanout) Close(grace time.Duration) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		f.cancel()
		<-done
	}
	f.cancel()
}

func (f *Fanout) Stats() Stats {
	return Stats{
		Notifications: f.notifications.Load(),
		Attempted:     f.attempted.Load(),
		Failed:        f.failed.Load(),
	}
}

var _ market.Notifier = (*Fanout)(nil)
