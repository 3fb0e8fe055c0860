// Package client turns operator command lines into calls against the local
// or a remote marketplace endpoint.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/endpoint"
	"github.com/uhyunpark/peerbook/pkg/identity"
	"github.com/uhyunpark/peerbook/pkg/market"
	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// ErrExit is returned by Handle once exit has run.
var ErrExit = errors.New("exit requested")

// firstNonce seeds the ping counter.
const firstNonce = 126

// Caller issues one request against the endpoint identified by target.
type Caller interface {
	Request(ctx context.Context, target, method string, payload []byte) ([]byte, error)
}

type Config struct {
	Caller Caller
	// SelfKey is the hex RPC key of this peer's own endpoint.
	SelfKey  string
	PeerName string
	// Store keeps the orders this operator listed, under storage.PrefixSellings.
	Store   storage.KeyValueStore
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

type PeerClient struct {
	caller  Caller
	self    string
	name    string
	store   storage.KeyValueStore
	timeout time.Duration
	log     *zap.SugaredLogger
	nonce   atomic.Int64
}

func New(cfg Config) *PeerClient {
	c := &PeerClient{
		caller:  cfg.Caller,
		self:    cfg.SelfKey,
		name:    cfg.PeerName,
		store:   cfg.Store,
		timeout: cfg.Timeout,
		log:     util.OrNop(cfg.Logger),
	}
	if c.store == nil {
		c.store = storage.NewMemStore()
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	c.nonce.Store(firstNonce)
	return c
}

// Run reads commands from r until EOF, exit or ctx is done. Command
// failures are logged and never stop the loop.
func (c *PeerClient) Run(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.Handle(ctx, line)
			switch {
			case errors.Is(err, ErrExit):
				return ErrExit
			case errors.Is(err, ErrEmpty):
			case err != nil:
				c.log.Warnw("command_failed", "line", line, "err", err)
			}
		}
	}
}

// Handle parses and executes one command line.
func (c *PeerClient) Handle(ctx context.Context, line string) error {
	cmd, err := ParseCommand(line)
	if err != nil {
		return err
	}
	switch cmd.Name {
	case CmdSell:
		return c.Sell(ctx, cmd.Args[0], cmd.Args[1])
	case CmdBid:
		return c.Bid(ctx, cmd.Args[0], cmd.Args[1], cmd.Args[2])
	case CmdTerminate:
		_, err := c.Terminate(ctx, cmd.Args[0])
		return err
	case CmdPing:
		target := c.self
		if len(cmd.Args) == 1 && cmd.Args[0] != "" {
			target = cmd.Args[0]
		}
		_, err := c.Ping(ctx, target)
		return err
	case CmdExit:
		if err := c.Exit(ctx); err != nil {
			c.log.Warnw("exit_cleanup_failed", "err", err)
		}
		return ErrExit
	}
	return fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Name)
}

func (c *PeerClient) call(ctx context.Context, target, method string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.caller.Request(ctx, target, method, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("%s response: %w", method, err)
	}
	return nil
}

// Sell lists ticker on this peer's own book.
func (c *PeerClient) Sell(ctx context.Context, ticker, price string) error {
	var res market.Result
	req := endpoint.SellRequest{Ticker: ticker, Price: market.PriceOf(price)}
	if err := c.call(ctx, c.self, endpoint.MethodSell, req, &res); err != nil {
		return err
	}
	c.logResult(endpoint.MethodSell, ticker, res)
	if res.Accepted && res.Order != nil {
		return c.record(*res.Order)
	}
	return nil
}

// Bid places a bid on ticker at the peer whose RPC key is target.
func (c *PeerClient) Bid(ctx context.Context, ticker, price, target string) error {
	if _, err := identity.DecodePublicHex(target); err != nil {
		return err
	}
	var res market.Result
	req := endpoint.BidRequest{Ticker: ticker, Price: market.PriceOf(price), Bidder: c.name}
	if err := c.call(ctx, target, endpoint.MethodBid, req, &res); err != nil {
		return err
	}
	c.logResult(endpoint.MethodBid, ticker, res)
	return nil
}

// Terminate closes ticker on this peer's own book.
func (c *PeerClient) Terminate(ctx context.Context, ticker string) (market.Result, error) {
	var res market.Result
	if err := c.call(ctx, c.self, endpoint.MethodTerminate, endpoint.TerminateRequest{Ticker: ticker}, &res); err != nil {
		return res, err
	}
	c.logResult(endpoint.MethodTerminate, ticker, res)
	if res.Accepted && res.Order != nil {
		return res, c.record(*res.Order)
	}
	return res, nil
}

// Ping checks that target answers with the next nonce.
func (c *PeerClient) Ping(ctx context.Context, target string) (int64, error) {
	n := c.nonce.Add(1) - 1
	var resp struct {
		Nonce json.Number `json:"nonce"`
	}
	if err := c.call(ctx, target, endpoint.MethodPing, map[string]int64{"nonce": n}, &resp); err != nil {
		return 0, err
	}
	want := new(big.Int).Add(big.NewInt(n), big.NewInt(1))
	if resp.Nonce.String() != want.String() {
		return 0, fmt.Errorf("ping %s: sent nonce %d, got %s", target, n, resp.Nonce)
	}
	c.log.Infow("pong", "target", target, "nonce", resp.Nonce.String())
	return n + 1, nil
}

// Exit terminates every order this operator listed that is still open.
func (c *PeerClient) Exit(ctx context.Context) error {
	open, err := c.OpenSellings()
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range open {
		if _, err := c.Terminate(ctx, o.Ticker); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", o.Ticker, err))
		}
	}
	c.log.Infow("exit", "terminated", len(open)-len(errs), "failed", len(errs))
	return errors.Join(errs...)
}

// OpenSellings lists recorded orders that are not terminated.
func (c *PeerClient) OpenSellings() ([]market.SellOrder, error) {
	var out []market.SellOrder
	err := c.store.Scan(storage.PrefixSellings, func(key string, value []byte) error {
		var o market.SellOrder
		if err := json.Unmarshal(value, &o); err != nil {
			c.log.Warnw("selling_decode_failed", "key", key, "err", err)
			return nil
		}
		if o.Status != market.StatusTerminated {
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func (c *PeerClient) record(o market.SellOrder) error {
	return storage.PutJSON(c.store, storage.PrefixSellings+o.Ticker, o)
}

func (c *PeerClient) logResult(method, ticker string, res market.Result) {
	if !res.Accepted || res.Order == nil {
		c.log.Infow(method+"_rejected", "ticker", ticker, "reason", res.Reason)
		return
	}
	fields := []any{"ticker", ticker, "status", res.Order.Status, "price", res.Order.Price.String(), "owner", res.Order.Owner}
	if res.Order.Bidder != nil {
		fields = append(fields, "bidder", *res.Order.Bidder)
	}
	c.log.Infow(method+"_accepted", fields...)
}
