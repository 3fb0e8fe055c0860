package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/identity"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// Resolver finds where the endpoint with the given hex public key listens.
type Resolver interface {
	Resolve(ctx context.Context, pubKeyHex string) (peer.AddrInfo, error)
}

type ClientConfig struct {
	Host     host.Host
	Resolver Resolver
	// Local serves calls addressed to LocalKey without touching the
	// network; a libp2p host cannot dial itself.
	Local    *Server
	LocalKey string
	Timeout  time.Duration // applied when the caller's context has no deadline
	Logger   *zap.SugaredLogger
}

type Client struct {
	host     host.Host
	resolver Resolver
	local    *Server
	localKey string
	timeout  time.Duration
	log      *zap.SugaredLogger
}

func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		host:     cfg.Host,
		resolver: cfg.Resolver,
		local:    cfg.Local,
		localKey: cfg.LocalKey,
		timeout:  cfg.Timeout,
		log:      util.OrNop(cfg.Logger),
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	return c
}

// Request calls method on the endpoint identified by target (hex public key)
// and returns its response payload.
func (c *Client) Request(ctx context.Context, target, method string, payload []byte) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if c.isLocal(target) {
		out, err := c.local.Dispatch(WithCaller(ctx, c.localKey), method, payload)
		if err != nil {
			return nil, &RemoteError{Method: method, Msg: wireError(err)}
		}
		return out, nil
	}

	st, err := c.open(ctx, target)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if err := writeFrame(st, Request{Method: method, Payload: payload}); err != nil {
		_ = st.Reset()
		return nil, fmt.Errorf("rpc %s: send: %w", method, err)
	}
	_ = st.CloseWrite()

	var resp Response
	if err := readFrame(st, &resp); err != nil {
		_ = st.Reset()
		return nil, fmt.Errorf("rpc %s: receive: %w", method, err)
	}
	if resp.Error != "" {
		return nil, &RemoteError{Method: method, Msg: resp.Error}
	}
	return resp.Payload, nil
}

// Event delivers a one-way call. A nil error means the frame was written,
// not that the remote handled it.
func (c *Client) Event(ctx context.Context, target, method string, payload []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if c.isLocal(target) {
		if _, err := c.local.Dispatch(WithCaller(ctx, c.localKey), method, payload); err != nil {
			c.log.Warnw("local_event_failed", "method", method, "err", err)
		}
		return nil
	}

	st, err := c.open(ctx, target)
	if err != nil {
		return err
	}
	if err := writeFrame(st, Request{Method: method, Payload: payload, OneWay: true}); err != nil {
		_ = st.Reset()
		return fmt.Errorf("rpc %s: send: %w", method, err)
	}
	return st.Close()
}

func (c *Client) isLocal(target string) bool {
	return c.local != nil && target == c.localKey
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) open(ctx context.Context, target string) (network.Stream, error) {
	if c.host == nil {
		return nil, errors.New("rpc: client has no transport")
	}
	id, err := identity.PeerIDFromHex(target)
	if err != nil {
		return nil, err
	}

	if c.resolver != nil {
		info, err := c.resolver.Resolve(ctx, target)
		switch {
		case err == nil:
			c.host.Peerstore().AddAddrs(id, info.Addrs, peerstore.TempAddrTTL)
		case len(c.host.Peerstore().Addrs(id)) == 0:
			return nil, fmt.Errorf("resolve %s: %w", target, err)
		}
	}

	st, err := c.host.NewStream(ctx, id, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}
	return st, nil
}
