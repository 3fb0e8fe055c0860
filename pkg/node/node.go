// Package node assembles a marketplace peer: storage, identities, the RPC
// endpoint, discovery, notification fanout and the optional observer API.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/peerbook/params"
	"github.com/uhyunpark/peerbook/pkg/api"
	"github.com/uhyunpark/peerbook/pkg/client"
	"github.com/uhyunpark/peerbook/pkg/endpoint"
	"github.com/uhyunpark/peerbook/pkg/fanout"
	"github.com/uhyunpark/peerbook/pkg/identity"
	"github.com/uhyunpark/peerbook/pkg/market"
	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/registry"
	"github.com/uhyunpark/peerbook/pkg/rpc"
	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

const shutdownGrace = 3 * time.Second

type Node struct {
	cfg params.Config
	log *zap.SugaredLogger

	db        *storage.PebbleStore
	rpcKey    *identity.KeyPair
	topic     p2p.TopicID
	swarmHost host.Host
	rpcHost   host.Host

	registry  *registry.Registry
	addrBook  *p2p.AddressBook
	rpcServer *rpc.Server
	rpcClient *rpc.Client
	fanout    *fanout.Fanout
	book      *market.OrderBook
	endpoint  *endpoint.Endpoint
	swarm     *p2p.Swarm
	client    *client.PeerClient

	api      *api.Server
	apiLn    net.Listener
	regStop  context.CancelFunc
	regDone  chan struct{}
	closeErr error
}

// New opens the peer's store under cfg.Peer.DataDir/cfg.Peer.Name and brings
// every component up. Discovery starts immediately; Run serves the API and
// blocks until ctx is done.
func New(ctx context.Context, cfg params.Config, logger *zap.SugaredLogger) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := market.ParseTerminatedPolicy(cfg.Market.TerminatedPolicy)
	if err != nil {
		return nil, err
	}
	topic, err := p2p.ResolveTopic(cfg.Network.Topic, cfg.Network.TopicName)
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, log: util.OrNop(logger), topic: topic}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	// ---- Storage & identity ----
	dir := filepath.Join(cfg.Peer.DataDir, cfg.Peer.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if n.db, err = storage.NewPebbleStore(dir); err != nil {
		return nil, err
	}
	serverStore := storage.NewPrefixed(n.db, storage.NamespaceServer)

	swarmKey, err := identity.Load(serverStore, storage.KeyDHTSeed)
	if err != nil {
		return nil, fmt.Errorf("swarm identity: %w", err)
	}
	if n.rpcKey, err = identity.Load(serverStore, storage.KeyRPCSeed); err != nil {
		return nil, fmt.Errorf("rpc identity: %w", err)
	}

	// ---- Connection registry ----
	n.registry = registry.New(serverStore, n.log.Named("registry"))
	regCtx, regStop := context.WithCancel(context.Background())
	n.regStop, n.regDone = regStop, make(chan struct{})
	go func() {
		defer close(n.regDone)
		_ = n.registry.Run(regCtx)
	}()
	// Connections recorded by a previous run are gone.
	if err := n.registry.Clear(ctx); err != nil {
		return nil, fmt.Errorf("clear connections: %w", err)
	}

	// ---- Hosts ----
	if n.rpcHost, err = p2p.NewHost(p2p.HostConfig{Key: n.rpcKey.Private, ListenAddr: cfg.Network.RPCListen}); err != nil {
		return nil, fmt.Errorf("rpc host: %w", err)
	}
	if n.swarmHost, err = p2p.NewHost(p2p.HostConfig{Key: swarmKey.Private, ListenAddr: cfg.Network.SwarmListen}); err != nil {
		return nil, fmt.Errorf("swarm host: %w", err)
	}

	n.addrBook = p2p.NewAddressBook()
	for key, addr := range cfg.Network.StaticPeers {
		if err := n.addrBook.AddStatic(key, addr); err != nil {
			n.log.Warnw("static_peer_invalid", "key", key, "addr", addr, "err", err)
		}
	}

	// ---- RPC ----
	n.rpcServer = rpc.NewServer(n.rpcHost, n.log.Named("rpc"))
	n.rpcClient = rpc.NewClient(rpc.ClientConfig{
		Host:     n.rpcHost,
		Resolver: n.addrBook,
		Local:    n.rpcServer,
		LocalKey: n.rpcKey.PublicHex(),
		Timeout:  cfg.Network.RequestTimeout,
		Logger:   n.log.Named("rpc"),
	})

	// ---- Observer API ----
	if cfg.API.Addr != "" {
		if n.apiLn, err = net.Listen("tcp", cfg.API.Addr); err != nil {
			return nil, fmt.Errorf("api listen: %w", err)
		}
	}
	remote := market.NewRemoteBook()

	// ---- Market ----
	n.fanout = fanout.New(fanout.Config{
		Targets:     n.registry,
		Sender:      n.rpcClient,
		Workers:     cfg.Fanout.Workers,
		SendTimeout: cfg.Fanout.SendTimeout,
		Logger:      n.log.Named("fanout"),
	})
	n.book = market.NewOrderBook(market.BookConfig{
		Store:    storage.NewPrefixed(n.db, storage.NamespaceOrders),
		Notifier: market.NotifierFunc(n.onLocalEvent),
		Policy:   policy,
		Logger:   n.log.Named("book"),
	})
	if n.apiLn != nil {
		n.api = api.NewServer(api.Config{
			Orders:         n.book,
			Remote:         remote,
			Connections:    n.registry,
			Identity:       n.Identity,
			AllowedOrigins: cfg.API.AllowedOrigins,
			Logger:         n.log.Named("api"),
		})
	}
	n.endpoint = endpoint.Register(endpoint.Config{
		Server:   n.rpcServer,
		Book:     n.book,
		Remote:   remote,
		PeerName: cfg.Peer.Name,
		Observer: n.onRemoteEvent,
		Logger:   n.log.Named("endpoint"),
	})

	// ---- Discovery ----
	n.swarm, err = p2p.JoinSwarm(ctx, p2p.SwarmConfig{
		Host:             n.swarmHost,
		RPCKey:           n.rpcKey.PublicBytes(),
		RPCAddrs:         n.rpcHost.Addrs,
		Topic:            topic,
		Bootstrap:        cfg.Network.Bootstrap,
		EnableMDNS:       cfg.Network.EnableMDNS,
		AnnounceInterval: cfg.Network.AnnounceInterval,
		Registry:         n.registry,
		AddressBook:      n.addrBook,
		Logger:           n.log.Named("swarm"),
	})
	if err != nil {
		return nil, fmt.Errorf("join swarm: %w", err)
	}

	// ---- Operator client ----
	n.client = client.New(client.Config{
		Caller:   n.rpcClient,
		SelfKey:  n.rpcKey.PublicHex(),
		PeerName: cfg.Peer.Name,
		Store:    storage.NewPrefixed(n.db, storage.NamespaceClient),
		Timeout:  cfg.Network.RequestTimeout,
		Logger:   n.log.Named("client"),
	})

	n.log.Infow("peer_ready",
		"name", cfg.Peer.Name,
		"rpc_key", n.rpcKey.PublicHex(),
		"swarm_peer", n.swarmHost.ID().String(),
		"topic", topic.String(),
		"terminated_policy", policy,
	)
	return n, nil
}

func (n *Node) onLocalEvent(event string, order market.SellOrder) {
	n.fanout.Notify(event, order)
	if n.api != nil {
		n.api.PublishEvent("local", n.rpcKey.PublicHex(), event, order)
	}
}

func (n *Node) onRemoteEvent(origin, event string, order market.SellOrder) {
	if n.api != nil {
		n.api.PublishEvent("remote", origin, event, order)
	}
}

// Run serves the observer API (when enabled) until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if n.api != nil {
		g.Go(func() error {
			if err := n.api.Serve(n.apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return n.api.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Close releases everything New opened, in reverse order. It is safe to
// call on a partially constructed node and more than once.
func (n *Node) Close() error {
	if n.swarm != nil {
		n.swarm.Close()
		n.swarm = nil
	}
	if n.fanout != nil {
		n.fanout.Close(shutdownGrace)
	}
	if n.rpcServer != nil {
		n.rpcServer.Close()
	}
	if n.api != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = n.api.Shutdown(sctx)
		cancel()
	}
	if n.apiLn != nil {
		_ = n.apiLn.Close()
	}
	var errs []error
	for _, h := range []host.Host{n.swarmHost, n.rpcHost} {
		if h != nil {
			errs = append(errs, h.Close())
		}
	}
	n.swarmHost, n.rpcHost = nil, nil
	if n.regStop != nil {
		n.regStop()
		<-n.regDone
		n.regStop = nil
	}
	if n.db != nil {
		errs = append(errs, n.db.Close())
		n.db = nil
	}
	n.closeErr = errors.Join(n.closeErr, errors.Join(errs...))
	return n.closeErr
}

func (n *Node) Identity() api.IdentityInfo {
	info := api.IdentityInfo{
		PeerName: n.cfg.Peer.Name,
		RPCKey:   n.rpcKey.PublicHex(),
		Topic:    n.topic.String(),
	}
	if h := n.swarmHost; h != nil {
		info.SwarmPeerID = h.ID().String()
		info.SwarmAddrs = p2p.FullAddrs(h)
	}
	if h := n.rpcHost; h != nil {
		info.RPCAddrs = p2p.FullAddrs(h)
	}
	return info
}

func (n *Node) RPCKey() string { return n.rpcKey.PublicHex() }
func (n *Node) Client() *client.PeerClient { return n.client }
func (n *Node) Book() *market.OrderBook { return n.book }
func (n *Node) Remote() *market.RemoteBook { return n.endpoint.Remote() }
func (n *Node) Registry() *registry.Registry { return n.registry }
func (n *Node) Fanout() *fanout.Fanout { return n.fanout }
func (n *Node) AddressBook() *p2p.AddressBook { return n.addrBook }
func (n *Node) SwarmAddrs() []string { return p2p.FullAddrs(n.swarmHost) }

// APIAddr is the bound observer API address, empty when disabled.
func (n *Node) APIAddr() string {
	if n.apiLn == nil {
		return ""
	}
	return n.apiLn.Addr().String()
}
