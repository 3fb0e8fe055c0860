package p2p

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/identity"
	"github.com/uhyunpark/peerbook/pkg/util"
)

const (
	helloTimeout            = 10 * time.Second
	DefaultAnnounceInterval = 5 * time.Second
)

// Announcer records which RPC key sits behind a transport connection.
type Announcer interface {
	Announce(ctx context.Context, transportID, rpcKey string) error
	Revoke(ctx context.Context, transportID string) error
}

type SwarmConfig struct {
	Host host.Host
	// RPCKey is this peer's raw RPC public key, sent on every new connection.
	RPCKey []byte
	// RPCAddrs reports where the RPC endpoint currently listens.
	RPCAddrs         func() []ma.Multiaddr
	Topic            TopicID
	Bootstrap        []string
	EnableMDNS       bool
	AnnounceInterval time.Duration
	Registry         Announcer
	AddressBook      *AddressBook
	Logger           *zap.SugaredLogger
}

// Swarm is the discovery side of a peer: it keeps the transport host in the
// topic, tells every connected peer our RPC key and tracks theirs.
type Swarm struct {
	h        host.Host
	ps       *pubsub.PubSub
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	mdns     mdns.Service
	registry Announcer
	book     *AddressBook
	log      *zap.SugaredLogger

	rpcKey   []byte
	rpcAddrs func() []ma.Multiaddr
	interval time.Duration
	topicID  TopicID

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
	notify  *network.NotifyBundle
}

// JoinSwarm joins cfg.Topic and starts discovery. It returns once the
// topic is joined; peers are found in the background.
func JoinSwarm(ctx context.Context, cfg SwarmConfig) (*Swarm, error) {
	if cfg.Host == nil || cfg.Registry == nil {
		return nil, errors.New("p2p: swarm needs a host and a registry")
	}
	if len(cfg.RPCKey) != identity.PublicKeySize {
		return nil, identity.ErrPublicKey
	}
	ps, err := pubsub.NewGossipSub(ctx, cfg.Host)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Swarm{
		h:        cfg.Host,
		ps:       ps,
		registry: cfg.Registry,
		book:     cfg.AddressBook,
		log:      util.OrNop(cfg.Logger),
		rpcKey:   append([]byte(nil), cfg.RPCKey...),
		rpcAddrs: cfg.RPCAddrs,
		interval: cfg.AnnounceInterval,
		topicID:  cfg.Topic,
		ctx:      sctx,
		cancel:   cancel,
	}
	if s.book == nil {
		s.book = NewAddressBook()
	}
	if s.interval <= 0 {
		s.interval = DefaultAnnounceInterval
	}

	s.h.SetStreamHandler(ProtocolHello, s.handleHello)
	s.notify = &network.NotifyBundle{
		ConnectedF:    s.connected,
		DisconnectedF: s.disconnected,
	}
	s.h.Network().Notify(s.notify)

	if err := s.joinTopic(); err != nil {
		s.Close()
		return nil, err
	}

	ConnectBootstrap(sctx, s.h, cfg.Bootstrap, s.log)

	if cfg.EnableMDNS {
		s.mdns = mdns.NewMdnsService(s.h, s.topicID.mdnsService(), s)
		if err := s.mdns.Start(); err != nil {
			s.log.Warnw("mdns_start_failed", "err", err)
			s.mdns = nil
		}
	}

	s.wg.Add(2)
	go s.readAnnouncements()
	go s.announceLoop()

	s.log.Infow("swarm_joined",
		"peer", s.h.ID().String(),
		"topic", s.topicID.String(),
		"addrs", addrStrings(s.h.Addrs()),
		"mdns", s.mdns != nil,
	)
	return s, nil
}

func (s *Swarm) joinTopic() error {
	var err error
	if s.topic, err = s.ps.Join(s.topicID.pubsubName()); err != nil {
		return err
	}
	if s.sub, err = s.topic.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (s *Swarm) Host() host.Host { return s.h }

func (s *Swarm) AddressBook() *AddressBook { return s.book }

// connection events

func (s *Swarm) connected(_ network.Network, c network.Conn) {
	p := c.RemotePeer()
	s.log.Debugw("peer_connected", "peer", p.String(), "addr", c.RemoteMultiaddr().String())
	s.spawn(func() { s.sendHello(p) })
}

func (s *Swarm) disconnected(n network.Network, c network.Conn) {
	p := c.RemotePeer()
	if n.Connectedness(p) == network.Connected {
		return
	}
	s.log.Debugw("peer_disconnected", "peer", p.String())
	s.spawn(func() {
		if err := s.registry.Revoke(s.ctx, p.String()); err != nil && s.ctx.Err() == nil {
			s.log.Warnw("registry_revoke_failed", "peer", p.String(), "err", err)
		}
	})
}

func (s *Swarm) sendHello(p peer.ID) {
	ctx, cancel := context.WithTimeout(s.ctx, helloTimeout)
	defer cancel()

	st, err := s.h.NewStream(ctx, p, ProtocolHello)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Debugw("hello_open_failed", "peer", p.String(), "err", err)
		}
		return
	}
	_ = st.SetWriteDeadline(time.Now().Add(helloTimeout))
	if _, err := st.Write(s.rpcKey); err != nil {
		s.log.Warnw("hello_write_failed", "peer", p.String(), "err", err)
		_ = st.Reset()
		return
	}
	_ = st.Close()
}

func (s *Swarm) handleHello(st network.Stream) {
	defer st.Close()
	p := st.Conn().RemotePeer()

	_ = st.SetReadDeadline(time.Now().Add(helloTimeout))
	key := make([]byte, identity.PublicKeySize)
	if _, err := io.ReadFull(st, key); err != nil {
		s.log.Warnw("hello_read_failed", "peer", p.String(), "err", err)
		_ = st.Reset()
		return
	}
	s.register(p, hex.EncodeToString(key))
}

// register records rpcKey for p. A disconnect that lands between reading the
// hello and applying the announce has already revoked nothing, so the
// connection is checked again once the entry is stored.
func (s *Swarm) register(p peer.ID, rpcKey string) {
	if err := s.registry.Announce(s.ctx, p.String(), rpcKey); err != nil {
		s.log.Warnw("registry_announce_failed", "peer", p.String(), "err", err)
		return
	}
	if s.h.Network().Connectedness(p) != network.Connected {
		if err := s.registry.Revoke(s.ctx, p.String()); err != nil && s.ctx.Err() == nil {
			s.log.Warnw("registry_revoke_failed", "peer", p.String(), "err", err)
		}
		s.log.Debugw("peer_gone_before_announce", "peer", p.String())
		return
	}
	s.log.Infow("peer_announced", "peer", p.String(), "rpc_key", rpcKey)
}

// HandlePeerFound is called by mDNS for every peer on the LAN.
func (s *Swarm) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == s.h.ID() || s.h.Network().Connectedness(info.ID) == network.Connected {
		return
	}
	s.spawn(func() {
		if err := s.h.Connect(s.ctx, info); err != nil {
			s.log.Debugw("mdns_connect_failed", "peer", info.ID.String(), "err", err)
			return
		}
		s.log.Infow("mdns_peer_connected", "peer", info.ID.String())
	})
}

// topic

func (s *Swarm) announcement() Announcement {
	a := Announcement{
		RPCKey:     hex.EncodeToString(s.rpcKey),
		SwarmAddrs: addrStrings(s.h.Addrs()),
	}
	if s.rpcAddrs != nil {
		a.RPCAddrs = addrStrings(s.rpcAddrs())
	}
	return a
}

// Announce publishes our RPC addresses on the topic once.
func (s *Swarm) Announce(ctx context.Context) error {
	data, err := encodeAnnouncement(s.announcement())
	if err != nil {
		return err
	}
	return s.topic.Publish(ctx, data)
}

func (s *Swarm) announceLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if err := s.Announce(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Warnw("announce_failed", "err", err)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Swarm) readAnnouncements() {
	defer s.wg.Done()
	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == s.h.ID() {
			continue
		}
		a, err := decodeAnnouncement(msg.Data)
		if err != nil {
			s.log.Debugw("announcement_dropped", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if err := s.book.Add(a.RPCKey, parseAddrs(a.RPCAddrs)); err != nil {
			continue
		}
		s.joinOrigin(msg.GetFrom(), a.SwarmAddrs)
	}
}

// joinOrigin dials the publisher when gossip reached us through a third
// peer, so every pair of peers ends up directly connected.
func (s *Swarm) joinOrigin(from peer.ID, addrs []string) {
	if from == "" || from == s.h.ID() || s.h.Network().Connectedness(from) == network.Connected {
		return
	}
	info := peer.AddrInfo{ID: from, Addrs: parseAddrs(addrs)}
	if len(info.Addrs) == 0 {
		return
	}
	s.spawn(func() {
		if err := s.h.Connect(s.ctx, info); err != nil {
			s.log.Debugw("origin_connect_failed", "peer", from.String(), "err", err)
		}
	})
}

// spawn runs fn in the background unless the swarm is closing.
func (s *Swarm) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close leaves the topic and stops discovery. The host stays open.
func (s *Swarm) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	if s.mdns != nil {
		_ = s.mdns.Close()
	}
	if s.sub != nil {
		s.sub.Cancel()
	}
	if s.topic != nil {
		_ = s.topic.Close()
	}
	s.h.Network().StopNotify(s.notify)
	s.h.RemoveStreamHandler(ProtocolHello)
	s.wg.Wait()
}
