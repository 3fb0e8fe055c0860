package p2p

import (
	"context"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

type HostConfig struct {
	// Key fixes the peer ID; peers derive it back from the public key.
	Key        crypto.PrivKey
	ListenAddr string
}

// NewHost starts a libp2p host listening on cfg.ListenAddr.
func NewHost(cfg HostConfig) (host.Host, error) {
	opts := []libp2p.Option{libp2p.Identity(cfg.Key)}
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr %q: %w", cfg.ListenAddr, err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	return libp2p.New(opts...)
}

// FullAddrs returns h's listen addresses with the /p2p component appended,
// the form accepted as a bootstrap address.
func FullAddrs(h host.Host) []string {
	info := peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// ConnectBootstrap dials every address; failures are logged and skipped.
func ConnectBootstrap(ctx context.Context, h host.Host, addrs []string, log *zap.SugaredLogger) int {
	ok := 0
	for _, bs := range addrs {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
			continue
		}
		ok++
	}
	return ok
}

func parseAddrs(in []string) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(in))
	for _, s := range in {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func addrStrings(in []ma.Multiaddr) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		out = append(out, m.String())
	}
	return out
}
