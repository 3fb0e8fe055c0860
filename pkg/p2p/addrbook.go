package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/uhyunpark/peerbook/pkg/identity"
)

var ErrUnknownPeer = errors.New("no known address for peer")

// AddressBook maps RPC public keys to dialable addresses.
type AddressBook struct {
	mu      sync.RWMutex
	entries map[string]peer.AddrInfo
}

func NewAddressBook() *AddressBook {
	return &AddressBook{entries: make(map[string]peer.AddrInfo)}
}

// Add replaces the addresses known for pubKeyHex.
func (b *AddressBook) Add(pubKeyHex string, addrs []ma.Multiaddr) error {
	id, err := identity.PeerIDFromHex(pubKeyHex)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.entries[pubKeyHex] = peer.AddrInfo{ID: id, Addrs: append([]ma.Multiaddr(nil), addrs...)}
	b.mu.Unlock()
	return nil
}

// AddStatic parses addrs and adds them for pubKeyHex.
func (b *AddressBook) AddStatic(pubKeyHex string, addrs ...string) error {
	parsed := parseAddrs(addrs)
	if len(parsed) != len(addrs) {
		return fmt.Errorf("static entry %s: invalid multiaddr", pubKeyHex)
	}
	return b.Add(pubKeyHex, parsed)
}

func (b *AddressBook) Resolve(_ context.Context, pubKeyHex string) (peer.AddrInfo, error) {
	b.mu.RLock()
	info, ok := b.entries[pubKeyHex]
	b.mu.RUnlock()
	if !ok || len(info.Addrs) == 0 {
		return peer.AddrInfo{}, fmt.Errorf("%s: %w", pubKeyHex, ErrUnknownPeer)
	}
	return info, nil
}

// Keys lists every known RPC key in order.
func (b *AddressBook) Keys() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}
