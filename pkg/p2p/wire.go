package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/uhyunpark/peerbook/pkg/identity"
)

// ProtocolHello carries the sender's raw 32-byte RPC public key, written
// once by each side of a new connection.
const ProtocolHello = protocol.ID("/peerbook/hello/1.0.0")

// Announcement is published on the swarm topic so peers learn where an RPC
// key can be dialed.
type Announcement struct {
	RPCKey     string   `json:"rpcKey"`
	RPCAddrs   []string `json:"addrs"`
	SwarmAddrs []string `json:"swarmAddrs,omitempty"`
}

func encodeAnnouncement(a Announcement) ([]byte, error) {
	return json.Marshal(a)
}

func decodeAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(b, &a); err != nil {
		return a, err
	}
	if _, err := identity.DecodePublicHex(a.RPCKey); err != nil {
		return a, fmt.Errorf("announcement key: %w", err)
	}
	return a, nil
}
