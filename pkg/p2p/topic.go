package p2p

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// DefaultTopicName names the marketplace every peer joins unless told
// otherwise.
const DefaultTopicName = "peerbook-marketplace"

// TopicID is the 32-byte rendezvous identifier of a swarm.
type TopicID [32]byte

func (t TopicID) String() string { return hex.EncodeToString(t[:]) }

// pubsubName is the gossipsub topic derived from the id.
func (t TopicID) pubsubName() string { return "peerbook/" + t.String() }

// mdnsService is the mDNS service tag; peers on different topics do not
// discover each other on the LAN.
func (t TopicID) mdnsService() string { return "peerbook-" + t.String()[:16] }

// ResolveTopic returns the id given in hex, or else the blake2b-256 digest of
// name (DefaultTopicName when empty).
func ResolveTopic(hexID, name string) (TopicID, error) {
	var t TopicID
	if hexID != "" {
		b, err := hex.DecodeString(hexID)
		if err != nil {
			return t, fmt.Errorf("topic %q: %w", hexID, err)
		}
		if len(b) != len(t) {
			return t, fmt.Errorf("topic %q: want %d bytes, got %d", hexID, len(t), len(b))
		}
		copy(t[:], b)
		return t, nil
	}
	if name == "" {
		name = DefaultTopicName
	}
	return TopicID(blake2b.Sum256([]byte(name))), nil
}
