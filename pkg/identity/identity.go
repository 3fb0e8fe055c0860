// Package identity turns a persisted 32-byte seed into a stable ed25519
// keypair. The hex-encoded public key is the address operators share
// out of band; the derived libp2p peer ID is what the transport dials.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/uhyunpark/peerbook/pkg/storage"
)

const (
	SeedSize      = ed25519.SeedSize
	PublicKeySize = ed25519.PublicKeySize
)

var (
	ErrSeedLength = errors.New("identity: stored seed has wrong length")
	ErrPublicKey  = errors.New("identity: public key must be 64 hex characters")
)

// LoadOrCreateSeed returns the seed stored under key, generating and
// persisting a fresh random one on first use. A stored seed is never
// regenerated.
func LoadOrCreateSeed(s storage.KeyValueStore, key string) ([]byte, error) {
	seed, ok, err := s.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", key, err)
	}
	if ok {
		if len(seed) != SeedSize {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrSeedLength, key, len(seed))
		}
		return seed, nil
	}

	seed = make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := s.Put(key, seed); err != nil {
		return nil, fmt.Errorf("persist seed %s: %w", key, err)
	}
	return seed, nil
}

type KeyPair struct {
	Private crypto.PrivKey
	Public  crypto.PubKey
	raw     []byte
}

// FromSeed deterministically derives the keypair for seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, ErrSeedLength
	}
	priv, err := crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	raw, err := priv.GetPublic().Raw()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: priv.GetPublic(), raw: raw}, nil
}

// Load is LoadOrCreateSeed followed by FromSeed.
func Load(s storage.KeyValueStore, key string) (*KeyPair, error) {
	seed, err := LoadOrCreateSeed(s, key)
	if err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

func (k *KeyPair) PublicBytes() []byte { return append([]byte(nil), k.raw...) }

func (k *KeyPair) PublicHex() string { return hex.EncodeToString(k.raw) }

func (k *KeyPair) PeerID() (peer.ID, error) { return peer.IDFromPublicKey(k.Public) }

// PeerIDFromPublicKey maps a raw 32-byte ed25519 public key to the peer ID
// of the host listening with that key.
func PeerIDFromPublicKey(raw []byte) (peer.ID, error) {
	if len(raw) != PublicKeySize {
		return "", ErrPublicKey
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublicKey, err)
	}
	return peer.IDFromPublicKey(pub)
}

// PeerIDFromHex is PeerIDFromPublicKey for the operator-facing hex form.
func PeerIDFromHex(pubHex string) (peer.ID, error) {
	raw, err := DecodePublicHex(pubHex)
	if err != nil {
		return "", err
	}
	return PeerIDFromPublicKey(raw)
}

// PublicHexFromPeerID recovers the hex public key embedded in an ed25519
// peer ID. It is the inverse of PeerIDFromHex.
func PublicHexFromPeerID(id peer.ID) (string, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublicKey, err)
	}
	if pub.Type() != crypto.Ed25519 {
		return "", ErrPublicKey
	}
	raw, err := pub.Raw()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublicKey, err)
	}
	return hex.EncodeToString(raw), nil
}

func DecodePublicHex(pubHex string) ([]byte, error) {
	if len(pubHex) != hex.EncodedLen(PublicKeySize) {
		return nil, ErrPublicKey
	}
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKey, err)
	}
	return raw, nil
}
