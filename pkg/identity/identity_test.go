package identity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/uhyunpark/peerbook/pkg/storage"
)

func TestLoadOrCreateSeed_Persists(t *testing.T) {
	s := storage.NewMemStore()

	first, err := LoadOrCreateSeed(s, storage.KeyRPCSeed)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if len(first) != SeedSize {
		t.Fatalf("seed length = %d, want %d", len(first), SeedSize)
	}

	second, err := LoadOrCreateSeed(s, storage.KeyRPCSeed)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("seed regenerated on second load")
	}

	other, _ := LoadOrCreateSeed(s, storage.KeyDHTSeed)
	if bytes.Equal(first, other) {
		t.Error("distinct keys produced the same seed")
	}
}

func TestLoadOrCreateSeed_RejectsCorrupt(t *testing.T) {
	s := storage.NewMemStore()
	s.Put("seed", []byte("short"))
	if _, err := LoadOrCreateSeed(s, "seed"); !errors.Is(err, ErrSeedLength) {
		t.Fatalf("err = %v, want ErrSeedLength", err)
	}
}

func TestFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, SeedSize)
	a, err := FromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := FromSeed(seed)

	if a.PublicHex() != b.PublicHex() {
		t.Fatal("same seed gave different public keys")
	}
	if len(a.PublicHex()) != 64 {
		t.Errorf("public hex length = %d, want 64", len(a.PublicHex()))
	}

	id, err := a.PeerID()
	if err != nil {
		t.Fatal(err)
	}
	fromHex, err := PeerIDFromHex(a.PublicHex())
	if err != nil {
		t.Fatal(err)
	}
	if id != fromHex {
		t.Errorf("PeerIDFromHex = %s, want %s", fromHex, id)
	}
}

func TestPeerIDFromHex_Invalid(t *testing.T) {
	for _, in := range []string{"", "abcd", string(bytes.Repeat([]byte("zz"), 32))} {
		if _, err := PeerIDFromHex(in); !errors.Is(err, ErrPublicKey) {
			t.Errorf("PeerIDFromHex(%q) err = %v, want ErrPublicKey", in, err)
		}
	}
}

func TestPublicHexFromPeerID_RoundTrip(t *testing.T) {
	kp, err := FromSeed(bytes.Repeat([]byte{3}, SeedSize))
	if err != nil {
		t.Fatal(err)
	}
	id, err := PeerIDFromHex(kp.PublicHex())
	if err != nil {
		t.Fatal(err)
	}
	got, err := PublicHexFromPeerID(id)
	if err != nil {
		t.Fatal(err)
	}
	if got != kp.PublicHex() {
		t.Errorf("PublicHexFromPeerID = %s, want %s", got, kp.PublicHex())
	}

	if _, err := PublicHexFromPeerID("not-a-peer"); !errors.Is(err, ErrPublicKey) {
		t.Errorf("bogus peer id err = %v, want ErrPublicKey", err)
	}
}
