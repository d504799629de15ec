package hsdesc

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
)

func TestOnionAddressRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var pubkey [32]byte
	copy(pubkey[:], pub)

	addr := EncodeOnionAddress(pubkey)
	if !strings.HasSuffix(addr, ".onion") {
		t.Fatalf("address %q missing .onion suffix", addr)
	}
	if addr != strings.ToLower(addr) {
		t.Fatalf("address %q is not lowercase", addr)
	}

	decoded, err := DecodeOnionAddress(addr)
	if err != nil {
		t.Fatalf("DecodeOnionAddress: %v", err)
	}
	if decoded != pubkey {
		t.Fatal("decoded pubkey does not match original")
	}
}

func TestOnionAddressBadChecksumRejected(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	var pubkey [32]byte
	copy(pubkey[:], pub)
	addr := EncodeOnionAddress(pubkey)

	// Flip a character in the middle of the base32 body to corrupt the checksum.
	body := strings.TrimSuffix(addr, ".onion")
	mutated := []byte(body)
	if mutated[5] == 'a' {
		mutated[5] = 'b'
	} else {
		mutated[5] = 'a'
	}
	if _, err := DecodeOnionAddress(string(mutated) + ".onion"); err == nil {
		t.Fatal("expected checksum mismatch to be rejected")
	}
}

func TestOnionAddressWrongLengthRejected(t *testing.T) {
	if _, err := DecodeOnionAddress("short.onion"); !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ErrParse", err)
	}
}
