package hsdesc

import (
	"crypto/ed25519"
	"testing"
	"time"
)

// buildDescriptor assembles a signed Descriptor with the given intro
// points, returning everything Decode needs to verify it.
func buildDescriptor(t *testing.T, intros []IntroPoint) ([]byte, [32]byte, [32]byte) {
	t.Helper()
	identityPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var identity [32]byte
	copy(identity[:], identityPub)

	// BlindPublicKey derives only the public half of the rotation-period
	// key and this package has no matching private-scalar derivation, so
	// here a freshly generated keypair stands in for "the" blinded
	// keypair for a given period.
	standInBlindedPub, standInBlindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var blinded [32]byte
	copy(blinded[:], standInBlindedPub)

	subcred := Subcredential(identity, blinded)

	signingPub, signingPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var signingKeyBytes, blindedKeyBytes [32]byte
	copy(signingKeyBytes[:], signingPub)
	copy(blindedKeyBytes[:], standInBlindedPub)
	cert := NewSigningKeyCert(CertTypeSigningHS, time.Now().Add(24*time.Hour), 1, signingKeyBytes, blindedKeyBytes)
	if err := cert.Sign(standInBlindedPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	d := &Descriptor{
		Version:         3,
		LifetimeMinutes: 180,
		SigningKeyCert:  cert,
		RevisionCounter: 42,
		CreateFormats:   []uint16{2},
		IntroPoints:     intros,
	}

	encoded, err := Encode(d, signingPriv, blinded, subcred)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return encoded, blinded, subcred
}

func TestDescriptorRoundTripNoIntroPoints(t *testing.T) {
	encoded, blinded, subcred := buildDescriptor(t, nil)
	d, err := Decode(encoded, blinded, subcred, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(d.IntroPoints) != 0 {
		t.Fatalf("got %d intro points, want 0", len(d.IntroPoints))
	}
	if d.RevisionCounter != 42 {
		t.Errorf("revision counter = %d, want 42", d.RevisionCounter)
	}
	if len(d.CreateFormats) != 1 || d.CreateFormats[0] != 2 {
		t.Errorf("create formats = %v, want [2]", d.CreateFormats)
	}
}

func TestDescriptorRoundTripOneIntroPoint(t *testing.T) {
	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ip := ntorIntroPoint(t, blindedPub, blindedPriv)

	// Rebuild the descriptor using the same blinded keypair the intro
	// point was certified under, since introduction-point certs must
	// chain to the descriptor's own blinded key.
	identityPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var identity [32]byte
	copy(identity[:], identityPub)
	var blinded [32]byte
	copy(blinded[:], blindedPub)
	subcred := Subcredential(identity, blinded)

	signingPub, signingPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var signingKeyBytes [32]byte
	copy(signingKeyBytes[:], signingPub)
	cert := NewSigningKeyCert(CertTypeSigningHS, time.Now().Add(24*time.Hour), 1, signingKeyBytes, blinded)
	if err := cert.Sign(blindedPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	d := &Descriptor{
		Version:         3,
		LifetimeMinutes: 180,
		SigningKeyCert:  cert,
		RevisionCounter: 1,
		CreateFormats:   []uint16{2},
		IntroPoints:     []IntroPoint{ip},
	}
	encoded, err := Encode(d, signingPriv, blinded, subcred)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded, blinded, subcred, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.IntroPoints) != 1 {
		t.Fatalf("got %d intro points, want 1", len(decoded.IntroPoints))
	}
	if decoded.IntroPoints[0].AuthKey != ip.AuthKey {
		t.Errorf("auth key mismatch after round trip")
	}
}

func TestDescriptorRoundTripFourMixedIntroPoints(t *testing.T) {
	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	intros := []IntroPoint{
		ntorIntroPoint(t, blindedPub, blindedPriv),
		legacyIntroPoint(t, blindedPub, blindedPriv),
		ntorIntroPoint(t, blindedPub, blindedPriv),
		legacyIntroPoint(t, blindedPub, blindedPriv),
	}

	identityPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var identity [32]byte
	copy(identity[:], identityPub)
	var blinded [32]byte
	copy(blinded[:], blindedPub)
	subcred := Subcredential(identity, blinded)

	signingPub, signingPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var signingKeyBytes [32]byte
	copy(signingKeyBytes[:], signingPub)
	cert := NewSigningKeyCert(CertTypeSigningHS, time.Now().Add(24*time.Hour), 1, signingKeyBytes, blinded)
	if err := cert.Sign(blindedPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	d := &Descriptor{
		Version:         3,
		LifetimeMinutes: 180,
		SigningKeyCert:  cert,
		RevisionCounter: 9,
		CreateFormats:   []uint16{2},
		AuthTypes:       []string{"1"},
		IntroPoints:     intros,
	}
	encoded, err := Encode(d, signingPriv, blinded, subcred)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) > MaxDescriptorLen {
		t.Fatalf("encoded descriptor exceeds MaxDescriptorLen: %d", len(encoded))
	}

	decoded, err := Decode(encoded, blinded, subcred, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.IntroPoints) != 4 {
		t.Fatalf("got %d intro points, want 4", len(decoded.IntroPoints))
	}
	var ntorCount, legacyCount int
	for _, ip := range decoded.IntroPoints {
		if ip.EncKeyNtor != nil {
			ntorCount++
		}
		if ip.LegacyEncKey != nil {
			legacyCount++
		}
	}
	if ntorCount != 2 || legacyCount != 2 {
		t.Fatalf("got %d ntor and %d legacy intro points, want 2 and 2", ntorCount, legacyCount)
	}
	if len(decoded.AuthTypes) != 1 || decoded.AuthTypes[0] != "1" {
		t.Errorf("auth types = %v, want [1]", decoded.AuthTypes)
	}
}

func TestDescriptorRejectsWrongBlindedKey(t *testing.T) {
	encoded, _, subcred := buildDescriptor(t, nil)
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var other [32]byte
	copy(other[:], otherPub)
	if _, err := Decode(encoded, other, subcred, time.Now()); err == nil {
		t.Fatal("expected decode to fail against the wrong blinded key")
	}
}

func TestDescriptorRejectsTamperedSignature(t *testing.T) {
	encoded, blinded, subcred := buildDescriptor(t, nil)
	tampered := append([]byte(nil), encoded...)
	tampered[len(tampered)-5] ^= 0xff
	if _, err := Decode(tampered, blinded, subcred, time.Now()); err == nil {
		t.Fatal("expected decode to fail with a tampered signature")
	}
}

func TestDescriptorRejectsOversize(t *testing.T) {
	huge := make([]byte, MaxDescriptorLen+1)
	var blinded, subcred [32]byte
	if _, err := Decode(huge, blinded, subcred, time.Now()); err == nil {
		t.Fatal("expected decode to reject an oversize descriptor")
	}
}
