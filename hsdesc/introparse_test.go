package hsdesc

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strings"
	"testing"
	"time"
)

func signedCert(t *testing.T, certType CertType, issuerPub ed25519.PublicKey, issuerPriv ed25519.PrivateKey, certifiedPub ed25519.PublicKey) *Ed25519Cert {
	t.Helper()
	var issuer, subject [32]byte
	copy(issuer[:], issuerPub)
	copy(subject[:], certifiedPub)
	cert := NewSigningKeyCert(certType, time.Now().Add(24*time.Hour), 1, subject, issuer)
	if err := cert.Sign(issuerPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return cert
}

func ntorIntroPoint(t *testing.T, blindedPub ed25519.PublicKey, blindedPriv ed25519.PrivateKey) IntroPoint {
	t.Helper()
	authPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	authCert := signedCert(t, CertTypeAuthHSIPKey, blindedPub, blindedPriv, authPub)

	var encKey [32]byte
	copy(encKey[:], authPub) // placeholder curve25519-shaped key; crossCert below certifies these same bytes

	var issuer, subject [32]byte
	copy(issuer[:], []byte(blindedPub))
	copy(subject[:], []byte(authPub))
	crossCert := NewSigningKeyCert(CertTypeCrossHSIPKeys, time.Now().Add(24*time.Hour), 1, subject, issuer)
	if err := crossCert.Sign(blindedPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var authKey [32]byte
	copy(authKey[:], authPub)
	return IntroPoint{
		LinkSpecifiers: []LinkSpec{{Type: LinkSpecIPv4, Addr: net.ParseIP("203.0.113.5"), Port: 443}},
		AuthKeyCert:    authCert,
		AuthKey:        authKey,
		EncKeyNtor:     &encKey,
		EncKeyCert:     crossCert,
	}
}

func legacyIntroPoint(t *testing.T, blindedPub ed25519.PublicKey, blindedPriv ed25519.PrivateKey) IntroPoint {
	t.Helper()
	authPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	authCert := signedCert(t, CertTypeAuthHSIPKey, blindedPub, blindedPriv, authPub)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}

	var authKey [32]byte
	copy(authKey[:], authPub)
	return IntroPoint{
		LinkSpecifiers:  []LinkSpec{{Type: LinkSpecIPv6, Addr: net.ParseIP("2001:db8::42"), Port: 9001}},
		AuthKeyCert:     authCert,
		AuthKey:         authKey,
		LegacyEncKey:    &rsaKey.PublicKey,
		LegacyCrossCert: []byte("legacy cross-certification blob"),
	}
}

func TestIntroPointNtorRoundTrip(t *testing.T) {
	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var blinded [32]byte
	copy(blinded[:], blindedPub)

	ip := ntorIntroPoint(t, blindedPub, blindedPriv)
	encoded, err := EncodeIntroPoint(ip)
	if err != nil {
		t.Fatalf("EncodeIntroPoint: %v", err)
	}

	text := "introduction-point preamble noise that is not a block\n" + encoded
	parsed := ParseIntroPoints(text, blinded, time.Now())
	if len(parsed) != 1 {
		t.Fatalf("got %d intro points, want 1", len(parsed))
	}
	if parsed[0].AuthKey != ip.AuthKey {
		t.Errorf("auth key mismatch")
	}
	if parsed[0].EncKeyNtor == nil || *parsed[0].EncKeyNtor != *ip.EncKeyNtor {
		t.Errorf("ntor enc key mismatch")
	}
}

func TestIntroPointLegacyRoundTrip(t *testing.T) {
	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var blinded [32]byte
	copy(blinded[:], blindedPub)

	ip := legacyIntroPoint(t, blindedPub, blindedPriv)
	encoded, err := EncodeIntroPoint(ip)
	if err != nil {
		t.Fatalf("EncodeIntroPoint: %v", err)
	}

	parsed := ParseIntroPoints(encoded, blinded, time.Now())
	if len(parsed) != 1 {
		t.Fatalf("got %d intro points, want 1", len(parsed))
	}
	if parsed[0].LegacyEncKey == nil || parsed[0].LegacyEncKey.N.Cmp(ip.LegacyEncKey.N) != 0 {
		t.Errorf("legacy RSA key mismatch")
	}
}

func TestParseIntroPointsDropsMalformedBlockOnly(t *testing.T) {
	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var blinded [32]byte
	copy(blinded[:], blindedPub)

	good1 := ntorIntroPoint(t, blindedPub, blindedPriv)
	good2 := legacyIntroPoint(t, blindedPub, blindedPriv)

	enc1, err := EncodeIntroPoint(good1)
	if err != nil {
		t.Fatalf("EncodeIntroPoint: %v", err)
	}
	enc2, err := EncodeIntroPoint(good2)
	if err != nil {
		t.Fatalf("EncodeIntroPoint: %v", err)
	}

	malformed := "introduction-point AAAA\ngarbage that is not a valid block\n"
	text := enc1 + malformed + enc2

	parsed := ParseIntroPoints(text, blinded, time.Now())
	if len(parsed) != 2 {
		t.Fatalf("got %d intro points, want 2 (malformed block should be dropped, not fatal)", len(parsed))
	}
}

func TestIntroPointWrongIssuerRejected(t *testing.T) {
	blindedPub, blindedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var other [32]byte
	copy(other[:], otherPub)

	ip := ntorIntroPoint(t, blindedPub, blindedPriv)
	encoded, err := EncodeIntroPoint(ip)
	if err != nil {
		t.Fatalf("EncodeIntroPoint: %v", err)
	}

	parsed := ParseIntroPoints(encoded, other, time.Now())
	if len(parsed) != 0 {
		t.Fatalf("got %d intro points, want 0 (wrong blinded issuer should fail verification)", len(parsed))
	}
}

func TestExtractBlockRejectsUnterminated(t *testing.T) {
	lines := strings.Split("-----BEGIN MESSAGE-----\nQQ==\n", "\n")
	if _, _, err := extractBlock(lines, 0, "MESSAGE"); err == nil {
		t.Fatal("expected error for unterminated block")
	}
}
