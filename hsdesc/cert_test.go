package hsdesc

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

func TestCertSignVerifyRoundTrip(t *testing.T) {
	issuerPub, issuerPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	subjectPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var issuer, subject [32]byte
	copy(issuer[:], issuerPub)
	copy(subject[:], subjectPub)

	cert := NewSigningKeyCert(CertTypeSigningHS, time.Now().Add(24*time.Hour), 1, subject, issuer)
	if err := cert.Sign(issuerPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	parsed, err := ParseEd25519Cert(cert.Raw)
	if err != nil {
		t.Fatalf("ParseEd25519Cert: %v", err)
	}
	if parsed.CertType != CertTypeSigningHS {
		t.Errorf("CertType = %#x, want %#x", parsed.CertType, CertTypeSigningHS)
	}
	if parsed.CertifiedKey != subject {
		t.Errorf("CertifiedKey mismatch")
	}
	if !parsed.HasSigningKey || parsed.SigningKey != issuer {
		t.Errorf("embedded signing key mismatch")
	}
	if err := parsed.Verify(issuer[:], time.Now()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestCertExpired(t *testing.T) {
	issuerPub, issuerPriv, _ := ed25519.GenerateKey(nil)
	subjectPub, _, _ := ed25519.GenerateKey(nil)
	var issuer, subject [32]byte
	copy(issuer[:], issuerPub)
	copy(subject[:], subjectPub)

	cert := NewSigningKeyCert(CertTypeAuthHSIPKey, time.Now().Add(-time.Hour), 1, subject, issuer)
	if err := cert.Sign(issuerPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := cert.Verify(issuer[:], time.Now()); err == nil {
		t.Fatal("expected expiration error")
	}
}

func TestCertBadSignatureRejected(t *testing.T) {
	issuerPub, issuerPriv, _ := ed25519.GenerateKey(nil)
	subjectPub, _, _ := ed25519.GenerateKey(nil)
	var issuer, subject [32]byte
	copy(issuer[:], issuerPub)
	copy(subject[:], subjectPub)

	cert := NewSigningKeyCert(CertTypeCrossHSIPKeys, time.Now().Add(time.Hour), 1, subject, issuer)
	if err := cert.Sign(issuerPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	cert.Raw[len(cert.Raw)-1] ^= 0xff
	if err := cert.Verify(issuer[:], time.Now()); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestCertTooShortRejected(t *testing.T) {
	_, err := ParseEd25519Cert(make([]byte, 10))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ErrParse", err)
	}
}

func TestCertUnrecognizedCriticalExtensionRejected(t *testing.T) {
	issuerPub, issuerPriv, _ := ed25519.GenerateKey(nil)
	subjectPub, _, _ := ed25519.GenerateKey(nil)
	var issuer, subject [32]byte
	copy(issuer[:], issuerPub)
	copy(subject[:], subjectPub)

	cert := NewSigningKeyCert(CertTypeSigningHS, time.Now().Add(time.Hour), 1, subject, issuer)
	if err := cert.Sign(issuerPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Splice in a second, unrecognized, AFFECTS_VALIDATION extension.
	body := cert.Raw[:len(cert.Raw)-certSignatureLen]
	nExtOffset := certHeaderLen
	tampered := append([]byte(nil), body...)
	tampered[nExtOffset] = 2 // claim two extensions: the original one plus the one appended below
	extra := []byte{0x00, 0x01, 0x99, extFlagAffectsValidation, 0xAB}
	tampered = append(tampered, extra...)
	sig := ed25519.Sign(issuerPriv, tampered)
	tampered = append(tampered, sig...)

	if _, err := ParseEd25519Cert(tampered); !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ErrParse for unrecognized critical extension", err)
	}
}
