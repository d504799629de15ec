package hsdesc

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// CertType identifies what an Ed25519Cert certifies. Values match the
// wire constants used by the real protocol so certs produced here are
// byte-compatible with what a descriptor parser elsewhere would expect.
type CertType uint8

const (
	// CertTypeSigningHS certifies a descriptor signing key, issued by the
	// blinded identity key.
	CertTypeSigningHS CertType = 0x08
	// CertTypeAuthHSIPKey certifies an introduction point's auth key,
	// issued by the blinded identity key.
	CertTypeAuthHSIPKey CertType = 0x09
	// CertTypeCrossHSIPKeys cross-certifies an introduction point's ntor
	// encryption key, issued by the blinded identity key.
	CertTypeCrossHSIPKeys CertType = 0x0B
)

const (
	extSigningKey           = 0x04
	extFlagAffectsValidation = 0x01
	certHeaderLen            = 39 // version(1) type(1) expiration(4) keytype(1) certifiedkey(32)
	certSignatureLen         = 64
)

// Ed25519Cert is a parsed or constructed Tor-style Ed25519 certificate:
// a fixed header, an extension list (only the signing-key extension is
// understood here), and a trailing signature.
type Ed25519Cert struct {
	Version       uint8
	CertType      CertType
	ExpirationHrs uint32
	KeyType       uint8
	CertifiedKey  [32]byte
	SigningKey    [32]byte // embedded issuer key, extension type 0x04; zero if absent
	HasSigningKey bool
	Signature     [64]byte
	Raw           []byte // full encoded cert, including signature
}

// ParseEd25519Cert parses the wire form of a certificate, rejecting any
// unrecognized extension whose AFFECTS_VALIDATION flag is set, per the
// cert-spec extension-handling rule.
func ParseEd25519Cert(data []byte) (*Ed25519Cert, error) {
	if len(data) < certHeaderLen+1+certSignatureLen {
		return nil, fmt.Errorf("%w: cert too short (%d bytes)", ErrParse, len(data))
	}

	c := &Ed25519Cert{
		Raw:           append([]byte(nil), data...),
		Version:       data[0],
		CertType:      CertType(data[1]),
		ExpirationHrs: binary.BigEndian.Uint32(data[2:6]),
		KeyType:       data[6],
	}
	copy(c.CertifiedKey[:], data[7:39])

	nExt := data[39]
	pos := 40
	sigStart := len(data) - certSignatureLen
	for i := uint8(0); i < nExt; i++ {
		if pos+4 > sigStart {
			return nil, fmt.Errorf("%w: extension %d header overflows cert", ErrParse, i)
		}
		extLen := int(binary.BigEndian.Uint16(data[pos:]))
		extType := data[pos+2]
		extFlags := data[pos+3]
		pos += 4
		if pos+extLen > sigStart {
			return nil, fmt.Errorf("%w: extension %d data overflows cert", ErrParse, i)
		}
		extData := data[pos : pos+extLen]
		switch {
		case extType == extSigningKey && len(extData) == 32:
			copy(c.SigningKey[:], extData)
			c.HasSigningKey = true
		case extFlags&extFlagAffectsValidation != 0:
			return nil, fmt.Errorf("%w: unrecognized critical cert extension 0x%02x", ErrParse, extType)
		}
		pos += extLen
	}
	if pos != sigStart {
		return nil, fmt.Errorf("%w: trailing garbage before cert signature", ErrParse)
	}
	copy(c.Signature[:], data[sigStart:])
	return c, nil
}

// NewSigningKeyCert builds an unsigned certificate for certType, embedding
// issuerKey as the signing-key extension so a verifier can recover the
// issuer from the certificate alone.
func NewSigningKeyCert(certType CertType, expiration time.Time, keyType uint8, certifiedKey [32]byte, issuerKey [32]byte) *Ed25519Cert {
	return &Ed25519Cert{
		Version:       1,
		CertType:      certType,
		ExpirationHrs: uint32(expiration.Unix() / 3600),
		KeyType:       keyType,
		CertifiedKey:  certifiedKey,
		SigningKey:    issuerKey,
		HasSigningKey: true,
	}
}

// Sign encodes the certificate header and extension, signs it with
// signer, and populates Raw and Signature. signer must correspond to the
// cert's issuer (the embedded SigningKey when present).
func (c *Ed25519Cert) Sign(signer ed25519.PrivateKey) error {
	buf := make([]byte, 0, certHeaderLen+1+4+32+certSignatureLen)
	buf = append(buf, c.Version, byte(c.CertType))
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], c.ExpirationHrs)
	buf = append(buf, expBuf[:]...)
	buf = append(buf, c.KeyType)
	buf = append(buf, c.CertifiedKey[:]...)

	if c.HasSigningKey {
		buf = append(buf, 1) // n_extensions
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], 32)
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, extSigningKey, extFlagAffectsValidation)
		buf = append(buf, c.SigningKey[:]...)
	} else {
		buf = append(buf, 0)
	}

	sig := ed25519.Sign(signer, buf)
	if len(sig) != certSignatureLen {
		return fmt.Errorf("%w: unexpected signature length %d", ErrCrypto, len(sig))
	}
	copy(c.Signature[:], sig)
	c.Raw = append(buf, sig...)
	return nil
}

// Verify checks the certificate's expiration against now and its
// signature against signingKey. If signingKey is nil, the embedded
// signing-key extension is used instead.
func (c *Ed25519Cert) Verify(signingKey []byte, now time.Time) error {
	expiry := time.Unix(int64(c.ExpirationHrs)*3600, 0)
	if now.After(expiry) {
		return fmt.Errorf("%w: certificate expired at %v", ErrCrypto, expiry)
	}

	var pub ed25519.PublicKey
	switch {
	case signingKey != nil:
		pub = ed25519.PublicKey(signingKey)
	case c.HasSigningKey:
		pub = ed25519.PublicKey(c.SigningKey[:])
	default:
		return fmt.Errorf("%w: no signing key available to verify certificate", ErrCrypto)
	}

	if len(c.Raw) < certSignatureLen {
		return fmt.Errorf("%w: certificate has no encoded body", ErrCrypto)
	}
	signed := c.Raw[:len(c.Raw)-certSignatureLen]
	if !ed25519.Verify(pub, signed, c.Signature[:]) {
		return fmt.Errorf("%w: ed25519 signature verification failed", ErrCrypto)
	}
	return nil
}
