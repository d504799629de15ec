package hsdesc

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxDescriptorLen bounds the total on-wire size the decoder will
	// accept, so attacker-controlled length fields can never drive an
	// unbounded allocation.
	MaxDescriptorLen = 50 * 1024

	minLifetimeMinutes = 10
	maxLifetimeMinutes = 720

	sigDomainSeparator = "Tor onion service descriptor sig v3"
)

// Descriptor is a fully decoded (or not-yet-encrypted) version-3
// hidden-service descriptor.
type Descriptor struct {
	Version         uint8
	LifetimeMinutes uint16
	SigningKeyCert  *Ed25519Cert // CertTypeSigningHS; CertifiedKey is the descriptor signing key
	RevisionCounter uint64
	CreateFormats   []uint16
	AuthTypes       []string
	IntroPoints     []IntroPoint
}

// Encode runs the full encode pipeline: build and pad the inner
// plaintext, encrypt it in two layers, wrap the outer envelope, and sign
// it with signingKey (which must match d.SigningKeyCert's certified key).
func Encode(d *Descriptor, signingKey ed25519.PrivateKey, blindedPub, subcredential [32]byte) ([]byte, error) {
	if d.SigningKeyCert == nil {
		return nil, fmt.Errorf("%w: descriptor missing signing-key certificate", ErrParse)
	}
	if d.LifetimeMinutes < minLifetimeMinutes || d.LifetimeMinutes > maxLifetimeMinutes {
		return nil, fmt.Errorf("%w: lifetime %d minutes out of range", ErrParse, d.LifetimeMinutes)
	}

	inner := buildInnerPlaintext(d)
	innerPadded := PadPlaintext(inner)
	innerEncrypted, err := EncryptLayer(innerPadded, blindedPub[:], subcredential[:], d.RevisionCounter, "hsdir-encrypted-data")
	if err != nil {
		return nil, err
	}

	var superBuf strings.Builder
	superBuf.WriteString("encrypted\n")
	writePEMBlock(&superBuf, "MESSAGE", innerEncrypted)
	superPadded := PadPlaintext([]byte(superBuf.String()))
	superEncrypted, err := EncryptLayer(superPadded, blindedPub[:], subcredential[:], d.RevisionCounter, "hsdir-superencrypted-data")
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "hs-descriptor %d\n", d.Version)
	fmt.Fprintf(&out, "descriptor-lifetime %d\n", d.LifetimeMinutes)
	out.WriteString("descriptor-signing-key-cert\n")
	writePEMBlock(&out, "ED25519 CERT", d.SigningKeyCert.Raw)
	fmt.Fprintf(&out, "revision-counter %d\n", d.RevisionCounter)
	out.WriteString("superencrypted\n")
	writePEMBlock(&out, "MESSAGE", superEncrypted)
	out.WriteString("signature ")

	signed := []byte(sigDomainSeparator + out.String())
	sig := ed25519.Sign(signingKey, signed)
	out.WriteString(base64.StdEncoding.EncodeToString(sig))
	out.WriteString("\n")

	return []byte(out.String()), nil
}

func buildInnerPlaintext(d *Descriptor) []byte {
	var b strings.Builder
	formats := make([]string, len(d.CreateFormats))
	for i, f := range d.CreateFormats {
		formats[i] = strconv.FormatUint(uint64(f), 10)
	}
	fmt.Fprintf(&b, "create2-formats %s\n", strings.Join(formats, " "))
	if len(d.AuthTypes) > 0 {
		fmt.Fprintf(&b, "intro-auth-types %s\n", strings.Join(d.AuthTypes, " "))
	}
	for _, ip := range d.IntroPoints {
		block, err := EncodeIntroPoint(ip)
		if err != nil {
			continue // caller is responsible for supplying well-formed intro points
		}
		b.WriteString(block)
	}
	return []byte(b.String())
}

// Decode runs the full decode pipeline against raw: parse and verify the
// outer envelope, decrypt both encryption layers, and parse the
// resulting introduction points (dropping any malformed block rather
// than failing the whole descriptor).
func Decode(raw []byte, blindedPub, subcredential [32]byte, now time.Time) (*Descriptor, error) {
	if len(raw) > MaxDescriptorLen {
		return nil, fmt.Errorf("%w: descriptor exceeds %d bytes", ErrParse, MaxDescriptorLen)
	}

	lines := strings.Split(string(raw), "\n")
	d := &Descriptor{}
	var superencrypted []byte
	var sigOffset int // byte offset in raw where "signature " body begins, tracked via line reconstruction
	var gotVersion, gotLifetime, gotCert, gotRevision, gotSuper, gotSig bool
	var sigBytes []byte

	i := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "hs-descriptor "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "hs-descriptor "), 10, 8)
			if err != nil || v != 3 {
				return nil, fmt.Errorf("%w: unsupported hs-descriptor version", ErrParse)
			}
			d.Version = uint8(v)
			gotVersion = true
			i++

		case strings.HasPrefix(line, "descriptor-lifetime "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "descriptor-lifetime "), 10, 16)
			if err != nil || v < minLifetimeMinutes || v > maxLifetimeMinutes {
				return nil, fmt.Errorf("%w: bad descriptor-lifetime", ErrParse)
			}
			d.LifetimeMinutes = uint16(v)
			gotLifetime = true
			i++

		case line == "descriptor-signing-key-cert":
			certBytes, end, err := extractBlock(lines, i+1, "ED25519 CERT")
			if err != nil {
				return nil, err
			}
			cert, err := ParseEd25519Cert(certBytes)
			if err != nil {
				return nil, err
			}
			if cert.CertType != CertTypeSigningHS {
				return nil, fmt.Errorf("%w: descriptor signing-key-cert has wrong type 0x%02x", ErrCrypto, cert.CertType)
			}
			if !cert.HasSigningKey {
				return nil, fmt.Errorf("%w: descriptor signing-key-cert does not embed its issuer", ErrParse)
			}
			if cert.SigningKey != blindedPub {
				return nil, fmt.Errorf("%w: descriptor signing-key-cert not issued by the expected blinded key", ErrCrypto)
			}
			if err := cert.Verify(blindedPub[:], now); err != nil {
				return nil, err
			}
			d.SigningKeyCert = cert
			gotCert = true
			i = end + 1

		case strings.HasPrefix(line, "revision-counter "):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "revision-counter "), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad revision-counter", ErrParse)
			}
			d.RevisionCounter = v
			gotRevision = true
			i++

		case line == "superencrypted":
			blob, end, err := extractBlock(lines, i+1, "MESSAGE")
			if err != nil {
				return nil, err
			}
			superencrypted = blob
			gotSuper = true
			i = end + 1

		case strings.HasPrefix(line, "signature "):
			sig, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "signature "))
			if err != nil || len(sig) != 64 {
				return nil, fmt.Errorf("%w: bad signature encoding", ErrParse)
			}
			sigBytes = sig
			gotSig = true
			// The signed region is everything up to and including "signature ".
			sigOffset = len(strings.Join(lines[:i], "\n")) + 1 + len("signature ")
			i++

		default:
			i++
		}
	}

	if !gotVersion || !gotLifetime || !gotCert || !gotRevision || !gotSuper || !gotSig {
		return nil, fmt.Errorf("%w: descriptor envelope missing required fields", ErrParse)
	}

	signed := append([]byte(sigDomainSeparator), raw[:sigOffset]...)
	if !ed25519.Verify(d.SigningKeyCert.CertifiedKey[:], signed, sigBytes) {
		return nil, fmt.Errorf("%w: outer descriptor signature verification failed", ErrCrypto)
	}

	superPlain, err := DecryptLayer(superencrypted, blindedPub[:], subcredential[:], d.RevisionCounter, "hsdir-superencrypted-data")
	if err != nil {
		return nil, err
	}
	innerEncrypted, err := parseEncryptedToken(string(superPlain))
	if err != nil {
		return nil, err
	}
	innerPlain, err := DecryptLayer(innerEncrypted, blindedPub[:], subcredential[:], d.RevisionCounter, "hsdir-encrypted-data")
	if err != nil {
		return nil, err
	}

	d.CreateFormats, d.AuthTypes = parseFormatsAndAuthTypes(string(innerPlain))
	d.IntroPoints = ParseIntroPoints(string(innerPlain), blindedPub, now)
	return d, nil
}

// parseEncryptedToken extracts the "encrypted" MESSAGE block from the
// first-layer (superencrypted) plaintext.
func parseEncryptedToken(text string) ([]byte, error) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "encrypted" {
			blob, _, err := extractBlock(lines, i+1, "MESSAGE")
			return blob, err
		}
	}
	return nil, fmt.Errorf("%w: superencrypted layer missing \"encrypted\" block", ErrParse)
}

func parseFormatsAndAuthTypes(text string) ([]uint16, []string) {
	var formats []uint16
	var authTypes []string
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "create2-formats "):
			for _, tok := range strings.Fields(strings.TrimPrefix(line, "create2-formats ")) {
				if v, err := strconv.ParseUint(tok, 10, 16); err == nil {
					formats = append(formats, uint16(v))
				}
			}
		case strings.HasPrefix(line, "intro-auth-types "):
			authTypes = strings.Fields(strings.TrimPrefix(line, "intro-auth-types "))
		}
	}
	return formats, authTypes
}
