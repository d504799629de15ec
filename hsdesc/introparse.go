package hsdesc

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// IntroPoint is one introduction point published in a hidden-service
// descriptor: where to find the relay, how to authenticate to it, and
// the key material to start a rendezvous through it.
type IntroPoint struct {
	LinkSpecifiers []LinkSpec
	AuthKeyCert    *Ed25519Cert // CERT_TYPE_AUTH_HS_IP_KEY, subject is AuthKey
	AuthKey        [32]byte

	EncKeyNtor   *[32]byte    // curve25519 pubkey, nil when using a legacy key
	LegacyEncKey *rsa.PublicKey // nil when using an ntor key

	EncKeyCert       *Ed25519Cert // CERT_TYPE_CROSS_HS_IP_KEYS, set for ntor
	LegacyCrossCert  []byte       // raw CROSSCERT block, set for legacy
}

// EncodeIntroPoint renders one introduction-point block in the order
// fixed by the wire grammar: introduction-point, auth-key, enc-key,
// enc-key-certification.
func EncodeIntroPoint(ip IntroPoint) (string, error) {
	specBytes, err := EncodeLinkSpecs(ip.LinkSpecifiers)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "introduction-point %s\n", base64.StdEncoding.EncodeToString(specBytes))
	b.WriteString("auth-key\n")
	if ip.AuthKeyCert == nil || len(ip.AuthKeyCert.Raw) == 0 {
		return "", fmt.Errorf("%w: intro point missing signed auth-key certificate", ErrParse)
	}
	writePEMBlock(&b, "ED25519 CERT", ip.AuthKeyCert.Raw)

	switch {
	case ip.EncKeyNtor != nil:
		fmt.Fprintf(&b, "enc-key ntor %s\n", base64.StdEncoding.EncodeToString(ip.EncKeyNtor[:]))
		b.WriteString("enc-key-certification\n")
		if ip.EncKeyCert == nil || len(ip.EncKeyCert.Raw) == 0 {
			return "", fmt.Errorf("%w: ntor intro point missing enc-key-certification", ErrParse)
		}
		writePEMBlock(&b, "ED25519 CERT", ip.EncKeyCert.Raw)
	case ip.LegacyEncKey != nil:
		// Legacy Tor descriptors use PKCS1 RSA public keys, not PKIX.
		der := x509.MarshalPKCS1PublicKey(ip.LegacyEncKey)
		b.WriteString("enc-key legacy\n")
		writePEMBlock(&b, "RSA PUBLIC KEY", der)
		b.WriteString("enc-key-certification\n")
		if len(ip.LegacyCrossCert) == 0 {
			return "", fmt.Errorf("%w: legacy intro point missing cross-certification", ErrParse)
		}
		writePEMBlock(&b, "CROSSCERT", ip.LegacyCrossCert)
	default:
		return "", fmt.Errorf("%w: intro point has neither ntor nor legacy enc-key", ErrParse)
	}
	return b.String(), nil
}

func writePEMBlock(b *strings.Builder, label string, data []byte) {
	fmt.Fprintf(b, "-----BEGIN %s-----\n", label)
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 64 {
		b.WriteString(enc[:64])
		b.WriteByte('\n')
		enc = enc[64:]
	}
	if len(enc) > 0 {
		b.WriteString(enc)
		b.WriteByte('\n')
	}
	fmt.Fprintf(b, "-----END %s-----\n", label)
}

// extractBlock reads a PEM-style "-----BEGIN label-----" ... "-----END
// label-----" block starting at lines[start], returning its decoded
// contents and the index of the END line.
func extractBlock(lines []string, start int, label string) ([]byte, int, error) {
	if start >= len(lines) {
		return nil, start, fmt.Errorf("%w: expected %s block, ran out of input", ErrParse, label)
	}
	begin := "-----BEGIN " + label + "-----"
	end := "-----END " + label + "-----"
	if strings.TrimSpace(lines[start]) != begin {
		return nil, start, fmt.Errorf("%w: expected %q, got %q", ErrParse, begin, strings.TrimSpace(lines[start]))
	}
	var b64 strings.Builder
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == end {
			decoded, err := base64.StdEncoding.DecodeString(b64.String())
			if err != nil {
				return nil, i, fmt.Errorf("%w: decode %s block: %v", ErrParse, label, err)
			}
			return decoded, i, nil
		}
		b64.WriteString(strings.TrimSpace(lines[i]))
	}
	return nil, len(lines) - 1, fmt.Errorf("%w: unterminated %s block", ErrParse, label)
}

// parseIntroPointBlock parses one introduction-point token block
// beginning at lines[start] (the "introduction-point ..." line),
// enforcing the fixed field order and verifying every certificate
// against blindedKey. It returns the next unconsumed line index.
func parseIntroPointBlock(lines []string, start int, blindedKey [32]byte, now time.Time) (*IntroPoint, int, error) {
	line := strings.TrimSpace(lines[start])
	const prefix = "introduction-point "
	if !strings.HasPrefix(line, prefix) {
		return nil, start, fmt.Errorf("%w: expected introduction-point line", ErrParse)
	}
	specBytes, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, prefix))
	if err != nil {
		return nil, start, fmt.Errorf("%w: decode link specifiers: %v", ErrParse, err)
	}
	specs, err := DecodeLinkSpecs(specBytes)
	if err != nil {
		return nil, start, err
	}
	ip := &IntroPoint{LinkSpecifiers: specs}
	i := start + 1

	if i >= len(lines) || strings.TrimSpace(lines[i]) != "auth-key" {
		return nil, start, fmt.Errorf("%w: expected auth-key line", ErrParse)
	}
	i++
	certBytes, end, err := extractBlock(lines, i, "ED25519 CERT")
	if err != nil {
		return nil, start, err
	}
	i = end + 1
	authCert, err := ParseEd25519Cert(certBytes)
	if err != nil {
		return nil, start, err
	}
	if authCert.CertType != CertTypeAuthHSIPKey {
		return nil, start, fmt.Errorf("%w: auth-key cert has wrong type 0x%02x", ErrCrypto, authCert.CertType)
	}
	if err := authCert.Verify(blindedKey[:], now); err != nil {
		return nil, start, err
	}
	ip.AuthKeyCert = authCert
	ip.AuthKey = authCert.CertifiedKey

	if i >= len(lines) {
		return nil, start, fmt.Errorf("%w: missing enc-key line", ErrParse)
	}
	encLine := strings.TrimSpace(lines[i])
	switch {
	case strings.HasPrefix(encLine, "enc-key ntor "):
		keyB64 := strings.TrimPrefix(encLine, "enc-key ntor ")
		keyBytes, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil || len(keyBytes) != 32 {
			return nil, start, fmt.Errorf("%w: bad ntor enc-key", ErrParse)
		}
		var k [32]byte
		copy(k[:], keyBytes)
		ip.EncKeyNtor = &k
		i++

		if i >= len(lines) || strings.TrimSpace(lines[i]) != "enc-key-certification" {
			return nil, start, fmt.Errorf("%w: expected enc-key-certification line", ErrParse)
		}
		i++
		crossBytes, end, err := extractBlock(lines, i, "ED25519 CERT")
		if err != nil {
			return nil, start, err
		}
		i = end + 1
		crossCert, err := ParseEd25519Cert(crossBytes)
		if err != nil {
			return nil, start, err
		}
		if crossCert.CertType != CertTypeCrossHSIPKeys {
			return nil, start, fmt.Errorf("%w: enc-key-certification has wrong type 0x%02x", ErrCrypto, crossCert.CertType)
		}
		if crossCert.CertifiedKey != *ip.EncKeyNtor {
			return nil, start, fmt.Errorf("%w: enc-key-certification certifies the wrong key", ErrCrypto)
		}
		if err := crossCert.Verify(blindedKey[:], now); err != nil {
			return nil, start, err
		}
		ip.EncKeyCert = crossCert

	case encLine == "enc-key legacy":
		i++
		der, end, err := extractBlock(lines, i, "RSA PUBLIC KEY")
		if err != nil {
			return nil, start, err
		}
		i = end + 1
		pub, err := parseLegacyRSAPublicKey(der)
		if err != nil {
			return nil, start, err
		}
		ip.LegacyEncKey = pub

		if i >= len(lines) || strings.TrimSpace(lines[i]) != "enc-key-certification" {
			return nil, start, fmt.Errorf("%w: expected enc-key-certification line", ErrParse)
		}
		i++
		crossBytes, end, err := extractBlock(lines, i, "CROSSCERT")
		if err != nil {
			return nil, start, err
		}
		i = end + 1
		ip.LegacyCrossCert = crossBytes

	default:
		return nil, start, fmt.Errorf("%w: unrecognized enc-key line %q", ErrParse, encLine)
	}

	return ip, i, nil
}

func parseLegacyRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
	}
	// Some certificates wrap the PKCS1 key in a single-field pem block.
	if block, _ := pem.Decode(der); block != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	return nil, fmt.Errorf("%w: could not parse legacy RSA public key", ErrParse)
}

// ParseIntroPoints parses a sequence of introduction-point blocks from
// the innermost decrypted descriptor plaintext. A malformed block is
// dropped; the remaining valid blocks are still returned.
func ParseIntroPoints(text string, blindedKey [32]byte, now time.Time) []IntroPoint {
	lines := strings.Split(text, "\n")
	var out []IntroPoint

	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "introduction-point ") {
			i++
			continue
		}
		blockStart := i
		ip, next, err := parseIntroPointBlock(lines, i, blindedKey, now)
		if err != nil {
			// Drop this block only; resume scanning for the next
			// introduction-point line so one bad block does not sink
			// the rest of the descriptor.
			i = blockStart + 1
			continue
		}
		out = append(out, *ip)
		i = next
	}
	return out
}
