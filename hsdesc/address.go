package hsdesc

import (
	"encoding/base32"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

const onionAddressVersion = 3

// EncodeOnionAddress renders pubkey as a v3 ".onion" address:
// base32(pubkey || checksum(2) || version(1)) + ".onion", lowercase.
func EncodeOnionAddress(pubkey [32]byte) string {
	checksum := onionChecksum(pubkey)
	buf := make([]byte, 0, 32+2+1)
	buf = append(buf, pubkey[:]...)
	buf = append(buf, checksum[:2]...)
	buf = append(buf, onionAddressVersion)
	return strings.ToLower(base32.StdEncoding.EncodeToString(buf)) + ".onion"
}

// DecodeOnionAddress parses a v3 ".onion" address back into its Ed25519
// identity public key, verifying the embedded checksum and that the
// decoded bytes form a valid curve point.
func DecodeOnionAddress(addr string) ([32]byte, error) {
	var pubkey [32]byte
	addr = strings.ToLower(strings.TrimSuffix(strings.ToLower(addr), ".onion"))
	raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(addr))
	if err != nil {
		return pubkey, fmt.Errorf("%w: base32 decode: %v", ErrParse, err)
	}
	if len(raw) != 35 {
		return pubkey, fmt.Errorf("%w: onion address decodes to %d bytes, want 35", ErrParse, len(raw))
	}
	if raw[34] != onionAddressVersion {
		return pubkey, fmt.Errorf("%w: unsupported onion address version %d", ErrParse, raw[34])
	}
	copy(pubkey[:], raw[:32])
	checksum := onionChecksum(pubkey)
	if checksum[0] != raw[32] || checksum[1] != raw[33] {
		return pubkey, fmt.Errorf("%w: onion address checksum mismatch", ErrParse)
	}
	if _, err := new(edwards25519.Point).SetBytes(pubkey[:]); err != nil {
		return pubkey, fmt.Errorf("%w: not a valid curve point", ErrParse)
	}
	return pubkey, nil
}

// onionChecksum computes SHA3-256(".onion checksum" | pubkey | version)[:2].
func onionChecksum(pubkey [32]byte) [2]byte {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey[:])
	h.Write([]byte{onionAddressVersion})
	sum := h.Sum(nil)
	var out [2]byte
	copy(out[:], sum[:2])
	return out
}
