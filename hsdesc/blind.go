package hsdesc

import (
	"encoding/binary"
	"time"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

const (
	// DefaultTimePeriodMinutes is the length of one blinded-key rotation
	// period: one day.
	DefaultTimePeriodMinutes = 1440
	// rotationOffsetMinutes shifts the period boundary away from UTC
	// midnight, matching the voting schedule the real network uses.
	rotationOffsetMinutes = 12 * 60
)

var blindString = []byte("Derive temporary signing key\x00")

// ed25519Basepoint is the ASCII-decimal-pair representation of the
// Ed25519 basepoint B mandated by rend-spec-v3's blinding construction.
var ed25519Basepoint = []byte("(15112221349535400772501151409588531511454012693041857206046113283949847762202, 46316835694926478169428394003475163141307993866256225615783033603165251855960)")

// TimePeriod returns the blinded-key rotation period number containing t.
func TimePeriod(t time.Time, periodMinutes int64) int64 {
	if periodMinutes <= 0 {
		periodMinutes = DefaultTimePeriodMinutes
	}
	minutesSinceEpoch := t.Unix() / 60
	return (minutesSinceEpoch - rotationOffsetMinutes) / periodMinutes
}

func blindNonce(periodNumber, periodMinutes int64) []byte {
	nonce := make([]byte, 0, len("key-blind")+16)
	nonce = append(nonce, []byte("key-blind")...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(periodNumber))
	nonce = append(nonce, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(periodMinutes))
	nonce = append(nonce, buf[:]...)
	return nonce
}

// BlindPublicKey derives the blinded identity key A' = h*A for the given
// rotation period, per rend-spec-v3 section on key blinding.
func BlindPublicKey(pubkey [32]byte, periodNumber, periodMinutes int64) ([32]byte, error) {
	var blinded [32]byte
	if periodMinutes <= 0 {
		periodMinutes = DefaultTimePeriodMinutes
	}

	h := sha3.New256()
	h.Write(blindString)
	h.Write(pubkey[:])
	h.Write(ed25519Basepoint)
	h.Write(blindNonce(periodNumber, periodMinutes))
	hBytes := h.Sum(nil)

	hScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(hBytes)
	if err != nil {
		return blinded, err
	}
	A, err := new(edwards25519.Point).SetBytes(pubkey[:])
	if err != nil {
		return blinded, err
	}
	Aprime := new(edwards25519.Point).ScalarMult(hScalar, A)
	copy(blinded[:], Aprime.Bytes())
	return blinded, nil
}

// Subcredential derives the per-period secret mixed into every
// descriptor-layer KDF call:
//
//	credential    = SHA3-256("credential"    | identity_pubkey)
//	subcredential = SHA3-256("subcredential" | credential | blinded_pubkey)
func Subcredential(identityPubkey, blindedPubkey [32]byte) [32]byte {
	ch := sha3.New256()
	ch.Write([]byte("credential"))
	ch.Write(identityPubkey[:])
	credential := ch.Sum(nil)

	sh := sha3.New256()
	sh.Write([]byte("subcredential"))
	sh.Write(credential)
	sh.Write(blindedPubkey[:])
	var subcred [32]byte
	copy(subcred[:], sh.Sum(nil))
	return subcred
}
