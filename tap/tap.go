// Package tap implements the legacy circuit-extension key-agreement
// handshake: RSA-1024 OAEP hybrid encryption wrapping a DH-1024 exchange,
// with a SHA-1 stream as the key derivation function. It is bit-compatible
// with older network peers; new code should prefer the ntor handshake.
package tap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"fmt"
	"math/big"

	"github.com/torlayer/router/rng"
)

const (
	// OnionskinChallengeLen is the on-wire size of the client's onion skin.
	OnionskinChallengeLen = 186
	// OnionskinReplyLen is the on-wire size of the relay's reply.
	OnionskinReplyLen = 148

	dhKeyLen        = 128 // DH-1024 values are 128 bytes
	digestLen       = 20  // SHA-1 output
	symKeyLen       = 16  // AES-128 key
	rsaBlockLen     = 128 // RSA-1024 ciphertext block
	dhPart1Len      = 70  // bytes of g^x carried inside the RSA block
	dhPart2Len      = dhKeyLen - dhPart1Len
	rsaPlaintextLen = symKeyLen + dhPart1Len // 86 bytes, the OAEP/SHA-1/1024-bit maximum
)

var (
	// ErrBadHandshake covers malformed input: wrong lengths, undecryptable skins.
	ErrBadHandshake = errors.New("tap: bad handshake")
	// ErrBadDigest means the reply's key-confirmation tag did not match.
	ErrBadDigest = errors.New("tap: digest mismatch")
	// ErrCryptoError covers primitive failures (cipher construction, OAEP).
	ErrCryptoError = errors.New("tap: crypto operation failed")
	// ErrRandomError means entropy could not be obtained.
	ErrRandomError = errors.New("tap: could not generate randomness")
)

// dhPrime is the well-known 1024-bit MODP group ("DH1024" / Oakley Group 2)
// used by the circuit-extension handshake.
var dhPrime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD"+
		"129024E088A67CC74020BBEA63B139B22514A08798E3404"+
		"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C"+
		"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406"+
		"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE"+
		"65381FFFFFFFFFFFFFFFF",
	16,
)

var dhGenerator = big.NewInt(2)

// ClientHandshake holds the ephemeral DH-1024 state for one in-flight
// handshake on the circuit originator's side.
type ClientHandshake struct {
	x  *big.Int // private exponent
	gx *big.Int // public value g^x mod p
}

// NewClientHandshake generates a fresh DH-1024 keypair.
func NewClientHandshake() (*ClientHandshake, error) {
	x, err := randExponent()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomError, err)
	}
	gx := new(big.Int).Exp(dhGenerator, x, dhPrime)
	return &ClientHandshake{x: x, gx: gx}, nil
}

// Close zeroes the ephemeral private exponent. Safe to call more than
// once; call on every exit path that does not reach CompleteHandshake.
func (ch *ClientHandshake) Close() {
	if ch.x != nil {
		ch.x.SetInt64(0)
	}
}

// randExponent draws a DH-1024 private exponent from the strong RNG.
func randExponent() (*big.Int, error) {
	buf := make([]byte, dhKeyLen)
	defer clear(buf)
	if err := rng.Strong(buf); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(buf)
	upper := new(big.Int).Sub(dhPrime, big.NewInt(2))
	x.Mod(x, upper)
	x.Add(x, big.NewInt(1))
	return x, nil
}

// kdf expands k into n bytes as SHA-1(k||0), SHA-1(k||1), ... concatenated.
func kdf(k []byte, n int) []byte {
	out := make([]byte, 0, n+digestLen)
	for i := 0; len(out) < n; i++ {
		h := sha1.New()
		h.Write(k)
		h.Write([]byte{byte(i)})
		out = h.Sum(out)
	}
	return out[:n]
}

// CreateOnionSkin builds the 186-byte onion skin for the relay whose
// RSA-1024 public key is dest. Retain ch to later call CompleteHandshake
// with the relay's reply.
func (ch *ClientHandshake) CreateOnionSkin(dest *rsa.PublicKey) ([]byte, error) {
	gxBytes := make([]byte, dhKeyLen)
	ch.gx.FillBytes(gxBytes)

	symKey := make([]byte, symKeyLen)
	if err := rng.Strong(symKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomError, err)
	}
	defer clear(symKey)

	rsaPlain := make([]byte, 0, rsaPlaintextLen)
	rsaPlain = append(rsaPlain, symKey...)
	rsaPlain = append(rsaPlain, gxBytes[:dhPart1Len]...)
	defer clear(rsaPlain)

	rsaBlock, err := rsa.EncryptOAEP(sha1.New(), rng.Reader(), dest, rsaPlain, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	if len(rsaBlock) != rsaBlockLen {
		return nil, fmt.Errorf("%w: unexpected RSA key size", ErrBadHandshake)
	}

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	stream := cipher.NewCTR(block, make([]byte, aes.BlockSize))
	part2 := make([]byte, dhPart2Len)
	stream.XORKeyStream(part2, gxBytes[dhPart1Len:])

	skin := make([]byte, 0, OnionskinChallengeLen)
	skin = append(skin, rsaBlock...)
	skin = append(skin, part2...)
	if len(skin) != OnionskinChallengeLen {
		return nil, fmt.Errorf("%w: built skin of length %d", ErrCryptoError, len(skin))
	}
	return skin, nil
}

// CompleteHandshake verifies the relay's 148-byte reply and derives
// keyOutLen bytes of session-key material. ch must not be reused
// afterward; CompleteHandshake always zeroes the ephemeral private key
// before returning, on both success and failure.
func (ch *ClientHandshake) CompleteHandshake(reply []byte, keyOutLen int) ([]byte, error) {
	defer ch.Close()

	if len(reply) != OnionskinReplyLen {
		return nil, fmt.Errorf("%w: reply length %d", ErrBadHandshake, len(reply))
	}
	gy := new(big.Int).SetBytes(reply[:dhKeyLen])
	tag := reply[dhKeyLen:]

	shared := new(big.Int).Exp(gy, ch.x, dhPrime)
	kBytes := make([]byte, dhKeyLen)
	shared.FillBytes(kBytes)
	defer clear(kBytes)

	material := kdf(kBytes, digestLen+keyOutLen)
	defer clear(material)

	if !hmac.Equal(material[:digestLen], tag) {
		return nil, ErrBadDigest
	}
	keyOut := make([]byte, keyOutLen)
	copy(keyOut, material[digestLen:])
	return keyOut, nil
}

// ServerHandshake decrypts an onion skin using privKey, retrying with
// prevKey (which may be nil) if decryption under privKey fails — this
// implements key rotation so a relay that has just rotated its onion key
// can still complete handshakes begun against the previous one. It
// returns the 148-byte reply and keyOutLen bytes of session-key material.
func ServerHandshake(skin []byte, privKey, prevKey *rsa.PrivateKey, keyOutLen int) (reply, keyOut []byte, err error) {
	if len(skin) != OnionskinChallengeLen {
		return nil, nil, fmt.Errorf("%w: skin length %d", ErrBadHandshake, len(skin))
	}
	rsaBlock := skin[:rsaBlockLen]
	part2Cipher := skin[rsaBlockLen:]

	var rsaPlain []byte
	for _, k := range []*rsa.PrivateKey{privKey, prevKey} {
		if k == nil {
			continue
		}
		plain, decErr := rsa.DecryptOAEP(sha1.New(), nil, k, rsaBlock, nil)
		if decErr == nil {
			rsaPlain = plain
			break
		}
	}
	if rsaPlain == nil {
		return nil, nil, fmt.Errorf("%w: could not decrypt onion skin with any known key", ErrBadHandshake)
	}
	defer clear(rsaPlain)
	if len(rsaPlain) != rsaPlaintextLen {
		return nil, nil, fmt.Errorf("%w: decrypted onionskin has length %d", ErrBadHandshake, len(rsaPlain))
	}

	symKey := rsaPlain[:symKeyLen]
	gxPart1 := rsaPlain[symKeyLen:]

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	stream := cipher.NewCTR(block, make([]byte, aes.BlockSize))
	gxPart2 := make([]byte, dhPart2Len)
	stream.XORKeyStream(gxPart2, part2Cipher)
	defer clear(gxPart2)

	gxBytes := make([]byte, dhKeyLen)
	copy(gxBytes[:dhPart1Len], gxPart1)
	copy(gxBytes[dhPart1Len:], gxPart2)
	defer clear(gxBytes)
	gx := new(big.Int).SetBytes(gxBytes)

	y, err := randExponent()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRandomError, err)
	}
	defer y.SetInt64(0)
	gy := new(big.Int).Exp(dhGenerator, y, dhPrime)
	gyBytes := make([]byte, dhKeyLen)
	gy.FillBytes(gyBytes)

	shared := new(big.Int).Exp(gx, y, dhPrime)
	kBytes := make([]byte, dhKeyLen)
	shared.FillBytes(kBytes)
	defer clear(kBytes)

	material := kdf(kBytes, digestLen+keyOutLen)
	defer clear(material)

	reply = make([]byte, 0, OnionskinReplyLen)
	reply = append(reply, gyBytes...)
	reply = append(reply, material[:digestLen]...)

	keyOut = make([]byte, keyOutLen)
	copy(keyOut, material[digestLen:])
	return reply, keyOut, nil
}
