package hsdesc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/torlayer/router/rng"
	"golang.org/x/crypto/sha3"
)

const (
	layerKeyLen    = 32 // AES-256
	layerIVLen     = 16 // AES-CTR IV
	layerMacKeyLen = 32
	layerSaltLen   = 16
	layerMacLen    = 32 // SHA3-256 output
	layerKDFLen    = layerKeyLen + layerIVLen + layerMacKeyLen
)

// layerKeys derives (encKey, iv, macKey) for one descriptor encryption
// layer via SHAKE256(secretData|subcredential|INT_8(revisionCounter)|salt|stringConstant, 80).
func layerKeys(secretData, subcredential []byte, revisionCounter uint64, salt []byte, stringConstant string) (encKey, iv, macKey []byte) {
	var revBuf [8]byte
	binary.BigEndian.PutUint64(revBuf[:], revisionCounter)

	secretInput := make([]byte, 0, len(secretData)+len(subcredential)+8)
	secretInput = append(secretInput, secretData...)
	secretInput = append(secretInput, subcredential...)
	secretInput = append(secretInput, revBuf[:]...)

	kdfInput := make([]byte, 0, len(secretInput)+len(salt)+len(stringConstant))
	kdfInput = append(kdfInput, secretInput...)
	kdfInput = append(kdfInput, salt...)
	kdfInput = append(kdfInput, []byte(stringConstant)...)

	keys := make([]byte, layerKDFLen)
	shake := sha3.NewShake256()
	shake.Write(kdfInput)
	_, _ = shake.Read(keys)

	return keys[:layerKeyLen], keys[layerKeyLen : layerKeyLen+layerIVLen], keys[layerKeyLen+layerIVLen:]
}

// layerMAC computes D_MAC = SHA3-256(len(macKey)|macKey|len(salt)|salt|ciphertext).
func layerMAC(macKey, salt, ciphertext []byte) []byte {
	h := sha3.New256()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(macKey)))
	h.Write(lenBuf[:])
	h.Write(macKey)
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(salt)))
	h.Write(lenBuf[:])
	h.Write(salt)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// EncryptLayer encrypts plaintext into the wire form salt(16) ‖ ciphertext
// ‖ mac(32), drawing a fresh salt from the strong RNG.
func EncryptLayer(plaintext, secretData, subcredential []byte, revisionCounter uint64, stringConstant string) ([]byte, error) {
	salt := make([]byte, layerSaltLen)
	if err := rng.Strong(salt); err != nil {
		return nil, fmt.Errorf("hsdesc: draw layer salt: %w", err)
	}

	encKey, iv, macKey := layerKeys(secretData, subcredential, revisionCounter, salt, stringConstant)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := layerMAC(macKey, salt, ciphertext)

	out := make([]byte, 0, layerSaltLen+len(ciphertext)+layerMacLen)
	out = append(out, salt...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return out, nil
}

// DecryptLayer reverses EncryptLayer: it verifies the MAC before
// decrypting (MAC-then-decrypt) and returns the recovered plaintext.
func DecryptLayer(encrypted, secretData, subcredential []byte, revisionCounter uint64, stringConstant string) ([]byte, error) {
	if len(encrypted) < layerSaltLen+layerMacLen {
		return nil, fmt.Errorf("%w: encrypted layer too short (%d bytes)", ErrParse, len(encrypted))
	}

	salt := encrypted[:layerSaltLen]
	ciphertext := encrypted[layerSaltLen : len(encrypted)-layerMacLen]
	mac := encrypted[len(encrypted)-layerMacLen:]

	encKey, iv, macKey := layerKeys(secretData, subcredential, revisionCounter, salt, stringConstant)

	expectedMAC := layerMAC(macKey, salt, ciphertext)
	if subtle.ConstantTimeCompare(expectedMAC, mac) != 1 {
		return nil, fmt.Errorf("%w: descriptor layer MAC mismatch", ErrCrypto)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
