package hsdesc

// PlaintextPaddingMultiple is the block size descriptor plaintext is
// padded to before encryption, so that descriptor size leaks little about
// the number of introduction points it carries.
const PlaintextPaddingMultiple = 10000

// PadPlaintextLen returns the padded length of a plaintext of length p:
// the smallest multiple of PlaintextPaddingMultiple that is >= p.
func PadPlaintextLen(p int) int {
	if p <= 0 {
		return 0
	}
	return ((p + PlaintextPaddingMultiple - 1) / PlaintextPaddingMultiple) * PlaintextPaddingMultiple
}

// PadPlaintext zero-pads data up to PadPlaintextLen(len(data)).
func PadPlaintext(data []byte) []byte {
	out := make([]byte, PadPlaintextLen(len(data)))
	copy(out, data)
	return out
}
