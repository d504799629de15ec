// Package hsdesc implements the version-3 hidden-service descriptor: a
// signed, two-layer-encrypted document publishing a hidden service's
// introduction points. It covers encode, decode, certificate handling,
// link specifiers, and the blinded-key/subcredential derivation the
// encryption depends on.
package hsdesc

import "errors"

// Error taxonomy. Decode failures are distinguished so callers can tell a
// malformed envelope from a failed cryptographic check.
var (
	// ErrParse marks malformed input: bad lengths, bad tokens, truncation.
	ErrParse = errors.New("hsdesc: parse error")
	// ErrCrypto marks a failed signature or MAC verification.
	ErrCrypto = errors.New("hsdesc: cryptographic verification failed")
	// ErrBadLinkSpec marks an unrecognized link specifier type.
	ErrBadLinkSpec = errors.New("hsdesc: unrecognized link specifier type")
)
