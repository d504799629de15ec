// Package socks implements a byte-level SOCKS4/4a/5 request parser and
// the small server that drives it. The parser is re-entrant: every call
// consumes as much of the supplied buffer as it can and reports how
// many bytes to drop and, if it needs more, how many bytes it expects
// to see before being called again.
package socks

import (
	"errors"
	"fmt"
)

// MaxMessageLen bounds the amount of header state the parser will ever
// ask a caller to buffer for one request. It is generous relative to
// the longest possible SOCKS4/4a/5 handshake message.
const MaxMessageLen = 512

// MaxAddrLen bounds a parsed address, including the trailing NUL that
// SOCKS4 userid/hostname fields imply and the length byte that SOCKS5
// domain names carry.
const MaxAddrLen = 256

// MaxReplyLen bounds the reply buffer populated on certain failures
// (the "not an HTTP proxy" diagnostic is the longest reply emitted).
const MaxReplyLen = 1024

// Command identifies what the client is asking the proxy to do.
type Command uint8

const (
	CommandConnect    Command = 0x01
	CommandResolve    Command = 0xF0
	CommandResolvePtr Command = 0xF1
)

func (c Command) String() string {
	switch c {
	case CommandConnect:
		return "CONNECT"
	case CommandResolve:
		return "RESOLVE"
	case CommandResolvePtr:
		return "RESOLVE_PTR"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint8(c))
	}
}

// AuthType records which SOCKS5 authentication method was negotiated.
type AuthType uint8

const (
	AuthNone     AuthType = 0x00
	AuthUserPass AuthType = 0x02
)

// Version identifies which SOCKS dialect produced a Request.
type Version uint8

const (
	Version4  Version = 4  // SOCKS4: literal IPv4 destination
	Version4a Version = 40 // SOCKS4a: destination carries an embedded hostname
	Version5  Version = 5
)

func (v Version) String() string {
	switch v {
	case Version4:
		return "socks4"
	case Version4a:
		return "socks4a"
	case Version5:
		return "socks5"
	default:
		return fmt.Sprintf("Version(%d)", uint8(v))
	}
}

// Request is the fully parsed result of one SOCKS handshake.
type Request struct {
	Version  Version
	Command  Command
	AuthType AuthType
	Address  string // host, or dotted IPv4/canonical IPv6 literal; never exceeds MaxAddrLen-1
	Port     uint16
	Username string
	Password string
	GotAuth  bool

	// Reply holds bytes the caller should write back to the client
	// before closing the connection, populated on certain rejections
	// (e.g. the "not an HTTP proxy" diagnostic) where the protocol
	// itself demands a reply distinct from the EncodeSocks4Reply and
	// EncodeSocks5Reply status replies.
	Reply []byte
}

var (
	// ErrWantMore means the buffer holds a valid-so-far prefix but not
	// a complete message yet.
	ErrWantMore = errors.New("socks: incomplete request")
	// ErrWrongProtocol means the first byte looks like an HTTP request
	// line, not a SOCKS version byte.
	ErrWrongProtocol = errors.New("socks: not a SOCKS request (looks like HTTP)")
	// ErrBadRequest covers any other malformed input.
	ErrBadRequest = errors.New("socks: malformed request")
	// ErrUnsafeSocks is returned when SafeSocks policy rejects a
	// request that would otherwise leak DNS resolution to the client's
	// local resolver.
	ErrUnsafeSocks = errors.New("socks: rejected by safe-socks policy")
)

// httpProxyNotice is written back verbatim when a client that thinks
// it is talking HTTP connects to the SOCKS port.
const httpProxyNotice = "HTTP/1.0 501 Tor is not an HTTP Proxy\r\n" +
	"Content-Type: text/html; charset=iso-8859-1\r\n\r\n" +
	"<html><body>This is a SOCKS proxy, not an HTTP proxy.</body></html>\n"
