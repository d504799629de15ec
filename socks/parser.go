package socks

import (
	"encoding/binary"
	"net"
)

// state is the parser's position in the handshake.
type state int

const (
	stateStart state = iota
	stateSocks5Auth
	stateSocks5Request
	stateDone
)

// Options carries the policy knobs the parser consults while deciding
// whether to accept a request.
type Options struct {
	SafeSocks         bool
	SocksPreferNoAuth bool
}

// Parser drives one connection's SOCKS handshake. It is re-entrant:
// call Next with the current head of buffered bytes every time more
// data arrives, act on the returned Outcome, and feed back whatever
// Outcome.Reply says to write before calling Next again.
type Parser struct {
	opts  Options
	state state
	req   Request
}

// NewParser returns a Parser ready to read the first byte of a
// handshake.
func NewParser(opts Options) *Parser {
	return &Parser{opts: opts}
}

// Outcome is the result of one Next call.
type Outcome struct {
	// Drained is how many bytes the caller must drop from the front of
	// its buffer, regardless of Err.
	Drained int
	// WantMore, when Err is ErrWantMore, is the total number of bytes
	// the caller should try to accumulate before calling Next again.
	// It is a hint, not a hard minimum.
	WantMore int
	// Reply, when non-nil, is a protocol message the caller must write
	// back before the connection can proceed (a method-selection or
	// auth-status reply). It is set independently of Done/Err.
	Reply []byte
	// Done reports whether Request() is now a fully populated
	// CONNECT/RESOLVE/RESOLVE_PTR request. Err is nil in this case.
	Done bool
	// Err is ErrWantMore (retry with more data), ErrWrongProtocol,
	// ErrBadRequest, ErrUnsafeSocks, or nil.
	Err error
}

// Request returns the request built so far. Only meaningful once an
// Outcome reports Done.
func (p *Parser) Request() *Request { return &p.req }

// Next consumes as much of data as it can. Callers must not mutate
// data between a want-more Outcome and the next call with more bytes
// appended to the same logical stream.
func (p *Parser) Next(data []byte) Outcome {
	if len(data) > MaxMessageLen {
		data = data[:MaxMessageLen]
	}
	if len(data) < 2 {
		return Outcome{WantMore: 2, Err: ErrWantMore}
	}

	switch p.state {
	case stateStart:
		return p.parseStart(data)
	case stateSocks5Auth:
		return p.parseSocks5Auth(data)
	case stateSocks5Request:
		return p.parseSocks5Request(data)
	default:
		return Outcome{Drained: len(data), Err: ErrBadRequest}
	}
}

func (p *Parser) parseStart(data []byte) Outcome {
	switch data[0] {
	case 4:
		return p.parseSocks4(data)
	case 5:
		return p.parseSocks5Greeting(data)
	case 'G', 'H', 'P', 'C':
		p.req.Reply = []byte(httpProxyNotice)
		return Outcome{Drained: len(data), Reply: p.req.Reply, Err: ErrWrongProtocol}
	default:
		return Outcome{Drained: len(data), Err: ErrBadRequest}
	}
}

// parseSocks4 parses SOCKS4/4a:
// ver(1) cmd(1) port(2be) ip(4be) userid\0 [hostname\0 if ip==0.0.0.x, x!=0]
func (p *Parser) parseSocks4(data []byte) Outcome {
	const fixedLen = 1 + 1 + 2 + 4 // up to and including the IP field
	if len(data) < fixedLen+1 {    // +1: the userid field's minimum NUL terminator
		return Outcome{WantMore: fixedLen + 1, Err: ErrWantMore}
	}

	cmd := Command(data[1])
	if cmd != CommandConnect && cmd != CommandResolve {
		return Outcome{Drained: len(data), Err: ErrBadRequest}
	}

	port := binary.BigEndian.Uint16(data[2:4])
	ip := data[4:8]
	isSocks4a := ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0

	if port == 0 && cmd != CommandResolve {
		return Outcome{Drained: len(data), Err: ErrBadRequest}
	}

	userEnd := indexNUL(data[fixedLen:])
	if userEnd < 0 {
		if len(data) >= MaxMessageLen {
			return Outcome{Drained: len(data), Err: ErrBadRequest}
		}
		return Outcome{WantMore: len(data) + 64, Err: ErrWantMore}
	}
	cursor := fixedLen + userEnd + 1

	if !isSocks4a {
		p.req.Version = Version4
		p.req.Address = net.IP(ip).String()
		p.req.Command = cmd
		p.req.Port = port
		return p.finishSocks4(cursor)
	}

	hostEnd := indexNUL(data[cursor:])
	if hostEnd < 0 {
		if len(data)-cursor > MaxAddrLen {
			return Outcome{Drained: len(data), Err: ErrBadRequest}
		}
		return Outcome{WantMore: len(data) + 64, Err: ErrWantMore}
	}
	host := string(data[cursor : cursor+hostEnd])
	if host == "" || len(host) >= MaxAddrLen {
		return Outcome{Drained: len(data), Err: ErrBadRequest}
	}

	p.req.Version = Version4a
	p.req.Address = host
	p.req.Command = cmd
	p.req.Port = port
	return p.finishSocks4(cursor + hostEnd + 1)
}

func (p *Parser) finishSocks4(drained int) Outcome {
	if p.req.Version == Version4 && p.opts.SafeSocks {
		return Outcome{Drained: drained, Err: ErrUnsafeSocks}
	}
	p.state = stateDone
	return Outcome{Drained: drained, Done: true}
}

// parseSocks5Greeting parses ver(1) nmethods(1) methods[nmethods] and
// picks a method, arming either the auth sub-negotiation state or the
// request state for the next call.
func (p *Parser) parseSocks5Greeting(data []byte) Outcome {
	nMethods := int(data[1])
	total := 2 + nMethods
	if len(data) < total {
		return Outcome{WantMore: total, Err: ErrWantMore}
	}
	if nMethods == 0 {
		return Outcome{Drained: total, Err: ErrBadRequest}
	}

	haveNoAuth, haveUserPass := false, false
	for _, m := range data[2:total] {
		switch m {
		case byte(AuthNone):
			haveNoAuth = true
		case byte(AuthUserPass):
			haveUserPass = true
		}
	}

	p.req.Version = Version5
	switch {
	case haveUserPass && !(haveNoAuth && p.opts.SocksPreferNoAuth):
		p.req.AuthType = AuthUserPass
		p.state = stateSocks5Auth
		return Outcome{Drained: total, Reply: []byte{0x05, byte(AuthUserPass)}}
	case haveNoAuth:
		p.req.AuthType = AuthNone
		p.state = stateSocks5Request
		return Outcome{Drained: total, Reply: []byte{0x05, byte(AuthNone)}}
	default:
		return Outcome{Drained: total, Reply: []byte{0x05, 0xFF}, Err: ErrBadRequest}
	}
}

// parseSocks5Auth parses RFC1929 username/password sub-negotiation:
// ver(1)=1 ulen(1) user[ulen] plen(1) pass[plen]. It always succeeds;
// the router uses these bytes as stream-isolation keys, not real
// credentials to check.
func (p *Parser) parseSocks5Auth(data []byte) Outcome {
	if data[0] != 1 {
		return Outcome{Drained: len(data), Err: ErrBadRequest}
	}
	uLen := int(data[1])
	if len(data) < 2+uLen+1 {
		return Outcome{WantMore: 2 + uLen + 1, Err: ErrWantMore}
	}
	pLen := int(data[2+uLen])
	total := 2 + uLen + 1 + pLen
	if len(data) < total {
		return Outcome{WantMore: total, Err: ErrWantMore}
	}

	if uLen > 0 {
		p.req.Username = string(data[2 : 2+uLen])
		p.req.GotAuth = true
	}
	if pLen > 0 {
		p.req.Password = string(data[2+uLen+1 : total])
		p.req.GotAuth = true
	}

	p.state = stateSocks5Request
	return Outcome{Drained: total, Reply: []byte{0x01, 0x00}}
}

// parseSocks5Request parses ver(1)=5 cmd(1) rsv(1)=0 atyp(1) addr port(2be).
func (p *Parser) parseSocks5Request(data []byte) Outcome {
	const minLen = 4 + 1 + 2 // header + at least 1 addr byte + port
	if len(data) < minLen {
		return Outcome{WantMore: minLen, Err: ErrWantMore}
	}
	if data[0] != 5 {
		return Outcome{Drained: len(data), Err: ErrBadRequest}
	}

	cmd := Command(data[1])
	if cmd != CommandConnect && cmd != CommandResolve && cmd != CommandResolvePtr {
		return Outcome{Drained: len(data), Err: ErrBadRequest}
	}

	switch data[3] {
	case 0x01, 0x04: // IPv4, IPv6
		isV6 := data[3] == 0x04
		addrLen := 4
		if isV6 {
			addrLen = 16
		}
		total := 4 + addrLen + 2
		if len(data) < total {
			return Outcome{WantMore: total, Err: ErrWantMore}
		}
		ip := net.IP(data[4 : 4+addrLen])
		port := binary.BigEndian.Uint16(data[4+addrLen : total])

		p.req.Command = cmd
		p.req.Address = ip.String()
		p.req.Port = port
		p.state = stateDone
		return Outcome{Drained: total, Done: true}

	case 0x03: // domain
		if cmd == CommandResolvePtr {
			return Outcome{Drained: 4, Err: ErrBadRequest}
		}
		domLen := int(data[4])
		total := 5 + domLen + 2
		if len(data) < total {
			return Outcome{WantMore: total, Err: ErrWantMore}
		}
		if domLen+1 > MaxAddrLen {
			return Outcome{Drained: total, Err: ErrBadRequest}
		}
		host := string(data[5 : 5+domLen])
		port := binary.BigEndian.Uint16(data[5+domLen : total])
		p.req.Command = cmd
		p.req.Address = host
		p.req.Port = port
		p.state = stateDone
		return Outcome{Drained: total, Done: true}

	default:
		return Outcome{Drained: 4, Err: ErrBadRequest}
	}
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
