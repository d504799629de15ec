package socks

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxConns = 256

// dnsLeakWarnInterval bounds how often the "application is leaking DNS"
// diagnostic is logged per server, independent of connection count.
const dnsLeakWarnInterval = 5 * time.Second

// StreamOpener establishes the data path for a CONNECT request. How the
// bytes actually reach target (direct dial, a multi-hop circuit, an
// introduction/rendezvous path to a hidden service) is not this
// package's concern: the SOCKS layer only turns bytes into a validated
// Request and, once one resolves to CONNECT, hands the target string to
// whatever collaborator the caller wired up.
type StreamOpener func(target string) (io.ReadWriteCloser, error)

// OnionHandler is called when a .onion address is requested. It should
// establish the full onion service connection and return a ReadWriteCloser
// for bidirectional data relay.
type OnionHandler func(onionAddr string, port uint16) (io.ReadWriteCloser, error)

// ServerOptions configures policy the parser and connection handler
// consult while processing a request.
type ServerOptions struct {
	// SafeSocks rejects requests that would leak DNS resolution to the
	// client's local resolver (SOCKS4 literal IPs, SOCKS5 literal IPs
	// with no address-map entry) instead of merely warning about them.
	SafeSocks bool
	// SocksPreferNoAuth, when true and the client offers both NO_AUTH
	// and USER_PASS, selects NO_AUTH instead of USER_PASS.
	SocksPreferNoAuth bool
	// AddressMapped reports whether addr already has an address-map
	// entry, downgrading the DNS-leak warning for literal-IP requests
	// routed through a mapping. A nil func behaves as "never mapped".
	AddressMapped func(addr string) bool
}

func (o ServerOptions) parserOptions() Options {
	return Options{SafeSocks: o.SafeSocks, SocksPreferNoAuth: o.SocksPreferNoAuth}
}

func (o ServerOptions) addressMapped(addr string) bool {
	if o.AddressMapped == nil {
		return false
	}
	return o.AddressMapped(addr)
}

// Server is a SOCKS4/4a/5 proxy server. It owns nothing beyond the
// handshake and the relay loop: opening the actual path to a non-onion
// target is delegated to OpenStream, and .onion targets to OnionHandler.
type Server struct {
	Addr         string
	OpenStream   StreamOpener // Called with "host:port" for each CONNECT request
	OnionHandler OnionHandler // Optional handler for .onion addresses
	Options      ServerOptions
	Logger       *slog.Logger

	ln         net.Listener
	sem        chan struct{}
	leakWarnMu sync.Mutex
	leakWarnAt time.Time
}

// ListenAndServe starts the SOCKS server.
func (s *Server) ListenAndServe() error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("SOCKS server must bind to loopback address, got %s", host)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on the given listener. Unlike ListenAndServe,
// this allows the caller to create the listener first and know the exact
// address before serving begins.
func (s *Server) Serve(ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok && !tcpAddr.IP.IsLoopback() {
		return fmt.Errorf("SOCKS server must bind to loopback address, got %s", tcpAddr.IP)
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("SOCKS server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops the SOCKS server.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Minute))

	req, err := s.readRequest(conn)
	if err != nil {
		s.Logger.Debug("socks handshake failed", "error", err)
		return
	}

	s.Logger.Info("SOCKS request", "version", req.Version, "command", req.Command, "addr", req.Address)

	if err := s.enforceLeakPolicy(req); err != nil {
		s.Logger.Debug("socks request rejected by policy", "error", err)
		s.sendFailure(conn, req, Socks5NotAllowed, Socks4Rejected)
		return
	}

	if req.Command != CommandConnect {
		// RESOLVE / RESOLVE_PTR: the router has no name-resolution path
		// of its own to exercise here; report unsupported rather than
		// silently mis-answering.
		s.sendFailure(conn, req, Socks5CommandNotSupported, Socks4Rejected)
		return
	}

	target := net.JoinHostPort(req.Address, strconv.Itoa(int(req.Port)))

	if strings.HasSuffix(strings.ToLower(req.Address), ".onion") && s.OnionHandler != nil {
		s.handleOnion(conn, req, req.Address, req.Port)
		return
	}

	if s.OpenStream == nil {
		s.Logger.Error("no stream opener configured")
		s.sendFailure(conn, req, Socks5GeneralFailure, Socks4Rejected)
		return
	}

	upstream, err := s.OpenStream(target)
	if err != nil {
		s.Logger.Error("open stream failed", "error", err)
		s.sendFailure(conn, req, Socks5HostUnreachable, Socks4Rejected)
		return
	}
	defer func() { _ = upstream.Close() }()

	s.sendSuccess(conn, req)
	_ = conn.SetDeadline(time.Time{})
	relay(conn, upstream)
}

func (s *Server) handleOnion(conn net.Conn, req *Request, onionAddr string, port uint16) {
	s.Logger.Info("SOCKS .onion request", "addr", onionAddr)

	rwc, err := s.OnionHandler(onionAddr, port)
	if err != nil {
		s.Logger.Error("onion connect failed", "error", err)
		s.sendFailure(conn, req, Socks5HostUnreachable, Socks4Rejected)
		return
	}
	defer func() { _ = rwc.Close() }()

	s.sendSuccess(conn, req)
	_ = conn.SetDeadline(time.Time{})
	relay(conn, rwc)
}

func relay(conn net.Conn, rwc io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(rwc, conn)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, rwc)
	}()
	wg.Wait()
}

// readRequest drives the Parser to completion over conn, writing back
// any intermediate replies (method selection, auth status) as they are
// produced, and returning the fully parsed Request.
func (s *Server) readRequest(conn net.Conn) (*Request, error) {
	p := NewParser(s.Options.parserOptions())
	buf := make([]byte, 0, MaxMessageLen)
	chunk := make([]byte, MaxMessageLen)

	for {
		if len(buf) == 0 {
			n, err := conn.Read(chunk)
			if err != nil {
				return nil, fmt.Errorf("read: %w", err)
			}
			buf = append(buf, chunk[:n]...)
		}

		outcome := p.Next(buf)

		if len(outcome.Reply) > 0 {
			reply := outcome.Reply
			if len(reply) > MaxReplyLen {
				reply = reply[:MaxReplyLen]
			}
			if _, err := conn.Write(reply); err != nil {
				return nil, fmt.Errorf("write reply: %w", err)
			}
		}

		switch {
		case outcome.Err == ErrWantMore:
			n, err := conn.Read(chunk)
			if err != nil {
				return nil, fmt.Errorf("read: %w", err)
			}
			buf = append(buf, chunk[:n]...)
			continue
		case outcome.Err == ErrWrongProtocol:
			return nil, ErrWrongProtocol
		case outcome.Err != nil:
			return nil, outcome.Err
		}

		buf = buf[outcome.Drained:]
		if outcome.Done {
			return p.Request(), nil
		}
	}
}

// enforceLeakPolicy implements the anti-leak rule: SOCKS4 literal IPs
// and SOCKS5 literal-IP requests without an address-map entry warn
// (rate-limited) and, under SafeSocks, are rejected outright.
func (s *Server) enforceLeakPolicy(req *Request) error {
	literal := net.ParseIP(req.Address) != nil
	leaky := (req.Version == Version4 && literal) ||
		(req.Version == Version5 && literal && req.Command != CommandResolvePtr)
	if !leaky || s.Options.addressMapped(req.Address) {
		return nil
	}

	s.warnLeak(req)
	if s.Options.SafeSocks {
		return ErrUnsafeSocks
	}
	return nil
}

func (s *Server) warnLeak(req *Request) {
	s.leakWarnMu.Lock()
	defer s.leakWarnMu.Unlock()
	if time.Since(s.leakWarnAt) < dnsLeakWarnInterval {
		return
	}
	s.leakWarnAt = time.Now()
	s.Logger.Warn("application is giving Tor only an IP address; it may be leaking DNS",
		"version", req.Version, "address", req.Address, "port", req.Port, "safe_socks", s.Options.SafeSocks)
}

func (s *Server) sendSuccess(conn net.Conn, req *Request) {
	s.sendReply(conn, req, Socks5Succeeded, Socks4Granted)
}

func (s *Server) sendFailure(conn net.Conn, req *Request, v5 Socks5Status, v4 Socks4Status) {
	s.sendReply(conn, req, v5, v4)
}

func (s *Server) sendReply(conn net.Conn, req *Request, v5 Socks5Status, v4 Socks4Status) {
	var reply []byte
	if req.Version == Version4 || req.Version == Version4a {
		reply = EncodeSocks4Reply(v4, nil, 0)
	} else {
		reply = EncodeSocks5Reply(v5, nil, 0)
	}
	_, _ = conn.Write(reply)
}
