package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/torlayer/router/hsdesc"
	"github.com/torlayer/router/kist"
	"github.com/torlayer/router/socks"
	"github.com/torlayer/router/tap"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== torlayer router %s ===\n", Version)
	fmt.Println()

	fmt.Println("Running legacy TAP handshake self-test...")
	runTAPDemo(logger)

	fmt.Println("\nBuilding and verifying a hidden-service descriptor...")
	onionAddr, identity := runDescriptorDemo(logger)
	fmt.Printf("  Service address: %s\n", onionAddr)

	fmt.Println("\nExercising the KIST scheduler against real sockets...")
	runSchedulerDemo(logger)

	runSOCKSProxy(identity, logger)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("router-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// runTAPDemo exercises the legacy circuit-extension handshake end to
// end against a freshly generated relay key, the way a real client
// would when extending a circuit to a relay that only advertises a TAP
// onion key.
func runTAPDemo(logger *slog.Logger) {
	relayKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		logger.Error("tap demo: generate relay key", "error", err)
		os.Exit(1)
	}

	client, err := tap.NewClientHandshake()
	if err != nil {
		logger.Error("tap demo: NewClientHandshake", "error", err)
		os.Exit(1)
	}

	skin, err := client.CreateOnionSkin(&relayKey.PublicKey)
	if err != nil {
		logger.Error("tap demo: CreateOnionSkin", "error", err)
		os.Exit(1)
	}

	const keyOutLen = 72 // KDF-TOR output for Df/Db/Kf/Kb
	reply, serverKeys, err := tap.ServerHandshake(skin, relayKey, nil, keyOutLen)
	if err != nil {
		logger.Error("tap demo: ServerHandshake", "error", err)
		os.Exit(1)
	}

	clientKeys, err := client.CompleteHandshake(reply, keyOutLen)
	if err != nil {
		logger.Error("tap demo: CompleteHandshake", "error", err)
		os.Exit(1)
	}

	if string(clientKeys) != string(serverKeys) {
		logger.Error("tap demo: client and server derived different key material")
		os.Exit(1)
	}
	fmt.Println("  Handshake verified, client and relay agree on session keys")
}

// runDescriptorDemo builds a signed version-3 descriptor for a demo
// hidden service, decodes it back, and returns the service's onion
// address and identity public key so runSOCKSProxy can route requests
// for it.
func runDescriptorDemo(logger *slog.Logger) (string, [32]byte) {
	identityPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		logger.Error("descriptor demo: generate identity key", "error", err)
		os.Exit(1)
	}
	var identity [32]byte
	copy(identity[:], identityPub)
	onionAddr := hsdesc.EncodeOnionAddress(identity)

	period := hsdesc.TimePeriod(time.Now(), hsdesc.DefaultTimePeriodMinutes)
	if _, err := hsdesc.BlindPublicKey(identity, period, hsdesc.DefaultTimePeriodMinutes); err != nil {
		logger.Error("descriptor demo: BlindPublicKey", "error", err)
		os.Exit(1)
	}

	// hsdesc does not derive the blinded *private* scalar from an
	// ed25519.PrivateKey, so this demo generates a standalone keypair to
	// stand in for the current rotation period's blinded key, exactly as
	// the package's own descriptor round-trip tests do.
	periodPub, periodPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		logger.Error("descriptor demo: generate period key", "error", err)
		os.Exit(1)
	}
	var blinded [32]byte
	copy(blinded[:], periodPub)
	subcred := hsdesc.Subcredential(identity, blinded)

	signingPub, signingPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		logger.Error("descriptor demo: generate signing key", "error", err)
		os.Exit(1)
	}
	var signingKeyBytes [32]byte
	copy(signingKeyBytes[:], signingPub)

	cert := hsdesc.NewSigningKeyCert(hsdesc.CertTypeSigningHS, time.Now().Add(24*time.Hour), 1, signingKeyBytes, blinded)
	if err := cert.Sign(periodPriv); err != nil {
		logger.Error("descriptor demo: sign cert", "error", err)
		os.Exit(1)
	}

	d := &hsdesc.Descriptor{
		Version:         3,
		LifetimeMinutes: 180,
		SigningKeyCert:  cert,
		RevisionCounter: 1,
		CreateFormats:   []uint16{2},
	}

	raw, err := hsdesc.Encode(d, signingPriv, blinded, subcred)
	if err != nil {
		logger.Error("descriptor demo: Encode", "error", err)
		os.Exit(1)
	}

	decoded, err := hsdesc.Decode(raw, blinded, subcred, time.Now())
	if err != nil {
		logger.Error("descriptor demo: Decode", "error", err)
		os.Exit(1)
	}
	if decoded.RevisionCounter != d.RevisionCounter {
		logger.Error("descriptor demo: revision counter mismatch after round trip")
		os.Exit(1)
	}
	fmt.Printf("  Descriptor encoded (%d bytes), decoded, and signature verified\n", len(raw))

	return onionAddr, identity
}

const demoCellPayload = 514 // matches the fixed-size cell the scheduler accounts for

// socketChannel is a kist.Channel backed by a real TCP socket, used to
// demonstrate the scheduler against a genuine kernel congestion window
// instead of a fake Prober.
type socketChannel struct {
	id       uint64
	priority int64
	conn     *net.TCPConn
	fd       int

	mu      sync.Mutex
	pending int
	outbuf  []byte
	written int
}

func (c *socketChannel) ID() uint64      { return c.id }
func (c *socketChannel) Priority() int64 { return c.priority }
func (c *socketChannel) FD() int         { return c.fd }

func (c *socketChannel) HasQueuedCells() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

func (c *socketChannel) FlushOneCellToOutbuf() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 {
		return false
	}
	c.pending--
	c.outbuf = append(c.outbuf, make([]byte, demoCellPayload)...)
	return true
}

func (c *socketChannel) OutbufLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbuf)
}

func (c *socketChannel) FlushOutbufToKernel() error {
	c.mu.Lock()
	buf := c.outbuf
	c.outbuf = nil
	c.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}
	n, err := c.conn.Write(buf)
	c.mu.Lock()
	c.written += n
	c.mu.Unlock()
	return err
}

func socketFD(conn *net.TCPConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(p uintptr) { fd = int(p) })
	return fd
}

// loopbackPair returns two ends of a real TCP connection on localhost,
// so socketChannel has an actual kernel socket to probe and write to.
func loopbackPair() (client, server *net.TCPConn, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = ln.Close() }()

	acceptErr := make(chan error, 1)
	var serverConn net.Conn
	go func() {
		c, err := ln.Accept()
		serverConn = c
		acceptErr <- err
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	if err := <-acceptErr; err != nil {
		_ = clientConn.Close()
		return nil, nil, err
	}
	return clientConn.(*net.TCPConn), serverConn.(*net.TCPConn), nil
}

// runSchedulerDemo drives a few ticks of the KIST scheduler across two
// channels of differing priority, writing real bytes over loopback
// sockets. This has no natural home inside the SOCKS proxy path below
// (the circuit manager that would own a live scheduler is an external
// collaborator), so it runs once at startup as a self-test.
func runSchedulerDemo(logger *slog.Logger) {
	highClient, highServer, err := loopbackPair()
	if err != nil {
		logger.Error("scheduler demo: loopback pair", "error", err)
		return
	}
	defer func() { _ = highClient.Close(); _ = highServer.Close() }()

	lowClient, lowServer, err := loopbackPair()
	if err != nil {
		logger.Error("scheduler demo: loopback pair", "error", err)
		return
	}
	defer func() { _ = lowClient.Close(); _ = lowServer.Close() }()

	go func() { _, _ = io.Copy(io.Discard, highServer) }()
	go func() { _, _ = io.Copy(io.Discard, lowServer) }()

	high := &socketChannel{id: 1, priority: 10, conn: highClient, fd: socketFD(highClient), pending: 20}
	low := &socketChannel{id: 2, priority: 1, conn: lowClient, fd: socketFD(lowClient), pending: 20}

	sched := kist.NewScheduler(kist.Options{RunInterval: time.Millisecond, Logger: logger}, kist.NewKernelProber())
	sched.MarkPending(high)
	sched.MarkPending(low)

	for i := 0; i < 25 && (high.HasQueuedCells() || low.HasQueuedCells()); i++ {
		sched.Run()
		time.Sleep(time.Millisecond)
	}
	sched.FreeAll()

	fmt.Printf("  Scheduler wrote %d bytes on the high-priority channel, %d on the low-priority one\n", high.written, low.written)
}

// runSOCKSProxy starts the SOCKS4/4a/5 proxy. OpenStream dials the
// target directly: routing a CONNECT request through a multi-hop
// circuit is the job of the circuit manager, an external collaborator
// this router does not implement. demoOnionAddr lets the proxy answer
// requests for exactly one hidden service, the one built in
// runDescriptorDemo, by decoding the requested address and dialing a
// local stand-in backend.
func runSOCKSProxy(demoOnionAddr [32]byte, logger *slog.Logger) {
	socksAddr := "127.0.0.1:9050"
	fmt.Printf("\nStarting SOCKS5 proxy on %s...\n", socksAddr)

	backend, err := startDemoHiddenServiceBackend()
	if err != nil {
		logger.Error("start demo hidden-service backend", "error", err)
		os.Exit(1)
	}
	defer func() { _ = backend.Close() }()

	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		OpenStream: func(target string) (io.ReadWriteCloser, error) {
			conn, err := net.DialTimeout("tcp", target, 30*time.Second)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		OnionHandler: func(onionAddr string, port uint16) (io.ReadWriteCloser, error) {
			requested, err := hsdesc.DecodeOnionAddress(onionAddr)
			if err != nil {
				return nil, fmt.Errorf("malformed onion address: %w", err)
			}
			if requested != demoOnionAddr {
				return nil, fmt.Errorf("no known path to %s", onionAddr)
			}
			return net.DialTimeout("tcp", backend.Addr().String(), 5*time.Second)
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
	}()

	demoAddr := hsdesc.EncodeOnionAddress(demoOnionAddr)
	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.com")
	fmt.Printf("Demo hidden service reachable at: curl --socks5-hostname 127.0.0.1:9050 http://%s\n", demoAddr)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS5 server error: %v\n", err)
	}
}

// startDemoHiddenServiceBackend runs the plaintext HTTP-ish stand-in
// that OnionHandler dials into for the one hidden service this demo
// knows about. A real deployment would reach an introduction and
// rendezvous circuit instead; that path is out of scope here.
func startDemoHiddenServiceBackend() (net.Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = c.Write([]byte("HTTP/1.0 200 OK\r\nContent-Length: 13\r\n\r\nhello, onion\n"))
			}(conn)
		}
	}()
	return ln, nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
