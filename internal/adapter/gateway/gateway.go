package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"camgate/internal/domain"
)

const (
	dialTimeout = time.Second
	copyBufSize = 32 * 1024
)

var (
	unavailableBody = "upstream unavailable\n"
	unavailableResp = fmt.Sprintf(
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(unavailableBody), unavailableBody)

	healthBody = "ok\n"
	healthResp = fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(healthBody), healthBody)
)

// Gateway accepts external TCP connections and relays each one to the
// worker endpoint socket. It is a byte-stream proxy: request and response
// bodies are streamed in order without whole-payload buffering.
type Gateway struct {
	addr        string
	socketPath  string
	idleTimeout time.Duration
	logger      domain.Logger

	// Ready gates dialing: when it reports false the client gets the
	// upstream-unavailable response immediately instead of queueing in the
	// endpoint backlog behind a dead pool. Nil means always dial.
	Ready func() bool

	listener net.Listener
	conns    sync.Map // *net.TCPConn -> struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// New creates a gateway that proxies addr to the endpoint at socketPath.
func New(addr, socketPath string, idleTimeout time.Duration, logger domain.Logger) *Gateway {
	return &Gateway{
		addr:        addr,
		socketPath:  socketPath,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Start binds the external listener and begins accepting connections.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.addr, err)
	}
	g.listener = ln
	g.logger.Info("gateway listening", "addr", g.addr, "endpoint", g.socketPath)

	g.wg.Add(1)
	go g.acceptLoop()
	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.closed.Load() {
				return
			}
			g.logger.Error("accept failed", "err", err)
			continue
		}
		g.conns.Store(conn, struct{}{})
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer g.conns.Delete(conn)
			g.handle(conn)
		}()
	}
}

// handle proxies one client connection for its whole lifetime.
func (g *Gateway) handle(client net.Conn) {
	start := time.Now()
	defer client.Close()

	// Peek the request line so /healthz can be answered without a backend.
	_ = client.SetReadDeadline(time.Now().Add(g.idleTimeout))
	br := bufio.NewReaderSize(client, 4096)
	line, err := br.ReadString('\n')
	if err != nil {
		return
	}
	_ = client.SetReadDeadline(time.Time{})

	if isHealthRequest(line) {
		_, _ = client.Write([]byte(healthResp))
		return
	}

	if g.Ready != nil && !g.Ready() {
		g.refuse(client, &domain.UpstreamUnavailableError{Cause: errors.New("no ready worker")})
		return
	}

	backend, err := net.DialTimeout("unix", g.socketPath, dialTimeout)
	if err != nil {
		g.refuse(client, &domain.UpstreamUnavailableError{Cause: err})
		return
	}
	defer backend.Close()

	// Replay the peeked bytes before streaming the rest.
	head := []byte(line)
	if n := br.Buffered(); n > 0 {
		rest, _ := br.Peek(n)
		head = append(head, rest...)
	}
	if _, err := backend.Write(head); err != nil {
		g.refuse(client, &domain.UpstreamUnavailableError{Cause: err})
		return
	}

	in, out, relayErr := g.relay(client, backend)
	in += int64(len(head))

	fields := []any{
		"client", client.RemoteAddr().String(),
		"bytes_in", in,
		"bytes_out", out,
		"duration", time.Since(start),
	}
	if relayErr != nil {
		g.logger.Warn("connection closed with error", append(fields, "err", relayErr)...)
		return
	}
	g.logger.Info("connection closed", fields...)
}

// relay copies bytes both ways until both directions finish or either side
// stalls past the idle timeout. One finished direction half-closes its peer
// so the other direction keeps streaming.
func (g *Gateway) relay(client, backend net.Conn) (in, out int64, err error) {
	var wg sync.WaitGroup
	var inErr, outErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		in, inErr = g.copyHalf(backend, client)
		closeWrite(backend)
	}()
	go func() {
		defer wg.Done()
		out, outErr = g.copyHalf(client, backend)
		closeWrite(client)
	}()
	wg.Wait()

	if inErr != nil {
		return in, out, inErr
	}
	return in, out, outErr
}

// copyHalf relays src to dst, arming the idle deadline before every read.
// A deadline hit tears down both ends via the deferred Closes in handle.
func (g *Gateway) copyHalf(dst, src net.Conn) (int64, error) {
	buf := make([]byte, copyBufSize)
	var total int64
	for {
		_ = src.SetReadDeadline(time.Now().Add(g.idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, nil // peer gone, not a relay failure
			}
		}
		if err != nil {
			if isTimeout(err) {
				src.Close()
				dst.Close()
				return total, fmt.Errorf("idle timeout after %s", g.idleTimeout)
			}
			return total, nil // EOF or close ends this direction cleanly
		}
	}
}

// refuse answers the client with the canned upstream-unavailable response.
func (g *Gateway) refuse(client net.Conn, cause *domain.UpstreamUnavailableError) {
	g.logger.Error("upstream unavailable", "client", client.RemoteAddr().String(), "err", cause.Cause)
	_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = client.Write([]byte(unavailableResp))
}

// Close stops accepting, tears down in-flight connections, and waits for
// the relay goroutines to drain.
func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if g.listener != nil {
		err = g.listener.Close()
	}
	g.conns.Range(func(k, _ any) bool {
		_ = k.(net.Conn).Close()
		return true
	})
	g.wg.Wait()
	g.logger.Info("gateway stopped", "addr", g.addr)
	return err
}

func isHealthRequest(requestLine string) bool {
	fields := strings.Fields(requestLine)
	return len(fields) >= 2 && fields[0] == "GET" &&
		(fields[1] == "/healthz" || strings.HasPrefix(fields[1], "/healthz?"))
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func closeWrite(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
