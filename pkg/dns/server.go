package dns

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"dns-agent/pkg/codec"
	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
	"dns-agent/pkg/ratelimit"
	"dns-agent/pkg/telemetry"
)

// Server owns the listening sockets. It reads raw messages, runs them
// through the codec and the handler, and writes the encoded responses
// back on the transport they arrived on.
type Server struct {
	cfg     *config.ServerConfig
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics

	// Limiter is optional; when set, clients over budget are refused or
	// dropped before their query reaches the pipeline.
	Limiter *ratelimit.Limiter

	udpConn     *net.UDPConn
	tcpListener net.Listener

	bufPool sync.Pool

	mu      sync.Mutex
	running bool
	closed  chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.ServerConfig, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: metrics,
		closed:  make(chan struct{}),
	}
	s.bufPool.New = func() any {
		buf := make([]byte, codec.MaxUDPSize)
		return &buf
	}
	return s
}

// Start binds the configured listeners and begins serving. A failure to
// bind either socket is returned immediately so the caller can abort
// startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	addr := s.cfg.ListenAddress()

	if s.cfg.UDPEnabled {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("failed to bind UDP %s: %w", addr, err)
		}
		s.udpConn = conn

		s.wg.Add(1)
		go s.serveUDP(ctx, conn)
		s.logger.Info("UDP listener started", "address", conn.LocalAddr())
	}

	if s.cfg.TCPEnabled {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			if s.udpConn != nil {
				_ = s.udpConn.Close()
			}
			return fmt.Errorf("failed to bind TCP %s: %w", addr, err)
		}
		s.tcpListener = listener

		s.wg.Add(1)
		go s.serveTCP(ctx, listener)
		s.logger.Info("TCP listener started", "address", listener.Addr())
	}

	if s.udpConn == nil && s.tcpListener == nil {
		return fmt.Errorf("no transports enabled")
	}

	s.running = true
	return nil
}

// serveUDP reads datagrams and dispatches each on its own goroutine so a
// slow upstream never stalls the read loop.
func (s *Server) serveUDP(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	for {
		bufp := s.bufPool.Get().(*[]byte)
		n, clientAddr, err := conn.ReadFromUDP(*bufp)
		if err != nil {
			s.bufPool.Put(bufp)
			select {
			case <-s.closed:
				return
			default:
			}
			if isTemporary(err) {
				continue
			}
			s.logger.Error("UDP read failed", "error", err)
			return
		}

		s.wg.Add(1)
		go func(bufp *[]byte, n int, clientAddr *net.UDPAddr) {
			defer s.wg.Done()
			defer s.bufPool.Put(bufp)

			resp := s.serveMessage(ctx, (*bufp)[:n], codec.TransportUDP, clientAddr)
			if resp == nil {
				return
			}
			if _, err := conn.WriteToUDP(resp, clientAddr); err != nil {
				s.logger.Debug("UDP write failed", "client", clientAddr, "error", err)
			}
		}(bufp, n, clientAddr)
	}
}

// serveTCP accepts connections and serves each on its own goroutine.
func (s *Server) serveTCP(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if isTemporary(err) {
				continue
			}
			s.logger.Error("TCP accept failed", "error", err)
			return
		}

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			defer func() { _ = conn.Close() }()
			s.serveConn(ctx, conn)
		}(conn)
	}
}

// serveConn handles the length-prefixed message stream on one TCP
// connection. The connection closes after the idle timeout elapses with
// no new request.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	idle := s.cfg.TCPIdleTimeout
	if idle <= 0 {
		idle = 10 * time.Second
	}

	var lenBuf [2]byte
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}

		msgLen := int(binary.BigEndian.Uint16(lenBuf[:]))
		if msgLen == 0 {
			return
		}

		buf := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}

		resp := s.serveMessage(ctx, buf, codec.TransportTCP, conn.RemoteAddr())
		if resp == nil {
			// Malformed over a stream corrupts framing, drop the
			// connection rather than resync.
			return
		}

		out := make([]byte, 2+len(resp))
		binary.BigEndian.PutUint16(out, uint16(len(resp)))
		copy(out[2:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// serveMessage runs one raw message through decode, dispatch, and encode.
// Malformed messages yield nil; they are dropped without a response.
func (s *Server) serveMessage(ctx context.Context, buf []byte, transport codec.Transport, client net.Addr) []byte {
	q, err := codec.Decode(buf, transport, client)
	if err != nil {
		if errors.Is(err, codec.ErrMalformed) {
			if s.metrics != nil {
				s.metrics.MalformedDropped.Add(ctx, 1)
			}
			s.logger.Debug("Dropped malformed message",
				"client", client,
				"transport", transport,
				"error", err)
		}
		return nil
	}

	if !s.Limiter.Allow(clientIPString(client.String())) {
		if s.metrics != nil {
			s.metrics.RateLimitedQueries.Add(ctx, 1)
		}
		if !s.Limiter.Refuse() {
			return nil
		}
		resp, _, err := codec.Encode(s.handler.Synthesizer.Refused(q), q.ResponseSizeLimit())
		if err != nil {
			return nil
		}
		return resp
	}

	msg, _ := s.handler.Handle(ctx, q)

	resp, truncated, err := codec.Encode(msg, q.ResponseSizeLimit())
	if err != nil {
		s.logger.Error("Failed to encode response",
			"domain", q.Name,
			"error", err)
		return nil
	}
	if truncated {
		s.logger.Debug("Response truncated",
			"domain", q.Name,
			"limit", q.ResponseSizeLimit())
	}
	return resp
}

// UDPAddr returns the bound UDP address, nil when UDP is disabled.
func (s *Server) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, nil when TCP is disabled.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// Shutdown closes the listeners and waits for in-flight queries, up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.closed)
	s.mu.Unlock()

	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("DNS server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func isTemporary(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
