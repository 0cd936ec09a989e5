package dns

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"

	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
	"dns-agent/pkg/ratelimit"
)

func startTestServer(t *testing.T, h *Handler) *Server {
	t.Helper()

	srv := NewServer(&config.ServerConfig{
		Host:           "127.0.0.1",
		Port:           0,
		UDPEnabled:     true,
		TCPEnabled:     true,
		TCPIdleTimeout: 2 * time.Second,
	}, h, logging.NewDefault(), nil)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestServer_UDPQuery(t *testing.T) {
	upstream, _ := testUpstream(t, staticAnswer("192.0.2.42", 300))
	srv := startTestServer(t, newTestHandler(t, upstream, nil, nil))

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)

	resp, _, err := client.Exchange(m, srv.UDPAddr().String())
	if err != nil {
		t.Fatalf("UDP exchange failed: %v", err)
	}
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 1 {
		t.Fatalf("resp = rcode %d, %d answers; want NOERROR with 1 answer", resp.Rcode, len(resp.Answer))
	}
	if a := resp.Answer[0].(*dns.A); !a.A.Equal(net.ParseIP("192.0.2.42")) {
		t.Errorf("A = %v, want 192.0.2.42", a.A)
	}
}

func TestServer_TCPQuery(t *testing.T) {
	upstream, _ := testUpstream(t, staticAnswer("192.0.2.43", 300))
	srv := startTestServer(t, newTestHandler(t, upstream, nil, nil))

	client := &dns.Client{Net: "tcp", Timeout: 2 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)

	resp, _, err := client.Exchange(m, srv.TCPAddr().String())
	if err != nil {
		t.Fatalf("TCP exchange failed: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("answers = %d, want 1", len(resp.Answer))
	}
}

func TestServer_RateLimitRefuses(t *testing.T) {
	upstream, _ := testUpstream(t, staticAnswer("192.0.2.44", 300))
	srv := startTestServer(t, newTestHandler(t, upstream, nil, nil))
	srv.Limiter = ratelimit.New(&config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 1,
		Burst:             2,
		Action:            config.RateLimitActionRefuse,
	}, logging.NewDefault())
	defer srv.Limiter.Stop()

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)

	var refused int
	for i := 0; i < 5; i++ {
		resp, _, err := client.Exchange(m, srv.UDPAddr().String())
		if err != nil {
			t.Fatalf("exchange %d failed: %v", i, err)
		}
		if resp.Rcode == dns.RcodeRefused {
			refused++
		}
	}

	if refused != 3 {
		t.Errorf("refused = %d of 5, want 3 past a burst of 2", refused)
	}
}

func TestServer_BlockedEndToEnd(t *testing.T) {
	upstream, hits := testUpstream(t, staticAnswer("192.0.2.1", 300))
	srv := startTestServer(t, newTestHandler(t, upstream,
		[]string{"*.trackerdomain.com"}, nil))

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion("ads.trackerdomain.com.", dns.TypeA)

	resp, _, err := client.Exchange(m, srv.UDPAddr().String())
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %d, want NXDOMAIN", resp.Rcode)
	}
	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, blocked query must stay local", hits.Load())
	}
}

// dualTransportUpstream serves the same handler on UDP and TCP at one
// loopback address.
func dualTransportUpstream(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen UDP: %v", err)
	}
	addr := pc.LocalAddr().String()
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen TCP: %v", err)
	}

	udpSrv := &dns.Server{PacketConn: pc, Handler: handler}
	tcpSrv := &dns.Server{Listener: l, Handler: handler}
	go udpSrv.ActivateAndServe()
	go tcpSrv.ActivateAndServe()
	t.Cleanup(func() {
		_ = udpSrv.Shutdown()
		_ = tcpSrv.Shutdown()
	})

	return addr
}

func TestServer_TruncatedUDPFullTCP(t *testing.T) {
	// 40 A records pack well past the 512 byte plain-UDP limit.
	manyRecords := func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		for i := 0; i < 40; i++ {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.IPv4(192, 0, 2, byte(i+1)),
			})
		}
		if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
			m.Truncate(512)
		}
		_ = w.WriteMsg(m)
	}
	upstream := dualTransportUpstream(t, manyRecords)
	srv := startTestServer(t, newTestHandler(t, upstream, nil, nil))

	m := new(dns.Msg)
	m.SetQuestion("big.example.com.", dns.TypeA)

	udpClient := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := udpClient.Exchange(m, srv.UDPAddr().String())
	if err != nil {
		t.Fatalf("UDP exchange failed: %v", err)
	}
	if !resp.Truncated {
		t.Error("oversized UDP response should carry the TC bit")
	}

	tcpClient := &dns.Client{Net: "tcp", Timeout: 2 * time.Second}
	resp, _, err = tcpClient.Exchange(m, srv.TCPAddr().String())
	if err != nil {
		t.Fatalf("TCP exchange failed: %v", err)
	}
	if resp.Truncated {
		t.Error("TCP response should not be truncated")
	}
	if len(resp.Answer) != 40 {
		t.Errorf("TCP answers = %d, want the full 40", len(resp.Answer))
	}
}

func TestServer_MalformedDroppedSilently(t *testing.T) {
	upstream, _ := testUpstream(t, staticAnswer("192.0.2.1", 300))
	srv := startTestServer(t, newTestHandler(t, upstream, nil, nil))

	conn, err := net.Dial("udp", srv.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 512)
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("got a %d byte response to garbage, want silence", n)
	}

	// The socket must still serve valid queries afterwards.
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion("alive.example.com.", dns.TypeA)
	if _, _, err := client.Exchange(m, srv.UDPAddr().String()); err != nil {
		t.Errorf("valid query after garbage failed: %v", err)
	}
}

func TestServer_Shutdown(t *testing.T) {
	upstream, _ := testUpstream(t, staticAnswer("192.0.2.1", 300))
	h := newTestHandler(t, upstream, nil, nil)

	srv := NewServer(&config.ServerConfig{
		Host:       "127.0.0.1",
		Port:       0,
		UDPEnabled: true,
		TCPEnabled: true,
	}, h, logging.NewDefault(), nil)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	// Second shutdown is a no-op.
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("repeated Shutdown() err = %v, want nil", err)
	}
}

func TestServer_BindFailure(t *testing.T) {
	upstream, _ := testUpstream(t, staticAnswer("192.0.2.1", 300))
	h := newTestHandler(t, upstream, nil, nil)

	first := startTestServer(t, h)

	_, portStr, err := net.SplitHostPort(first.UDPAddr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	second := NewServer(&config.ServerConfig{
		Host:       "127.0.0.1",
		Port:       port,
		UDPEnabled: true,
	}, h, logging.NewDefault(), nil)

	if err := second.Start(context.Background()); err == nil {
		t.Error("binding an occupied port should fail")
		_ = second.Shutdown(context.Background())
	}
}
