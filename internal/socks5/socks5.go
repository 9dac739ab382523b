// Package socks5 implements a RFC 1928/1929 SOCKS5 CONNECT-only proxy
// server: greeting, optional username/password subnegotiation, the CONNECT
// request, an upstream dial (direct or nested through a Node Pool member),
// and bidirectional tunneling.
package socks5

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/vulpini/proxy/internal/behavior"
	"github.com/vulpini/proxy/internal/metrics"
	"github.com/vulpini/proxy/internal/nodepool"
	"github.com/vulpini/proxy/internal/smartrouter"
	"github.com/vulpini/proxy/internal/trafficanalyzer"
	"github.com/vulpini/proxy/internal/upstream"
)

const (
	version5      = 0x05
	greetingCap   = 262
	cmdConnect    = 0x01
	methodNoAuth  = 0x00
	methodUserPw  = 0x02
	methodNoneOK  = 0xFF
	atypIPv4      = 0x01
	atypDomain    = 0x03
	atypIPv6      = 0x04
	repSuccess    = 0x00
	repGeneral    = 0x01
	repHostUnreach = 0x04
	repConnRefused = 0x05
	repCmdNotSup   = 0x07
	repATYPNotSup  = 0x08
)

// Config configures a Server.
type Config struct {
	ListenAddress  string
	ListenPort     uint16
	AuthEnabled    bool
	Username       string
	Password       string
	MaxConnections uint32 // 0 = unbounded
}

// Server is a SOCKS5 listener wired into the shared Node Pool, Traffic
// Analyzer, Smart Router, and Behavior Monitor.
type Server struct {
	cfg Config

	pool      *nodepool.Pool
	analyzer  *trafficanalyzer.Analyzer
	router    *smartrouter.Router
	behaviors *behavior.Monitor

	logger *slog.Logger
	sem    chan struct{} // counting semaphore; nil means unbounded

	listener net.Listener
}

// New creates a Server. Call Start to begin accepting connections.
func New(cfg Config, pool *nodepool.Pool, analyzer *trafficanalyzer.Analyzer, router *smartrouter.Router, behaviors *behavior.Monitor, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, pool: pool, analyzer: analyzer, router: router, behaviors: behaviors, logger: logger}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Start binds the listener and begins the accept loop in a goroutine.
// Stop tears the listener down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind socks5 listener %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("socks5 server listening", "addr", addr)

	go s.acceptLoop()
	return nil
}

// Stop closes the listener, ending the accept loop.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.logger.Info("socks5 accept loop stopped", "error", err)
			return
		}

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			default:
				metrics.ConnectionsRejected.WithLabelValues("socks5").Inc()
				s.logger.Warn("socks5 connection limit reached, dropping", "remote", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}

		metrics.ConnectionsAccepted.WithLabelValues("socks5").Inc()
		go func() {
			defer func() {
				if s.sem != nil {
					<-s.sem
				}
				if r := recover(); r != nil {
					s.logger.Error("socks5 connection panic", "remote", conn.RemoteAddr(), "panic", r)
				}
			}()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	start := time.Now()
	peer := conn.RemoteAddr().String()

	if err := s.serve(conn, peer, start); err != nil {
		s.logger.Debug("socks5 connection ended", "remote", peer, "error", err)
	}
}

func (s *Server) serve(conn net.Conn, peer string, start time.Time) error {
	buf := make([]byte, greetingCap)

	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if n < 3 || buf[0] != version5 {
		return nil
	}

	if err := s.negotiateAuth(conn, buf, n); err != nil {
		return err
	}

	n, err = conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read connect request: %w", err)
	}
	if n < 4 || buf[0] != version5 {
		return nil
	}
	if buf[1] != cmdConnect {
		conn.Write(reply(repCmdNotSup))
		return nil
	}

	targetAddr, targetPort, ok := parseTarget(buf, n)
	if !ok {
		if n >= 4 && buf[3] != atypIPv4 && buf[3] != atypDomain && buf[3] != atypIPv6 {
			conn.Write(reply(repATYPNotSup))
		}
		return nil
	}
	target := fmt.Sprintf("%s:%d", targetAddr, targetPort)

	node, hasNode := s.selectNode()

	connectStart := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), upstream.ConnectTimeout)
	defer cancel()

	var upstreamConn net.Conn
	if hasNode {
		upstreamConn, err = upstream.Dial(ctx, nodepool.GetProxyEndpoint(node), target)
	} else {
		upstreamConn, err = upstream.DialDirect(ctx, target)
	}

	if err != nil {
		latency := time.Since(connectStart)
		var rep byte
		switch {
		case hasNode:
			rep = repGeneral
		case ctx.Err() != nil:
			rep = repHostUnreach
			latency = upstream.ConnectTimeout
		default:
			rep = repConnRefused
		}
		conn.Write(reply(rep))
		s.logger.Info("socks5 upstream connect failed", "target", target, "error", err)

		s.analyzer.RecordRequest(trafficanalyzer.RequestInfo{
			Timestamp: start, Size: uint64(n), Latency: latency, Protocol: "socks5", Success: false,
		})
		s.router.RecordResult(target, false, latency)
		if hasNode {
			s.pool.RecordResult(node.Info.Key(), false, latency)
		}
		return nil
	}
	defer upstreamConn.Close()

	connectLatency := time.Since(connectStart)
	if _, err := conn.Write(reply(repSuccess)); err != nil {
		return fmt.Errorf("write success reply: %w", err)
	}

	s.router.RecordResult(target, true, connectLatency)
	if hasNode {
		s.pool.RecordResult(node.Info.Key(), true, connectLatency)
	}
	s.behaviors.RecordAction(peer, behavior.ActionConnect, connectLatency, target, true)
	s.analyzer.RecordRequest(trafficanalyzer.RequestInfo{
		Timestamp: start, Size: uint64(n), Latency: connectLatency, Protocol: "socks5", Success: true,
	})

	bytesIn, bytesOut := tunnel(conn, upstreamConn)
	s.analyzer.RecordBytes(uint64(bytesOut), uint64(bytesIn))
	metrics.ConnectionDuration.WithLabelValues("socks5").Observe(time.Since(start).Seconds())
	return nil
}

func (s *Server) selectNode() (nodepool.NodeState, bool) {
	if s.pool == nil {
		return nodepool.NodeState{}, false
	}
	node, err := s.pool.SelectIP()
	if err != nil {
		return nodepool.NodeState{}, false
	}
	return node, true
}

func (s *Server) negotiateAuth(conn net.Conn, buf []byte, n int) error {
	if !s.cfg.AuthEnabled {
		_, err := conn.Write([]byte{version5, methodNoAuth})
		return err
	}

	methodCount := int(buf[1])
	supportsUserPass := false
	for i := 0; i < methodCount; i++ {
		if 2+i < n && buf[2+i] == methodUserPw {
			supportsUserPass = true
			break
		}
	}
	if !supportsUserPass {
		conn.Write([]byte{version5, methodNoneOK})
		return fmt.Errorf("client does not support username/password auth")
	}

	if _, err := conn.Write([]byte{version5, methodUserPw}); err != nil {
		return err
	}

	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read auth subnegotiation: %w", err)
	}
	if n < 3 || buf[0] != 0x01 {
		conn.Write([]byte{0x01, 0x01})
		return fmt.Errorf("malformed auth subnegotiation")
	}

	ulen := int(buf[1])
	if 2+ulen+1 > n {
		conn.Write([]byte{0x01, 0x01})
		return fmt.Errorf("truncated username")
	}
	plen := int(buf[2+ulen])
	if 3+ulen+plen > n {
		conn.Write([]byte{0x01, 0x01})
		return fmt.Errorf("truncated password")
	}

	username := string(buf[2 : 2+ulen])
	password := string(buf[3+ulen : 3+ulen+plen])

	if !credentialsMatch(s.cfg.Username, s.cfg.Password, username, password) {
		conn.Write([]byte{0x01, 0x01})
		return fmt.Errorf("auth failed for user %q", username)
	}
	_, err = conn.Write([]byte{0x01, 0x00})
	return err
}

func credentialsMatch(expectedUser, expectedPass, user, pass string) bool {
	switch {
	case expectedUser != "" && expectedPass != "":
		return user == expectedUser && pass == expectedPass
	case expectedUser != "":
		return user == expectedUser
	case expectedPass != "":
		return pass == expectedPass
	default:
		return true
	}
}

func parseTarget(buf []byte, n int) (string, uint16, bool) {
	if n < 4 {
		return "", 0, false
	}
	switch buf[3] {
	case atypIPv4:
		if n < 10 {
			return "", 0, false
		}
		addr := net.IPv4(buf[4], buf[5], buf[6], buf[7]).String()
		port := uint16(buf[8])<<8 | uint16(buf[9])
		return addr, port, true
	case atypDomain:
		if n < 5 {
			return "", 0, false
		}
		domainLen := int(buf[4])
		if n < 5+domainLen+2 {
			return "", 0, false
		}
		addr := string(buf[5 : 5+domainLen])
		port := uint16(buf[5+domainLen])<<8 | uint16(buf[6+domainLen])
		return addr, port, true
	case atypIPv6:
		if n < 22 {
			return "", 0, false
		}
		ip := net.IP(buf[4:20])
		port := uint16(buf[20])<<8 | uint16(buf[21])
		return "[" + ip.String() + "]", port, true
	default:
		return "", 0, false
	}
}

// reply builds a minimal 10-byte SOCKS5 CONNECT reply with a zeroed IPv4
// bound address, matching the original fixed-size reply exactly.
func reply(rep byte) []byte {
	return []byte{version5, rep, 0x00, atypIPv4, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
}

// tunnel copies bytes bidirectionally between the client and upstream
// connections until either side closes, half-closing the write side of
// each TCP connection as its read side reaches EOF. Returns the number of
// bytes copied client→upstream and upstream→client respectively.
func tunnel(client, upstreamConn net.Conn) (clientToUpstream, upstreamToClient int64) {
	done := make(chan struct{}, 2)

	go func() {
		n, _ := io.Copy(upstreamConn, client)
		clientToUpstream = n
		closeWrite(upstreamConn)
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(client, upstreamConn)
		upstreamToClient = n
		closeWrite(client)
		done <- struct{}{}
	}()

	<-done
	<-done
	return clientToUpstream, upstreamToClient
}

func closeWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}
