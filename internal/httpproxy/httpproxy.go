// Package httpproxy implements the local HTTP forward-proxy: CONNECT
// tunnelling for HTTPS and arbitrary TCP, plain absolute-URL HTTP
// forwarding, and optional Proxy-Authorization basic auth. Each accepted
// connection is served exactly once; there is no persistent keep-alive.
package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vulpini/proxy/internal/behavior"
	"github.com/vulpini/proxy/internal/metrics"
	"github.com/vulpini/proxy/internal/nodepool"
	"github.com/vulpini/proxy/internal/smartrouter"
	"github.com/vulpini/proxy/internal/trafficanalyzer"
	"github.com/vulpini/proxy/internal/upstream"
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

// Server is an HTTP forward-proxy listener wired into the shared Node
// Pool, Traffic Analyzer, Smart Router, and Behavior Monitor.
type Server struct {
	cfg Config

	pool      *nodepool.Pool
	analyzer  *trafficanalyzer.Analyzer
	router    *smartrouter.Router
	behaviors *behavior.Monitor

	logger *slog.Logger
	sem    chan struct{}

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
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind http proxy listener %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("http proxy server listening", "addr", addr)

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
			s.logger.Info("http proxy accept loop stopped", "error", err)
			return
		}

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			default:
				metrics.ConnectionsRejected.WithLabelValues("http").Inc()
				s.logger.Warn("http proxy connection limit reached, dropping", "remote", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}

		metrics.ConnectionsAccepted.WithLabelValues("http").Inc()
		go func() {
			defer func() {
				if s.sem != nil {
					<-s.sem
				}
				if r := recover(); r != nil {
					s.logger.Error("http proxy connection panic", "remote", conn.RemoteAddr(), "panic", r)
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

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			s.logger.Debug("http proxy read request failed", "remote", peer, "error", err)
		}
		return
	}

	if s.cfg.AuthEnabled && !s.checkAuth(req) {
		writeStatusLine(conn, http.StatusProxyAuthRequired, []string{`Proxy-Authenticate: Basic realm="Vulpini"`})
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(conn, peer, start, req)
		return
	}
	s.handleForward(conn, peer, start, req)
}

func (s *Server) handleConnect(conn net.Conn, peer string, start time.Time, req *http.Request) {
	target := req.Host
	if !hasPort(target) {
		target += ":443"
	}

	node, hasNode := s.selectNode()
	connectStart := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), upstream.ConnectTimeout)
	defer cancel()

	upstreamConn, err := s.dial(ctx, node, hasNode, target)
	if err != nil {
		latency := time.Since(connectStart)
		s.router.RecordResult(target, false, latency)
		if hasNode {
			s.pool.RecordResult(node.Info.Key(), false, latency)
		}
		s.analyzer.RecordRequest(trafficanalyzer.RequestInfo{Timestamp: start, Latency: latency, Protocol: "http", Success: false})

		if ctx.Err() != nil {
			writeStatusLine(conn, http.StatusGatewayTimeout, nil)
		} else {
			writeStatusLine(conn, http.StatusBadGateway, nil)
		}
		s.logger.Info("http proxy CONNECT failed", "target", target, "error", err)
		return
	}
	defer upstreamConn.Close()

	latency := time.Since(connectStart)
	if _, err := fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	s.router.RecordResult(target, true, latency)
	if hasNode {
		s.pool.RecordResult(node.Info.Key(), true, latency)
	}
	s.behaviors.RecordAction(peer, behavior.ActionConnect, latency, target, true)
	s.analyzer.RecordRequest(trafficanalyzer.RequestInfo{Timestamp: start, Latency: latency, Protocol: "http", Success: true})

	bytesIn, bytesOut := tunnel(conn, upstreamConn)
	s.analyzer.RecordBytes(uint64(bytesOut), uint64(bytesIn))
	metrics.ConnectionDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
}

func (s *Server) handleForward(conn net.Conn, peer string, start time.Time, req *http.Request) {
	destination := req.URL.Host
	if destination == "" {
		destination = req.Host
	}
	if destination == "" {
		writeStatusLine(conn, http.StatusBadRequest, nil)
		return
	}
	if !hasPort(destination) {
		destination += ":80"
	}

	node, hasNode := s.selectNode()
	connectStart := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), upstream.ConnectTimeout)
	defer cancel()

	upstreamConn, err := s.dial(ctx, node, hasNode, destination)
	if err != nil {
		latency := time.Since(connectStart)
		s.router.RecordResult(destination, false, latency)
		if hasNode {
			s.pool.RecordResult(node.Info.Key(), false, latency)
		}
		s.analyzer.RecordRequest(trafficanalyzer.RequestInfo{Timestamp: start, Latency: latency, Protocol: "http", Success: false})

		if ctx.Err() != nil {
			writeStatusLine(conn, http.StatusGatewayTimeout, nil)
		} else {
			writeStatusLine(conn, http.StatusBadGateway, nil)
		}
		s.logger.Info("http proxy forward failed", "target", destination, "error", err)
		return
	}
	defer upstreamConn.Close()

	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")
	req.Header.Set("Connection", "close")

	if err := req.Write(upstreamConn); err != nil {
		s.logger.Debug("http proxy write to upstream failed", "target", destination, "error", err)
		return
	}

	latency := time.Since(connectStart)
	s.router.RecordResult(destination, true, latency)
	if hasNode {
		s.pool.RecordResult(node.Info.Key(), true, latency)
	}
	s.behaviors.RecordAction(peer, behavior.ActionRequest, latency, destination, true)

	bytesToClient, _ := io.Copy(conn, upstreamConn)
	s.analyzer.RecordRequest(trafficanalyzer.RequestInfo{Timestamp: start, Latency: latency, Protocol: "http", Success: true})
	s.analyzer.RecordBytes(uint64(bytesToClient), 0)
	metrics.ConnectionDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
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

func (s *Server) dial(ctx context.Context, node nodepool.NodeState, hasNode bool, target string) (net.Conn, error) {
	if hasNode {
		return upstream.Dial(ctx, nodepool.GetProxyEndpoint(node), target)
	}
	return upstream.DialDirect(ctx, target)
}

func (s *Server) checkAuth(req *http.Request) bool {
	auth := req.Header.Get("Proxy-Authorization")
	if !strings.HasPrefix(auth, "Basic ") && !strings.HasPrefix(auth, "basic ") {
		return false
	}
	encoded := auth[len("Basic "):]
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	username := parts[0]
	password := ""
	if len(parts) == 2 {
		password = parts[1]
	}
	return credentialsMatch(s.cfg.Username, s.cfg.Password, username, password)
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

func writeStatusLine(conn net.Conn, code int, extraHeaders []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	for _, h := range extraHeaders {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("Content-Length: 0\r\n\r\n")
	conn.Write([]byte(b.String()))
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}

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
