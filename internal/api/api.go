// Package api implements the Observability API: a thin JSON projection of
// the Traffic Analyzer, Node Pool, Anomaly Detector, and Config Manager
// state, plus the PAC-file routes. Handlers stay thin and routing stays on
// net/http's stdlib ServeMux rather than a third-party router, since this
// is a half-dozen static routes with no real routing logic to speak of.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vulpini/proxy/internal/anomaly"
	"github.com/vulpini/proxy/internal/config"
	"github.com/vulpini/proxy/internal/nodepool"
	"github.com/vulpini/proxy/internal/pac"
	"github.com/vulpini/proxy/internal/trafficanalyzer"
)

// Config configures the Observability API's listen address.
type Config struct {
	ListenAddress string
	ListenPort    uint16
}

// Server is the Observability API.
type Server struct {
	cfg Config

	analyzer  *trafficanalyzer.Analyzer
	pool      *nodepool.Pool
	detector  *anomaly.Detector
	configMgr *config.Manager // nil if not yet wired

	logger  *slog.Logger
	httpSrv *http.Server
}

// New creates a Server. Call Start to begin serving.
func New(cfg Config, analyzer *trafficanalyzer.Analyzer, pool *nodepool.Pool, detector *anomaly.Detector, configMgr *config.Manager, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, analyzer: analyzer, pool: pool, detector: detector, configMgr: configMgr, logger: logger}
	s.httpSrv = &http.Server{Handler: s.routes()}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/ips", s.handleIPs)
	mux.HandleFunc("/api/ips/test-all", s.handleTestAll)
	mux.HandleFunc("/api/ips/", s.handleIPByAddr)
	mux.HandleFunc("/api/anomalies", s.handleAnomalies)
	mux.HandleFunc("/api/config/reload", s.handleConfigReload)
	mux.HandleFunc("/pac", s.handlePAC)
	mux.HandleFunc("/proxy.pac", s.handlePAC)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start binds the listener and begins serving in a goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind observability api listener %s: %w", addr, err)
	}
	s.logger.Info("observability api listening", "addr", addr)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability api serve failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the API server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// envelope is the uniform {success, data?, message?, error?} response shape.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "healthy"}})
}

type apiStats struct {
	TotalRequests     uint64  `json:"total_requests"`
	TotalBytesIn      uint64  `json:"total_bytes_in"`
	TotalBytesOut     uint64  `json:"total_bytes_out"`
	ActiveConnections uint32  `json:"active_connections"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	BytesPerSecond    float64 `json:"bytes_per_second"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	ErrorRate         float64 `json:"error_rate"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.analyzer.GetStats()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: apiStats{
		TotalRequests:     stats.TotalRequests,
		TotalBytesIn:      stats.TotalBytesIn,
		TotalBytesOut:     stats.TotalBytesOut,
		ActiveConnections: stats.ActiveConnections,
		RequestsPerSecond: stats.RequestsPerSecond,
		BytesPerSecond:    stats.BytesPerSecond,
		AvgLatencyMs:      stats.AvgLatency.Seconds() * 1000,
		ErrorRate:         stats.ErrorRate,
	}})
}

type apiIP struct {
	Address   string  `json:"address"`
	Port      uint16  `json:"port"`
	Country   string  `json:"country,omitempty"`
	ISP       string  `json:"isp,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
	Status    string  `json:"status"`
}

func toAPIIP(n nodepool.NodeState) apiIP {
	return apiIP{
		Address:   n.Info.Address,
		Port:      n.Info.Port,
		Country:   n.Info.Country,
		ISP:       n.Info.ISP,
		LatencyMs: n.LastLatency.Seconds() * 1000,
		Status:    n.Health.String(),
	}
}

type addIPRequest struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Country string `json:"country,omitempty"`
	ISP     string `json:"isp,omitempty"`
}

// updateIPRequest patches a subset of a node's fields; omitted fields are
// left unchanged (address is immutable and not patchable here).
type updateIPRequest struct {
	Port    *uint16 `json:"port,omitempty"`
	Country *string `json:"country,omitempty"`
	ISP     *string `json:"isp,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

func (s *Server) handleIPs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		nodes := s.pool.GetAllIPs()
		ips := make([]apiIP, 0, len(nodes))
		for _, n := range nodes {
			ips = append(ips, toAPIIP(n))
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
			"ips":   ips,
			"total": len(ips),
		}})
	case http.MethodPost:
		var req addIPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		err := s.pool.AddNode(nodepool.IPInfo{Address: req.Address, Port: req.Port, Country: req.Country, ISP: req.ISP})
		if err != nil {
			writeJSON(w, http.StatusConflict, envelope{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "node added"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIPByAddr(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/ips/")
	if key == "" || key == "test-all" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req updateIPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		patch := nodepool.NodeUpdate{Port: req.Port, Country: req.Country, ISP: req.ISP, Enabled: req.Enabled}
		if err := s.pool.UpdateNode(key, patch); err != nil {
			status := http.StatusNotFound
			if errors.Is(err, nodepool.ErrNodeExists) {
				status = http.StatusConflict
			}
			writeJSON(w, status, envelope{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "node updated"})
	case http.MethodPatch:
		enabled, err := s.pool.ToggleNode(key)
		if err != nil {
			writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]bool{"enabled": enabled}})
	case http.MethodDelete:
		if err := s.pool.RemoveNode(key); err != nil {
			writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: fmt.Sprintf("node %s deleted", key)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type probeResult struct {
	Address   string  `json:"address"`
	LatencyMs float64 `json:"latency_ms"`
	Reachable bool    `json:"reachable"`
}

// handleTestAll TCP-dials every node in the pool and reports observed
// latency, recording the result back into the Node Pool exactly as a
// live request would.
func (s *Server) handleTestAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	nodes := s.pool.GetAllIPs()
	results := make([]probeResult, 0, len(nodes))
	for _, n := range nodes {
		addr := n.Info.Key()
		start := time.Now()
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		latency := time.Since(start)

		results = append(results, probeResult{Address: addr, LatencyMs: latency.Seconds() * 1000, Reachable: err == nil})

		s.pool.RecordResult(addr, err == nil, latency)
		if conn != nil {
			conn.Close()
		}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: results})
}

type apiAnomaly struct {
	ID          string  `json:"id"`
	Timestamp   int64   `json:"timestamp"`
	AnomalyType string  `json:"anomaly_type"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Description string  `json:"description"`
	Severity    string  `json:"severity"`
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	events := s.detector.EventHistory()
	out := make([]apiAnomaly, 0, len(events))
	for _, e := range events {
		out = append(out, apiAnomaly{
			ID:          e.ID,
			Timestamp:   e.Timestamp.Unix(),
			AnomalyType: string(e.Type),
			Value:       e.Value,
			Threshold:   e.Threshold,
			Description: e.Description,
			Severity:    string(e.Severity),
		})
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.configMgr == nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "config manager not available"})
		return
	}
	if err := s.configMgr.ReloadNow(); err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: fmt.Sprintf("failed to reload config: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "configuration reloaded"})
}

func (s *Server) handlePAC(w http.ResponseWriter, r *http.Request) {
	endpoint := "127.0.0.1:1080"
	if nodes := s.pool.GetAllIPs(); len(nodes) > 0 {
		endpoint = nodepool.GetProxyEndpoint(nodes[0]).Host
	}
	w.Header().Set("Content-Type", pac.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(pac.Generate(endpoint)))
}
