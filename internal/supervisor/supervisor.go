// Package supervisor wires every component together — Node Pool, Traffic
// Analyzer, Smart Router, Behavior Monitor, Anomaly Detector, the SOCKS5
// and HTTP proxy listeners, and the Observability API — and owns the
// periodic background tasks: node health probing, anomaly checking, and
// stale-session cleanup.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vulpini/proxy/internal/anomaly"
	"github.com/vulpini/proxy/internal/api"
	"github.com/vulpini/proxy/internal/behavior"
	"github.com/vulpini/proxy/internal/config"
	"github.com/vulpini/proxy/internal/httpproxy"
	"github.com/vulpini/proxy/internal/nodepool"
	"github.com/vulpini/proxy/internal/smartrouter"
	"github.com/vulpini/proxy/internal/socks5"
	"github.com/vulpini/proxy/internal/trafficanalyzer"
	"github.com/vulpini/proxy/internal/upstream"
)

// sessionSweepInterval is how often stale Behavior Monitor sessions are
// finalized, matching the original's fixed 60s sweep.
const sessionSweepInterval = 60 * time.Second

// sessionIdleTimeout bounds how long a Behavior Monitor session may sit
// idle before the sweep finalizes it into a pattern.
const sessionIdleTimeout = 30 * time.Minute

// Supervisor owns every long-lived component and background task.
type Supervisor struct {
	cfgMgr *config.Manager
	logger *slog.Logger

	pool      *nodepool.Pool
	analyzer  *trafficanalyzer.Analyzer
	router    *smartrouter.Router
	behaviors *behavior.Monitor
	detector  *anomaly.Detector

	socks5Srv *socks5.Server
	httpSrv   *httpproxy.Server
	apiSrv    *api.Server

	stop chan struct{}
}

// New builds every component from the Manager's current configuration.
func New(cfgMgr *config.Manager, logger *slog.Logger) *Supervisor {
	cfg := cfgMgr.Current()

	s := &Supervisor{
		cfgMgr:    cfgMgr,
		logger:    logger,
		pool:      nodepool.New(nodepool.ParseStrategy(cfg.IPPool.Strategy), logger),
		analyzer:  trafficanalyzer.New(60 * time.Second),
		router:    smartrouter.New(routingConfig(cfg)),
		behaviors: behavior.New(sessionIdleTimeout),
		detector:  anomaly.New(anomalyConfig(cfg), logger),
		stop:      make(chan struct{}),
	}

	for _, ip := range cfg.IPPool.IPs {
		info := nodepool.IPInfo{Address: ip.Address, Port: ip.Port, Country: ip.Country, ISP: ip.ISP}
		if err := s.pool.AddNode(info); err != nil {
			logger.Warn("seed node skipped", "address", info.Key(), "error", err)
		}
	}

	if cfg.SOCKS5.Enabled {
		s.socks5Srv = socks5.New(socks5Config(cfg), s.pool, s.analyzer, s.router, s.behaviors, logger)
	}
	if cfg.HTTPProxy.Enabled {
		s.httpSrv = httpproxy.New(httpProxyConfig(cfg), s.pool, s.analyzer, s.router, s.behaviors, logger)
	}
	s.apiSrv = api.New(api.Config{ListenAddress: "127.0.0.1", ListenPort: 9090}, s.analyzer, s.pool, s.detector, cfgMgr, logger)

	return s
}

func socks5Config(cfg *config.Config) socks5.Config {
	return socks5.Config{
		ListenAddress:  cfg.SOCKS5.ListenAddress,
		ListenPort:     cfg.SOCKS5.ListenPort,
		AuthEnabled:    cfg.SOCKS5.AuthEnabled,
		Username:       cfg.SOCKS5.Username,
		Password:       cfg.SOCKS5.Password,
		MaxConnections: cfg.SOCKS5.MaxConnections,
	}
}

func httpProxyConfig(cfg *config.Config) httpproxy.Config {
	return httpproxy.Config{
		ListenAddress:  cfg.HTTPProxy.ListenAddress,
		ListenPort:     cfg.HTTPProxy.ListenPort,
		AuthEnabled:    cfg.HTTPProxy.AuthEnabled,
		Username:       cfg.HTTPProxy.Username,
		Password:       cfg.HTTPProxy.Password,
		MaxConnections: cfg.HTTPProxy.MaxConnections,
	}
}

func routingConfig(cfg *config.Config) smartrouter.Config {
	return smartrouter.Config{
		MaxLatencyThreshold:     time.Duration(cfg.Routing.MaxLatencyThresholdMs) * time.Millisecond,
		MinReliabilityThreshold: cfg.Routing.MinReliabilityThreshold,
		Policy:                  smartrouter.ParsePolicy(cfg.Routing.LoadBalancing),
	}
}

func anomalyConfig(cfg *config.Config) anomaly.Config {
	return anomaly.Config{
		Enabled:             cfg.Anomaly.Enabled,
		SpikeThreshold:      cfg.Anomaly.SpikeThreshold,
		LatencyThresholdMs:  cfg.Anomaly.LatencyThresholdMs,
		ErrorRateThreshold:  cfg.Anomaly.ErrorRateThreshold,
		ConnectionThreshold: cfg.Anomaly.ConnectionThreshold,
	}
}

// Start launches every enabled listener and background task. Returns the
// first fatal listener bind error, if any.
func (s *Supervisor) Start() error {
	cfg := s.cfgMgr.Current()

	if s.socks5Srv != nil {
		if err := s.socks5Srv.Start(); err != nil {
			return fmt.Errorf("start socks5 server: %w", err)
		}
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Start(); err != nil {
			return fmt.Errorf("start http proxy server: %w", err)
		}
	}
	if err := s.apiSrv.Start(); err != nil {
		return fmt.Errorf("start observability api: %w", err)
	}

	reloads := s.cfgMgr.Subscribe()
	go func() {
		for {
			select {
			case c := <-reloads:
				s.pool.SetStrategy(nodepool.ParseStrategy(c.IPPool.Strategy))
				s.detector.SetConfig(anomalyConfig(c))
			case <-s.stop:
				return
			}
		}
	}()
	s.cfgMgr.Start()

	if cfg.IPPool.HealthCheckIntervalSecs > 0 {
		go s.healthProbeLoop(time.Duration(cfg.IPPool.HealthCheckIntervalSecs) * time.Second)
	}
	if cfg.Anomaly.CheckIntervalSecs > 0 {
		go s.anomalyCheckLoop(time.Duration(cfg.Anomaly.CheckIntervalSecs) * time.Second)
	}
	go s.sessionSweepLoop()

	return nil
}

// Stop tears every listener and background task down.
func (s *Supervisor) Stop() {
	close(s.stop)
	s.cfgMgr.Stop()

	if s.socks5Srv != nil {
		s.socks5Srv.Stop()
	}
	if s.httpSrv != nil {
		s.httpSrv.Stop()
	}
	s.apiSrv.Stop()
}

// healthProbeLoop periodically selects a node per the active strategy and
// TCP-dials it, feeding the observed outcome back into the pool — the same
// signal a live request would produce, but generated even when traffic is
// idle.
func (s *Supervisor) healthProbeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			node, err := s.pool.SelectIP()
			if err != nil {
				continue
			}
			target := node.Info.Key()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			start := time.Now()
			conn, dialErr := upstream.DialDirect(ctx, target)
			latency := time.Since(start)
			cancel()
			if conn != nil {
				conn.Close()
			}
			s.pool.RecordResult(target, dialErr == nil, latency)
		case <-s.stop:
			return
		}
	}
}

// anomalyCheckLoop periodically snapshots Traffic Analyzer stats and feeds
// them to the Anomaly Detector.
func (s *Supervisor) anomalyCheckLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := s.analyzer.GetStats()
			events := s.detector.Detect(stats.RequestsPerSecond, stats.AvgLatency, stats.ErrorRate, stats.ActiveConnections)
			for _, e := range events {
				s.logger.Warn("anomaly detected", "type", e.Type, "severity", e.Severity, "description", e.Description)
			}
		case <-s.stop:
			return
		}
	}
}

// sessionSweepLoop periodically finalizes idle Behavior Monitor sessions.
func (s *Supervisor) sessionSweepLoop() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.behaviors.CleanupStaleSessions()
		case <-s.stop:
			return
		}
	}
}
