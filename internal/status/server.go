// Package status serves the operational JSON API: health, subscriptions, cache contents,
// fetch and validation counters, recent logs and metrics, host resources and the Prometheus
// scrape endpoint.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketfeed/config"
	"marketfeed/internal/cache"
	"marketfeed/internal/fetcher"
	"marketfeed/internal/metrics"
	"marketfeed/internal/monitor"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/processor"
)

type HealthSource interface {
	Components() []models.ComponentHealth
	Overall() models.HealthStatus
}

type SubscriptionSource interface {
	Subscriptions() []models.Subscription
	Connected() bool
}

type CycleSource interface {
	Last() monitor.CycleResult
}

// Sources are the components the API reads from. Nil members answer 404.
type Sources struct {
	Health        HealthSource
	Subscriptions SubscriptionSource
	Cycles        CycleSource
	Cache         *cache.DataCache
	Fetcher       *fetcher.Fetcher
	Validator     *processor.Validator
	Symbols       []string
}

type Server struct {
	cfg             config.StatusConfig
	src             Sources
	log             *logger.Log
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	resourceSampler *resourceSampler
	httpServer      *http.Server
}

// NewServer returns nil when the status server is disabled.
func NewServer(cfg config.StatusConfig, log *logger.Log, src Sources) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	ms := newMetricStore(cfg.MetricsHistory)
	ls := newLogStore(cfg.LogHistory, logrus.InfoLevel)
	log.AddHook(ls)

	return &Server{
		cfg:             cfg,
		src:             src,
		log:             log,
		metricStore:     ms,
		logStore:        ls,
		metricHandler:   metrics.RegisterMetricHandler(ms.handle),
		resourceSampler: newResourceSampler(cfg.MetricsHistory, 5*time.Second, "/", log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithComponent("status").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/health", s.health)
	api.GET("/subscriptions", s.subscriptions)
	api.GET("/cache", s.cache)
	api.GET("/fetchers", s.fetchers)
	api.GET("/validation", s.validation)
	api.GET("/metrics", s.metrics)
	api.GET("/logs", s.logs)
	api.GET("/resources", s.resources)
	return router, nil
}

func notWired(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " is not enabled"})
}

// health answers 503 while the system is critical so load balancers can act on it.
func (s *Server) health(c *gin.Context) {
	if s.src.Health == nil {
		notWired(c, "health")
		return
	}
	overall := s.src.Health.Overall()
	code := http.StatusOK
	if overall == models.Critical {
		code = http.StatusServiceUnavailable
	}
	payload := gin.H{
		"status":     overall,
		"components": s.src.Health.Components(),
	}
	if s.src.Cycles != nil {
		last := s.src.Cycles.Last()
		payload["last_cycle"] = gin.H{
			"id":             last.ID,
			"started":        last.Started,
			"duration_ms":    last.Duration.Milliseconds(),
			"dispatched":     last.Dispatched,
			"fetches":        last.Fetches,
			"fetch_failures": last.FetchFailures,
		}
	}
	c.JSON(code, payload)
}

func (s *Server) subscriptions(c *gin.Context) {
	if s.src.Subscriptions == nil {
		notWired(c, "streaming")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected":     s.src.Subscriptions.Connected(),
		"subscriptions": s.src.Subscriptions.Subscriptions(),
	})
}

func (s *Server) cache(c *gin.Context) {
	if s.src.Cache == nil {
		notWired(c, "cache")
		return
	}
	entries := s.src.Cache.Entries()
	if sym := strings.ToUpper(c.Query("symbol")); sym != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Symbol == sym {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	c.JSON(http.StatusOK, gin.H{
		"ttl_ms":      s.src.Cache.TTL().Milliseconds(),
		"last_update": s.src.Cache.LastUpdate(),
		"stats":       s.src.Cache.Stats(),
		"freshness":   s.src.Cache.Freshness(s.src.Symbols, models.FetchedKinds),
		"entries":     entries,
	})
}

func (s *Server) fetchers(c *gin.Context) {
	if s.src.Fetcher == nil {
		notWired(c, "fetcher")
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": s.src.Fetcher.AllStats()})
}

func (s *Server) validation(c *gin.Context) {
	if s.src.Validator == nil {
		notWired(c, "validator")
		return
	}
	c.JSON(http.StatusOK, gin.H{"kinds": s.src.Validator.Counters()})
}

func (s *Server) metrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"symbol":    m.Symbol,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) logs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(c.Query("component"))})
}

func (s *Server) resources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
