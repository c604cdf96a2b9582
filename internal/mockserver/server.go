// Package mockserver is a small sample application to point load tests at.
// It serves a users API with simulated latency, health probes, a static
// asset route and its own Prometheus metrics.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config configures the mock server.
type Config struct {
	Version     string
	Environment string

	// LatencyScale multiplies every simulated delay; 0 disables them.
	LatencyScale float64

	// SlowDelay is the delay of /api/simulate-error?type=slow.
	SlowDelay time.Duration

	Logger logrus.FieldLogger
}

// DefaultConfig returns the production-like configuration.
func DefaultConfig() Config {
	return Config{
		Version:      "1.0.0",
		Environment:  "development",
		LatencyScale: 1,
		SlowDelay:    2 * time.Second,
	}
}

// User is the API's resource.
type User struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Server is the mock sample application.
type Server struct {
	config   Config
	logger   logrus.FieldLogger
	router   *gin.Engine
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	business *prometheus.CounterVec
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = DefaultConfig().Version
	}
	if cfg.Environment == "" {
		cfg.Environment = DefaultConfig().Environment
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		config:   cfg,
		logger:   logger,
		router:   gin.New(),
		registry: prometheus.NewRegistry(),
	}
	s.registerMetrics()
	s.routes()
	return s
}

func (s *Server) registerMetrics() {
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})
	s.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"method", "endpoint"})
	s.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_active",
		Help: "Number of active HTTP requests",
	})
	s.business = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "business_operations_total",
		Help: "Total business operations",
	}, []string{"operation", "status"})
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "app_info",
		Help: "Application information",
	}, []string{"version", "environment"})
	info.WithLabelValues(s.config.Version, s.config.Environment).Set(1)

	s.registry.MustRegister(s.requests, s.duration, s.active, s.business, info)
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recovery(), s.instrument())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
	})

	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	r.GET("/", s.index)

	api := r.Group("/api")
	api.GET("/users", s.listUsers)
	api.POST("/users", s.createUser)
	api.GET("/users/:id", s.getUser)
	api.GET("/simulate-error", s.simulateError)

	r.GET("/static/*path", s.static)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the server's metric registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(logrus.Fields{
			"addr":        addr,
			"version":     s.config.Version,
			"environment": s.config.Environment,
		}).Info("mock server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.WithField("panic", recovered).Error("internal server error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	})
}

func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		s.active.Inc()
		defer s.active.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		s.duration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
		s.requests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// delay sleeps a uniform random duration in [min,max) scaled by
// LatencyScale, or until the request is cancelled.
func (s *Server) delay(c *gin.Context, min, max time.Duration) {
	if s.config.LatencyScale <= 0 {
		return
	}
	d := min
	if max > min {
		d += rand.N(max - min)
	}
	d = time.Duration(float64(d) * s.config.LatencyScale)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.Request.Context().Done():
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": s.config.Version})
}

func (s *Server) ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": gin.H{"database": "ok"}})
}

func (s *Server) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "Sample Application",
		"version":     s.config.Version,
		"environment": s.config.Environment,
		"endpoints": gin.H{
			"health":  "/health",
			"ready":   "/ready",
			"metrics": "/metrics",
			"api":     "/api/*",
		},
	})
}

var sampleUsers = []User{
	{ID: 1, Name: "Alice", Email: "alice@example.com"},
	{ID: 2, Name: "Bob", Email: "bob@example.com"},
	{ID: 3, Name: "Charlie", Email: "charlie@example.com"},
}

func (s *Server) listUsers(c *gin.Context) {
	s.delay(c, 10*time.Millisecond, 100*time.Millisecond)
	s.business.WithLabelValues("get_users", "success").Inc()
	c.JSON(http.StatusOK, gin.H{"users": sampleUsers, "count": len(sampleUsers)})
}

func (s *Server) getUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
		return
	}
	s.delay(c, 10*time.Millisecond, 50*time.Millisecond)

	if id > 100 {
		s.business.WithLabelValues("get_user", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	s.business.WithLabelValues("get_user", "success").Inc()
	c.JSON(http.StatusOK, User{
		ID:    id,
		Name:  fmt.Sprintf("User %d", id),
		Email: fmt.Sprintf("user%d@example.com", id),
	})
}

type createUserRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
}

func (s *Server) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.business.WithLabelValues("create_user", "validation_error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	s.delay(c, 50*time.Millisecond, 150*time.Millisecond)

	s.business.WithLabelValues("create_user", "success").Inc()
	c.JSON(http.StatusCreated, User{ID: rand.IntN(1000) + 1, Name: req.Name, Email: req.Email})
}

func (s *Server) simulateError(c *gin.Context) {
	switch c.DefaultQuery("type", "generic") {
	case "500":
		s.business.WithLabelValues("simulate_error", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	case "404":
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case "slow":
		s.delay(c, s.config.SlowDelay, s.config.SlowDelay)
		c.JSON(http.StatusOK, gin.H{"message": "Slow response"})
	default:
		panic("simulated exception")
	}
}

// static serves a fixed body for any asset path, like a CDN-backed route.
func (s *Server) static(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, contentType(c.Param("path")), []byte("/* static asset */\n"))
}

var staticTypes = map[string]string{
	".css": "text/css; charset=utf-8",
	".js":  "text/javascript; charset=utf-8",
	".png": "image/png",
}

func contentType(p string) string {
	if ct, ok := staticTypes[path.Ext(p)]; ok {
		return ct
	}
	return "application/octet-stream"
}
