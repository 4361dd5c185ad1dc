// Package transport exposes the gateway over HTTP: the Claude Messages and
// OpenAI Chat Completions endpoints, plus an admin surface for editing
// per-provider strategy config and invalidating the selector's cache.
package transport

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/relaymux/gateway/internal/config"
	"github.com/relaymux/gateway/internal/logging"
	"github.com/relaymux/gateway/internal/selector"
	"github.com/relaymux/gateway/internal/upstream"
)

// CredentialSource supplies the live credential pool for a provider, merging
// config-declared credentials with their current quota payload.
type CredentialSource interface {
	Pool(ctx context.Context, provider string) ([]*selector.Credential, error)
}

// Server wraps a gin.Engine configured with the gateway's routes.
type Server struct {
	engine   *gin.Engine
	gateway  *upstream.Gateway
	creds    CredentialSource
	manager  *selector.Manager
	watcher  *config.Watcher
	limiters *ipLimiterSet

	configStore  selector.ConfigStore
	configWriter ConfigWriter

	// credsSnapshot feeds the admin websocket's periodic push; nil disables
	// it without disabling the rest of the admin surface.
	credsSnapshot func(ctx context.Context) any

	adminToken string
}

// Options configures a new Server.
type Options struct {
	Gateway    *upstream.Gateway
	Creds      CredentialSource
	Manager    *selector.Manager
	Watcher    *config.Watcher
	AdminToken string

	ConfigStore   selector.ConfigStore
	ConfigWriter  ConfigWriter
	CredsSnapshot func(ctx context.Context) any

	// RequestsPerSecond and Burst tune the coarse per-IP admission limiter
	// that sits in front of the selection core — an abuse guard, not a
	// per-tenant budget (the core's own TokenBucket is per-credential).
	RequestsPerSecond float64
	Burst             int
}

func New(opts Options) *Server {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:        engine,
		gateway:       opts.Gateway,
		creds:         opts.Creds,
		manager:       opts.Manager,
		watcher:       opts.Watcher,
		adminToken:    opts.AdminToken,
		configStore:   opts.ConfigStore,
		configWriter:  opts.ConfigWriter,
		credsSnapshot: opts.CredsSnapshot,
		limiters:      newIPLimiterSet(rate.Limit(opts.RequestsPerSecond), opts.Burst),
	}

	engine.Use(s.recovery(), s.requestID(), s.rateLimit(), compressionMiddleware())
	s.routes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.POST("/v1/messages", s.handleClaudeMessages)
	s.engine.POST("/v1/chat/completions", s.handleOpenAIChatCompletions)

	admin := s.engine.Group("/admin", s.requireAdminToken())
	admin.GET("/providers/:provider/config", s.handleGetProviderConfig)
	admin.PUT("/providers/:provider/config", s.handlePutProviderConfig)
	admin.POST("/providers/:provider/invalidate", s.handleInvalidateProvider)
	admin.POST("/invalidate-all", s.handleInvalidateAll)
	admin.GET("/live", s.handleAdminWebsocket)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorw("transport: panic recovered", nil, "recover", r, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := s.limiters.forIP(c.ClientIP())
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) requireAdminToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.adminToken {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

// ipLimiterSet hands out a golang.org/x/time/rate.Limiter per client IP,
// lazily created and never evicted within a process lifetime — acceptable
// for the coarse abuse-guard this is; a long-lived deployment would want an
// LRU eviction pass, left as a follow-up.
type ipLimiterSet struct {
	limit rate.Limit
	burst int

	mu       chan struct{}
	limiters map[string]*rate.Limiter
}

func newIPLimiterSet(limit rate.Limit, burst int) *ipLimiterSet {
	return &ipLimiterSet{
		limit:    limit,
		burst:    burst,
		mu:       make(chan struct{}, 1),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *ipLimiterSet) forIP(ip string) *rate.Limiter {
	s.mu <- struct{}{}
	defer func() { <-s.mu }()

	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[ip] = l
	}
	return l
}
