package transport

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relaymux/gateway/internal/logging"
	"github.com/relaymux/gateway/internal/selector"
)

// ConfigWriter is the admin-surface counterpart to selector.ConfigStore's
// read path. Every backend under internal/store (sqlite/postgres's Store,
// memory.ConfigStore) has a PutProviderConfig method of this shape, so the
// concrete store is passed to Server as is.
type ConfigWriter interface {
	PutProviderConfig(ctx context.Context, provider string, cfg selector.ProviderConfig) error
}

func (s *Server) handleGetProviderConfig(c *gin.Context) {
	provider := c.Param("provider")
	if s.configStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config store not configured"})
		return
	}
	cfg, err := s.configStore.GetByProvider(c.Request.Context(), provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cfg == nil {
		defaults := selector.DefaultProviderConfig()
		c.JSON(http.StatusOK, gin.H{"provider": provider, "config": defaults, "source": "default"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "config": cfg, "source": "stored"})
}

func (s *Server) handlePutProviderConfig(c *gin.Context) {
	provider := c.Param("provider")
	if s.configWriter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config store is read-only in this deployment"})
		return
	}

	var cfg selector.ProviderConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.configWriter.PutProviderConfig(c.Request.Context(), provider, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.manager != nil {
		s.manager.Invalidate(provider)
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "config": cfg})
}

func (s *Server) handleInvalidateProvider(c *gin.Context) {
	provider := c.Param("provider")
	if s.manager != nil {
		s.manager.Invalidate(provider)
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": provider})
}

func (s *Server) handleInvalidateAll(c *gin.Context) {
	if s.manager != nil {
		s.manager.InvalidateAll()
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": "all"})
}

var adminUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleAdminWebsocket streams provider health/quota snapshots to a
// connected admin client every few seconds, for a live dashboard rather
// than polling the REST config endpoints.
func (s *Server) handleAdminWebsocket(c *gin.Context) {
	conn, err := adminUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Errorw("transport: admin websocket upgrade failed", err, "remote", c.ClientIP())
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	ticker := newLiveTicker()
	defer ticker.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.c:
			snapshot := s.liveSnapshot(ctx)
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		}
	}
}

func (s *Server) liveSnapshot(ctx context.Context) gin.H {
	if s.credsSnapshot == nil {
		return gin.H{"providers": []string{}}
	}
	return gin.H{"providers": s.credsSnapshot(ctx)}
}
