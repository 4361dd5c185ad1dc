package transport

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/relaymux/gateway/internal/logging"
	"github.com/relaymux/gateway/internal/selector"
	"github.com/relaymux/gateway/internal/translator"
	"github.com/relaymux/gateway/internal/upstream"
)

func providerFromModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gemini-"):
		return "gemini"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	default:
		return "gemini"
	}
}

func (s *Server) handleClaudeMessages(c *gin.Context) {
	s.handle(c, translator.DialectClaude)
}

func (s *Server) handleOpenAIChatCompletions(c *gin.Context) {
	s.handle(c, translator.DialectOpenAI)
}

func (s *Server) handle(c *gin.Context, clientDialect translator.Dialect) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	modelStr := gjson.GetBytes(body, "model").String()
	provider := providerFromModel(modelStr)

	// This gateway speaks Claude's request shape to its upstream clients;
	// only the OpenAI-facing endpoint needs translation on the way in.
	providerBody, err := translator.RequestToProvider(body, clientDialect, translator.DialectClaude)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pool, err := s.creds.Pool(c.Request.Context(), provider)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load credential pool"})
		return
	}

	sc := selector.SelectContext{
		Provider:       provider,
		Model:          modelStr,
		SessionID:      c.GetHeader("X-Session-ID"),
		ConversationID: c.GetHeader("X-Conversation-ID"),
	}

	req := upstream.Request{Model: modelStr, Messages: providerBody, Stream: gjson.GetBytes(body, "stream").Bool()}

	if req.Stream {
		s.handleStream(c, provider, pool, sc, req, clientDialect)
		return
	}

	resp, err := s.gateway.Execute(c.Request.Context(), provider, pool, sc, req)
	if err != nil {
		logging.Errorw("transport: upstream execute failed", err, "provider", provider, "request_id", c.GetString("request_id"))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	clientBody, err := translator.ResponseFromProvider(resp.Body, translator.DialectClaude, clientDialect)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", clientBody)
}

func (s *Server) handleStream(c *gin.Context, provider string, pool []*selector.Credential, sc selector.SelectContext, req upstream.Request, clientDialect translator.Dialect) {
	chunks, err := s.gateway.ExecuteStream(c.Request.Context(), provider, pool, sc, req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-chunks
		if !ok {
			return false
		}
		if chunk.Err != nil {
			logging.Errorw("transport: stream chunk error", chunk.Err, "provider", provider)
			return false
		}
		translated, convErr := translator.ResponseFromProvider(chunk.Data, translator.DialectClaude, clientDialect)
		if convErr != nil {
			translated = chunk.Data
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(translated)
		_, _ = w.Write([]byte("\n\n"))
		return true
	})
}

// compressionMiddleware compresses responses with brotli when the client
// accepts it, falling back to gzip, matching how a gateway proxying large
// JSON/SSE bodies would reduce egress without needing per-handler changes.
func compressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		accept := c.GetHeader("Accept-Encoding")
		switch {
		case strings.Contains(accept, "br"):
			c.Header("Content-Encoding", "br")
			bw := brotli.NewWriter(c.Writer)
			defer bw.Close()
			c.Writer = &writerProxy{ResponseWriter: c.Writer, w: bw}
		case strings.Contains(accept, "gzip"):
			c.Header("Content-Encoding", "gzip")
			gw := gzip.NewWriter(c.Writer)
			defer gw.Close()
			c.Writer = &writerProxy{ResponseWriter: c.Writer, w: gw}
		}
		c.Next()
	}
}

type writerProxy struct {
	gin.ResponseWriter
	w io.Writer
}

func (p *writerProxy) Write(b []byte) (int, error) {
	return p.w.Write(b)
}
