package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/streambot/internal/metrics"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// bearerAuth rejects requests without the configured token. An empty token
// rejects everything.
func bearerAuth(token string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.Warn("Unauthorized HTTP request", "remote", c.ClientIP(), "path", c.Request.URL.Path)
			metrics.IncRejected("unauthorized")
			c.Header("WWW-Authenticate", `Bearer realm="streambot"`)
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "authentication_failed", Message: "Invalid credentials"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(h string) (string, bool) {
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	t := strings.TrimSpace(h[len(prefix):])
	return t, t != ""
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
