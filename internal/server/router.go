package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/streambot/internal/gateway"
)

// Executor runs an authorized command. *gateway.Gateway implements it.
type Executor interface {
	Execute(ctx context.Context, name string) gateway.Reply
}

// Router exposes the bot commands over HTTP.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/status
//	GET  {basePath}/log      raw log tail as an attachment
//	GET  {basePath}/help
//
// Every request needs "Authorization: Bearer <token>".
type Router struct {
	exec     Executor
	basePath string
	token    string
	logger   *slog.Logger
}

func NewRouter(exec Executor, basePath, token string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		exec:     exec,
		basePath: sanitizeBase(basePath),
		token:    token,
		logger:   logger.With("component", "http"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.Use(bearerAuth(r.token, r.logger))
	group.POST("/start", r.command(gateway.CmdStart))
	group.POST("/stop", r.command(gateway.CmdStop))
	group.GET("/status", r.command(gateway.CmdStatus))
	group.GET("/log", r.command(gateway.CmdFetchLog))
	group.GET("/help", r.command(gateway.CmdHelp))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router,
// serving HTTPS when tlsCfg is non-nil. Call Shutdown on the returned server
// to stop it.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	if r.token == "" {
		return nil, errors.New("http control API requires a token")
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop can take grace plus kill timeout and log uploads can be large
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsCfg,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("HTTP server failed", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

type replyResp struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func (r *Router) command(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		reply := r.exec.Execute(c.Request.Context(), name)
		if d := reply.Document; d != nil {
			c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Name))
			c.Header("X-Caption", d.Caption)
			c.Header("Content-Length", strconv.Itoa(len(d.Data)))
			c.Data(http.StatusOK, "text/plain; charset=utf-8", d.Data)
			return
		}
		writeJSON(c, statusCode(reply.Kind), replyResp{Kind: reply.Kind.String(), Text: reply.Text})
	}
}

func statusCode(k gateway.Kind) int {
	switch k {
	case gateway.OK, gateway.Info:
		return http.StatusOK
	case gateway.Rejected:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
