package streambot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/streambot/internal/config"
	"github.com/loykin/streambot/internal/gateway"
	"github.com/loykin/streambot/internal/history"
	"github.com/loykin/streambot/internal/history/factory"
	"github.com/loykin/streambot/internal/logger"
	"github.com/loykin/streambot/internal/manager"
	"github.com/loykin/streambot/internal/metrics"
	"github.com/loykin/streambot/internal/process"
	"github.com/loykin/streambot/internal/registry"
	"github.com/loykin/streambot/internal/server"
	"github.com/loykin/streambot/internal/telegram"
	tlsconf "github.com/loykin/streambot/internal/tls"
)

// Re-export core types for external consumers.

type Settings = config.Settings

type Reply = gateway.Reply

type ReplyKind = gateway.Kind

const (
	ReplyOK       = gateway.OK
	ReplyInfo     = gateway.Info
	ReplyFailure  = gateway.Failure
	ReplyRejected = gateway.Rejected
)

// ParseReplyKind maps the wire name of a kind ("ok", "info", ...) back.
func ParseReplyKind(s string) (ReplyKind, bool) { return gateway.ParseKind(s) }

type Command = gateway.Command

type Document = gateway.Document

type WorkerStatus = manager.Status

type HistorySink = history.Sink

const DefaultConfigPath = config.DefaultPath

var (
	ErrBootstrapped   = config.ErrBootstrapped
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrNotRunning     = manager.ErrNotRunning
)

func LoadSettings(path string) (*Settings, error) { return config.Load(path) }
func Bootstrap(path string) error                { return config.Bootstrap(path) }

// App wires the supervisor, the command gateway and the transports for one
// worker.
type App struct {
	settings  *Settings
	logger    *slog.Logger
	logCloser io.Closer
	hist      history.Multi
	extra     []HistorySink
	sup       *manager.Supervisor
	gw        *gateway.Gateway
	chatAPI   telegram.API
	registry  prometheus.Registerer
}

type Option func(*App)

// WithLogger overrides the logger built from the settings.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithHistorySink adds a sink next to the configured DSNs.
func WithHistorySink(s HistorySink) Option {
	return func(a *App) {
		if s != nil {
			a.extra = append(a.extra, s)
		}
	}
}

// WithChatAPI replaces the Telegram client Serve would connect.
func WithChatAPI(api telegram.API) Option {
	return func(a *App) { a.chatAPI = api }
}

// WithMetricsRegisterer selects where Serve registers metrics.
// Defaults to prometheus.DefaultRegisterer.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(a *App) { a.registry = r }
}

// Open validates s and builds the application. Close releases it.
func Open(s *Settings, opts ...Option) (*App, error) {
	if s == nil {
		return nil, errors.New("nil settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	a := &App{settings: s, registry: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		l, closer, err := logger.New(s.LoggerConfig())
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		a.logger, a.logCloser = l, closer
	}

	env, err := s.WorkerEnv()
	if err != nil {
		_ = a.closeLog()
		return nil, fmt.Errorf("worker env: %w", err)
	}
	hist, err := factory.NewMulti(s.History.DSN)
	if err != nil {
		_ = a.closeLog()
		return nil, fmt.Errorf("history: %w", err)
	}
	for _, sink := range a.extra {
		hist = append(hist, sink)
	}
	a.hist = hist

	launcher := process.NewLauncher(process.Spec{
		Interpreter: s.Worker.Interpreter,
		Script:      s.StreamScriptPath,
		WorkDir:     s.Worker.WorkDir,
		Env:         env,
		Output:      s.Worker.Output,
	}, a.logger)

	a.sup = manager.New(registry.New(s.PIDFile, a.logger), launcher,
		manager.WithLogger(a.logger),
		manager.WithHistory(a.hist),
		manager.WithLockTimeout(s.LockTimeout),
		manager.WithScript(s.StreamScriptPath),
		manager.WithStopPolicy(manager.StopPolicy{
			Grace:        s.Stop.Grace,
			KillTimeout:  s.Stop.KillTimeout,
			PollInterval: s.Stop.PollInterval,
		}),
	)
	a.gw = gateway.New(a.sup, gateway.Config{
		AllowedID:   s.AllowedChatID,
		LogFile:     s.LogFile,
		MaxLogBytes: s.MaxLogBytes,
	}, gateway.WithLogger(a.logger))
	return a, nil
}

func (a *App) Logger() *slog.Logger { return a.logger }

// Execute runs a command as the operator, bypassing the identity check.
func (a *App) Execute(ctx context.Context, name string) Reply { return a.gw.Execute(ctx, name) }

// Handle authorizes cmd and runs it.
func (a *App) Handle(ctx context.Context, cmd Command) Reply { return a.gw.Handle(ctx, cmd) }

func (a *App) Status() WorkerStatus { return a.sup.Status() }

// commandTimeout leaves room for the slowest command, a stop that escalates.
func (a *App) commandTimeout() time.Duration {
	s := a.settings
	return s.LockTimeout + s.Stop.Grace + s.Stop.KillTimeout + 30*time.Second
}

// Serve runs the chat bot plus the optional metrics and HTTP listeners until
// ctx is cancelled. The worker is left running on shutdown.
func (a *App) Serve(ctx context.Context) error {
	s := a.settings
	if err := metrics.Register(a.registry); err != nil {
		a.logger.Warn("Failed to register metrics", "error", err)
	}

	var servers []*http.Server
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
	}()

	if s.Metrics.Listen != "" {
		ms := metrics.NewServer(s.Metrics.Listen)
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server failed", "addr", s.Metrics.Listen, "error", err)
			}
		}()
		servers = append(servers, ms)
		a.logger.Info("Serving metrics", "addr", s.Metrics.Listen)
	}

	collector := metrics.NewUsageCollector(0)
	collector.Start(ctx, a.sup.LivePID)
	defer collector.Stop()

	if s.HTTP.Listen != "" {
		tlsCfg, err := tlsconf.Setup(s.HTTP.TLS)
		if err != nil {
			return fmt.Errorf("http tls: %w", err)
		}
		hs, err := server.NewServer(s.HTTP.Listen, server.NewRouter(a.gw, s.HTTP.BasePath, s.HTTP.Token, a.logger), tlsCfg)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		servers = append(servers, hs)
		a.logger.Info("Serving HTTP control API", "addr", s.HTTP.Listen, "base_path", s.HTTP.BasePath, "tls", tlsCfg != nil)
	}

	topts := []telegram.Option{
		telegram.WithLogger(a.logger),
		telegram.WithCommandTimeout(a.commandTimeout()),
	}
	var bot *telegram.Bot
	if a.chatAPI != nil {
		bot = telegram.New(a.chatAPI, a.gw, topts...)
	} else {
		var err error
		bot, err = telegram.Connect(s.TelegramBotToken, a.gw, topts...)
		if err != nil {
			return err
		}
	}

	st := a.sup.Status()
	a.logger.Info("Bot started", "allowed_chat_id", s.AllowedChatID, "worker_running", st.Running, "pid", st.PID)
	return bot.Run(ctx)
}

// Close waits for pending history writes and releases sinks and log files.
func (a *App) Close() error {
	var errs []error
	if a.sup != nil {
		errs = append(errs, a.sup.Close())
	}
	errs = append(errs, a.hist.Close(), a.closeLog())
	return errors.Join(errs...)
}

func (a *App) closeLog() error {
	if a.logCloser == nil {
		return nil
	}
	return a.logCloser.Close()
}
