package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/streambot/internal/manager"
	"github.com/loykin/streambot/internal/metrics"
)

// Supervisor is the worker control surface the gateway drives.
// *manager.Supervisor implements it.
type Supervisor interface {
	Start() (manager.Started, error)
	Stop(pid int) (manager.Stopped, error)
	Status() manager.Status
}

// Kind classifies a reply.
type Kind int

const (
	OK Kind = iota
	Info
	Failure
	Rejected
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Info:
		return "info"
	case Failure:
		return "failure"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for _, k := range []Kind{OK, Info, Failure, Rejected} {
		if k.String() == s {
			return k, true
		}
	}
	return Failure, false
}

// Document is a file attached to a reply.
type Document struct {
	Name    string
	Data    []byte
	Caption string
}

// Reply is the single answer to one command.
type Reply struct {
	Kind     Kind
	Text     string
	Document *Document
}

// Command is one inbound request.
type Command struct {
	Identity int64  // chat id of the caller
	Name     string // command name, with or without leading slash
	Sender   string // display name, for logs only
}

// Canonical command names.
const (
	CmdStart    = "start"
	CmdStop     = "stop"
	CmdStatus   = "status"
	CmdFetchLog = "fetch-log"
	CmdHelp     = "help"
)

var aliases = map[string]string{
	"start_stream": CmdStart,
	"stop_stream":  CmdStop,
	"log":          CmdFetchLog,
	"fetch_log":    CmdFetchLog,
}

const (
	textUnauthorized = "Sorry, you are not allowed to use this bot."
	textUnknown      = "Sorry, that command is not recognized. Send /help for the list."
)

// Config carries the settings the gateway needs.
type Config struct {
	AllowedID   int64
	LogFile     string
	MaxLogBytes int64
}

type Gateway struct {
	sup    Supervisor
	cfg    Config
	logger *slog.Logger
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func New(sup Supervisor, cfg Config, opts ...Option) *Gateway {
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = DefaultMaxLogBytes
	}
	g := &Gateway{sup: sup, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Canonical maps a raw command name to its canonical form. ok is false for
// unknown commands.
func Canonical(name string) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "/")
	if i := strings.IndexByte(n, '@'); i >= 0 {
		n = n[:i]
	}
	if c, ok := aliases[n]; ok {
		return c, true
	}
	switch n {
	case CmdStart, CmdStop, CmdStatus, CmdFetchLog, CmdHelp:
		return n, true
	}
	return n, false
}

// Handle authorizes cmd and executes it. It always returns exactly one reply.
func (g *Gateway) Handle(ctx context.Context, cmd Command) Reply {
	if cmd.Identity != g.cfg.AllowedID {
		g.logger.Warn("Unauthorized command", "identity", cmd.Identity, "sender", cmd.Sender, "command", cmd.Name)
		metrics.IncRejected("unauthorized")
		return Reply{Kind: Rejected, Text: textUnauthorized}
	}
	name, ok := Canonical(cmd.Name)
	if !ok {
		g.logger.Warn("Unknown command", "identity", cmd.Identity, "sender", cmd.Sender, "command", cmd.Name)
		metrics.IncRejected("unknown")
		return Reply{Kind: Rejected, Text: textUnknown}
	}
	return g.Execute(ctx, name)
}

// Execute runs an already authorized command.
func (g *Gateway) Execute(ctx context.Context, name string) (reply Reply) {
	cmd, ok := Canonical(name)
	if !ok {
		g.logger.Warn("Unknown command", "command", name)
		metrics.IncRejected("unknown")
		return Reply{Kind: Rejected, Text: textUnknown}
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Command panicked", "command", cmd, "panic", r)
			reply = Reply{Kind: Failure, Text: "Internal error. Check the bot log."}
		}
		metrics.IncCommand(cmd, reply.Kind.String())
	}()
	if err := ctx.Err(); err != nil {
		return Reply{Kind: Failure, Text: "Request cancelled."}
	}

	g.logger.Debug("Executing command", "command", cmd)
	switch cmd {
	case CmdStart:
		return g.start()
	case CmdStop:
		return g.stop()
	case CmdStatus:
		return g.status()
	case CmdFetchLog:
		return g.fetchLog()
	default:
		return Reply{Kind: Info, Text: HelpText}
	}
}

// HelpText lists the chat commands.
const HelpText = "Stream control bot.\n" +
	"Commands:\n" +
	"/start_stream - start streaming\n" +
	"/stop_stream - stop streaming\n" +
	"/status - show streaming status\n" +
	"/log - fetch the latest worker log\n" +
	"/help - show this message"

func (g *Gateway) start() Reply {
	started, err := g.sup.Start()
	if err != nil {
		var are *manager.AlreadyRunningError
		if errors.As(err, &are) {
			return Reply{Kind: Info, Text: fmt.Sprintf("Streaming is already running (PID %d).", are.PID)}
		}
		return g.failure("start", err)
	}
	return Reply{Kind: OK, Text: fmt.Sprintf("Streaming started (PID %d). Fetch the log for details.", started.PID)}
}

func (g *Gateway) stop() Reply {
	st := g.sup.Status()
	if !st.Running {
		return Reply{Kind: Info, Text: "Streaming is not running."}
	}
	res, err := g.sup.Stop(st.PID)
	if err != nil {
		if errors.Is(err, manager.ErrNotRunning) {
			return Reply{Kind: Info, Text: "Streaming is not running."}
		}
		return g.failure("stop", err)
	}
	switch {
	case res.AlreadyExited:
		return Reply{Kind: OK, Text: fmt.Sprintf("Streaming had already exited (PID %d).", res.PID)}
	case res.Unverified:
		return Reply{Kind: OK, Text: fmt.Sprintf("Stop requested for PID %d. This host cannot confirm the exit.", res.PID)}
	case res.Lingering:
		return Reply{Kind: Failure, Text: fmt.Sprintf("Stop timed out: PID %d was killed but is still alive after %s.", res.PID, res.Took.Round(100*time.Millisecond))}
	case res.Forced:
		return Reply{Kind: OK, Text: fmt.Sprintf("Streaming stopped (PID %d, killed after the grace period).", res.PID)}
	default:
		return Reply{Kind: OK, Text: fmt.Sprintf("Streaming stopped (PID %d).", res.PID)}
	}
}

func (g *Gateway) failure(op string, err error) Reply {
	g.logger.Error("Command failed", "command", op, "error", err)
	if errors.Is(err, manager.ErrLockTimeout) {
		return Reply{Kind: Failure, Text: "Another command is still running. Try again shortly."}
	}
	return Reply{Kind: Failure, Text: fmt.Sprintf("Failed to %s streaming. Check the bot log.", op)}
}
