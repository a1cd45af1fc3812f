package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/loykin/streambot/internal/gateway"
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler executes one chat command. *gateway.Gateway implements it.
type Handler interface {
	Handle(ctx context.Context, cmd gateway.Command) gateway.Reply
}

const (
	DefaultPollTimeout    = 30 * time.Second
	DefaultCommandTimeout = 2 * time.Minute
)

type Bot struct {
	api            API
	h              Handler
	logger         *slog.Logger
	pollTimeout    time.Duration
	commandTimeout time.Duration
	wg             sync.WaitGroup
}

type Option func(*Bot)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(b *Bot) {
		if d > 0 {
			b.pollTimeout = d
		}
	}
}

// WithCommandTimeout bounds a single command. Stop may block for the full
// grace and kill timeouts so keep this above their sum.
func WithCommandTimeout(d time.Duration) Option {
	return func(b *Bot) {
		if d > 0 {
			b.commandTimeout = d
		}
	}
}

// Connect authenticates token against the Bot API and returns a bot that
// forwards commands to h.
func Connect(token string, h Handler, opts ...Option) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	b := New(api, h, opts...)
	b.logger.Info("Connected to Telegram", "bot", api.Self.UserName)
	return b, nil
}

func New(api API, h Handler, opts ...Option) *Bot {
	b := &Bot{
		api:            api,
		h:              h,
		logger:         slog.Default(),
		pollTimeout:    DefaultPollTimeout,
		commandTimeout: DefaultCommandTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "telegram")
	return b
}

// Run long-polls for updates until ctx is cancelled. Each command is handled
// in its own goroutine; Run waits for in-flight commands before returning.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.pollTimeout / time.Second)
	updates := b.api.GetUpdatesChan(u)
	defer b.wg.Wait()
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Stopping update loop")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			msg := upd.Message
			if msg == nil || msg.Chat == nil || !msg.IsCommand() {
				continue
			}
			b.wg.Add(1)
			go func(msg *tgbotapi.Message) {
				defer b.wg.Done()
				b.dispatch(ctx, msg)
			}(msg)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) {
	// Detached from ctx so a shutdown does not abort a stop half way.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.commandTimeout)
	defer cancel()

	reply := b.h.Handle(cctx, commandFrom(msg))
	if err := b.send(msg, reply); err != nil {
		b.logger.Error("Failed to send reply", "chat", msg.Chat.ID, "error", err)
	}
}

func commandFrom(msg *tgbotapi.Message) gateway.Command {
	name := msg.Command()
	// /start is the chat client's greeting, not a worker start.
	if strings.EqualFold(name, "start") {
		name = gateway.CmdHelp
	}
	cmd := gateway.Command{Name: name}
	if msg.Chat != nil {
		cmd.Identity = msg.Chat.ID
	}
	if msg.From != nil {
		cmd.Sender = msg.From.UserName
		if cmd.Sender == "" {
			cmd.Sender = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
	}
	return cmd
}

func (b *Bot) send(to *tgbotapi.Message, r gateway.Reply) error {
	var c tgbotapi.Chattable
	if d := r.Document; d != nil {
		doc := tgbotapi.NewDocument(to.Chat.ID, tgbotapi.FileBytes{Name: d.Name, Bytes: d.Data})
		doc.Caption = d.Caption
		doc.ReplyToMessageID = to.MessageID
		c = doc
	} else {
		m := tgbotapi.NewMessage(to.Chat.ID, r.Text)
		m.ReplyToMessageID = to.MessageID
		c = m
	}
	_, err := b.api.Send(c)
	return err
}
