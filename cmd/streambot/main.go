package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/streambot"
	"github.com/loykin/streambot/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type CommandFlags struct {
	Timeout time.Duration
	Output  string // log only: write the document here instead of stdout

	// Remote control through a running bot's HTTP API instead of the
	// local settings file.
	APIURL   string
	APIToken string
	CACert   string
	Insecure bool
}

func addCommandFlags(cmd *cobra.Command, flags *CommandFlags) {
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "give up after this long")
	cmd.Flags().StringVar(&flags.APIURL, "api-url", "", "control a running bot through its HTTP API, e.g. https://host:8080/api")
	cmd.Flags().StringVar(&flags.APIToken, "api-token", os.Getenv("STREAMBOT_HTTP_TOKEN"), "bearer token for --api-url")
	cmd.Flags().StringVar(&flags.CACert, "ca-cert", "", "PEM bundle used to verify the API certificate")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip API certificate verification")
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createInitCommand(globalFlags),
		createControlCommand(globalFlags, "start", "Start the streaming worker", "start"),
		createControlCommand(globalFlags, "stop", "Stop the streaming worker", "stop"),
		createControlCommand(globalFlags, "status", "Show whether the streaming worker is running", "status"),
		createLogCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "streambot",
		Short: "Chat-controlled supervisor for a single streaming worker",
		Long: `streambot lets one authorized Telegram chat start, stop and inspect a
long-running streaming worker, and fetch its latest log.

Examples:
  streambot init                      # write bot_config.json with placeholders
  streambot serve                     # run the bot
  streambot status --config=/etc/streambot/bot_config.json
  streambot log --output=latest.txt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", streambot.DefaultConfigPath, "path to the JSON settings file")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bot",
		Long: `Run the chat bot until interrupted. Metrics and the HTTP control API
start as well when configured. The worker keeps running when the bot exits.

Examples:
  streambot serve
  streambot serve --daemonize --pidfile=/run/streambot.pid --logfile=/var/log/streambot.out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), globalFlags.ConfigPath, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run the bot in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "record the bot's own pid here")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags *ServeFlags) error {
	settings, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	app, err := streambot.Open(settings)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Serve(ctx); err != nil {
		return err
	}
	app.Logger().Info("Shut down")
	return nil
}

func createInitCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := streambot.Bootstrap(globalFlags.ConfigPath); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s. Set telegram_bot_token and allowed_chat_id before running serve.\n", globalFlags.ConfigPath)
			return nil
		},
	}
}

func createControlCommand(globalFlags *GlobalFlags, use, short, command string) *cobra.Command {
	flags := &CommandFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, globalFlags.ConfigPath, command, flags)
		},
	}
	addCommandFlags(cmd, flags)
	return cmd
}

func createLogCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &CommandFlags{}
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the tail of the worker log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, globalFlags.ConfigPath, "fetch-log", flags)
		},
	}
	addCommandFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.Output, "output", "", "write the log to this file instead of stdout")
	return cmd
}

// runCommand executes one gateway command as the operator, locally or
// through --api-url.
func runCommand(cmd *cobra.Command, configPath, name string, flags *CommandFlags) error {
	if flags.APIURL != "" {
		return runRemote(cmd, name, flags)
	}
	settings, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	app, err := streambot.Open(settings)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()
	reply := app.Execute(ctx, name)
	return printReply(cmd.OutOrStdout(), reply, flags.Output)
}

func runRemote(cmd *cobra.Command, name string, flags *CommandFlags) error {
	c, err := client.New(client.Config{
		BaseURL:  flags.APIURL,
		Token:    flags.APIToken,
		Timeout:  flags.Timeout,
		CACert:   flags.CACert,
		Insecure: flags.Insecure,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()

	var r client.Reply
	switch name {
	case "start":
		r, err = c.Start(ctx)
	case "stop":
		r, err = c.Stop(ctx)
	case "status":
		r, err = c.Status(ctx)
	case "fetch-log":
		r, err = c.FetchLog(ctx)
	default:
		r, err = c.Help(ctx)
	}
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return printReply(cmd.OutOrStdout(), fromRemote(r), flags.Output)
}

func fromRemote(r client.Reply) streambot.Reply {
	kind, ok := streambot.ParseReplyKind(r.Kind)
	if !ok {
		return streambot.Reply{Kind: streambot.ReplyFailure, Text: fmt.Sprintf("unexpected reply kind %q: %s", r.Kind, r.Text)}
	}
	out := streambot.Reply{Kind: kind, Text: r.Text}
	if d := r.Document; d != nil {
		out.Document = &streambot.Document{Name: d.Name, Caption: d.Caption, Data: d.Data}
	}
	return out
}

func printReply(w io.Writer, r streambot.Reply, output string) error {
	if d := r.Document; d != nil {
		if output != "" {
			if err := os.WriteFile(output, d.Data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			_, _ = fmt.Fprintf(w, "%s written to %s\n", d.Caption, output)
			return nil
		}
		_, err := w.Write(d.Data)
		return err
	}
	if r.Kind == streambot.ReplyFailure || r.Kind == streambot.ReplyRejected {
		return errors.New(r.Text)
	}
	_, _ = fmt.Fprintln(w, r.Text)
	return nil
}

func loadSettings(path string) (*streambot.Settings, error) {
	s, err := streambot.LoadSettings(path)
	if errors.Is(err, streambot.ErrBootstrapped) {
		return nil, fmt.Errorf("created %s with placeholder values; set telegram_bot_token and allowed_chat_id, then restart", path)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading settings: %w", err)
	}
	return s, nil
}
