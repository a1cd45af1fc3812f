package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/streambot"
	"github.com/loykin/streambot/internal/gateway"
	"github.com/loykin/streambot/internal/server"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	script := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(script, []byte("exec sleep 30\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	doc := map[string]any{
		"TELEGRAM_BOT_TOKEN": "123:abc",
		"ALLOWED_CHAT_ID":    99,
		"STREAM_SCRIPT_PATH": script,
		"PID_FILE":           filepath.Join(dir, "stream.pid"),
		"LOG_FILE":           filepath.Join(dir, "ffmpeg_log.txt"),
		"worker":             map[string]any{"interpreter": "sh"},
		"stop":               map[string]any{"grace": "1s", "kill_timeout": "1s", "poll_interval": "20ms"},
		"log":                map[string]any{"level": "error", "color": false},
	}
	b, _ := json.Marshal(doc)
	path := filepath.Join(dir, "bot_config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHelpListsCommands(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, c := range []string{"serve", "init", "start", "stop", "status", "log"} {
		if !strings.Contains(out, c) {
			t.Fatalf("help misses %q: %s", c, out)
		}
	}
}

func TestInitThenServeRefusesPlaceholders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "bot_config.json")
	out, err := run(t, "--config", path, "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("init output should name the file: %q", out)
	}
	if _, err := run(t, "--config", path, "init"); err == nil {
		t.Fatalf("second init must not overwrite")
	}
	_, err = run(t, "--config", path, "serve")
	if err == nil || !strings.Contains(err.Error(), "telegram_bot_token") {
		t.Fatalf("serve should reject placeholder settings, got %v", err)
	}
}

func TestMissingConfigIsBootstrapped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_config.json")
	_, err := run(t, "--config", path, "status")
	if err == nil || !strings.Contains(err.Error(), "placeholder") {
		t.Fatalf("expected bootstrap error, got %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("defaults should be written: %v", statErr)
	}
}

func TestStartStatusStopLog(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	out, err := run(t, "--config", cfg, "status")
	if err != nil || !strings.Contains(out, "not running") {
		t.Fatalf("status: %v %q", err, out)
	}
	out, err = run(t, "--config", cfg, "start")
	if err != nil || !strings.Contains(out, "Streaming started") {
		t.Fatalf("start: %v %q", err, out)
	}
	out, err = run(t, "--config", cfg, "status")
	if err != nil || !strings.Contains(out, "running with PID") {
		t.Fatalf("status after start: %v %q", err, out)
	}
	out, err = run(t, "--config", cfg, "stop")
	if err != nil || !strings.Contains(out, "stopped") {
		t.Fatalf("stop: %v %q", err, out)
	}
	if _, err := os.Stat(filepath.Join(dir, "stream.pid")); !os.IsNotExist(err) {
		t.Fatalf("record should be gone after stop")
	}

	if err := os.WriteFile(filepath.Join(dir, "ffmpeg_log.txt"), []byte("frame=42\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "--config", cfg, "log")
	if err != nil || out != "frame=42\n" {
		t.Fatalf("log: %v %q", err, out)
	}
	dst := filepath.Join(dir, "copy.txt")
	if _, err := run(t, "--config", cfg, "log", "--output", dst); err != nil {
		t.Fatalf("log --output: %v", err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "frame=42\n" {
		t.Fatalf("unexpected copy %q", b)
	}
}

func TestPrintReplyFailureIsError(t *testing.T) {
	var buf bytes.Buffer
	err := printReply(&buf, streambot.Reply{Kind: streambot.ReplyFailure, Text: "Failed to start streaming. Check the bot log."}, "")
	if err == nil || buf.Len() != 0 {
		t.Fatalf("failure should surface as error, got %v %q", err, buf.String())
	}
	if err := printReply(&buf, streambot.Reply{Kind: streambot.ReplyInfo, Text: "Streaming is not running."}, ""); err != nil {
		t.Fatalf("info should not fail: %v", err)
	}
}

func TestChildArgs(t *testing.T) {
	in := []string{"--config", "c.json", "serve", "--daemonize", "--pidfile", "/run/b.pid", "--logfile=/tmp/b.out"}
	want := []string{"--config", "c.json", "serve", "--pidfile", "/run/b.pid"}
	if got := childArgs(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("childArgs = %v, want %v", got, want)
	}
	in = []string{"serve", "--pidfile=/run/b.pid", "--daemonize=true", "--logfile", "/tmp/b.out"}
	want = []string{"serve", "--pidfile=/run/b.pid"}
	if got := childArgs(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("childArgs = %v, want %v", got, want)
	}
}

func TestPidFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "streambot.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Fatalf("PID file was not created: %v", err)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

type remoteExec struct{}

func (remoteExec) Execute(_ context.Context, name string) gateway.Reply {
	switch name {
	case gateway.CmdStart:
		return gateway.Reply{Kind: gateway.Failure, Text: "Failed to start streaming. Check the bot log."}
	case gateway.CmdFetchLog:
		return gateway.Reply{Kind: gateway.OK, Document: &gateway.Document{Name: "ffmpeg_log.txt", Caption: "Latest log", Data: []byte("frame=7\n")}}
	default:
		return gateway.Reply{Kind: gateway.Info, Text: "Streaming is not running."}
	}
}

func TestRemoteCommands(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRouter(remoteExec{}, "/api", "tok", nil).Handler())
	defer srv.Close()
	api := []string{"--api-url", srv.URL + "/api", "--api-token", "tok"}

	// No settings file is needed in remote mode.
	cfg := filepath.Join(t.TempDir(), "absent.json")
	out, err := run(t, append([]string{"--config", cfg, "status"}, api...)...)
	if err != nil || !strings.Contains(out, "not running") {
		t.Fatalf("remote status: %v %q", err, out)
	}
	if _, statErr := os.Stat(cfg); !os.IsNotExist(statErr) {
		t.Fatalf("remote mode must not bootstrap settings")
	}
	if _, err := run(t, append([]string{"start"}, api...)...); err == nil || !strings.Contains(err.Error(), "Failed to start") {
		t.Fatalf("remote failure should be an error, got %v", err)
	}
	out, err = run(t, append([]string{"log"}, api...)...)
	if err != nil || out != "frame=7\n" {
		t.Fatalf("remote log: %v %q", err, out)
	}
	if _, err := run(t, "status", "--api-url", srv.URL+"/api", "--api-token", "wrong"); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("wrong token should fail, got %v", err)
	}
}
