// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/librenetworks/amps/internal/config"
	"github.com/librenetworks/amps/internal/health"
	"github.com/librenetworks/amps/internal/httpapi"
	"github.com/librenetworks/amps/internal/lock"
	"github.com/librenetworks/amps/internal/manifest"
	"github.com/librenetworks/amps/internal/menu"
	"github.com/librenetworks/amps/internal/model"
	"github.com/librenetworks/amps/internal/registry"
	"github.com/librenetworks/amps/internal/resolver"
	"github.com/librenetworks/amps/internal/scheduler"
	"github.com/librenetworks/amps/internal/supervisor"
	"github.com/librenetworks/amps/internal/transcoder"
	"github.com/librenetworks/amps/internal/util"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1
	exitUsage   = 2
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(exitUsage)
		}
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// usageError marks an error that should exit(2) instead of exit(1):
// bad CLI usage, and a client command's server being unreachable.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

// run is the main entry point, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "serve":
		return runServe(commandArgs)
	case "list":
		return runList(commandArgs)
	case "tuners":
		return runTuners(commandArgs)
	case "shutdown":
		return runShutdown(commandArgs)
	case "vlc":
		return runVLC(commandArgs)
	case "menu":
		return runMenu(commandArgs)
	default:
		return usageError{fmt.Errorf("unknown command: %s (run 'amps help' for usage)", command)}
	}
}

func runHelp() error {
	fmt.Printf(`amps v%s

USAGE:
    amps [COMMAND] [OPTIONS]

COMMANDS:
    help               Show this help message
    version            Show version information
    serve              Run the amps server (transcoder, scheduler, HTTP API)
    list               List configured channels
    tuners             Show live tuner status (--watch for a live dashboard)
    shutdown           Request a graceful shutdown of a running server
    vlc                Launch VLC against a channel's stream URL
    menu               Launch interactive management menu

OPTIONS:
    --config PATH      Path to configuration file (default: %s, or $AMPS_CONFIG)
    --help, -h         Show help for the command

EXAMPLES:
    # Run the server with the default config
    amps serve

    # Run with an explicit config file
    amps serve --config=/path/to/config.yaml

    # List configured channels
    amps list --base-url=http://localhost:8080

    # Watch the live tuner dashboard
    amps tuners --watch --base-url=http://localhost:8080

    # Open channel 3 in VLC, for the EU region
    amps vlc --stream-id=3 --region=EU
`, Version, config.DefaultConfigPath)
	return nil
}

func runVersion() error {
	fmt.Printf("amps\n")
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Built:      %s\n", BuildDate)
	return nil
}

// flagValue extracts "--name=value" or "--name value" from args. The
// subcommands each take one or two flags, so a manual scan beats
// threading flag.FlagSet state through the dispatch switch.
func flagValue(args []string, name string) (string, bool) {
	prefix := "--" + name + "="
	for i, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix), true
		}
		if a == "--"+name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func flagBool(args []string, name string) bool {
	for _, a := range args {
		if a == "--"+name {
			return true
		}
	}
	return false
}

// runServe boots the full server: config load, registry, transcoder
// manager, manifest watcher, resolver, scheduler, HTTP API, all wired
// into one supervisor.Supervisor and run until SIGINT/SIGTERM.
func runServe(args []string) error {
	configPath, _ := flagValue(args, "config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The daemon logs structured JSON to stdout; interactive subcommands
	// keep plain text.
	level := slog.LevelInfo
	if cfg.Server.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if cfg.Server.MediaRoot == "" {
		cfg.Server.MediaRoot = filepath.Join(os.TempDir(), "amps")
	}
	if err := os.MkdirAll(cfg.Server.MediaRoot, 0o750); err != nil {
		return fmt.Errorf("create media root: %w", err)
	}

	fl, err := lock.Acquire(filepath.Join(cfg.Server.MediaRoot, "amps.lock"), 10*time.Second)
	if err != nil {
		return fmt.Errorf("another amps server already holds %s: %w", cfg.Server.MediaRoot, err)
	}
	defer fl.Release() //nolint:errcheck

	ffmpegPath, err := findFFmpegPath()
	if err != nil {
		return err
	}

	reg := registry.New(nil)
	for _, ch := range cfg.Streams {
		if err := reg.Add(ch); err != nil {
			logger.Warn("serve: skipping static channel", "id", ch.ID, "err", err)
		}
	}

	var res transcoder.Resolver
	if needsResolver(cfg) {
		res = resolver.New(resolver.Config{Logger: logger})
	}

	manifestWatcher := manifest.New(logger)
	defer manifestWatcher.Close()

	mgr := transcoder.NewManager(transcoder.ManagerConfig{
		Channels:   reg,
		Profiles:   cfg.FFmpegProfiles,
		Resolver:   res,
		FFmpegPath: ffmpegPath,
		MediaRoot:  cfg.Server.MediaRoot,
		Logger:     logger,
		Manifest:   manifestWatcher,
	})
	reg.SetOnDelete(mgr.TerminateChannel)
	defer mgr.Shutdown()

	sched := scheduler.New(scheduler.Config{
		Entries:  cfg.ScheduledStreams,
		Registry: reg,
		Logger:   logger,
	})

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	handler := httpapi.NewRouter(httpapi.Config{
		Registry:  reg,
		Manager:   mgr,
		Manifest:  manifestWatcher,
		MediaRoot: cfg.Server.MediaRoot,
		Token:     cfg.Server.Token,
		BaseURL:   baseURL,
		Logger:    logger,
	})

	sup := supervisor.New(supervisor.Config{
		Name:            "amps",
		ShutdownTimeout: 15 * time.Second,
		Logger:          logger,
	})

	if err := sup.Add(mgr); err != nil {
		return fmt.Errorf("register transcoder sweeper: %w", err)
	}
	if err := sup.Add(sched); err != nil {
		return fmt.Errorf("register scheduler: %w", err)
	}
	if err := sup.Add(&httpService{addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), handler: handler}); err != nil {
		return fmt.Errorf("register http server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	util.SafeGo("amps-signal-wait", os.Stderr, func() {
		sig := <-sigCh
		logger.Info("serve: received signal, shutting down", "signal", sig.String())
		cancel()
	}, nil)

	logger.Info("serve: starting", "host", cfg.Server.Host, "port", cfg.Server.Port, "channels", len(reg.List()))
	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info("serve: shutdown complete")
	return nil
}

// needsResolver reports whether any configured channel or variant opts
// into C6 resolution, so serve can skip constructing a Resolver (and its
// yt-dlp dependency check) entirely when nothing uses it.
func needsResolver(cfg *config.Config) bool {
	for _, ch := range cfg.Streams {
		if ch.InputTuning != nil && ch.InputTuning.ResolverFlag {
			return true
		}
		for _, v := range ch.Variants {
			if v.InputTuning != nil && v.InputTuning.ResolverFlag {
				return true
			}
		}
	}
	for _, sc := range cfg.ScheduledStreams {
		if sc.Channel.InputTuning != nil && sc.Channel.InputTuning.ResolverFlag {
			return true
		}
	}
	return false
}

// httpService adapts an http.Handler into a supervisor.Service, driven by
// internal/health.ListenAndServe's own listen-and-serve-until-cancelled
// loop rather than a second copy of the same shutdown dance.
type httpService struct {
	addr    string
	handler http.Handler
}

func (h *httpService) Name() string { return "http-api" }

func (h *httpService) Run(ctx context.Context) error {
	err := health.ListenAndServe(ctx, h.addr, h.handler)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func findFFmpegPath() (string, error) {
	paths := []string{"/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg", "/opt/homebrew/bin/ffmpeg"}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		p := filepath.Join(dir, "ffmpeg")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found in common locations or PATH")
}

// httpGet issues an authenticated GET against a running amps server and
// returns the response body, failing on any non-2xx status.
func httpGet(rawURL, token string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, usageError{fmt.Errorf("server unreachable: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// runList prints configured channels from a running server's JSON API.
func runList(args []string) error {
	base, _ := flagValue(args, "base-url")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	token, _ := flagValue(args, "token")

	body, err := httpGet(base+"/api/streams", token)
	if err != nil {
		return fmt.Errorf("fetch channel list: %w", err)
	}
	var channels []model.Channel
	if err := json.Unmarshal(body, &channels); err != nil {
		return fmt.Errorf("decode channel list: %w", err)
	}

	fmt.Println("Channels")
	fmt.Println("--------")
	if len(channels) == 0 {
		fmt.Println("  (none configured)")
	}
	for _, ch := range channels {
		fmt.Printf("  %3d  %-24s group=%-12s variants=%d\n", ch.ID, ch.Name, ch.Group, len(ch.Variants))
	}
	return nil
}

// runTuners shows live tuner status, either a one-shot text dump or (with
// --watch) the bubbletea live dashboard adapted from internal/menu's
// charm-ecosystem usage.
func runTuners(args []string) error {
	base, _ := flagValue(args, "base-url")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	token, _ := flagValue(args, "token")

	if flagBool(args, "watch") {
		return menu.RunDashboard(base, token)
	}

	body, err := httpGet(base+"/healthz", token)
	if err != nil {
		return fmt.Errorf("fetch tuner status: %w", err)
	}
	var resp health.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode tuner status: %w", err)
	}

	fmt.Printf("Status: %s (as of %s)\n\n", resp.Status, resp.Timestamp.Format(time.RFC3339))
	if len(resp.Services) == 0 {
		fmt.Println("  (no live tuners)")
		return nil
	}
	for _, svc := range resp.Services {
		fmt.Printf("  %-40s state=%-8s healthy=%-5t restarts=%-3d subscribers=%d out=%s\n",
			svc.Name, svc.State, svc.Healthy, svc.Restarts, svc.Subscribers, humanize.Bytes(uint64(svc.BytesOut)))
	}
	return nil
}

// runShutdown requests a running server's graceful shutdown. There is
// deliberately no remote-shutdown API route (process control stays
// local), so this signals the local process found via its media-root
// lock file's recorded PID.
func runShutdown(args []string) error {
	mediaRoot, _ := flagValue(args, "media-root")
	if mediaRoot == "" {
		mediaRoot = filepath.Join(os.TempDir(), "amps")
	}
	pid, err := lock.ReadPID(filepath.Join(mediaRoot, "amps.lock"))
	if err != nil {
		return fmt.Errorf("read server PID from lock: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to amps server (pid %d)\n", pid)
	return nil
}

// runVLC launches the system VLC player against a channel's stream URL,
// the same RunCommand-a-player idiom internal/menu uses for its own
// external-tool actions.
func runVLC(args []string) error {
	base, _ := flagValue(args, "base-url")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	idStr, ok := flagValue(args, "stream-id")
	if !ok {
		return usageError{fmt.Errorf("vlc requires --stream-id=N")}
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return usageError{fmt.Errorf("invalid --stream-id: %w", err)}
	}
	region, _ := flagValue(args, "region")
	token, _ := flagValue(args, "token")

	u := fmt.Sprintf("%s/stream/%d", strings.TrimRight(base, "/"), id)
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if region != "" {
		q.Set("region", region)
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	return menu.RunCommand(os.Stdout, "vlc", u)
}

// runMenu launches the interactive management menu.
func runMenu(args []string) error {
	m := menu.CreateMainMenu()
	return m.Display()
}
