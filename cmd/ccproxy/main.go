// Package main is the CLI entry point for ccproxy — an LLM
// request-routing reverse proxy that classifies inbound completion
// requests, resolves a routing label to an upstream model, runs a
// DAG-ordered hook pipeline to attach credentials and repair headers,
// forwards upstream, and retries once on 401 after refreshing
// credentials.
//
// Architecture overview:
//
//	client --> ccproxy (:4000) --> upstream LLM provider
//	            |
//	            +-- classify request -> routing label
//	            |-- resolve label -> upstream model + credentials
//	            |-- run hook pipeline (OAuth, beta headers, identity)
//	            |-- forward, retry once on 401
//
// CLI commands (cobra):
//
//	ccproxy start             - start the proxy (foreground)
//	ccproxy stop              - stop a running proxy
//	ccproxy status            - show the last routed request
//	ccproxy config show|edit|generate
//	ccproxy routes list|test  - inspect / dry-run the routing table
//	ccproxy credentials status|refresh
//	ccproxy trace tail|query  - inspect captured MITM traces
//	ccproxy preflight check   - run startup checks standalone
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccproxy/ccproxy/internal/classifier"
	"github.com/ccproxy/ccproxy/internal/config"
	"github.com/ccproxy/ccproxy/internal/credentials"
	"github.com/ccproxy/ccproxy/internal/handler"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/metrics"
	"github.com/ccproxy/ccproxy/internal/mitm"
	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/preflight"
	"github.com/ccproxy/ccproxy/internal/router"
	"github.com/ccproxy/ccproxy/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configDir string
	logLevel  string
)

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ccproxy"
	}
	return filepath.Join(home, ".ccproxy")
}

func configPath() string { return filepath.Join(configDir, "ccproxy.yaml") }
func pidPath() string    { return filepath.Join(configDir, "ccproxy.pid") }

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ccproxy",
	Short: "ccproxy — LLM request-routing reverse proxy",
	Long: `ccproxy classifies inbound LLM completion requests against
configurable rules, routes them to an upstream model, attaches OAuth or
API-key credentials via a DAG-ordered hook pipeline, and forwards the
request upstream — retrying once on 401 after refreshing credentials.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to ccproxy config and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, configCmd, routesCmd, credentialsCmd, traceCmd, preflightCmd)
}

// ============================================================================
// ccproxy start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ccproxy server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

// buildStack wires config through credentials, classifier, router,
// hooks, and the pipeline executor — the same construction sequence
// every command that touches the routing table or credentials needs,
// factored out so `start`, `routes test`, and `credentials status`
// don't each re-derive it.
type stack struct {
	cfg      *config.Config
	creds    *credentials.Manager
	table    *router.Table
	classify *classifier.Classifier
	executor *pipeline.Executor
	metrics  *metrics.Collector
}

func buildStack(logger *slog.Logger) (*stack, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	providers := make([]string, 0, len(cfg.OATSources))
	for provider := range cfg.OATSources {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	sources := make([]credentials.Source, 0, len(providers))
	for _, provider := range providers {
		src := cfg.OATSources[provider]
		sources = append(sources, credentials.Source{
			Provider:     provider,
			Command:      src.Command,
			File:         src.File,
			UserAgent:    src.UserAgent,
			Destinations: src.Destinations,
		})
	}
	creds, err := credentials.New(sources, credentials.Options{
		TTL:           time.Duration(cfg.OAuthTTLSeconds) * time.Second,
		RefreshBuffer: cfg.OAuthRefreshBuffer,
		Executor:      credentials.ShellFileExecutor{},
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing credentials: %w", err)
	}

	loader := func() ([]router.ModelConfig, error) {
		current, err := config.Load(configPath())
		if err != nil {
			return nil, err
		}
		list := make([]router.ModelConfig, 0, len(current.Models))
		for _, m := range current.Models {
			list = append(list, router.ModelConfig{
				Label:             m.Label,
				Model:             m.Model,
				APIBase:           m.APIBase,
				APIKey:            m.APIKey,
				CustomLLMProvider: m.CustomLLMProvider,
			})
		}
		return list, nil
	}
	table, err := router.New(loader, cfg.DefaultModelPassthrough)
	if err != nil {
		return nil, fmt.Errorf("building routing table: %w", err)
	}

	var counter classifier.TokenCounter = classifier.NewTiktokenCounter()
	ruleEntries := make([]classifier.RuleConfig, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		ruleEntries = append(ruleEntries, classifier.RuleConfig{
			Label:     r.Name,
			Kind:      r.Rule,
			Param:     r.Param,
			Threshold: r.Threshold,
		})
	}
	ruleSet, err := classifier.BuildRuleSet(ruleEntries, counter)
	if err != nil {
		return nil, fmt.Errorf("building rule set: %w", err)
	}
	classify := classifier.NewClassifier(ruleSet, logger)

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.New()
	}

	dag, err := pipeline.BuildDAG(hooks.Builtin(classify, table, creds, func(outcome string) {
		collector.ObserveRoutingFallback(outcome)
	}), logger)
	if err != nil {
		return nil, fmt.Errorf("building hook pipeline: %w", err)
	}
	executor := pipeline.NewExecutor(dag, logger)
	executor.OnHookFailure = func(hookName string) { collector.ObserveHookFailure(hookName) }

	return &stack{cfg: cfg, creds: creds, table: table, classify: classify, executor: executor, metrics: collector}, nil
}

func runStart() error {
	logger := newLogger()
	slog.SetDefault(logger)

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", configDir, err)
	}

	s, err := buildStack(logger)
	if err != nil {
		return err
	}

	if err := preflight.Run(preflight.Options{ConfigDir: configDir, PIDFile: pidPath(), Ports: []int{s.cfg.Port}}); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}
	if err := preflight.WritePIDFile(pidPath()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer preflight.RemovePIDFile(pidPath())

	broadcaster := handler.NewStatusBroadcaster(logger)
	h := handler.New(s.executor, s.creds, logger, s.metrics, broadcaster.OnStatus)

	defaultUpstream := "https://api.anthropic.com"
	if len(s.cfg.Models) > 0 && s.cfg.Models[0].APIBase != "" {
		defaultUpstream = s.cfg.Models[0].APIBase
	}
	srv := server.New(server.Options{Handler: h, Logger: logger, DefaultUpstream: defaultUpstream})
	mux := srv.Mux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status, ok := h.LastStatus()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/status/ws", broadcaster.Handle)

	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	var addon *mitm.Addon
	if s.cfg.Mitm.Enabled {
		storage, err := mitm.OpenSQLiteStorage(filepath.Join(configDir, "traces.db"))
		if err != nil {
			return fmt.Errorf("opening mitm trace store: %w", err)
		}
		defer storage.Close()
		addon = mitm.NewAddon(s.cfg.Mitm, storage, logger)
		logger.Info("mitm capture addon enabled", "port", s.cfg.Mitm.Port)
		_ = addon // not attached to any listener: no request passes through it and no trace is written
	}

	watcher, err := config.NewWatcher(configPath(), config.WatchTargets{
		OnConfigChange: func() {
			if reloadErr := s.table.ReloadModels(); reloadErr != nil {
				logger.Warn("failed to reload routing table", "error", reloadErr)
			} else {
				logger.Info("routing table reloaded")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	s.creds.StartBackgroundRefresh(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ccproxy listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down (signal received)")
	case <-shutdownCh:
		logger.Info("shutting down (stop command received)")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	s.creds.Stop()
	logger.Info("stopped")
	return nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runInteractive execs an editor (or any interactive subprocess) with
// the current process's stdio attached.
func runInteractive(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if i := strings.LastIndex(remoteAddr, ":"); i != -1 {
		host = remoteAddr[:i]
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// ============================================================================
// ccproxy stop
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running ccproxy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		running, pid := preflight.IsProcessRunning(pidPath())
		if !running {
			return fmt.Errorf("ccproxy is not running")
		}
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		url := fmt.Sprintf("http://127.0.0.1:%d/shutdown", cfg.Port)
		resp, err := http.Post(url, "application/json", nil)
		if err == nil {
			resp.Body.Close()
			fmt.Println("ccproxy stopping")
			return nil
		}
		process, ferr := os.FindProcess(pid)
		if ferr != nil {
			return fmt.Errorf("finding process %d: %w", pid, ferr)
		}
		if serr := process.Signal(syscall.SIGTERM); serr != nil {
			return fmt.Errorf("sending SIGTERM to %d: %w", pid, serr)
		}
		fmt.Printf("sent SIGTERM to ccproxy (PID %d)\n", pid)
		return nil
	},
}

// ============================================================================
// ccproxy status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the proxy's last routed request",
	RunE: func(cmd *cobra.Command, args []string) error {
		running, pid := preflight.IsProcessRunning(pidPath())
		if !running {
			fmt.Println("ccproxy is not running")
			return nil
		}
		fmt.Printf("ccproxy is running (PID %d)\n", pid)

		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/status", cfg.Port))
		if err != nil {
			return fmt.Errorf("querying status: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNoContent {
			fmt.Println("no requests routed yet")
			return nil
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading status response: %w", err)
		}
		fmt.Println(string(body))
		return nil
	},
}

// ============================================================================
// ccproxy config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or edit the ccproxy configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default ccproxy.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := config.WriteDefault(configPath()); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		fmt.Println("wrote", configPath())
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open ccproxy.yaml in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath()); err != nil {
				return fmt.Errorf("writing default config: %w", err)
			}
		}
		return runInteractive(editor, configPath())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configGenerateCmd, configEditCmd)
}

// ============================================================================
// ccproxy routes
// ============================================================================

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect the routing table",
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every configured routing label",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if len(cfg.Models) == 0 {
			fmt.Println("no routes configured")
			return nil
		}
		for _, m := range cfg.Models {
			fmt.Printf("%-20s -> %s\n", m.Label, m.Model)
		}
		return nil
	},
}

var routesTestCmd = &cobra.Command{
	Use:   "test <model>",
	Short: "Classify a model name and show the resulting route",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		s, err := buildStack(logger)
		if err != nil {
			return err
		}
		label := s.classify.Classify(&classifier.Request{Model: args[0]})
		cfg, ok := s.table.GetModelForLabel(label)
		if !ok {
			fmt.Printf("label %q: no routing entry, passthrough=%v\n", label, s.table.DefaultPassthroughEnabled())
			return nil
		}
		fmt.Printf("label %q -> model %q (api_base=%q, provider=%q)\n", label, cfg.Model, cfg.APIBase, cfg.CustomLLMProvider)
		return nil
	},
}

func init() {
	routesCmd.AddCommand(routesListCmd, routesTestCmd)
}

// ============================================================================
// ccproxy credentials
// ============================================================================

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Inspect or refresh cached OAuth credentials",
}

var credentialsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cached-credential expiry per provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if len(cfg.OATSources) == 0 {
			fmt.Println("no oauth sources configured")
			return nil
		}
		logger := newLogger()
		s, err := buildStack(logger)
		if err != nil {
			return err
		}
		for provider := range cfg.OATSources {
			expired := s.creds.IsExpired(provider)
			fmt.Printf("%-20s expired=%v\n", provider, expired)
		}
		return nil
	},
}

var credentialsRefreshCmd = &cobra.Command{
	Use:   "refresh <provider>",
	Short: "Force-refresh one provider's OAuth token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		s, err := buildStack(logger)
		if err != nil {
			return err
		}
		if _, ok := s.creds.Refresh(args[0]); !ok {
			return fmt.Errorf("failed to refresh credentials for %q", args[0])
		}
		fmt.Printf("refreshed credentials for %q\n", args[0])
		return nil
	},
}

func init() {
	credentialsCmd.AddCommand(credentialsStatusCmd, credentialsRefreshCmd)
}

// ============================================================================
// ccproxy trace
// ============================================================================

var traceLimit int

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect MITM-captured traces",
}

var traceTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent captured traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceQuery("")
	},
}

var traceQueryCmd = &cobra.Command{
	Use:   "query <traffic-type>",
	Short: "Show captured traces filtered by traffic type (llm, mcp, web, other)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceQuery(args[0])
	},
}

func runTraceQuery(trafficType string) error {
	dbPath := filepath.Join(configDir, "traces.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("no trace store at %s; enable mitm and start ccproxy first", dbPath)
	}
	storage, err := mitm.OpenSQLiteStorage(dbPath)
	if err != nil {
		return fmt.Errorf("opening trace store: %w", err)
	}
	defer storage.Close()

	querier, ok := storage.(mitm.Querier)
	if !ok {
		return fmt.Errorf("trace store does not support querying")
	}
	traces, err := querier.Query(mitm.QueryParams{TrafficType: trafficType, Limit: traceLimit})
	if err != nil {
		return fmt.Errorf("querying traces: %w", err)
	}
	if len(traces) == 0 {
		fmt.Println("no traces found")
		return nil
	}
	for _, t := range traces {
		fmt.Printf("%s  %-5s %-4s %-30s %d  %.0fms\n", t.StartedAt.Format(time.RFC3339), t.TrafficType, t.Method, t.Host+t.Path, t.StatusCode, t.DurationMS)
	}
	return nil
}

func init() {
	traceCmd.PersistentFlags().IntVar(&traceLimit, "limit", 20, "maximum traces to show")
	traceCmd.AddCommand(traceTailCmd, traceQueryCmd)
}

// ============================================================================
// ccproxy preflight check
// ============================================================================

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Run startup checks without starting the server",
}

var preflightCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the PID/orphan/port checks standalone",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := preflight.Run(preflight.Options{ConfigDir: configDir, PIDFile: pidPath(), Ports: []int{cfg.Port}}); err != nil {
			return err
		}
		fmt.Println("preflight checks passed")
		return nil
	},
}

func init() {
	preflightCmd.AddCommand(preflightCheckCmd)
}
