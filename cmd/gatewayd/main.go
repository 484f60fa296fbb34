// Package main is the CLI entry point for gatewayd — a multi-protocol LLM
// routing gateway that sits between callers speaking the OpenAI chat,
// OpenAI responses, or Anthropic messages wire protocols and a pool of
// upstream providers.
//
// Architecture overview:
//
//	Caller (any of 3 wire protocols) --> gatewayd (:8080) --> LLM Provider
//	                                      |
//	                                      |-- classify request -> route
//	                                      |-- select healthy credential
//	                                      |-- translate to provider wire format
//	                                      |-- execute (retry across keys)
//	                                      |-- translate back to caller's protocol
//	                                      +-- log routing decision (hash-chained)
//
// CLI commands (cobra):
//
//	gatewayd serve [-d]  - Start the gateway (foreground or daemon)
//	gatewayd stop        - Stop a running gateway
//	gatewayd version     - Print build version info
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlmesh/gateway/internal/classify"
	"github.com/ctrlmesh/gateway/internal/config"
	"github.com/ctrlmesh/gateway/internal/credential"
	"github.com/ctrlmesh/gateway/internal/decisionlog"
	"github.com/ctrlmesh/gateway/internal/httpapi"
	"github.com/ctrlmesh/gateway/internal/llmswitch"
	"github.com/ctrlmesh/gateway/internal/provider"
	"github.com/ctrlmesh/gateway/internal/streaming"
	"github.com/ctrlmesh/gateway/internal/toolloop"
	"github.com/ctrlmesh/gateway/internal/vrouter"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.gatewayd/ where all runtime state
// lives: config.yaml and the decisions/ hash-chained log directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gatewayd"
	}
	return filepath.Join(home, ".gatewayd")
}

// main is the entry point. It builds the cobra command tree and executes it.
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the gateway's config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "gatewayd — multi-protocol LLM routing gateway",
	Long: `gatewayd routes OpenAI chat, OpenAI responses, and Anthropic messages
requests across a pool of upstream LLM providers: classifying each request,
selecting a healthy credential, rotating away from failing keys, and
translating between wire protocols so a caller speaking one protocol can be
served by a provider that speaks another.

Run 'gatewayd serve' to start the gateway.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to gatewayd config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
}

// ============================================================================
// gatewayd serve — Start the gateway
// ============================================================================

var daemonMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the gateway server. Classifies each inbound request, routes it to a
healthy upstream credential, and translates between wire protocols.

By default runs in the foreground. Use -d for daemon/background mode.

The gateway binds to the address configured in ~/.gatewayd/config.yaml
(default: 127.0.0.1:8080).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run gateway in daemon/background mode")
}

// runServe wires every subsystem together and starts the HTTP server:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.gatewayd/config.yaml
//  3. Build the credential pool, classifier, router, and protocol switch
//  4. Build the provider pipeline/controller, streaming manager, tool-loop
//     controller, and the decision log
//  5. Build the HTTP boundary and tuned upstream transport
//  6. Write PID file, start the config watcher, and serve until signaled
func runServe(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("GATEWAYD_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store := config.NewStore(cfg)

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(configDir, "state")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	decisionsDir := filepath.Join(configDir, "decisions")
	decisions, err := decisionlog.New(decisionsDir)
	if err != nil {
		return fmt.Errorf("failed to initialize decision log: %w", err)
	}
	defer decisions.Close()
	decisions.LogLifecycle("gateway_start", map[string]any{
		"version": version,
		"commit":  commit,
		"host":    cfg.HTTPServer.Host,
		"port":    cfg.HTTPServer.Port,
	})

	pool := credential.NewPool(stateDir)
	for providerID, prov := range cfg.VirtualRouter.Providers {
		for keyAlias, key := range prov.Auth.Keys {
			pool.Register(providerID, keyAlias, key.PriorityTier)
		}
	}

	classifier := classify.New(cfg.Classification)
	router := vrouter.New(cfg.VirtualRouter, pool)
	sw := llmswitch.New()

	// Shared per-provider connection pool: each provider gets its own
	// pooled http.Client built lazily on first call, with no client
	// Timeout since streaming responses can run for minutes — the
	// streaming manager's own idle timeout handles stuck upstreams at
	// the SSE level, not the transport level.
	connPool := provider.NewConnectionPool(provider.DefaultPoolConfig())
	pipeline := provider.NewPipeline(connPool)
	controller := provider.NewController(router, pool, pipeline, sw, cfg.VirtualRouter.Providers, cfg.Streaming.MaxRetriesPerRoute)

	idleTimeout := time.Duration(cfg.Streaming.IdleTimeoutMs) * time.Millisecond
	streamMgr := streaming.NewManager(sw, idleTimeout)

	loops := toolloop.New(toolloop.DefaultTTL, cfg.Streaming.MaxToolLoops)
	defer loops.Stop()

	server := httpapi.New(httpapi.Options{
		Classifier:  classifier,
		Router:      router,
		Switch:      sw,
		Controller:  controller,
		Streaming:   streamMgr,
		ToolLoop:    loops,
		Pool:        pool,
		DecisionLog: decisions,
		APIKey:      cfg.HTTPServer.APIKey,
	})

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())

	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTPServer.Host, cfg.HTTPServer.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout/ReadTimeout — streaming responses can take
		// minutes; the streaming manager's own idle timeout bounds a
		// stuck SSE stream, not the HTTP server.
	}

	pidFile := filepath.Join(configDir, "gatewayd.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func(path string) {
			newCfg, reloadErr := config.Load(path)
			if reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[gatewayd] Warning: failed to reload config: %v\n", reloadErr)
				return
			}
			store.Swap(newCfg)
			classifier.Reload(newCfg.Classification)
			router.Reload(newCfg.VirtualRouter)
			controller.Reload(newCfg.VirtualRouter.Providers, newCfg.Streaming.MaxRetriesPerRoute)
			for providerID, prov := range newCfg.VirtualRouter.Providers {
				for keyAlias, key := range prov.Auth.Keys {
					pool.Register(providerID, keyAlias, key.PriorityTier)
				}
			}
			fmt.Println("[gatewayd] Config reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[gatewayd] Listening on http://%s\n", addr)
		if !daemonMode {
			fmt.Println("[gatewayd] Press Ctrl+C to stop")
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[gatewayd] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[gatewayd] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[gatewayd] Shutdown error: %v\n", shutdownErr)
	}

	decisions.LogLifecycle("gateway_stop", nil)
	fmt.Println("[gatewayd] Stopped")
	return nil
}

// spawnDaemon re-executes the gatewayd binary as a detached background
// process. The parent process prints the child PID and exits immediately.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "gatewayd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"serve"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "GATEWAYD_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[gatewayd] Started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[gatewayd] Log file: %s\n", logPath)
	fmt.Println("[gatewayd] Use 'gatewayd stop' to stop the gateway")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[gatewayd] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

// writePIDFile writes the current process ID to the given file path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePIDFile removes the PID file if it exists. Called on shutdown.
func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback reports whether a remote address ("ip:port") is loopback.
// Used to restrict the /shutdown endpoint to local-only access.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// gatewayd stop — Stop the gateway
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Stop a running gateway. Tries HTTP shutdown first (cross-platform),
then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.HTTPServer.Host, cfg.HTTPServer.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[gatewayd] Stop signal sent")
			os.Remove(filepath.Join(configDir, "gatewayd.pid"))
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("gateway is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "gatewayd.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("gateway is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop gateway (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[gatewayd] Sent stop signal (PID %d)\n", pid)
	return nil
}

// ============================================================================
// gatewayd version — Print build info
// ============================================================================

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("gatewayd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return nil
	},
}
