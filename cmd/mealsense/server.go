package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/mealsense/internal/api"
	"github.com/kalambet/mealsense/internal/cache"
	"github.com/kalambet/mealsense/internal/config"
	"github.com/kalambet/mealsense/internal/events"
	"github.com/kalambet/mealsense/internal/learning"
	"github.com/kalambet/mealsense/internal/metrics"
	"github.com/kalambet/mealsense/internal/oracle"
	"github.com/kalambet/mealsense/internal/pipeline"
	"github.com/kalambet/mealsense/internal/profile"
	"github.com/kalambet/mealsense/internal/retry"
	"github.com/kalambet/mealsense/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mealsense server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mealsense server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mealsense status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mealsense.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// retryPolicies builds the transient and bad-JSON policies from config.
func retryPolicies(cfg config.RetryConfig) (*retry.Policy, *retry.Policy) {
	transient := retry.DefaultConfig()
	transient.MaxAttempts = cfg.MaxAttempts
	transient.InitialDelay = config.Duration(cfg.InitialDelay)
	transient.MaxDelay = config.Duration(cfg.MaxDelay)

	badJSON := retry.BadJSONConfig()
	badJSON.MaxAttempts = cfg.BadJSONAttempts

	return retry.New(transient), retry.New(badJSON)
}

func newTransport(ctx context.Context, cfg config.OracleConfig) (oracle.Transport, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		t := oracle.NewOllama(cfg.OllamaURL, cfg.Model)
		if !t.IsRunning(ctx) {
			printWarning("Ollama is not reachable at %s; analyses will fail until it starts", cfg.OllamaURL)
			return t, nil
		}
		if err := t.EnsureModel(ctx, os.Stderr); err != nil {
			return nil, fmt.Errorf("preparing Ollama model: %w", err)
		}
		return t, nil
	case config.ProviderOpenRouter:
		return oracle.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.Model), nil
	}
	return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
}

func newAnalysisCache(ctx context.Context, cfg config.Config, store *storage.Store) (cache.AnalysisCache, error) {
	if cfg.Cache.Backend == config.CacheRedis {
		rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisAddr, store, cfg.CacheFreshness())
		if err != nil {
			return nil, fmt.Errorf("connecting to redis cache: %w", err)
		}
		return rc, nil
	}
	return cache.NewSQLiteCacheWithClock(store, realClock{}, cfg.CacheFreshness()), nil
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "mealsense version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Check if a server is already running via the health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("mealsense is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	printStep("Using %s oracle (%s)", cfg.Oracle.Provider, cfg.Oracle.Model)
	transport, err := newTransport(ctx, cfg.Oracle)
	if err != nil {
		return err
	}
	transient, badJSON := retryPolicies(cfg.Retry)
	oracleClient := oracle.NewClient(transport, transient, badJSON, config.Duration(cfg.Oracle.AttemptTimeout))

	analysisCache, err := newAnalysisCache(ctx, cfg, store)
	if err != nil {
		return err
	}
	slog.Info("analysis cache ready", "backend", cfg.Cache.Backend, "freshness", cfg.CacheFreshness())

	prefs := profile.NewManager(store)
	loop := learning.New(store)
	tracker := metrics.NewTracker(store)

	queue := events.NewQueue(store, cfg.Events.BatchSize, config.Duration(cfg.Events.FlushInterval))
	queue.Start(ctx)

	analyzer := pipeline.NewAnalyzer(pipeline.Deps{
		Store:       store,
		Cache:       analysisCache,
		Oracle:      oracleClient,
		Preferences: prefs,
		Learner:     loop,
		Events:      queue,
	})

	if cfg.Server.APIToken == "" {
		printWarning("MEALSENSE_API_TOKEN is not set; /v1 is unauthenticated on localhost")
	}
	handler := api.NewAppHandler(api.AppDeps{
		Analyzer: analyzer,
		Store:    store,
		Profile:  prefs,
		Learning: loop,
		Metrics:  tracker,
		Cache:    analysisCache,
		Token:    cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Learning: loop,
		Metrics:  tracker,
		Cache:    analysisCache,
	})
	var mcpHandler http.Handler = server.NewStreamableHTTPServer(mcpSrv)
	if cfg.Server.APIToken != "" {
		mcpHandler = api.BearerAuth(cfg.Server.APIToken)(mcpHandler)
	}
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	mcpHTTP := &http.Server{
		Addr:              mcpAddr,
		Handler:           mcpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := mcpHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("MCP HTTP server error", "error", err)
		}
	}()
	slog.Info("MCP server started (streamable HTTP)", "addr", mcpAddr)

	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "mealsense listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srvErr := srv.Shutdown(shutdownCtx)
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		slog.Warn("event queue did not drain", "pending", queue.Pending(), "error", err)
	}
	return srvErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("mealsense is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop mealsense (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to mealsense (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("MCP", "port %d", cfg.Server.MCPPort)
	printStatus("Oracle", "%s (%s)", cfg.Oracle.Provider, cfg.Oracle.Model)
	if cfg.Oracle.Provider == config.ProviderOllama {
		if oracle.NewOllama(cfg.Oracle.OllamaURL, cfg.Oracle.Model).IsRunning(context.Background()) {
			printStatus("Ollama", "running at %s", cfg.Oracle.OllamaURL)
		} else {
			printStatus("Ollama", "not running")
		}
	}
	printStatus("Cache", "%s, %d day freshness", cfg.Cache.Backend, cfg.Cache.FreshnessDays)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
