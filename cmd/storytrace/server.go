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

	"github.com/Neo-101/story-trace/internal/api"
	"github.com/Neo-101/story-trace/internal/cache"
	"github.com/Neo-101/story-trace/internal/checkpoint"
	"github.com/Neo-101/story-trace/internal/config"
	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/density"
	"github.com/Neo-101/story-trace/internal/jobs"
	"github.com/Neo-101/story-trace/internal/narrative"
	"github.com/Neo-101/story-trace/internal/narrative/relationship"
	"github.com/Neo-101/story-trace/internal/oracle"
	"github.com/Neo-101/story-trace/internal/pipeline"
	"github.com/Neo-101/story-trace/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the storytrace server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running storytrace server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storytrace status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("stdio", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "storytrace.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// app holds every long-lived component of a running server.
type app struct {
	store    *storage.Store
	analyzer *pipeline.Analyzer
	jobs     *jobs.Registry
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing component", "error", err)
		}
	}
}

// buildApp opens storage and wires the analysis engine from cfg.
func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{jobs: jobs.NewRegistry()}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	checkpoints, closeCheckpoints, err := checkpoint.Open(cfg.Storage.CheckpointBackend, store.DB(), cfg.Storage.DataDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	a.closers = append(a.closers, closeCheckpoints)

	opts := narrative.Options{Logger: slog.Default()}

	if cfg.Cache.Enabled {
		c, err := cache.Open(filepath.Join(cfg.Storage.DataDir, "cache.db"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening response cache: %w", err)
		}
		opts.Cache = c
		a.closers = append(a.closers, c.Close)
	}

	client, err := oracle.New(ctx, oracle.Config{
		Provider:     cfg.Oracle.Provider,
		Model:        cfg.Oracle.Model,
		BaseURL:      cfg.Oracle.BaseURL,
		APIKey:       cfg.Oracle.APIKey(),
		Temperature:  cfg.Oracle.Temperature,
		Timeout:      cfg.Oracle.Timeout,
		MaxRetries:   cfg.Oracle.MaxRetries,
		RetryBackoff: cfg.Oracle.RetryBackoff,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configuring oracle: %w", err)
	}
	if client != nil {
		opts.Oracle = client
		opts.ModelConfig = client.ModelConfig()
		a.closers = append(a.closers, client.Close)
	} else {
		slog.Warn("no oracle configured, states will only be carried forward")
	}

	if cfg.Oracle.Provider == oracle.ProviderOllama {
		probe := oracle.NewOllamaClient(cfg.Oracle.BaseURL, cfg.Oracle.Model, cfg.Oracle.Temperature)
		if err := probe.EnsureReady(ctx, os.Stderr); err != nil {
			slog.Warn("ollama not ready, evolution steps will carry state forward", "error", err)
		}
	}

	strategies, err := narrative.NewRegistry(relationship.New(cfg.Analysis.OutputLanguage))
	if err != nil {
		a.Close()
		return nil, err
	}
	engine := narrative.NewEngine(checkpoints, strategies, opts)

	aliases, err := corpus.LoadAliases(cfg.Analysis.AliasesFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	weights := density.DefaultWeights()
	weights.Floor = cfg.Analysis.DensityFloor
	weights.Multiplier = cfg.Analysis.DensityMultiplier
	scorer := density.NewScorer(corpus.NewNormalizer(aliases), weights)

	a.analyzer = pipeline.NewAnalyzer(store, engine, scorer, cfg.Analysis.Workers)
	return a, nil
}

func runServer(stdio bool) error {
	fmt.Fprintf(os.Stderr, "storytrace version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("storytrace is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("storytrace is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(api.Deps{
		Analyzer:   a.analyzer,
		Corpora:    a.store,
		Jobs:       a.jobs,
		Token:      apiToken,
		JobContext: ctx,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if stdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Analyzer:   a.analyzer,
			Jobs:       a.jobs,
			JobContext: ctx,
		}, version)
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
		fmt.Fprintf(os.Stderr, "storytrace listening on %s\n", addr)
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
	shutdownErr := srv.Shutdown(shutdownCtx)

	// Jobs observe ctx and stop at the next unit boundary.
	a.jobs.Wait()
	return shutdownErr
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
		printError("storytrace is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop storytrace (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to storytrace (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Oracle", "%s (%s)", cfg.Oracle.Provider, cfg.Oracle.Model)
	if cfg.Oracle.Provider == oracle.ProviderOllama {
		probe := oracle.NewOllamaClient(cfg.Oracle.BaseURL, cfg.Oracle.Model, 0)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if probe.IsRunning(ctx) {
			printStatus("Ollama", "running")
		} else {
			printStatus("Ollama", "not running")
		}
		cancel()
	}
	printStatus("Checkpoints", "%s", cfg.Storage.CheckpointBackend)

	if running {
		if client, err := newAPIClient(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			var corpora []storage.CorpusSummary
			if resp, err := client.get(ctx, "/corpora"); err == nil && decodeJSON(resp, &corpora) == nil {
				printStatus("Corpora", "%d", len(corpora))
			}
			var active []jobs.Job
			if resp, err := client.get(ctx, "/jobs?active_only=true"); err == nil && decodeJSON(resp, &active) == nil {
				printStatus("Active jobs", "%d", len(active))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
