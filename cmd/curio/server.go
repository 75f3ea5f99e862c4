package main

import (
	"context"
	"encoding/json"
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

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/curio/internal/api"
	"github.com/kalambet/curio/internal/app"
	"github.com/kalambet/curio/internal/config"
	"github.com/kalambet/curio/internal/inbox"
	"github.com/kalambet/curio/internal/producer"
	"github.com/kalambet/curio/internal/remote"
	"github.com/kalambet/curio/internal/storage"
	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the curio server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		withInbox, _ := cmd.Flags().GetBool("inbox")
		return runServer(withMCP, withInbox)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running curio server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show curio system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout")
	serveCmd.Flags().Bool("inbox", true, "watch the inbox directory")
}

// autoEnrich lists the artifacts generated for items saved without an
// explicit request.
var autoEnrich = []store.ArtifactKind{store.ArtifactTags, store.ArtifactSummary}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "curio.pid")
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

func runServer(withMCP, withInbox bool) error {
	fmt.Fprintf(os.Stderr, "curio version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "file", filepath.Join(cfg.Storage.DataDir, "api_token"))

	// A healthy server on our port means another instance owns the data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("curio is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("curio is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	driver, err := remote.New(ctx, cfg.Sync, logger)
	if err != nil {
		return fmt.Errorf("configuring sync: %w", err)
	}
	defer driver.Close()
	slog.Info("sync driver ready", "driver", driver.Name())

	a, err := app.New(app.Options{
		Storage:       db,
		Remote:        driver,
		QueueCapacity: cfg.Sync.QueueCapacity,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		Backoff:       syncBackoff(cfg.Sync),
		UploadWorkers: cfg.Sync.Workers,
		PollInterval:  cfg.Sync.PollInterval,
		EnrichWorkers: cfg.Enrichment.Workers,
		EnrichTimeout: cfg.Enrichment.Timeout,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("starting store: %w", err)
	}
	defer a.Close()

	// Producers are registered even when Ollama is down; requests then fail
	// per item and are reported as enrichment failures.
	ollamaClient := producer.NewClient(cfg.Ollama.BaseURL)
	if err := producer.EnsureReady(ctx, ollamaClient, []string{cfg.Ollama.TextModel, cfg.Ollama.VisionModel}, os.Stderr); err != nil {
		printWarning("enrichment unavailable: %v", err)
	}
	producer.NewSet(ollamaClient, producer.NewFetcher(&http.Client{Timeout: 30 * time.Second}),
		cfg.Ollama.TextModel, cfg.Ollama.VisionModel).Register(a)

	broker := api.NewBroker(0)
	defer broker.Close()
	unsubscribe := a.Subscribe(broker.Publish)
	defer unsubscribe()

	topRouter := chi.NewRouter()
	topRouter.Mount("/", api.NewHandler(api.Deps{App: a, Token: apiToken, Events: broker}))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := api.NewServer(addr, topRouter, broker)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Run(gctx)
	})

	if withInbox {
		w := inbox.New(a, inbox.Options{
			Dir:    cfg.Storage.InboxDir,
			Enrich: autoEnrich,
			Logger: logger.With("component", "inbox"),
		})
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(a, version))
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "curio listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.WaitEnrichments()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func syncBackoff(c config.SyncConfig) syncq.Backoff {
	return syncq.Backoff{Base: c.BaseDelay, Max: c.MaxDelay, Jitter: true}
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
		printError("curio is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop curio (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to curio (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
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

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}
	printStatus("Text model", "%s", cfg.Ollama.TextModel)
	printStatus("Vision model", "%s", cfg.Ollama.VisionModel)
	printStatus("Sync driver", "%s", cfg.Sync.Driver)

	if running {
		apiToken, tokenErr := config.GetAPIToken(cfg.Storage.DataDir)
		if tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: apiToken, httpClient: client}
			printServerCounts(ctx, c)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Inbox", "%s", cfg.Storage.InboxDir)
	return nil
}

func printServerCounts(ctx context.Context, c *apiClient) {
	const limit = 1000
	if resp, err := c.get(ctx, fmt.Sprintf("/items?limit=%d", limit)); err == nil {
		var items []json.RawMessage
		if decodeJSON(resp, &items) == nil {
			printStatus("Items", "%s", countLabel(len(items), limit))
		}
	}
	if resp, err := c.get(ctx, "/sync"); err == nil {
		var st app.SyncStatus
		if decodeJSON(resp, &st) == nil {
			printStatus("Sync queue", "%d pending, %d in flight, %d failed",
				st.Stats.Pending, st.Stats.InFlight, st.Stats.Failed)
			if len(st.Enrichments) > 0 {
				printStatus("Generating", "%d artifacts", len(st.Enrichments))
			}
		}
	}
}
