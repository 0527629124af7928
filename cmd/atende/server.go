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
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/atendebot/atende/internal/api"
	"github.com/atendebot/atende/internal/bot"
	"github.com/atendebot/atende/internal/cache"
	"github.com/atendebot/atende/internal/channel"
	"github.com/atendebot/atende/internal/config"
	"github.com/atendebot/atende/internal/gemini"
	"github.com/atendebot/atende/internal/knowledge"
	"github.com/atendebot/atende/internal/profile"
	"github.com/atendebot/atende/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the atende server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running atende server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show atende server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "atende.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "atende version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateChannel(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Business.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. A live health endpoint means another instance
	// owns the port and the database.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("atende is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("atende is already running on port %d", cfg.Server.Port)
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

	client := gemini.New(cfg.Gemini.APIKey, cfg.Gemini.Model)

	// Resolve knowledge sources into uploadable assets before anything
	// touches the network.
	sources := make([]knowledge.Source, len(cfg.Knowledge.Sources))
	for i, src := range cfg.Knowledge.Sources {
		sources[i] = knowledge.Source{Name: src.Name, Path: src.Path}
	}
	assets, err := knowledge.Load(cfg.Storage.DataDir, sources)
	if err != nil {
		return fmt.Errorf("loading knowledge files: %w", err)
	}

	cacheMgr := cache.NewManager(cache.ManagerConfig{
		Caches:            client,
		Uploader:          cache.NewUploader(client),
		Assets:            assets,
		DisplayName:       cfg.Knowledge.CacheDisplayName,
		Description:       "Base de conhecimento da loja",
		SystemInstruction: cfg.Knowledge.SystemInstruction,
	})

	// The cache is a hard startup dependency: without it every turn would
	// abort anyway.
	if _, err := cacheMgr.EnsureCache(ctx); err != nil {
		return fmt.Errorf("ensuring context cache: %w", err)
	}
	printSuccess("Context cache ready")

	profileStore := profile.NewStore(store)

	orchestrator := bot.New(bot.Config{
		Profiles: profileStore,
		Caches:   cacheMgr,
		Model:    client,
		Audit:    store,
	})

	sender := channel.NewSender(cfg.WhatsApp.APIURL, cfg.WhatsApp.AccessToken, cfg.WhatsApp.PhoneNumberID)

	srv := api.NewServer(api.ServerDeps{
		Bot:         orchestrator,
		Sender:      sender,
		Media:       sender,
		Admin:       store,
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AdminToken:  cfg.Server.AdminToken,
		Hours: api.Hours{
			Opening:  cfg.Business.OpeningHour,
			Closing:  cfg.Business.ClosingHour,
			Location: profileStore.Location(),
		},
	})

	// Rebuild the cache daily just after closing, when the previous one
	// expires.
	sched := cron.New(cron.WithLocation(profileStore.Location()))
	if _, err := sched.AddFunc(fmt.Sprintf("5 %d * * *", cfg.Business.ClosingHour), func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if _, err := cacheMgr.EnsureCache(refreshCtx); err != nil {
			slog.Error("scheduled cache refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling cache refresh: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// Staff MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "atende listening on %s\n", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Let in-flight conversation turns commit before the database closes.
	srv.Wait()
	return nil
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
		printError("atende is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop atende (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to atende (PID %d)", pid)
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
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.Gemini.Model)
	printStatus("Knowledge files", "%d", len(cfg.Knowledge.Sources))
	printStatus("Attended hours", "%dh-%dh", cfg.Business.OpeningHour, cfg.Business.ClosingHour)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
