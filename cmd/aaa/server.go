package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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
	"golang.org/x/sync/errgroup"

	"github.com/dohoonidot/aaa-client/internal/api"
	"github.com/dohoonidot/aaa-client/internal/config"
	"github.com/dohoonidot/aaa-client/internal/push"
	"github.com/dohoonidot/aaa-client/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the notification client and local API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running aaa client",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show client, channel and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "serve MCP over stdin/stdout instead of HTTP on server.mcp_port")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "aaa.pid")
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

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "aaa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level, os.Stderr)
	slog.SetDefault(logger)

	ring, err := config.OpenKeyring()
	if err != nil {
		logger.Warn("keyring unavailable", "error", err)
	}
	apiToken, err := config.GetAPIToken(ring)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	if cfg.Session.ID == "" {
		printWarning("No session stored. Run `aaa session login <id>` or set AAA_SESSION_ID.")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("aaa is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("aaa is already running on port %d", cfg.Server.Port)
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

	acker := push.NewHTTPAcker(cfg.Backend.BaseURL, cfg.Ack.Path, cfg.Session.ID)
	a, err := newApp(cfg, db, newTransport(cfg, logger), acker, logger)
	if err != nil {
		return err
	}

	control := channelControl{ctx: ctx, channel: a.channel}
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:   a.store,
		Acks:    a.acks,
		Channel: control,
		History: db,
		Token:   apiToken,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: appHandler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:   a.store,
		Acks:    a.acks,
		Channel: control,
		Version: version,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "aaa listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	var mcpHTTP *http.Server
	if mcpStdio {
		g.Go(func() error {
			stdioSrv := server.NewStdioServer(mcpSrv)
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp stdio server: %w", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	} else {
		mcpHTTP = &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort),
			Handler: server.NewStreamableHTTPServer(mcpSrv),
		}
		g.Go(func() error {
			if err := mcpHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
		logger.Info("MCP server started (streamable HTTP)", "addr", mcpHTTP.Addr)
	}

	if cfg.Push.Enabled {
		g.Go(func() error {
			return a.channel.Run(gctx)
		})
	} else {
		logger.Info("push channel disabled; enable it with `aaa channel enable`")
	}

	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		a.channel.Disconnect()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if mcpHTTP != nil {
			if mErr := mcpHTTP.Shutdown(shutdownCtx); mErr != nil && err == nil {
				err = mErr
			}
		}
		a.shutdown(shutdownCtx)
		return err
	})

	return g.Wait()
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
		printError("aaa is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop aaa (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to aaa (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	printStatus("Backend", "%s", cfg.Backend.BaseURL)
	if cfg.Session.ID != "" {
		printStatus("Session", "logged in")
	} else {
		printStatus("Session", "not logged in")
	}

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	var ch api.ChannelStatus
	if resp, err := client.get(ctx, "/v1/channel"); err == nil && decodeJSON(resp, &ch) == nil {
		printStatus("Push channel", "%s (%s)", ch.State, enabledLabel(ch.Enabled))
	}
	var list api.NotificationList
	if resp, err := client.get(ctx, "/v1/notifications"); err == nil && decodeJSON(resp, &list) == nil {
		printStatus("Notifications", "%d (%d unread)", len(list.Notifications), list.Unread)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
