package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/platepal/internal/config"
	"github.com/harun/platepal/pkg/agent"
	"github.com/harun/platepal/pkg/gateway"
	"github.com/harun/platepal/pkg/session"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation API server",
	Long: `Run the conversation API server in the foreground.
Clients talk to /api/conversation over HTTP and receive run events on /ws.
SIGINT or SIGTERM shuts the server down gracefully.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The executor is wired before the broadcaster exists; it only publishes
	// once the server accepts requests.
	clients := gateway.NewClientRegistry()
	var broadcaster *gateway.EventBroadcaster

	a, err := newApp(ctx, cfg, appOptions{
		console: true,
		events: agent.EventSinkFunc(func(ev agent.Event) {
			if broadcaster != nil {
				broadcaster.Publish(ev)
			}
		}),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.zlog()
	broadcaster = gateway.NewEventBroadcaster(clients, logger)

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		SharedSecret:      cfg.Server.SharedSecret,
		TickInterval:      cfg.Server.TickInterval(),
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		MaxConcurrent:     cfg.Server.MaxConcurrent,
		Conversations:     a.manager,
		Clients:           clients,
		Broadcaster:       broadcaster,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	cleanup := session.NewCleanup(a.manager, cfg.Engine.IdleTimeout())
	if err := cleanup.Start(); err != nil {
		return err
	}
	defer func() { _ = cleanup.Stop() }()

	if err := server.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "platepal listening on %s\n", server.Addr())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func applyServeFlags(cfg *config.Config) {
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
}
