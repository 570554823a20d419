package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/config"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/defra"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/home"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sourcelibrary server",
	Long: `Start the sourcelibrary HTTP server.

This starts both the HTTP API server and the DefraDB container.
When the server shuts down (via Ctrl+C or SIGTERM), DefraDB is also stopped.

Configuration is hot-reloaded: edits to the config file apply to new
requests without a restart.

Examples:
  sourcelibrary serve                    # Start on default port 8080
  sourcelibrary serve --port 3000        # Start on custom port
  sourcelibrary serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// Load configuration with hot reload
		cfgPath := cfgFile
		if cfgPath == "" && h.ConfigExists() {
			cfgPath = h.ConfigPath()
		}
		cfgMgr, err := config.NewManager(cfgPath)
		if err != nil {
			return err
		}
		cfgMgr.WatchConfig()
		cfg := cfgMgr.Get()

		port := servePort
		if port == "" {
			port = cfg.Server.Port
		}

		// Create server
		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          port,
			DefraDataPath: h.DataPath(),
			DefraConfig: defra.DockerConfig{
				ContainerName: cfg.Defra.ContainerName,
				Image:         cfg.Defra.Image,
				HostPort:      cfg.Defra.Port,
			},
			ConfigManager: cfgMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default: from config)")

	rootCmd.AddCommand(serveCmd)
}
