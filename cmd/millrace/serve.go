package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	// Register the generated OpenAPI spec.
	_ "github.com/millrace/millrace/docs/swagger"
	"github.com/millrace/millrace/internal/config"
	"github.com/millrace/millrace/internal/server"
	"github.com/millrace/millrace/internal/store"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the millrace server",
	Long: `Start the millrace HTTP server.

The record store backend comes from the config's store section: "memory"
keeps everything in process, "postgres" connects to an existing database,
and a managed postgres store also runs the database container via Docker.
When the server shuts down (via Ctrl+C or SIGTERM) a managed container is
stopped with it.

Examples:
  millrace serve                 # Start on default port 8080
  millrace serve --port 3000     # Start on custom port
  millrace serve --host 0.0.0.0  # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		home, err := resolveHome()
		if err != nil {
			return err
		}

		configMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		configMgr.WatchConfig()
		cfg := configMgr.Get()

		host := serveHost
		if host == "" {
			host = cfg.Server.Host
		}
		port := servePort
		if port == "" {
			port = cfg.Server.Port
		}

		var dockerManager *store.DockerManager
		if cfg.Store.Backend == "postgres" && cfg.Store.Managed {
			dataPath := filepath.Join(home, "postgres")
			if err := os.MkdirAll(dataPath, 0755); err != nil {
				return err
			}
			dockerManager, err = store.NewDockerManager(store.DockerConfig{
				ContainerName: cfg.Store.ContainerName,
				Image:         cfg.Store.Image,
				DataPath:      dataPath,
				HostPort:      cfg.Store.Port,
			})
			if err != nil {
				return err
			}
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			DockerManager: dockerManager,
			ConfigManager: configMgr,
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
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from config)")

	rootCmd.AddCommand(serveCmd)
}
