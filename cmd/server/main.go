// tunneld server - a self-hosted HTTP reverse-tunnel service.
//
// Agents open a long-lived WebSocket to /agent, register their tunnel, and
// receive framed public requests addressed to {BASE_URL}/{subdomain}/...
// The server persists tunnel lifecycle state, correlates request/response
// frames, and rolls per-request telemetry up into hourly and daily stats.
//
// Usage:
//
//	tunneld serve [--config configs/server.yaml] [--port 8080]
//
// Configuration comes from the environment (PORT, BASE_URL, JWT_SECRET,
// DATABASE_URL); a YAML file supplies defaults below it.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/essajiwa/tunneld/internal/database"
	serverauth "github.com/essajiwa/tunneld/internal/server/auth"
	"github.com/essajiwa/tunneld/internal/server/config"
	"github.com/essajiwa/tunneld/internal/server/control"
	"github.com/essajiwa/tunneld/internal/server/devauth"
	"github.com/essajiwa/tunneld/internal/server/geo"
	"github.com/essajiwa/tunneld/internal/server/metrics"
	"github.com/essajiwa/tunneld/internal/server/proxy"
	"github.com/essajiwa/tunneld/internal/server/registry"
	"github.com/essajiwa/tunneld/internal/server/relay"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
)

var (
	version = "dev" // set during build

	configPath string
	portFlag   int
)

var rootCmd = &cobra.Command{
	Use:     "tunneld",
	Short:   "A self-hosted HTTP reverse-tunnel server",
	Long:    `tunneld exposes local HTTP services to the internet through agent-held WebSocket tunnels, with per-tunnel request telemetry.`,
	Version: version,
}

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tunnel server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to optional YAML configuration file")
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "HTTP port (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}

	dialect := database.DialectSQLite
	if cfg.Database.Type == "postgres" {
		dialect = database.DialectPostgres
	}
	repo, err := database.NewRepository(dialect, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Printf("Database ready (%s)", cfg.Database.Type)

	tokens := serverauth.NewTokenService(cfg.Server.JWTSecret)
	reg := registry.NewRegistry()
	rel := relay.New(cfg.Server.RequestTimeout)
	resolver := geo.NewResolver(nil)

	pipeline := metrics.NewPipeline(repo, resolver)
	pipeline.Start()

	controlHandler := control.NewHandler(reg, repo, tokens, cfg.Server.BaseURL)
	deviceHandler := devauth.NewHandler(repo)
	deviceHandler.StartSweeper()

	serverCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	front := proxy.New(serverCtx, repo, reg, rel, pipeline, cfg.Server.MaxBodyBytes)

	router := mux.NewRouter()
	router.HandleFunc("/agent", controlHandler.HandleAgent)
	router.HandleFunc("/healthz", front.HandleHealthCheck)
	deviceHandler.Register(router)
	router.PathPrefix("/").Handler(front)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           recoverware(router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("tunneld %s listening on :%d (base URL %s)",
			version, cfg.Server.Port, cfg.Server.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		repo.Close()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	}

	// Drain: fail in-flight forwards with 503, stop accepting, flush
	// telemetry once, close agent sessions normally, release storage.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	flushed := make(chan struct{})
	go func() {
		pipeline.Stop()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		log.Printf("Metrics flush did not finish within 2s, continuing shutdown")
	}
	deviceHandler.Stop()
	reg.CloseAll(1000, "server shutting down")
	if err := repo.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// recoverware turns handler panics into 500s so one bad request cannot take
// the process down.
func recoverware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("Recovered from panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
