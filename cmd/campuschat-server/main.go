// Command campuschat-server runs the portal's real-time messaging server:
// the socket endpoint, the request/response surface, and the metrics
// listener.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aberthelot/campuschat/pkg/database"
	"github.com/aberthelot/campuschat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.campuschat/config.toml", "Path to config file")
	logFile := flag.String("log-file", "", "Mirror the error log to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		server.EnableDebugLogging()
	}
	if *logFile != "" {
		if err := server.EnableFileLogging(*logFile); err != nil {
			log.Fatalf("Failed to set up log file: %v", err)
		}
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg := config.ToServerConfig()
	if cfg.TokenSecret == "" {
		log.Fatal("Token secret is not set; set auth.token_secret in the config file or CAMPUSCHAT_AUTH_TOKEN_SECRET")
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	srv, err := server.NewServer(db, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	fmt.Printf("\nReceived %v, shutting down\n", sig)
	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
