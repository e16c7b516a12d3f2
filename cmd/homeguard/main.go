package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/technosupport/homeguard/internal/app"
	"github.com/technosupport/homeguard/internal/config"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the YAML configuration")
	watch := flag.Bool("watch", true, "Reload hub and camera settings when the configuration file changes")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Wiring
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Startup error: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		log.Fatalf("Startup error: %v", err)
	}
	log.Printf("[INFO] homeguard started (hub %s, camera enabled: %v)", cfg.Hub.DeviceID, cfg.Camera.Enabled)

	// 3. Config reload
	if *watch {
		w := config.NewWatcher(*configPath, a.Reload)
		go w.Run(ctx)
	}

	<-ctx.Done()
	log.Println("[INFO] Shutdown requested")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Stop(shutdownCtx)
}
