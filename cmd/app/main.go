package main

import (
	"flag"
	"log"
	"os"

	"FinPulse/internal/di"
	"FinPulse/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s backend=%s assets=%v", cfg.Environment, cfg.Backend.Type, cfg.Binance.Assets)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	// blocks until SIGINT or SIGTERM
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
