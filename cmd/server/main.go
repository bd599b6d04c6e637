package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"aivr-agent/internal/app"
	"aivr-agent/internal/config"
)

func main() {
	// Config
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Fatalf("config error: %s", err)
		}
	}

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("%s", err)
	}

	// Run
	if err := app.Run(cfg); err != nil {
		log.Fatalf("app error: %s", err)
	}
}
