package main

import (
	"github.com/joho/godotenv"

	"coindrift/internal/cli"
)

func main() {
	// Optional .env for local development; real deployments use the
	// environment or a config file.
	_ = godotenv.Load()

	cli.Execute()
}
