package main

import (
	"os"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"promptforge/cmd/promptforge/cli"
)

func main() {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
