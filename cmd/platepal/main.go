package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/harun/platepal/internal/cli"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// .env is optional; only a malformed file is worth a warning.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file, continuing with system environment")
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
