package config

import (
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadDevEnv loads a .env file into the process environment before Get()
// is first called, for local development. Missing is not an error.
func LoadDevEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file found")
	}
}
