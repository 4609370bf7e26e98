package utils

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/kelsos/screening-sync/internal/logger"
)

// LoadEnvironment loads environment variables from .env files.
// It tries the current directory, the directory of the executable and then
// any extra directories given. Values already set are never overridden, so
// the first file defining a variable wins.
func LoadEnvironment(extraDirs ...string) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found in current directory or error loading it: %v", err)
	} else {
		logger.Info("Successfully loaded .env file from current directory")
	}

	dirs := make([]string, 0, len(extraDirs)+1)
	if execPath, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(execPath))
	} else {
		logger.Debug("Could not determine executable path: %v", err)
	}
	dirs = append(dirs, extraDirs...)

	for _, dir := range dirs {
		loadFrom(dir)
	}
}

func loadFrom(dir string) bool {
	envPath := filepath.Join(dir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Debug("No .env file found in %s or error loading it: %v", dir, err)
		return false
	}
	logger.Info("Successfully loaded .env file from %s", dir)
	return true
}
