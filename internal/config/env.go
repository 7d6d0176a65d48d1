package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Env carries the process-level knobs the CLI reads at startup. The
// persisted configuration file is separate; these only locate it and
// shape logging.
type Env struct {
	ConfigPath  string
	LogFilePath string
	Environment string
}

func LoadEnv() *Env {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	return &Env{
		ConfigPath:  getEnv("LIMS_CONFIG_PATH", "config.json"),
		LogFilePath: getEnv("LIMS_LOG_FILE", "lims.log"),
		Environment: getEnv("GO_ENV", "development"),
	}
}

func (e *Env) IsProduction() bool {
	return e.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
