// Package config reads process configuration from environment variables,
// with defaults matching the docker-compose deployment. A .env file in the
// working directory is loaded first if present.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

var defaults = map[string]string{
	"WS_ADDRESS":         "0.0.0.0",
	"WS_PORT":            "8765",
	"METRICS_ADDRESS":    ":8080",
	"PROBER_WS_URL":      "ws://localhost:8765/",
	"PROBER_NAME":        "",
	"PROBER_LOG_FILE":    "prober.log",
	"COLLECTOR_LOG_FILE": "collector.log",
	"TSDB_BACKEND":       "influxdb",
	"DATAFILE_DIR":       "./data",
	"INFLUXDB_URL":       "http://ping_influxdb:8086",
	"INFLUXDB_TOKEN":     "influxdb:influxdb",
	"INFLUXDB_ORG":       "ping",
	"INFLUXDB_BUCKET":    "ping",
	"POSTGRES_HOST":      "ping_postgres",
	"POSTGRES_PORT":      "5432",
	"POSTGRES_DB":        "ping",
	"POSTGRES_USER":      "ping",
	"POSTGRES_PASS":      "ping",
}

// Load reads an optional .env file into the process environment. Missing
// files are not an error.
func Load(log *slog.Logger) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Unable to load .env file", "error", err)
		}
		return
	}
	log.Debug("Loaded .env file")
}

// GetString returns the environment variable with the given name, or its
// default value if unset.
func GetString(name string) (string, error) {
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	if v, ok := defaults[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("no environment variable or default value for key %s", name)
}

// MustString is GetString for keys that always have a default.
func MustString(name string) string {
	v, err := GetString(name)
	if err != nil {
		panic(err)
	}
	return v
}

// PostgresURL assembles the catalog connection string from the POSTGRES_*
// variables.
func PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		MustString("POSTGRES_USER"), MustString("POSTGRES_PASS"),
		MustString("POSTGRES_HOST"), MustString("POSTGRES_PORT"),
		MustString("POSTGRES_DB"))
}
