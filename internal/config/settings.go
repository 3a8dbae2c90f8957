// Package config loads the gateway's process-wide Settings from the
// environment, the way the teacher's EdgeConfig loads from a JSON file —
// a plain struct; Load fails fast on a non-numeric DB_PORT or BACKEND_PORT.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Settings struct {
	DBType     string
	DBName     string
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     int

	APIKey   string
	LogLevel string

	BackendHost string
	BackendPort int

	SimulateOnConnectFail bool
}

func Load() (*Settings, error) {
	s := &Settings{
		DBType:      getenv("DB_TYPE", "sqlite"),
		DBName:      getenv("DB_NAME", "scalegate.db"),
		DBUser:      getenv("DB_USER", ""),
		DBPassword:  getenv("DB_PASSWORD", ""),
		DBHost:      getenv("DB_HOST", "127.0.0.1"),
		APIKey:      getenv("API_KEY", "scalegate-dev-key"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		BackendHost: getenv("BACKEND_HOST", "0.0.0.0"),
	}

	dbPort, err := strconv.Atoi(getenv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("DB_PORT: %w", err)
	}
	s.DBPort = dbPort

	backendPort, err := strconv.Atoi(getenv("BACKEND_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("BACKEND_PORT: %w", err)
	}
	s.BackendPort = backendPort

	s.SimulateOnConnectFail = truthy(getenv("SIMULATE_ON_CONNECT_FAIL", "false"))

	return s, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
