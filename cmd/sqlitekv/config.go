package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sqlitekv/sqlitekv/internal/storage"
)

const (
	defaultAPIAddr            = "127.0.0.1:9191"
	defaultMaintenanceMinutes = 24 * 60
	dbFileName                = "sqlitekv.db"
)

// Config holds the resolved process configuration.
type Config struct {
	DataDir          string
	APIAddr          string
	Storage          storage.Config
	MaintenanceEvery time.Duration
	LogLevel         slog.Level
}

// persistedConfig is the JSON structure read from <data dir>/config.json.
// Keys follow the host framework's names.
type persistedConfig struct {
	ConnectString      string `json:"connectString,omitempty"`
	KeyPrefix          string `json:"keyPrefix,omitempty"`
	FlushWALMinutes    any    `json:"flushWalMinutes,omitempty"` // Number or string.
	APIAddr            string `json:"apiAddr,omitempty"`
	MaintenanceMinutes int    `json:"maintenanceMinutes,omitempty"`
	LogLevel           string `json:"logLevel,omitempty"`
}

// dataDir returns SQLITEKV_DATA or ~/.sqlitekv.
func dataDir() (string, error) {
	if dir := os.Getenv("SQLITEKV_DATA"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".sqlitekv"), nil
}

// loadPersistedConfig reads config.json from dir if it exists.
func loadPersistedConfig(dir string) (*persistedConfig, error) {
	path := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var pc persistedConfig
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &pc, nil
}

// loadConfig resolves defaults, then config.json, then environment.
func loadConfig() (Config, error) {
	dir, err := dataDir()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DataDir:          dir,
		APIAddr:          defaultAPIAddr,
		Storage:          storage.DefaultConfig(),
		MaintenanceEvery: defaultMaintenanceMinutes * time.Minute,
		LogLevel:         slog.LevelInfo,
	}

	pc, err := loadPersistedConfig(dir)
	if err != nil {
		return Config{}, err
	}
	if pc != nil {
		cfg.Storage.Merge(&storage.Config{
			ConnectString:   pc.ConnectString,
			KeyPrefix:       pc.KeyPrefix,
			FlushWALMinutes: flushString(pc.FlushWALMinutes),
		})
		if pc.APIAddr != "" {
			cfg.APIAddr = pc.APIAddr
		}
		if pc.MaintenanceMinutes != 0 {
			cfg.MaintenanceEvery = time.Duration(pc.MaintenanceMinutes) * time.Minute
		}
		if pc.LogLevel != "" {
			cfg.LogLevel = parseLevel(pc.LogLevel)
		}
	}

	cfg.Storage.Merge(&storage.Config{
		ConnectString:   os.Getenv("SQLITEKV_CONNECT"),
		KeyPrefix:       os.Getenv("SQLITEKV_KEY_PREFIX"),
		FlushWALMinutes: os.Getenv("SQLITEKV_FLUSH_WAL_MINUTES"),
	})
	if addr := os.Getenv("SQLITEKV_API_ADDR"); addr != "" {
		cfg.APIAddr = addr
	}
	if m := os.Getenv("SQLITEKV_MAINTENANCE_MINUTES"); m != "" {
		n, err := strconv.Atoi(m)
		if err != nil {
			return Config{}, fmt.Errorf("SQLITEKV_MAINTENANCE_MINUTES: %w", err)
		}
		cfg.MaintenanceEvery = time.Duration(n) * time.Minute
	}
	if lvl := os.Getenv("SQLITEKV_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = parseLevel(lvl)
	}

	// The CLI is useless against a throwaway database, so it defaults to a
	// file in the data dir. ":memory:" still selects an in-memory one.
	if cfg.Storage.ConnectString == "" {
		cfg.Storage.ConnectString = filepath.Join(dir, dbFileName)
	}
	return cfg, nil
}

// flushString accepts flushWalMinutes as a JSON number or string.
func flushString(v any) string {
	switch f := v.(type) {
	case nil:
		return ""
	case string:
		return f
	case float64:
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return fmt.Sprint(f)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
