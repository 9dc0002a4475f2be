package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config aggregates every runtime setting of the sync service.
type Config struct {
	Server ServerConfig
	Data   DataConfig
	Sync   SyncConfig
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

// DataConfig locates the local state on disk.
type DataConfig struct {
	Dir        string
	SQLitePath string
	JWTSecret  string
	MediaBase  string
}

// SyncConfig tunes the sync core.
type SyncConfig struct {
	PageSize        int
	FeedReconnect   bool
	PresenceChannel string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	data, err := loadDataConfig()
	if err != nil {
		return nil, err
	}

	sync, err := loadSyncConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Data: data, Sync: sync}, nil
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Allow passing ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadDataConfig() (DataConfig, error) {
	dir := getEnvOrDefault("DATA_DIR", "data")

	sqlitePath := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	if sqlitePath == "" {
		sqlitePath = filepath.Join(dir, "chat.db")
	}

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return DataConfig{}, fmt.Errorf("JWT_SECRET is required")
	}

	return DataConfig{
		Dir:        dir,
		SQLitePath: sqlitePath,
		JWTSecret:  secret,
		MediaBase:  getEnvOrDefault("MEDIA_BASE_URL", "/media"),
	}, nil
}

func loadSyncConfig() (SyncConfig, error) {
	pageSize := 50
	if override, err := parseOptionalIntEnv("PAGE_SIZE"); err != nil {
		return SyncConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return SyncConfig{}, fmt.Errorf("PAGE_SIZE must be positive, got %d", *override)
		}
		pageSize = *override
	}

	reconnect, err := parseBoolEnv("FEED_RECONNECT", true)
	if err != nil {
		return SyncConfig{}, err
	}

	return SyncConfig{
		PageSize:        pageSize,
		FeedReconnect:   reconnect,
		PresenceChannel: getEnvOrDefault("PRESENCE_CHANNEL", "online-status"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
