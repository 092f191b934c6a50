package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/haos/callbridge/pkg/logger"
)

// Load loads configuration from a file path.
// An empty path searches the default locations; if no file is found the
// defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		logger.Warn("no configuration file found, using defaults",
			"searched", ConfigPaths())
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides overlays CALLBRIDGE_* environment variables onto the
// loaded configuration
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALLBRIDGE_HOMESERVER"); v != "" {
		cfg.Matrix.HomeserverURL = v
	}
	if v := os.Getenv("CALLBRIDGE_MATRIX_USER"); v != "" {
		cfg.Matrix.Username = v
	}
	if v := os.Getenv("CALLBRIDGE_MATRIX_PASSWORD"); v != "" {
		cfg.Matrix.Password = v
	}
	if v := os.Getenv("CALLBRIDGE_DEVICE_ID"); v != "" {
		cfg.Matrix.DeviceID = v
	}
	if v := os.Getenv("CALLBRIDGE_INVITE_LIFETIME_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Call.InviteLifetimeMS = n
		}
	}
	if v := os.Getenv("CALLBRIDGE_CUES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cues.Enabled = b
		}
	}
	if v := os.Getenv("CALLBRIDGE_CUE_PLAYER"); v != "" {
		cfg.Cues.PlayerCommand = v
	}
	if v := os.Getenv("CALLBRIDGE_WS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EventBus.WebSocketEnabled = b
		}
	}
	if v := os.Getenv("CALLBRIDGE_WS_ADDR"); v != "" {
		cfg.EventBus.WebSocketAddr = v
	}
	if v := os.Getenv("CALLBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CALLBRIDGE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CALLBRIDGE_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}
