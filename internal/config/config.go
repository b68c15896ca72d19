package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the webmcp controller.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Optional local browser launch
	LaunchBrowser     bool
	BrowserStartURL   string
	BrowserProfileDir string

	// HTTP API settings
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Page matching
	TabURLFilter string

	// Bridge timing. NavSettleMS is the heuristic wait before the
	// post-navigation marker probe, not a correctness guarantee.
	ReadyTimeoutMS int
	NavSettleMS    int
	EvalTimeoutMS  int

	// Tool call audit log. Empty AuditDir disables auditing.
	AuditDir       string
	AuditMaxSizeMB int

	// Webhook for catalog events. Empty disables it.
	NotifyEndpoint string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		LaunchBrowser:     getEnvBoolOrDefault("WEBMCP_LAUNCH_BROWSER", false),
		BrowserStartURL:   getEnvOrDefault("CHROMIUM_START_URL", "about:blank"),
		BrowserProfileDir: getEnvOrDefault("CHROMIUM_PROFILE_DIR", "browser_profile"),
		BindAddr:          getEnvOrDefault("WEBMCP_BIND_ADDR", "127.0.0.1:8199"),
		PortCandidates:    getEnvListOrDefault("WEBMCP_PORT_CANDIDATES", []string{"127.0.0.1:8199", "127.0.0.1:8299", "127.0.0.1:8399"}),
		PortAutoFallback:  getEnvBoolOrDefault("WEBMCP_PORT_AUTO_FALLBACK", true),
		TabURLFilter:      getEnvOrDefault("WEBMCP_TAB_URL_FILTER", ""),
		ReadyTimeoutMS:    getEnvIntOrDefault("BRIDGE_READY_TIMEOUT_MS", 10000),
		NavSettleMS:       getEnvIntOrDefault("BRIDGE_NAV_SETTLE_MS", 300),
		EvalTimeoutMS:     getEnvIntOrDefault("BRIDGE_EVAL_TIMEOUT_MS", 5000),
		AuditDir:          getEnvOrDefault("WEBMCP_AUDIT_DIR", ""),
		AuditMaxSizeMB:    getEnvIntOrDefault("WEBMCP_AUDIT_MAX_SIZE_MB", 50),
		NotifyEndpoint:    getEnvOrDefault("WEBMCP_NOTIFY_ENDPOINT", ""),
		LogLevel:          strings.ToLower(getEnvOrDefault("WEBMCP_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("WEBMCP_LOG_FILE", "logs/webmcp_controller.log"),
	}

	if cfg.ReadyTimeoutMS < 1000 {
		cfg.ReadyTimeoutMS = 1000
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.NavSettleMS < 0 {
		cfg.NavSettleMS = 0
	}

	return cfg, nil
}

// CDPURL returns the full CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
