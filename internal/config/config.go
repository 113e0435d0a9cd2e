package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Browser BrowserConfig
	Pairing PairingConfig
	Mirror  MirrorConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	browser, err := loadBrowserConfig()
	if err != nil {
		return nil, err
	}

	pairing, err := loadPairingConfig(browser.Enabled)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Log:     loadLogConfig(),
		Browser: browser,
		Pairing: pairing,
		Mirror:  MirrorConfig{Path: strings.TrimSpace(os.Getenv("MIRROR_DB_PATH"))},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	CORSOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = strings.TrimSpace(os.Getenv("WS_PORT"))
	}
	if port == "" {
		port = "5001"
	}

	origins := splitList(getEnvOrDefault("CORS_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":5001" 或 "127.0.0.1:5001"。
		return ServerConfig{Addr: port, CORSOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, CORSOrigins: origins}, nil
}

// LogConfig 描述日志输出配置。
type LogConfig struct {
	Mode  string
	Level string
	File  string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Mode:  getEnvOrDefault("LOG_MODE", "development"),
		Level: strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		File:  strings.TrimSpace(os.Getenv("LOG_FILE")),
	}
}

// BrowserConfig 描述浏览器自动化配置。
type BrowserConfig struct {
	Enabled   bool
	Bin       string
	Headless  bool
	UserAgent string
	WebURL    string
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func loadBrowserConfig() (BrowserConfig, error) {
	enabled, err := parseBoolEnv("BROWSER_ENABLED", true)
	if err != nil {
		return BrowserConfig{}, err
	}

	// NO_CHROME_MODE 沿用旧部署的开关，优先级高于 BROWSER_ENABLED。
	noChrome, err := parseBoolEnv("NO_CHROME_MODE", false)
	if err != nil {
		return BrowserConfig{}, err
	}
	if noChrome {
		enabled = false
	}

	headless, err := parseBoolEnv("BROWSER_HEADLESS", true)
	if err != nil {
		return BrowserConfig{}, err
	}

	return BrowserConfig{
		Enabled:   enabled,
		Bin:       strings.TrimSpace(os.Getenv("CHROME_PATH")),
		Headless:  headless,
		UserAgent: getEnvOrDefault("BROWSER_USER_AGENT", defaultUserAgent),
		WebURL:    getEnvOrDefault("WHATSAPP_WEB_URL", "https://web.whatsapp.com"),
	}, nil
}

// PairingConfig 描述配对流程的时间参数。
type PairingConfig struct {
	QRTimeout          time.Duration
	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	SimulatedAuthDelay time.Duration
	RefreshSettle      time.Duration
	MaxRegenerations   int
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	Workers            int
}

func loadPairingConfig(browserEnabled bool) (PairingConfig, error) {
	cfg := PairingConfig{
		MaxRegenerations: 5,
		Workers:          256,
	}

	// 无浏览器时会话更轻量，空闲阈值缩短为 1 小时。
	idleDefault := 2 * time.Hour
	if !browserEnabled {
		idleDefault = time.Hour
	}

	durations := []struct {
		key    string
		def    time.Duration
		target *time.Duration
	}{
		{"QR_TIMEOUT", 30 * time.Second, &cfg.QRTimeout},
		{"AUTH_TIMEOUT", 120 * time.Second, &cfg.AuthTimeout},
		{"HEARTBEAT_INTERVAL", 30 * time.Second, &cfg.HeartbeatInterval},
		{"SIMULATED_AUTH_DELAY", 15 * time.Second, &cfg.SimulatedAuthDelay},
		{"QR_REFRESH_SETTLE", 3 * time.Second, &cfg.RefreshSettle},
		{"IDLE_TIMEOUT", idleDefault, &cfg.IdleTimeout},
		{"SWEEP_INTERVAL", 5 * time.Minute, &cfg.SweepInterval},
	}
	for _, d := range durations {
		val, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return PairingConfig{}, err
		}
		*d.target = val
	}

	if override, err := parseOptionalIntEnv("QR_MAX_REGENERATIONS"); err != nil {
		return PairingConfig{}, err
	} else if override != nil {
		if *override < 1 {
			cfg.MaxRegenerations = 1
		} else {
			cfg.MaxRegenerations = *override
		}
	}

	if override, err := parseOptionalIntEnv("PAIRING_WORKERS"); err != nil {
		return PairingConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.Workers = *override
	}

	return cfg, nil
}

// MirrorConfig 描述面板镜像存储，Path 为空时禁用。
type MirrorConfig struct {
	Path string
}

// Enabled 表示是否配置了镜像文件。
func (c MirrorConfig) Enabled() bool {
	return c.Path != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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

// parseDurationEnv 接受 Go duration 字符串，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}
