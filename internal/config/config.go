package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-monitor/common/config"
)

// Intent sinks.
const (
	IntentSinkREST   = "rest"
	IntentSinkStream = "stream"
)

// Reference range sources.
const (
	RangesStatic   = "static"
	RangesPostgres = "postgres"
)

// Config 监护会话配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// API REST 接口（拉取快照 + 告警意图）
	API struct {
		BaseURL    string
		Token      string
		Timeout    time.Duration
		RetryCount int
		RetryWait  time.Duration
	}

	// Push 实时推送连接
	Push struct {
		URL              string
		HandshakeTimeout time.Duration
		MinBackoff       time.Duration
		MaxBackoff       time.Duration
		StableAfter      time.Duration
		MaxAttempts      int // 0 = 不限
	}

	Monitor struct {
		InvalidateDelay time.Duration
		TenantID        string
		RangesSource    string // static | postgres
		WatchPatients   []string
		PinnedPatients  []string
		Risk            struct {
			MedicationThreshold int
			HistoryThreshold    int
		}
	}

	// Persist 告警列表镜像（Redis）
	Persist struct {
		Enabled   bool
		TTL       time.Duration
		KeyPrefix string
	}

	Intents struct {
		Sink   string // rest | stream
		Stream string
	}

	Vitals struct {
		MQTTEnabled bool
		Topic       string
	}

	ExportPath string

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owlrd"
	cfg.Database.SSLMode = "disable"
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wisefido-monitor"
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.API.BaseURL = getEnv("API_BASE_URL", "http://localhost:8080/api")
	cfg.API.Token = getEnv("API_TOKEN", "")
	cfg.API.Timeout = getEnvMillis("API_TIMEOUT_MS", 10*time.Second)
	cfg.API.RetryCount = getEnvInt("API_RETRY_COUNT", 3)
	cfg.API.RetryWait = getEnvMillis("API_RETRY_WAIT_MS", time.Second)

	cfg.Push.URL = getEnv("PUSH_URL", "ws://localhost:8080/ws")
	cfg.Push.HandshakeTimeout = getEnvMillis("PUSH_HANDSHAKE_TIMEOUT_MS", 10*time.Second)
	cfg.Push.MinBackoff = getEnvMillis("RECONNECT_MIN_MS", time.Second)
	cfg.Push.MaxBackoff = getEnvMillis("RECONNECT_MAX_MS", 30*time.Second)
	cfg.Push.StableAfter = time.Duration(getEnvInt("RECONNECT_STABLE_SEC", 60)) * time.Second
	cfg.Push.MaxAttempts = getEnvInt("RECONNECT_MAX_ATTEMPTS", 0)

	cfg.Monitor.InvalidateDelay = getEnvMillis("INVALIDATE_DELAY_MS", 250*time.Millisecond)
	cfg.Monitor.TenantID = getEnv("TENANT_ID", "")
	cfg.Monitor.RangesSource = strings.ToLower(getEnv("RANGES_SOURCE", RangesStatic))
	cfg.Monitor.WatchPatients = getEnvList("WATCH_PATIENTS")
	cfg.Monitor.PinnedPatients = getEnvList("PINNED_PATIENTS")
	cfg.Monitor.Risk.MedicationThreshold = getEnvInt("RISK_MEDICATION_THRESHOLD", 3)
	cfg.Monitor.Risk.HistoryThreshold = getEnvInt("RISK_HISTORY_THRESHOLD", 80)

	cfg.Persist.Enabled = getEnvBool("PERSIST_ENABLED", false)
	cfg.Persist.TTL = time.Duration(getEnvInt("PERSIST_TTL_SEC", 86400)) * time.Second
	cfg.Persist.KeyPrefix = getEnv("PERSIST_KEY_PREFIX", "wisefido:monitor:alerts:")

	cfg.Intents.Sink = strings.ToLower(getEnv("INTENT_SINK", IntentSinkREST))
	cfg.Intents.Stream = getEnv("INTENT_STREAM", "wisefido:monitor:intents")

	cfg.Vitals.MQTTEnabled = getEnvBool("MQTT_ENABLED", false)
	cfg.Vitals.Topic = getEnv("MQTT_VITALS_TOPIC", "vitals/+/+")

	cfg.ExportPath = getEnv("EXPORT_PATH", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验枚举项和时长
func (c *Config) Validate() error {
	switch c.Intents.Sink {
	case IntentSinkREST, IntentSinkStream:
	default:
		return fmt.Errorf("invalid INTENT_SINK %q", c.Intents.Sink)
	}
	switch c.Monitor.RangesSource {
	case RangesStatic, RangesPostgres:
	default:
		return fmt.Errorf("invalid RANGES_SOURCE %q", c.Monitor.RangesSource)
	}
	if c.Push.MinBackoff <= 0 || c.Push.MaxBackoff < c.Push.MinBackoff {
		return fmt.Errorf("invalid reconnect backoff %s..%s", c.Push.MinBackoff, c.Push.MaxBackoff)
	}
	return nil
}

// NeedsRedis reports whether any component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Persist.Enabled || c.Intents.Sink == IntentSinkStream
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList 逗号分隔列表，忽略空项
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
