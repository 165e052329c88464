package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации клиента синхронизации и ретранслятора.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Relay     RelayConfig     `yaml:"relay"`
	Sync      SyncConfig      `yaml:"sync"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BackendConfig: адрес realtime-бэкенда, к которому подключается клиент
type BackendConfig struct {
	Transport    string `yaml:"transport"` // websocket | kcp
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	RealtimePort int    `yaml:"realtime_port"` // для kcp; для websocket совпадает с port
	ServerKey    string `yaml:"server_key"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// RelayConfig: параметры ретранслятора секторов
type RelayConfig struct {
	KCPPort       int    `yaml:"kcp_port"`
	HTTPPort      int    `yaml:"http_port"`
	JWTSecret     string `yaml:"jwt_secret"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
	Directory     string `yaml:"directory"` // memory | redis
}

// SyncConfig: параметры интерполяции и очистки (миллисекунды)
type SyncConfig struct {
	InterpolationDelayMs int `yaml:"interpolation_delay_ms"`
	MaxSnapshotAgeMs     int `yaml:"max_snapshot_age_ms"`
	CleanupIntervalMs    int `yaml:"cleanup_interval_ms"`
	StaleAgeMs           int `yaml:"stale_age_ms"`
	TickIntervalMs       int `yaml:"tick_interval_ms"`
	EventQueueSize       int `yaml:"event_queue_size"`
}

// TimeoutsConfig: таймауты ожидающих операций (миллисекунды)
type TimeoutsConfig struct {
	AuthMs    int `yaml:"auth_ms"`
	ConnectMs int `yaml:"connect_ms"`
	JoinMs    int `yaml:"join_ms"`
	StorageMs int `yaml:"storage_ms"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"` // пусто — шина в памяти
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LoggingConfig struct {
	Dir          string `yaml:"dir"`
	ConsoleLevel string `yaml:"console_level"`
	FileLevel    string `yaml:"file_level"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Transport: "websocket",
			Host:      "127.0.0.1",
			Port:      7350,
			ServerKey: "defaultkey",
		},
		Relay: RelayConfig{
			KCPPort:       7351,
			HTTPPort:      7350,
			TokenTTLHours: 24,
			Directory:     "memory",
		},
		Sync: SyncConfig{
			InterpolationDelayMs: 100,
			MaxSnapshotAgeMs:     1000,
			CleanupIntervalMs:    5000,
			StaleAgeMs:           5000,
			TickIntervalMs:       50,
			EventQueueSize:       1024,
		},
		Timeouts: TimeoutsConfig{
			AuthMs:    20000,
			ConnectMs: 5000,
			JoinMs:    5000,
			StorageMs: 5000,
		},
		EventBus: EventBusConfig{Stream: "ROSTER", Retention: 1},
		Metrics:  MetricsConfig{Port: 2112},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "sector-sync",
		},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Logging: LoggingConfig{ConsoleLevel: "info", FileLevel: "debug"},
	}
}

// GetPort возвращает HTTP порт бэкенда с поддержкой fallback значений
func (b *BackendConfig) GetPort() int {
	return getPortWithEnvFallback(b.Port, "SYNC_BACKEND_PORT", 7350)
}

// GetRealtimePort возвращает порт realtime-канала (для kcp — отдельный порт)
func (b *BackendConfig) GetRealtimePort() int {
	return getPortWithEnvFallback(b.RealtimePort, "SYNC_REALTIME_PORT", b.GetPort())
}

// GetServerKey возвращает серверный ключ: config -> env SYNC_SERVER_KEY -> "defaultkey"
func (b *BackendConfig) GetServerKey() string {
	return getStringWithEnvFallback(b.ServerKey, "SYNC_SERVER_KEY", "defaultkey")
}

// GetKCPPort возвращает KCP порт ретранслятора
func (r *RelayConfig) GetKCPPort() int {
	return getPortWithEnvFallback(r.KCPPort, "SYNC_RELAY_KCP_PORT", 7351)
}

// GetHTTPPort возвращает HTTP порт ретранслятора
func (r *RelayConfig) GetHTTPPort() int {
	return getPortWithEnvFallback(r.HTTPPort, "SYNC_RELAY_HTTP_PORT", 7350)
}

// GetJWTSecret возвращает секрет подписи токенов ретранслятора
func (r *RelayConfig) GetJWTSecret() string {
	return getStringWithEnvFallback(r.JWTSecret, "SYNC_JWT_SECRET", "")
}

// TokenTTL возвращает срок жизни токена
func (r *RelayConfig) TokenTTL() time.Duration {
	return hoursOr(r.TokenTTLHours, 24)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (m *MetricsConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(m.Port, "SYNC_METRICS_PORT", 2112)
}

func (s *SyncConfig) InterpolationDelay() time.Duration { return millisOr(s.InterpolationDelayMs, 100) }
func (s *SyncConfig) MaxSnapshotAge() time.Duration     { return millisOr(s.MaxSnapshotAgeMs, 1000) }
func (s *SyncConfig) CleanupInterval() time.Duration    { return millisOr(s.CleanupIntervalMs, 5000) }
func (s *SyncConfig) StaleAge() time.Duration           { return millisOr(s.StaleAgeMs, 5000) }
func (s *SyncConfig) TickInterval() time.Duration       { return millisOr(s.TickIntervalMs, 50) }

func (t *TimeoutsConfig) Auth() time.Duration    { return millisOr(t.AuthMs, 20000) }
func (t *TimeoutsConfig) Connect() time.Duration { return millisOr(t.ConnectMs, 5000) }
func (t *TimeoutsConfig) Join() time.Duration    { return millisOr(t.JoinMs, 5000) }
func (t *TimeoutsConfig) Storage() time.Duration { return millisOr(t.StorageMs, 5000) }

func millisOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

func hoursOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Hour
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

func getStringWithEnvFallback(configVal, envVar, def string) string {
	if configVal != "" {
		return configVal
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return def
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать из ENV SYNC_CONFIG; если и он пуст — возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("SYNC_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конфигурации %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые нельзя исправить подстановкой по умолчанию
func (c *Config) Validate() error {
	switch c.Backend.Transport {
	case "", "websocket", "kcp":
	default:
		return fmt.Errorf("неизвестный транспорт %q (ожидается websocket или kcp)", c.Backend.Transport)
	}
	switch c.Relay.Directory {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("неизвестный каталог матчей %q (ожидается memory или redis)", c.Relay.Directory)
	}
	return nil
}
