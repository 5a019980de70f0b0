package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации клиента синхронизации.
// Единственный обязательный внешний параметр — адрес realtime-эндпоинта;
// всё остальное имеет рабочие значения по умолчанию.

type Config struct {
	Endpoint   EndpointConfig   `yaml:"endpoint"`
	Connection ConnectionConfig `yaml:"connection"`
	Roster     RosterConfig     `yaml:"roster"`
	Sync       SyncConfig       `yaml:"sync"`
	Interact   InteractConfig   `yaml:"interact"`
	Storage    StorageConfig    `yaml:"storage"`
	EventBus   EventBusConfig   `yaml:"eventbus"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type EndpointConfig struct {
	Addr    string `yaml:"addr"`    // ws://host:port/ws или host:port для kcp/tcp
	Channel string `yaml:"channel"` // websocket (default) | kcp | tcp
}

type ConnectionConfig struct {
	BackoffBaseMs   int `yaml:"backoff_base_ms"`
	BackoffMaxMs    int `yaml:"backoff_max_ms"`
	MaxAttempts     int `yaml:"max_attempts"`
	HeartbeatSec    int `yaml:"heartbeat_seconds"`
	ConnectTimeoutS int `yaml:"connect_timeout_seconds"`
}

type RosterConfig struct {
	ReconcileIntervalSec int `yaml:"reconcile_interval_seconds"`
	StaleTimeoutSec      int `yaml:"stale_timeout_seconds"`
}

type SyncConfig struct {
	PublishIntervalMs int     `yaml:"publish_interval_ms"`
	MinDelta          float64 `yaml:"min_delta"`
	SnapThreshold     float64 `yaml:"snap_threshold"`
	Smoothing         float64 `yaml:"smoothing"`
	MaxLatencyMs      int     `yaml:"max_latency_ms"`
}

type InteractConfig struct {
	FarewellPhrases []string `yaml:"farewell_phrases"`
	ErrorRetryMs    int      `yaml:"error_retry_ms"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // Пустой — хранилище в памяти
}

type EventBusConfig struct {
	URL       string `yaml:"url"` // Пустой — только in-memory шина
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // Пустой — HTTP-эндпоинт метрик не поднимается
}

// GetAddr возвращает адрес эндпоинта с приоритетом: config -> env -> default.
func (e *EndpointConfig) GetAddr() string {
	if e.Addr != "" {
		return e.Addr
	}
	if addr := os.Getenv("GAME_ENDPOINT"); addr != "" {
		return addr
	}
	return "ws://localhost:8080/ws"
}

// GetBackoffBase возвращает базовую задержку переподключения.
func (c *ConnectionConfig) GetBackoffBase() time.Duration {
	return msWithDefault(c.BackoffBaseMs, 1000)
}

// GetBackoffMax возвращает максимальную задержку переподключения.
func (c *ConnectionConfig) GetBackoffMax() time.Duration {
	return msWithDefault(c.BackoffMaxMs, 15000)
}

// GetMaxAttempts возвращает лимит попыток переподключения.
func (c *ConnectionConfig) GetMaxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 8
}

// GetConnectTimeout возвращает таймаут установки соединения.
func (c *ConnectionConfig) GetConnectTimeout() time.Duration {
	return secWithDefault(c.ConnectTimeoutS, 10)
}

// GetHeartbeat возвращает интервал keep-alive.
func (c *ConnectionConfig) GetHeartbeat() time.Duration {
	return secWithDefault(c.HeartbeatSec, 15)
}

// GetReconcileInterval возвращает период полной сверки состава.
func (r *RosterConfig) GetReconcileInterval() time.Duration {
	return secWithDefault(r.ReconcileIntervalSec, 30)
}

// GetStaleTimeout возвращает таймаут устаревания игрока.
func (r *RosterConfig) GetStaleTimeout() time.Duration {
	return secWithDefault(r.StaleTimeoutSec, 30)
}

// GetPublishInterval возвращает минимальный интервал публикации позиции.
func (s *SyncConfig) GetPublishInterval() time.Duration {
	return msWithDefault(s.PublishIntervalMs, 100)
}

// GetMinDelta возвращает минимальное накопленное смещение для публикации.
func (s *SyncConfig) GetMinDelta() float64 {
	if s.MinDelta > 0 {
		return s.MinDelta
	}
	return 0.003
}

// GetSnapThreshold возвращает дистанцию мгновенной коррекции.
func (s *SyncConfig) GetSnapThreshold() float64 {
	if s.SnapThreshold > 0 {
		return s.SnapThreshold
	}
	return 5.0
}

// GetSmoothing возвращает коэффициент экспоненциального сглаживания (0..1).
func (s *SyncConfig) GetSmoothing() float64 {
	if s.Smoothing > 0 && s.Smoothing <= 1 {
		return s.Smoothing
	}
	return 0.25
}

// GetMaxLatency возвращает потолок оценки односторонней задержки.
func (s *SyncConfig) GetMaxLatency() time.Duration {
	return msWithDefault(s.MaxLatencyMs, 200)
}

// GetRetention возвращает срок хранения зеркалируемых событий.
func (e *EventBusConfig) GetRetention() time.Duration {
	if e.Retention > 0 {
		return time.Duration(e.Retention) * time.Hour
	}
	return 24 * time.Hour
}

// GetFarewellPhrases возвращает набор фраз, завершающих диалог.
func (i *InteractConfig) GetFarewellPhrases() []string {
	if len(i.FarewellPhrases) > 0 {
		return i.FarewellPhrases
	}
	return []string{"Goodbye", "Farewell", "Bye", "До встречи", "Прощай"}
}

// GetErrorRetryDelay возвращает паузу перед возвратом к узлу повтора
// после ошибки транзакции.
func (i *InteractConfig) GetErrorRetryDelay() time.Duration {
	return msWithDefault(i.ErrorRetryMs, 1500)
}

func msWithDefault(ms int, def int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(def) * time.Millisecond
}

func secWithDefault(sec int, def int) time.Duration {
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return time.Duration(def) * time.Second
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV GAME_CLIENT_CONFIG или
// возвращает nil, nil.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GAME_CLIENT_CONFIG")
		if path == "" {
			return nil, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
