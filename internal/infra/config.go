package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации всех процессов LMS (api, verifier, gate).
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	API      APIConfig      `mapstructure:"api"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Verifier VerifierConfig `mapstructure:"verifier"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Gate     GateConfig     `mapstructure:"gate"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnectAttempts uint   `mapstructure:"connect_attempts"`
	Migrate         bool   `mapstructure:"migrate"`
}

// RedisConfig: очередь заданий и Pub/Sub конфигурации шлюзов.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: статический общий секрет для админских эндпоинтов.
// Можно задать открытый ключ (api_key) или bcrypt-хэш (api_key_hash).
type AuthConfig struct {
	Header     string `mapstructure:"header"`
	APIKey     string `mapstructure:"api_key"`
	APIKeyHash string `mapstructure:"api_key_hash"`
	BcryptCost int    `mapstructure:"bcrypt_cost"`
}

// APIConfig: поведение эндпоинта статуса ссылки.
type APIConfig struct {
	Mode           string        `mapstructure:"mode"`          // noop | discovery | normal
	StatusBypass   bool          `mapstructure:"status_bypass"` // отвечать true, не дожидаясь проверки
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DiscoveryDelay time.Duration `mapstructure:"discovery_delay"`
	DefaultMode    int           `mapstructure:"default_mode"` // стартовый режим шлюзов
}

// QueueConfig: параметры очереди заданий верификации.
type QueueConfig struct {
	Name          string        `mapstructure:"name"`
	SimpleTimeout time.Duration `mapstructure:"simple_timeout"` // задание на одну ссылку
	EvalTimeout   time.Duration `mapstructure:"eval_timeout"`   // задание на весь домен
	Retries       int           `mapstructure:"retries"`
	StallInterval time.Duration `mapstructure:"stall_interval"`
}

// VerifierConfig: внешние источники и ограничения частоты.
type VerifierConfig struct {
	HTTPTimeout          time.Duration `mapstructure:"http_timeout"`
	UserAgent            string        `mapstructure:"user_agent"`
	RateLimit            float64       `mapstructure:"rate_limit"` // общий лимит исходящих запросов, rps
	RegistryMinTime      time.Duration `mapstructure:"registry_min_time"`
	RankingMinTime       time.Duration `mapstructure:"ranking_min_time"`
	GeoMinTime           time.Duration `mapstructure:"geo_min_time"`
	RankingURL           string        `mapstructure:"ranking_url"`
	GeoURL               string        `mapstructure:"geo_url"`
	ReferenceLat         float64       `mapstructure:"reference_lat"`
	ReferenceLon         float64       `mapstructure:"reference_lon"`
	ObfuscationThreshold float64       `mapstructure:"obfuscation_threshold"`
	CBMaxRequests        uint32        `mapstructure:"cb_max_requests"`
	CBInterval           time.Duration `mapstructure:"cb_interval"`
	CBTimeout            time.Duration `mapstructure:"cb_timeout"`
}

// WorkerConfig: жизненный цикл процесса-верификатора.
type WorkerConfig struct {
	Name           string        `mapstructure:"name"`
	RestartEvery   time.Duration `mapstructure:"restart_every"`
	MaxJobsPerRun  int           `mapstructure:"max_jobs_per_run"`
	StatusDir      string        `mapstructure:"status_dir"`
	HealthcheckURL string        `mapstructure:"healthcheck_url"`
	ReserveWait    time.Duration `mapstructure:"reserve_wait"`
}

// GateConfig: клиентский шлюз.
type GateConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	Origin           string        `mapstructure:"origin"` // origin защищаемого сайта
	BackendURL       string        `mapstructure:"backend_url"`
	APIMode          string        `mapstructure:"api_mode"` // режим, который шлюз просит у API
	Transport        string        `mapstructure:"transport"` // http | ws
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	ResponseCacheTTL time.Duration `mapstructure:"response_cache_ttl"`
	MaxConnErrs      int           `mapstructure:"max_conn_errs"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	ErroredHeartbeat time.Duration `mapstructure:"errored_heartbeat"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	Mode             int           `mapstructure:"mode"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// TracingConfig: экспорт спанов по OTLP/HTTP. Пустой endpoint выключает экспорт.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// QUEUE_RETRIES=5 перекроет queue.retries
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет: работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.connect_attempts", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.header", "X-Api-Key")
	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("api.mode", "normal")
	v.SetDefault("api.status_bypass", false)
	v.SetDefault("api.wait_timeout", 61*time.Second)
	v.SetDefault("api.poll_interval", 1*time.Second)
	v.SetDefault("api.discovery_delay", 5*time.Second)
	v.SetDefault("api.default_mode", 2)

	v.SetDefault("queue.name", "verify")
	v.SetDefault("queue.simple_timeout", 60*time.Second)
	v.SetDefault("queue.eval_timeout", 10*time.Minute)
	v.SetDefault("queue.retries", 2)
	v.SetDefault("queue.stall_interval", 5*time.Second)

	v.SetDefault("verifier.http_timeout", 15*time.Second)
	v.SetDefault("verifier.user_agent", "lms-verifier/1.0")
	v.SetDefault("verifier.rate_limit", 20)
	v.SetDefault("verifier.registry_min_time", 1500*time.Millisecond)
	v.SetDefault("verifier.ranking_min_time", 1500*time.Millisecond)
	v.SetDefault("verifier.geo_min_time", 1500*time.Millisecond)
	v.SetDefault("verifier.ranking_url", "https://tranco-list.eu/api/ranks/domain/")
	v.SetDefault("verifier.geo_url", "https://ipinfo.io/")
	v.SetDefault("verifier.reference_lat", 40.902771)
	v.SetDefault("verifier.reference_lon", -73.133850)
	v.SetDefault("verifier.obfuscation_threshold", 10)
	v.SetDefault("verifier.cb_max_requests", 3)
	v.SetDefault("verifier.cb_interval", 5*time.Second)
	v.SetDefault("verifier.cb_timeout", 30*time.Second)

	v.SetDefault("worker.name", "verifier")
	v.SetDefault("worker.restart_every", 30*time.Minute)
	v.SetDefault("worker.max_jobs_per_run", 100)
	v.SetDefault("worker.status_dir", "./status")
	v.SetDefault("worker.reserve_wait", 2*time.Second)

	v.SetDefault("gate.listen_addr", ":8081")
	v.SetDefault("gate.origin", "http://localhost:3000")
	v.SetDefault("gate.backend_url", "http://localhost:8080")
	v.SetDefault("gate.api_mode", "normal")
	v.SetDefault("gate.transport", "http")
	v.SetDefault("gate.query_timeout", 5*time.Second)
	v.SetDefault("gate.cache_ttl", 10*time.Minute)
	v.SetDefault("gate.response_cache_ttl", 10*time.Minute)
	v.SetDefault("gate.max_conn_errs", 3)
	v.SetDefault("gate.heartbeat", 5*time.Second)
	v.SetDefault("gate.errored_heartbeat", 30*time.Second)
	v.SetDefault("gate.reconnect_delay", 3*time.Second)
	v.SetDefault("gate.mode", 2)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("tracing.sample_ratio", 1.0)
}
