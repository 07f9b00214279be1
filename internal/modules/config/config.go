package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
)

// Config ...
type Config struct {
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	DB      string `yaml:"db_dsn"`
	Service struct {
		Host       string `yaml:"host"`
		HealthPort int    `yaml:"health_port"`
	} `yaml:"service"`
	Jaeger struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"jaeger"`

	Deribit DeribitConfig `yaml:"deribit"`

	// Дефолты риска
	// Сколько от депозита мы готовы потерять по СТОПУ, а не по ликвидации
	DefaultRiskMode  string  `yaml:"risk_mode"`  // percent | fixed
	DefaultRiskValue float64 `yaml:"risk_value"` // percent: 1.0 => 1% equity

	DefaultStopPct      float64 `yaml:"stop_pct"`       // расстояние до SL от цены, напр. 0.5 => 0.5%
	DefaultTakeProfitRR float64 `yaml:"take_profit_rr"` // например 3.0 => TP = 3R

	// Оркестратор
	EvalInterval    time.Duration `yaml:"-"`
	DefaultCooldown time.Duration `yaml:"-"`

	// Дефолты стратегии
	DefaultTimeframe     string
	DefaultEMAShort      int
	DefaultEMALong       int
	DefaultRSIPeriod     int
	DefaultRSIOverbought float64
	DefaultRSIOSold      float64

	DefaultDonchianPeriod int // период канала, N свечей (обычно 20)
	DefaultTrendEmaPeriod int // EMA для фильтра тренда (обычно 50)
	DefaultStrategy       string
	DefaultTrailMethod    string
}

// DeribitConfig — тайминги протокольного клиента.
type DeribitConfig struct {
	LiveURL    string `yaml:"live_url"`
	TestnetURL string `yaml:"testnet_url"`

	RequestTimeout    time.Duration `yaml:"-"`     // 30s
	HeartbeatInterval int           `yaml:"heartbeat_interval"`  // сек, просим биржу пинговать нас
	SelfPingInterval  time.Duration `yaml:"-"`  // свой ping короче heartbeats
	MaxReconnects     int           `yaml:"max_reconnects"`      // длина backoff-серии
	ReconnectBase     time.Duration `yaml:"-"`      // первый интервал backoff (1s,2s,4s,...)
	BreakerCooldown   time.Duration `yaml:"-"`    // пауза после открытия breaker-а
	VerifyRetries     int           `yaml:"verify_retries"`      // ретраи проверки позиции/ордера
	VerifyRetryDelay  time.Duration `yaml:"-"`
}

func NewConfig() (*Config, error) {

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	file, err := os.Open("configs/" + configFileName)
	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}

	defer func() {
		_ = file.Close()
	}()

	decoder := yaml.NewDecoder(file)
	config := Config{
		DefaultRiskMode:       "percent",
		DefaultRiskValue:      1.0,
		DefaultStopPct:        0.5,
		DefaultTakeProfitRR:   3.0,
		DefaultDonchianPeriod: 20,
		DefaultTrendEmaPeriod: 50,
		DefaultStrategy:       "emarsi",
		DefaultTrailMethod:    getenvDefault("TRAIL_METHOD", "swing"),

		EvalInterval:    durationFromEnv("EVAL_INTERVAL", "5s"),
		DefaultCooldown: durationFromEnv("COOLDOWN", "60s"),

		DefaultTimeframe:     getenvDefault("TIMEFRAME", "1m"),
		DefaultEMAShort:      intFromEnv("EMA_SHORT", 9),
		DefaultEMALong:       intFromEnv("EMA_LONG", 21),
		DefaultRSIPeriod:     intFromEnv("RSI_PERIOD", 14),
		DefaultRSIOverbought: floatFromEnv("RSI_OVERBOUGHT", 70),
		DefaultRSIOSold:      floatFromEnv("RSI_OVERSOLD", 30),

		Deribit: DeribitConfig{
			LiveURL:           getenvDefault("DERIBIT_LIVE_URL", "wss://www.deribit.com/ws/api/v2"),
			TestnetURL:        getenvDefault("DERIBIT_TESTNET_URL", "wss://test.deribit.com/ws/api/v2"),
			RequestTimeout:    durationFromEnv("DERIBIT_REQUEST_TIMEOUT", "30s"),
			HeartbeatInterval: intFromEnv("DERIBIT_HEARTBEAT_SEC", 30),
			SelfPingInterval:  durationFromEnv("DERIBIT_SELF_PING", "15s"),
			MaxReconnects:     intFromEnv("DERIBIT_MAX_RECONNECTS", 5),
			ReconnectBase:     durationFromEnv("DERIBIT_RECONNECT_BASE", "1s"),
			BreakerCooldown:   durationFromEnv("DERIBIT_BREAKER_COOLDOWN", "5m"),
			VerifyRetries:     intFromEnv("DERIBIT_VERIFY_RETRIES", 5),
			VerifyRetryDelay:  durationFromEnv("DERIBIT_VERIFY_DELAY", "500ms"),
		},
	}
	err = decoder.Decode(&config)
	if err != nil {
		log.Fatalf("Failed to decode config file: %v", err)
	}

	token := os.Getenv(tokenTelegramENV)
	if token != "" {
		config.Telegram.Token = token
	}

	dsn := os.Getenv(databaseDSN)
	if dsn != "" {
		config.DB = dsn
	}

	return &config, nil
}

func getenvRequired(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("env %s is required", key))
	}
	return v
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key, def string) time.Duration {
	val := getenvDefault(key, def)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
