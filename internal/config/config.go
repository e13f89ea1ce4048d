package config

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port      string `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type WorkerConfig struct {
	Concurrency     int `mapstructure:"concurrency"`
	PollIntervalMS  int `mapstructure:"poll_interval_ms"`
	LeaseSeconds    int `mapstructure:"lease_seconds"`
	MaxAttempts     int `mapstructure:"max_attempts"`
	SweepIntervalS  int `mapstructure:"sweep_interval_s"`
	ProviderTimeout int `mapstructure:"provider_timeout_s"`
}

// ProvidersConfig holds credentials for the payment providers. Vodafone
// Cash rides the mobile-money adapter with its own base URL and keys.
type ProvidersConfig struct {
	MoMo     MoMoConfig     `mapstructure:"momo"`
	Vodafone MoMoConfig     `mapstructure:"vodafone"`
	Paystack PaystackConfig `mapstructure:"paystack"`
}

type MoMoConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	SubscriptionKey string `mapstructure:"subscription_key"`
	APIUserID       string `mapstructure:"api_user_id"`
	APIKey          string `mapstructure:"api_key"`
	Environment     string `mapstructure:"environment"`
	CallbackHost    string `mapstructure:"callback_host"`
}

type PaystackConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	SecretKey string `mapstructure:"secret_key"`
}

type PlatformConfig struct {
	Currency string `mapstructure:"currency"`
	FeeBps   int64  `mapstructure:"fee_bps"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
	File   string `mapstructure:"file"`
}

func (l LogConfig) GetLevel() string  { return l.Level }
func (l LogConfig) GetOutput() string { return l.Output }
func (l LogConfig) GetFile() string   { return l.File }

// Load reads config.yaml if present and overlays environment variables.
func Load() *Config {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/escrow-engine")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.jwt_secret", "")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "escrow")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("worker.concurrency", 5)
	viper.SetDefault("worker.poll_interval_ms", 500)
	viper.SetDefault("worker.lease_seconds", 60)
	viper.SetDefault("worker.max_attempts", 5)
	viper.SetDefault("worker.sweep_interval_s", 30)
	viper.SetDefault("worker.provider_timeout_s", 30)
	viper.SetDefault("providers.momo.base_url", "https://sandbox.momodeveloper.mtn.com")
	viper.SetDefault("providers.momo.environment", "sandbox")
	viper.SetDefault("providers.paystack.base_url", "https://api.paystack.co")
	viper.SetDefault("platform.currency", "GHS")
	viper.SetDefault("platform.fee_bps", 0)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.file", "logs/app.log")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: could not read config file: %v", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode config into struct: %v", err)
	}

	return &cfg
}
