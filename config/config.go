package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds service configuration loaded from environment variables.
type Config struct {
	ServiceName string
	HTTPPort    string
	GRPCPort    string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	CartTTL       time.Duration

	KafkaBroker       string
	KafkaPaymentTopic string
	KafkaRefundTopic  string

	JaegerEndpoint string

	PSPProvider     string
	PSPTimeout      time.Duration
	DefaultCurrency string

	GatewayBaseURL     string
	GatewayMerchantID  string
	GatewaySaltKey     string
	GatewayCallbackURL string

	MidtransServerKey string
	MidtransEnv       string

	ReconcileCron    string
	LedgerVerifyCron string
}

func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "settlement-service"),
		HTTPPort:    getEnv("HTTP_PORT", "8083"),
		GRPCPort:    getEnv("GRPC_PORT", "50053"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "paymentdb"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CartTTL:       getDuration("CART_TTL", 24*time.Hour),

		KafkaBroker:       getEnv("KAFKA_BROKER", "localhost:9092"),
		KafkaPaymentTopic: getEnv("KAFKA_PAYMENT_TOPIC", "payment_events"),
		KafkaRefundTopic:  getEnv("KAFKA_REFUND_TOPIC", "refund_requests"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),

		PSPProvider:     getEnv("PSP_PROVIDER", "gateway"),
		PSPTimeout:      getDuration("PSP_TIMEOUT", 10*time.Second),
		DefaultCurrency: getEnv("DEFAULT_CURRENCY", "INR"),

		GatewayBaseURL:     getEnv("GATEWAY_BASE_URL", "https://api-sandbox.gateway.example"),
		GatewayMerchantID:  os.Getenv("GATEWAY_MERCHANT_ID"),
		GatewaySaltKey:     os.Getenv("GATEWAY_SALT_KEY"),
		GatewayCallbackURL: getEnv("GATEWAY_CALLBACK_URL", "http://localhost:8083/payment/webhook"),

		MidtransServerKey: os.Getenv("MIDTRANS_SERVER_KEY"),
		MidtransEnv:       getEnv("MIDTRANS_ENV", "sandbox"),

		ReconcileCron:    getEnv("RECONCILE_CRON", "0 30 2 * * *"),
		LedgerVerifyCron: getEnv("LEDGER_VERIFY_CRON", "0 */15 * * * *"),
	}
}

// Validate checks that the selected PSP has its credentials.
func (c *Config) Validate() error {
	switch c.PSPProvider {
	case "gateway":
		if c.GatewayMerchantID == "" || c.GatewaySaltKey == "" {
			return errors.New("GATEWAY_MERCHANT_ID and GATEWAY_SALT_KEY are required for the gateway PSP")
		}
	case "midtrans":
		if c.MidtransServerKey == "" {
			return errors.New("MIDTRANS_SERVER_KEY is required for the midtrans PSP")
		}
	default:
		return fmt.Errorf("unknown PSP_PROVIDER %q", c.PSPProvider)
	}
	if c.PSPTimeout <= 0 {
		return errors.New("PSP_TIMEOUT must be positive")
	}
	return nil
}

// PostgresDSN returns the lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
