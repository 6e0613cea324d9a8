package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration. Pipeline tunables live in the
// hot-reloadable PipelineHolder (pipeline.go).
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

	AuthTokenPepper string

	OTLPEndpoint string
	OtelEnabled  bool

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Storage StorageConfig
	Queue   QueueConfig

	UploadTempDir string
	SeedDemoUser  bool
}

// StorageConfig points at an S3-compatible object store (AWS S3, MinIO,
// Supabase Storage).
type StorageConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PresignTTLSeconds int
}

func (s StorageConfig) Configured() bool {
	return s.Bucket != "" && s.AccessKey != "" && s.SecretKey != ""
}

// QueueConfig points at the redis task broker.
type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func (q QueueConfig) Configured() bool {
	return strings.TrimSpace(q.RedisAddr) != ""
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "marketdash"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		AuthTokenPepper: strings.TrimSpace(getenv("AUTH_TOKEN_PEPPER", "")),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OtelEnabled:  getenvBool("OTEL_ENABLED", false),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "marketdash"),
		DBUser:            getenv("DATABASE_USER", "marketdash"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		Storage: StorageConfig{
			Endpoint:          strings.TrimSpace(getenv("STORAGE_ENDPOINT", "")),
			Region:            getenv("STORAGE_REGION", "us-east-1"),
			Bucket:            strings.TrimSpace(getenv("STORAGE_BUCKET", "")),
			AccessKey:         strings.TrimSpace(getenv("STORAGE_ACCESS_KEY", "")),
			SecretKey:         strings.TrimSpace(getenv("STORAGE_SECRET_KEY", "")),
			PresignTTLSeconds: getenvInt("STORAGE_PRESIGN_TTL", 3600),
		},
		Queue: QueueConfig{
			RedisAddr:     strings.TrimSpace(getenv("QUEUE_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("QUEUE_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("QUEUE_REDIS_DB", 0),
		},

		UploadTempDir: getenv("UPLOAD_TEMP_DIR", ""),
		SeedDemoUser:  getenvBool("SEED_DEMO_USER", false),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
