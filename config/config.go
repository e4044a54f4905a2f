// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version はビルド時に -ldflags "-X audit-ledger-service/config.Version=..." で設定する。
var Version = "dev"

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	// ActionMapPath はアクション対応表(YAML)のパス。空の場合は組み込みの対応表を使う。
	ActionMapPath string

	AppendMaxRetries     uint
	AppendRetryBaseDelay time.Duration

	CertificateValidity       time.Duration
	DefaultSignatureAlgorithm string

	Argon2Time      uint32
	Argon2MemoryKiB uint32
	Argon2Threads   uint8

	QueryMaxPageSize int

	// AdminRoles は他の利用者の証明書を失効できるロール。
	AdminRoles []string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseDriver:     strings.ToLower(getEnv("DATABASE_DRIVER", "mysql")),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "audit-ledger-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),

		ActionMapPath: os.Getenv("ACTION_MAP_PATH"),

		AppendMaxRetries:     uint(getEnvInt("APPEND_MAX_RETRIES", 5)),
		AppendRetryBaseDelay: getEnvDuration("APPEND_RETRY_BASE_DELAY", 20*time.Millisecond),

		CertificateValidity:       getEnvDuration("CERTIFICATE_VALIDITY", 365*24*time.Hour),
		DefaultSignatureAlgorithm: getEnv("SIGNATURE_ALGORITHM", "Ed25519"),

		Argon2Time:      uint32(getEnvInt("ARGON2_TIME", 3)),
		Argon2MemoryKiB: uint32(getEnvInt("ARGON2_MEMORY_KIB", 64*1024)),
		Argon2Threads:   getEnvUint8("ARGON2_THREADS", 2),

		QueryMaxPageSize: getEnvInt("QUERY_MAX_PAGE_SIZE", 500),

		AdminRoles: getEnvList("ADMIN_ROLES", []string{"QA Administrator"}),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// getEnvUint8 は1..255の範囲外の値をデフォルトに戻す。
func getEnvUint8(key string, defaultVal uint8) uint8 {
	n := getEnvInt(key, int(defaultVal))
	if n < 1 || n > math.MaxUint8 {
		return defaultVal
	}
	return uint8(n)
}

func getEnvList(key string, defaultVal []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	var list []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
