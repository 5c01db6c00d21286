// Package config loads AEGIS server configuration from the environment,
// following the teacher's convention of a single flat Config struct
// populated by simple os.Getenv lookups with defaults applied inline.
package config

import (
	"os"
	"strconv"
	"strings"
)

// ConflictStrategy names the PDP's multi-policy conflict resolution mode.
type ConflictStrategy string

const (
	ConflictPriority    ConflictStrategy = "priority"
	ConflictStrict      ConflictStrategy = "strict"
	ConflictPermissive  ConflictStrategy = "permissive"
	ConflictConsensus   ConflictStrategy = "consensus"
	defaultDecisionMs                   = 5000
	defaultRequestMs                    = 30000
	defaultCacheL1Size                  = 10000
	defaultPermitTTLMs                  = 5 * 60 * 1000
	defaultDenyTTLMs                    = 60 * 1000
	defaultConfidence                   = 0.7
	defaultRateLimit                    = 1000
	defaultPort                         = "8080"
)

// Config holds AEGIS process configuration.
type Config struct {
	LLMProvider string
	LLMModel    string
	LLMAPIKey   string

	DecisionTimeoutMs int
	RequestTimeoutMs  int

	CacheEnabled   bool
	CacheL1Size    int
	CachePermitTTL int
	CacheDenyTTL   int

	ConflictStrategy     ConflictStrategy
	ConfidenceThreshold  float64
	RateLimitDefault     int
	Port                 string
	PolicyStorePath      string
	UpstreamConfigPath   string

	PolicyStoreBackend string // "file" or "postgres"
	PostgresDSN        string

	AuditBackend  string // "file" or "sqlite"
	AuditDir      string
	AuditDBPath   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	StdioMode bool
}

// Load populates a Config from environment variables, applying the
// defaults documented in the AEGIS configuration reference.
func Load() *Config {
	c := &Config{
		LLMProvider: getenv("LLM_PROVIDER", "openai"),
		LLMModel:    getenv("LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:   os.Getenv("LLM_API_KEY"),

		DecisionTimeoutMs: getenvInt("DECISION_TIMEOUT_MS", defaultDecisionMs),
		RequestTimeoutMs:  getenvInt("REQUEST_TIMEOUT_MS", defaultRequestMs),

		CacheEnabled:   getenvBool("CACHE_ENABLED", true),
		CacheL1Size:    getenvInt("CACHE_L1_SIZE", defaultCacheL1Size),
		CachePermitTTL: getenvInt("CACHE_PERMIT_TTL_MS", defaultPermitTTLMs),
		CacheDenyTTL:   getenvInt("CACHE_DENY_TTL_MS", defaultDenyTTLMs),

		ConflictStrategy:    ConflictStrategy(getenv("CONFLICT_STRATEGY", string(ConflictPriority))),
		ConfidenceThreshold: getenvFloat("CONFIDENCE_THRESHOLD", defaultConfidence),
		RateLimitDefault:    getenvInt("RATE_LIMIT_DEFAULT", defaultRateLimit),
		Port:                getenv("PORT", defaultPort),
		PolicyStorePath:     getenv("POLICY_STORE_PATH", "./policies"),
		UpstreamConfigPath:  os.Getenv("UPSTREAM_CONFIG"),

		PolicyStoreBackend: getenv("POLICY_STORE_BACKEND", "file"),
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),

		AuditBackend: getenv("AUDIT_BACKEND", "file"),
		AuditDir:     getenv("AUDIT_DIR", "./audit"),
		AuditDBPath:  getenv("AUDIT_DB_PATH", "./audit/aegis-audit.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		JWTSecret: os.Getenv("JWT_SECRET"),

		StdioMode: getenvBool("STDIO_MODE", false),
	}
	return c
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}
