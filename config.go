package main

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	HTTPPort      int
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// InstanceID pins push connections to the instance that accepted them.
	// Entry-log messages are routed back by this id, so it must be unique
	// per running process.
	InstanceID string

	TokenSecret string
	TokenTTL    time.Duration

	SeatLockTTL     time.Duration
	DefaultCapacity int
	PromoteBatch    int

	RankInterval      time.Duration
	HeartbeatInterval time.Duration

	PNPublishKey   string
	PNSubscribeKey string
	PNSecretKey    string
	PNUUIDKey      string
	PNUUIDSubKey   string
}

func LoadConfig() *Config {
	cfg := &Config{
		HTTPPort:          getEnvInt("GATE_HTTP_PORT", 8081),
		RedisAddr:         strings.TrimSpace(getEnv("GATE_REDIS_ADDR", "localhost:6379")),
		RedisPassword:     os.Getenv("GATE_REDIS_PASSWORD"),
		RedisDB:           getEnvInt("GATE_REDIS_DB", 0),
		InstanceID:        strings.TrimSpace(getEnv("GATE_INSTANCE_ID", uuid.New().String())),
		TokenSecret:       getEnv("GATE_TOKEN_SECRET", "dev-entry-token-secret"),
		TokenTTL:          getEnvDur("GATE_TOKEN_TTL", 5*time.Minute),
		SeatLockTTL:       getEnvDur("GATE_SEAT_LOCK_TTL", 5*time.Minute),
		DefaultCapacity:   getEnvInt("GATE_DEFAULT_CAPACITY", 100),
		PromoteBatch:      getEnvInt("GATE_PROMOTE_BATCH", 50),
		RankInterval:      getEnvDur("GATE_RANK_INTERVAL", time.Second),
		HeartbeatInterval: getEnvDur("GATE_HEARTBEAT_INTERVAL", 5*time.Second),
		PNPublishKey:      os.Getenv("PN_PUBLISH_KEY"),
		PNSubscribeKey:    os.Getenv("PN_SUBSCRIBE_KEY"),
		PNSecretKey:       os.Getenv("PN_SECRET_KEY"),
		PNUUIDKey:         getEnv("PN_UUID_KEY", "ticketgate-server"),
		PNUUIDSubKey:      getEnv("PN_UUID_SUB_KEY", "ticketgate-client"),
	}
	return cfg
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Redacted returns a view safe for logging.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"httpPort":        c.HTTPPort,
		"redisAddr":       c.RedisAddr,
		"redisDB":         c.RedisDB,
		"instanceID":      c.InstanceID,
		"tokenTTL":        c.TokenTTL.String(),
		"seatLockTTL":     c.SeatLockTTL.String(),
		"defaultCapacity": c.DefaultCapacity,
		"promoteBatch":    c.PromoteBatch,
		"pubnubConfigured": c.PNPublishKey != "" && c.PNSubscribeKey != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
	}
	return def
}

func getEnvDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}
