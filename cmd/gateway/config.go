package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type config struct {
	listenAddr  string
	upstreamURL string
	appEnv      string

	// redis nil = só contador local
	redis               *redis.Options
	redisConnectTimeout time.Duration
	redisProbeTimeout   time.Duration
	redisGracePeriod    time.Duration
	redisCheckInterval  time.Duration

	keyPrefix    string
	policyFile   string
	localMaxKeys int
	trustXFF     bool
	// Auth-Info só é lido quando um auth gateway na frente o reescreve
	trustAuthInfo bool

	rateStatsEnabled       bool
	rateStatsRedisAddr     string
	rateStatsRedisPassword string
	rateStatsRedisDB       int
	rateStatsPrefix        string
	rateStatsTTL           time.Duration
	rateStatsBucket        string
	rateStatsTrackKeys     bool

	logLevel  string
	logFormat string
}

func (c config) production() bool {
	return strings.EqualFold(c.appEnv, "production") || strings.EqualFold(c.appEnv, "prod")
}

// loadDotenv carrega .env (ou os arquivos dados) sem sobrescrever variáveis
// já definidas. Arquivo ausente não é erro.
func loadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")
	cfg.appEnv = getenvDefault("APP_ENV", "development")

	redisOpts, err := readRedisOptions()
	if err != nil {
		return config{}, err
	}
	cfg.redis = redisOpts
	cfg.redisConnectTimeout = getenvDurationDefault("REDIS_CONNECT_TIMEOUT", 10*time.Second)
	cfg.redisProbeTimeout = getenvDurationDefault("REDIS_PROBE_TIMEOUT", 8*time.Second)
	cfg.redisGracePeriod = getenvDurationDefault("REDIS_GRACE_PERIOD", 5*time.Second)
	cfg.redisCheckInterval = getenvDurationDefault("REDIS_CHECK_INTERVAL", 15*time.Second)

	cfg.keyPrefix = getenvDefault("RATE_KEY_PREFIX", "rl")
	cfg.policyFile = os.Getenv("RATE_POLICY_FILE")
	cfg.localMaxKeys = getenvIntDefault("LOCAL_MAX_KEYS", 100_000)
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", true)
	cfg.trustAuthInfo = getenvBoolDefault("TRUST_AUTH_INFO", false)

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	defaultStatsAddr := ""
	if cfg.redis != nil {
		defaultStatsAddr = cfg.redis.Addr
	}
	cfg.rateStatsRedisAddr = getenvDefault("RATE_STATS_REDIS_ADDR", defaultStatsAddr)
	cfg.rateStatsRedisPassword = os.Getenv("RATE_STATS_REDIS_PASSWORD")
	cfg.rateStatsRedisDB = getenvIntDefault("RATE_STATS_REDIS_DB", 0)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "rl:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")
	cfg.rateStatsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)

	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.logFormat = getenvDefault("LOG_FORMAT", "json")

	if cfg.rateStatsEnabled && strings.TrimSpace(cfg.rateStatsRedisAddr) == "" {
		return config{}, errors.New("RATE_STATS_REDIS_ADDR (or REDIS_ADDR) is required when RATE_STATS_ENABLED=true")
	}
	if cfg.localMaxKeys <= 0 {
		return config{}, errors.New("LOCAL_MAX_KEYS must be > 0")
	}
	if cfg.redisConnectTimeout <= 0 || cfg.redisProbeTimeout <= 0 || cfg.redisGracePeriod <= 0 {
		return config{}, errors.New("REDIS_CONNECT_TIMEOUT, REDIS_PROBE_TIMEOUT and REDIS_GRACE_PERIOD must be > 0")
	}
	return cfg, nil
}

// readRedisOptions: REDIS_URL tem precedência sobre REDIS_ADDR. Nenhum dos
// dois = modo local.
func readRedisOptions() (*redis.Options, error) {
	if raw := strings.TrimSpace(os.Getenv("REDIS_URL")); raw != "" {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return opts, nil
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, nil
	}
	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getenvIntDefault("REDIS_DB", 0),
	}, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
