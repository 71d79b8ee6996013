package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	infisical "github.com/infisical/go-sdk"
	"github.com/joho/godotenv"

	"github.com/web3-frozen/yield-loops/internal/chains"
)

const (
	SourceDB   = "db"
	SourceLive = "live"
)

type Config struct {
	Port           string
	DatabaseURL    string
	FrontendOrigin string
	RedisURL       string
	RedisPassword  string
	LogLevel       slog.Level

	CacheTTL        time.Duration
	RatesCacheTTL   time.Duration
	CacheMemorySize int
	RefreshInterval time.Duration

	DefaultDepeg        float64
	DefaultMinLiquidity float64
	// LoopsSource selects the /api/loops read path: "db" or "live".
	LoopsSource string

	// RPCEndpoints overrides the registry endpoints per chain key.
	RPCEndpoints map[string][]string
	RPCAPIKey    string
}

// Load reads .env (when present), the environment and, if credentials are
// set, Infisical for secrets still missing.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg := Config{
		Port:           envOr("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		FrontendOrigin: envOr("FRONTEND_ORIGIN", "*"),
		RedisURL:       envOr("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		LogLevel:       levelOr("LOG_LEVEL", slog.LevelInfo),

		CacheTTL:        durationOr("CACHE_TTL", 24*time.Hour),
		RatesCacheTTL:   durationOr("RATES_CACHE_TTL", 6*time.Hour),
		CacheMemorySize: intOr("CACHE_MEMORY_SIZE", 4096),
		RefreshInterval: durationOr("REFRESH_INTERVAL", time.Hour),

		DefaultDepeg:        floatOr("DEFAULT_DEPEG", 0.97),
		DefaultMinLiquidity: floatOr("DEFAULT_MIN_LIQUIDITY", 100_000),

		RPCAPIKey: os.Getenv("RPC_API_KEY"),
	}

	// If Infisical credentials are available, fetch secrets from Infisical
	clientID := os.Getenv("INFISICAL_CLIENT_ID")
	clientSecret := os.Getenv("INFISICAL_CLIENT_SECRET")
	if clientID != "" && clientSecret != "" {
		loadFromInfisical(&cfg, clientID, clientSecret)
	}

	cfg.RPCEndpoints = rpcOverrides(cfg.RPCAPIKey)
	cfg.LoopsSource = loopsSource(os.Getenv("LOOPS_SOURCE"), cfg.DatabaseURL)
	return cfg
}

func loopsSource(v, databaseURL string) string {
	switch strings.ToLower(v) {
	case SourceDB:
		if databaseURL != "" {
			return SourceDB
		}
		slog.Warn("LOOPS_SOURCE=db without DATABASE_URL, serving live")
		return SourceLive
	case SourceLive:
		return SourceLive
	}
	if databaseURL != "" {
		return SourceDB
	}
	return SourceLive
}

// rpcOverrides reads RPC_<CHAIN> as a comma-separated endpoint list. A
// "{key}" placeholder in a URL is replaced with apiKey.
func rpcOverrides(apiKey string) map[string][]string {
	out := make(map[string][]string)
	for _, key := range chains.Keys() {
		raw := os.Getenv("RPC_" + strings.ToUpper(key))
		if raw == "" {
			continue
		}
		var urls []string
		for _, u := range strings.Split(raw, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if strings.Contains(u, "{key}") {
				if apiKey == "" {
					slog.Warn("RPC endpoint needs RPC_API_KEY, skipping", "chain", key)
					continue
				}
				u = strings.ReplaceAll(u, "{key}", apiKey)
			}
			urls = append(urls, u)
		}
		if len(urls) > 0 {
			out[key] = urls
		}
	}
	return out
}

func loadFromInfisical(cfg *Config, clientID, clientSecret string) {
	siteURL := envOr("INFISICAL_SITE_URL",
		"http://infisical-infisical-standalone-infisical.infisical.svc.cluster.local:8080")
	projectID := os.Getenv("INFISICAL_PROJECT_ID")
	envSlug := envOr("INFISICAL_ENV", "prod")

	if projectID == "" {
		slog.Warn("INFISICAL_PROJECT_ID not set, skipping Infisical")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          siteURL,
		AutoTokenRefresh: false,
	})

	_, err := client.Auth().UniversalAuthLogin(clientID, clientSecret)
	if err != nil {
		slog.Error("infisical auth failed", "error", err)
		return
	}

	secrets := map[string]*string{
		"DATABASE_URL":   &cfg.DatabaseURL,
		"REDIS_PASSWORD": &cfg.RedisPassword,
		"RPC_API_KEY":    &cfg.RPCAPIKey,
	}

	for key, target := range secrets {
		if *target != "" {
			continue // env var already set, skip
		}
		secret, err := client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
			SecretKey:   key,
			Environment: envSlug,
			ProjectID:   projectID,
			SecretPath:  "/",
		})
		if err != nil {
			slog.Warn("failed to retrieve secret from infisical", "key", key, "error", err)
			continue
		}
		*target = secret.SecretValue
		slog.Info("loaded secret from infisical", "key", key)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

func intOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func floatOr(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid number, using default", "key", key, "value", v)
		return fallback
	}
	return f
}

func levelOr(key string, fallback slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		slog.Warn("invalid log level, using default", "key", key, "value", v)
		return fallback
	}
	return l
}
