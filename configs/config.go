package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
	PublicURL  string
}

type Telegram struct {
	APIID               int
	APIHash             string
	BotAPIURL           string
	ConnectionRetries   int
	RequestRetries      int
	DownloadRetries     int
	FloodSleepThreshold time.Duration
	KeepaliveInterval   time.Duration
	AlbumWindow         time.Duration
}

type Twitter struct {
	BearerToken          string
	ClientID             string
	ClientSecret         string
	StreamMinBackoff     time.Duration
	StreamMaxBackoff     time.Duration
	StreamRateLimitFloor time.Duration
	StreamStableAfter    time.Duration
}

type Media struct {
	TempDir                string
	MaxConcurrentDownloads int
	MaxDownloadBytes       int64
}

type Queue struct {
	Concurrency int
	DedupeTTL   time.Duration
}

type Config struct {
	StreamsEnabled        bool
	InstagramClientID     string
	InstagramClientSecret string
	TiktokClientKey       string
	TiktokClientSecret    string
	GoogleClientID        string
	GoogleClientSecret    string
	FacebookGraphVersion  string
	PostgresURI           string
	RedisURI              string
	HTTPAddr              string
	LogLevel              string
	LogFormat             string
	ProcessedMessageTTL   time.Duration
	R2                    R2
	Telegram              Telegram
	Twitter               Twitter
	Media                 Media
	Queue                 Queue
	SecretKey             string
}

func LoadConfig() *Config {
	return &Config{
		StreamsEnabled:        getEnvBool("REALTIME_STREAMS_ENABLED", true),
		InstagramClientID:     getEnv("INSTAGRAM_CLIENT_ID", ""),
		InstagramClientSecret: getEnv("INSTAGRAM_CLIENT_SECRET", ""),
		TiktokClientKey:       getEnv("TIKTOK_CLIENT_KEY", ""),
		TiktokClientSecret:    getEnv("TIKTOK_CLIENT_SECRET", ""),
		GoogleClientID:        getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:    getEnv("GOOGLE_CLIENT_SECRET", ""),
		FacebookGraphVersion:  getEnv("FACEBOOK_GRAPH_VERSION", "v21.0"),
		PostgresURI:           getEnv("POSTGRES_URI", ""),
		RedisURI:              getEnv("REDIS_URI", "localhost:6379"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":3000"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		ProcessedMessageTTL:   getEnvDuration("PROCESSED_MESSAGE_TTL", 24*time.Hour),
		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
			PublicURL:  strings.TrimRight(getEnv("R2_PUBLIC_URL", ""), "/"),
		},
		Telegram: Telegram{
			APIID:               getEnvInt("TELEGRAM_API_ID", 0),
			APIHash:             getEnv("TELEGRAM_API_HASH", ""),
			BotAPIURL:           strings.TrimRight(getEnv("TELEGRAM_BOT_API_URL", "https://api.telegram.org"), "/"),
			ConnectionRetries:   getEnvInt("TELEGRAM_CONNECTION_RETRIES", 5),
			RequestRetries:      getEnvInt("TELEGRAM_REQUEST_RETRIES", 3),
			DownloadRetries:     getEnvInt("TELEGRAM_DOWNLOAD_RETRIES", 3),
			FloodSleepThreshold: getEnvDuration("TELEGRAM_FLOOD_SLEEP_THRESHOLD", 60*time.Second),
			KeepaliveInterval:   getEnvDuration("TELEGRAM_KEEPALIVE_INTERVAL", 30*time.Second),
			AlbumWindow:         getEnvDuration("TELEGRAM_ALBUM_WINDOW", 800*time.Millisecond),
		},
		Twitter: Twitter{
			BearerToken:          getEnv("TWITTER_BEARER_TOKEN", ""),
			ClientID:             getEnv("TWITTER_CLIENT_ID", ""),
			ClientSecret:         getEnv("TWITTER_CLIENT_SECRET", ""),
			StreamMinBackoff:     getEnvDuration("TWITTER_STREAM_MIN_BACKOFF", 5*time.Second),
			StreamMaxBackoff:     getEnvDuration("TWITTER_STREAM_MAX_BACKOFF", 15*time.Minute),
			StreamRateLimitFloor: getEnvDuration("TWITTER_STREAM_RATE_LIMIT_BACKOFF", 60*time.Second),
			StreamStableAfter:    getEnvDuration("TWITTER_STREAM_STABLE_AFTER", 60*time.Second),
		},
		Media: Media{
			TempDir:                getEnv("MEDIA_TEMP_DIR", os.TempDir()),
			MaxConcurrentDownloads: getEnvInt("MEDIA_MAX_CONCURRENT_DOWNLOADS", 3),
			MaxDownloadBytes:       getEnvInt64("MEDIA_MAX_DOWNLOAD_BYTES", 100*1024*1024),
		},
		Queue: Queue{
			Concurrency: getEnvInt("QUEUE_CONCURRENCY", 10),
			DedupeTTL:   getEnvDuration("QUEUE_DEDUPE_TTL", 10*time.Minute),
		},
		SecretKey: getEnv("SECRET_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return n
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return b
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return d
}
