package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// OAuth2Client is a per-platform OAuth 2.0 application credential set.
// A platform whose client is unset degrades to CONFIG_MISSING on use.
type OAuth2Client struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

func (c OAuth2Client) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// OAuth1Credential is the app-level OAuth 1.0a credential used for Twitter
// media uploads (dual-credential binding).
type OAuth1Credential struct {
	APIKey            string
	APISecret         string
	AccessToken       string
	AccessTokenSecret string
}

func (c OAuth1Credential) Configured() bool {
	return c.APIKey != "" && c.APISecret != "" && c.AccessToken != "" && c.AccessTokenSecret != ""
}

// Config is process-wide state: loaded at start, immutable during run.
type Config struct {
	DatabaseURL   string
	JobBrokerURL  string
	EncryptionKey string

	ObjectStoreBucket    string
	ObjectStoreRegion    string
	ObjectStoreEndpoint  string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string

	// OAuth2 keyed by uppercase platform name.
	OAuth2     map[string]OAuth2Client
	TwitterApp OAuth1Credential

	SchedulerTick         time.Duration
	DispatcherConcurrency int
	PublishDeadline       time.Duration
}

// Load reads .env (when present) and the process environment, validates the
// required keys, and returns the immutable configuration.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JobBrokerURL:  os.Getenv("JOB_BROKER_URL"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		ObjectStoreBucket:    os.Getenv("OBJECT_STORE_BUCKET"),
		ObjectStoreRegion:    os.Getenv("OBJECT_STORE_REGION"),
		ObjectStoreEndpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreAccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),

		OAuth2: map[string]OAuth2Client{},
		TwitterApp: OAuth1Credential{
			APIKey:            os.Getenv("TWITTER_API_KEY"),
			APISecret:         os.Getenv("TWITTER_API_SECRET"),
			AccessToken:       os.Getenv("TWITTER_ACCESS_TOKEN"),
			AccessTokenSecret: os.Getenv("TWITTER_ACCESS_TOKEN_SECRET"),
		},

		SchedulerTick:         envDurationMS("SCHEDULER_TICK_MS", 30000),
		DispatcherConcurrency: envInt("DISPATCHER_CONCURRENCY", 4),
		PublishDeadline:       envDurationMS("PUBLISH_DEADLINE_MS", 1800000),
	}

	for _, p := range []string{"TIKTOK", "YOUTUBE", "TWITTER", "INSTAGRAM", "FACEBOOK"} {
		client := OAuth2Client{
			ClientID:     os.Getenv(p + "_CLIENT_ID"),
			ClientSecret: os.Getenv(p + "_CLIENT_SECRET"),
			RedirectURI:  os.Getenv(p + "_REDIRECT_URI"),
		}
		if client.Configured() {
			cfg.OAuth2[p] = client
		} else {
			log.Printf("[Config] platform %s OAuth not configured; publishing to it will fail with CONFIG_MISSING", p)
		}
	}
	if !cfg.TwitterApp.Configured() {
		log.Printf("[Config] Twitter OAuth 1.0a app credential not configured; Twitter media upload will fail with CONFIG_MISSING")
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	// The broker defaults to the relational store when no dedicated endpoint
	// is configured (the Postgres broker rides DATABASE_URL).
	if cfg.JobBrokerURL == "" {
		cfg.JobBrokerURL = cfg.DatabaseURL
	}
	if cfg.DispatcherConcurrency <= 0 {
		cfg.DispatcherConcurrency = 4
	}
	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = 30 * time.Second
	}
	return cfg, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("[Config] ignoring invalid %s=%q", key, v)
	}
	return def
}

func envDurationMS(key string, defMS int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		log.Printf("[Config] ignoring invalid %s=%q", key, v)
	}
	return time.Duration(defMS) * time.Millisecond
}
