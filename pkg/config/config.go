// Package config holds the gateway's compiled-in behavioral constants and
// its environment-derived wiring configuration.
//
// The two are deliberately kept apart: anything in this file that looks
// like a rate limit, priority, or timing constant is fixed at compile time
// per spec and is never read from the environment (see SendQueueConfig,
// DownsellConfig, HeartbeatConfig, VaultConfig below). Only deployment
// wiring — DSNs, secrets, bind addresses — comes from the environment,
// loaded the way cmd/tarsy/main.go loaded it: godotenv for local dev, then
// os.Getenv with explicit defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Priority is the Send Queue's strict dequeue ordering; smaller is higher.
type Priority int

const (
	PriorityStart    Priority = 1
	PriorityShot     Priority = 2
	PriorityDownsell Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityStart:
		return "start"
	case PriorityShot:
		return "shot"
	case PriorityDownsell:
		return "downsell"
	default:
		return "unknown"
	}
}

// SendQueueConfig is compiled-in; these values are never env-overridable.
type SendQueueConfig struct {
	GlobalRatePerSec     float64
	PerRecipientRatePSec float64
	Burst                int

	Backoff429InitialMS time.Duration
	Backoff429MaxMS      time.Duration
	Backoff429Factor     float64

	FallbackAfterConsecutive429 int
	FallbackChatRatePerSec      float64
	FallbackDuration            time.Duration
	FallbackRecoveryStepPerSec  float64

	MaxRetryAttempts int

	IdleEvictAfter time.Duration
	GCInterval     time.Duration
}

// DefaultSendQueueConfig returns the gateway's fixed Send Queue tuning,
// straight out of spec.md §6.
func DefaultSendQueueConfig() *SendQueueConfig {
	return &SendQueueConfig{
		GlobalRatePerSec:            30,
		PerRecipientRatePSec:        5,
		Burst:                       10,
		Backoff429InitialMS:         1500 * time.Millisecond,
		Backoff429MaxMS:             15000 * time.Millisecond,
		Backoff429Factor:            2,
		FallbackAfterConsecutive429: 3,
		FallbackChatRatePerSec:      1,
		FallbackDuration:            60 * time.Second,
		FallbackRecoveryStepPerSec:  1,
		MaxRetryAttempts:            5,
		IdleEvictAfter:              10 * time.Minute,
		GCInterval:                  5 * time.Minute,
	}
}

// DownsellConfig is compiled-in scheduling-loop tuning.
type DownsellConfig struct {
	ScanInterval  time.Duration
	FetchLimit    int
	BatchPaceGap  time.Duration
	UnpaidPixDays int
}

func DefaultDownsellConfig() *DownsellConfig {
	return &DownsellConfig{
		ScanInterval:  10 * time.Second,
		FetchLimit:    50,
		BatchPaceGap:  200 * time.Millisecond,
		UnpaidPixDays: 7,
	}
}

// BroadcastConfig is compiled-in broadcast-drain tuning.
type BroadcastConfig struct {
	BatchSize int
}

func DefaultBroadcastConfig() *BroadcastConfig {
	return &BroadcastConfig{BatchSize: 50}
}

// MediaConfig is compiled-in warm-up pool tuning.
type MediaConfig struct {
	QueueCapacity       int
	Concurrency         int
	ResortEveryNEnqueue int
	DownloadCacheSize   int
	DownloadCacheTTL    time.Duration
}

func DefaultMediaConfig() *MediaConfig {
	return &MediaConfig{
		QueueCapacity:       500,
		Concurrency:         5,
		ResortEveryNEnqueue: 10,
		DownloadCacheSize:   50,
		DownloadCacheTTL:    5 * time.Minute,
	}
}

// HeartbeatConfig is compiled-in heartbeat cadence.
type HeartbeatConfig struct {
	UpstreamInterval time.Duration
	UpstreamJitter   time.Duration
	DBInterval       time.Duration
}

func DefaultHeartbeatConfig() *HeartbeatConfig {
	return &HeartbeatConfig{
		UpstreamInterval: 30 * time.Second,
		UpstreamJitter:   5 * time.Second,
		DBInterval:       60 * time.Second,
	}
}

// VaultConfig is compiled-in token vault cache tuning.
type VaultConfig struct {
	CacheTTL      time.Duration
	CacheCapacity int
}

func DefaultVaultConfig() *VaultConfig {
	return &VaultConfig{
		CacheTTL:      10 * time.Minute,
		CacheCapacity: 100,
	}
}

// ObjectStoreConfig is compiled-in signing-key cache tuning.
type ObjectStoreConfig struct {
	SigningKeyTTL time.Duration
}

func DefaultObjectStoreConfig() *ObjectStoreConfig {
	return &ObjectStoreConfig{SigningKeyTTL: 23 * time.Hour}
}

// UpstreamConfig is compiled-in HTTP client tuning for the chat API.
type UpstreamConfig struct {
	MaxIdleConnsPerHost int
	ConnectTimeout      time.Duration
	TextRequestTimeout  time.Duration
	PhotoRequestTimeout time.Duration
	VideoRequestTimeout time.Duration
	MaxRetries          int
}

func DefaultUpstreamConfig() *UpstreamConfig {
	return &UpstreamConfig{
		MaxIdleConnsPerHost: 100,
		ConnectTimeout:      5 * time.Second,
		TextRequestTimeout:  10 * time.Second,
		PhotoRequestTimeout: 30 * time.Second,
		VideoRequestTimeout: 60 * time.Second,
		MaxRetries:          3,
	}
}

// DefaultBlobPoolSize is compiled-in tuning for blob-traffic HTTP pooling.
func DefaultBlobPoolSize() int { return 50 }

// Env holds environment-derived deployment wiring. Unlike the Default*Config
// structs above, every field here comes from the process environment.
type Env struct {
	DatabaseURL string

	// EncryptionKey is the 32-byte AES-256-GCM key for the Token Vault,
	// supplied hex-encoded (64 hex chars).
	EncryptionKeyHex string

	// WebhookSecret authenticates inbound chat-platform webhooks. Required
	// in production; a missing secret is a hard failure (spec.md §4.9).
	WebhookSecret string
	Environment   string // "production" | "development" | "test"

	ObjectStoreAccountID  string
	ObjectStoreAccessKey  string
	ObjectStoreSecretKey  string
	ObjectStoreBucket     string
	ObjectStoreRegion     string
	ObjectStorePublicBase string

	UpstreamBaseURL string

	SlackToken   string
	SlackChannel string

	BindAddr string
}

// Load reads environment config, loading a local .env file first (mirrors
// cmd/tarsy/main.go's boot sequence). Missing .env is not an error.
func Load() (*Env, error) {
	_ = godotenv.Load()

	env := &Env{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		EncryptionKeyHex:      os.Getenv("VAULT_ENCRYPTION_KEY"),
		WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
		Environment:           getEnv("ENVIRONMENT", "development"),
		ObjectStoreAccountID:  os.Getenv("R2_ACCOUNT_ID"),
		ObjectStoreAccessKey:  os.Getenv("R2_ACCESS_KEY_ID"),
		ObjectStoreSecretKey:  os.Getenv("R2_SECRET_ACCESS_KEY"),
		ObjectStoreBucket:     os.Getenv("R2_BUCKET"),
		ObjectStoreRegion:     getEnv("R2_REGION", "auto"),
		ObjectStorePublicBase: os.Getenv("R2_PUBLIC_BASE_URL"),
		UpstreamBaseURL:       getEnv("UPSTREAM_BASE_URL", "https://api.telegram.org"),
		SlackToken:            os.Getenv("OPS_SLACK_TOKEN"),
		SlackChannel:          os.Getenv("OPS_SLACK_CHANNEL"),
		BindAddr:              getEnv("BIND_ADDR", ":8080"),
	}

	if env.Environment == "production" && env.WebhookSecret == "" {
		return nil, fmt.Errorf("config: WEBHOOK_SECRET is required in production")
	}

	return env, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt is unused today but kept for symmetry with cmd/tarsy's env
// helpers; future numeric env knobs (pool sizes, etc.) can reuse it.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
