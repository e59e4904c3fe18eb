package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv  string
	AppPort string

	// Asterisk ARI control channel
	ARIURL      string
	ARIUsername string
	ARIPassword string
	ARIAppName  string

	// Media transport
	MediaHost       string
	MediaPortMin    int
	MediaPortMax    int
	SampleRate      int
	SampleWidth     int
	FrameDuration   time.Duration
	AcceptTimeout   time.Duration
	HangupGrace     time.Duration
	SinkQueueSize   int
	SinkTimeout     time.Duration
	DispatchWorkers int

	// Speech pipeline gateway
	SpeechGatewayURL     string
	SpeechGatewayTimeout time.Duration

	RedisURL string

	JWTSecret       string
	APIRateLimitRPM int

	LogLevel           string
	CORSAllowedOrigins string

	OTELEndpoint string
	OTELEnabled  bool
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// Missing .env is fine; the process may be configured entirely from
		// real environment variables (containers, systemd units).
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppPort: getEnv("APP_PORT", "8080"),

		ARIURL:      getEnv("ARI_URL", "http://localhost:8088"),
		ARIUsername: mustGetEnv("ARI_USERNAME"),
		ARIPassword: mustGetEnv("ARI_PASSWORD"),
		ARIAppName:  getEnv("ARI_APP_NAME", "pbx-bridge"),

		MediaHost:       getEnv("MEDIA_HOST", "127.0.0.1"),
		MediaPortMin:    getEnvInt("MEDIA_PORT_MIN", 5000),
		MediaPortMax:    getEnvInt("MEDIA_PORT_MAX", 5999),
		SampleRate:      getEnvInt("AUDIO_SAMPLE_RATE", 16000),
		SampleWidth:     getEnvInt("AUDIO_SAMPLE_WIDTH", 2),
		FrameDuration:   getEnvMillis("AUDIO_FRAME_MS", 50),
		AcceptTimeout:   getEnvMillis("MEDIA_ACCEPT_TIMEOUT_MS", 10000),
		HangupGrace:     getEnvMillis("HANGUP_GRACE_MS", 300),
		SinkQueueSize:   getEnvInt("SINK_QUEUE_SIZE", 32),
		SinkTimeout:     getEnvMillis("SINK_TIMEOUT_MS", 100),
		DispatchWorkers: getEnvInt("DISPATCH_WORKERS", 10),

		SpeechGatewayURL:     getEnv("SPEECH_GATEWAY_URL", ""),
		SpeechGatewayTimeout: getEnvMillis("SPEECH_GATEWAY_TIMEOUT_MS", 5000),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		JWTSecret:       mustGetEnv("JWT_SECRET"),
		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 180),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	if cfg.MediaPortMin <= 0 || cfg.MediaPortMax < cfg.MediaPortMin {
		return nil, fmt.Errorf("invalid media port range %d-%d", cfg.MediaPortMin, cfg.MediaPortMax)
	}
	if cfg.SampleRate <= 0 || cfg.SampleWidth <= 0 || cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("invalid audio format: rate=%d width=%d frame=%s",
			cfg.SampleRate, cfg.SampleWidth, cfg.FrameDuration)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}
