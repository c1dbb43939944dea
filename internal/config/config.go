package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderLive = "live"
	ProviderMock = "mock"

	DefaultWatsonURL = "https://eu-de.ml.cloud.ibm.com"
	DefaultProjectID = "2e28d569-e987-43dd-bda0-0619a69756db"
)

// IBMCredentials is the ibmcredentials.json file.
type IBMCredentials struct {
	APIKey    string `json:"apiKey"`
	WatsonURL string `json:"watsonURL"`
	ProjectID string `json:"projectId"`
	IAMURL    string `json:"iamURL"`
}

// ElevenLabsCredentials is the elevenlabscredentials.json file.
type ElevenLabsCredentials struct {
	APIKey  string `json:"apiKey"`
	VoiceID string `json:"voiceId"`
}

// Config contains all runtime settings for the proxy.
type Config struct {
	BindAddr                 string
	PublicBaseURL            string
	AllowedOrigins           []string
	AudioDir                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	StageTimeout    time.Duration
	PlaybackTimeout time.Duration

	PersonaFile string
	DatabaseURL string
	// TurnLogPerSession caps the in-memory turn log when DATABASE_URL is unset.
	TurnLogPerSession int
	LogLevel          string
	LogFormat         string
	LogFile           string

	VoiceProvider        string
	ElevenLabsWSBaseURL  string
	GoogleSpeechEndpoint string

	IBM                   IBMCredentials
	ElevenLabs            ElevenLabsCredentials
	GoogleCredentialsJSON []byte
}

// Load reads .env (when present) and the environment, then the upstream
// credential files. A missing or malformed credential file is an error
// unless VOICE_PROVIDER=mock.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":3000"),
		PublicBaseURL:            strings.TrimRight(envOrDefault("APP_PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		AllowedOrigins:           listFromEnv("APP_ALLOWED_ORIGINS", []string{"https://preview.construct.net"}),
		AudioDir:                 envOrDefault("APP_AUDIO_DIR", "audio"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "alef"),
		PersonaFile:              trimmedEnv("PERSONA_FILE"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("LOG_FORMAT", "json"),
		LogFile:                  trimmedEnv("LOG_FILE"),
		VoiceProvider:            strings.ToLower(envOrDefault("VOICE_PROVIDER", ProviderLive)),
		ElevenLabsWSBaseURL:      envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		GoogleSpeechEndpoint:     envOrDefault("GOOGLE_SPEECH_ENDPOINT", "https://speech.googleapis.com"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		StageTimeout:             30 * time.Second,
		PlaybackTimeout:          2 * time.Minute,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"STAGE_TIMEOUT", &cfg.StageTimeout},
		{"PLAYBACK_TIMEOUT", &cfg.PlaybackTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.TurnLogPerSession, err = intFromEnv("TURNLOG_MAX_PER_SESSION", 200)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.VoiceProvider == ProviderMock {
		return cfg, nil
	}
	if err := cfg.loadCredentials(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.VoiceProvider {
	case ProviderLive, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("VOICE_PROVIDER %q is invalid; valid values: live, mock", c.VoiceProvider))
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		errs = append(errs, errors.New("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s"))
	}
	if c.StageTimeout <= 0 {
		errs = append(errs, errors.New("STAGE_TIMEOUT must be positive"))
	}
	if c.PlaybackTimeout <= 0 {
		errs = append(errs, errors.New("PLAYBACK_TIMEOUT must be positive"))
	}
	if c.TurnLogPerSession <= 0 {
		errs = append(errs, errors.New("TURNLOG_MAX_PER_SESSION must be positive"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is invalid; valid values: json, text", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c *Config) loadCredentials() error {
	var errs []error

	if _, err := readJSONFile(envOrDefault("IBM_CREDENTIALS_FILE", "ibmcredentials.json"), &c.IBM); err != nil {
		errs = append(errs, err)
	} else if strings.TrimSpace(c.IBM.APIKey) == "" {
		errs = append(errs, errors.New("ibm credentials: apiKey is required"))
	}
	if c.IBM.WatsonURL == "" {
		c.IBM.WatsonURL = DefaultWatsonURL
	}
	if c.IBM.ProjectID == "" {
		c.IBM.ProjectID = DefaultProjectID
	}

	if _, err := readJSONFile(envOrDefault("ELEVENLABS_CREDENTIALS_FILE", "elevenlabscredentials.json"), &c.ElevenLabs); err != nil {
		errs = append(errs, err)
	} else {
		if strings.TrimSpace(c.ElevenLabs.APIKey) == "" {
			errs = append(errs, errors.New("elevenlabs credentials: apiKey is required"))
		}
		if strings.TrimSpace(c.ElevenLabs.VoiceID) == "" {
			errs = append(errs, errors.New("elevenlabs credentials: voiceId is required"))
		}
	}

	googlePath := envOrDefault("GOOGLE_CREDENTIALS_FILE", "googlecredentials.json")
	var sa struct {
		Type string `json:"type"`
	}
	raw, err := readJSONFile(googlePath, &sa)
	switch {
	case err != nil:
		errs = append(errs, err)
	case sa.Type == "":
		errs = append(errs, fmt.Errorf("google credentials %q: missing type", googlePath))
	default:
		c.GoogleCredentialsJSON = raw
	}

	return errors.Join(errs...)
}

// readJSONFile decodes the credential file at path into dst and returns the
// raw bytes it read.
func readJSONFile(path string, dst any) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %q: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, fmt.Errorf("parse credentials %q: %w", path, err)
	}
	return data, nil
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string, fallback []string) []string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
