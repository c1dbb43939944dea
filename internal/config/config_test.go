package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"APP_BIND_ADDR",
	"APP_PUBLIC_BASE_URL",
	"APP_ALLOWED_ORIGINS",
	"APP_AUDIO_DIR",
	"APP_SHUTDOWN_TIMEOUT",
	"APP_SESSION_INACTIVITY_TIMEOUT",
	"APP_METRICS_NAMESPACE",
	"STAGE_TIMEOUT",
	"PLAYBACK_TIMEOUT",
	"PERSONA_FILE",
	"DATABASE_URL",
	"TURNLOG_MAX_PER_SESSION",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"LOG_FILE",
	"VOICE_PROVIDER",
	"ELEVENLABS_WS_BASE_URL",
	"GOOGLE_SPEECH_ENDPOINT",
	"IBM_CREDENTIALS_FILE",
	"ELEVENLABS_CREDENTIALS_FILE",
	"GOOGLE_CREDENTIALS_FILE",
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func setCredentialFiles(t *testing.T, ibm, eleven, google string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("IBM_CREDENTIALS_FILE", writeFile(t, dir, "ibm.json", ibm))
	t.Setenv("ELEVENLABS_CREDENTIALS_FILE", writeFile(t, dir, "eleven.json", eleven))
	t.Setenv("GOOGLE_CREDENTIALS_FILE", writeFile(t, dir, "google.json", google))
}

func TestLoadMockDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "mock")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.BindAddr)
	require.Equal(t, "http://localhost:3000", cfg.PublicBaseURL)
	require.Equal(t, []string{"https://preview.construct.net"}, cfg.AllowedOrigins)
	require.Equal(t, 30*time.Second, cfg.StageTimeout)
	require.Equal(t, 2*time.Minute, cfg.PlaybackTimeout)
	require.Equal(t, 200, cfg.TurnLogPerSession)
	require.Equal(t, "alef", cfg.MetricsNamespace)
	require.Empty(t, cfg.IBM.APIKey)
}

func TestLoadReadsCredentialFiles(t *testing.T) {
	setCoreEnvEmpty(t)
	setCredentialFiles(t,
		`{"apiKey":"ibm-key","watsonURL":"https://us-south.ml.cloud.ibm.com"}`,
		`{"apiKey":"xi","voiceId":"voice-1"}`,
		`{"type":"service_account","project_id":"p"}`)
	t.Setenv("APP_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("APP_PUBLIC_BASE_URL", "https://alef.example/")
	t.Setenv("STAGE_TIMEOUT", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "ibm-key", cfg.IBM.APIKey)
	require.Equal(t, "https://us-south.ml.cloud.ibm.com", cfg.IBM.WatsonURL)
	require.Equal(t, DefaultProjectID, cfg.IBM.ProjectID)
	require.Equal(t, "voice-1", cfg.ElevenLabs.VoiceID)
	require.Contains(t, string(cfg.GoogleCredentialsJSON), "service_account")
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	require.Equal(t, "https://alef.example", cfg.PublicBaseURL)
	require.Equal(t, 10*time.Second, cfg.StageTimeout)
}

func TestLoadFailsOnMissingCredentials(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	t.Setenv("IBM_CREDENTIALS_FILE", filepath.Join(dir, "nope.json"))
	t.Setenv("ELEVENLABS_CREDENTIALS_FILE", filepath.Join(dir, "nope2.json"))
	t.Setenv("GOOGLE_CREDENTIALS_FILE", filepath.Join(dir, "nope3.json"))

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "nope.json")
	require.Contains(t, err.Error(), "nope2.json")
	require.Contains(t, err.Error(), "nope3.json")
}

func TestLoadFailsOnMalformedCredentials(t *testing.T) {
	setCoreEnvEmpty(t)
	setCredentialFiles(t, `{"apiKey":`, `{"apiKey":"xi"}`, `{}`)

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse credentials")
	require.Contains(t, err.Error(), "voiceId is required")
	require.Contains(t, err.Error(), "missing type")
}

func TestLoadRejectsBadValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "mock")
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "1s")
	t.Setenv("LOG_FORMAT", "xml")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "APP_SESSION_INACTIVITY_TIMEOUT")
	require.Contains(t, err.Error(), "LOG_FORMAT")

	setCoreEnvEmpty(t)
	t.Setenv("STAGE_TIMEOUT", "soon")
	_, err = Load()
	require.ErrorContains(t, err, "STAGE_TIMEOUT parse error")

	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "cloud")
	_, err = Load()
	require.ErrorContains(t, err, "VOICE_PROVIDER")
}

func TestReadJSONFileReturnsBytesItDecoded(t *testing.T) {
	body := `{"type":"service_account","private_key":"k"}`
	path := writeFile(t, t.TempDir(), "sa.json", body)

	var sa struct {
		Type string `json:"type"`
	}
	raw, err := readJSONFile(path, &sa)
	require.NoError(t, err)
	require.Equal(t, "service_account", sa.Type)
	require.Equal(t, body, string(raw))

	_, err = readJSONFile(writeFile(t, t.TempDir(), "bad.json", "{"), &sa)
	require.ErrorContains(t, err, "parse credentials")
}

func TestLoadRejectsGoogleCredentialsWithoutType(t *testing.T) {
	setCoreEnvEmpty(t)
	setCredentialFiles(t, `{"apiKey":"k"}`, `{"apiKey":"xi","voiceId":"v"}`, `{"project_id":"p"}`)

	_, err := Load()
	require.ErrorContains(t, err, "missing type")
}
