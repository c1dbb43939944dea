package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ent0n29/alef/internal/config"
)

type readinessCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type readinessResponse struct {
	Status         string           `json:"status"`
	VoiceProvider  string           `json:"voice_provider"`
	TurnLogStore   string           `json:"turn_log_store"`
	ActiveSessions int              `json:"active_sessions"`
	Checks         []readinessCheck `json:"checks"`
}

// handleReady reports 503 when any check is in error.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := make([]readinessCheck, 0, 6)
	checks = append(checks, s.audioDirCheck())

	store := "in-memory"
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		store = "postgres"
		checks = append(checks, readinessCheck{ID: "turn_log", Status: "ok", Label: "Turn log", Detail: "postgres"})
	} else {
		checks = append(checks, readinessCheck{
			ID:     "turn_log",
			Status: "warn",
			Label:  "Turn log",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to keep turn outcomes across restarts.",
		})
	}

	if s.cfg.VoiceProvider == config.ProviderMock {
		checks = append(checks, readinessCheck{
			ID:     "mock_voice",
			Status: "warn",
			Label:  "Upstreams are mocked",
			Detail: "No model, speech recognition or synthesis calls leave the process.",
			Fix:    "Set VOICE_PROVIDER=live and provide the credential files.",
		})
	} else {
		checks = append(checks,
			credentialCheck("ibm_credentials", "IBM watsonx credentials", s.cfg.IBM.APIKey != "", "IBM_CREDENTIALS_FILE"),
			credentialCheck("elevenlabs_credentials", "ElevenLabs credentials", s.cfg.ElevenLabs.APIKey != "" && s.cfg.ElevenLabs.VoiceID != "", "ELEVENLABS_CREDENTIALS_FILE"),
			credentialCheck("google_credentials", "Google speech credentials", len(s.cfg.GoogleCredentialsJSON) > 0, "GOOGLE_CREDENTIALS_FILE"),
		)
	}

	status, code := "ready", http.StatusOK
	for _, c := range checks {
		if c.Status == "error" {
			status, code = "not_ready", http.StatusServiceUnavailable
			break
		}
	}
	respondJSON(w, code, readinessResponse{
		Status:         status,
		VoiceProvider:  s.cfg.VoiceProvider,
		TurnLogStore:   store,
		ActiveSessions: s.sessions.ActiveCount(),
		Checks:         checks,
	})
}

func (s *Server) audioDirCheck() readinessCheck {
	c := readinessCheck{ID: "audio_dir", Label: "Audio clip directory", Detail: s.cfg.AudioDir}
	probe, err := os.CreateTemp(s.cfg.AudioDir, ".ready-*")
	if err != nil {
		c.Status = "error"
		c.Fix = "Make APP_AUDIO_DIR writable by the server."
		return c
	}
	probe.Close()
	os.Remove(filepath.Clean(probe.Name()))
	c.Status = "ok"
	return c
}

func credentialCheck(id, label string, present bool, envKey string) readinessCheck {
	if !present {
		return readinessCheck{ID: id, Status: "error", Label: label, Detail: "missing", Fix: "Point " + envKey + " at a valid credential file."}
	}
	return readinessCheck{ID: id, Status: "ok", Label: label, Detail: "present"}
}
