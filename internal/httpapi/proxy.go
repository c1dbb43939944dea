package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/alef/internal/policy"
	"github.com/ent0n29/alef/internal/voice"
)

const noResponseGenerated = "No response generated"

type generateResponseRequest struct {
	Prompt    string `json:"prompt"`
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

type generateAudioRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleIAMToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.pipelines.IssueToken(r.Context())
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID(r)).Msg("iam token request failed")
		respondError(w, http.StatusInternalServerError, "", "Failed to generate IAM token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"access_token": token})
}

func (s *Server) handleGenerateResponse(w http.ResponseWriter, r *http.Request) {
	var req generateResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with a prompt")
		return
	}
	if err := policy.CheckPrompt(req.Prompt); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_prompt", err.Error())
		return
	}

	reply, err := s.pipelines.Reply(r.Context(), req.SessionID, strings.TrimSpace(req.Prompt), strings.TrimSpace(req.Token))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"response": reply})
		return
	case errors.Is(err, voice.ErrEmptyReply):
		respondJSON(w, http.StatusOK, map[string]string{"response": noResponseGenerated})
		return
	}

	if status, code := sessionErrorStatus(err); status != 0 {
		respondError(w, status, code, err.Error())
		return
	}
	log.Error().
		Err(err).
		Str("request_id", requestID(r)).
		Str("error_kind", voice.ErrorKind(err)).
		Int("upstream_status", voice.HTTPStatus(err)).
		Msg("generate response failed")

	var ue *voice.UpstreamError
	if errors.As(err, &ue) && ue.Status >= 400 {
		respondError(w, ue.Status, voice.ErrorKind(err), ue.Detail)
		return
	}
	respondError(w, http.StatusInternalServerError, voice.ErrorKind(err), "Failed to generate response")
}

func (s *Server) handleGenerateAudio(w http.ResponseWriter, r *http.Request) {
	var req generateAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with text")
		return
	}
	if err := policy.CheckSpeech(req.Text); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_text", err.Error())
		return
	}

	res, err := s.pipelines.Speak(r.Context(), req.SessionID, strings.TrimSpace(req.Text))
	if err != nil {
		if status, code := sessionErrorStatus(err); status != 0 {
			respondError(w, status, code, err.Error())
			return
		}
		log.Error().
			Err(err).
			Str("request_id", requestID(r)).
			Str("error_kind", voice.ErrorKind(err)).
			Msg("generate audio failed")
		respondError(w, http.StatusInternalServerError, voice.ErrorKind(err), "Failed to generate audio")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": res.URL, "clip_id": res.ID})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, policy.MaxUploadBytes)
	file, _, err := r.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Audio file too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "No audio file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	clip, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error processing audio file", http.StatusInternalServerError)
		return
	}

	text, err := s.pipelines.Transcribe(r.Context(), clip)
	if err != nil {
		log.Error().
			Err(err).
			Str("request_id", requestID(r)).
			Str("error_kind", voice.ErrorKind(err)).
			Int("upstream_status", voice.HTTPStatus(err)).
			Msg("transcription failed")
		http.Error(w, "Error processing audio file", http.StatusInternalServerError)
		return
	}
	log.Debug().Str("transcription", policy.LogPreview(text)).Msg("transcribed upload")
	respondJSON(w, http.StatusOK, map[string]string{"transcription": text})
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
