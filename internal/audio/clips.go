package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Clip is a synthesized audio file stored for playback by the front end.
type Clip struct {
	ID   string `json:"clip_id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int    `json:"size"`
}

// ClipStore writes clips into a directory that the HTTP layer serves under
// /audio/.
type ClipStore struct {
	dir     string
	baseURL string
}

func NewClipStore(dir, publicBaseURL string) (*ClipStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("audio clip directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &ClipStore{
		dir:     dir,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

func (s *ClipStore) Dir() string { return s.dir }

// Save stores data in the container implied by format (see Containerize) and
// returns the clip's public URL.
func (s *ClipStore) Save(data []byte, format string) (Clip, error) {
	payload, ext, err := Containerize(data, format)
	if err != nil {
		return Clip{}, err
	}
	id := uuid.NewString()
	name := "clip_" + id + "." + ext

	tmp, err := os.CreateTemp(s.dir, ".clip-*")
	if err != nil {
		return Clip{}, fmt.Errorf("create clip: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Clip{}, fmt.Errorf("write clip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Clip{}, fmt.Errorf("close clip: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return Clip{}, fmt.Errorf("publish clip: %w", err)
	}

	return Clip{
		ID:   id,
		Name: name,
		URL:  s.baseURL + "/audio/" + name,
		Size: len(payload),
	}, nil
}

// Containerize maps an ElevenLabs-style output format ("mp3_44100_128",
// "pcm_16000", ...) onto a playable file. Raw PCM is wrapped as WAV.
func Containerize(data []byte, format string) ([]byte, string, error) {
	codec, rest, _ := strings.Cut(strings.ToLower(strings.TrimSpace(format)), "_")
	switch codec {
	case "", "mp3":
		return data, "mp3", nil
	case "pcm":
		rate := 16000
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil {
				return nil, "", fmt.Errorf("invalid pcm sample rate %q", rest)
			}
			rate = n
		}
		wav, err := EncodeWAVPCM16LE(data, rate)
		if err != nil {
			return nil, "", err
		}
		return wav, "wav", nil
	case "ulaw":
		return data, "ulaw", nil
	case "opus":
		return data, "opus", nil
	default:
		return nil, "", fmt.Errorf("unsupported audio format %q", format)
	}
}
