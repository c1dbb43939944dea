// Package persona loads the character definition: the system preamble, the
// fixed generation parameters, the voice and the sprite animation names.
package persona

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/alef/internal/audio"
	"github.com/ent0n29/alef/internal/conversation"
	"github.com/ent0n29/alef/internal/voice"
)

//go:embed alef.yaml
var defaultPersona []byte

type Persona struct {
	Name         string       `yaml:"name"`
	Preamble     string       `yaml:"preamble"`
	LanguageCode string       `yaml:"language_code"`
	Animations   Animations   `yaml:"animations"`
	Generation   Generation   `yaml:"generation"`
	Voice        Voice        `yaml:"voice"`
	Conversation Conversation `yaml:"conversation"`
}

type Animations struct {
	Idle     string `yaml:"idle"`
	Speaking string `yaml:"speaking"`
}

type Generation struct {
	ModelID           string   `yaml:"model_id"`
	DecodingMethod    string   `yaml:"decoding_method"`
	MaxNewTokens      int      `yaml:"max_new_tokens"`
	MinNewTokens      int      `yaml:"min_new_tokens"`
	RandomSeed        int      `yaml:"random_seed"`
	StopSequences     []string `yaml:"stop_sequences"`
	Temperature       float64  `yaml:"temperature"`
	TopK              int      `yaml:"top_k"`
	TopP              float64  `yaml:"top_p"`
	RepetitionPenalty float64  `yaml:"repetition_penalty"`
}

type Voice struct {
	ModelID         string  `yaml:"model_id"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	OutputFormat    string  `yaml:"output_format"`
}

type Conversation struct {
	// MaxTurns bounds how many exchanges are replayed in the prompt.
	// Zero replays all of them.
	MaxTurns int `yaml:"max_turns"`
}

// Default returns the embedded Alef persona.
func Default() (*Persona, error) {
	p, err := LoadFromReader(bytes.NewReader(defaultPersona))
	if err != nil {
		return nil, fmt.Errorf("persona: embedded default: %w", err)
	}
	return p, nil
}

// Load reads the persona at path, or the embedded default when path is empty.
func Load(path string) (*Persona, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persona: open %q: %w", path, err)
	}
	defer f.Close()

	p, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("persona: parse %q: %w", path, err)
	}
	return p, nil
}

// LoadFromReader decodes and validates a persona. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Persona, error) {
	p := &Persona{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	p.applyDefaults()
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Persona) applyDefaults() {
	if p.LanguageCode == "" {
		p.LanguageCode = "ar-SA"
	}
	if p.Animations.Idle == "" {
		p.Animations.Idle = "Animation 1"
	}
	if p.Animations.Speaking == "" {
		p.Animations.Speaking = "Animation 2"
	}
	if p.Generation.DecodingMethod == "" {
		p.Generation.DecodingMethod = "sample"
	}
	if p.Generation.StopSequences == nil {
		p.Generation.StopSequences = []string{}
	}
	if p.Voice.ModelID == "" {
		p.Voice.ModelID = "eleven_turbo_v2_5"
	}
	if p.Voice.OutputFormat == "" {
		p.Voice.OutputFormat = "mp3_44100_128"
	}
}

// Validate returns a joined error listing every problem found.
func Validate(p *Persona) error {
	var errs []error

	if strings.TrimSpace(p.Preamble) == "" {
		errs = append(errs, errors.New("preamble is required"))
	}
	if p.Generation.ModelID == "" {
		errs = append(errs, errors.New("generation.model_id is required"))
	}
	switch p.Generation.DecodingMethod {
	case "sample", "greedy":
	default:
		errs = append(errs, fmt.Errorf("generation.decoding_method %q is invalid; valid values: sample, greedy", p.Generation.DecodingMethod))
	}
	if p.Generation.MaxNewTokens <= 0 {
		errs = append(errs, fmt.Errorf("generation.max_new_tokens %d must be positive", p.Generation.MaxNewTokens))
	}
	if p.Generation.MinNewTokens < 0 || p.Generation.MinNewTokens > p.Generation.MaxNewTokens {
		errs = append(errs, fmt.Errorf("generation.min_new_tokens %d is out of range [0, %d]", p.Generation.MinNewTokens, p.Generation.MaxNewTokens))
	}
	if p.Generation.Temperature < 0 || p.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f is out of range [0, 2]", p.Generation.Temperature))
	}
	if p.Generation.TopK < 0 {
		errs = append(errs, fmt.Errorf("generation.top_k %d must not be negative", p.Generation.TopK))
	}
	if p.Generation.TopP < 0 || p.Generation.TopP > 1 {
		errs = append(errs, fmt.Errorf("generation.top_p %.2f is out of range [0, 1]", p.Generation.TopP))
	}
	if p.Generation.RepetitionPenalty < 1 || p.Generation.RepetitionPenalty > 2 {
		errs = append(errs, fmt.Errorf("generation.repetition_penalty %.2f is out of range [1, 2]", p.Generation.RepetitionPenalty))
	}
	if p.Voice.Stability < 0 || p.Voice.Stability > 1 {
		errs = append(errs, fmt.Errorf("voice.stability %.2f is out of range [0, 1]", p.Voice.Stability))
	}
	if p.Voice.SimilarityBoost < 0 || p.Voice.SimilarityBoost > 1 {
		errs = append(errs, fmt.Errorf("voice.similarity_boost %.2f is out of range [0, 1]", p.Voice.SimilarityBoost))
	}
	if _, _, err := audio.Containerize(nil, p.Voice.OutputFormat); err != nil {
		errs = append(errs, fmt.Errorf("voice.output_format: %w", err))
	}
	if p.Conversation.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_turns %d must not be negative", p.Conversation.MaxTurns))
	}

	return errors.Join(errs...)
}

func (p *Persona) GenerationParams() voice.GenerationParams {
	g := p.Generation
	return voice.GenerationParams{
		ModelID:           g.ModelID,
		DecodingMethod:    g.DecodingMethod,
		MaxNewTokens:      g.MaxNewTokens,
		MinNewTokens:      g.MinNewTokens,
		RandomSeed:        g.RandomSeed,
		StopSequences:     append([]string{}, g.StopSequences...),
		Temperature:       g.Temperature,
		TopK:              g.TopK,
		TopP:              g.TopP,
		RepetitionPenalty: g.RepetitionPenalty,
	}
}

// VoiceSettings combines the persona's voice with the account's voice id.
func (p *Persona) VoiceSettings(voiceID string) voice.VoiceSettings {
	return voice.VoiceSettings{
		VoiceID:         voiceID,
		ModelID:         p.Voice.ModelID,
		OutputFormat:    p.Voice.OutputFormat,
		Stability:       p.Voice.Stability,
		SimilarityBoost: p.Voice.SimilarityBoost,
	}
}

func (p *Persona) OrchestratorAnimations() voice.Animations {
	return voice.Animations{Idle: p.Animations.Idle, Speaking: p.Animations.Speaking}
}

// NewTranscript starts an empty conversation seeded with the preamble.
func (p *Persona) NewTranscript() *conversation.Transcript {
	return conversation.New(p.Preamble, conversation.WithPolicy(conversation.PolicyForMaxTurns(p.Conversation.MaxTurns)))
}
