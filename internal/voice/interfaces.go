package voice

import "context"

// TokenIssuer obtains a short-lived bearer credential for the language model.
type TokenIssuer interface {
	IssueToken(ctx context.Context) (string, error)
}

// GenerationParams are the fixed decoding settings sent with every prompt.
type GenerationParams struct {
	ModelID           string   `json:"-"`
	DecodingMethod    string   `json:"decoding_method"`
	MaxNewTokens      int      `json:"max_new_tokens"`
	MinNewTokens      int      `json:"min_new_tokens"`
	RandomSeed        int      `json:"random_seed"`
	StopSequences     []string `json:"stop_sequences"`
	Temperature       float64  `json:"temperature"`
	TopK              int      `json:"top_k"`
	TopP              float64  `json:"top_p"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
}

// Completer sends a full prompt to the hosted language model.
type Completer interface {
	Complete(ctx context.Context, token, prompt string, params GenerationParams) (string, error)
}

// Recognizer turns one encoded audio clip into ordered transcript lines.
type Recognizer interface {
	Recognize(ctx context.Context, clip []byte, languageCode string) ([]string, error)
}

type VoiceSettings struct {
	VoiceID         string
	ModelID         string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
}

// SpeechSynthesizer renders text into encoded audio bytes.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string, settings VoiceSettings) ([]byte, error)
}

// Presenter is the front-end side of a turn: the character animation and the
// audio element that plays the reply.
type Presenter interface {
	SetAnimation(ctx context.Context, name string)
	Play(ctx context.Context, res *AudioResource) error
	TurnFailed(ctx context.Context, turnID string, err error)
}
