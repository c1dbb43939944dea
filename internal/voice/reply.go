package voice

import (
	"context"
	"errors"

	"github.com/ent0n29/alef/internal/conversation"
)

// ReplyGenerator asks the hosted model for the character's next line and
// feeds both sides of the exchange back into the conversation.
type ReplyGenerator struct {
	tokens TokenIssuer
	model  Completer
	params GenerationParams
}

func NewReplyGenerator(tokens TokenIssuer, model Completer, params GenerationParams) *ReplyGenerator {
	return &ReplyGenerator{tokens: tokens, model: model, params: params}
}

// Generate fetches a fresh credential and runs one exchange. A credential
// failure leaves the conversation untouched; any later failure keeps the
// user segment and omits the assistant one.
func (g *ReplyGenerator) Generate(ctx context.Context, conv *conversation.Transcript, userText string) (string, error) {
	token, err := g.tokens.IssueToken(ctx)
	if err != nil {
		return "", withKind(ErrAuth, "iam", err)
	}
	return g.GenerateWithToken(ctx, conv, userText, token)
}

// GenerateWithToken runs one exchange using a credential the caller already
// holds.
func (g *ReplyGenerator) GenerateWithToken(ctx context.Context, conv *conversation.Transcript, userText, token string) (string, error) {
	reply, err := conv.Exchange(userText, func(prompt string) (string, error) {
		return g.model.Complete(ctx, token, prompt, g.params)
	})
	switch {
	case err == nil:
		return reply, nil
	case errors.Is(err, conversation.ErrEmptyExchange), errors.Is(err, ErrEmptyReply):
		return "", withKind(ErrEmptyReply, "llm", err)
	default:
		return "", withKind(ErrUpstream, "llm", err)
	}
}

// withKind tags err with kind unless it already carries it. Context errors
// pass through so cancellations and timeouts keep their own identity.
func withKind(kind error, service string, err error) error {
	if errors.Is(err, kind) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &UpstreamError{Kind: kind, Service: service, Err: err}
}
