// Package reasoning wraps the language model behind the single call the engine
// needs: turn a prompt into a value of a known shape.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"go.uber.org/zap"
)

// ErrMalformedOutput means the collaborator answered but the answer did not fit the shape.
var ErrMalformedOutput = errors.New("malformed collaborator output")

// Collaborator generates a structured value for a prompt. shape must be a
// pointer; it is filled in place. Implementations may be slow or unavailable,
// in which case the error matches models.ErrCollaboratorUnavailable.
type Collaborator interface {
	GenerateStructured(ctx context.Context, prompt string, shape any) error
}

// Func adapts a function into a Collaborator.
type Func func(ctx context.Context, prompt string, shape any) error

func (f Func) GenerateStructured(ctx context.Context, prompt string, shape any) error {
	return f(ctx, prompt, shape)
}

// Unavailable is a Collaborator that always reports itself unavailable. It is
// used when no provider is configured so callers take their fallback path.
type Unavailable struct{}

func (Unavailable) GenerateStructured(context.Context, string, any) error {
	return fmt.Errorf("%w: no reasoning provider configured", models.ErrCollaboratorUnavailable)
}

// Options tune an LLM collaborator.
type Options struct {
	// Purpose selects the provider binding on the router.
	Purpose   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// LLM implements Collaborator over a provider router.
type LLM struct {
	router *provider.Router
	opts   Options
	logger *zap.Logger
}

// NewLLM creates an LLM collaborator.
func NewLLM(router *provider.Router, opts Options, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 2048
	}
	return &LLM{router: router, opts: opts, logger: logger.With(zap.String("component", "reasoning"))}
}

// WithPurpose returns a copy routed through a different provider binding.
func (l *LLM) WithPurpose(purpose string) *LLM {
	cp := *l
	cp.opts.Purpose = purpose
	return &cp
}

const jsonInstruction = "\n\nReply with a single JSON value only, no prose and no code fences."

func (l *LLM) GenerateStructured(ctx context.Context, prompt string, shape any) error {
	if l.router == nil || l.router.Len() == 0 {
		return Unavailable{}.GenerateStructured(ctx, prompt, shape)
	}
	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	req := &provider.ChatRequest{
		Model: l.opts.Model,
		Messages: []provider.Message{
			{Role: "system", Content: "You are the planning core of a multi-agent task engine. You answer in JSON."},
			{Role: "user", Content: prompt + jsonInstruction},
		},
		MaxTokens: l.opts.MaxTokens,
		JSONMode:  true,
	}
	start := time.Now()
	resp, err := l.router.Route(ctx, l.opts.Purpose, req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrCollaboratorUnavailable, err)
	}
	l.logger.Debug("structured generation",
		zap.String("purpose", l.opts.Purpose),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tokens", resp.Usage.TotalTokens))

	raw := ExtractJSON(resp.Content)
	if raw == "" {
		return fmt.Errorf("%w: no JSON in response", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(raw), shape); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

// ExtractJSON pulls the outermost JSON object or array out of a model reply,
// tolerating markdown fences and surrounding prose. It returns "" if none is found.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
