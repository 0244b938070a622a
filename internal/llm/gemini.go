package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"google.golang.org/genai"
)

// DefaultModel is the Gemini model used when config names none.
const DefaultModel = "gemini-2.5-pro"

const systemPrompt = `You are aide, an operations assistant. You are precise, professional, and concise.

Your capabilities include:
- Analyzing and proposing system commands
- Providing detailed technical information
- Managing computer operations with user approval
- SSH access to remote servers
- File analysis and system monitoring

You never run anything yourself: commands you suggest are proposed to the user for explicit approval first. When proposing commands, explain what they do and why they're needed.`

// GeminiFactory creates per-session Gemini engines sharing one API client.
type GeminiFactory struct {
	client *genai.Client
	model  string
}

// NewGeminiFactory creates a factory for the given API key and model name
// (empty means DefaultModel).
func NewGeminiFactory(ctx context.Context, apiKey, model string) (*GeminiFactory, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiFactory{client: client, model: model}, nil
}

// New returns a fresh engine with empty history for the session.
func (f *GeminiFactory) New(ctx context.Context, sessionID string) (Engine, error) {
	return &geminiEngine{client: f.client, model: f.model}, nil
}

type geminiEngine struct {
	client *genai.Client
	model  string

	mu      sync.Mutex
	history []*genai.Content
}

func (e *geminiEngine) Reply(ctx context.Context, userText string, tc TurnContext) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prompt := userText
	if block := tc.Encode(); block != "" {
		prompt = block + "\n\nUser: " + userText
	}

	contents := append(slices.Clone(e.history), genai.NewContentFromText(prompt, genai.RoleUser))

	temp := float32(0.7)
	topP := float32(0.9)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       &temp,
		TopP:              &topP,
		MaxOutputTokens:   8192,
	}

	res, err := e.client.Models.GenerateContent(ctx, e.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	text := res.Text()
	if text == "" {
		return "", errors.New("gemini returned empty text")
	}

	// History only grows on a successful turn, so a failed call can be
	// retried without a phantom user message in the transcript.
	e.history = append(e.history,
		genai.NewContentFromText(prompt, genai.RoleUser),
		genai.NewContentFromText(text, genai.RoleModel),
	)
	return text, nil
}
