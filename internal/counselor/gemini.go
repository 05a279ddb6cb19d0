package counselor

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// GeminiCompleter talks to the Gemini API. Every thread keeps its own history and sends it
// in full on each call.
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

// NewGeminiCompleter creates a completer for the Gemini API backend.
func NewGeminiCompleter(ctx context.Context, apiKey, model string) (*GeminiCompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	return &GeminiCompleter{client: client, model: model}, nil
}

func (g *GeminiCompleter) CreateContext(_ context.Context, systemPrompt string, params Params) (Thread, error) {
	temp := params.Temperature
	topK := params.TopK
	return &geminiThread{
		client: g.client,
		model:  g.model,
		cfg: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			Temperature:       &temp,
			TopK:              &topK,
			MaxOutputTokens:   params.MaxOutputTokens,
		},
	}, nil
}

type geminiThread struct {
	client *genai.Client
	model  string
	cfg    *genai.GenerateContentConfig

	mu      sync.Mutex
	history []*genai.Content
}

// Complete sends the history plus text. The exchange is only recorded once a reply arrived.
func (t *geminiThread) Complete(ctx context.Context, text string) (string, error) {
	msg := genai.NewContentFromText(text, genai.RoleUser)

	t.mu.Lock()
	contents := append(append([]*genai.Content(nil), t.history...), msg)
	t.mu.Unlock()

	res, err := t.client.Models.GenerateContent(ctx, t.model, contents, t.cfg)
	if err != nil {
		return "", fmt.Errorf("%w: gemini generate content: %v", ErrTransport, err)
	}
	reply := res.Text()

	t.mu.Lock()
	t.history = append(t.history, msg, genai.NewContentFromText(reply, genai.RoleModel))
	t.mu.Unlock()
	return reply, nil
}
