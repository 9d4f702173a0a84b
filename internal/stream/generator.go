package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/ollama/ollama/api"
)

// Generator produces an AI response for prompt as a sequence of chunks.
type Generator interface {
	Generate(ctx context.Context, kind, prompt string, onChunk func(string) error) error
}

// OllamaGenerator streams completions from an Ollama server.
type OllamaGenerator struct {
	client  *api.Client
	model   string
	systems map[string]string
}

// NewOllamaGenerator builds a generator for the server at baseURL.
func NewOllamaGenerator(baseURL, model string, httpClient *http.Client) (*OllamaGenerator, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaGenerator{
		client: api.NewClient(base, httpClient),
		model:  model,
		systems: map[string]string{
			"assistant": "You are a helpful assistant taking part in a group chat. Answer briefly.",
			"summarize": "Summarize the conversation you are given in a few sentences.",
		},
	}, nil
}

func (g *OllamaGenerator) Generate(ctx context.Context, kind, prompt string, onChunk func(string) error) error {
	stream := true
	req := &api.GenerateRequest{
		Model:  g.model,
		Prompt: prompt,
		System: g.systems[kind],
		Stream: &stream,
	}
	err := g.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		if resp.Response == "" {
			return nil
		}
		return onChunk(resp.Response)
	})
	if err != nil {
		return fmt.Errorf("ollama generate: %w", err)
	}
	return nil
}

var mentionPattern = regexp.MustCompile(`(?:^|\s)@([A-Za-z][\w-]*)`)

// Mentions returns the distinct @names in content, lowercased, in order.
func Mentions(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Trigger returns the first AI kind mentioned, if any.
func Trigger(mentions []string, kinds []string) (string, bool) {
	for _, m := range mentions {
		for _, k := range kinds {
			if strings.EqualFold(m, k) {
				return k, true
			}
		}
	}
	return "", false
}
