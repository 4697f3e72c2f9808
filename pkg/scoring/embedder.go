package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedding represents a vector.
type Embedding []float32

// Embedder produces vectors from text. The scorer treats it as an
// unreliable dependency: on error it degrades to lexical similarity
// instead of failing the scoring call.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// OpenAIEmbedder uses the OpenAI API to generate embeddings.
type OpenAIEmbedder struct {
	apiKey string
	model  string
	client *http.Client
}

func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		apiKey: apiKey,
		model:  "text-embedding-3-small",
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if e.apiKey == "" {
		return nil, errors.New("missing openai api key")
	}

	reqBody := map[string]interface{}{
		"input": text,
		"model": e.model,
	}
	jsonBody, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai api error: %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	if len(result.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}

	return result.Data[0].Embedding, nil
}

// CosineSimilarity computes similarity between two vectors, 0 when
// either has zero magnitude or lengths differ.
func CosineSimilarity(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// lexicalSimilarity is the degraded-mode similarity measure: phrase
// containment scores 1.0, otherwise token overlap against the phrase.
func lexicalSimilarity(text, phrase string) float64 {
	text = strings.ToLower(text)
	phrase = strings.ToLower(phrase)
	if strings.Contains(text, phrase) {
		return 1.0
	}

	textTokens := make(map[string]bool)
	for _, tok := range strings.Fields(text) {
		textTokens[strings.Trim(tok, ".,;:!?\"'")] = true
	}
	phraseTokens := strings.Fields(phrase)
	if len(phraseTokens) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range phraseTokens {
		if textTokens[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(phraseTokens))
}
