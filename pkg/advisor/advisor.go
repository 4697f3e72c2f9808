// Package advisor generates optional natural-language insight about
// resolved deliberations. It is strictly advisory: it runs after
// verdicts, off the decision path, and every failure degrades to "no
// insight" rather than an error the caller must handle.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// HTTPAdvisor calls an OpenAI-compatible chat completion endpoint.
type HTTPAdvisor struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewHTTPAdvisor(endpoint, apiKey, model string) *HTTPAdvisor {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &HTTPAdvisor{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Analyze implements contracts.Advisor.
func (a *HTTPAdvisor) Analyze(ctx context.Context, taskHistory []*contracts.DeliberationTask) (string, error) {
	if a.endpoint == "" {
		return "", errors.New("advisor endpoint not configured")
	}
	if len(taskHistory) == 0 {
		return "", errors.New("empty task history")
	}

	var sb strings.Builder
	sb.WriteString("Summarize notable patterns in these governance deliberations:\n")
	for _, t := range taskHistory {
		fmt.Fprintf(&sb, "- task %s: status=%s votes=%d resolution=%q\n",
			t.TaskID, t.Status, len(t.Votes), t.Resolution)
	}

	reqBody := map[string]any{
		"model": a.model,
		"messages": []map[string]string{
			{"role": "system", "content": "You are an analyst reviewing multi-agent governance decisions."},
			{"role": "user", "content": sb.String()},
		},
	}
	jsonBody, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("advisor endpoint error: %d", resp.StatusCode)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", errors.New("no insight returned")
	}
	return result.Choices[0].Message.Content, nil
}
