package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// Reranker post-orders a prefix of the ranked results. A returned error means
// the caller keeps the pre-rerank order.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []models.SearchItem) ([]models.SearchItem, error)
}

// LLMReranker ranks results with a chat-completions model. The model sees the
// query plus each candidate's id, name and summary, and answers with the ids
// in preferred order.
type LLMReranker struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewLLMReranker builds a reranker against an OpenAI-compatible endpoint.
func NewLLMReranker(endpoint, apiKey, model string) *LLMReranker {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/chat/completions"
	}
	return &LLMReranker{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, items []models.SearchItem) ([]models.SearchItem, error) {
	if len(items) < 2 {
		return items, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Rank the following catalog entries by relevance to the query %q.\n", query)
	prompt.WriteString("Answer with a JSON array of ids, best first, nothing else.\n\n")
	for _, it := range items {
		fmt.Fprintf(&prompt, "- id=%s name=%q summary=%q\n", it.ID, it.Name, it.Summary)
	}

	body, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You rank search results. Output only a JSON array of ids."},
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal rerank response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("rerank response has no choices")
	}

	ids, err := parseIDList(parsed.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return reorderByIDs(items, ids), nil
}

// parseIDList extracts a JSON array of ids from model output, tolerating
// surrounding prose or code fences.
func parseIDList(content string) ([]string, error) {
	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("rerank output contains no JSON array")
	}
	var ids []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &ids); err != nil {
		return nil, fmt.Errorf("parse rerank id list: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("rerank id list is empty")
	}
	return ids, nil
}

// reorderByIDs applies the model's ordering; ids the model dropped or invented
// are handled by appending leftovers in their original order.
func reorderByIDs(items []models.SearchItem, ids []string) []models.SearchItem {
	byID := make(map[string]models.SearchItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	out := make([]models.SearchItem, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, id := range ids {
		if it, ok := byID[id]; ok && !seen[id] {
			out = append(out, it)
			seen[id] = true
		}
	}
	for _, it := range items {
		if !seen[it.ID] {
			out = append(out, it)
		}
	}
	return out
}
