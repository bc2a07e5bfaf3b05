package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/latestcomment/idea-bidding/internal/models"
)

const (
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	DefaultAIModel       = "deepseek/deepseek-chat-v3.1:free"
)

// Evaluation is one bidder's answer for a round.
type Evaluation struct {
	Value     float64 `json:"value"`
	Rationale string  `json:"rationale"`
}

type BidderEvaluator interface {
	Evaluate(ctx context.Context, bidder models.Bidder, req RoundRequest) (Evaluation, error)
}

type RequestPayload struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type Message struct {
	Role    string `json:"role"` // "user" or "system"
	Content string `json:"content"`
}

type ApiResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
	}
}

// OpenRouterEvaluator asks a chat-completion model to play the bidder persona.
type OpenRouterEvaluator struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

func NewOpenRouterEvaluator(apiKey, model string, timeout time.Duration) *OpenRouterEvaluator {
	if model == "" {
		model = DefaultAIModel
	}
	return &OpenRouterEvaluator{
		apiKey:   apiKey,
		model:    model,
		endpoint: DefaultOpenRouterURL,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *OpenRouterEvaluator) Evaluate(ctx context.Context, bidder models.Bidder, req RoundRequest) (Evaluation, error) {
	payload := RequestPayload{
		Model: e.model,
		Messages: []Message{
			{Role: "system", Content: bidderPrompt(bidder)},
			{Role: "user", Content: roundContext(req)},
		},
		MaxTokens: 512,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return Evaluation{}, fmt.Errorf("ai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return Evaluation{}, fmt.Errorf("ai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Evaluation{}, fmt.Errorf("ai: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Evaluation{}, fmt.Errorf("ai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Evaluation{}, fmt.Errorf("ai: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var apiResponse ApiResponse
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return Evaluation{}, fmt.Errorf("ai: parse response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return Evaluation{}, errors.New("ai: no response choices received")
	}
	return parseEvaluation(apiResponse.Choices[0].Message.Content)
}

// parseEvaluation extracts the first JSON object from a model reply.
func parseEvaluation(content string) (Evaluation, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Evaluation{}, fmt.Errorf("ai: no JSON object in reply %q", truncate(content, 80))
	}
	var ev Evaluation
	if err := json.Unmarshal([]byte(content[start:end+1]), &ev); err != nil {
		return Evaluation{}, fmt.Errorf("ai: decode evaluation: %w", err)
	}
	if math.IsNaN(ev.Value) || ev.Value < 0 {
		return Evaluation{}, fmt.Errorf("ai: invalid bid value %v", ev.Value)
	}
	ev.Rationale = strings.TrimSpace(ev.Rationale)
	return ev, nil
}

func bidderPrompt(b models.Bidder) string {
	return fmt.Sprintf(`You are %s, an AI investor bidding on startup ideas.
Specialty: %s. Bidding style: %s.
Reply with a single JSON object: {"value": <credits you bid, number>, "rationale": "<one or two sentences in character>"}.`,
		b.Name, b.Specialty, b.Style)
}

func roundContext(req RoundRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Idea: %s\nCategory: %s\nDescription: %s\nRound: %d\n",
		req.Idea.Title, req.Idea.Category, req.Idea.Description, req.Round)
	if len(req.PriorBids) > 0 {
		sb.WriteString("Previous bids:\n")
		for _, b := range req.PriorBids {
			fmt.Fprintf(&sb, "- %s (round %d): %.0f\n", b.BidderID, b.Round, b.Value)
		}
	}
	if len(req.UserMessages) > 0 {
		sb.WriteString("Notes from the idea owner:\n")
		for _, m := range req.UserMessages {
			fmt.Fprintf(&sb, "- %s\n", m.Text)
		}
	}
	return sb.String()
}

// HeuristicEvaluator bids without a model: a base value derived from the idea,
// scaled by persona style and raised each round. It is deterministic.
type HeuristicEvaluator struct{}

func (HeuristicEvaluator) Evaluate(_ context.Context, bidder models.Bidder, req RoundRequest) (Evaluation, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Idea.ID + req.Idea.Title + bidder.ID))
	base := 80 + float64(h.Sum32()%120) + math.Min(float64(len(req.Idea.Description))/10, 50)

	mult := 1.0
	switch bidder.Style {
	case "aggressive":
		mult = 1.15
	case "conservative":
		mult = 0.85
	}

	value := base * mult * (1 + 0.1*float64(req.Round))
	for _, b := range req.PriorBids {
		if b.BidderID == bidder.ID && b.Value >= value {
			value = b.Value + 5
		}
	}
	value = math.Round(value)

	title := req.Idea.Title
	if title == "" {
		title = "this idea"
	}
	specialty := bidder.Specialty
	if specialty == "" {
		specialty = "overall potential"
	}
	return Evaluation{
		Value:     value,
		Rationale: fmt.Sprintf("Looking at %s through %s, I bid %.0f in round %d.", title, specialty, value, req.Round),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
