package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// RewrittenQuery is one candidate search string with a relative weight.
type RewrittenQuery struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

const rewriterSystemPrompt = `You rewrite a user's latest message into 1-5 standalone search queries for a semantic memory index.
Rules:
- Split messages covering multiple distinct topics into separate queries.
- Expand pronoun references ("it", "that", "she") using the preceding exchanges.
- Preserve distinctive verbatim phrases exactly as written; do not paraphrase or add synonyms to concrete or unusual-sounding phrases, since they are the strongest vector-search terms.
Respond with JSON only, matching: {"queries": [{"text": "...", "weight": 0.0-1.0}, ...]}`

// RewriteQuery asks a lightweight LLM to turn the latest message plus up to
// the last 3 exchanges into 1-5 weighted search queries.
// On any provider or parse failure, it degrades to a single query: the
// message verbatim at weight 1.0, so retrieval always has something to run.
func RewriteQuery(ctx context.Context, provider providers.Provider, message string, recentExchanges []string) []RewrittenQuery {
	fallback := []RewrittenQuery{{Text: message, Weight: 1.0}}
	if provider == nil || message == "" {
		return fallback
	}

	exchangeBlock := ""
	for _, ex := range lastN(recentExchanges, 3) {
		exchangeBlock += ex + "\n"
	}

	userPrompt := fmt.Sprintf("Recent exchanges:\n%s\nLatest message:\n%s", exchangeBlock, message)

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: rewriterSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Options: map[string]interface{}{
			"response_format": map[string]interface{}{"type": "json_object"},
		},
	})
	if err != nil || resp == nil {
		return fallback
	}

	var parsed struct {
		Queries []RewrittenQuery `json:"queries"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil || len(parsed.Queries) == 0 {
		return fallback
	}

	if len(parsed.Queries) > 5 {
		parsed.Queries = parsed.Queries[:5]
	}
	return parsed.Queries
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
