package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/hivemind-ai/hivemind/internal/router"
)

// simpleTokenLimit is the length above which a request is biased away from
// the fast path even when it opens like a lookup question.
const simpleTokenLimit = 15

// minConfidence is the classifier floor; anything less conservative routes
// to the deep path.
const minConfidence = 0.5

const classifierPrompt = `Classify the user request into exactly one intent.

Intents:
- simple_query: a factual lookup answerable in one short response
- complex_reasoning: requires analysis, comparison, or multi-step reasoning
- exploratory: open-ended exploration of connections or patterns
- action: asks the system to perform an operation or use a tool

Respond with JSON only: {"intent": "<intent>", "confidence": <0..1>}

Request: %q`

// Classifier tags a request with an intent. When a classifier model alias
// is configured it is asked first; the deterministic lexical classifier is
// both the fallback and the only path when no alias is set.
type Classifier struct {
	router *router.Router
	alias  string
}

// NewClassifier creates a Classifier. alias may be empty.
func NewClassifier(r *router.Router, alias string) *Classifier {
	return &Classifier{router: r, alias: alias}
}

// Classify returns the request intent and the classifier's confidence.
// Confidence below the floor routes to complex reasoning.
func (c *Classifier) Classify(ctx context.Context, input string) (Intent, float64) {
	intent, confidence, ok := c.classifyLLM(ctx, input)
	if !ok {
		intent, confidence = classifyLexical(input)
	}
	if confidence < minConfidence {
		return IntentComplexReasoning, confidence
	}
	return intent, confidence
}

func (c *Classifier) classifyLLM(ctx context.Context, input string) (Intent, float64, bool) {
	if c.alias == "" {
		return "", 0, false
	}
	res, err := c.router.Generate(ctx, c.alias,
		fmt.Sprintf(classifierPrompt, input),
		router.Options{MaxTokens: 64, Temperature: 0.1})
	if err != nil {
		slog.Warn("llm classification unavailable, using lexical classifier", "err", err)
		return "", 0, false
	}

	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	content := extractJSON(res.Content)
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		slog.Warn("llm classification undecodable", "content", res.Content)
		return "", 0, false
	}

	intent, ok := normalizeIntent(parsed.Intent)
	if !ok {
		return "", 0, false
	}
	return intent, parsed.Confidence, true
}

// normalizeIntent maps model-emitted intent names to the canonical set.
func normalizeIntent(s string) (Intent, bool) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "_task") {
	case "simple_query":
		return IntentSimpleQuery, true
	case "complex_reasoning":
		return IntentComplexReasoning, true
	case "exploratory":
		return IntentExploratory, true
	case "action":
		return IntentAction, true
	}
	return "", false
}

var (
	complexPhrases     = []string{"pros and cons", "compare", "analyze", "trade-off", "tradeoff", "versus", "evaluate", "implications"}
	exploratoryPhrases = []string{"find connections", "explore", "patterns", "relationships between", "what links"}
	actionVerbs        = []string{"execute", "run", "buy", "sell", "trade", "create", "send", "deposit", "schedule", "use", "check", "get"}
	questionWords      = []string{"what", "who", "when", "where", "which", "define", "is", "how"}
)

// classifyLexical is the deterministic classifier. Phrase signals are
// checked before shape signals so "compare X and Y" beats its leading
// imperative. The leading token is fuzzy-matched against the question words
// to tolerate typos.
func classifyLexical(input string) (Intent, float64) {
	lower := strings.ToLower(strings.TrimSpace(input))
	tokens := strings.Fields(lower)
	if len(tokens) == 0 {
		return IntentComplexReasoning, minConfidence
	}

	for _, p := range complexPhrases {
		if strings.Contains(lower, p) {
			return IntentComplexReasoning, 0.85
		}
	}
	for _, p := range exploratoryPhrases {
		if strings.Contains(lower, p) {
			return IntentExploratory, 0.8
		}
	}

	first := strings.Trim(tokens[0], ".,!?")
	for _, v := range actionVerbs {
		if first == v {
			return IntentAction, 0.75
		}
	}
	for _, q := range questionWords {
		if matchr.DamerauLevenshtein(first, q) <= 1 {
			if len(tokens) > simpleTokenLimit {
				return IntentComplexReasoning, 0.7
			}
			return IntentSimpleQuery, 0.8
		}
	}

	return IntentComplexReasoning, 0.6
}

// extractJSON pulls the first JSON object out of model output that may wrap
// it in prose or a code fence.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
