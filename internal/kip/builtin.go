package kip

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// builtinTools is the tool set every registry starts with. Catalog files
// can re-tune costs, quotas, and activation without touching the bodies.
func builtinTools() []*Tool {
	return []*Tool{
		{
			Name:         "get_crypto_summary",
			Description:  "Summarize current holdings and market posture for a symbol.",
			Category:     "finance",
			CostCents:    25,
			MinAuthLevel: AuthBasic,
			MaxDailyUses: 50,
			Timeout:      10 * time.Second,
			Active:       true,
			fn:           getCryptoSummary,
		},
		{
			Name:         "analyze_sentiment",
			Description:  "Score the sentiment of a text passage.",
			Category:     "analysis",
			CostCents:    10,
			MinAuthLevel: AuthBasic,
			MaxDailyUses: 100,
			Timeout:      5 * time.Second,
			Active:       true,
			fn:           analyzeSentiment,
		},
		{
			Name:         "execute_trade",
			Description:  "Place a simulated trade order.",
			Category:     "finance",
			CostCents:    200,
			MinAuthLevel: AuthAdvanced,
			MaxDailyUses: 10,
			Timeout:      15 * time.Second,
			Active:       true,
			fn:           executeTrade,
		},
		{
			Name:         "system_diagnostics",
			Description:  "Report process-level runtime diagnostics.",
			Category:     "ops",
			CostCents:    5,
			MinAuthLevel: AuthIntermediate,
			MaxDailyUses: 20,
			Timeout:      5 * time.Second,
			Active:       true,
			fn:           systemDiagnostics,
		},
	}
}

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func getCryptoSummary(_ context.Context, params map[string]any) (any, error) {
	symbol := strings.ToUpper(paramString(params, "symbol", "BTC"))
	return map[string]any{
		"symbol":    symbol,
		"summary":   fmt.Sprintf("%s: no open positions, market data feed not connected", symbol),
		"positions": []any{},
		"simulated": true,
	}, nil
}

func analyzeSentiment(_ context.Context, params map[string]any) (any, error) {
	text := paramString(params, "text", "")
	if text == "" {
		return nil, fmt.Errorf("kip: analyze_sentiment requires a text parameter")
	}

	// Crude lexical score; the point of the tool is the execution path,
	// not the model.
	score := 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		switch w {
		case "good", "great", "excellent", "up", "gain", "profit":
			score++
		case "bad", "poor", "terrible", "down", "loss", "crash":
			score--
		}
	}
	label := "neutral"
	if score > 0 {
		label = "positive"
	} else if score < 0 {
		label = "negative"
	}
	return map[string]any{"label": label, "score": score}, nil
}

func executeTrade(_ context.Context, params map[string]any) (any, error) {
	symbol := strings.ToUpper(paramString(params, "symbol", ""))
	side := strings.ToLower(paramString(params, "side", ""))
	if symbol == "" || (side != "buy" && side != "sell") {
		return nil, fmt.Errorf("kip: execute_trade requires symbol and side (buy/sell)")
	}
	return map[string]any{
		"symbol":    symbol,
		"side":      side,
		"status":    "accepted",
		"simulated": true,
	}, nil
}

func systemDiagnostics(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}
