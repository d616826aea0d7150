package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ToolName is the name the model calls web search by.
const ToolName = "search_web_perplexity"

// ToolHandler returns a function compatible with the tools.Tool Handler
// signature. When the primary provider answers questions directly the
// answer text is returned; otherwise the result list is.
func ToolHandler(mgr *Manager) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		raw, present := args["query"]
		query, isString := raw.(string)
		if !present || !isString {
			return "", fmt.Errorf("%s: query must be a string", ToolName)
		}
		query = strings.TrimSpace(query)
		if query == "" {
			return "", fmt.Errorf("%s: query is required", ToolName)
		}
		if !mgr.Configured() {
			return "", fmt.Errorf("%s: no search provider configured", ToolName)
		}

		opts := Options{}
		if count, ok := args["count"].(float64); ok && count > 0 {
			opts.Count = int(count)
		}
		if lang, ok := args["language"].(string); ok {
			opts.Language = lang
		}

		results, err := mgr.Search(ctx, query, opts)
		if err != nil {
			return "", err
		}

		var payload any = results
		if len(results) == 1 && results[0].URL == "" {
			payload = results[0].Snippet
		}
		out, err := json.Marshal(map[string]any{"result": payload})
		if err != nil {
			return "", fmt.Errorf("%s: encode result: %w", ToolName, err)
		}
		return string(out), nil
	}
}

// ToolDefinition returns the JSON Schema parameters for the web search tool.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "A specific question, e.g. \"What is the current restaurant and address of Top Chef France candidate Jean Dupont?\"",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results for list-style providers (1-10). Default: 5.",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "ISO 639-1 language code for results (e.g., 'en', 'fr').",
			},
		},
		"required": []string{"query"},
	}
}

// FormatResults builds a human-readable result string.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(r.Title)
		if r.URL != "" {
			b.WriteString("\n   ")
			b.WriteString(r.URL)
		}
		if r.Snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(r.Snippet)
		}
	}
	return b.String()
}
