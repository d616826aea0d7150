package fetch

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolName is the name the model calls the fetcher by.
const ToolName = "fetch_web_page"

// ToolHandler adapts f to the tool handler signature. The page is
// returned as a JSON object.
func ToolHandler(f *Fetcher) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		u, ok := args["url"].(string)
		if !ok || u == "" {
			return "", fmt.Errorf("%s: url must be a non-empty string", ToolName)
		}
		maxChars := 0
		if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
			maxChars = int(mc)
		}

		page, err := f.Fetch(ctx, u, maxChars)
		if err != nil {
			return "", fmt.Errorf("%s: %w", ToolName, err)
		}
		out, err := json.Marshal(page)
		if err != nil {
			return "", fmt.Errorf("%s: encode page: %w", ToolName, err)
		}
		return string(out), nil
	}
}

// ToolDefinition returns the JSON Schema parameters for fetch_web_page.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Page to read, e.g. a restaurant's website or a press article about the chef.",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": "Maximum characters of page text to return. Default: 12000.",
			},
		},
		"required": []string{"url"},
	}
}
