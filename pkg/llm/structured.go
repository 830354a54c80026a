package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const extractMaxTokens = 2048

// ExtractStructured asks the model for JSON matching the shape of out and
// unmarshals into it. Models often wrap JSON in markdown fences or prose, so
// the raw reply is cleaned first; malformed replies are retried with the
// parse error fed back before giving up.
func (c *Client) ExtractStructured(ctx context.Context, prompt, system string, out any) error {
	fullSystem := system
	if !strings.Contains(strings.ToLower(system), "json") {
		fullSystem = system + "\n\nRespond with valid JSON only, no commentary."
	}

	var lastErr error
	currentPrompt := prompt
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		raw, err := c.Generate(ctx, currentPrompt, fullSystem, extractMaxTokens, 0)
		if err != nil {
			return err
		}

		cleaned := stripCodeFences(raw)
		err = json.Unmarshal([]byte(cleaned), out)
		if err == nil {
			return nil
		}
		lastErr = err
		currentPrompt = fmt.Sprintf("%s\n\nYour previous reply was not valid JSON (%v). Reply again with only the JSON object.", prompt, err)
	}
	return fmt.Errorf("structured extraction failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// stripCodeFences extracts the JSON payload from a model reply that may be
// wrapped in ```json fences or surrounded by prose.
func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.Index(trimmed, "\n"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		return strings.TrimSpace(trimmed)
	}

	// Prose around a bare JSON object: slice from the first brace or
	// bracket to its matching close.
	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return trimmed
	}
	var end int
	if trimmed[start] == '{' {
		end = strings.LastIndex(trimmed, "}")
	} else {
		end = strings.LastIndex(trimmed, "]")
	}
	if end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
