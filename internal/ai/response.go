package ai

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var responseSchema string

var compiledSchema = mustCompileSchema(responseSchema)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile response schema: %v", err))
	}
	return schema
}

// ParseResponse extracts the analysis JSON from a raw model reply and validates
// it. Every failure is an *Error of kind KindInvalidResponse.
func ParseResponse(provider, raw string) (*Analysis, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, InvalidResponse(provider, errors.New("empty response"))
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, InvalidResponse(provider, fmt.Errorf("decode response: %w", err))
	}

	// labels are accepted in any casing
	if c, ok := doc["confidence"].(string); ok {
		doc["confidence"] = strings.ToLower(strings.TrimSpace(c))
	}

	result, err := compiledSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, InvalidResponse(provider, fmt.Errorf("validate response: %w", err))
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return nil, InvalidResponse(provider, fmt.Errorf("response failed validation: %s", strings.Join(errs, "; ")))
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, InvalidResponse(provider, fmt.Errorf("re-encode response: %w", err))
	}

	var analysis Analysis
	if err := json.Unmarshal(normalized, &analysis); err != nil {
		return nil, InvalidResponse(provider, fmt.Errorf("decode analysis: %w", err))
	}

	analysis.Analysis = strings.TrimSpace(analysis.Analysis)
	analysis.Recommendations = trimAll(analysis.Recommendations)
	analysis.Strengths = trimAll(analysis.Strengths)
	analysis.Concerns = trimAll(analysis.Concerns)
	analysis.Provider = provider
	analysis.ResponseHash = HashResponse(raw)

	return &analysis, nil
}

// HashResponse returns the hex SHA-256 of a raw provider response.
func HashResponse(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// extractJSON strips Markdown code fences and any prose around the object.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	raw = strings.TrimSpace(raw)

	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start > 0 && end > start {
		raw = raw[start : end+1]
	}
	return raw
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
