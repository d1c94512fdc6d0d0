package ai

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spigell/mentor-matcher/internal/profile"
)

//go:embed prompt.md
var promptTemplate string

// SystemInstruction is sent alongside the prompt by providers that support it.
const SystemInstruction = "You are a careful mentorship matching analyst. Always answer with one JSON object that matches the requested shape."

// BuildPrompt renders the shared prompt for a request. Profile answers are
// rendered as JSON with sorted keys so equal requests give equal prompts.
func BuildPrompt(req Request) (string, error) {
	if req.Applicant == nil || req.Mentor == nil {
		return "", errors.New("both profiles are required")
	}

	applicantJSON, err := profileJSON(req.Applicant)
	if err != nil {
		return "", fmt.Errorf("marshal applicant profile: %w", err)
	}
	mentorJSON, err := profileJSON(req.Mentor)
	if err != nil {
		return "", fmt.Errorf("marshal mentor profile: %w", err)
	}

	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Applicant:\n{{APPLICANT_JSON}}\n\nMentor:\n{{MENTOR_JSON}}\n\nBase score: {{BASE_SCORE}}\n\n{{BREAKDOWN}}\n\nJSON Response:"
	}

	return strings.NewReplacer(
		"{{APPLICANT_JSON}}", applicantJSON,
		"{{MENTOR_JSON}}", mentorJSON,
		"{{BASE_SCORE}}", strconv.FormatFloat(req.BaseScore, 'f', 2, 64),
		"{{BREAKDOWN}}", breakdown(req),
	).Replace(template), nil
}

func profileJSON(p *profile.PreferenceProfile) (string, error) {
	payload := map[string]any{
		"ref":     p.Ref().String(),
		"answers": p.CanonicalValues(),
	}
	if text := p.FreeTexts(); len(text) > 0 {
		payload["freeText"] = text
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func breakdown(req Request) string {
	if len(req.Contributions) == 0 {
		return "(no comparable dimensions)"
	}

	var b strings.Builder
	for _, c := range req.Contributions {
		fmt.Fprintf(&b, "- %s (%s, weight %s): similarity %s\n",
			c.Dimension,
			c.Comparison,
			strconv.FormatFloat(c.Weight, 'f', -1, 64),
			strconv.FormatFloat(c.Similarity, 'f', 2, 64),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}
