package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SystemInstruction frames every zero-shot request
const SystemInstruction = `You are an annotation assistant for a text classification project.
You read one text and choose exactly one label from the list you are given.
Answer with a JSON object only:
{"label": "<one of the labels, copied exactly>", "justification": "<one short sentence>", "confidence": <number between 0 and 1>}`

// Suggestion is a label proposed by a provider for one text
type Suggestion struct {
	Label         string  `json:"label"`
	Justification string  `json:"justification"`
	Confidence    float64 `json:"confidence"`
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
}

// BuildPrompt asks for one of labels for text
func BuildPrompt(text string, labels []string) string {
	var b strings.Builder
	b.WriteString("Labels:\n")
	for _, l := range labels {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString("\nText:\n")
	b.WriteString(text)
	return b.String()
}

// parseSuggestion decodes a model answer, stripping markdown fences, and
// checks the label against labels.
func parseSuggestion(content string, labels []string) (*Suggestion, error) {
	clean := strings.TrimSpace(content)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var s Suggestion
	if err := json.Unmarshal([]byte(clean), &s); err != nil {
		return nil, fmt.Errorf("failed to parse suggestion: %w", err)
	}
	for _, l := range labels {
		if strings.EqualFold(strings.TrimSpace(s.Label), l) {
			s.Label = l
			return &s, nil
		}
	}
	return nil, fmt.Errorf("suggested label %q is not one of %v", s.Label, labels)
}
