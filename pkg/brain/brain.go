// Package brain provides the conversation collaborator behind the dialog
// engine: it turns recognized utterances into spoken replies and
// classifies answers to the "what is your name" question.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Converser produces a reply to one user utterance. speaker is the
// display name of the identified speaker, empty when unknown.
type Converser interface {
	Converse(ctx context.Context, text, speaker string) (string, error)
}

// NameIntent is the structured interpretation of a reply to the name
// question. Exactly one of IsName, Skip, OtherIntent is expected to be
// set; Reply carries a short response when the user changed the subject.
type NameIntent struct {
	IsName      bool   `json:"is_name"`
	Name        string `json:"name"`
	Skip        bool   `json:"skip"`
	OtherIntent bool   `json:"other_intent"`
	Reply       string `json:"reply"`
}

// NameClassifier interprets a free-form answer to the name question.
type NameClassifier interface {
	ClassifyName(ctx context.Context, answer string) (*NameIntent, error)
}

// parseNameIntent decodes a model response into a NameIntent, tolerating
// markdown code fences and a literal "null" name.
func parseNameIntent(raw string) (*NameIntent, error) {
	text := stripCodeFence(strings.TrimSpace(raw))
	var intent NameIntent
	if err := json.Unmarshal([]byte(text), &intent); err != nil {
		return nil, fmt.Errorf("parse name intent: %w (raw: %s)", err, raw)
	}
	if intent.Name == "null" {
		intent.Name = ""
	}
	if intent.Name == "" {
		intent.IsName = false
	}
	return &intent, nil
}

// stripCodeFence unwraps a ```...``` block if the text is fenced.
func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	parts := strings.SplitN(text, "```", 3)
	if len(parts) < 2 {
		return text
	}
	inner := parts[1]
	inner = strings.TrimPrefix(inner, "json")
	return strings.TrimSpace(inner)
}
