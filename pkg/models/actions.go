package models

import (
	"encoding/json"
	"fmt"
)

// Action is a closed union of the side effects a transition can run before
// or after moving state. Variants are dispatched by type, not by a
// string-keyed table; unknown kinds are rejected when the definition is
// parsed.
type Action interface {
	Kind() string
	isAction()
}

// NotificationAction sends an event to the notification collaborator.
type NotificationAction struct {
	Recipients []string `json:"recipients"`
	Template   string   `json:"template"`
}

func (NotificationAction) Kind() string { return "notification" }
func (NotificationAction) isAction()    {}

// UpdateFieldAction sets a field on the governed record through the record
// accessor.
type UpdateFieldAction struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (UpdateFieldAction) Kind() string { return "update_field" }
func (UpdateFieldAction) isAction()    {}

// WebhookAction posts a payload to an external URL.
type WebhookAction struct {
	URL     string         `json:"url"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (WebhookAction) Kind() string { return "webhook" }
func (WebhookAction) isAction()    {}

// ActionList carries ordered actions and handles the tagged JSON encoding
// used in stored definitions.
type ActionList []Action

type actionEnvelope struct {
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec,omitempty"`
}

// UnmarshalJSON decodes a list of {"type": ..., "spec": {...}} envelopes
// into typed actions. Unknown types are an error, not a silent no-op.
func (l *ActionList) UnmarshalJSON(data []byte) error {
	var envelopes []actionEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}

	out := make(ActionList, 0, len(envelopes))
	for _, env := range envelopes {
		spec := env.Spec
		if spec == nil {
			spec = json.RawMessage("{}")
		}
		switch env.Type {
		case "notification":
			var a NotificationAction
			if err := json.Unmarshal(spec, &a); err != nil {
				return fmt.Errorf("notification action: %w", err)
			}
			out = append(out, a)
		case "update_field":
			var a UpdateFieldAction
			if err := json.Unmarshal(spec, &a); err != nil {
				return fmt.Errorf("update_field action: %w", err)
			}
			out = append(out, a)
		case "webhook":
			var a WebhookAction
			if err := json.Unmarshal(spec, &a); err != nil {
				return fmt.Errorf("webhook action: %w", err)
			}
			out = append(out, a)
		default:
			return fmt.Errorf("unknown action type %q", env.Type)
		}
	}
	*l = out
	return nil
}

// MarshalJSON encodes actions back into their tagged envelope form.
func (l ActionList) MarshalJSON() ([]byte, error) {
	envelopes := make([]actionEnvelope, 0, len(l))
	for _, a := range l {
		spec, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, actionEnvelope{Type: a.Kind(), Spec: spec})
	}
	return json.Marshal(envelopes)
}
