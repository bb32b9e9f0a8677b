package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type ActionType string

const (
	ActionRunAfterTest ActionType = "RUN_AFTER_TEST"
	ActionCustomCode   ActionType = "CUSTOM_CODE"
)

// Action is a single recorded test step. Only Type is interpreted by the
// control plane; Payload and any other fields are passed through untouched.
type Action struct {
	Type    ActionType
	Payload json.RawMessage
	extra   map[string]json.RawMessage
}

// CustomCode is the part of a CUSTOM_CODE payload the control plane reads.
type CustomCode struct {
	TemplateID string
	Script     string
}

// NewAction builds an action whose payload is {"meta": meta}.
func NewAction(kind ActionType, meta map[string]any) Action {
	action := Action{Type: kind}
	if meta != nil {
		payload, err := json.Marshal(map[string]any{"meta": meta})
		if err == nil {
			action.Payload = payload
		}
	}
	return action
}

// NewRunAfterTestAction references the test that must run before the owner.
func NewRunAfterTestAction(targetTestID string) Action {
	return NewAction(ActionRunAfterTest, map[string]any{"value": targetTestID})
}

func NewCustomCodeAction(templateID, script string) Action {
	meta := map[string]any{"script": script}
	if templateID != "" {
		meta["templateId"] = templateID
	}
	return NewAction(ActionCustomCode, meta)
}

func (a Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(a.extra)+2)
	for key, value := range a.extra {
		out[key] = value
	}
	kind, err := json.Marshal(a.Type)
	if err != nil {
		return nil, err
	}
	out["type"] = kind
	if len(a.Payload) > 0 {
		out["payload"] = a.Payload
	}
	return json.Marshal(out)
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("action must be a JSON object")
	}

	var kind ActionType
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return fmt.Errorf("action type: %w", err)
		}
	}
	delete(fields, "type")

	payload := fields["payload"]
	delete(fields, "payload")

	a.Type = kind
	a.Payload = payload
	a.extra = nil
	if len(fields) > 0 {
		a.extra = fields
	}
	return nil
}

// RunAfterTarget returns the referenced test id of a RUN_AFTER_TEST action.
func (a Action) RunAfterTarget() (string, bool) {
	if a.Type != ActionRunAfterTest {
		return "", false
	}
	meta, err := a.meta()
	if err != nil {
		return "", false
	}
	return idValue(meta["value"])
}

// CustomCode returns the template reference and script of a CUSTOM_CODE action.
func (a Action) CustomCode() (CustomCode, bool) {
	if a.Type != ActionCustomCode {
		return CustomCode{}, false
	}
	meta, err := a.meta()
	if err != nil {
		return CustomCode{}, false
	}
	var code CustomCode
	code.TemplateID, _ = idValue(meta["templateId"])
	if raw, ok := meta["script"]; ok {
		_ = json.Unmarshal(raw, &code.Script)
	}
	return code, true
}

// WithScript returns a copy of the action whose payload.meta.script is replaced.
// Every other payload field is preserved.
func (a Action) WithScript(script string) (Action, error) {
	payload := map[string]json.RawMessage{}
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &payload); err != nil {
			return Action{}, fmt.Errorf("decode payload: %w", err)
		}
		if payload == nil {
			payload = map[string]json.RawMessage{}
		}
	}
	meta, err := a.meta()
	if err != nil {
		return Action{}, err
	}
	if meta == nil {
		meta = map[string]json.RawMessage{}
	}

	encodedScript, err := json.Marshal(script)
	if err != nil {
		return Action{}, err
	}
	meta["script"] = encodedScript

	encodedMeta, err := json.Marshal(meta)
	if err != nil {
		return Action{}, err
	}
	payload["meta"] = encodedMeta

	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return Action{}, err
	}

	out := a
	out.Payload = encodedPayload
	return out, nil
}

func (a Action) meta() (map[string]json.RawMessage, error) {
	if len(a.Payload) == 0 {
		return nil, nil
	}
	var payload struct {
		Meta map[string]json.RawMessage `json:"meta"`
	}
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload meta: %w", err)
	}
	return payload.Meta, nil
}

// idValue accepts identifiers encoded either as JSON strings or numbers.
func idValue(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", false
		}
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}
