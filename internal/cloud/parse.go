package cloud

import (
	"encoding/json"
	"strings"
)

type verdict struct {
	IsViolation   bool     `json:"is_violation"`
	ViolationType *string  `json:"violation_type"`
	Confidence    *float64 `json:"confidence"`
	PlateNumber   *string  `json:"plate_number"`
	Description   *string  `json:"description"`
}

// ParseVerdict extracts the model's JSON answer from text, which may be wrapped
// in a markdown code fence. Anything unparseable is an unconfirmed result.
func ParseVerdict(text string, raw []byte) *Result {
	body := stripFence(text)

	var v verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return unconfirmed(raw)
	}

	res := &Result{Confirmed: v.IsViolation, Raw: validJSON(raw)}
	if v.Confidence != nil {
		res.Confidence = *v.Confidence
	}
	if v.ViolationType != nil {
		res.ViolationType = *v.ViolationType
	}
	if v.PlateNumber != nil {
		res.PlateNumber = *v.PlateNumber
	}
	if v.Description != nil {
		res.Description = *v.Description
	}
	return res
}

func stripFence(text string) string {
	if _, after, ok := strings.Cut(text, "```json"); ok {
		inner, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(inner)
	}
	if _, after, ok := strings.Cut(text, "```"); ok {
		inner, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(inner)
	}
	return strings.TrimSpace(text)
}

func unconfirmed(raw []byte) *Result {
	return &Result{Confirmed: false, Confidence: 0, Raw: validJSON(raw)}
}

func validJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}
