package dma

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"ethos/internal/errors"
)

// DecodeModelJSON unmarshals an LLM completion into T. Models wrap JSON in
// prose and code fences often enough that the payload is first cut down to
// the outermost object, then run through jsonrepair when a plain unmarshal
// fails. Parse failure is transient: the caller's retry loop asks the model
// again. The guardrail probes share this decoder so every model reply in the
// runtime gets the same repair treatment.
func DecodeModelJSON[T any](content string) (T, error) {
	var out T

	payload := extractJSONObject(content)
	if payload == "" {
		return out, errors.NewTransientError(
			fmt.Errorf("no JSON object in model output"),
			"The model reply did not contain a JSON object.")
	}

	if err := json.Unmarshal([]byte(payload), &out); err == nil {
		return out, nil
	}

	repaired, err := jsonrepair.JSONRepair(payload)
	if err != nil {
		return out, errors.NewTransientError(
			fmt.Errorf("repair model JSON: %w", err),
			"The model reply could not be repaired into JSON.")
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return out, errors.NewTransientError(
			fmt.Errorf("unmarshal repaired model JSON: %w", err),
			"The model reply was not valid JSON after repair.")
	}
	return out, nil
}

// extractJSONObject cuts content down to the outermost {...} span, dropping
// surrounding prose and markdown fences.
func extractJSONObject(content string) string {
	trimmed := strings.TrimSpace(content)
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return ""
	}
	return trimmed[start : end+1]
}
