// Package structured recovers JSON payloads from free-form LLM output.
//
// Model responses frequently wrap JSON in markdown fences, prose, or emit
// almost-valid JSON (trailing commas, stray control characters). Extract
// applies escalating repair strategies and fails explicitly when nothing
// recoverable remains, so callers can regenerate instead of accepting
// corrupted content.
package structured

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/planforge/orchestrator/internal/metrics"
)

var (
	// ErrMalformedPayload is returned when no valid JSON structure can be
	// recovered from the input text.
	ErrMalformedPayload = errors.New("malformed payload: no valid JSON recoverable")

	// ErrValidation is returned when a payload parses as JSON but does not
	// match the target schema. Retried the same way as a malformed payload.
	ErrValidation = errors.New("payload failed schema validation")
)

// Extract recovers a JSON value from raw text. Strategies are attempted in
// order, each only if the previous failed:
//
//  1. direct parse
//  2. strip markdown code fences, parse again
//  3. slice the first balanced {...} or [...] span (quote and escape aware)
//  4. repair the slice: drop trailing separators, strip control characters
//
// Extract is idempotent: applied to its own successful output it returns an
// equal value. On failure the last underlying parse error is wrapped in
// ErrMalformedPayload.
func Extract(raw string) (json.RawMessage, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedPayload)
	}

	if msg, err := tryParse(text); err == nil {
		metrics.ExtractorRecoveries.WithLabelValues("direct").Inc()
		return msg, nil
	}

	var lastErr error

	stripped := stripCodeFences(text)
	if stripped != text {
		if msg, err := tryParse(stripped); err == nil {
			metrics.ExtractorRecoveries.WithLabelValues("fence").Inc()
			return msg, nil
		} else {
			lastErr = err
		}
	}

	span, ok := balancedSpan(stripped)
	if !ok {
		// fall back to the original text in case fences swallowed the payload
		span, ok = balancedSpan(text)
	}
	if ok {
		if msg, err := tryParse(span); err == nil {
			metrics.ExtractorRecoveries.WithLabelValues("span").Inc()
			return msg, nil
		} else {
			lastErr = err
		}

		repaired := repair(span)
		if msg, err := tryParse(repaired); err == nil {
			metrics.ExtractorRecoveries.WithLabelValues("repair").Inc()
			return msg, nil
		} else {
			lastErr = err
		}
	}

	metrics.ExtractorFailures.Inc()
	if lastErr == nil {
		lastErr = errors.New("no JSON object or array found")
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, lastErr)
}

// DecodeInto extracts a JSON payload from raw and unmarshals it into v.
// Type mismatches between payload and target are reported as ErrValidation
// so callers can regenerate rather than attempt further local repair.
func DecodeInto(raw string, v interface{}) error {
	msg, err := Extract(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%w: field %q: %v", ErrValidation, typeErr.Field, err)
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func tryParse(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

// stripCodeFences removes a leading ```lang fence and its closing ``` if the
// text is fenced. Text without fences is returned unchanged.
func stripCodeFences(s string) string {
	idx := strings.Index(s, "```")
	if idx < 0 {
		return s
	}
	rest := s[idx+3:]
	// drop the language tag up to end of line
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if !strings.ContainsAny(firstLine, "{}[]") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// balancedSpan slices the substring from the first opening brace or bracket
// to its true matching close, tracking nesting depth while honoring quoted
// strings and escape sequences.
func balancedSpan(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == open:
			depth++
		case !inString && c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// repair applies syntactic fixes to an almost-valid JSON span: trailing
// separators immediately before a closing brace/bracket are removed and raw
// control characters are stripped.
func repair(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if inString && c == '\\' {
			b.WriteByte(c)
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if !inString && c == ',' {
			// look ahead past whitespace for a closing delimiter
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // trailing separator, drop it
			}
		}
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			continue // raw control character
		}
		if inString && (c == '\n' || c == '\r' || c == '\t') {
			continue // unescaped control character inside a string
		}
		b.WriteByte(c)
	}
	return b.String()
}
