// Package parse recovers a JSON value from free-form model output using an
// ordered chain of strategies.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Result is either Parsed (OK with Value set) or Failed (Reason set).
type Result struct {
	OK       bool
	Value    json.RawMessage
	Strategy string
	Reason   string
}

// Parsed builds a successful result.
func Parsed(strategy string, v json.RawMessage) Result {
	return Result{OK: true, Value: v, Strategy: strategy}
}

// Failed builds a failed result.
func Failed(strategy, reason string) Result {
	return Result{Strategy: strategy, Reason: reason}
}

// Strategy extracts JSON from raw text.
type Strategy interface {
	Name() string
	Parse(raw string) Result
}

// Direct accepts a response that is JSON in its entirety.
type Direct struct{}

func (Direct) Name() string { return "direct" }

func (Direct) Parse(raw string) Result {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Failed("direct", "empty response")
	}
	if s[0] != '{' && s[0] != '[' {
		return Failed("direct", "response does not start with a JSON value")
	}
	if !json.Valid([]byte(s)) {
		return Failed("direct", "response is not valid JSON")
	}
	return Parsed("direct", json.RawMessage(s))
}

var fenceRegex = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// CodeBlock accepts the first fenced code block holding valid JSON.
type CodeBlock struct{}

func (CodeBlock) Name() string { return "code_block" }

func (CodeBlock) Parse(raw string) Result {
	matches := fenceRegex.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return Failed("code_block", "no fenced code block")
	}
	for _, m := range matches {
		body := strings.TrimSpace(m[1])
		if body != "" && json.Valid([]byte(body)) {
			return Parsed("code_block", json.RawMessage(body))
		}
	}
	return Failed("code_block", "no code block holds valid JSON")
}

// FirstObject scans for the first balanced {...} that is valid JSON,
// skipping braces inside quoted strings.
type FirstObject struct{}

func (FirstObject) Name() string { return "first_object" }

func (FirstObject) Parse(raw string) Result {
	for offset := 0; offset < len(raw); {
		idx := strings.IndexByte(raw[offset:], '{')
		if idx < 0 {
			break
		}
		start := offset + idx
		candidate := balancedObject(raw[start:])
		if candidate != "" && json.Valid([]byte(candidate)) {
			return Parsed("first_object", json.RawMessage(candidate))
		}
		offset = start + 1
	}
	return Failed("first_object", "no well-formed JSON object found")
}

// balancedObject returns the object starting at s[0] or "" when unbalanced.
func balancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// Chain tries strategies in order and returns the first success.
type Chain []Strategy

// DefaultChain is direct, then fenced block, then first object.
var DefaultChain = Chain{Direct{}, CodeBlock{}, FirstObject{}}

// Parse runs the chain. On failure the reasons of every strategy are joined.
func (c Chain) Parse(raw string) Result {
	var reasons []string
	for _, s := range c {
		r := s.Parse(raw)
		if r.OK {
			return r
		}
		reasons = append(reasons, s.Name()+": "+r.Reason)
	}
	return Failed("chain", strings.Join(reasons, "; "))
}

// ErrNoJSON is returned by Decode when the chain finds nothing.
var ErrNoJSON = errors.New("no JSON found in response")

// Decode parses raw with the chain and unmarshals the value into T.
func Decode[T any](c Chain, raw string) (T, Result, error) {
	var v T
	r := c.Parse(raw)
	if !r.OK {
		return v, r, fmt.Errorf("%w: %s", ErrNoJSON, r.Reason)
	}
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return v, r, fmt.Errorf("decode %s result: %w", r.Strategy, err)
	}
	return v, r, nil
}
