package node

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dshills/flowrun/flow"
)

// Supported data-cleaner operations.
var cleanerOperations = map[string]bool{
	"trim":                 true,
	"normalize-case":       true,
	"remove-special-chars": true,
	"remove-duplicates":    true,
	"validate-json":        true,
	"mask-pii":             true,
}

var (
	specialCharsPattern = regexp.MustCompile(`[^a-zA-Z0-9\s.,;:!?'"()\-_@/]`)
	emailPattern        = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern        = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
	ssnPattern          = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// DataCleanerNode applies a pipeline of cleaning operations to every string
// value of the input data.
type DataCleanerNode struct{}

// Type returns "data-cleaner".
func (n *DataCleanerNode) Type() string { return TypeDataCleaner }

// Validate checks the operation list and the optional case type.
func (n *DataCleanerNode) Validate(config map[string]any) flow.ValidationResult {
	ops, err := cleanerOps(config)
	if err != nil {
		return flow.Invalid(err.Error())
	}
	if len(ops) == 0 {
		return flow.Invalid("data-cleaner requires at least one operation")
	}
	for _, op := range ops {
		if !cleanerOperations[op] {
			return flow.Invalid("unknown operation: " + op)
		}
	}
	switch configString(config, "caseType") {
	case "", "lower", "upper", "title":
	default:
		return flow.Invalid("caseType must be lower, upper or title")
	}
	return flow.ValidOK()
}

// Execute runs the configured operations over the input.
func (n *DataCleanerNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	ops, err := cleanerOps(input.Metadata.NodeConfig)
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "bad operations config")
	}
	caseType := configString(input.Metadata.NodeConfig, "caseType")
	if caseType == "" {
		caseType = "lower"
	}

	piiFound := make([]string, 0)
	cleaned := cleanValue(input.Data, ops, caseType, &piiFound)

	applied := make([]any, len(ops))
	for i, op := range ops {
		applied[i] = op
	}
	pii := make([]any, len(piiFound))
	for i, p := range piiFound {
		pii[i] = p
	}
	return flow.NodeOutput{Data: map[string]any{
		"cleaned":           cleaned,
		"operationsApplied": applied,
		"piiFound":          pii,
	}}, nil
}

// cleanerOps decodes the operations config list.
func cleanerOps(config map[string]any) ([]string, error) {
	raw, ok := config["operations"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]string); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("operations must be a list")
	}
	ops := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("operations must be strings")
		}
		ops = append(ops, s)
	}
	return ops, nil
}

// cleanValue recursively applies the operations to strings, maps and slices.
func cleanValue(v any, ops []string, caseType string, piiFound *[]string) any {
	switch t := v.(type) {
	case string:
		return cleanString(t, ops, caseType, piiFound)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cleanValue(inner, ops, caseType, piiFound)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, inner := range t {
			out = append(out, cleanValue(inner, ops, caseType, piiFound))
		}
		for _, op := range ops {
			if op == "remove-duplicates" {
				out = dedupeSlice(out)
			}
		}
		return out
	default:
		return v
	}
}

func cleanString(s string, ops []string, caseType string, piiFound *[]string) any {
	var result any = s
	for _, op := range ops {
		str, isString := result.(string)
		if !isString {
			break
		}
		switch op {
		case "trim":
			result = strings.TrimSpace(str)
		case "normalize-case":
			switch caseType {
			case "upper":
				result = strings.ToUpper(str)
			case "title":
				result = titleCase(str)
			default:
				result = strings.ToLower(str)
			}
		case "remove-special-chars":
			result = specialCharsPattern.ReplaceAllString(str, "")
		case "validate-json":
			trimmed := strings.TrimSpace(str)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				var parsed any
				if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
					result = parsed
				}
			}
		case "mask-pii":
			masked := str
			if emailPattern.MatchString(masked) {
				masked = emailPattern.ReplaceAllString(masked, "***@***")
				*piiFound = append(*piiFound, "email")
			}
			if ssnPattern.MatchString(masked) {
				masked = ssnPattern.ReplaceAllString(masked, "***-**-****")
				*piiFound = append(*piiFound, "ssn")
			}
			if phonePattern.MatchString(masked) {
				masked = phonePattern.ReplaceAllString(masked, "***")
				*piiFound = append(*piiFound, "phone")
			}
			result = masked
		}
	}
	return result
}

// titleCase upper-cases the first letter of each space-separated word.
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// dedupeSlice removes duplicate entries, comparing by JSON encoding, and
// preserves first-seen order.
func dedupeSlice(in []any) []any {
	seen := make(map[string]bool, len(in))
	out := make([]any, 0, len(in))
	for _, v := range in {
		key, err := json.Marshal(v)
		if err != nil {
			out = append(out, v)
			continue
		}
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		out = append(out, v)
	}
	return out
}
