package environment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/petal-labs/procflow/core"
)

// ErrUnresolved is returned in strict mode when an expression path does not
// resolve.
var ErrUnresolved = errors.New("environment: unresolved expression")

var expressionPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveExpression resolves ${path} placeholders in expr. Paths start with
// environment (variables, output, settings) or content (the message
// content). An expr made of a single placeholder resolves to the raw value;
// otherwise placeholders are interpolated as strings. Strings without
// placeholders are returned as is.
func (e *Environment) ResolveExpression(expr string, content *core.Content) (any, error) {
	matches := expressionPattern.FindAllStringSubmatchIndex(expr, -1)
	if len(matches) == 0 {
		return expr, nil
	}

	scope := e.expressionScope(content)
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(expr) {
		path := strings.TrimSpace(expr[matches[0][2]:matches[0][3]])
		val, ok := getNestedValue(scope, path)
		if !ok && e.settings.Strict {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, path)
		}
		return val, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(expr[last:m[0]])
		path := strings.TrimSpace(expr[m[2]:m[3]])
		val, ok := getNestedValue(scope, path)
		if !ok && e.settings.Strict {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, path)
		}
		if val != nil {
			fmt.Fprint(&sb, val)
		}
		last = m[1]
	}
	sb.WriteString(expr[last:])
	return sb.String(), nil
}

// ResolveString resolves expr and formats the result as a string. A nil
// result is the empty string.
func (e *Environment) ResolveString(expr string, content *core.Content) (string, error) {
	val, err := e.ResolveExpression(expr, content)
	if err != nil || val == nil {
		return "", err
	}
	switch v := val.(type) {
	case string:
		return v, nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// IsTruthy determines if a resolved value should be considered true.
func IsTruthy(v any) bool {
	if v == nil {
		return false
	}

	switch val := v.(type) {
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != "" && val != "false"
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func (e *Environment) expressionScope(content *core.Content) map[string]any {
	envScope := map[string]any{
		"variables": e.variables,
		"output":    e.output,
		"settings": map[string]any{
			"prefetch": e.settings.Prefetch,
			"strict":   e.settings.Strict,
		},
	}
	scope := map[string]any{"environment": envScope}
	if content != nil {
		scope["content"] = map[string]any{
			"id":          content.ID,
			"type":        content.Type,
			"executionId": content.ExecutionID,
			"message":     content.Message,
			"output":      content.Output,
			"data":        content.Data,
		}
	}
	return scope
}

// getNestedValue retrieves a value from a nested map using dot notation.
func getNestedValue(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := any(m)

	for _, part := range parts {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = currentMap[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
