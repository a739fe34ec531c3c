package graph

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Template expressions extract values from message state for subgraph
// input/output mapping:
//
//	{{scope.path}}          scope is "data" or "metadata"
//	{{data.items[0].name}}  [i] indexes lists
//	{{data["a.b"].x}}       quoted segments escape dots
//	{{data.count:int}}      trailing cast: int|long|double|bool|any|string
//
// A string that is exactly one template yields the typed value; a string
// with embedded templates interpolates them; any other string is a
// literal. Missing values yield nil, never an error.

// ResolveTemplate evaluates expr against msg.
func ResolveTemplate(expr string, msg Message) (any, error) {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		return evalTemplate(trimmed[2:len(trimmed)-2], msg)
	}
	if !strings.Contains(expr, "{{") {
		return expr, nil
	}

	// Interpolate embedded templates as strings.
	var sb strings.Builder
	rest := expr
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, &ValidationError{Message: "template: unterminated expression in " + expr}
		}
		sb.WriteString(rest[:start])
		v, err := evalTemplate(rest[start+2:start+end], msg)
		if err != nil {
			return nil, err
		}
		if v != nil {
			sb.WriteString(fmt.Sprintf("%v", v))
		}
		rest = rest[start+end+2:]
	}
}

// evalTemplate evaluates the inner text of one {{...}} expression.
func evalTemplate(inner string, msg Message) (any, error) {
	inner = strings.TrimSpace(inner)
	path, cast, err := splitCast(inner)
	if err != nil {
		return nil, err
	}

	segments, err := tokenizePath(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 || segments[0].isIdx {
		return nil, &ValidationError{Message: "template: missing scope in " + path}
	}

	var root any
	switch segments[0].key {
	case "data":
		root = msg.Data
	case "metadata":
		root = msg.Metadata
	default:
		return nil, &ValidationError{Message: fmt.Sprintf("template: unknown scope %q", segments[0].key)}
	}

	value := walkSegments(root, segments[1:])
	return applyCast(value, cast)
}

// splitCast separates a trailing ":cast" suffix from the path. Colons
// inside quoted segments do not count; an absent suffix leaves cast
// empty, which means typed passthrough.
func splitCast(inner string) (path, cast string, err error) {
	depth := 0
	inQuote := false
	for i := len(inner) - 1; i >= 0; i-- {
		switch inner[i] {
		case '"':
			inQuote = !inQuote
		case ']':
			if !inQuote {
				depth++
			}
		case '[':
			if !inQuote {
				depth--
			}
		case ':':
			if inQuote || depth != 0 {
				continue
			}
			cast = inner[i+1:]
			switch cast {
			case "int", "long", "double", "bool", "any", "string":
				return inner[:i], cast, nil
			default:
				return "", "", &ValidationError{Message: "template: unknown cast :" + cast}
			}
		}
	}
	return inner, "", nil
}

// pathSegment is either a map key or a list index.
type pathSegment struct {
	key   string
	index int
	isIdx bool
}

// tokenizePath tokenizes "data.items[0].name" style paths.
func tokenizePath(path string) ([]pathSegment, error) {
	var segs []pathSegment
	i := 0
	expectKey := true
	for i < len(path) {
		switch {
		case path[i] == '.':
			if expectKey {
				return nil, &ValidationError{Message: "template: blank segment in " + path}
			}
			expectKey = true
			i++
		case path[i] == '[':
			close := strings.IndexByte(path[i:], ']')
			if close < 0 {
				return nil, &ValidationError{Message: "template: unterminated [ in " + path}
			}
			token := path[i+1 : i+close]
			if len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"' {
				segs = append(segs, pathSegment{key: token[1 : len(token)-1]})
			} else {
				idx, err := strconv.Atoi(token)
				if err != nil {
					return nil, &ValidationError{Message: "template: bad index " + token}
				}
				segs = append(segs, pathSegment{index: idx, isIdx: true})
			}
			expectKey = false
			i += close + 1
		default:
			if !expectKey {
				return nil, &ValidationError{Message: "template: malformed path " + path}
			}
			end := i
			for end < len(path) && path[end] != '.' && path[end] != '[' {
				end++
			}
			if end == i {
				return nil, &ValidationError{Message: "template: blank segment in " + path}
			}
			segs = append(segs, pathSegment{key: path[i:end]})
			expectKey = false
			i = end
		}
	}
	if expectKey && len(segs) > 0 {
		return nil, &ValidationError{Message: "template: trailing dot in " + path}
	}
	return segs, nil
}

// walkSegments traverses a value by parsed segments; any miss yields nil.
func walkSegments(v any, segments []pathSegment) any {
	for _, seg := range segments {
		if v == nil {
			return nil
		}
		if seg.isIdx {
			v = listIndex(v, seg.index)
			continue
		}
		next, ok := mapIndex(v, seg.key)
		if !ok {
			return nil
		}
		v = next
	}
	return v
}

func listIndex(v any, idx int) any {
	if list, ok := v.([]any); ok {
		if idx < 0 || idx >= len(list) {
			return nil
		}
		return list[idx]
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	if idx < 0 || idx >= rv.Len() {
		return nil
	}
	return rv.Index(idx).Interface()
}

// applyCast converts value to the cast target. Nil passes through any
// cast as nil; an empty cast keeps the extracted value's type.
func applyCast(v any, cast string) (any, error) {
	if v == nil || cast == "" || cast == "any" {
		return v, nil
	}
	switch cast {
	case "int", "long":
		switch t := NormalizeValue(v).(type) {
		case int64:
			return t, nil
		case float64:
			return int64(t), nil
		case string:
			i, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return nil, &ValidationError{Message: "template: cannot cast " + t + " to " + cast}
			}
			return i, nil
		case bool:
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return nil, &ValidationError{Message: fmt.Sprintf("template: cannot cast %T to %s", v, cast)}
	case "double":
		switch t := NormalizeValue(v).(type) {
		case int64:
			return float64(t), nil
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, &ValidationError{Message: "template: cannot cast " + t + " to double"}
			}
			return f, nil
		}
		return nil, &ValidationError{Message: fmt.Sprintf("template: cannot cast %T to double", v)}
	case "bool":
		switch t := NormalizeValue(v).(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return nil, &ValidationError{Message: "template: cannot cast " + t + " to bool"}
			}
			return b, nil
		case int64:
			return t != 0, nil
		}
		return nil, &ValidationError{Message: fmt.Sprintf("template: cannot cast %T to bool", v)}
	case "string":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", NormalizeValue(v)), nil
	}
	return nil, &ValidationError{Message: "template: unknown cast :" + cast}
}
