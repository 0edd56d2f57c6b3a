package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// ArgumentParseError records why a raw argument payload could not be used.
// It never leaves the router as an error; callers see a tool result.
type ArgumentParseError struct {
	Raw   string
	Cause error
}

func (e *ArgumentParseError) Error() string {
	return fmt.Sprintf("malformed tool arguments: %v", e.Cause)
}

func (e *ArgumentParseError) Unwrap() error { return e.Cause }

// ParsedArguments is the outcome of ParseArguments.
type ParsedArguments struct {
	// JSON is always a valid JSON object.
	JSON json.RawMessage

	// Repaired is true when the raw payload was not valid JSON but could be
	// recovered.
	Repaired bool

	// Err is set when nothing could be recovered and JSON fell back to {}.
	Err *ArgumentParseError
}

var emptyObject = json.RawMessage(`{}`)

// ParseArguments turns a model-produced argument payload into a JSON object.
// Valid JSON is used as is; otherwise a best-effort repair is attempted
// (code fences, JSON5 syntax, double encoding, unterminated brackets) before
// falling back to an empty object.
func ParseArguments(raw []byte) ParsedArguments {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ParsedArguments{JSON: emptyObject}
	}

	if obj, ok := asObject(trimmed); ok {
		return ParsedArguments{JSON: obj}
	}

	candidate := stripCodeFence(string(trimmed))
	closed := closeUnbalanced(candidate)
	for _, attempt := range []string{candidate, closed, doubleQuoted(candidate), doubleQuoted(closed)} {
		if obj, ok := asObject([]byte(attempt)); ok {
			return ParsedArguments{JSON: obj, Repaired: true}
		}
		if obj, ok := json5Object(attempt); ok {
			return ParsedArguments{JSON: obj, Repaired: true}
		}
	}

	cause := errors.New("not a JSON object")
	var probe any
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		cause = err
	}
	return ParsedArguments{
		JSON: emptyObject,
		Err:  &ArgumentParseError{Raw: truncateForLog(string(raw), 200), Cause: cause},
	}
}

// asObject accepts a JSON object, or a JSON string whose content is an object.
func asObject(data []byte) (json.RawMessage, bool) {
	if !json.Valid(data) {
		return nil, false
	}
	switch data[0] {
	case '{':
		return json.RawMessage(data), true
	case '"':
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, false
		}
		inner = strings.TrimSpace(inner)
		if strings.HasPrefix(inner, "{") && json.Valid([]byte(inner)) {
			return json.RawMessage(inner), true
		}
	}
	return nil, false
}

func json5Object(text string) (json.RawMessage, bool) {
	var v map[string]any
	if err := json5.Unmarshal([]byte(text), &v); err != nil || v == nil {
		return nil, false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return out, true
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// closeUnbalanced appends the closers missing from a truncated payload.
func closeUnbalanced(s string) string {
	var stack []byte
	inString := false
	escaped := false
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = true
			quote = c
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(s, ", \n\t"))
	if inString {
		b.WriteByte(quote)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// doubleQuoted rewrites single-quoted strings as double-quoted ones,
// escaping embedded double quotes. Double-quoted strings pass through.
func doubleQuoted(s string) string {
	if !strings.ContainsRune(s, '\'') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == 0:
			if c == '\'' {
				quote = c
				b.WriteByte('"')
				continue
			}
			if c == '"' {
				quote = c
			}
			b.WriteByte(c)
		case escaped:
			escaped = false
			if quote == '\'' && c == '\'' {
				// \' needs no escape inside a double-quoted string.
				b.WriteByte(c)
				continue
			}
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\\':
			escaped = true
		case c == quote:
			quote = 0
			b.WriteByte('"')
		case quote == '\'' && c == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	if escaped {
		b.WriteByte('\\')
	}
	return b.String()
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var schemaCache sync.Map

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArguments checks args against a tool's declared JSON Schema. An
// empty schema accepts anything. A schema that does not compile is reported
// separately through schemaErr so the caller can log it and run the tool
// unvalidated.
func ValidateArguments(schema, args json.RawMessage) (validationErr, schemaErr error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return err, nil
	}
	if err := compiled.Validate(decoded); err != nil {
		return err, nil
	}
	return nil, nil
}
