package expressions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cast"

	"github.com/rendis/stepwise/pkg/schema"
)

// Resolver substitutes ${...} placeholders against a Scope.
//
// A placeholder body is a path ("entity.sensor.count"), a literal, or an
// arithmetic expression over those, with "a ?? b" alternatives tried left to
// right. A string made of exactly one placeholder resolves to the typed
// value; any other string resolves to text.
type Resolver struct {
	arith *ExprEngine
}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{arith: NewExprEngine()}
}

// Resolve recursively resolves every placeholder in v: strings, mapping keys
// and values, and sequence elements. Other values are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, scope *Scope, v any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.ResolveString(ctx, scope, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key, err := r.resolveKey(ctx, scope, k)
			if err != nil {
				return nil, err
			}
			rv, err := r.Resolve(ctx, scope, val)
			if err != nil {
				return nil, err
			}
			out[key] = rv
		}
		return out, nil
	case map[any]any:
		if !hasPlaceholder(t) {
			return t, nil
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			key, err := r.resolveKey(ctx, scope, Stringify(k))
			if err != nil {
				return nil, err
			}
			rv, err := r.Resolve(ctx, scope, val)
			if err != nil {
				return nil, err
			}
			out[key] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rv, err := r.Resolve(ctx, scope, item)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// hasPlaceholder reports whether v holds a ${...} anywhere in its strings,
// mapping keys or elements.
func hasPlaceholder(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, "${")
	case map[string]any:
		for k, val := range t {
			if hasPlaceholder(k) || hasPlaceholder(val) {
				return true
			}
		}
	case map[any]any:
		for k, val := range t {
			if hasPlaceholder(k) || hasPlaceholder(val) {
				return true
			}
		}
	case []any:
		for _, item := range t {
			if hasPlaceholder(item) {
				return true
			}
		}
	}
	return false
}

func (r *Resolver) resolveKey(ctx context.Context, scope *Scope, k string) (string, error) {
	if !strings.Contains(k, "${") {
		return k, nil
	}
	v, err := r.ResolveString(ctx, scope, k)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// ResolveString resolves the placeholders of one string.
func (r *Resolver) ResolveString(ctx context.Context, scope *Scope, s string) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var sb strings.Builder
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx < 0 {
			sb.WriteString(s[i:])
			break
		}
		start := i + idx
		end, err := matchBrace(s, start+1)
		if err != nil {
			return nil, err
		}
		val, err := r.evalBody(ctx, scope, s[start+2:end])
		if err != nil {
			return nil, err
		}
		if start == 0 && end == len(s)-1 {
			return val, nil
		}
		sb.WriteString(s[i:start])
		sb.WriteString(Stringify(val))
		i = end + 1
	}
	return sb.String(), nil
}

// Evaluate resolves a whole value expression such as "${x} + 1 ?? 0", as
// written on the right-hand side of let. Text that is not an expression is
// resolved as a template.
func (r *Resolver) Evaluate(ctx context.Context, scope *Scope, text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	toks, ok, err := lex(trimmed, false)
	if err != nil {
		return nil, err
	}
	if ok && isExpression(toks) {
		return r.evalTokens(ctx, scope, trimmed, toks)
	}
	if ok && len(toks) == 1 && toks[0].kind == tokString {
		return r.ResolveString(ctx, scope, toks[0].text)
	}
	return r.ResolveString(ctx, scope, text)
}

// ResolveAs resolves v then coerces the result to typeName.
func (r *Resolver) ResolveAs(ctx context.Context, scope *Scope, v any, typeName string) (any, error) {
	resolved, err := r.Resolve(ctx, scope, v)
	if err != nil {
		return nil, err
	}
	return Coerce(resolved, typeName)
}

func isExpression(toks []token) bool {
	hasPlaceholder, hasOperator, allSpaced := false, false, true
	for _, t := range toks {
		switch t.kind {
		case tokCoalesce:
			return true
		case tokPlaceholder:
			hasPlaceholder = true
		case tokOperator:
			hasOperator = true
			allSpaced = allSpaced && t.spaced
		}
	}
	return hasOperator && (hasPlaceholder || allSpaced)
}

func (r *Resolver) evalBody(ctx context.Context, scope *Scope, body string) (any, error) {
	toks, _, err := lex(body, true)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "empty placeholder ${}")
	}
	return r.evalTokens(ctx, scope, "${"+body+"}", toks)
}

// evalTokens tries each ?? alternative in turn. An alternative falls through
// when one of its paths is absent, it yields nil, or it fails to resolve;
// the last alternative's failure is reported.
func (r *Resolver) evalTokens(ctx context.Context, scope *Scope, source string, toks []token) (any, error) {
	alts, err := splitCoalesce(source, toks)
	if err != nil {
		return nil, err
	}
	for i, alt := range alts {
		last := i == len(alts)-1
		v, missing, err := r.evalAlternative(ctx, scope, alt)
		switch {
		case err != nil:
			if !last && schema.IsCode(err, schema.ErrCodeUnresolvable) {
				continue
			}
			return nil, err
		case missing != "":
			if !last {
				continue
			}
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvable,
				"unresolvable expression %s: no value for %q", source, missing).
				WithDetails(map[string]any{"expression": source, "path": missing})
		case v == nil && !last:
			continue
		default:
			return v, nil
		}
	}
	return nil, nil
}

func splitCoalesce(source string, toks []token) ([][]token, error) {
	var alts [][]token
	var cur []token
	depth := 0
	for _, t := range toks {
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
		case tokCoalesce:
			if depth == 0 {
				if len(cur) == 0 {
					return nil, schema.NewErrorf(schema.ErrCodeDefinition, "empty operand before ?? in %s", source)
				}
				alts = append(alts, cur)
				cur = nil
				continue
			}
		}
		cur = append(cur, t)
	}
	if len(cur) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "empty operand after ?? in %s", source)
	}
	return append(alts, cur), nil
}

// evalAlternative evaluates one ??-free token run. missing names the first
// absent path, in which case no value is produced.
func (r *Resolver) evalAlternative(ctx context.Context, scope *Scope, toks []token) (any, string, error) {
	if len(toks) == 1 && toks[0].isOperand() {
		return r.operand(ctx, scope, toks[0])
	}

	env := make(map[string]any)
	var src strings.Builder
	for _, t := range toks {
		if !t.isOperand() {
			src.WriteString(t.text)
			src.WriteByte(' ')
			continue
		}
		v, missing, err := r.operand(ctx, scope, t)
		if err != nil || missing != "" {
			return nil, missing, err
		}
		name := fmt.Sprintf("v%d", len(env))
		env[name] = numeric(v)
		src.WriteString(name)
		src.WriteByte(' ')
	}
	out, err := r.arith.Evaluate(ctx, strings.TrimSpace(src.String()), env)
	return out, "", err
}

func (r *Resolver) operand(ctx context.Context, scope *Scope, t token) (any, string, error) {
	switch t.kind {
	case tokPath:
		l, err := scope.Lookup(ctx, t.text)
		if err != nil {
			return nil, "", err
		}
		if !l.Found {
			return nil, t.text, nil
		}
		return l.Value, "", nil
	case tokPlaceholder:
		v, err := r.evalBody(ctx, scope, t.text)
		return v, "", err
	case tokNumber:
		return parseNumber(t.text), "", nil
	case tokString:
		return t.text, "", nil
	case tokLiteral:
		switch t.text {
		case "true":
			return true, "", nil
		case "false":
			return false, "", nil
		}
		return nil, "", nil
	}
	return nil, "", schema.NewErrorf(schema.ErrCodeDefinition, "unexpected token %q", t.text)
}

func parseNumber(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// numeric turns numeric strings into numbers so arithmetic works on values
// read from attributes or documents as text.
func numeric(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return v
	}
	if n := parseNumber(s); n != s {
		return n
	}
	return v
}

// Stringify renders a resolved value for text substitution.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case map[string]any, []any, map[any]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}
