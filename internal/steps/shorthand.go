package steps

import (
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

// Shorthand is a compiled single-line step template. Templates are
// whitespace-separated elements:
//
//	word        literal word, matched exactly
//	"="         quoted literal
//	${name}     one input word bound to name (dotted names nest)
//	${name...}  one or more words up to the end, bound verbatim
//	?${name}    inside an optional group: name is true when the group matched
//	[ ... ]     optional group
//
// Matching backtracks, so "[${type}] ${name} = ${value...}" accepts both
// "count = 1" and "integer count = 1".
type Shorthand struct {
	source string
	elems  []element
}

type elemKind int

const (
	elemLiteral elemKind = iota
	elemVar
	elemRest
	elemFlag
	elemGroup
)

type element struct {
	kind  elemKind
	text  string
	group []element
}

type word struct {
	text       string
	start, end int
	quoted     bool
}

// CompileShorthand parses a shorthand template.
func CompileShorthand(template string) (*Shorthand, error) {
	p := &templateParser{src: template}
	elems, err := p.parse(false)
	if err != nil {
		return nil, err
	}
	return &Shorthand{source: template, elems: elems}, nil
}

// Match binds text to the template. It reports false when the text does not
// fit.
func (s *Shorthand) Match(text string) (map[string]any, bool) {
	words := splitWords(text)
	m := &matcher{text: text, words: words}
	var result map[string]any
	ok := m.seq(s.elems, 0, map[string]any{}, func(wi int, vals map[string]any) bool {
		if wi != len(words) {
			return false
		}
		result = vals
		return true
	})
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(result))
	for k, v := range result {
		setPath(out, k, v)
	}
	return out, true
}

// ParseShorthand binds text to template, reporting a definition error when
// it does not fit.
func ParseShorthand(stepType, template, text string) (map[string]any, error) {
	s, err := CompileShorthand(template)
	if err != nil {
		return nil, err
	}
	vals, ok := s.Match(text)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid shorthand for %s: %q does not match %q", stepType, text, template)
	}
	return vals, nil
}

type templateParser struct {
	src string
	pos int
}

func (p *templateParser) parse(inGroup bool) ([]element, error) {
	var elems []element
	for {
		for p.pos < len(p.src) && isBlank(p.src[p.pos]) {
			p.pos++
		}
		if p.pos >= len(p.src) {
			if inGroup {
				return nil, p.errorf("unclosed [")
			}
			return elems, nil
		}

		switch c := p.src[p.pos]; {
		case c == '[':
			p.pos++
			group, err := p.parse(true)
			if err != nil {
				return nil, err
			}
			elems = append(elems, element{kind: elemGroup, group: group})
		case c == ']':
			if !inGroup {
				return nil, p.errorf("unexpected ]")
			}
			p.pos++
			return elems, nil
		case c == '"':
			end := strings.IndexByte(p.src[p.pos+1:], '"')
			if end < 0 {
				return nil, p.errorf("unclosed quote")
			}
			elems = append(elems, element{kind: elemLiteral, text: p.src[p.pos+1 : p.pos+1+end]})
			p.pos += end + 2
		case c == '?' && strings.HasPrefix(p.src[p.pos:], "?${"):
			if !inGroup {
				return nil, p.errorf("?${...} is only allowed inside [ ]")
			}
			p.pos++
			name, rest, err := p.variable()
			if err != nil {
				return nil, err
			}
			if rest {
				return nil, p.errorf("flag %s cannot take the rest of the line", name)
			}
			elems = append(elems, element{kind: elemFlag, text: name})
		case c == '$' && strings.HasPrefix(p.src[p.pos:], "${"):
			name, rest, err := p.variable()
			if err != nil {
				return nil, err
			}
			kind := elemVar
			if rest {
				kind = elemRest
			}
			elems = append(elems, element{kind: kind, text: name})
		default:
			start := p.pos
			for p.pos < len(p.src) && !isBlank(p.src[p.pos]) && p.src[p.pos] != '[' && p.src[p.pos] != ']' {
				p.pos++
			}
			elems = append(elems, element{kind: elemLiteral, text: p.src[start:p.pos]})
		}
	}
}

func (p *templateParser) variable() (string, bool, error) {
	end := strings.IndexByte(p.src[p.pos:], '}')
	if end < 0 {
		return "", false, p.errorf("unclosed ${")
	}
	name := strings.TrimSpace(p.src[p.pos+2 : p.pos+end])
	p.pos += end + 1
	rest := strings.HasSuffix(name, "...")
	name = strings.TrimSuffix(name, "...")
	if name == "" {
		return "", false, p.errorf("empty variable name")
	}
	return name, rest, nil
}

func (p *templateParser) errorf(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeDefinition, "invalid shorthand template %q: "+format,
		append([]any{p.src}, args...)...)
}

type matcher struct {
	text  string
	words []word
}

// seq matches elems[i:] from word wi, calling k with the position and values
// after a successful match. It returns k's verdict so callers backtrack.
func (m *matcher) seq(elems []element, wi int, vals map[string]any, k func(int, map[string]any) bool) bool {
	if len(elems) == 0 {
		return k(wi, vals)
	}
	el, rest := elems[0], elems[1:]
	next := func(w int, v map[string]any) bool { return m.seq(rest, w, v, k) }

	switch el.kind {
	case elemLiteral:
		if wi < len(m.words) && strings.EqualFold(m.words[wi].text, el.text) {
			return next(wi+1, vals)
		}
		return false
	case elemVar:
		if wi >= len(m.words) {
			return false
		}
		return next(wi+1, with(vals, el.text, m.words[wi].text))
	case elemRest:
		for end := len(m.words); end > wi; end-- {
			var value string
			if end == wi+1 && m.words[wi].quoted {
				value = m.words[wi].text
			} else {
				value = strings.TrimSpace(m.text[m.words[wi].start:m.words[end-1].end])
			}
			if next(end, with(vals, el.text, value)) {
				return true
			}
		}
		return false
	case elemFlag:
		return next(wi, with(vals, el.text, true))
	case elemGroup:
		if m.seq(el.group, wi, vals, next) {
			return true
		}
		return next(wi, vals)
	}
	return false
}

func with(vals map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(vals)+1)
	for k, val := range vals {
		out[k] = val
	}
	out[key] = v
	return out
}

// splitWords splits on blanks, keeping quoted strings and ${...} bodies whole.
func splitWords(text string) []word {
	var words []word
	i := 0
	for i < len(text) {
		if isBlank(text[i]) {
			i++
			continue
		}
		start := i
		if text[i] == '"' || text[i] == '\'' {
			q := text[i]
			var sb strings.Builder
			i++
			for i < len(text) && text[i] != q {
				if text[i] == '\\' && i+1 < len(text) {
					i++
				}
				sb.WriteByte(text[i])
				i++
			}
			if i < len(text) {
				i++
				words = append(words, word{text: sb.String(), start: start, end: i, quoted: true})
				continue
			}
			i = start
		}
		depth := 0
		for i < len(text) {
			c := text[i]
			if c == '$' && i+1 < len(text) && text[i+1] == '{' {
				depth++
				i += 2
				continue
			}
			if c == '}' && depth > 0 {
				depth--
			}
			if depth == 0 && isBlank(c) {
				break
			}
			i++
		}
		words = append(words, word{text: text[start:i], start: start, end: i})
	}
	return words
}

// setPath stores v under a dotted key, creating nested maps.
func setPath(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func isBlank(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
