package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func TestShorthand_Match(t *testing.T) {
	tests := []struct {
		name     string
		template string
		text     string
		want     map[string]any
	}{
		{
			name:     "rest of line",
			template: "${message...}",
			text:     "hello   there ${name}",
			want:     map[string]any{"message": "hello   there ${name}"},
		},
		{
			name:     "optional type skipped",
			template: "[${sensor.type}] ${sensor.name} = ${value...}",
			text:     "count = 1",
			want:     map[string]any{"sensor": map[string]any{"name": "count"}, "value": "1"},
		},
		{
			name:     "optional type taken",
			template: "[${sensor.type}] ${sensor.name} = ${value...}",
			text:     "integer count = ${x} + 1",
			want: map[string]any{
				"sensor": map[string]any{"type": "integer", "name": "count"},
				"value":  "${x} + 1",
			},
		},
		{
			name:     "placeholder with spaces is one word",
			template: "${a} ${b}",
			text:     "${x ?? 1} two",
			want:     map[string]any{"a": "${x ?? 1}", "b": "two"},
		},
		{
			name:     "quoted rest is unquoted",
			template: "${message...}",
			text:     `"a  b"`,
			want:     map[string]any{"message": "a  b"},
		},
		{
			name:     "flag in group",
			template: "[?${rethrow} rethrow] [message ${message...}]",
			text:     "rethrow",
			want:     map[string]any{"rethrow": true},
		},
		{
			name:     "literal matches case-insensitively",
			template: "[?${rethrow} rethrow] [message ${message...}]",
			text:     "MESSAGE it broke",
			want:     map[string]any{"message": "it broke"},
		},
		{
			name:     "nested groups backtrack",
			template: "[from ${from}] [limit ${limit}] [backoff ${delay} [${backoff}] [max ${max_delay}]]",
			text:     "limit 3 backoff 10ms max 1s",
			want:     map[string]any{"limit": "3", "delay": "10ms", "max_delay": "1s"},
		},
		{
			name:     "nested groups all present",
			template: "[from ${from}] [limit ${limit}] [backoff ${delay} [${backoff}] [max ${max_delay}]]",
			text:     "from start limit 2 backoff 5ms exponential max 20ms",
			want: map[string]any{
				"from": "start", "limit": "2", "delay": "5ms", "backoff": "exponential", "max_delay": "20ms",
			},
		},
		{
			name:     "quoted literal",
			template: `${name} "=>" ${value}`,
			text:     "a => b",
			want:     map[string]any{"name": "a", "value": "b"},
		},
		{
			name:     "method optional before url",
			template: "[${method}] ${url}",
			text:     "https://example.com/a",
			want:     map[string]any{"url": "https://example.com/a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh, err := CompileShorthand(tt.template)
			require.NoError(t, err)
			got, ok := sh.Match(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShorthand_NoMatch(t *testing.T) {
	tests := []struct {
		template string
		text     string
	}{
		{"${message...}", ""},
		{"${a} = ${b}", "a b"},
		{"${a}", "one two"},
		{"from ${from}", "to start"},
	}
	for _, tt := range tests {
		t.Run(tt.template+"/"+tt.text, func(t *testing.T) {
			_, err := ParseShorthand("x", tt.template, tt.text)
			se := requireCode(t, err, schema.ErrCodeDefinition)
			assert.Contains(t, se.Message, "invalid shorthand for x")
		})
	}
}

func TestCompileShorthand_Errors(t *testing.T) {
	for _, tmpl := range []string{"[${a}", "${a} ]", "?${flag} x", "${}", `"open`, "${a"} {
		t.Run(tmpl, func(t *testing.T) {
			_, err := CompileShorthand(tmpl)
			requireCode(t, err, schema.ErrCodeDefinition)
		})
	}
}
