package steps

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func TestShell_Echo(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	out := f.value(t, "shell echo hello").(map[string]any)
	assert.Equal(t, "hello\n", out["stdout"])
	assert.Equal(t, 0, out["exit_code"])
}

func TestShell_JSONStdout(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	out := f.value(t, `shell echo '{"ok": true}'`).(map[string]any)
	assert.Equal(t, map[string]any{"ok": true}, out["stdout"])
	assert.Equal(t, "{\"ok\": true}\n", out["stdout_raw"])
}

func TestShell_EnvStdinCwd(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, BuiltinConfig{})
	out := f.value(t, map[string]any{
		"type":    "shell",
		"command": `printf '%s|' "$GREETING"; cat; pwd`,
		"env":     map[string]any{"GREETING": "hi"},
		"stdin":   "from-stdin|",
		"cwd":     dir,
	}).(map[string]any)
	assert.True(t, strings.HasPrefix(out["stdout_raw"].(string), "hi|from-stdin|"))
	assert.Contains(t, out["stdout_raw"], dir)
}

func TestShell_ExitCode(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	_, err := f.run(t, "shell echo oops >&2; exit 3")
	se := requireCode(t, err, schema.ErrCodeStepFailed)
	assert.Contains(t, se.Message, "exited with 3")
	assert.Contains(t, se.Message, "oops")

	out := f.value(t, map[string]any{
		"type":               "shell",
		"command":            "exit 3",
		"allowed_exit_codes": []any{0, 3},
	}).(map[string]any)
	assert.Equal(t, 3, out["exit_code"])
}

func TestShell_Timeout(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	_, err := f.run(t, map[string]any{"type": "shell", "command": "sleep 5", "timeout": "50ms"})
	requireCode(t, err, schema.ErrCodeTimeout)
}

func TestShell_MissingCommand(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	_, err := f.run(t, map[string]any{"type": "shell"})
	requireCode(t, err, schema.ErrCodeDefinition)
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lw.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = lw.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", buf.String())
}
