package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/llm"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func call(name string, input map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: "call-" + name, Name: name, Input: input}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"**/*.go", "main.go", true},
		{"**/*.go", "internal/a/b.go", true},
		{"*.go", "internal/b.go", false},
		{"internal/**", "internal/a/b.go", true},
		{"internal/*/b.go", "internal/a/b.go", true},
		{"cmd/**/main.go", "cmd/main.go", true},
		{"**/*.md", "internal/a/b.go", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.path, func(t *testing.T) {
			got := MatchGlob(strings.Split(tt.pattern, "/"), strings.Split(tt.path, "/"))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_ToolMenu(t *testing.T) {
	r := ReadOnlyTools()
	var names []string
	for _, tool := range r.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"bash", "read_file", "glob", "grep"}, names)
}

func TestExecute_UnknownTool(t *testing.T) {
	_, err := ReadOnlyTools().Execute(context.Background(), t.TempDir(), call("write_file", nil))
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestExecute_InvalidArgs(t *testing.T) {
	r := ReadOnlyTools()
	_, err := r.Execute(context.Background(), t.TempDir(), call("read_file", map[string]interface{}{}))
	assert.ErrorIs(t, err, ErrInvalidArgs)

	_, err = r.Execute(context.Background(), t.TempDir(), call("bash", map[string]interface{}{"command": "   "}))
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestReadFile(t *testing.T) {
	var long strings.Builder
	for i := 0; i < 250; i++ {
		fmt.Fprintf(&long, "line %d\n", i)
	}
	root := writeTree(t, map[string]string{
		"README.md":   "hello\nworld\n",
		"big/log.txt": long.String(),
	})
	r := ReadOnlyTools()

	t.Run("reads relative path", func(t *testing.T) {
		out, err := r.Execute(context.Background(), root, call("read_file", map[string]interface{}{"path": "README.md"}))
		require.NoError(t, err)
		assert.Equal(t, "hello\nworld\n", out)
	})

	t.Run("caps line count", func(t *testing.T) {
		out, err := r.Execute(context.Background(), root, call("read_file", map[string]interface{}{"path": "big/log.txt"}))
		require.NoError(t, err)
		assert.Contains(t, out, "line 0\n")
		assert.NotContains(t, out, "line 200\n")
		assert.LessOrEqual(t, len([]rune(out)), MaxOutputChars)
	})

	t.Run("rejects escape", func(t *testing.T) {
		_, err := r.Execute(context.Background(), root, call("read_file", map[string]interface{}{"path": "../etc/passwd"}))
		assert.ErrorIs(t, err, ErrInvalidArgs)
	})
}

func TestReadFile_TruncationMarker(t *testing.T) {
	var b strings.Builder
	for i := 0; i < MaxReadLines+5; i++ {
		b.WriteString("x\n")
	}
	root := writeTree(t, map[string]string{"short.txt": b.String()})
	out, err := readFile(context.Background(), root, readFileArgs{Path: "short.txt"})
	require.NoError(t, err)
	assert.Equal(t, MaxReadLines, strings.Count(out, "x\n"))
	assert.Contains(t, out, "truncated at 200 lines")
}

func TestGlob(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":                "package main",
		"internal/a/a.go":        "package a",
		"internal/a/a_test.go":   "package a",
		"docs/guide.md":          "# guide",
		"vendor/x/x.go":          "package x",
		".git/objects/ignore.go": "",
	})
	r := ReadOnlyTools()

	out, err := r.Execute(context.Background(), root, call("glob", map[string]interface{}{"pattern": "**/*.go"}))
	require.NoError(t, err)
	assert.Equal(t, "internal/a/a.go\ninternal/a/a_test.go\nmain.go", out)

	out, err = r.Execute(context.Background(), root, call("glob", map[string]interface{}{"pattern": "**/*.rs"}))
	require.NoError(t, err)
	assert.Equal(t, "no files matched", out)
}

func TestBash(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "alpha"})
	r := ReadOnlyTools()

	out, err := r.Execute(context.Background(), root, call("bash", map[string]interface{}{"command": "cat a.txt"}))
	require.NoError(t, err)
	assert.Equal(t, "alpha", out)

	out, err = r.Execute(context.Background(), root, call("bash", map[string]interface{}{"command": "exit 3"}))
	require.NoError(t, err)
	assert.Contains(t, out, "exit")
}

func TestExecute_OutlivesCancellation(t *testing.T) {
	r := ReadOnlyTools()
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(200*time.Millisecond, cancel)
	defer timer.Stop()

	out, err := r.Execute(ctx, t.TempDir(), call("bash", map[string]interface{}{"command": "sleep 1; echo done"}))
	require.NoError(t, err)
	assert.Equal(t, "done\n", out)
	assert.Error(t, ctx.Err())
}

func TestExecute_OwnTimeout(t *testing.T) {
	r := NewRegistry()
	Register(r, llm.Tool{Name: "bash"}, 100*time.Millisecond, nil, runBash)

	_, err := r.Execute(context.Background(), t.TempDir(), call("bash", map[string]interface{}{"command": "sleep 5"}))
	var timeoutErr *apperr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "bash", timeoutErr.Operation)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.Limit)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "héé", Truncate("hééllo", 3))
}
