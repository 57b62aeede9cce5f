package planner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/llm"
)

// Resource bounds for the read-only tool menu.
const (
	ShellTimeout   = 30 * time.Second
	SearchTimeout  = 15 * time.Second
	MaxReadLines   = 200
	MaxOutputChars = 2000
	maxGlobMatches = 500
)

// ErrUnknownTool is returned for calls to tools not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArgs wraps argument validation failures.
var ErrInvalidArgs = errors.New("invalid tool arguments")

// Capability is one tool: its schema for the model and its typed handler.
type Capability struct {
	Tool    llm.Tool
	Timeout time.Duration
	run     func(ctx context.Context, root string, input map[string]interface{}) (string, error)
}

// Registry maps tool names to capabilities.
type Registry struct {
	caps  map[string]Capability
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: map[string]Capability{}}
}

// Register adds a capability with typed arguments. Input is decoded into A
// and validated before run is called.
func Register[A any](r *Registry, tool llm.Tool, timeout time.Duration, validate func(A) error, run func(ctx context.Context, root string, args A) (string, error)) {
	r.caps[tool.Name] = Capability{
		Tool:    tool,
		Timeout: timeout,
		run: func(ctx context.Context, root string, input map[string]interface{}) (string, error) {
			var args A
			raw, err := json.Marshal(input)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
			}
			if validate != nil {
				if err := validate(args); err != nil {
					return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
				}
			}
			return run(ctx, root, args)
		},
	}
	r.order = append(r.order, tool.Name)
}

// Tools returns the tool menu in registration order.
func (r *Registry) Tools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.caps[name].Tool)
	}
	return out
}

// Execute runs call against root under the capability's timeout. The output
// is truncated to MaxOutputChars.
//
// Cancelling ctx does not stop a call that has started; only the
// capability's own timeout does.
func (r *Registry) Execute(ctx context.Context, root string, call llm.ToolCall) (string, error) {
	c, ok := r.caps[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	ctx = context.WithoutCancel(ctx)
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	out, err := c.run(ctx, root, call.Input)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &apperr.TimeoutError{Operation: call.Name, Limit: c.Timeout, Err: ctx.Err()}
	}
	return Truncate(out, MaxOutputChars), err
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

type bashArgs struct {
	Command string `json:"command"`
}

type readFileArgs struct {
	Path string `json:"path"`
}

type globArgs struct {
	Pattern string `json:"pattern"`
}

type grepArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
	Include string `json:"include"`
}

// ReadOnlyTools returns the planning tool menu: bash, read_file, glob, grep.
func ReadOnlyTools() *Registry {
	r := NewRegistry()

	Register(r, llm.Tool{
		Name:        "bash",
		Description: "Run a read-only shell command in the project root (30s limit).",
		Parameters:  map[string]interface{}{"command": map[string]interface{}{"type": "string"}},
		Required:    []string{"command"},
	}, ShellTimeout, func(a bashArgs) error {
		if strings.TrimSpace(a.Command) == "" {
			return errors.New("command is required")
		}
		return nil
	}, runBash)

	Register(r, llm.Tool{
		Name:        "read_file",
		Description: fmt.Sprintf("Read a file relative to the project root (first %d lines).", MaxReadLines),
		Parameters:  map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		Required:    []string{"path"},
	}, 0, func(a readFileArgs) error {
		if a.Path == "" {
			return errors.New("path is required")
		}
		return nil
	}, readFile)

	Register(r, llm.Tool{
		Name:        "glob",
		Description: "List files matching a glob such as **/*.go (15s limit).",
		Parameters:  map[string]interface{}{"pattern": map[string]interface{}{"type": "string"}},
		Required:    []string{"pattern"},
	}, SearchTimeout, func(a globArgs) error {
		if a.Pattern == "" {
			return errors.New("pattern is required")
		}
		if _, err := path.Match(strings.ReplaceAll(a.Pattern, "**", "*"), ""); err != nil {
			return fmt.Errorf("bad pattern: %w", err)
		}
		return nil
	}, globFiles)

	Register(r, llm.Tool{
		Name:        "grep",
		Description: "Search file contents with a regular expression (15s limit).",
		Parameters: map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string"},
			"path":    map[string]interface{}{"type": "string"},
			"include": map[string]interface{}{"type": "string", "description": "file glob, e.g. *.go"},
		},
		Required: []string{"pattern"},
	}, SearchTimeout, func(a grepArgs) error {
		if a.Pattern == "" {
			return errors.New("pattern is required")
		}
		return nil
	}, grepFiles)

	return r
}

func runBash(ctx context.Context, root string, a bashArgs) (string, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", a.Command)
	cmd.Dir = root
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	if err != nil {
		return fmt.Sprintf("%s\n(exit: %v)", out, err), nil
	}
	return string(out), nil
}

// resolve joins rel onto root and rejects paths that escape it.
func resolve(root, rel string) (string, error) {
	full := rel
	if !filepath.IsAbs(rel) {
		full = filepath.Join(root, rel)
	}
	full = filepath.Clean(full)
	r, err := filepath.Rel(root, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q is outside the project", ErrInvalidArgs, rel)
	}
	return full, nil
}

func readFile(_ context.Context, root string, a readFileArgs) (string, error) {
	full, err := resolve(root, a.Path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := 0
	for sc.Scan() {
		if lines == MaxReadLines {
			fmt.Fprintf(&b, "... (truncated at %d lines)\n", MaxReadLines)
			break
		}
		b.WriteString(sc.Text())
		b.WriteByte('\n')
		lines++
	}
	if err := sc.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, ".shipyard": true}

func globFiles(ctx context.Context, root string, a globArgs) (string, error) {
	pattern := strings.Split(filepath.ToSlash(a.Pattern), "/")
	var matches []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if MatchGlob(pattern, strings.Split(filepath.ToSlash(rel), "/")) {
			matches = append(matches, filepath.ToSlash(rel))
			if len(matches) >= maxGlobMatches {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return strings.Join(matches, "\n"), err
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return "no files matched", nil
	}
	return strings.Join(matches, "\n"), nil
}

// MatchGlob matches path segments against pattern segments, where "**"
// matches zero or more segments and other segments use path.Match.
func MatchGlob(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if MatchGlob(pattern[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return MatchGlob(pattern[1:], segs[1:])
}

func grepFiles(ctx context.Context, root string, a grepArgs) (string, error) {
	target := "."
	if a.Path != "" {
		full, err := resolve(root, a.Path)
		if err != nil {
			return "", err
		}
		target = full
	}

	args := []string{"-rnI", "--exclude-dir=.git", "--exclude-dir=node_modules"}
	if a.Include != "" {
		args = append(args, "--include="+a.Include)
	}
	args = append(args, "-E", "-e", a.Pattern, target)

	cmd := exec.CommandContext(ctx, "grep", args...)
	cmd.Dir = root
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.String(), ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return "no matches", nil
	}
	if err != nil {
		return "", fmt.Errorf("grep: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
