// Package coretools provides built-in function tools: file access scoped to
// a workspace directory and a clock. Agents opt in by declaring a function
// tool with one of these names.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/scoop/pkg/toolexecutor"
)

const (
	defaultMaxReadBytes = 200000
	maxListEntries      = 500
)

// Registrar accepts function tools. *agent.Runner implements it.
type Registrar interface {
	RegisterFunction(def toolexecutor.ToolDefinition) error
}

// Options configures the built-in tools.
type Options struct {
	// WorkspaceRoot bounds every path the file tools touch. Empty disables
	// the file tools.
	WorkspaceRoot string
	MaxReadBytes  int64
	Now           func() time.Time
}

// Tools returns the built-in tool definitions for opts.
func Tools(opts Options) []toolexecutor.ToolDefinition {
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = defaultMaxReadBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tools := []toolexecutor.ToolDefinition{currentTimeTool(opts)}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		ws := workspace(filepath.Clean(opts.WorkspaceRoot))
		tools = append(tools,
			readFileTool(ws, opts.MaxReadBytes),
			writeFileTool(ws),
			editFileTool(ws),
			listFilesTool(ws),
		)
	}
	return tools
}

// Register adds every built-in tool to r.
func Register(r Registrar, opts Options) error {
	if root := strings.TrimSpace(opts.WorkspaceRoot); root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	for _, def := range Tools(opts) {
		if err := r.RegisterFunction(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func currentTimeTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "current_time",
		Description: "Return the current date and time.",
		Kind:        toolexecutor.KindFunction,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "timezone", Type: "string", Description: "IANA time zone, e.g. Europe/Berlin (default UTC)"},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			loc := time.UTC
			if name, _ := params["timezone"].(string); name != "" {
				l, err := time.LoadLocation(name)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", name)
				}
				loc = l
			}
			now := opts.Now().In(loc)
			return map[string]any{
				"time":     now.Format(time.RFC3339),
				"weekday":  now.Weekday().String(),
				"timezone": loc.String(),
			}, nil
		},
	}
}

func readFileTool(ws workspace, maxBytes int64) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Kind:        toolexecutor.KindFunction,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: fmt.Sprintf("Maximum bytes to read (default %d)", maxBytes)},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			rel, _ := params["path"].(string)
			target, err := ws.resolve(rel)
			if err != nil {
				return nil, err
			}
			limit := maxBytes
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				limit = min(int64(raw), maxBytes)
			}
			data, truncated, err := readWithLimit(target, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"path":      rel,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(ws workspace) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating directories as needed.",
		Kind:        toolexecutor.KindFunction,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of replacing (default false)"},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			rel, _ := params["path"].(string)
			target, err := ws.resolve(rel)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if appendMode {
				flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(target, flag, 0o644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}
			return map[string]any{"path": rel, "bytes": len(content), "append": appendMode}, nil
		},
	}
}

func editFileTool(ws workspace) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Kind:        toolexecutor.KindFunction,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence (default: first only)"},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			rel, _ := params["path"].(string)
			target, err := ws.resolve(rel)
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, errors.New("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)
			n := strings.Count(content, search)
			if n == 0 {
				return nil, errors.New("search text not found")
			}
			if replaceAll {
				content = strings.ReplaceAll(content, search, replace)
			} else {
				n = 1
				content = strings.Replace(content, search, replace, 1)
			}
			if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"path": rel, "occurrences": n}, nil
		},
	}
}

func listFilesTool(ws workspace) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_files",
		Description: "List files under a workspace directory.",
		Kind:        toolexecutor.KindFunction,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory (default: workspace root)"},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			rel, _ := params["path"].(string)
			dir := string(ws)
			if strings.TrimSpace(rel) != "" {
				var err error
				if dir, err = ws.resolve(rel); err != nil {
					return nil, err
				}
			}

			var files []string
			truncated := false
			err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					return nil
				}
				if len(files) == maxListEntries {
					truncated = true
					return filepath.SkipAll
				}
				r, _ := filepath.Rel(string(ws), path)
				files = append(files, filepath.ToSlash(r))
				return nil
			})
			if err != nil {
				return nil, err
			}
			sort.Strings(files)
			return map[string]any{"files": files, "truncated": truncated}, nil
		},
	}
}

// workspace is a cleaned root directory.
type workspace string

// resolve maps a relative path into the workspace, rejecting anything that
// escapes it.
func (w workspace) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("path is required")
	}
	if strings.Contains(p, "://") {
		return "", errors.New("path must be a local file")
	}
	root := string(w)
	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return candidate, nil
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, f, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	if n > limit {
		return buf.Bytes()[:limit], true, nil
	}
	return buf.Bytes(), false, nil
}
