package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lowkeylabs/maestro/internal/workspace"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

// Emitter publishes an event to the session's stream. Tools that touch
// files report edits through it.
type Emitter func(eventType string, content map[string]any)

const maxReadBytes = 256 * 1024

// --- read_file ---

type ReadFileTool struct {
	guard *workspace.Guard
}

func NewReadFileTool(guard *workspace.Guard) *ReadFileTool {
	return &ReadFileTool{guard: guard}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace. Returns the content with line numbers. Large files are truncated."
}
func (t *ReadFileTool) ReadOnly() bool { return true }

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Absolute path to the file.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "1-based line to start from.",
				"minimum":     1,
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to return.",
				"minimum":     1,
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	real, err := t.guard.ResolveExistingFile(path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(real)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}

	lines := strings.Split(string(data), "\n")
	offset := 1
	if v, ok := args["offset"].(float64); ok && int(v) >= 1 {
		offset = int(v)
	}
	limit := len(lines)
	if v, ok := args["limit"].(float64); ok && int(v) >= 1 {
		limit = int(v)
	}
	if offset > len(lines) {
		return ErrorResult(fmt.Sprintf("offset %d past end of file (%d lines)", offset, len(lines)))
	}
	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}

	var sb strings.Builder
	for i := offset - 1; i < end; i++ {
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, lines[i])
	}
	if truncated {
		sb.WriteString("... (file truncated)\n")
	}
	return NewResult(sb.String())
}

// --- write_file ---

type WriteFileTool struct {
	guard *workspace.Guard
	emit  Emitter
}

func NewWriteFileTool(guard *workspace.Guard, emit Emitter) *WriteFileTool {
	return &WriteFileTool{guard: guard, emit: emit}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file in the workspace with the given content."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Absolute path to the file.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content.",
			},
		},
		"required":             []string{"path", "content"},
		"additionalProperties": false,
	}
}

func (t *WriteFileTool) ConfirmDetail(args map[string]any) string {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	return fmt.Sprintf("write %d bytes to %s", len(content), path)
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	real, err := t.guard.EnsureParent(path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.WriteFile(real, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}

	total := strings.Count(content, "\n") + 1
	if t.emit != nil {
		t.emit(protocol.EventFileEdit, map[string]any{
			"path":        path,
			"operation":   "write",
			"total_lines": total,
		})
	}
	return NewResult(fmt.Sprintf("Wrote %d lines to %s", total, path))
}

// --- edit_file ---

type EditFileTool struct {
	guard *workspace.Guard
	emit  Emitter
}

func NewEditFileTool(guard *workspace.Guard, emit Emitter) *EditFileTool {
	return &EditFileTool{guard: guard, emit: emit}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. The old string must appear exactly once unless replace_all is set."
}

func (t *EditFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Absolute path to the file.",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace.",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence.",
			},
		},
		"required":             []string{"path", "old_string", "new_string"},
		"additionalProperties": false,
	}
}

func (t *EditFileTool) ConfirmDetail(args map[string]any) string {
	path, _ := args["path"].(string)
	return fmt.Sprintf("edit %s", path)
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)

	if oldStr == newStr {
		return ErrorResult("old_string and new_string are identical")
	}
	real, err := t.guard.ResolveExistingFile(path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return ErrorResult(fmt.Sprintf("old_string not found in %s", path))
	}
	if count > 1 && !replaceAll {
		return ErrorResult(fmt.Sprintf("old_string appears %d times in %s; pass replace_all or make it unique", count, path))
	}

	var updated string
	replaced := count
	if replaceAll {
		updated = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		updated = strings.Replace(content, oldStr, newStr, 1)
		replaced = 1
	}
	if err := os.WriteFile(real, []byte(updated), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}

	if t.emit != nil {
		t.emit(protocol.EventFileEdit, map[string]any{
			"path":        path,
			"operation":   "edit",
			"total_lines": strings.Count(updated, "\n") + 1,
		})
	}
	return NewResult(fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, path))
}

// --- list_files ---

type ListFilesTool struct {
	guard *workspace.Guard
}

func NewListFilesTool(guard *workspace.Guard) *ListFilesTool {
	return &ListFilesTool{guard: guard}
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List the entries of a workspace directory. Directories are suffixed with /."
}
func (t *ListFilesTool) ReadOnly() bool { return true }

func (t *ListFilesTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Absolute path to the directory.",
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	real, err := t.guard.ResolveExistingDir(path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(real)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", path, err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(strings.Join(names, "\n"))
}

// --- glob ---

type GlobTool struct {
	guard *workspace.Guard
}

func NewGlobTool(guard *workspace.Guard) *GlobTool {
	return &GlobTool{guard: guard}
}

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Description() string {
	return "Find workspace files matching a glob pattern like **/*.go. Returns matching paths."
}
func (t *GlobTool) ReadOnly() bool { return true }

func (t *GlobTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern relative to the workspace root.",
			},
		},
		"required":             []string{"pattern"},
		"additionalProperties": false,
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern, _ := args["pattern"].(string)
	if strings.Contains(pattern, "..") {
		return ErrorResult("pattern must not contain ..")
	}

	root := t.guard.Root()
	var matches []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		if globMatch(pattern, rel) {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("glob: %v", err))
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return NewResult("No files match " + pattern)
	}
	const maxMatches = 500
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
		matches = append(matches, "... (truncated)")
	}
	return NewResult(strings.Join(matches, "\n"))
}

// globMatch supports ** across path separators plus the usual single
// segment wildcards of filepath.Match.
func globMatch(pattern, name string) bool {
	return matchSegs(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegs(pSegs, nSegs []string) bool {
	if len(pSegs) == 0 {
		return len(nSegs) == 0
	}
	if pSegs[0] == "**" {
		for i := 0; i <= len(nSegs); i++ {
			if matchSegs(pSegs[1:], nSegs[i:]) {
				return true
			}
		}
		return false
	}
	if len(nSegs) == 0 {
		return false
	}
	ok, err := filepath.Match(pSegs[0], nSegs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegs(pSegs[1:], nSegs[1:])
}
