package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tomluvoe/agentgw/internal/agent"
)

// maxReadFileSize bounds what read_file returns to the model (1 MB).
const maxReadFileSize = 1 << 20

// resolveUnder joins a model-supplied path onto the root and rejects
// anything that escapes it.
func resolveUnder(root, path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	full := filepath.Join(root, cleaned)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the file root", path)
	}
	return full, nil
}

type readFileParams struct {
	Path string `json:"path" jsonschema:"description=File path relative to the data directory"`
}

// ReadFileTool reads a file from the daemon's data directory. Paths are
// confined to the root; traversal attempts come back as error results.
type ReadFileTool struct {
	root string
}

// NewReadFileTool creates a file reader rooted at root.
func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{root: root}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the data directory."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return schemaFor(&readFileParams{})
}

func (t *ReadFileTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args readFileParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid read_file arguments: %w", err)
	}

	full, err := resolveUnder(t.root, args.Path)
	if err != nil {
		return agent.ErrorResult("%v", err), nil
	}

	info, err := os.Stat(full)
	if err != nil {
		return agent.ErrorResult("cannot read %s: %v", args.Path, err), nil
	}
	if info.IsDir() {
		return agent.ErrorResult("%s is a directory", args.Path), nil
	}
	if info.Size() > maxReadFileSize {
		return agent.ErrorResult("%s is too large (%d bytes)", args.Path, info.Size()), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return agent.ErrorResult("cannot read %s: %v", args.Path, err), nil
	}
	return &agent.ToolResult{Content: string(data)}, nil
}

type listFilesParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the data directory; defaults to its top level"`
}

// ListFilesTool lists directory entries under the data directory.
type ListFilesTool struct {
	root string
}

// NewListFilesTool creates a directory lister rooted at root.
func NewListFilesTool(root string) *ListFilesTool {
	return &ListFilesTool{root: root}
}

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List files and directories under the data directory."
}

func (t *ListFilesTool) Schema() json.RawMessage {
	return schemaFor(&listFilesParams{})
}

func (t *ListFilesTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args listFilesParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid list_files arguments: %w", err)
	}

	full, err := resolveUnder(t.root, args.Path)
	if err != nil {
		return agent.ErrorResult("%v", err), nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return agent.ErrorResult("cannot list %s: %v", args.Path, err), nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return &agent.ToolResult{Content: "directory is empty"}, nil
	}
	return &agent.ToolResult{Content: strings.Join(names, "\n")}, nil
}
