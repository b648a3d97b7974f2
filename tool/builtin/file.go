package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/GoCodeAlone/conductor/tool"
)

// validatePath resolves relPath under base and rejects traversal out of it.
func validatePath(base, relPath string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("no base directory configured")
	}
	abs, err := filepath.Abs(filepath.Join(base, filepath.Clean(relPath)))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	root, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal not allowed: %s", relPath)
	}
	return abs, nil
}

// FileManager reads and writes files under a base directory.
type FileManager struct {
	BaseDir string
}

func (t *FileManager) Name() string       { return "file_manager" }
func (t *FileManager) Capability() string { return "file" }
func (t *FileManager) Description() string {
	return "Read, write, list, create or delete files under the workspace directory"
}

func (t *FileManager) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type": "string",
				"enum": []any{"read", "write", "list", "create_dir", "delete"},
			},
			"path":    map[string]any{"type": "string", "description": "Path relative to the workspace"},
			"content": map[string]any{"type": "string", "description": "Content for write"},
		},
		"required": []any{"operation"},
	}
}

func (t *FileManager) Execute(_ context.Context, args map[string]any) (any, error) {
	op, _ := args["operation"].(string)
	rel, _ := args["path"].(string)
	if rel == "" {
		if op != "list" {
			return nil, tool.Errorf(tool.KindInvalidArguments, "path is required for %s", op)
		}
		rel = "."
	}
	abs, err := validatePath(t.BaseDir, rel)
	if err != nil {
		return nil, tool.Errorf(tool.KindForbidden, "%v", err)
	}

	switch op {
	case "read":
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return map[string]any{"path": rel, "content": string(data)}, nil

	case "write":
		content, _ := args["content"].(string)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write file: %w", err)
		}
		return map[string]any{"path": rel, "bytes_written": len(content)}, nil

	case "list":
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("list directory: %w", err)
		}
		files := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, map[string]any{
				"name":   e.Name(),
				"is_dir": e.IsDir(),
				"size":   info.Size(),
			})
		}
		sort.Slice(files, func(i, j int) bool { return files[i]["name"].(string) < files[j]["name"].(string) })
		return map[string]any{"path": rel, "files": files}, nil

	case "create_dir":
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
		return map[string]any{"path": rel, "created": true}, nil

	case "delete":
		root, _ := filepath.Abs(t.BaseDir)
		if abs == root {
			return nil, tool.Errorf(tool.KindForbidden, "refusing to delete the workspace root")
		}
		if err := os.RemoveAll(abs); err != nil {
			return nil, fmt.Errorf("delete: %w", err)
		}
		return map[string]any{"path": rel, "deleted": true}, nil
	}
	return nil, tool.Errorf(tool.KindInvalidArguments, "unknown operation %q", op)
}
