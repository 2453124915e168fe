package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valetlabs/valet/internal/datetime"
)

// RegisterBuiltins installs the stock assistant tools on a catalog.
// File tools are confined to workspaceDir; paths that escape it are
// rejected before touching the filesystem.
func RegisterBuiltins(c *Catalog, workspaceDir string, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}

	builtins := []*Descriptor{
		{
			Name:        "current_time",
			Description: "Get the current date and time, optionally in a specific IANA timezone.",
			Permission:  PermissionRead,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. America/New_York. Defaults to the host timezone.",
					},
				},
			},
			Fn: func(args map[string]any) (string, error) {
				tz, _ := args["timezone"].(string)
				loc := datetime.ResolveTimezone(tz)
				return datetime.FormatUserTime(now(), loc), nil
			},
		},
		{
			Name:        "read_file",
			Description: "Read a text file from the assistant workspace.",
			Permission:  PermissionRead,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path relative to the workspace root.",
					},
				},
				"required": []any{"path"},
			},
			Fn: func(args map[string]any) (string, error) {
				path, err := workspacePath(workspaceDir, args)
				if err != nil {
					return "", err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
		},
		{
			Name:             "write_file",
			Description:      "Write a text file in the assistant workspace, creating parent directories as needed.",
			Permission:       PermissionWrite,
			RequiresApproval: true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path relative to the workspace root.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Full file content to write.",
					},
				},
				"required": []any{"path", "content"},
			},
			Fn: func(args map[string]any) (string, error) {
				path, err := workspacePath(workspaceDir, args)
				if err != nil {
					return "", err
				}
				content, _ := args["content"].(string)
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return "", err
				}
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(content), args["path"]), nil
			},
		},
		{
			Name:        "list_files",
			Description: "List files in a directory of the assistant workspace.",
			Permission:  PermissionRead,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path relative to the workspace root. Defaults to the root.",
					},
				},
			},
			Fn: func(args map[string]any) (string, error) {
				if raw, _ := args["path"].(string); raw == "" {
					args = map[string]any{"path": "."}
				}
				path, err := workspacePath(workspaceDir, args)
				if err != nil {
					return "", err
				}
				entries, err := os.ReadDir(path)
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, e := range entries {
					if e.IsDir() {
						b.WriteString(e.Name() + "/\n")
					} else {
						b.WriteString(e.Name() + "\n")
					}
				}
				if b.Len() == 0 {
					return "(empty)", nil
				}
				return strings.TrimSuffix(b.String(), "\n"), nil
			},
		},
	}

	for _, d := range builtins {
		if err := c.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// workspacePath resolves a relative path argument inside root.
func workspacePath(root string, args map[string]any) (string, error) {
	raw, _ := args["path"].(string)
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(raw) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}
	full := filepath.Join(root, raw)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return full, nil
}
