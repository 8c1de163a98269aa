package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RegisterBuiltins adds the default tool set to a registry. noteDir is where
// the write_note tool stores its files.
func RegisterBuiltins(r *Registry, noteDir string) error {
	for _, tool := range []Tool{
		&currentTimeTool{},
		&echoTool{},
		&updateTodosTool{},
		&writeNoteTool{dir: noteDir},
	} {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

type currentTimeTool struct{}

func (t *currentTimeTool) Name() string        { return "current_time" }
func (t *currentTimeTool) Description() string { return "Returns the current local date and time" }
func (t *currentTimeTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *currentTimeTool) RequiresApproval() bool { return false }
func (t *currentTimeTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	return time.Now().Format(time.RFC1123), nil
}

type echoTool struct{}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echoes the provided text back verbatim" }
func (t *echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": "Text to echo"},
		},
		"required": []string{"text"},
	}
}
func (t *echoTool) RequiresApproval() bool { return false }
func (t *echoTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	return args.Text, nil
}

// updateTodosTool lets the model maintain a task list for the turn. The
// rendered list is the tool result, so the host can display it.
type updateTodosTool struct{}

func (t *updateTodosTool) Name() string { return "update_todos" }
func (t *updateTodosTool) Description() string {
	return "Replaces the session's task list with the provided items"
}
func (t *updateTodosTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
						"done":  map[string]any{"type": "boolean"},
					},
					"required": []string{"title"},
				},
			},
		},
		"required": []string{"items"},
	}
}
func (t *updateTodosTool) RequiresApproval() bool { return false }
func (t *updateTodosTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	var args struct {
		Items []struct {
			Title string `json:"title"`
			Done  bool   `json:"done"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	var sb strings.Builder
	for i, item := range args.Items {
		if i > 0 {
			sb.WriteString("\n")
		}
		mark := "[ ]"
		if item.Done {
			mark = "[x]"
		}
		sb.WriteString(mark + " " + item.Title)
	}
	if sb.Len() == 0 {
		return "(no tasks)", nil
	}
	return sb.String(), nil
}

// writeNoteTool persists a named note to disk. A side-effecting tool, so it is
// gated behind an approval interaction.
type writeNoteTool struct {
	dir string
}

func (t *writeNoteTool) Name() string        { return "write_note" }
func (t *writeNoteTool) Description() string { return "Saves a text note to the notes directory" }
func (t *writeNoteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":    map[string]any{"type": "string", "description": "Note file name"},
			"content": map[string]any{"type": "string", "description": "Note body"},
		},
		"required": []string{"name", "content"},
	}
}
func (t *writeNoteTool) RequiresApproval() bool { return true }
func (t *writeNoteTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	var args struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Name == "" || filepath.Base(args.Name) != args.Name {
		return "", fmt.Errorf("invalid note name %q", args.Name)
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", fmt.Errorf("create notes dir: %w", err)
	}
	path := filepath.Join(t.dir, args.Name)
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("write note: %w", err)
	}
	return fmt.Sprintf("note saved to %s", path), nil
}
