package services

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// toolIcons maps known agent tools to a display icon. Unknown tools get
// the wrench.
var toolIcons = map[string]string{
	"read":         "📖",
	"write":        "✏️",
	"edit":         "✏️",
	"bash":         "💻",
	"glob":         "🔍",
	"grep":         "🔍",
	"websearch":    "🌐",
	"webfetch":     "🌐",
	"task":         "🤖",
	"notebookedit": "📓",
	"todowrite":    "📝",
}

// ToolIcon returns the display icon for a tool name.
func ToolIcon(tool string) string {
	if icon, ok := toolIcons[strings.ToLower(tool)]; ok {
		return icon
	}
	return "🔧"
}

// toolVerbs maps tools with a file-path argument to a display verb.
var toolVerbs = map[string]string{
	"read":  "Reading",
	"write": "Writing",
	"edit":  "Editing",
	"glob":  "Scanning",
}

// FormatToolDetail turns a (tool, input) pair into a human-readable
// one-liner for progress display. Heuristics, in order: file path,
// command, search pattern, description, bare tool name.
func FormatToolDetail(tool string, input json.RawMessage) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(input, &fields); err != nil {
		return tool
	}

	for _, key := range []string{"file_path", "path", "filename"} {
		if value, ok := fields[key].(string); ok && value != "" {
			verb := toolVerbs[strings.ToLower(tool)]
			if verb == "" {
				verb = tool + ":"
			}
			return fmt.Sprintf("%s %s", verb, filepath.Base(value))
		}
	}

	if command, ok := fields["command"].(string); ok && command != "" {
		return "Running: " + truncate(command, 60)
	}

	for _, key := range []string{"pattern", "query", "regex"} {
		if value, ok := fields[key].(string); ok && value != "" {
			return "Searching: " + value
		}
	}

	if description, ok := fields["description"].(string); ok && description != "" {
		return truncate(description, 60)
	}

	return tool
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
