package stream

import (
	"fmt"
	"path/filepath"
	"strings"

	"orchard/internal/jsonutil"
)

// maxCommandLen caps rendered shell commands so a long one-liner doesn't
// flood subscribers.
const maxCommandLen = 60

// RenderToolUse turns a tool_use block into a short human-readable status
// line. Raw structured tool data is never passed through to subscribers;
// each known tool is keyed by its most telling argument (file path, search
// pattern, truncated command). Unknown tools render as their bare name.
func RenderToolUse(name string, input map[string]interface{}) string {
	if name == "" {
		return ""
	}
	label := strings.ToLower(name)

	switch label {
	case "read", "read_file":
		if path := jsonutil.GetString(input, "file_path"); path != "" {
			return fmt.Sprintf("[read] %s", filepath.Base(path))
		}
	case "write":
		if path := jsonutil.GetString(input, "file_path"); path != "" {
			contents := jsonutil.GetString(input, "content")
			lines := strings.Count(contents, "\n") + 1
			return fmt.Sprintf("[write] %s (%d lines)", filepath.Base(path), lines)
		}
	case "edit", "search_replace":
		if path := jsonutil.GetString(input, "file_path"); path != "" {
			return fmt.Sprintf("[edit] %s", filepath.Base(path))
		}
	case "bash", "run_terminal_cmd":
		if cmd := jsonutil.GetString(input, "command"); cmd != "" {
			return fmt.Sprintf("[shell] %s", truncate(cmd, maxCommandLen))
		}
	case "grep":
		if pattern := jsonutil.GetString(input, "pattern"); pattern != "" {
			return fmt.Sprintf("[grep] %s", pattern)
		}
	case "glob":
		if pattern := jsonutil.GetString(input, "pattern"); pattern != "" {
			return fmt.Sprintf("[glob] %s", pattern)
		}
	case "websearch", "codebase_search":
		if query := jsonutil.GetString(input, "query"); query != "" {
			return fmt.Sprintf("[search] %s", query)
		}
	}

	return fmt.Sprintf("[%s]", label)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
