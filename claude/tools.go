package claude

import (
	"encoding/json"
	"sort"
	"strings"
)

// Tool sets are composable building blocks for allowed-tool lists.

// ToolSetBase contains read-only file tools.
var ToolSetBase = []string{
	"Read",
	"Glob",
	"Grep",
	"ExitPlanMode",
}

// ToolSetSafeShell contains read-only shell commands.
var ToolSetSafeShell = []string{
	"Bash(ls:*)",
	"Bash(cat:*)",
	"Bash(head:*)",
	"Bash(tail:*)",
	"Bash(wc:*)",
	"Bash(pwd:*)",
}

// ToolSetProductivity contains planning tools.
var ToolSetProductivity = []string{
	"TodoRead",
	"TodoWrite",
}

// DefaultAllowedTools is the allow list used when none is configured.
func DefaultAllowedTools() []string {
	return ComposeTools(ToolSetBase, ToolSetSafeShell, ToolSetProductivity)
}

// ComposeTools merges multiple tool sets into a single deduplicated slice.
// Order is preserved (first occurrence wins).
func ComposeTools(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, tool := range set {
			if _, exists := seen[tool]; !exists {
				seen[tool] = struct{}{}
				result = append(result, tool)
			}
		}
	}
	return result
}

// toolInputConfig defines how to extract a description from a tool's input.
type toolInputConfig struct {
	Field       string
	ShortenPath bool
	MaxLen      int // 0 = no limit
}

var toolInputConfigs = map[string]toolInputConfig{
	"Read":  {Field: "file_path", ShortenPath: true},
	"Edit":  {Field: "file_path", ShortenPath: true},
	"Write": {Field: "file_path", ShortenPath: true},

	"Glob":      {Field: "pattern"},
	"Grep":      {Field: "pattern", MaxLen: 30},
	"WebSearch": {Field: "query"},

	"Bash":     {Field: "command", MaxLen: 80},
	"Task":     {Field: "description"},
	"WebFetch": {Field: "url", MaxLen: 60},
}

// DefaultToolInputMaxLen is the default max length for tool descriptions.
const DefaultToolInputMaxLen = 60

// DescribeToolInput returns a short human-readable summary of a tool call,
// shown alongside permission prompts. Unknown tools use their first string
// field in key order.
func DescribeToolInput(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return ""
	}

	if cfg, ok := toolInputConfigs[toolName]; ok {
		if value, exists := inputMap[cfg.Field].(string); exists {
			if cfg.ShortenPath {
				value = shortenPath(value)
			}
			return truncateString(value, cfg.MaxLen)
		}
	}

	keys := make([]string, 0, len(inputMap))
	for k := range inputMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := inputMap[k].(string); ok && s != "" {
			return truncateString(s, DefaultToolInputMaxLen)
		}
	}
	return ""
}

// ToolInputValue returns the untruncated input field a tool is described
// by, such as Bash's command or Write's file_path. ok is false for tools
// without a known primary field.
func ToolInputValue(toolName string, input json.RawMessage) (value string, ok bool) {
	cfg, known := toolInputConfigs[toolName]
	if !known || len(input) == 0 {
		return "", false
	}
	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return "", false
	}
	value, ok = inputMap[cfg.Field].(string)
	return value, ok
}

// truncateString truncates s to maxLen bytes including a "..." suffix.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func shortenPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
