package permission

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/zhubert/plural-supervisor/claude"
)

// shellOperators chain or redirect commands. A prefix rule never admits a
// command containing one, since only the first command would be checked.
var shellOperators = []string{"&&", "||", ";", "|", "&", "`", "$(", ">", "<", "\n"}

// ruleMatches reports whether a standing rule admits a tool call. Rules are
// "*", a bare tool name, or "Tool(content)" where content is matched
// against the tool's primary input:
//
//	Bash(git status:*)  command is "git status" or starts with "git status "
//	Bash(make test)     command is exactly "make test"
//	Edit(/src/**)       file_path is under /src
//	Read(*.md)          file_path matches the glob
func ruleMatches(rule, tool string, input json.RawMessage) bool {
	if rule == "*" || rule == tool {
		return true
	}
	name, content, ok := parseRule(rule)
	if !ok || name != tool {
		return false
	}
	subject, ok := claude.ToolInputValue(tool, input)
	if !ok || subject == "" {
		return false
	}

	if prefix, isPrefix := strings.CutSuffix(content, ":*"); isPrefix {
		if tool == "Bash" && containsShellOperator(subject) {
			return false
		}
		return subject == prefix || strings.HasPrefix(subject, prefix+" ")
	}
	if dir, isTree := strings.CutSuffix(content, "/**"); isTree {
		return subject == dir || strings.HasPrefix(subject, dir+"/")
	}
	if tool != "Bash" && strings.ContainsAny(content, "*?[") {
		matched, err := filepath.Match(content, subject)
		return err == nil && matched
	}
	return subject == content
}

// parseRule splits "Tool(content)" into its parts.
func parseRule(rule string) (name, content string, ok bool) {
	open := strings.Index(rule, "(")
	if open <= 0 || !strings.HasSuffix(rule, ")") {
		return "", "", false
	}
	return rule[:open], rule[open+1 : len(rule)-1], true
}

func containsShellOperator(command string) bool {
	for _, op := range shellOperators {
		if strings.Contains(command, op) {
			return true
		}
	}
	return false
}

// suggestion is one entry of the CLI's permission_suggestions array.
type suggestion struct {
	Type     string `json:"type"`
	Behavior string `json:"behavior"`
	Rules    []struct {
		ToolName    string `json:"toolName"`
		RuleContent string `json:"ruleContent"`
	} `json:"rules"`
}

// alwaysRules returns the rules an allow_always answer adds. They come from
// the CLI's suggestions; without any, the rule admits only this exact call.
func alwaysRules(tool string, input, suggestions json.RawMessage) []string {
	var rules []string
	var parsed []suggestion
	if len(suggestions) > 0 && json.Unmarshal(suggestions, &parsed) == nil {
		for _, s := range parsed {
			if s.Type != "addRules" || (s.Behavior != "" && s.Behavior != "allow") {
				continue
			}
			for _, r := range s.Rules {
				switch {
				case r.ToolName == "":
				case r.RuleContent == "":
					rules = append(rules, r.ToolName)
				default:
					rules = append(rules, r.ToolName+"("+r.RuleContent+")")
				}
			}
		}
	}
	if len(rules) > 0 {
		return rules
	}
	if subject, ok := claude.ToolInputValue(tool, input); ok && subject != "" {
		return []string{tool + "(" + subject + ")"}
	}
	return []string{tool}
}
