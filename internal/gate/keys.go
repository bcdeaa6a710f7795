// Package gate implements the permission broker: per tool-use authorization
// with session-scoped grants and suspended human-in-the-loop decisions.
package gate

import (
	"encoding/json"
	"regexp"
)

// Tool names that are gated (deny-by-default) on first use.
const (
	ToolWrite           = "Write"
	ToolEdit            = "Edit"
	ToolMultiEdit       = "MultiEdit"
	ToolBash            = "Bash"
	ToolAskUserQuestion = "AskUserQuestion"
)

// gatedTools require explicit authorization before their first use.
var gatedTools = map[string]struct{}{
	ToolWrite:           {},
	ToolEdit:            {},
	ToolMultiEdit:       {},
	ToolBash:            {},
	ToolAskUserQuestion: {},
}

// dangerousCommandPatterns is a fixed, best-effort heuristic for destructive
// shell commands. It is a classification aid for grouping authorizations,
// not a security boundary: obfuscated or piped destructive commands are not
// detected, and the set must not be extended silently.
var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf?\b`),
	regexp.MustCompile(`(?i)\brm\s`),
	regexp.MustCompile(`(?i)\brmdir\s`),
	regexp.MustCompile(`(?i)\bdel\s`),
	regexp.MustCompile(`(?i)\brd\s`),
	regexp.MustCompile(`(?i)\bRemove-Item\b`),
	regexp.MustCompile(`(?i)\bri\s`),
	regexp.MustCompile(`(?i)\bunlink\b`),
}

// DangerousKeySuffix distinguishes destructive shell command authorizations
// from plain ones for the same tool.
const DangerousKeySuffix = ":dangerous"

// bashInput is the subset of the Bash tool input the broker inspects.
type bashInput struct {
	Command string `json:"command"`
}

// commandIsDangerous matches the raw command text against the fixed
// destructive-operation pattern list.
func commandIsDangerous(command string) bool {
	for _, p := range dangerousCommandPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

// PermissionKey classifies one tool use for session-scoped authorization
// reuse. Generally the tool name; a destructive shell command gets its own
// key so "run a safe command" and "run a destructive command" are authorized
// independently.
func PermissionKey(toolName string, input json.RawMessage) string {
	if toolName == ToolBash {
		var in bashInput
		if err := json.Unmarshal(input, &in); err == nil && commandIsDangerous(in.Command) {
			return ToolBash + DangerousKeySuffix
		}
	}
	return toolName
}

// gated reports whether the tool requires authorization absent a grant.
// Dangerous-command classification lives in PermissionKey.
func gated(toolName string) bool {
	_, ok := gatedTools[toolName]
	return ok
}
