// Package policy classifies proposed tool invocations into approval tiers.
// Classification is a pure function over a declarative rule table so the
// effective policy can be inspected directly.
package policy

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"
)

// Tier is the approval routing verdict for one tool invocation.
type Tier string

const (
	// TierAutoAllow lets the invocation proceed immediately.
	TierAutoAllow Tier = "auto-allow"
	// TierNotify emits an approval event for subscribers but does not
	// block the agent. The default table never assigns it; it is reserved
	// for user-configured policies.
	TierNotify Tier = "notify"
	// TierRequireApproval parks the invocation until a decision arrives.
	TierRequireApproval Tier = "require-approval"
)

// Rule is one row of the policy table.
type Rule struct {
	// Name identifies the rule in tests and logs.
	Name string
	// Tools are normalized tool names the rule covers.
	Tools []string
	// Prefixes match normalized tool names by prefix, for tool families
	// like browser_*.
	Prefixes []string
	// CommandPatterns, when non-empty, additionally require the tool's
	// command argument to match at least one pattern.
	CommandPatterns []*regexp.Regexp
	// Tier is the verdict when the rule matches.
	Tier Tier
}

var (
	shellTools = []string{"bash", "shell", "shell_exec", "exec", "execute_command", "run_command"}

	fileWriteTools = []string{
		"write", "edit", "multiedit", "notebookedit",
		"write_file", "edit_file", "create_file", "apply_patch",
	}

	messagingTools = []string{"send_message", "send_email", "send_sms", "post_message"}

	schedulingTools = []string{"schedule", "schedule_task", "create_reminder"}
)

// destructiveCommandPatterns match shell commands that destroy data, weaken
// the system, or publish irreversibly. Any match forces require-approval.
var destructiveCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[A-Za-z]+\s+)*-[A-Za-z]*[rf]`),             // rm with recursive/force flags
	regexp.MustCompile(`\brm\s+--recursive\b`),                              // rm long-form recursive
	regexp.MustCompile(`--no-preserve-root`),                                // rm safety override
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),                            // filesystem formatting
	regexp.MustCompile(`\bdd\s+[^|;]*\bof=/dev/`),                           // dd onto a raw device
	regexp.MustCompile(`>\s*/dev/(sd|nvme|hd|vd)`),                          // redirect onto a raw device
	regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`), // piped-to-shell installer
	regexp.MustCompile(`\bchmod\s+(-[A-Za-z]+\s+)*0?777\b`),                 // world-writable permissions
	regexp.MustCompile(`\bchmod\s+(-[A-Za-z]+\s+)*-R\b`),                    // recursive permission change
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`),                    // fork bomb
	regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`),               // power management
	regexp.MustCompile(`\bsudo\b`),                                          // privilege escalation
	regexp.MustCompile(`(^|;|&&|\|\|)\s*su\b`),                              // switch user at command position
	regexp.MustCompile(`\b(npm|pnpm|yarn|cargo)\s+publish\b`),               // package publish
	regexp.MustCompile(`\bnpm\s+unpublish\b`),                               // package unpublish
	regexp.MustCompile(`\bgit\s+push\b.*\s(--force\b|-f\b)`),                // force push
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),                          // hard reset
	regexp.MustCompile(`\bgit\s+clean\s+-[A-Za-z]*f`),                       // forced clean
}

// Rules is the policy table. Classify walks it top to bottom and returns the
// first matching rule's tier; nothing matching falls through to auto-allow.
var Rules = []Rule{
	{
		Name:            "destructive-shell",
		Tools:           shellTools,
		CommandPatterns: destructiveCommandPatterns,
		Tier:            TierRequireApproval,
	},
	{
		Name:  "shell",
		Tools: shellTools,
		Tier:  TierAutoAllow,
	},
	{
		Name:  "file-write",
		Tools: fileWriteTools,
		Tier:  TierRequireApproval,
	},
	{
		Name:  "messaging",
		Tools: messagingTools,
		Tier:  TierRequireApproval,
	},
	{
		Name:     "browser",
		Tools:    []string{"browser", "screenshot"},
		Prefixes: []string{"browser_"},
		Tier:     TierRequireApproval,
	},
	{
		Name:     "scheduling",
		Tools:    schedulingTools,
		Prefixes: []string{"schedule_", "cron_"},
		Tier:     TierRequireApproval,
	},
}

// mcpToolPrefix matches the mcp__<server>__ prefix MCP-bridged tools carry.
var mcpToolPrefix = regexp.MustCompile(`^mcp__.+?__`)

// Classify assigns the approval tier for a proposed tool invocation. Pure:
// the verdict depends only on the arguments, never on prior calls.
func Classify(toolName string, args json.RawMessage) Tier {
	name := Normalize(toolName)
	for _, rule := range Rules {
		if rule.matches(name, args) {
			return rule.Tier
		}
	}
	return TierAutoAllow
}

// Normalize strips an mcp__<server>__ prefix and lowercases the tool name.
func Normalize(toolName string) string {
	return strings.ToLower(mcpToolPrefix.ReplaceAllString(toolName, ""))
}

func (r Rule) matches(name string, args json.RawMessage) bool {
	if !r.coversTool(name) {
		return false
	}
	if len(r.CommandPatterns) == 0 {
		return true
	}
	command := commandArg(args)
	for _, pattern := range r.CommandPatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return false
}

func (r Rule) coversTool(name string) bool {
	if len(r.Tools) == 0 && len(r.Prefixes) == 0 {
		return true
	}
	if slices.Contains(r.Tools, name) {
		return true
	}
	for _, prefix := range r.Prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// commandArg extracts the command string from a shell tool's arguments. If
// the arguments do not parse as JSON, the raw bytes are scanned instead so
// malformed input cannot dodge the patterns.
func commandArg(args json.RawMessage) string {
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &payload); err != nil || payload.Command == "" {
		return string(args)
	}
	return payload.Command
}
