package router

import (
	"strings"

	"github.com/zen-systems/routegate/pkg/adapter"
)

// Task types the gateway routes on.
const (
	TaskCode      = "code"
	TaskReasoning = "reasoning"
	TaskResearch  = "research"
	TaskRewrite   = "rewrite"
	TaskDefault   = "default"
)

// KnownTaskType reports whether a declared task type is one the gateway
// understands. Unknown declarations fall back to inference.
func KnownTaskType(taskType string) bool {
	switch taskType {
	case TaskCode, TaskReasoning, TaskResearch, TaskRewrite, TaskDefault:
		return true
	}
	return false
}

var (
	codeTriggers     = []string{"stack trace", "error", "exception", "refactor", "implement", "bug", "typescript", "javascript"}
	rewriteTriggers  = []string{"summarize", "rewrite", "rephrase", "tone", "polish"}
	researchTriggers = []string{"latest", "source", "sources", "compare", "research", "cite"}
)

// InferTaskType classifies a prompt by keyword scan, in priority order:
// code, rewrite, research, then reasoning.
func InferTaskType(messages []adapter.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	prompt := strings.ToLower(sb.String())

	if strings.Contains(prompt, "```") || containsAny(prompt, codeTriggers) {
		return TaskCode
	}
	if containsAny(prompt, rewriteTriggers) {
		return TaskRewrite
	}
	if containsAny(prompt, researchTriggers) {
		return TaskResearch
	}
	return TaskReasoning
}

func containsAny(prompt string, triggers []string) bool {
	for _, trigger := range triggers {
		if strings.Contains(prompt, trigger) {
			return true
		}
	}
	return false
}
