package router

import (
	"fmt"
	"strings"

	"github.com/dispatchd/dispatchd/internal/task/models"
)

const personaPrefix = "You are an autonomous coding agent dispatched from a chat conversation."

const pipelineHint = "You run in a non-interactive pipeline: never launch interactive CLI tools " +
	"(editors, REPLs, pagers) and never wait for user input. When something is ambiguous, " +
	"state your assumption and proceed."

const cronPreamble = "This is a scheduled autonomous run. Do not ask questions or pause for " +
	"confirmation; make reasonable assumptions and carry the work through to completion."

// BuildPrompt composes the runner prompt for a routed message: persona,
// pipeline constraints, then the type-specific instruction.
func BuildPrompt(p *ParsedMessage) string {
	var b strings.Builder
	b.WriteString(personaPrefix)
	b.WriteString("\n")
	b.WriteString(pipelineHint)
	b.WriteString("\n\n")
	b.WriteString(taskInstruction(p))
	return b.String()
}

// BuildContextualPrompt is BuildPrompt with a digest of the recent
// conversation ahead of the current request.
func BuildContextualPrompt(p *ParsedMessage, history []*models.ChatMessage) string {
	if len(history) == 0 {
		return BuildPrompt(p)
	}
	var b strings.Builder
	b.WriteString(personaPrefix)
	b.WriteString("\n")
	b.WriteString(pipelineHint)
	b.WriteString("\n\n")
	b.WriteString("Previous conversation:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nCurrent request:\n")
	b.WriteString(taskInstruction(p))
	return b.String()
}

// WrapCronPrompt prefixes a prompt with the no-questions preamble used for
// scheduler-originated tasks.
func WrapCronPrompt(prompt string) string {
	return cronPreamble + "\n\n" + prompt
}

func taskInstruction(p *ParsedMessage) string {
	switch p.Type {
	case TypeReviewPR:
		return fmt.Sprintf("Review pull request #%s in this repository. Fetch and check out the PR branch, "+
			"read the full diff, and produce a review: findings with file and line references, "+
			"concrete suggestions, and an overall verdict.", p.Args["number"])
	case TypeFixIssue:
		return fmt.Sprintf("Fix issue #%s. Read the issue, locate the root cause, implement a fix with a "+
			"matching test where practical, and commit on the current branch with a clear message.", p.Args["number"])
	case TypeSimplify:
		return fmt.Sprintf("Simplify the code at %s. Reduce complexity and duplication without changing "+
			"behavior, keep the public surface intact, and commit the result.", p.Args["path"])
	case TypeValidate:
		return "Validate this repository: build it, run its test suite and linters, and report every " +
			"failure with enough context to act on. Do not fix anything, just report."
	case TypeCreateProject:
		instruction := fmt.Sprintf("Scaffold a new project named %q in the current directory.", p.Args["name"])
		if tmpl := p.Args["template"]; tmpl != "" {
			instruction += fmt.Sprintf(" Base it on the %q template.", tmpl)
		}
		return instruction + " Set up a sensible layout, a build file and a README."
	case TypeDiscuss:
		topic := p.Args["topic"]
		if topic == "" {
			topic = p.RawText
		}
		return fmt.Sprintf("The user wants to talk through an idea, not change code. Topic:\n%s\n\n"+
			"Reply conversationally with your analysis, trade-offs and suggestions. Do not modify files, "+
			"create commits or run state-changing commands.", topic)
	default:
		return p.RawText
	}
}
