// Package router classifies incoming chat messages into typed intents.
//
// Parse is a pure function: no I/O, no state, same output for the same
// input. Anything the regex tables cannot place falls through to free-form,
// where the repo resolver and the LLM take over.
package router

import (
	"regexp"
	"strings"
)

// MessageType is the routed intent of one chat message.
type MessageType string

const (
	TypeHelp           MessageType = "help"
	TypeStatus         MessageType = "status"
	TypeHistory        MessageType = "history"
	TypeClear          MessageType = "clear"
	TypeTasks          MessageType = "tasks"
	TypeCancel         MessageType = "cancel"
	TypeTrace          MessageType = "trace"
	TypeMode           MessageType = "mode"
	TypeReviewPR       MessageType = "review-pr"
	TypeFixIssue       MessageType = "fix-issue"
	TypeSimplify       MessageType = "simplify"
	TypeValidate       MessageType = "validate"
	TypeCreateProject  MessageType = "create-project"
	TypeListSchedules  MessageType = "list-schedules"
	TypeRemoveSchedule MessageType = "remove-schedule"
	TypeSchedule       MessageType = "schedule"
	TypeDiscuss        MessageType = "discuss"
	TypeInitRepo       MessageType = "init-repo"
	TypeFreeForm       MessageType = "free-form"
)

// Priority levels carried on tasks. Higher dequeues first.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
	PriorityUrgent = 2
)

// ParsedMessage is the routed form of one incoming message. RawText is the
// message with any priority marker stripped.
type ParsedMessage struct {
	Type     MessageType
	Repo     string
	Args     map[string]string
	RawText  string
	Priority int
}

var (
	priorityFlagRe   = regexp.MustCompile(`(?i)\s*--priority\s+(urgent|high|normal|low)\b`)
	urgentPrefixRe   = regexp.MustCompile(`(?i)^urgent:\s*`)
	importantRe      = regexp.MustCompile(`(?i)\s*!important\b`)
	priorityShortRe  = regexp.MustCompile(`(?i)(^|\s)p([0-3])\b`)
	doubleSpaceRe    = regexp.MustCompile(` {2,}`)
	trailingPunctTok = regexp.MustCompile(`[.,!?]+$`)
)

var (
	helpRe    = regexp.MustCompile(`(?i)^/?help$`)
	statusRe  = regexp.MustCompile(`(?i)^/?status$`)
	historyRe = regexp.MustCompile(`(?i)^/?(?:history|my\s+tasks)$`)
	clearRe   = regexp.MustCompile(`(?i)^/?(?:clear|reset)$`)
	tasksRe   = regexp.MustCompile(`(?i)^/?tasks$`)
	cancelRe  = regexp.MustCompile(`(?i)^/?cancel\s+(\S+)$`)
	traceRe   = regexp.MustCompile(`(?i)^/?trace(?:\s+(\S+))?$`)

	modeRe          = regexp.MustCompile(`(?i)^/?mode\s+(assistant|strict)$`)
	assistantModeRe = regexp.MustCompile(`(?i)^(?:assistant|chat)\s+mode$`)
	strictModeRe    = regexp.MustCompile(`(?i)^(?:strict\s+mode|normal\s+mode|back\s+to\s+normal)$`)
)

// statusInquiryRes are short conversational "how is it going" probes. Only
// consulted for messages under 60 characters so longer requests that happen
// to end in a question still route as work.
var statusInquiryRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:is\s+it\s+|are\s+you\s+)?done(?:\s+yet)?\??$`),
	regexp.MustCompile(`(?i)^any\s+(?:update|updates|news|progress|luck)(?:\s+yet)?\??$`),
	regexp.MustCompile(`(?i)^how(?:'s|\s+is)\s+it\s+going\??$`),
	regexp.MustCompile(`(?i)^how\s+are\s+things(?:\s+going)?\??$`),
	regexp.MustCompile(`(?i)^(?:eta|progress|status\s+update)\??$`),
	regexp.MustCompile(`(?i)^(?:are\s+you\s+|is\s+it\s+)?(?:finished|ready)(?:\s+yet)?\??$`),
	regexp.MustCompile(`(?i)^what(?:'s|\s+is)\s+(?:the\s+)?(?:status|progress|happening)\??$`),
	regexp.MustCompile(`(?i)^(?:still\s+working(?:\s+on\s+it)?|you\s+still\s+there)\??$`),
}

var (
	reviewPRRe = regexp.MustCompile(`(?i)^review\s+(?:the\s+)?(?:pr|pull\s+request)\s+#?(\d+)(?:\s+(?:on|in)\s+(\S+))?$`)
	fixIssueRe = regexp.MustCompile(`(?i)^fix\s+(?:issue|bug)\s+#?(\d+)(?:\s+(?:on|in)\s+(\S+))?$`)
	simplifyRe = regexp.MustCompile(`(?i)^simplify\s+(\S+)(?:\s+(?:on|in)\s+(\S+))?$`)
	validateRe = regexp.MustCompile(`(?i)^validate\s+(\S+)$`)
	projectRe  = regexp.MustCompile(`(?i)^(?:create|new)\s+project\s+([\w.-]+)(?:\s+with\s+template\s+(\S+))?$`)
)

var (
	listSchedulesRe  = regexp.MustCompile(`(?i)^/?(?:list\s+schedules|show\s+my\s+schedules|what'?s\s+scheduled\??)$`)
	removeScheduleRe = regexp.MustCompile(`(?i)^(?:remove|delete|cancel)\s+schedule\s+#?(\d+)$`)

	scheduleEveryRe  = regexp.MustCompile(`(?i)\bevery\s+\w+`)
	scheduleEachRe   = regexp.MustCompile(`(?i)\beach\s+\w+`)
	schedulePeriodRe = regexp.MustCompile(`(?i)\b(?:daily|weekly|monthly)\b`)
)

var (
	discussRe       = regexp.MustCompile(`(?i)^(?:discuss|brainstorm)\s+(.+)$`)
	ideaOpenerRe    = regexp.MustCompile(`(?i)^i\s+have\s+(?:a|an)\s+(?:new\s+)?idea\b`)
	initRepoRe      = regexp.MustCompile(`(?i)^(?:init|setup|add)\s+repo\s+([\w.-]+)\s+(\S+)(?:\s+(\S+))?$`)
	shorthandRepoRe = regexp.MustCompile(`(?i)^(?:clone|setup|add|use)\s+([\w-]+)/([\w.-]+)$`)
	githubURLRe     = regexp.MustCompile(`(?i)\bgithub\.com[:/]([\w-]+)/([\w.-]+)`)
	setupVerbRe     = regexp.MustCompile(`(?i)\b(?:clone|set\s*up|setup|add|use|init|onboard)\b`)

	trailingRepoRe = regexp.MustCompile(`(?i)\s+(?:on|in)\s+(\S+)$`)
)

// Parse classifies one message. Priority markers are extracted first and
// removed from the text, then the classification rules run in order; the
// first match wins.
func Parse(text string) *ParsedMessage {
	text, priority := extractPriority(strings.TrimSpace(text))
	parsed := &ParsedMessage{
		Type:     TypeFreeForm,
		Args:     map[string]string{},
		RawText:  text,
		Priority: priority,
	}

	// Meta commands.
	switch {
	case helpRe.MatchString(text):
		parsed.Type = TypeHelp
		return parsed
	case statusRe.MatchString(text):
		parsed.Type = TypeStatus
		return parsed
	case historyRe.MatchString(text):
		parsed.Type = TypeHistory
		return parsed
	case clearRe.MatchString(text):
		parsed.Type = TypeClear
		return parsed
	case tasksRe.MatchString(text):
		parsed.Type = TypeTasks
		return parsed
	}
	if m := cancelRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeCancel
		parsed.Args["id"] = m[1]
		return parsed
	}
	if m := traceRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeTrace
		if m[1] != "" {
			parsed.Args["id"] = m[1]
		}
		return parsed
	}

	// Mode switches.
	if m := modeRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeMode
		parsed.Args["mode"] = strings.ToLower(m[1])
		return parsed
	}
	if assistantModeRe.MatchString(text) {
		parsed.Type = TypeMode
		parsed.Args["mode"] = "assistant"
		return parsed
	}
	if strictModeRe.MatchString(text) {
		parsed.Type = TypeMode
		parsed.Args["mode"] = "strict"
		return parsed
	}

	// Short conversational status probes.
	if len(text) < 60 {
		for _, re := range statusInquiryRes {
			if re.MatchString(text) {
				parsed.Type = TypeStatus
				return parsed
			}
		}
	}

	// Typed task intents.
	if m := reviewPRRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeReviewPR
		parsed.Args["number"] = m[1]
		parsed.Repo = cleanToken(m[2])
		return parsed
	}
	if m := fixIssueRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeFixIssue
		parsed.Args["number"] = m[1]
		parsed.Repo = cleanToken(m[2])
		return parsed
	}
	if m := simplifyRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeSimplify
		parsed.Args["path"] = m[1]
		parsed.Repo = cleanToken(m[2])
		return parsed
	}
	if m := validateRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeValidate
		parsed.Repo = cleanToken(m[1])
		return parsed
	}
	if m := projectRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeCreateProject
		parsed.Args["name"] = m[1]
		if m[2] != "" {
			parsed.Args["template"] = m[2]
		}
		parsed.Repo = m[1]
		return parsed
	}

	// Schedule management, then schedule creation.
	if listSchedulesRe.MatchString(text) {
		parsed.Type = TypeListSchedules
		return parsed
	}
	if m := removeScheduleRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeRemoveSchedule
		parsed.Args["id"] = m[1]
		return parsed
	}
	if scheduleEveryRe.MatchString(text) || scheduleEachRe.MatchString(text) || schedulePeriodRe.MatchString(text) {
		parsed.Type = TypeSchedule
		if m := trailingRepoRe.FindStringSubmatch(text); m != nil {
			parsed.Repo = cleanToken(m[1])
		}
		return parsed
	}

	// Discussion.
	if m := discussRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeDiscuss
		parsed.Args["topic"] = m[1]
		return parsed
	}
	if ideaOpenerRe.MatchString(text) {
		parsed.Type = TypeDiscuss
		parsed.Args["topic"] = text
		return parsed
	}

	// Repository onboarding.
	if m := initRepoRe.FindStringSubmatch(text); m != nil {
		parsed.Type = TypeInitRepo
		parsed.Args["name"] = m[1]
		parsed.Args["url"] = m[2]
		if m[3] != "" {
			parsed.Args["branch"] = m[3]
		}
		parsed.Repo = m[1]
		return parsed
	}
	if m := shorthandRepoRe.FindStringSubmatch(text); m != nil {
		return initRepoFromGitHub(parsed, m[1], m[2])
	}
	if m := githubURLRe.FindStringSubmatch(text); m != nil && setupVerbRe.MatchString(text) {
		return initRepoFromGitHub(parsed, m[1], m[2])
	}

	// Free-form fallback with an optional trailing repo hint.
	if m := trailingRepoRe.FindStringSubmatch(text); m != nil {
		parsed.Repo = cleanToken(m[1])
	}
	return parsed
}

func initRepoFromGitHub(parsed *ParsedMessage, owner, name string) *ParsedMessage {
	name = strings.TrimSuffix(cleanToken(name), ".git")
	parsed.Type = TypeInitRepo
	parsed.Args["name"] = name
	parsed.Args["owner"] = owner
	parsed.Args["url"] = "https://github.com/" + owner + "/" + name + ".git"
	parsed.Repo = name
	return parsed
}

// extractPriority pulls the first recognized priority marker out of the text
// and returns the rewritten text plus the mapped priority.
func extractPriority(text string) (string, int) {
	if m := priorityFlagRe.FindStringSubmatch(text); m != nil {
		rewritten := tidy(priorityFlagRe.ReplaceAllString(text, " "))
		switch strings.ToLower(m[1]) {
		case "urgent":
			return rewritten, PriorityUrgent
		case "high":
			return rewritten, PriorityHigh
		default:
			return rewritten, PriorityNormal
		}
	}
	if urgentPrefixRe.MatchString(text) {
		return tidy(urgentPrefixRe.ReplaceAllString(text, "")), PriorityUrgent
	}
	if importantRe.MatchString(text) {
		return tidy(importantRe.ReplaceAllString(text, " ")), PriorityHigh
	}
	if m := priorityShortRe.FindStringSubmatch(text); m != nil {
		rewritten := tidy(priorityShortRe.ReplaceAllString(text, "$1"))
		switch m[2] {
		case "0":
			return rewritten, PriorityUrgent
		case "1":
			return rewritten, PriorityHigh
		default:
			return rewritten, PriorityNormal
		}
	}
	return text, PriorityNormal
}

func tidy(text string) string {
	return strings.TrimSpace(doubleSpaceRe.ReplaceAllString(text, " "))
}

// cleanToken strips trailing punctuation from a captured repo-ish token.
func cleanToken(token string) string {
	return trailingPunctTok.ReplaceAllString(token, "")
}
