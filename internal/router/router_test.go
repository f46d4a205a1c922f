package router

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name string
		text string
		want MessageType
	}{
		{"help", "help", TypeHelp},
		{"slash help", "/help", TypeHelp},
		{"status", "status", TypeStatus},
		{"history", "history", TypeHistory},
		{"my tasks", "my tasks", TypeHistory},
		{"clear", "clear", TypeClear},
		{"reset", "reset", TypeClear},
		{"tasks", "tasks", TypeTasks},
		{"cancel", "cancel abc123", TypeCancel},
		{"trace bare", "trace", TypeTrace},
		{"trace with id", "trace abc123", TypeTrace},
		{"mode assistant", "mode assistant", TypeMode},
		{"assistant mode natural", "assistant mode", TypeMode},
		{"back to normal", "back to normal", TypeMode},
		{"done inquiry", "done?", TypeStatus},
		{"updates inquiry", "any updates?", TypeStatus},
		{"eta inquiry", "eta?", TypeStatus},
		{"hows it going", "how's it going", TypeStatus},
		{"review pr", "review pr #42 on my-app", TypeReviewPR},
		{"review pull request", "Review the pull request 7 in api", TypeReviewPR},
		{"fix issue", "fix issue #99 on backend", TypeFixIssue},
		{"fix issue no repo", "fix issue 12", TypeFixIssue},
		{"simplify", "simplify src/parser.go on api", TypeSimplify},
		{"validate", "validate my-app", TypeValidate},
		{"create project", "create project billing-service", TypeCreateProject},
		{"new project with template", "new project shop with template go-api", TypeCreateProject},
		{"list schedules", "list schedules", TypeListSchedules},
		{"show my schedules", "show my schedules", TypeListSchedules},
		{"whats scheduled", "what's scheduled?", TypeListSchedules},
		{"remove schedule", "remove schedule #3", TypeRemoveSchedule},
		{"cancel schedule", "cancel schedule 3", TypeRemoveSchedule},
		{"schedule every", "run the tests every morning on api", TypeSchedule},
		{"schedule daily", "daily dependency audit", TypeSchedule},
		{"schedule each", "each friday summarize open PRs", TypeSchedule},
		{"discuss", "discuss caching strategy", TypeDiscuss},
		{"brainstorm", "brainstorm names for the new service", TypeDiscuss},
		{"idea opener", "I have an idea for onboarding", TypeDiscuss},
		{"init repo", "init repo api git@github.com:acme/api.git", TypeInitRepo},
		{"init repo with branch", "add repo web https://github.com/acme/web.git develop", TypeInitRepo},
		{"shorthand clone", "clone acme/api", TypeInitRepo},
		{"github url with verb", "please set up github.com/acme/api for me", TypeInitRepo},
		{"free form", "refactor the payment retry logic", TypeFreeForm},
		{"free form question", "why is the build slow on tuesdays? investigate thoroughly please", TypeFreeForm},
		{"everything is not a schedule", "clean up everything in the utils package", TypeFreeForm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			if got.Type != tt.want {
				t.Errorf("Parse(%q).Type = %s, want %s", tt.text, got.Type, tt.want)
			}
		})
	}
}

func TestParseIsPure(t *testing.T) {
	text := "urgent: review pr #42 on my-app"
	first := Parse(text)
	second := Parse(text)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Parse is not deterministic: %+v vs %+v", first, second)
	}
}

func TestParseArgsAndRepo(t *testing.T) {
	p := Parse("review PR #42 on my-app")
	if p.Type != TypeReviewPR || p.Repo != "my-app" || p.Args["number"] != "42" {
		t.Errorf("unexpected parse: %+v", p)
	}
	if p.Priority != PriorityNormal {
		t.Errorf("expected default priority, got %d", p.Priority)
	}

	p = Parse("simplify internal/worker/worker.go in backend")
	if p.Args["path"] != "internal/worker/worker.go" || p.Repo != "backend" {
		t.Errorf("unexpected parse: %+v", p)
	}

	p = Parse("fix the flaky login test on my-app")
	if p.Type != TypeFreeForm || p.Repo != "my-app" {
		t.Errorf("expected free-form with repo hint, got %+v", p)
	}

	p = Parse("cancel 4fa21b")
	if p.Args["id"] != "4fa21b" {
		t.Errorf("expected cancel id captured, got %+v", p)
	}

	p = Parse("clone acme/api.git")
	if p.Args["name"] != "api" || p.Args["url"] != "https://github.com/acme/api.git" {
		t.Errorf("unexpected onboarding parse: %+v", p)
	}
}

func TestPriorityExtraction(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		priority int
		rewrite  string
	}{
		{"flag urgent", "fix the login bug --priority urgent", PriorityUrgent, "fix the login bug"},
		{"flag high", "fix the login bug --priority high", PriorityHigh, "fix the login bug"},
		{"flag normal", "fix the login bug --priority normal", PriorityNormal, "fix the login bug"},
		{"flag low", "fix the login bug --priority low", PriorityNormal, "fix the login bug"},
		{"flag mid-sentence", "fix the bug --priority urgent please", PriorityUrgent, "fix the bug please"},
		{"urgent prefix", "urgent: the deploy is broken", PriorityUrgent, "the deploy is broken"},
		{"important marker", "fix the flaky test !important", PriorityHigh, "fix the flaky test"},
		{"p0", "p0 rollback the release", PriorityUrgent, "rollback the release"},
		{"p1", "investigate latency p1", PriorityHigh, "investigate latency"},
		{"p2", "tidy the docs p2", PriorityNormal, "tidy the docs"},
		{"no marker", "just fix the bug", PriorityNormal, "just fix the bug"},
		{"p2p is not a marker", "debug the p2p sync", PriorityNormal, "debug the p2p sync"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.text)
			if p.Priority != tt.priority {
				t.Errorf("Parse(%q).Priority = %d, want %d", tt.text, p.Priority, tt.priority)
			}
			if p.RawText != tt.rewrite {
				t.Errorf("Parse(%q).RawText = %q, want %q", tt.text, p.RawText, tt.rewrite)
			}
		})
	}
}

func TestStatusInquiryLengthGate(t *testing.T) {
	long := "done? " + strings.Repeat("and also please check the deployment pipeline ", 3)
	p := Parse(long)
	if p.Type == TypeStatus {
		t.Errorf("long message should not classify as a status probe: %q", long)
	}
}
