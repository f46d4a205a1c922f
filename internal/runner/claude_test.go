package runner

import (
	"strings"
	"testing"
)

// feed pushes an NDJSON fixture through a stream one line at a time.
func feed(s stream, ndjson string) {
	for _, line := range strings.Split(ndjson, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.consume([]byte(line))
	}
}

func TestClaudeStreamEvents(t *testing.T) {
	fixture := `{"type":"system","subtype":"init","session_id":"abc"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at the repo."}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Read","input":{"file_path":"main.go"}}]}}
this line is not json
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Done, pushed a fix."}]}}
{"type":"result","subtype":"success","result":"Fixed the bug in main.go","is_error":false}`

	var events []StatusEvent
	s := &claudeStream{onStatus: func(ev StatusEvent) { events = append(events, ev) }}
	feed(s, fixture)

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != StatusText || events[0].Text != "Looking at the repo." {
		t.Errorf("events[0] = %+v, want text event", events[0])
	}
	if events[1].Kind != StatusTool || events[1].Tool != "Read" || events[1].Input != "main.go" {
		t.Errorf("events[1] = %+v, want Read tool event with main.go", events[1])
	}
	if events[2].Kind != StatusText || events[2].Text != "Done, pushed a fix." {
		t.Errorf("events[2] = %+v, want text event", events[2])
	}

	if got := s.finalOutput(); got != "Fixed the bug in main.go" {
		t.Errorf("finalOutput() = %q, want result record text", got)
	}
}

func TestClaudeStreamFallsBackToLastText(t *testing.T) {
	fixture := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"first"}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"last"}]}}`

	s := &claudeStream{}
	feed(s, fixture)

	if got := s.finalOutput(); got != "last" {
		t.Errorf("finalOutput() = %q, want %q", got, "last")
	}
}

func TestClaudeStreamEmptyResultFallsBack(t *testing.T) {
	fixture := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"did the thing"}]}}
{"type":"result","subtype":"success","result":""}`

	s := &claudeStream{}
	feed(s, fixture)

	if got := s.finalOutput(); got != "did the thing" {
		t.Errorf("finalOutput() = %q, want last assistant text", got)
	}
}

func TestClaudeStreamNoOutput(t *testing.T) {
	s := &claudeStream{}
	feed(s, `{"type":"system","subtype":"init"}`)

	if got := s.finalOutput(); got != "Task completed (no output)" {
		t.Errorf("finalOutput() = %q, want placeholder", got)
	}
}

func TestClaudeStreamSkipsBlankText(t *testing.T) {
	fixture := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"  \n"}]}}`

	var events []StatusEvent
	s := &claudeStream{onStatus: func(ev StatusEvent) { events = append(events, ev) }}
	feed(s, fixture)

	if len(events) != 0 {
		t.Errorf("got %d events for blank text, want 0", len(events))
	}
}

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string", `"all done"`, "all done"},
		{"object", `{"error":"boom"}`, `{"error":"boom"}`},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeResult([]byte(tt.raw)); got != tt.want {
				t.Errorf("decodeResult(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSummarizeInput(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"file path wins", map[string]any{"file_path": "a.go", "content": "long body"}, "a.go"},
		{"command", map[string]any{"command": "go test ./..."}, "go test ./..."},
		{"pattern", map[string]any{"pattern": "func main"}, "func main"},
		{"empty", map[string]any{}, ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summarizeInput(tt.input); got != tt.want {
				t.Errorf("summarizeInput() = %q, want %q", got, tt.want)
			}
		})
	}

	// Unknown keys fall back to truncated JSON.
	got := summarizeInput(map[string]any{"url": strings.Repeat("x", 500)})
	if !strings.HasPrefix(got, `{"url":"xxx`) {
		t.Errorf("summarizeInput fallback = %q, want JSON prefix", got)
	}
	if len([]rune(got)) != 120 {
		t.Errorf("summarized length = %d, want 120", len([]rune(got)))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q, want unchanged", got)
	}
	got := truncate(strings.Repeat("a", 50), 10)
	if got != "aaaaaaa..." {
		t.Errorf("truncate() = %q, want 7 a's plus ellipsis", got)
	}
}

func TestTailOf(t *testing.T) {
	if got := tailOf("short", 10); got != "short" {
		t.Errorf("tailOf() = %q, want unchanged", got)
	}
	if got := tailOf("abcdefghij", 3); got != "hij" {
		t.Errorf("tailOf() = %q, want %q", got, "hij")
	}
}
