package runner

import (
	"testing"
)

func TestCodexStreamEvents(t *testing.T) {
	fixture := `{"type":"turn.started"}
{"type":"item.completed","item":{"id":"item_0","item_type":"reasoning","text":"thinking about it"}}
{"type":"item.completed","item":{"item_type":"command_execution","command":"go test ./...","exit_code":0}}
{"type":"item.completed","item":{"item_type":"agent_message","text":"All tests pass."}}
garbage line
{"type":"turn.completed","usage":{"input_tokens":10}}`

	var events []StatusEvent
	s := &codexStream{onStatus: func(ev StatusEvent) { events = append(events, ev) }}
	feed(s, fixture)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != StatusTool || events[0].Tool != "shell" || events[0].Input != "go test ./..." {
		t.Errorf("events[0] = %+v, want shell tool event", events[0])
	}
	if events[1].Kind != StatusText || events[1].Text != "All tests pass." {
		t.Errorf("events[1] = %+v, want text event", events[1])
	}

	if got := s.finalOutput(); got != "All tests pass." {
		t.Errorf("finalOutput() = %q, want last agent message", got)
	}
}

func TestCodexStreamNoOutput(t *testing.T) {
	s := &codexStream{}
	feed(s, `{"type":"turn.completed"}`)

	if got := s.finalOutput(); got != "Task completed (no output)" {
		t.Errorf("finalOutput() = %q, want placeholder", got)
	}
}

func TestCodexStreamIgnoresIncompleteItems(t *testing.T) {
	var events []StatusEvent
	s := &codexStream{onStatus: func(ev StatusEvent) { events = append(events, ev) }}
	feed(s, `{"type":"item.started","item":{"item_type":"agent_message","text":"partial"}}
{"type":"item.completed"}`)

	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}
