package schedule

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

type fakeInfer struct {
	answer string
	err    error
	prompt string
}

func (f *fakeInfer) Infer(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.answer, f.err
}

func newTestCreator(t *testing.T, infer Inferencer) *Creator {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return NewCreator(infer, log)
}

func TestCreatorParsesBareJSON(t *testing.T) {
	infer := &fakeInfer{answer: `{"schedule":"0 9 * * 1-5","prompt":"run the linter","repo":"api","description":"weekday lint"}`}
	c := newTestCreator(t, infer)

	got, err := c.Parse(context.Background(), "lint api every weekday morning")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Schedule != "0 9 * * 1-5" || got.Prompt != "run the linter" || got.Repo != "api" {
		t.Errorf("Parse() = %+v", got)
	}
	if !strings.Contains(infer.prompt, "lint api every weekday morning") {
		t.Error("request text missing from inference prompt")
	}
}

func TestCreatorStripsCodeFence(t *testing.T) {
	infer := &fakeInfer{answer: "```json\n{\"schedule\":\"*/30 * * * *\",\"prompt\":\"check ci\",\"repo\":null,\"description\":\"ci watch\"}\n```"}
	c := newTestCreator(t, infer)

	got, err := c.Parse(context.Background(), "check ci every half hour")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Schedule != "*/30 * * * *" {
		t.Errorf("Schedule = %q", got.Schedule)
	}
	if got.Repo != "" {
		t.Errorf("Repo = %q, want empty for null", got.Repo)
	}
}

func TestCreatorExtractsEmbeddedObject(t *testing.T) {
	infer := &fakeInfer{answer: "Here you go:\n{\"schedule\":\"0 0 * * *\",\"prompt\":\"nightly report\",\"repo\":\"api\",\"description\":\"nightly\"}\nLet me know if that works."}
	c := newTestCreator(t, infer)

	got, err := c.Parse(context.Background(), "nightly report on api")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Prompt != "nightly report" {
		t.Errorf("Prompt = %q", got.Prompt)
	}
}

func TestCreatorRejectsInvalidCron(t *testing.T) {
	infer := &fakeInfer{answer: `{"schedule":"every morning","prompt":"lint","repo":"api","description":""}`}
	c := newTestCreator(t, infer)

	if _, err := c.Parse(context.Background(), "lint every morning"); err == nil {
		t.Fatal("Parse() = nil error, want invalid cron rejection")
	}
}

func TestCreatorRejectsMissingPrompt(t *testing.T) {
	infer := &fakeInfer{answer: `{"schedule":"* * * * *","prompt":"","repo":"api","description":""}`}
	c := newTestCreator(t, infer)

	if _, err := c.Parse(context.Background(), "do the thing"); err == nil {
		t.Fatal("Parse() = nil error, want missing prompt rejection")
	}
}

func TestCreatorPropagatesInferError(t *testing.T) {
	infer := &fakeInfer{err: errors.New("cli unavailable")}
	c := newTestCreator(t, infer)

	if _, err := c.Parse(context.Background(), "anything"); err == nil {
		t.Fatal("Parse() = nil error, want inference failure")
	}
}

func TestCreatorRejectsNonJSON(t *testing.T) {
	infer := &fakeInfer{answer: "I cannot schedule that."}
	c := newTestCreator(t, infer)

	if _, err := c.Parse(context.Background(), "anything"); err == nil {
		t.Fatal("Parse() = nil error, want parse failure")
	}
}
