package domain

import "testing"

func TestValidateRequiresDirection(t *testing.T) {
	task := &Task{ID: "t1", Type: TypeImpl, Status: StatusPending}
	if err := task.Validate(); err == nil {
		t.Error("empty direction accepted")
	}

	task.Direction = "do the thing"
	if err := task.Validate(); err != nil {
		t.Errorf("valid task rejected: %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		StatusPending:       false,
		StatusRunning:       false,
		StatusNeedsDecision: false,
		StatusCompleted:     true,
		StatusFailed:        true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestResolveModelRouting(t *testing.T) {
	tests := []struct {
		taskType TaskType
		override string
		want     string
	}{
		{TypeImpl, "", "claude-sonnet-4-20250514"},
		{TypeTest, "", "claude-haiku-3-5-20241022"},
		{TypeReview, "", "claude-opus-4-20250514"},
		{TypeImpl, "claude-custom", "claude-custom"},
	}
	for _, tt := range tests {
		if got := ResolveModel(tt.taskType, tt.override); got != tt.want {
			t.Errorf("ResolveModel(%s, %q) = %q, want %q", tt.taskType, tt.override, got, tt.want)
		}
	}
}

func TestResolveCommandCarriesTier(t *testing.T) {
	got := ResolveCommand(TypeReview, "", "claude-opus-4-20250514")
	want := "claude-code --task-type review --tier heavy --model claude-opus-4-20250514"
	if got != want {
		t.Errorf("ResolveCommand = %q, want %q", got, want)
	}

	got = ResolveCommand(TypeTest, ExecutorOpenCode, "claude-haiku-3-5-20241022")
	want = "opencode --task-type test --tier fast --model claude-haiku-3-5-20241022"
	if got != want {
		t.Errorf("ResolveCommand = %q, want %q", got, want)
	}
}

func TestContextHelpers(t *testing.T) {
	task := &Task{Context: map[string]any{
		"retry_max":    float64(0), // JSON round trips numbers as float64
		"max_cost_usd": "2.5",
		"note":         "keep",
	}}

	if v, ok := task.ContextInt("retry_max"); !ok || v != 0 {
		t.Errorf("explicit zero lost: (%d, %v)", v, ok)
	}
	if _, ok := task.ContextInt("missing"); ok {
		t.Error("absent key reported as present")
	}
	if v, ok := task.ContextFloat("max_cost_usd"); !ok || v != 2.5 {
		t.Errorf("string number not coerced: (%v, %v)", v, ok)
	}
	if got := task.ContextString("note"); got != "keep" {
		t.Errorf("ContextString = %q", got)
	}
}
