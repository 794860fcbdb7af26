package agent

import (
	"context"
	"testing"
)

func TestResolveModelPrecedence(t *testing.T) {
	cases := []struct {
		name                                             string
		job, hook, session, def, want                   string
	}{
		{"job wins", "job-model", "hook-model", "sess-model", "def-model", "job-model"},
		{"hook wins without job", "", "hook-model", "sess-model", "def-model", "hook-model"},
		{"session wins without job/hook", "", "", "sess-model", "def-model", "sess-model"},
		{"falls back to default", "", "", "", "def-model", "def-model"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ResolveModel(c.job, c.hook, c.session, c.def)
			if got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestResolveThinkingLevelDowngradesXHigh(t *testing.T) {
	got := ResolveThinkingLevel("", "", ThinkXHigh, false)
	if got != ThinkHigh {
		t.Fatalf("expected xhigh downgraded to high, got %q", got)
	}
}

func TestResolveThinkingLevelKeepsXHighWhenSupported(t *testing.T) {
	got := ResolveThinkingLevel("", "", ThinkXHigh, true)
	if got != ThinkXHigh {
		t.Fatalf("expected xhigh preserved, got %q", got)
	}
}

func TestResolveThinkingLevelPrecedence(t *testing.T) {
	got := ResolveThinkingLevel(ThinkLow, ThinkMedium, ThinkHigh, true)
	if got != ThinkLow {
		t.Fatalf("expected job-level override to win, got %q", got)
	}
}

func TestIsRetryableRejectsCancellation(t *testing.T) {
	if isRetryable(context.Canceled) {
		t.Fatalf("context.Canceled must not be retryable")
	}
}
