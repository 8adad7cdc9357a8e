package tokens

import "testing"

func TestCountEmpty(t *testing.T) {
	if got := ForModel("gpt-4o").Count(""); got != 0 {
		t.Fatalf("expected 0 tokens, got %d", got)
	}
}

func TestCountGrowsWithText(t *testing.T) {
	c := ForModel("claude-sonnet-4")
	short := c.Count("Book a grooming slot")
	long := c.Count("Book a grooming slot online and receive an SMS reminder the day before the appointment")
	if short <= 0 || long <= short {
		t.Fatalf("expected growing counts, got %d then %d", short, long)
	}
}

func TestApproximate(t *testing.T) {
	if got := Approximate("abcdefgh"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := Approximate("abc"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}
