package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	c := NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 100} {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Fatalf("attempt %d: delay = %s, want 5s", attempt, got)
		}
	}
}

func TestSequence_ClampsToLastElement(t *testing.T) {
	s := NewSequence(time.Second, 5*time.Second, 10*time.Second)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 10 * time.Second},
		{4, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := s.Delay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: delay = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestSequence_EmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("empty sequence should panic")
		}
	}()
	NewSequence()
}

func TestLinear(t *testing.T) {
	l := NewLinear(2*time.Second, 7*time.Second)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 6 * time.Second},
		{4, 7 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := l.Delay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: delay = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestExponential(t *testing.T) {
	e := NewExponential(time.Second, 10*time.Second)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := e.Delay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: delay = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := NewExponentialWithJitter(time.Second, 8*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		for range 50 {
			d := e.Delay(attempt)
			if d < 0 {
				t.Fatalf("attempt %d: negative delay %s", attempt, d)
			}
			if d > 8*time.Second {
				t.Fatalf("attempt %d: delay %s above cap", attempt, d)
			}
		}
	}
}
