package executor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestBackoffCapsAtMax(t *testing.T) {
	p := RetryPolicy{PollInterval: 500 * time.Millisecond, MaxInterval: 3 * time.Second, MaxAttempts: 10}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Fatalf("attempt %d: want %s, got %s", i, w, got)
		}
	}
	if (RetryPolicy{}).Backoff(3) != 0 {
		t.Fatalf("zero policy should not sleep")
	}
	if (RetryPolicy{}).Attempts() != 1 {
		t.Fatalf("zero policy should try once")
	}
}

func TestSleepContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestBoundedBuffer(t *testing.T) {
	b := newBoundedBuffer(5)
	n, err := b.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("write: %d %v", n, err)
	}
	if n, _ := b.Write([]byte("defgh")); n != 5 {
		t.Fatalf("short write reported: %d", n)
	}
	if !b.Truncated() || b.String() != "abcde"+truncationMarker {
		t.Fatalf("unexpected buffer %q", b.String())
	}
	b.Write([]byte("more"))
	if !strings.HasPrefix(b.String(), "abcde") {
		t.Fatalf("buffer grew past limit: %q", b.String())
	}
}

func TestPercentageScoreParser(t *testing.T) {
	cases := []struct {
		name string
		out  string
		want *float64
	}{
		{"single", "Score: 75%\n", ptr(75)},
		{"last wins", "Score: 10%\nmore\nScore: 90.5%\n", ptr(90.5)},
		{"indented with spaces", "  Score:  42 %  \n", ptr(42)},
		{"crlf", "Score: 12%\r\n", ptr(12)},
		{"missing", "no score here\n", nil},
		{"mid line ignored", "my Score: 50%\n", nil},
		{"no percent", "Score: 50\n", nil},
	}
	var p PercentageScoreParser
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Parse(tc.out)
			switch {
			case tc.want == nil && got != nil:
				t.Fatalf("want nil, got %v", *got)
			case tc.want != nil && (got == nil || *got != *tc.want):
				t.Fatalf("want %v, got %v", *tc.want, got)
			}
		})
	}
}

func ptr(v float64) *float64 { return &v }
