package backoff

import (
	"testing"
	"time"
)

func TestWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := WithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := WithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > 4*time.Second {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	for attempt := 4; attempt < 80; attempt++ {
		if b := WithJitter(base, max, attempt); b < max/2 || b > max {
			t.Fatalf("attempt %d: %s not capped", attempt, b)
		}
	}
}

func TestWithJitterDegenerate(t *testing.T) {
	if got := WithJitter(time.Second, time.Minute, 0); got != time.Second {
		t.Fatalf("attempt 0 = %s", got)
	}
	if got := WithJitter(0, 0, 5); got != 0 {
		t.Fatalf("zero curve = %s", got)
	}
}
