package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	defer limiter.Stop()

	// limit=3: three requests fit, the fourth is blocked.
	for i := 1; i <= 3; i++ {
		res := limiter.Allow("svc", "client-a", 3)
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.Remaining != 3-i {
			t.Errorf("request %d: Remaining = %d, want %d", i, res.Remaining, 3-i)
		}
	}

	res := limiter.Allow("svc", "client-a", 3)
	if res.Allowed {
		t.Error("fourth request should be blocked")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d on block, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > limiter.window {
		t.Errorf("RetryAfter = %s, want within (0, %s]", res.RetryAfter, limiter.window)
	}
	if res.Reset.IsZero() {
		t.Error("Reset must be populated on a blocked result")
	}
}

func TestRateLimiter_WindowRollover(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	defer limiter.Stop()

	current := time.Now()
	limiter.now = func() time.Time { return current }

	if res := limiter.Allow("svc", "client", 1); !res.Allowed {
		t.Fatal("first request should be allowed")
	}
	if res := limiter.Allow("svc", "client", 1); res.Allowed {
		t.Fatal("second request in the same window should be blocked")
	}

	// Advance past the window; the counter starts fresh.
	current = current.Add(limiter.window)
	if res := limiter.Allow("svc", "client", 1); !res.Allowed {
		t.Error("request after window rollover should be allowed")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	defer limiter.Stop()

	if res := limiter.Allow("svc", "client-a", 1); !res.Allowed {
		t.Fatal("client-a should be allowed")
	}
	if res := limiter.Allow("svc", "client-a", 1); res.Allowed {
		t.Fatal("client-a should now be blocked")
	}

	// A different client and a different service are unaffected.
	if res := limiter.Allow("svc", "client-b", 1); !res.Allowed {
		t.Error("client-b should have its own window")
	}
	if res := limiter.Allow("other", "client-a", 1); !res.Allowed {
		t.Error("other service should have its own window")
	}
}

func TestRateLimiter_ZeroLimitDisables(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		if res := limiter.Allow("svc", "client", 0); !res.Allowed {
			t.Fatalf("request %d blocked with limiting disabled", i)
		}
	}
	if limiter.Size() != 0 {
		t.Errorf("disabled keys should not be tracked, Size = %d", limiter.Size())
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiterWithConfig(time.Second, time.Hour)
	defer limiter.Stop()

	current := time.Now()
	limiter.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		limiter.Allow("svc", fmt.Sprintf("client-%d", i), 5)
	}
	if limiter.Size() != 10 {
		t.Fatalf("Size = %d, want 10", limiter.Size())
	}

	current = current.Add(2 * time.Second)
	limiter.sweep()
	if limiter.Size() != 0 {
		t.Errorf("Size = %d after sweep, want 0", limiter.Size())
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	defer limiter.Stop()

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	allowed := make([]int, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if limiter.Allow("svc", "shared", 100).Allowed {
					allowed[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	if total != 100 {
		t.Errorf("allowed %d of %d requests, want exactly the limit 100", total, workers*perWorker)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	limiter.StartSweep()
	limiter.Stop()
	limiter.Stop()
}
