package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestThrottleState_Extend(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		existing  time.Time
		retry     time.Duration
		wantUntil time.Time
	}{
		{
			name:      "empty state",
			retry:     3 * time.Second,
			wantUntil: now.Add(3 * time.Second),
		},
		{
			name:      "later window kept",
			existing:  now.Add(10 * time.Second),
			retry:     2 * time.Second,
			wantUntil: now.Add(10 * time.Second),
		},
		{
			name:      "earlier window replaced",
			existing:  now.Add(time.Second),
			retry:     4 * time.Second,
			wantUntil: now.Add(4 * time.Second),
		},
		{
			name:      "capped",
			retry:     time.Hour,
			wantUntil: now.Add(MaxThrottleWindow),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ThrottleState{ThrottledUntil: tt.existing}
			s.Extend(now, tt.retry)
			if !s.ThrottledUntil.Equal(tt.wantUntil) {
				t.Errorf("ThrottledUntil = %v, want %v", s.ThrottledUntil, tt.wantUntil)
			}
			if s.Count != 1 {
				t.Errorf("Count = %d, want 1", s.Count)
			}
		})
	}
}

func TestThrottleState_TimeUntilReset(t *testing.T) {
	past := ThrottleState{ThrottledUntil: time.Now().Add(-time.Second)}
	if past.TimeUntilReset() != 0 || past.IsThrottled() {
		t.Error("expired window should report no wait")
	}

	future := ThrottleState{ThrottledUntil: time.Now().Add(time.Minute)}
	if !future.IsThrottled() {
		t.Error("open window should report throttled")
	}
	if d := future.TimeUntilReset(); d <= 0 || d > time.Minute {
		t.Errorf("TimeUntilReset() = %v", d)
	}
}

func TestTracker_LocalWaitHonorsWindow(t *testing.T) {
	tracker := NewTracker(nil, DefaultConfig(), testLogger())
	ctx := context.Background()

	if err := tracker.RecordThrottle(ctx, 150*time.Millisecond); err != nil {
		t.Fatalf("RecordThrottle() error = %v", err)
	}

	start := time.Now()
	if err := tracker.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Wait() returned after %v, want >= ~150ms", elapsed)
	}
}

func TestTracker_WaitCancelled(t *testing.T) {
	tracker := NewTracker(nil, DefaultConfig(), testLogger())
	_ = tracker.RecordThrottle(context.Background(), time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tracker.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestTracker_Pacing(t *testing.T) {
	tracker := NewTracker(nil, Config{RequestsPerSecond: 20, Burst: 1}, testLogger())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tracker.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// Two paced slots at 20/s.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 waits took %v, want >= ~100ms", elapsed)
	}
}

func TestTracker_RedisSharedWindow(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	defer client.Close()
	client.Del(ctx, RedisKeyThrottledUntil, RedisKeyThrottleCount, RedisKeyLastUpdate)

	writer := NewTracker(client, DefaultConfig(), testLogger())
	reader := NewTracker(client, DefaultConfig(), testLogger())

	if err := writer.RecordThrottle(ctx, 30*time.Second); err != nil {
		t.Fatalf("RecordThrottle() error = %v", err)
	}

	state, err := reader.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsThrottled() {
		t.Error("second tracker should see the shared throttle window")
	}
	if state.Count != 1 {
		t.Errorf("Count = %d, want 1", state.Count)
	}

	client.Del(ctx, RedisKeyThrottledUntil, RedisKeyThrottleCount, RedisKeyLastUpdate)
}
