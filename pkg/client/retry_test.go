package client

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func statusResp(code int, retryAfter string) *http.Response {
	h := http.Header{}
	if retryAfter != "" {
		h.Set("Retry-After", retryAfter)
	}
	return &http.Response{StatusCode: code, Header: h}
}

func TestRetryState_ThrottleThenSuccess(t *testing.T) {
	p := DefaultRetryPolicy()
	var s RetryState

	steps := []struct {
		resp          *http.Response
		wantAction    Action
		wantDelay     time.Duration
		wantThrottled int
	}{
		{statusResp(429, "2"), ActionRetry, 2 * time.Second, 1},
		{statusResp(429, ""), ActionRetry, p.DefaultRetryAfter, 2},
		{statusResp(200, ""), ActionReturn, 0, 0},
	}

	for i, step := range steps {
		d := s.Next(p, step.resp, nil)
		if d.Action != step.wantAction {
			t.Errorf("step %d: action = %v, want %v", i, d.Action, step.wantAction)
		}
		if d.Delay != step.wantDelay {
			t.Errorf("step %d: delay = %v, want %v", i, d.Delay, step.wantDelay)
		}
		if s.Throttled != step.wantThrottled {
			t.Errorf("step %d: Throttled = %d, want %d", i, s.Throttled, step.wantThrottled)
		}
		if s.Transient != 0 {
			t.Errorf("step %d: Transient = %d, want 0", i, s.Transient)
		}
	}
}

func TestRetryState_ThrottleExhaustedReturnsResponse(t *testing.T) {
	p := DefaultRetryPolicy()
	var s RetryState

	for i := 0; i < p.MaxThrottleRetries; i++ {
		if d := s.Next(p, statusResp(429, "1"), nil); d.Action != ActionRetry {
			t.Fatalf("attempt %d: action = %v, want retry", i, d.Action)
		}
	}

	d := s.Next(p, statusResp(429, "1"), nil)
	if d.Action != ActionReturn {
		t.Errorf("action = %v, want return", d.Action)
	}
	if d.Class != ErrorClassThrottle {
		t.Errorf("class = %v, want throttle", d.Class)
	}
}

func TestRetryState_ThrottleResetsTransient(t *testing.T) {
	p := DefaultRetryPolicy()
	var s RetryState

	s.Next(p, statusResp(503, ""), nil)
	s.Next(p, nil, errors.New("connection reset"))
	if s.Transient != 2 {
		t.Fatalf("Transient = %d, want 2", s.Transient)
	}

	s.Next(p, statusResp(429, "1"), nil)
	if s.Transient != 0 {
		t.Errorf("Transient after 429 = %d, want 0", s.Transient)
	}

	// A transient retry keeps the throttle counter.
	s.Next(p, statusResp(502, ""), nil)
	if s.Throttled != 1 {
		t.Errorf("Throttled after 502 = %d, want 1", s.Throttled)
	}
}

func TestRetryState_Transient(t *testing.T) {
	p := RetryPolicy{
		MaxThrottleRetries:  3,
		MaxTransientRetries: 3,
		TransientBackoff:    time.Second,
		DefaultRetryAfter:   5 * time.Second,
	}

	tests := []struct {
		name      string
		resp      *http.Response
		err       error
		wantClass ErrorClass
		wantDelay time.Duration
	}{
		{"network error", nil, errors.New("timeout"), ErrorClassNetwork, time.Second},
		{"401 is immediate", statusResp(401, ""), nil, ErrorClassAuth, 0},
		{"408 backoff", statusResp(408, ""), nil, ErrorClassTransient, time.Second},
		{"503 retry-after", statusResp(503, "7"), nil, ErrorClassTransient, 7 * time.Second},
		{"504 backoff", statusResp(504, ""), nil, ErrorClassTransient, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s RetryState
			d := s.Next(p, tt.resp, tt.err)
			if d.Action != ActionRetry {
				t.Fatalf("action = %v, want retry", d.Action)
			}
			if d.Class != tt.wantClass {
				t.Errorf("class = %v, want %v", d.Class, tt.wantClass)
			}
			if d.Delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", d.Delay, tt.wantDelay)
			}
			if s.Transient != 1 || s.Throttled != 0 {
				t.Errorf("counters = %+v, want transient 1", s)
			}
		})
	}
}

func TestRetryState_NetworkBackoffIsLinear(t *testing.T) {
	p := DefaultRetryPolicy()
	var s RetryState
	netErr := errors.New("dial tcp: refused")

	for i := 1; i <= p.MaxTransientRetries; i++ {
		d := s.Next(p, nil, netErr)
		if want := p.TransientBackoff * time.Duration(i); d.Delay != want {
			t.Errorf("attempt %d: delay = %v, want %v", i, d.Delay, want)
		}
	}

	if d := s.Next(p, nil, netErr); d.Action != ActionFail {
		t.Errorf("action after budget = %v, want fail", d.Action)
	}
}

func TestRetryState_UnretryableStatus(t *testing.T) {
	for _, code := range []int{400, 403, 404, 409, 500} {
		var s RetryState
		d := s.Next(DefaultRetryPolicy(), statusResp(code, "1"), nil)
		if d.Action != ActionReturn {
			t.Errorf("status %d: action = %v, want return", code, d.Action)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"seconds", "3", 3 * time.Second, true},
		{"zero", "0", 0, true},
		{"padded", " 10 ", 10 * time.Second, true},
		{"missing", "", 0, false},
		{"negative", "-4", 0, false},
		{"garbage", "soon", 0, false},
		{"past date", "Mon, 02 Jan 2006 15:04:05 GMT", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			got, ok := ParseRetryAfter(h)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, %v, want %v, %v", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	if got, ok := ParseRetryAfter(h); !ok || got < 28*time.Second || got > 30*time.Second {
		t.Errorf("future date = %v, %v, want ~30s", got, ok)
	}
}
