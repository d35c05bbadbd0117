package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}

	tests := []struct {
		attempt   int
		exhausted bool
	}{
		{attempt: 0, exhausted: false},
		{attempt: 1, exhausted: false},
		{attempt: 2, exhausted: false},
		{attempt: 3, exhausted: true},
		{attempt: 4, exhausted: true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.exhausted, p.Exhausted(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  5 * time.Second,
		MaxDelay:   2 * time.Minute,
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", attempt: 1, want: 5 * time.Second},
		{name: "second attempt doubles", attempt: 2, want: 10 * time.Second},
		{name: "third attempt", attempt: 3, want: 20 * time.Second},
		{name: "fifth attempt", attempt: 5, want: 80 * time.Second},
		{name: "sixth attempt capped", attempt: 6, want: 2 * time.Minute},
		{name: "far past the cap", attempt: 20, want: 2 * time.Minute},
		{name: "shift overflow territory", attempt: 64, want: 2 * time.Minute},
		{name: "zero attempt treated as first", attempt: 0, want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(tt.attempt))
		})
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 5*time.Second, p.BaseDelay)
	assert.Equal(t, 2*time.Minute, p.MaxDelay)
}
