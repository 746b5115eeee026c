package orchestrator

import (
	"testing"
	"time"
)

func TestComputeBudget(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		wantOK    bool
		want      time.Duration
	}{
		{"plenty of time", 500 * time.Second, true, 380 * time.Second},
		{"reserve would leave less than the minimum", 150 * time.Second, true, 60 * time.Second},
		{"just over the minimum", 61 * time.Second, true, 60 * time.Second},
		{"exactly the minimum", 60 * time.Second, false, 0},
		{"under a minute", 50 * time.Second, false, 0},
		{"past the deadline", -10 * time.Second, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ComputeBudget(tt.remaining, 2*time.Minute, time.Minute)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ComputeBudget(%v) = %v, %v; want %v, %v", tt.remaining, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
