package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextHourDelay(t *testing.T) {
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		now       time.Time
		wantDelay time.Duration
		wantOK    bool
	}{
		{
			name:      "mid hour sleeps to two minutes before the boundary",
			now:       base.Add(30 * time.Minute),
			wantDelay: 28 * time.Minute,
			wantOK:    true,
		},
		{
			name:      "just outside the approach window still sleeps",
			now:       base.Add(57*time.Minute + 9*time.Second),
			wantDelay: 51 * time.Second,
			wantOK:    true,
		},
		{
			name:   "inside the approach window spins instead",
			now:    base.Add(57*time.Minute + 10*time.Second),
			wantOK: false,
		},
		{
			name:   "last second before the hour spins",
			now:    base.Add(59*time.Minute + 59*time.Second),
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, ok := nextHourDelay(tt.now)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				require.Equal(t, tt.wantDelay, delay)
			}
		})
	}
}

func TestNextHourDelayNeverOvershootsTheBoundary(t *testing.T) {
	nextHour := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)

	for offset := time.Second; offset < time.Hour; offset += 13 * time.Second {
		now := nextHour.Add(-offset)
		delay, ok := nextHourDelay(now)
		if !ok {
			continue
		}
		wake := now.Add(delay)
		require.True(t, wake.Before(nextHour), "wake %s is past the boundary", wake)
		require.LessOrEqual(t, nextHour.Sub(wake), wakeMargin, "wake %s leaves more than the intended margin", wake)
	}
}
