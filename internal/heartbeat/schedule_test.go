package heartbeat

import (
	"testing"
	"time"
)

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	T := now.Add(-10 * time.Minute)
	past := now.Add(-72 * time.Hour).Unix()
	future := now.Add(2 * time.Hour).Truncate(time.Second)

	tests := []struct {
		name    string
		def     Definition
		lastRun time.Time
		want    time.Time
	}{
		{"interval from last run", Definition{Interval: 3600}, T, T.Add(time.Hour)},
		{"interval never run", Definition{Interval: 3600}, time.Time{}, now.Add(time.Hour)},
		{"interval overdue", Definition{Interval: 60}, now.Add(-time.Hour), now.Add(-59 * time.Minute)},
		{"fixed in the past fires now", Definition{At: past}, time.Time{}, now},
		{"fixed in the future", Definition{At: future.Unix()}, time.Time{}, future},
		{"fixed already ran", Definition{At: past}, now.Add(-time.Minute), time.Time{}},
		{"cron", Definition{Cron: "0 9 * * *"}, T, time.Date(2026, 3, 11, 9, 0, 0, 0, time.Local)},
		{"cron descriptor", Definition{Cron: "@hourly"}, time.Time{}, time.Date(2026, 3, 10, 13, 0, 0, 0, time.Local)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(&tt.def, tt.lastRun, now)
			if err != nil {
				t.Fatalf("NextRun: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextRun = %v, want %v", got, tt.want)
			}
		})
	}
}
