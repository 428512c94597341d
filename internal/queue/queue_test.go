package queue

import (
	"testing"
	"time"
)

func TestBackoff_Next(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"exponential first retry", Backoff{BackoffExponential, 2 * time.Second}, 1, 2 * time.Second},
		{"exponential second retry", Backoff{BackoffExponential, 2 * time.Second}, 2, 4 * time.Second},
		{"exponential third retry", Backoff{BackoffExponential, 2 * time.Second}, 3, 8 * time.Second},
		{"exponential capped", Backoff{BackoffExponential, time.Hour}, 10, maxBackoff},
		{"fixed", Backoff{BackoffFixed, 3 * time.Second}, 4, 3 * time.Second},
		{"no delay", Backoff{BackoffExponential, 0}, 2, 0},
		{"before first attempt", Backoff{BackoffExponential, time.Second}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.backoff.Next(tt.attempt); got != tt.want {
				t.Errorf("Next(%d) = %s, want %s", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	got := Options{Attempts: 5, JobID: "wf"}.withDefaults(DefaultOptions())

	if got.Attempts != 5 || got.JobID != "wf" {
		t.Errorf("explicit fields must be kept: %+v", got)
	}
	if got.Backoff != (Backoff{BackoffExponential, 2 * time.Second}) {
		t.Errorf("unexpected backoff %+v", got.Backoff)
	}
	if got.RemoveOnComplete != (Retention{Age: time.Hour, Count: 1000}) {
		t.Errorf("unexpected completed retention %+v", got.RemoveOnComplete)
	}
	if got.RemoveOnFail != (Retention{Age: 24 * time.Hour}) {
		t.Errorf("unexpected failed retention %+v", got.RemoveOnFail)
	}
}

func TestCanRetry(t *testing.T) {
	job := &Job{AttemptsMade: 2, Options: Options{Attempts: 3}}
	if !canRetry(job, true) {
		t.Error("attempts remain, should retry")
	}
	if canRetry(job, false) {
		t.Error("caller refused retry")
	}
	job.AttemptsMade = 3
	if canRetry(job, true) {
		t.Error("budget spent, must not retry")
	}
}
