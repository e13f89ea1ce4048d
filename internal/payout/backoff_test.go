package payout

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		2 * time.Minute, // capped
		2 * time.Minute,
	}
	for attempt := 1; attempt <= len(expected); attempt++ {
		base := expected[attempt-1]
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		for i := 0; i < 100; i++ {
			d := backoff(attempt, rng)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffClampsAttempt(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := backoff(0, rng)
	if d < time.Duration(float64(2*time.Second)*0.8) || d > time.Duration(float64(2*time.Second)*1.2) {
		t.Errorf("attempt 0 treated as first attempt, got %v", d)
	}
}
