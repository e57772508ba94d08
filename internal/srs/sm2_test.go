package srs

import (
	"math"
	"testing"
	"time"
)

var reviewTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestSuccessfulRecallGrowsTheInterval(t *testing.T) {
	s, err := CalculateNextReview(2.5, 1, 0, 4, reviewTime)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if s.NewRepetitions != 1 {
		t.Fatalf("expected repetitions 1, got %d", s.NewRepetitions)
	}
	if s.NewInterval <= 1 {
		t.Fatalf("a successful recall must push the interval out, got %d", s.NewInterval)
	}
	if want := reviewTime.AddDate(0, 0, s.NewInterval); !s.NextReviewDate.Equal(want) {
		t.Fatalf("next review %v does not match interval %d", s.NextReviewDate, s.NewInterval)
	}
}

func TestFailedRecallResetsRepetitions(t *testing.T) {
	s, err := CalculateNextReview(2.5, 10, 4, 2, reviewTime)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if s.NewRepetitions != 0 {
		t.Fatalf("failed recall should reset repetitions, got %d", s.NewRepetitions)
	}
	if s.NewInterval != 1 {
		t.Fatalf("failed recall should schedule for tomorrow, got %d", s.NewInterval)
	}
	if s.NewEaseFactor >= 2.5 {
		t.Fatalf("failed recall should lower the ease factor, got %v", s.NewEaseFactor)
	}
}

func TestPerfectRecallRaisesEase(t *testing.T) {
	s, err := CalculateNextReview(2.5, 6, 2, 5, reviewTime)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if math.Abs(s.NewEaseFactor-2.6) > 1e-9 {
		t.Fatalf("quality 5 should add 0.1 ease, got %v", s.NewEaseFactor)
	}
	if want := int(math.Round(6 * 2.6)); s.NewInterval != want {
		t.Fatalf("expected interval %d, got %d", want, s.NewInterval)
	}
}

func TestEaseFactorNeverFallsBelowFloor(t *testing.T) {
	ef := 2.5
	interval, reps := 1, 0
	for i := 0; i < 20; i++ {
		s, err := CalculateNextReview(ef, interval, reps, 0, reviewTime)
		if err != nil {
			t.Fatalf("calculate: %v", err)
		}
		if s.NewEaseFactor < MinEaseFactor {
			t.Fatalf("ease factor %v dropped below the floor", s.NewEaseFactor)
		}
		ef, interval, reps = s.NewEaseFactor, s.NewInterval, s.NewRepetitions
	}
	if ef != MinEaseFactor {
		t.Fatalf("repeated failures should pin ease at the floor, got %v", ef)
	}
}

func TestQualityOutOfRange(t *testing.T) {
	for _, q := range []int{-1, 6, 42} {
		if _, err := CalculateNextReview(2.5, 1, 0, q, reviewTime); err == nil {
			t.Errorf("quality %d should be rejected", q)
		}
	}
}

func TestDegenerateInputsAreNormalized(t *testing.T) {
	// Persisted state can be garbage after manual edits; the function
	// clamps rather than propagating it.
	s, err := CalculateNextReview(0.4, -3, 0, 4, reviewTime)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if s.NewInterval < 2 {
		t.Fatalf("clamped inputs should still grow the interval, got %d", s.NewInterval)
	}
	if s.NewEaseFactor < MinEaseFactor {
		t.Fatalf("ease factor below floor: %v", s.NewEaseFactor)
	}
}
