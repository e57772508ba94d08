// Package srs implements the spaced-repetition interval scheduler: a
// pure function over one review's scalars, invoked synchronously per
// review submission. It holds no state and performs no I/O.
package srs

import (
	"fmt"
	"math"
	"time"
)

// MinEaseFactor is the SM-2 floor; below it every card degenerates
// into a daily review.
const MinEaseFactor = 1.3

// correctThreshold is the quality at or above which a review counts as
// a successful recall.
const correctThreshold = 3

// Schedule is the outcome of one review.
type Schedule struct {
	NewEaseFactor  float64   `json:"newEaseFactor"`
	NewInterval    int       `json:"newInterval"` // days
	NewRepetitions int       `json:"newRepetitions"`
	NextReviewDate time.Time `json:"nextReviewDate"`
}

// CalculateNextReview applies the SM-2-style update. quality is the
// recall rating 0..5; easeFactor, interval (days) and repetitions are
// the card's current scheduling state. An out-of-range quality is the
// only error.
func CalculateNextReview(easeFactor float64, interval, repetitions, quality int, now time.Time) (Schedule, error) {
	if quality < 0 || quality > 5 {
		return Schedule{}, fmt.Errorf("quality %d out of range 0..5", quality)
	}
	if easeFactor < MinEaseFactor {
		easeFactor = MinEaseFactor
	}
	if interval < 1 {
		interval = 1
	}

	var s Schedule
	if quality < correctThreshold {
		// Failed recall: back to the relearning step. The ease factor
		// still takes the SM-2 penalty.
		s.NewRepetitions = 0
		s.NewInterval = 1
	} else {
		s.NewRepetitions = repetitions + 1
		next := math.Round(float64(interval) * adjustEase(easeFactor, quality))
		if next <= float64(interval) {
			next = float64(interval) + 1
		}
		s.NewInterval = int(next)
	}
	s.NewEaseFactor = adjustEase(easeFactor, quality)
	s.NextReviewDate = now.AddDate(0, 0, s.NewInterval)
	return s, nil
}

// adjustEase applies the canonical SM-2 ease update, clamped at the
// floor.
func adjustEase(easeFactor float64, quality int) float64 {
	q := float64(quality)
	ef := easeFactor + (0.1 - (5-q)*(0.08+(5-q)*0.02))
	if ef < MinEaseFactor {
		return MinEaseFactor
	}
	return ef
}
