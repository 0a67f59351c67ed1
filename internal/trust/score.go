// Package trust computes a user's trust score from the ratings recorded
// against them in the ledger.
//
// The score is the arithmetic mean of all ratings. The running integer sum
// is kept alongside the mean so an incremental update and a full
// recomputation over the same multiset always agree exactly.
package trust

import (
	"errors"
	"fmt"
)

const (
	MinRating = 1
	MaxRating = 5
)

// ErrInvalidRating is returned for a rating outside [MinRating, MaxRating].
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// State is the persisted trust score of one user.
type State struct {
	TotalRatings int     `json:"total_ratings"`
	RatingSum    int     `json:"rating_sum"`
	AvgRating    float64 `json:"avg_rating"`
}

// ValidateRating reports whether value is an acceptable rating.
func ValidateRating(value int) error {
	if value < MinRating || value > MaxRating {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, value)
	}
	return nil
}

// ApplyRating folds one rating into s. On error s is returned unchanged.
func ApplyRating(s State, value int) (State, error) {
	if err := ValidateRating(value); err != nil {
		return s, err
	}
	s.TotalRatings++
	s.RatingSum += value
	s.AvgRating = mean(s.RatingSum, s.TotalRatings)
	return s, nil
}

// Recompute builds a State from scratch. The result does not depend on the
// order of values.
func Recompute(values []int) (State, error) {
	var s State
	for i, v := range values {
		next, err := ApplyRating(s, v)
		if err != nil {
			return State{}, fmt.Errorf("rating %d: %w", i, err)
		}
		s = next
	}
	return s, nil
}

func mean(sum, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}
