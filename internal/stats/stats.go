// Package stats derives the operator dashboard numbers from a window of
// submissions. Everything is recomputed on every call; nothing here is
// cached or persisted, so the view can never drift from the store.
package stats

import "reviewline/internal/domain"

type Stats struct {
	Total           int            `json:"total"`
	CountsByRating  map[int]int    `json:"counts_by_rating"`
	SentimentCounts map[string]int `json:"sentiment_counts"`
	StatusCounts    map[string]int `json:"status_counts"`
	SuccessRate     float64        `json:"success_rate"`
	AverageRating   float64        `json:"average_rating"`
}

// Compute bundles every aggregate over the given submissions.
func Compute(subs []domain.Submission) Stats {
	return Stats{
		Total:           len(subs),
		CountsByRating:  CountByRating(subs),
		SentimentCounts: SentimentBuckets(subs),
		StatusCounts:    StatusCounts(subs),
		SuccessRate:     SuccessRate(subs),
		AverageRating:   AverageRating(subs),
	}
}

// CountByRating always carries all five keys so consumers can render a
// fixed histogram.
func CountByRating(subs []domain.Submission) map[int]int {
	counts := map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}
	for _, s := range subs {
		counts[s.Rating]++
	}
	return counts
}

// SentimentBuckets partitions every submission into exactly one bucket.
func SentimentBuckets(subs []domain.Submission) map[string]int {
	counts := map[string]int{
		domain.SentimentPositive: 0,
		domain.SentimentNeutral:  0,
		domain.SentimentNegative: 0,
	}
	for _, s := range subs {
		counts[domain.Sentiment(s.Rating)]++
	}
	return counts
}

func StatusCounts(subs []domain.Submission) map[string]int {
	counts := map[string]int{
		domain.StatusPending: 0,
		domain.StatusSuccess: 0,
		domain.StatusFailed:  0,
	}
	for _, s := range subs {
		counts[s.AIStatus]++
	}
	return counts
}

// SuccessRate is successes over total, 0 for an empty window.
func SuccessRate(subs []domain.Submission) float64 {
	if len(subs) == 0 {
		return 0
	}
	success := 0
	for _, s := range subs {
		if s.AIStatus == domain.StatusSuccess {
			success++
		}
	}
	return float64(success) / float64(len(subs))
}

// AverageRating is the mean rating, 0 for an empty window.
func AverageRating(subs []domain.Submission) float64 {
	if len(subs) == 0 {
		return 0
	}
	sum := 0
	for _, s := range subs {
		sum += s.Rating
	}
	return float64(sum) / float64(len(subs))
}
