package domain

// Analysis statuses for a submission.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Sentiment buckets derived from the rating, never stored.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

type Submission struct {
	ID         string   `json:"id"`
	UserID     *string  `json:"user_id,omitempty"`
	Rating     int      `json:"rating" minimum:"1" maximum:"5"`
	ReviewText string   `json:"review_text,omitempty"`
	AIStatus   string   `json:"ai_status" enum:"pending,success,failed"`
	AISummary  *string  `json:"ai_summary,omitempty"`
	AIActions  []string `json:"ai_actions,omitempty"`
	AIResponse *string  `json:"ai_response,omitempty"`
	RetryCount int      `json:"retry_count"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

// AnalysisResult is the product of one successful model call.
type AnalysisResult struct {
	Summary  string   `json:"summary"`
	Actions  []string `json:"actions"`
	Response string   `json:"response"`
}

// Sentiment maps a rating to its bucket: >=4 positive, ==3 neutral, <=2 negative.
func Sentiment(rating int) string {
	switch {
	case rating >= 4:
		return SentimentPositive
	case rating == 3:
		return SentimentNeutral
	default:
		return SentimentNegative
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
