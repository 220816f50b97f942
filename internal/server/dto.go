package server

import (
	"reviewline/internal/domain"
	"reviewline/internal/stats"
)

type SubmitRequest struct {
	UserID *string `json:"user_id,omitempty" doc:"Optional end-user identifier"`
	Rating int     `json:"rating" minimum:"1" maximum:"5" doc:"Star rating"`
	Review string  `json:"review,omitempty" doc:"Free-text review, up to 8000 characters"`
}

type SubmissionResponse struct {
	ID         string   `json:"id"`
	UserID     *string  `json:"user_id,omitempty"`
	Rating     int      `json:"rating"`
	ReviewText string   `json:"review_text,omitempty"`
	Sentiment  string   `json:"sentiment" enum:"positive,neutral,negative"`
	AIStatus   string   `json:"ai_status" enum:"pending,success,failed"`
	AISummary  *string  `json:"ai_summary,omitempty"`
	AIActions  []string `json:"ai_actions,omitempty"`
	AIResponse *string  `json:"ai_response,omitempty"`
	RetryCount int      `json:"retry_count"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

// OutcomeResponse is the submit/retry reply: the submission plus an error
// indicator when the analysis call did not complete.
type OutcomeResponse struct {
	Submission    SubmissionResponse `json:"submission"`
	AIResponse    *string            `json:"ai_response,omitempty"`
	AnalysisError string             `json:"analysis_error,omitempty"`
}

type StatsResponse struct {
	Window int         `json:"window" doc:"Number of submissions the stats were computed over"`
	Stats  stats.Stats `json:"stats"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func submissionResponse(s domain.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:         s.ID,
		UserID:     s.UserID,
		Rating:     s.Rating,
		ReviewText: s.ReviewText,
		Sentiment:  domain.Sentiment(s.Rating),
		AIStatus:   s.AIStatus,
		AISummary:  s.AISummary,
		AIActions:  s.AIActions,
		AIResponse: s.AIResponse,
		RetryCount: s.RetryCount,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func mapSubmissions(items []domain.Submission) []SubmissionResponse {
	res := make([]SubmissionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, submissionResponse(s))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}
