package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"reviewline/internal/analysis"
	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
)

// ErrInvalidState is returned when retry targets a submission that is not
// currently failed.
var ErrInvalidState = errors.New("submission is not in a retryable state")

// ErrBusy is returned when an analysis call is already in flight for the
// submission id.
var ErrBusy = errors.New("analysis already in flight for this submission")

// ValidationError rejects bad intake before anything is persisted.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Analyzer analysis.Client
	Config   *config.Config
	Now      func() time.Time

	inflight *inflightSet
}

func New(db *sql.DB, cfg *config.Config, analyzer analysis.Client) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Analyzer: analyzer,
		Config:   cfg,
		Now:      time.Now,
		inflight: newInflightSet(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SubmitOptions are parameters for creating a submission.
type SubmitOptions struct {
	Rating     int
	ReviewText string
	UserID     string
	ActorID    string
}

// Outcome pairs the submission with the analysis result of this call.
// AnalysisErr is set when the model call failed; the submission then exists
// with ai_status failed and the caller decides how to surface that.
type Outcome struct {
	Submission  domain.Submission
	AnalysisErr string
}

// Submit persists a new submission as pending, runs analysis, and applies
// the outcome. Analysis failure is absorbed into the failed status; only
// validation and store errors abort the call.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (Outcome, error) {
	if e.Config == nil {
		return Outcome{}, errors.New("config not loaded")
	}
	if opts.Rating < 1 || opts.Rating > 5 {
		return Outcome{}, validationErrorf("rating must be between 1 and 5, got %d", opts.Rating)
	}
	review := strings.TrimSpace(opts.ReviewText)
	// The cap counts characters, not bytes; multi-byte reviews stay valid.
	if utf8.RuneCountInString(review) > e.Config.Limits.MaxReviewChars {
		return Outcome{}, validationErrorf("review text exceeds %d characters", e.Config.Limits.MaxReviewChars)
	}
	if review == "" && !e.Config.Limits.AllowEmptyReview {
		return Outcome{}, validationErrorf("review text is required")
	}

	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Submission{
		ID:         uuid.New().String(),
		Rating:     opts.Rating,
		ReviewText: review,
		AIStatus:   domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if opts.UserID != "" {
		s.UserID = &opts.UserID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSubmissionTx(ctx, tx, s); err != nil {
		return Outcome{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "submission.created", "submission", s.ID, e.actor(opts.ActorID), events.EventPayload{
		"rating":    s.Rating,
		"sentiment": domain.Sentiment(s.Rating),
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}

	if !e.inflight.tryAcquire(s.ID) {
		// A fresh uuid cannot be contested; seeing this means the gate leaked.
		return Outcome{}, ErrBusy
	}
	defer e.inflight.release(s.ID)

	return e.runAnalysis(ctx, s, domain.StatusPending, opts.ActorID)
}

// Retry re-runs analysis for a failed submission. At most one analysis call
// may be in flight per id; a concurrent retry fails fast with ErrBusy.
func (e Engine) Retry(ctx context.Context, id, actorID string) (Outcome, error) {
	if e.Config == nil {
		return Outcome{}, errors.New("config not loaded")
	}
	if !e.inflight.tryAcquire(id) {
		return Outcome{}, ErrBusy
	}
	defer e.inflight.release(id)

	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if s.AIStatus != domain.StatusFailed {
		return Outcome{}, fmt.Errorf("%w: ai_status is %s", ErrInvalidState, s.AIStatus)
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.IncrementRetryTx(ctx, tx, id, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Lost a race against another writer; the status check above saw failed.
			return Outcome{}, ErrInvalidState
		}
		return Outcome{}, fmt.Errorf("increment retry: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "submission.retried", "submission", id, e.actor(actorID), events.EventPayload{
		"retry_count": s.RetryCount + 1,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	s.RetryCount++
	s.UpdatedAt = now

	return e.runAnalysis(ctx, s, domain.StatusFailed, actorID)
}

// runAnalysis invokes the analyzer under the configured timeout and applies
// the terminal transition. expectedStatus is the status the row must still
// hold for the transition to apply.
func (e Engine) runAnalysis(ctx context.Context, s domain.Submission, expectedStatus, actorID string) (Outcome, error) {
	result, analysisErr := e.analyze(ctx, s.Rating, s.ReviewText)

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	var outcome Outcome
	if analysisErr == nil {
		if err := e.Repo.UpdateAnalysisTx(ctx, tx, s.ID, expectedStatus, domain.StatusSuccess, &result, now); err != nil {
			return Outcome{}, fmt.Errorf("apply analysis success: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "analysis.succeeded", "submission", s.ID, e.actor(actorID), events.EventPayload{
			"summary": result.Summary,
			"actions": len(result.Actions),
		}); err != nil {
			return Outcome{}, err
		}
	} else {
		if err := e.Repo.UpdateAnalysisTx(ctx, tx, s.ID, expectedStatus, domain.StatusFailed, nil, now); err != nil {
			return Outcome{}, fmt.Errorf("apply analysis failure: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "analysis.failed", "submission", s.ID, e.actor(actorID), events.EventPayload{
			"error": analysisErr.Error(),
		}); err != nil {
			return Outcome{}, err
		}
		outcome.AnalysisErr = analysisErr.Error()
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}

	updated, err := e.Repo.GetSubmission(ctx, s.ID)
	if err != nil {
		return Outcome{}, err
	}
	outcome.Submission = updated
	return outcome, nil
}

func (e Engine) analyze(ctx context.Context, rating int, reviewText string) (domain.AnalysisResult, error) {
	if e.Analyzer == nil {
		return domain.AnalysisResult{}, errors.New("analysis provider not configured")
	}
	timeout := 30 * time.Second
	if e.Config != nil && e.Config.Analysis.TimeoutSeconds > 0 {
		timeout = time.Duration(e.Config.Analysis.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.Analyzer.Analyze(ctx, rating, reviewText)
}

func (e Engine) actor(actorID string) string {
	if actorID == "" {
		return "anonymous"
	}
	return actorID
}

// inflightSet guards the at-most-one-analysis-per-id contract for a single
// process. The conditional UPDATEs in repo backstop anything that slips by.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

func (f *inflightSet) tryAcquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.ids[id]; held {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflightSet) release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}
