package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
)

type stubAnalyzer struct {
	fn func(ctx context.Context, rating int, reviewText string) (domain.AnalysisResult, error)
}

func (s *stubAnalyzer) Analyze(ctx context.Context, rating int, reviewText string) (domain.AnalysisResult, error) {
	return s.fn(ctx, rating, reviewText)
}

func okAnalyzer() *stubAnalyzer {
	return &stubAnalyzer{fn: func(ctx context.Context, rating int, reviewText string) (domain.AnalysisResult, error) {
		return domain.AnalysisResult{
			Summary:  "Customer praised delivery speed.",
			Actions:  []string{"Share with logistics team"},
			Response: "Thanks for the kind words!",
		}, nil
	}}
}

func failingAnalyzer() *stubAnalyzer {
	return &stubAnalyzer{fn: func(ctx context.Context, rating int, reviewText string) (domain.AnalysisResult, error) {
		return domain.AnalysisResult{}, errors.New("model unavailable")
	}}
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

// tick advances the pinned clock so ordering by created_at is observable.
func (e *testEnv) tick() {
	*e.clock = e.clock.Add(time.Second)
}

func newTestEnv(t *testing.T, analyzer *stubAnalyzer) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default(), analyzer)
	eng.Now = func() time.Time { return clock }
	return &testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}
}

func TestSubmitSuccess(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Rating:     5,
		ReviewText: "Fast delivery, great service.",
		UserID:     "user-1",
		ActorID:    "user-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s := out.Submission
	if s.AIStatus != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", s.AIStatus)
	}
	if out.AnalysisErr != "" {
		t.Fatalf("unexpected analysis error: %s", out.AnalysisErr)
	}
	if s.AISummary == nil || *s.AISummary == "" {
		t.Fatalf("expected summary on success")
	}
	if len(s.AIActions) == 0 {
		t.Fatalf("expected actions on success")
	}
	if s.AIResponse == nil || *s.AIResponse == "" {
		t.Fatalf("expected response on success")
	}
	if s.UserID == nil || *s.UserID != "user-1" {
		t.Fatalf("expected user id to persist")
	}
	if s.RetryCount != 0 {
		t.Fatalf("fresh submission should have retry_count 0, got %d", s.RetryCount)
	}
}

func TestSubmitAnalysisFailure(t *testing.T) {
	env := newTestEnv(t, failingAnalyzer())
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 2, ReviewText: "App crashes on login."})
	if err != nil {
		t.Fatalf("submit should not error on analysis failure: %v", err)
	}
	s := out.Submission
	if s.AIStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", s.AIStatus)
	}
	if out.AnalysisErr == "" {
		t.Fatalf("expected analysis error indicator")
	}
	if s.AISummary != nil || s.AIResponse != nil || len(s.AIActions) != 0 {
		t.Fatalf("failed submission must not carry result fields")
	}
}

func TestSubmitRejectsInvalidRating(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	for _, rating := range []int{0, -1, 6} {
		_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: rating, ReviewText: "x"})
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("rating %d: expected validation error, got %v", rating, err)
		}
	}
	items, err := env.Engine.Repo.ListSubmissions(env.Ctx, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("rejected submissions must not be persisted, found %d", len(items))
	}
}

func TestSubmitRejectsOversizedReview(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	long := strings.Repeat("a", env.Engine.Config.Limits.MaxReviewChars+1)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 3, ReviewText: long})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitReviewCapCountsCharacters(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	// 5000 characters but 15000 bytes; well within the 8000-character cap.
	review := strings.Repeat("世", 5000)
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 5, ReviewText: review})
	if err != nil {
		t.Fatalf("multi-byte review within cap rejected: %v", err)
	}
	if out.Submission.ReviewText != review {
		t.Fatalf("review text must round-trip unchanged")
	}

	over := strings.Repeat("世", env.Engine.Config.Limits.MaxReviewChars+1)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 5, ReviewText: over})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error past the character cap, got %v", err)
	}
}

func TestSubmitEmptyReviewDisallowedByConfig(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	env.Engine.Config.Limits.AllowEmptyReview = false
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 4, ReviewText: "   "})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitEmptyReviewAllowedByDefault(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 1, ReviewText: ""})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Submission.AIStatus != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", out.Submission.AIStatus)
	}
	if out.Submission.ReviewText != "" {
		t.Fatalf("expected empty review text to persist as empty")
	}
}

func TestRetryUnknownID(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	_, err := env.Engine.Retry(env.Ctx, "missing-id", "op")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 5, ReviewText: "great"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.Retry(env.Ctx, out.Submission.ID, "op")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	got, err := env.Engine.Repo.GetSubmission(env.Ctx, out.Submission.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetryCount != 0 {
		t.Fatalf("rejected retry must not bump retry_count, got %d", got.RetryCount)
	}
}

func TestRetryTransitionsFailedToSuccess(t *testing.T) {
	analyzer := failingAnalyzer()
	env := newTestEnv(t, analyzer)
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 1, ReviewText: "broken checkout"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Submission.AIStatus != domain.StatusFailed {
		t.Fatalf("precondition: expected failed, got %s", out.Submission.AIStatus)
	}

	analyzer.fn = okAnalyzer().fn
	env.tick()
	retried, err := env.Engine.Retry(env.Ctx, out.Submission.ID, "op")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	s := retried.Submission
	if s.AIStatus != domain.StatusSuccess {
		t.Fatalf("expected success after retry, got %s", s.AIStatus)
	}
	if s.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", s.RetryCount)
	}
	if s.AISummary == nil || s.AIResponse == nil || len(s.AIActions) == 0 {
		t.Fatalf("expected result fields after successful retry")
	}
	if s.UpdatedAt == out.Submission.UpdatedAt {
		t.Fatalf("expected updated_at to move on retry")
	}
}

func TestRetryKeepsFailedOnRepeatedFailure(t *testing.T) {
	env := newTestEnv(t, failingAnalyzer())
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 2, ReviewText: "slow"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 1; i <= 3; i++ {
		retried, err := env.Engine.Retry(env.Ctx, out.Submission.ID, "op")
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if retried.Submission.AIStatus != domain.StatusFailed {
			t.Fatalf("retry %d: expected failed, got %s", i, retried.Submission.AIStatus)
		}
		if retried.Submission.RetryCount != i {
			t.Fatalf("retry %d: expected retry_count %d, got %d", i, i, retried.Submission.RetryCount)
		}
		if retried.AnalysisErr == "" {
			t.Fatalf("retry %d: expected analysis error indicator", i)
		}
	}
}

func TestConcurrentRetryRejected(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	first := true
	var mu sync.Mutex
	analyzer := &stubAnalyzer{fn: func(ctx context.Context, rating int, reviewText string) (domain.AnalysisResult, error) {
		mu.Lock()
		blockThis := first
		first = false
		mu.Unlock()
		if blockThis {
			return domain.AnalysisResult{}, errors.New("seed failure")
		}
		close(entered)
		<-unblock
		return domain.AnalysisResult{
			Summary:  "s",
			Actions:  []string{"a"},
			Response: "r",
		}, nil
	}}
	env := newTestEnv(t, analyzer)
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 1, ReviewText: "bad"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := out.Submission.ID

	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.Retry(env.Ctx, id, "op-a")
		done <- err
	}()
	<-entered

	_, err = env.Engine.Retry(env.Ctx, id, "op-b")
	if !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent retry, got %v", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first retry: %v", err)
	}

	got, err := env.Engine.Repo.GetSubmission(env.Ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("exactly one retry should have run, retry_count=%d", got.RetryCount)
	}
	if got.AIStatus != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", got.AIStatus)
	}
}

func TestEventsJournaled(t *testing.T) {
	env := newTestEnv(t, failingAnalyzer())
	out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 2, ReviewText: "meh", ActorID: "user-2"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Retry(env.Ctx, out.Submission.ID, "op"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "submission", out.Submission.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]int{}
	for _, ev := range events {
		types[ev.Type]++
	}
	if types["submission.created"] != 1 {
		t.Fatalf("expected one submission.created, got %d", types["submission.created"])
	}
	if types["submission.retried"] != 1 {
		t.Fatalf("expected one submission.retried, got %d", types["submission.retried"])
	}
	if types["analysis.failed"] != 2 {
		t.Fatalf("expected two analysis.failed, got %d", types["analysis.failed"])
	}
}

func TestListOrderingNewestFirst(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	var ids []string
	for i := 0; i < 3; i++ {
		out, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 4, ReviewText: "ok"})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, out.Submission.ID)
		env.tick()
	}
	items, err := env.Engine.Repo.ListSubmissions(env.Ctx, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(items))
	}
	for i := range items {
		if items[i].ID != ids[len(ids)-1-i] {
			t.Fatalf("expected newest first ordering")
		}
	}
	limited, err := env.Engine.Repo.ListSubmissions(env.Ctx, 2, "")
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	again, err := env.Engine.Repo.ListSubmissions(env.Ctx, 10, "")
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	if len(again) != len(items) {
		t.Fatalf("repeated read must be identical")
	}
	for i := range items {
		if again[i].ID != items[i].ID || again[i].UpdatedAt != items[i].UpdatedAt {
			t.Fatalf("repeated read must be identical at index %d", i)
		}
	}
}

func TestListSinceFilter(t *testing.T) {
	env := newTestEnv(t, okAnalyzer())
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 4, ReviewText: "ok"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		env.tick()
	}
	// Clock started at the epoch of the pinned date and ticked once per
	// submission, so a cutoff after the first creation keeps the last two.
	cutoff := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC).Format(time.RFC3339)
	items, err := env.Engine.Repo.ListSubmissions(env.Ctx, 10, cutoff)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 submissions at or after cutoff, got %d", len(items))
	}
	all, err := env.Engine.Repo.ListSubmissions(env.Ctx, 10, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("empty since must not filter, got %d", len(all))
	}
}

// Mixed outcomes end-to-end: two submissions, one failing then recovered via
// retry, and the final store state reflects both journeys.
func TestSubmitRetryScenario(t *testing.T) {
	analyzer := okAnalyzer()
	env := newTestEnv(t, analyzer)

	good, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 5, ReviewText: "love it"})
	if err != nil {
		t.Fatalf("submit good: %v", err)
	}
	env.tick()

	analyzer.fn = failingAnalyzer().fn
	bad, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Rating: 1, ReviewText: "hate it"})
	if err != nil {
		t.Fatalf("submit bad: %v", err)
	}
	env.tick()

	analyzer.fn = okAnalyzer().fn
	recovered, err := env.Engine.Retry(env.Ctx, bad.Submission.ID, "op")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	if good.Submission.AIStatus != domain.StatusSuccess {
		t.Fatalf("good submission should be success")
	}
	if recovered.Submission.AIStatus != domain.StatusSuccess || recovered.Submission.RetryCount != 1 {
		t.Fatalf("recovered submission should be success with retry_count 1")
	}
	items, err := env.Engine.Repo.ListSubmissions(env.Ctx, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(items))
	}
}
