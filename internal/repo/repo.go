package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"reviewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const submissionColumns = `id,user_id,rating,review_text,ai_status,ai_summary,ai_actions_json,ai_response,retry_count,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var s domain.Submission
	var userID, summary, actionsJSON, response sql.NullString
	err := row.Scan(&s.ID, &userID, &s.Rating, &s.ReviewText, &s.AIStatus,
		&summary, &actionsJSON, &response, &s.RetryCount, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if userID.Valid {
		s.UserID = &userID.String
	}
	if summary.Valid {
		s.AISummary = &summary.String
	}
	if response.Valid {
		s.AIResponse = &response.String
	}
	if actionsJSON.Valid && actionsJSON.String != "" {
		if err := json.Unmarshal([]byte(actionsJSON.String), &s.AIActions); err != nil {
			return s, fmt.Errorf("decode ai_actions for %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func (r Repo) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO submissions(id,user_id,rating,review_text,ai_status,retry_count,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, nullableStringPtr(s.UserID), s.Rating, s.ReviewText, s.AIStatus, s.RetryCount, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
}

// ListSubmissions returns up to limit submissions, most recent first. A
// non-empty since keeps only submissions created at or after that RFC3339
// timestamp.
func (r Repo) ListSubmissions(ctx context.Context, limit int, since string) ([]domain.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions`
	args := []any{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateAnalysisTx transitions ai_status and the result columns in a single
// statement. The result columns are set only for a success transition; any
// other target status clears them, so a reader never sees a torn record.
// The expectedStatus guard makes concurrent appliers lose cleanly.
func (r Repo) UpdateAnalysisTx(ctx context.Context, tx *sql.Tx, id, expectedStatus, status string, result *domain.AnalysisResult, updatedAt string) error {
	if status == domain.StatusSuccess && result == nil {
		return fmt.Errorf("success transition for %s requires a result", id)
	}
	var summary, actionsJSON, response any
	if status == domain.StatusSuccess {
		b, err := json.Marshal(result.Actions)
		if err != nil {
			return err
		}
		summary, actionsJSON, response = result.Summary, string(b), result.Response
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE submissions SET ai_status=?, ai_summary=?, ai_actions_json=?, ai_response=?, updated_at=? WHERE id=? AND ai_status=?`,
		status, summary, actionsJSON, response, updatedAt, id, expectedStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRetryTx bumps retry_count only while the submission is failed.
// ErrNotFound covers both a missing row and a status mismatch; callers that
// care re-read the row to tell them apart.
func (r Repo) IncrementRetryTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE submissions SET retry_count=retry_count+1, updated_at=? WHERE id=? AND ai_status=?`,
		updatedAt, id, domain.StatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns journal entries, newest first, with optional filters.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	if evtType != "" {
		clauses = append(clauses, `type=?`)
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, `entity_kind=?`)
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, `entity_id=?`)
		args = append(args, entityID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
