package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Session statuses. Transitions are strictly pending -> complete.
const (
	SessionPending  = "pending"
	SessionComplete = "complete"
)

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeEvalFail  = "eval_fail"
	OutcomeRateLimit = "rate_limit"
	OutcomeTransient = "transient"
	OutcomeQuota     = "quota"
	OutcomePermanent = "permanent"
)

// Attempt is one entry in a session's ordered attempt log.
type Attempt struct {
	ModelID string   `json:"model_id"`
	Outcome string   `json:"outcome"`
	Score   *float64 `json:"score,omitempty"`
}

// Session is the at-most-once persisted result for a request id.
type Session struct {
	RequestID    string
	TaskType     string
	Status       string
	ModelID      string
	ResponseText string
	Attempts     []Attempt
	CreatedAt    int64
	UpdatedAt    int64
}

// Complete reports whether the session holds a final response.
func (s *Session) Complete() bool {
	return s.Status == SessionComplete
}

// SessionStore persists request sessions and their attempt logs.
type SessionStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Get returns the session for a request id, or nil when absent.
func (s *SessionStore) Get(ctx context.Context, requestID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_type, status, model_id, response_text, attempts, created_at, updated_at
		FROM request_sessions WHERE request_id = ?`, requestID)

	sess := &Session{RequestID: requestID}
	var attemptsJSON string
	err := row.Scan(&sess.TaskType, &sess.Status, &sess.ModelID, &sess.ResponseText,
		&attemptsJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", requestID, err)
	}
	if err := json.Unmarshal([]byte(attemptsJSON), &sess.Attempts); err != nil {
		return nil, fmt.Errorf("session: decode attempts for %s: %w", requestID, err)
	}
	return sess, nil
}

// RecordAttempt appends to the attempt log, creating a pending session when
// none exists.
func (s *SessionStore) RecordAttempt(ctx context.Context, requestID, taskType string, attempt Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	nowMs := s.now().UnixMilli()
	if sess == nil {
		sess = &Session{
			RequestID: requestID,
			TaskType:  taskType,
			Status:    SessionPending,
			CreatedAt: nowMs,
		}
	}
	sess.Attempts = append(sess.Attempts, attempt)
	sess.UpdatedAt = nowMs

	return s.upsert(ctx, sess)
}

// RecordResult transitions the session to complete and stores the final text.
func (s *SessionStore) RecordResult(ctx context.Context, requestID, taskType, modelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	nowMs := s.now().UnixMilli()
	if sess == nil {
		sess = &Session{
			RequestID: requestID,
			TaskType:  taskType,
			CreatedAt: nowMs,
		}
	}
	sess.Status = SessionComplete
	sess.ModelID = modelID
	sess.ResponseText = text
	sess.UpdatedAt = nowMs

	return s.upsert(ctx, sess)
}

func (s *SessionStore) upsert(ctx context.Context, sess *Session) error {
	attempts := sess.Attempts
	if attempts == nil {
		attempts = []Attempt{}
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("session: encode attempts for %s: %w", sess.RequestID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_sessions (request_id, task_type, status, model_id, response_text, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			task_type = excluded.task_type,
			status = excluded.status,
			model_id = excluded.model_id,
			response_text = excluded.response_text,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		sess.RequestID, sess.TaskType, sess.Status, sess.ModelID, sess.ResponseText,
		string(attemptsJSON), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("session: upsert %s: %w", sess.RequestID, err)
	}
	return nil
}
