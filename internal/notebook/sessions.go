package notebook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"decyra/internal/models"
)

// ErrAnalysisDecode marks a persisted analysis document that no longer parses.
// List and Get still return the affected session, degraded to error status
// with the document dropped; the caller decides whether to surface or ignore.
var ErrAnalysisDecode = errors.New("stored analysis is corrupt")

// CreateSession inserts a new session in processing state and returns it.
func (s *Service) CreateSession(ctx context.Context, userID, title string, durationSeconds int) (*models.Session, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	now := time.Now().UTC()
	session := &models.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		Title:           title,
		CreatedAt:       now,
		UpdatedAt:       now,
		DurationSeconds: durationSeconds,
		Status:          models.StatusProcessing,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, status, duration_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title, session.Status, session.DurationSeconds, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions for a user, newest first. Corrupt analysis
// documents do not abort the listing: the affected sessions come back with
// error status and no analysis, and the joined decode errors are returned
// alongside the slice for the caller to log or surface.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, status, duration_seconds, analysis, created_at, updated_at
		 FROM sessions WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	var decodeErrs []error
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			if errors.Is(err, ErrAnalysisDecode) {
				decodeErrs = append(decodeErrs, err)
			} else {
				return nil, err
			}
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, errors.Join(decodeErrs...)
}

// GetSession returns one session scoped to the user. A corrupt analysis still
// yields the degraded session together with an ErrAnalysisDecode error.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, duration_seconds, analysis, created_at, updated_at
		 FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, ErrAnalysisDecode) {
			return session, err
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// SessionStatus reads only the status column, for cheap polling.
func (s *Service) SessionStatus(ctx context.Context, userID, sessionID string) (models.Status, error) {
	var status models.Status
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("session status: %w", err)
	}
	return status, nil
}

// CompleteSession attaches the analysis and marks the session completed. The
// update targets the session by id and owner; a session deleted mid-flight
// makes this a no-op, reported through the returned bool, never an error.
func (s *Service) CompleteSession(ctx context.Context, userID, sessionID string, analysis *models.Analysis) (bool, error) {
	if analysis == nil {
		return false, errors.New("analysis is required")
	}
	payload, err := json.Marshal(analysis)
	if err != nil {
		return false, fmt.Errorf("encode analysis: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, analysis = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		models.StatusCompleted, string(payload), time.Now().UTC(), sessionID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	return rowsPatched(res)
}

// FailSession marks the session as failed. The previous analysis column is
// left untouched so a failed regeneration keeps the last good document;
// readers must not treat it as current. Patch-if-present, like CompleteSession.
func (s *Service) FailSession(ctx context.Context, userID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		models.StatusError, time.Now().UTC(), sessionID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("fail session: %w", err)
	}
	return rowsPatched(res)
}

// MarkProcessing re-enters processing state for a transcript edit. Only a
// completed session can be re-entered.
func (s *Service) MarkProcessing(ctx context.Context, userID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND user_id = ? AND status = ?`,
		models.StatusProcessing, time.Now().UTC(), sessionID, userID, models.StatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return rowsPatched(res)
}

// PatchAnalysis replaces the analysis document in place without a status
// transition. Valid only while the session is completed.
func (s *Service) PatchAnalysis(ctx context.Context, userID, sessionID string, analysis *models.Analysis) (bool, error) {
	if analysis == nil {
		return false, errors.New("analysis is required")
	}
	payload, err := json.Marshal(analysis)
	if err != nil {
		return false, fmt.Errorf("encode analysis: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET analysis = ?, updated_at = ? WHERE id = ? AND user_id = ? AND status = ?`,
		string(payload), time.Now().UTC(), sessionID, userID, models.StatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("patch analysis: %w", err)
	}
	return rowsPatched(res)
}

// DeleteSession removes a session permanently. No soft delete, no undo.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if sessionID == "" {
		return errors.New("invalid session id")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FilterSessions applies the library search: a case-insensitive substring
// match over title, academic summary, and transcript. An empty query keeps
// everything in the original order. Pure; nothing is persisted.
func FilterSessions(sessions []models.Session, query string) []models.Session {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return sessions
	}
	filtered := make([]models.Session, 0, len(sessions))
	for _, session := range sessions {
		if strings.Contains(strings.ToLower(session.Title), q) {
			filtered = append(filtered, session)
			continue
		}
		if session.Analysis != nil &&
			(strings.Contains(strings.ToLower(session.Analysis.AcademicSummary), q) ||
				strings.Contains(strings.ToLower(session.Analysis.Transcript), q)) {
			filtered = append(filtered, session)
		}
	}
	return filtered
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession decodes one session row. A corrupt analysis column degrades the
// session to error status and returns ErrAnalysisDecode together with the row.
func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var analysisRaw sql.NullString
	if err := row.Scan(
		&session.ID, &session.UserID, &session.Title, &session.Status,
		&session.DurationSeconds, &analysisRaw, &session.CreatedAt, &session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if analysisRaw.Valid && analysisRaw.String != "" {
		var a models.Analysis
		if err := json.Unmarshal([]byte(analysisRaw.String), &a); err != nil {
			session.Status = models.StatusError
			session.Analysis = nil
			return &session, fmt.Errorf("session %s: %w", session.ID, ErrAnalysisDecode)
		}
		session.Analysis = &a
	}
	return &session, nil
}

func rowsPatched(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
