// Package gateway sends lecture audio or corrected transcripts to the
// generative service and returns the structured Analysis document. Any
// response that is empty, fails to decode, or violates the document schema is
// a gateway failure; callers convert failures into a session status change
// and never retry automatically.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"decyra/internal/models"
)

var (
	// ErrEmptyResponse marks a gateway reply with no usable body.
	ErrEmptyResponse = errors.New("empty gateway response")
	// ErrInvalidAnalysis marks a reply that decoded but violates the schema.
	ErrInvalidAnalysis = errors.New("invalid analysis document")
)

// Gateway produces an Analysis from raw audio or from a corrected transcript.
// Implementations must treat the transcript variant as regeneration: every
// derived field is rebuilt while the given transcript is preserved verbatim.
type Gateway interface {
	AnalyzeAudio(ctx context.Context, audio []byte, mimeType string) (*models.Analysis, error)
	AnalyzeTranscript(ctx context.Context, transcript string) (*models.Analysis, error)
}

// DecodeAnalysis parses a raw JSON reply into an Analysis and checks it
// against the schema the gateway was asked for.
func DecodeAnalysis(raw string) (*models.Analysis, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyResponse
	}
	var a models.Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if err := ValidateAnalysis(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ValidateAnalysis enforces the required fields and the four-value task type
// enumeration of the Analysis schema.
func ValidateAnalysis(a *models.Analysis) error {
	if a == nil {
		return ErrInvalidAnalysis
	}
	if a.Transcript == "" {
		return fmt.Errorf("%w: missing transcript", ErrInvalidAnalysis)
	}
	if a.AcademicSummary == "" {
		return fmt.Errorf("%w: missing academicSummary", ErrInvalidAnalysis)
	}
	if a.DetailedNotes == "" {
		return fmt.Errorf("%w: missing detailedNotes", ErrInvalidAnalysis)
	}
	for _, kc := range a.KeyConcepts {
		if kc.Term == "" || kc.Definition == "" {
			return fmt.Errorf("%w: incomplete key concept", ErrInvalidAnalysis)
		}
	}
	for _, task := range a.ClassTasks {
		if task.Task == "" {
			return fmt.Errorf("%w: class task without description", ErrInvalidAnalysis)
		}
		if !task.Type.Valid() {
			return fmt.Errorf("%w: unknown task type %q", ErrInvalidAnalysis, task.Type)
		}
	}
	return nil
}
