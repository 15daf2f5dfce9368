package worker

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"decyra/internal/config"
	"decyra/internal/models"
	"decyra/internal/notebook"
	"decyra/internal/storage"
)

type fakeGateway struct {
	analysis *models.Analysis
	err      error
	gate     chan struct{} // when set, calls block until the gate closes
}

func (f *fakeGateway) AnalyzeAudio(ctx context.Context, audio []byte, mimeType string) (*models.Analysis, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.analysis, nil
}

func (f *fakeGateway) AnalyzeTranscript(ctx context.Context, transcript string) (*models.Analysis, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	out := *f.analysis
	out.Transcript = transcript
	return &out, nil
}

func testAnalysis() *models.Analysis {
	return &models.Analysis{
		Transcript:      "Hoy repasamos las integrales definidas.",
		AcademicSummary: "Integrales definidas y el teorema fundamental.",
		DetailedNotes:   "## Integrales\n\nÁrea bajo la curva.",
	}
}

type managerFixture struct {
	manager  *Manager
	notebook *notebook.Service
	scratch  *notebook.Scratch
	userID   string
}

func newManagerFixture(t *testing.T, gw *fakeGateway) *managerFixture {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	nb := notebook.NewService(db)
	user, err := nb.Register(context.Background(), "Ana", "ana@example.com", "secreto1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	scratch, err := notebook.NewScratch(t.TempDir())
	if err != nil {
		t.Fatalf("new scratch: %v", err)
	}
	manager := NewManager(nb, gw, scratch, DispatcherConfig{
		MinWorkers: 1,
		MaxWorkers: 2,
		QueueSize:  8,
	}, nil)
	return &managerFixture{manager: manager, notebook: nb, scratch: scratch, userID: user.ID}
}

func waitForStatus(t *testing.T, nb *notebook.Service, userID, sessionID string, want models.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := nb.SessionStatus(context.Background(), userID, sessionID)
		if err == nil && status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	status, err := nb.SessionStatus(context.Background(), userID, sessionID)
	t.Fatalf("session never reached %s (last status %s, err %v)", want, status, err)
}

func saveTestAudio(t *testing.T, fx *managerFixture, sessionID string) string {
	t.Helper()
	path, err := fx.scratch.Save(sessionID, ".webm", bytes.NewReader([]byte("fake audio")))
	if err != nil {
		t.Fatalf("save scratch audio: %v", err)
	}
	return path
}

func TestAnalysisCompletesSession(t *testing.T) {
	fx := newManagerFixture(t, &fakeGateway{analysis: testAnalysis()})
	ctx := context.Background()

	session, err := fx.notebook.CreateSession(ctx, fx.userID, "Cálculo", 120)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	path := saveTestAudio(t, fx, session.ID)

	err = fx.manager.EnqueueAnalysis(AnalysisRequest{
		UserID: fx.userID, SessionID: session.ID, AudioPath: path, MimeType: "audio/webm",
	})
	if err != nil {
		t.Fatalf("enqueue analysis: %v", err)
	}

	waitForStatus(t, fx.notebook, fx.userID, session.ID, models.StatusCompleted)

	got, err := fx.notebook.GetSession(ctx, fx.userID, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Analysis == nil || got.Analysis.Transcript != testAnalysis().Transcript {
		t.Fatalf("expected attached analysis, got %+v", got.Analysis)
	}

	// scratch audio is removed once the job finishes
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected scratch audio to be removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGatewayFailureMarksSessionError(t *testing.T) {
	fx := newManagerFixture(t, &fakeGateway{err: errors.New("model unavailable")})
	ctx := context.Background()

	session, err := fx.notebook.CreateSession(ctx, fx.userID, "Cálculo", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	path := saveTestAudio(t, fx, session.ID)

	err = fx.manager.EnqueueAnalysis(AnalysisRequest{
		UserID: fx.userID, SessionID: session.ID, AudioPath: path, MimeType: "audio/webm",
	})
	if err != nil {
		t.Fatalf("enqueue analysis: %v", err)
	}

	waitForStatus(t, fx.notebook, fx.userID, session.ID, models.StatusError)

	got, err := fx.notebook.GetSession(ctx, fx.userID, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Analysis != nil {
		t.Fatal("failed first analysis must not attach a document")
	}
}

func TestRegenerationPreservesTranscript(t *testing.T) {
	fx := newManagerFixture(t, &fakeGateway{analysis: testAnalysis()})
	ctx := context.Background()

	session, err := fx.notebook.CreateSession(ctx, fx.userID, "Cálculo", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := fx.notebook.CompleteSession(ctx, fx.userID, session.ID, testAnalysis()); err != nil {
		t.Fatalf("complete session: %v", err)
	}
	if _, err := fx.notebook.MarkProcessing(ctx, fx.userID, session.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	corrected := "Transcripción corregida por el estudiante."
	err = fx.manager.EnqueueRegeneration(RegenerationRequest{
		UserID: fx.userID, SessionID: session.ID, Transcript: corrected,
	})
	if err != nil {
		t.Fatalf("enqueue regeneration: %v", err)
	}

	waitForStatus(t, fx.notebook, fx.userID, session.ID, models.StatusCompleted)

	got, err := fx.notebook.GetSession(ctx, fx.userID, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Analysis == nil || got.Analysis.Transcript != corrected {
		t.Fatalf("expected corrected transcript to survive regeneration, got %+v", got.Analysis)
	}
}

func TestDeleteWhileAnalysisInFlight(t *testing.T) {
	gate := make(chan struct{})
	fx := newManagerFixture(t, &fakeGateway{analysis: testAnalysis(), gate: gate})
	ctx := context.Background()

	session, err := fx.notebook.CreateSession(ctx, fx.userID, "Cálculo", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	path := saveTestAudio(t, fx, session.ID)

	err = fx.manager.EnqueueAnalysis(AnalysisRequest{
		UserID: fx.userID, SessionID: session.ID, AudioPath: path, MimeType: "audio/webm",
	})
	if err != nil {
		t.Fatalf("enqueue analysis: %v", err)
	}

	if err := fx.notebook.DeleteSession(ctx, fx.userID, session.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	close(gate) // let the gateway call finish after the delete

	// the late completion must resolve as a silent no-op
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := fx.notebook.GetSession(ctx, fx.userID, session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected deleted session to stay deleted, got %v", err)
	}
	sessions, err := fx.notebook.ListSessions(ctx, fx.userID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatal("late completion must not resurrect a deleted session")
	}
}

func TestSubmitQueueFull(t *testing.T) {
	gate := make(chan struct{})
	fx := newManagerFixture(t, &fakeGateway{analysis: testAnalysis(), gate: gate})
	defer close(gate)

	// saturate the two workers and the queue with blocked jobs
	var err error
	for i := 0; i < 32 && err == nil; i++ {
		sessionID := fmt.Sprintf("session-%d", i)
		err = fx.manager.EnqueueAnalysis(AnalysisRequest{
			UserID:    fx.userID,
			SessionID: sessionID,
			AudioPath: saveTestAudio(t, fx, sessionID),
			MimeType:  "audio/webm",
		})
	}
	if !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy once saturated, got %v", err)
	}
}
