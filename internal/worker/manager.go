package worker

import (
	"context"
	"log"
	"os"
	"time"

	"decyra/internal/gateway"
	"decyra/internal/models"
	"decyra/internal/notebook"
	"decyra/internal/redis"
)

// DispatcherConfig sizes the gateway worker pool.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

// AnalysisRequest asks for a full analysis of scratch audio.
type AnalysisRequest struct {
	UserID    string
	SessionID string
	AudioPath string
	MimeType  string
}

// RegenerationRequest asks for a rebuild from a corrected transcript.
type RegenerationRequest struct {
	UserID     string
	SessionID  string
	Transcript string
}

// Manager runs gateway jobs off the request path. Results are matched back to
// sessions by id with a patch-if-present update, so completions arriving
// after a delete resolve as silent no-ops. Jobs run on a detached context:
// once accepted, a gateway call is never canceled and has no deadline. An
// abandoned client simply finds the session completed (or failed) later.
type Manager struct {
	notebook   *notebook.Service
	gateway    gateway.Gateway
	scratch    *notebook.Scratch
	cache      *statusCache
	dispatcher *Dispatcher
}

func NewManager(nb *notebook.Service, gw gateway.Gateway, scratch *notebook.Scratch, cfg DispatcherConfig, cacheClient *redis.Client) *Manager {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	m := &Manager{
		notebook: nb,
		gateway:  gw,
		scratch:  scratch,
		cache:    newStatusCache(cacheClient),
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.WorkerIdleTimeout)
	return m
}

// EnqueueAnalysis queues audio analysis for a freshly created session. The
// processing cache entry is written before the job is handed over: a worker
// finishing instantly must find its terminal write ordered after this one.
func (m *Manager) EnqueueAnalysis(req AnalysisRequest) error {
	job := Job{Type: Analyze, Task: analysisTask{
		userID:    req.UserID,
		sessionID: req.SessionID,
		audioPath: req.AudioPath,
		mimeType:  req.MimeType,
	}}
	m.cache.setStatus(req.UserID, req.SessionID, models.StatusProcessing)
	if err := m.dispatcher.Submit(job); err != nil {
		m.cache.drop(req.UserID, req.SessionID)
		return err
	}
	return nil
}

// EnqueueRegeneration queues a transcript-driven rebuild for a session. Cache
// ordering follows EnqueueAnalysis.
func (m *Manager) EnqueueRegeneration(req RegenerationRequest) error {
	job := Job{Type: Regenerate, Task: analysisTask{
		userID:     req.UserID,
		sessionID:  req.SessionID,
		transcript: req.Transcript,
	}}
	m.cache.setStatus(req.UserID, req.SessionID, models.StatusProcessing)
	if err := m.dispatcher.Submit(job); err != nil {
		m.cache.drop(req.UserID, req.SessionID)
		return err
	}
	return nil
}

// CachedStatus returns the session status from the redis cache when present.
// Entries are keyed by owner, so one user can never read another's session.
func (m *Manager) CachedStatus(ctx context.Context, userID, sessionID string) (models.Status, bool) {
	return m.cache.getStatus(ctx, userID, sessionID)
}

// DropStatus evicts a deleted session from the status cache.
func (m *Manager) DropStatus(userID, sessionID string) {
	m.cache.drop(userID, sessionID)
}

// ResetUser drops the user's queued jobs. Used when the account is deleted.
func (m *Manager) ResetUser(userID string) {
	m.dispatcher.CancelUser(userID)
}

func (m *Manager) handleAnalyze(task analysisTask) {
	defer m.scratch.Remove(task.audioPath)
	ctx := context.Background()

	audio, err := os.ReadFile(task.audioPath)
	var analysis *models.Analysis
	if err == nil {
		analysis, err = m.gateway.AnalyzeAudio(ctx, audio, task.mimeType)
	}
	m.finish(ctx, task, analysis, err)
}

func (m *Manager) handleRegenerate(task analysisTask) {
	ctx := context.Background()
	analysis, err := m.gateway.AnalyzeTranscript(ctx, task.transcript)
	m.finish(ctx, task, analysis, err)
}

func (m *Manager) finish(ctx context.Context, task analysisTask, analysis *models.Analysis, gatewayErr error) {
	if gatewayErr != nil {
		log.Printf("analysis for session %s failed: %v", task.sessionID, gatewayErr)
		patched, err := m.notebook.FailSession(ctx, task.userID, task.sessionID)
		if err != nil {
			log.Printf("mark session %s failed: %v", task.sessionID, err)
			return
		}
		if !patched {
			debugLog("[worker] session %s deleted before failure patch", task.sessionID)
			m.cache.drop(task.userID, task.sessionID)
			return
		}
		m.cache.setStatus(task.userID, task.sessionID, models.StatusError)
		return
	}

	patched, err := m.notebook.CompleteSession(ctx, task.userID, task.sessionID, analysis)
	if err != nil {
		log.Printf("complete session %s: %v", task.sessionID, err)
		if failed, ferr := m.notebook.FailSession(ctx, task.userID, task.sessionID); ferr == nil && failed {
			m.cache.setStatus(task.userID, task.sessionID, models.StatusError)
		}
		return
	}
	if !patched {
		// Deleted while the gateway call was in flight; the result is dropped.
		debugLog("[worker] session %s deleted before completion patch", task.sessionID)
		m.cache.drop(task.userID, task.sessionID)
		return
	}
	m.cache.setStatus(task.userID, task.sessionID, models.StatusCompleted)
}
