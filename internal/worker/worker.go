package worker

// JobType selects what a queued gateway job does.
type JobType int

const (
	// Analyze transcribes and summarizes uploaded audio.
	Analyze JobType = iota
	// Regenerate rebuilds the analysis from a corrected transcript.
	Regenerate
	// Stop retires an idle worker.
	Stop
)

// Job is one unit of gateway work bound to a single session.
type Job struct {
	Type JobType
	Task analysisTask
}

type analysisTask struct {
	userID     string
	sessionID  string
	audioPath  string
	mimeType   string
	transcript string
}

type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			switch job.Type {
			case Analyze:
				w.manager.handleAnalyze(job.Task)
			case Regenerate:
				w.manager.handleRegenerate(job.Task)
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}
