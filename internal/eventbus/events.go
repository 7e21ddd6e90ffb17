package eventbus

import "time"

const (
	WorkerStarted   = "worker.started"
	WorkerFinished  = "worker.finished"
	QueueClaimed    = "queue.claimed"
	QueueFinished   = "queue.finished"
	PeriodicSkipped = "periodic.skipped"
	ConfigReloaded  = "config.reloaded"
)

// Run describes one worker invocation. Started events carry only the
// identifying fields; finished events fill the rest.
type Run struct {
	ID       string        `json:"id"`
	Source   string        `json:"source"`
	Kind     string        `json:"kind"`
	TaskID   string        `json:"task_id,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Category string        `json:"category,omitempty"`
}
