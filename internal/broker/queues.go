package broker

import "time"

// Queue names. Every workload class gets its own queue; dead-letters is
// shared by all of them.
const (
	QueueJobs        = "jobs"
	QueueEmail       = "email"
	QueueFiles       = "files"
	QueueSearchIndex = "search-index"
	QueueScheduled   = "scheduled-notifications"
	QueueDeadLetters = "dead-letters"
)

// MaxDelay caps how far Send may defer visibility. Longer horizons are
// handled by the scheduler re-enqueueing with a fresh delay.
const MaxDelay = 15 * time.Minute

// PollInterval is the tick used by Receive while long-polling.
const PollInterval = 100 * time.Millisecond

// QueueSpec describes the redelivery behaviour of one queue.
type QueueSpec struct {
	Name              string
	VisibilityTimeout time.Duration
	MaxRedelivery     int
}

// DefaultQueues returns the queue table. Callers get a fresh copy.
func DefaultQueues() map[string]QueueSpec {
	return map[string]QueueSpec{
		QueueJobs:        {Name: QueueJobs, VisibilityTimeout: 5 * time.Minute, MaxRedelivery: 3},
		QueueEmail:       {Name: QueueEmail, VisibilityTimeout: 30 * time.Second, MaxRedelivery: 3},
		QueueFiles:       {Name: QueueFiles, VisibilityTimeout: 15 * time.Minute, MaxRedelivery: 2},
		QueueSearchIndex: {Name: QueueSearchIndex, VisibilityTimeout: 2 * time.Minute, MaxRedelivery: 3},
		QueueScheduled:   {Name: QueueScheduled, VisibilityTimeout: time.Minute, MaxRedelivery: 5},
	}
}
