package tasks

import (
	"sync"
	"time"

	"support_agent/internal/logger"
	"support_agent/pkg"
)

// JobKind identifies a background side-effect task.
type JobKind string

const (
	JobPayment JobKind = "payment"
	JobSMS     JobKind = "sms"
)

// Job is one queued side-effect task.
type Job struct {
	Kind     JobKind
	RefundID string
	UserID   string
	Amount   float64
	Text     string
}

// ResultFunc receives the outcome of a completed job.
type ResultFunc func(refundID string, outcome pkg.TaskOutcome)

// Executor performs one job and reports its outcome. The default executor
// simulates the payment and SMS providers.
type Executor func(job Job) pkg.TaskOutcome

// Dispatcher runs side-effect jobs on a small worker pool. Dispatch is
// fire-and-forget: failures are reported through the result callback and
// never affect the workflow that queued them.
type Dispatcher struct {
	jobs     chan Job
	onResult ResultFunc
	execute  Executor
	wg       sync.WaitGroup
	once     sync.Once
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(workers int, onResult ResultFunc) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{
		jobs:     make(chan Job, 64),
		onResult: onResult,
		execute:  defaultExecutor,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// SetExecutor replaces the job executor. Call before any dispatch.
func (d *Dispatcher) SetExecutor(exec Executor) {
	d.execute = exec
}

// DispatchPayment queues the refund payment job.
func (d *Dispatcher) DispatchPayment(refundID string, amount float64) {
	d.enqueue(Job{Kind: JobPayment, RefundID: refundID, Amount: amount})
}

// DispatchSMS queues the notification SMS job.
func (d *Dispatcher) DispatchSMS(refundID, userID, text string) {
	d.enqueue(Job{Kind: JobSMS, RefundID: refundID, UserID: userID, Text: text})
}

func (d *Dispatcher) enqueue(job Job) {
	select {
	case d.jobs <- job:
	default:
		logger.Error().
			Str("kind", string(job.Kind)).
			Str("refund_id", job.RefundID).
			Msg("task queue full, job dropped")
		if d.onResult != nil {
			d.onResult(job.RefundID, pkg.OutcomeFailed)
		}
	}
}

// Close stops accepting jobs and waits for in-flight work to finish.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.jobs) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		outcome := d.execute(job)
		logger.Debug().
			Str("kind", string(job.Kind)).
			Str("refund_id", job.RefundID).
			Str("outcome", string(outcome)).
			Msg("background job finished")
		if d.onResult != nil {
			d.onResult(job.RefundID, outcome)
		}
	}
}

// defaultExecutor stands in for the payment gateway and SMS provider.
func defaultExecutor(job Job) pkg.TaskOutcome {
	time.Sleep(10 * time.Millisecond)
	return pkg.OutcomeSent
}
