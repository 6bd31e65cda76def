package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/cluster"
)

// jobQueue is an unbounded FIFO of local jobs. Apply must never block on
// it, so pushes always succeed.
type jobQueue struct {
	mu     sync.Mutex
	items  *queue.Queue
	signal chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{items: queue.New(), signal: make(chan struct{}, 1)}
}

func (q *jobQueue) push(j job) {
	q.mu.Lock()
	q.items.Enqueue(j)
	q.mu.Unlock()
	q.wake()
}

func (q *jobQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a job is available or ctx is done.
func (q *jobQueue) pop(ctx context.Context) (job, bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			j := q.items.Dequeue().(job)
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return j, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return job{}, false
		}
	}
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		j, ok := s.queue.pop(ctx)
		if !ok {
			return
		}
		switch j.kind {
		case jobExecute:
			s.execute(ctx, j.id)
		case jobValidate:
			s.validate(ctx, j.id)
		}
	}
}

// execute runs an assignment held by this node and reports the outcome.
// Reports that cannot reach a leader before the assignment's deadline are
// dropped; the leader's timeout then requeues the task.
func (s *Scheduler) execute(ctx context.Context, assignmentID string) {
	a, err := s.registry.Get(assignmentID)
	if err != nil || !a.Active() || a.NodeID != s.id {
		return
	}
	task, err := s.Task(a.TaskID)
	if err != nil || task.AssignmentID != a.ID {
		return
	}
	ctx, cancel := context.WithDeadline(ctx, a.Deadline)
	defer cancel()
	logger := s.logger.With(
		zap.String("node", s.id),
		zap.String("task", task.ID),
		zap.String("assignment", a.ID))

	if a.Status == assignment.StatusAssigned {
		if err := s.report(ctx, Report{AssignmentID: a.ID, Type: ReportStart}); err != nil {
			logger.Warn("start not acknowledged", zap.Error(err))
			return
		}
	}

	started := time.Now()
	result, err := s.executor.Execute(ctx, task)
	r := Report{AssignmentID: a.ID, Type: ReportResult, Result: result}
	if err != nil {
		r = Report{AssignmentID: a.ID, Type: ReportFail, Error: err.Error()}
		logger.Warn("execution failed", zap.Error(err))
	} else {
		logger.Debug("executed", zap.Duration("took", time.Since(started)))
	}
	if err := s.report(ctx, r); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("outcome not acknowledged", zap.String("type", r.Type), zap.Error(err))
	}
}

// validate reviews a result this node was picked to validate and votes.
func (s *Scheduler) validate(ctx context.Context, validationID string) {
	vt, err := s.pool.Get(validationID)
	if err != nil || vt.Resolved() {
		return
	}
	if _, voted := vt.Votes[s.id]; voted {
		return
	}
	task, err := s.Task(vt.TaskID)
	if err != nil {
		return
	}
	if deadline := vt.Deadline(); !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	verdict, err := s.executor.Validate(ctx, task, vt.Result)
	if err != nil {
		verdict = cluster.ValidationResult{Approved: false, Reason: err.Error()}
	}
	if err := s.SubmitValidationResult(ctx, vt.ID, s.id, verdict); err != nil {
		s.logger.Warn("vote not acknowledged",
			zap.String("node", s.id),
			zap.String("validation", vt.ID),
			zap.Error(err))
		return
	}
	s.logger.Debug("voted",
		zap.String("node", s.id),
		zap.String("validation", vt.ID),
		zap.Bool("approved", verdict.Approved))
}
