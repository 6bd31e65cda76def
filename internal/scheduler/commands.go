package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/consensus"
	"github.com/dreamware/hive/internal/validation"
)

type commandType string

const (
	cmdSubmit            commandType = "submit"
	cmdAssign            commandType = "assign"
	cmdStart             commandType = "start"
	cmdResult            commandType = "result"
	cmdFail              commandType = "fail"
	cmdTimeout           commandType = "timeout"
	cmdRequeue           commandType = "requeue"
	cmdVote              commandType = "vote"
	cmdValidationTimeout commandType = "validation_timeout"
	cmdCancel            commandType = "cancel"
	cmdBlacklist         commandType = "blacklist"
	cmdValidator         commandType = "validator"
)

// command is one replicated state change. The leader fills in every id and
// timestamp so that applying it is deterministic on every replica.
type command struct {
	At   time.Time   `json:"at"`
	Type commandType `json:"type"`

	Task        *cluster.Task `json:"task,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`

	TaskID       string  `json:"task_id,omitempty"`
	NodeID       string  `json:"node_id,omitempty"`
	AssignmentID string  `json:"assignment_id,omitempty"`
	Share        float64 `json:"share,omitempty"`
	Balanced     bool    `json:"balanced,omitempty"`

	ValidationID      string        `json:"validation_id,omitempty"`
	Validators        []string      `json:"validators,omitempty"`
	Threshold         float64       `json:"threshold,omitempty"`
	ValidationTimeout time.Duration `json:"validation_timeout,omitempty"`

	Result []byte                    `json:"result,omitempty"`
	Vote   *cluster.ValidationResult `json:"vote,omitempty"`
	Reason string                    `json:"reason,omitempty"`
	Online bool                      `json:"online,omitempty"`

	Specializations []cluster.TaskType `json:"specializations,omitempty"`
}

func (c command) String() string {
	switch {
	case c.AssignmentID != "":
		return fmt.Sprintf("%s(%s)", c.Type, c.AssignmentID)
	case c.ValidationID != "":
		return fmt.Sprintf("%s(%s)", c.Type, c.ValidationID)
	case c.TaskID != "":
		return fmt.Sprintf("%s(%s)", c.Type, c.TaskID)
	default:
		return fmt.Sprintf("%s(%s)", c.Type, c.NodeID)
	}
}

type jobKind int

const (
	jobExecute jobKind = iota
	jobValidate
)

// job is local work triggered by an applied command.
type job struct {
	id   string
	kind jobKind
}

// Apply applies one committed log entry. It is the consensus apply callback
// and runs on every node in log order.
func (s *Scheduler) Apply(e consensus.Entry) {
	var cmd command
	if err := json.Unmarshal(e.Command, &cmd); err != nil {
		s.logger.Error("undecodable command", zap.Uint64("index", e.Index), zap.Error(err))
		return
	}

	s.mu.Lock()
	jobs, err := s.applyLocked(cmd)
	s.mu.Unlock()

	if err != nil {
		// Duplicate proposals for the same event race; the loser is a no-op.
		level := s.logger.Warn
		if errors.Is(err, assignment.ErrInvalidTransition) || errors.Is(err, errStale) {
			level = s.logger.Debug
		}
		level("command not applied",
			zap.String("node", s.id),
			zap.Uint64("index", e.Index),
			zap.Stringer("command", cmd),
			zap.Error(err))
	}
	for _, j := range jobs {
		s.queue.push(j)
	}
}

var errStale = errors.New("stale command")

func (s *Scheduler) applyLocked(cmd command) ([]job, error) {
	switch cmd.Type {
	case cmdSubmit:
		return nil, s.applySubmit(cmd)
	case cmdAssign:
		return s.applyAssign(cmd)
	case cmdStart:
		return nil, s.applyStart(cmd)
	case cmdResult:
		return s.applyResult(cmd)
	case cmdFail, cmdTimeout, cmdRequeue:
		return nil, s.applyRetry(cmd)
	case cmdVote:
		return nil, s.applyVote(cmd)
	case cmdValidationTimeout:
		vt, err := s.pool.ExpireTask(cmd.ValidationID, cmd.At)
		if err != nil {
			return nil, err
		}
		return nil, s.settleLocked(vt, cmd.At, true)
	case cmdCancel:
		return nil, s.applyCancel(cmd)
	case cmdBlacklist:
		s.trust.BlacklistNode(cmd.NodeID, cmd.Reason)
		return nil, nil
	case cmdValidator:
		if cmd.Online {
			// non-nil so that a cleared list replaces the previous one
			specs := append([]cluster.TaskType{}, cmd.Specializations...)
			s.pool.Register(cmd.NodeID, specs)
		} else {
			s.pool.SetOffline(cmd.NodeID)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (s *Scheduler) applySubmit(cmd command) error {
	if cmd.Task == nil {
		return fmt.Errorf("%w: submit without task", cluster.ErrInvalidTask)
	}
	t := cmd.Task.Clone()
	if _, dup := s.tasks[t.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	t.Status = cluster.TaskPending
	t.SubmittedAt = cmd.At
	t.UpdatedAt = cmd.At
	t.Attempts = 0
	t.AssignmentID = ""
	t.Result = nil
	t.Error = ""
	s.tasks[t.ID] = &t
	s.maxAttempts[t.ID] = cmd.MaxAttempts
	s.metrics.TasksSubmitted.Inc()
	s.logger.Debug("task submitted",
		zap.String("node", s.id),
		zap.String("task", t.ID),
		zap.String("type", string(t.Type)),
		zap.Int("priority", t.Priority))
	return nil
}

func (s *Scheduler) applyAssign(cmd command) ([]job, error) {
	t, ok := s.tasks[cmd.TaskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, cmd.TaskID)
	}
	if t.Status != cluster.TaskPending {
		return nil, fmt.Errorf("%w: assign %s while %s", errStale, t.ID, t.Status)
	}

	if cmd.ValidationID != "" {
		_, err := s.pool.Reserve(validation.Reservation{
			ID:                 cmd.ValidationID,
			TaskID:             t.ID,
			TaskType:           t.Type,
			Validators:         cmd.Validators,
			ConsensusThreshold: cmd.Threshold,
			Timeout:            cmd.ValidationTimeout,
		}, cmd.At)
		if err != nil {
			return nil, err
		}
	}
	a, err := s.registry.AssignWork(*t, cmd.NodeID, cmd.Validators, cmd.At,
		assignment.WithID(cmd.AssignmentID),
		assignment.WithValidation(cmd.ValidationID),
		assignment.WithShare(cmd.Share))
	if err != nil {
		if cmd.ValidationID != "" {
			s.pool.Release(cmd.ValidationID)
		}
		return nil, err
	}

	s.setStatus(t, cluster.TaskAssigned, cmd.At)
	t.AssignmentID = a.ID
	t.Attempts++
	if cmd.Balanced {
		s.balanced[a.ID] = a.NodeID
	}
	s.metrics.Assignments.Inc()
	s.logger.Info("task assigned",
		zap.String("node", s.id),
		zap.String("task", t.ID),
		zap.String("assignee", a.NodeID),
		zap.String("assignment", a.ID),
		zap.Int("attempt", t.Attempts),
		zap.Int("validators", len(a.Validators)))

	if a.NodeID == s.id {
		return []job{{kind: jobExecute, id: a.ID}}, nil
	}
	return nil, nil
}

// assignmentLocked returns assignment id and its task.
func (s *Scheduler) assignmentLocked(id string) (assignment.Assignment, *cluster.Task, error) {
	a, err := s.registry.Get(id)
	if err != nil {
		return a, nil, err
	}
	t, ok := s.tasks[a.TaskID]
	if !ok {
		return a, nil, fmt.Errorf("%w: %s", ErrUnknownTask, a.TaskID)
	}
	if t.AssignmentID != a.ID {
		return a, nil, fmt.Errorf("%w: assignment %s superseded", errStale, a.ID)
	}
	return a, t, nil
}

func (s *Scheduler) applyStart(cmd command) error {
	a, t, err := s.assignmentLocked(cmd.AssignmentID)
	if err != nil {
		return err
	}
	if _, err := s.registry.UpdateStatus(a.ID, assignment.StatusInProgress, cmd.At); err != nil {
		return err
	}
	s.setStatus(t, cluster.TaskExecuting, cmd.At)
	return nil
}

// applyResult records an executor's output. Results that need validation
// wait for the validators; the rest complete the task.
func (s *Scheduler) applyResult(cmd command) ([]job, error) {
	a, t, err := s.assignmentLocked(cmd.AssignmentID)
	if err != nil {
		return nil, err
	}
	if a.Status == assignment.StatusAssigned {
		if a, err = s.registry.UpdateStatus(a.ID, assignment.StatusInProgress, cmd.At); err != nil {
			return nil, err
		}
		s.setStatus(t, cluster.TaskExecuting, cmd.At)
	}

	if !a.RequiresValidation() {
		if _, err := s.registry.UpdateStatus(a.ID, assignment.StatusCompleted, cmd.At); err != nil {
			return nil, err
		}
		s.setStatus(t, cluster.TaskCompleted, cmd.At)
		t.Result = append([]byte(nil), cmd.Result...)
		s.trust.RecordTaskCompletion(a.NodeID, true)
		s.finishAssignmentLocked(a, cmd.At)
		s.metrics.TasksFinished.WithLabelValues(string(cluster.TaskCompleted)).Inc()
		s.logger.Info("task completed",
			zap.String("node", s.id),
			zap.String("task", t.ID),
			zap.String("assignee", a.NodeID))
		return nil, nil
	}

	if _, err := s.registry.UpdateStatus(a.ID, assignment.StatusValidating, cmd.At); err != nil {
		return nil, err
	}
	vt, err := s.pool.AttachResult(a.ValidationID, cmd.Result, cmd.At)
	if err != nil {
		return nil, err
	}
	s.setStatus(t, cluster.TaskValidating, cmd.At)

	var jobs []job
	for _, id := range vt.Validators {
		if id == s.id {
			jobs = append(jobs, job{kind: jobValidate, id: vt.ID})
		}
	}
	return jobs, nil
}

// applyRetry handles the three ways an execution attempt ends without a
// result: the executor reported failure, the deadline passed, or the
// assignee left the cluster.
func (s *Scheduler) applyRetry(cmd command) error {
	a, t, err := s.assignmentLocked(cmd.AssignmentID)
	if err != nil {
		return err
	}
	status := assignment.StatusFailed
	if cmd.Type == cmdTimeout {
		status = assignment.StatusTimeout
	}
	if _, err := s.registry.UpdateStatus(a.ID, status, cmd.At); err != nil {
		return err
	}
	if a.ValidationID != "" {
		s.pool.Release(a.ValidationID)
	}
	if cmd.Type == cmdRequeue {
		s.trust.RecordAvailability(a.NodeID, false)
	} else {
		s.trust.RecordTaskCompletion(a.NodeID, false)
	}
	s.finishAssignmentLocked(a, time.Time{})

	reason := cmd.Reason
	if reason == "" {
		reason = string(status)
	}
	s.retryLocked(t, reason, cmd.At)
	return nil
}

// retryLocked puts t back in the queue, or fails it once its attempts are
// used up.
func (s *Scheduler) retryLocked(t *cluster.Task, reason string, at time.Time) {
	t.Error = reason
	limit := s.maxAttempts[t.ID]
	if limit <= 0 {
		limit = s.cfg.MaxAttempts
	}
	if t.Attempts >= limit {
		s.setStatus(t, cluster.TaskFailed, at)
		s.metrics.TasksFinished.WithLabelValues(string(cluster.TaskFailed)).Inc()
		s.logger.Warn("task failed",
			zap.String("node", s.id),
			zap.String("task", t.ID),
			zap.Int("attempts", t.Attempts),
			zap.String("reason", reason))
		return
	}
	s.setStatus(t, cluster.TaskPending, at)
	t.AssignmentID = ""
	s.metrics.Reassignments.Inc()
	s.logger.Info("task requeued",
		zap.String("node", s.id),
		zap.String("task", t.ID),
		zap.Int("attempts", t.Attempts),
		zap.String("reason", reason))
}

func (s *Scheduler) applyVote(cmd command) error {
	if cmd.Vote == nil {
		return fmt.Errorf("vote on %s without a verdict", cmd.ValidationID)
	}
	vt, err := s.pool.SubmitResult(cmd.ValidationID, cmd.NodeID, *cmd.Vote, cmd.At)
	if err != nil {
		return err
	}
	if !vt.Resolved() {
		return nil
	}
	return s.settleLocked(vt, cmd.At, false)
}

// settleLocked carries a validation verdict over to the assignment, the task
// and the trust scores of everyone involved. Validators that stayed silent
// until the timeout lose availability. Already settled verdicts are ignored.
func (s *Scheduler) settleLocked(vt validation.Task, at time.Time, expired bool) error {
	a, ok := s.registry.ForTask(vt.TaskID)
	if !ok || a.ValidationID != vt.ID || a.Status != assignment.StatusValidating {
		return nil
	}
	t, ok := s.tasks[vt.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, vt.TaskID)
	}

	approved := vt.Status == validation.StatusApproved
	for _, id := range vt.Validators {
		vote, voted := vt.Votes[id]
		if !voted {
			if expired {
				s.trust.RecordAvailability(id, false)
			}
			continue
		}
		s.trust.RecordValidation(id, vote.Approved == approved)
	}
	s.trust.RecordTaskCompletion(a.NodeID, approved)

	if approved {
		if _, err := s.registry.UpdateStatus(a.ID, assignment.StatusValidated, at); err != nil {
			return err
		}
		s.setStatus(t, cluster.TaskCompleted, at)
		t.Result = append([]byte(nil), vt.Result...)
		t.Error = ""
		s.metrics.Validations.WithLabelValues(string(validation.StatusApproved)).Inc()
		s.metrics.TasksFinished.WithLabelValues(string(cluster.TaskCompleted)).Inc()
	} else {
		if _, err := s.registry.UpdateStatus(a.ID, assignment.StatusRejected, at); err != nil {
			return err
		}
		s.setStatus(t, cluster.TaskFailed, at)
		t.Result = nil
		t.Error = "validation rejected"
		s.metrics.Validations.WithLabelValues(string(validation.StatusRejected)).Inc()
		s.metrics.TasksFinished.WithLabelValues(string(cluster.TaskFailed)).Inc()
	}
	s.finishAssignmentLocked(a, at)

	approvals, rejections := vt.Tally()
	s.logger.Info("validation settled",
		zap.String("node", s.id),
		zap.String("task", t.ID),
		zap.String("assignee", a.NodeID),
		zap.String("verdict", string(vt.Status)),
		zap.Int("approvals", approvals),
		zap.Int("rejections", rejections))
	return nil
}

func (s *Scheduler) applyCancel(cmd command) error {
	t, ok := s.tasks[cmd.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, cmd.TaskID)
	}
	switch t.Status {
	case cluster.TaskPending:
	case cluster.TaskAssigned:
		a, err := s.registry.UpdateStatus(t.AssignmentID, assignment.StatusCancelled, cmd.At)
		if err != nil {
			return err
		}
		if a.ValidationID != "" {
			s.pool.Release(a.ValidationID)
		}
		s.finishAssignmentLocked(a, time.Time{})
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, t.ID, t.Status)
	}
	s.setStatus(t, cluster.TaskCancelled, cmd.At)
	s.metrics.TasksFinished.WithLabelValues(string(cluster.TaskCancelled)).Inc()
	s.logger.Info("task cancelled", zap.String("node", s.id), zap.String("task", t.ID))
	return nil
}

// finishAssignmentLocked returns the connection a balanced placement took.
// A non-zero at also feeds the response time of a successful execution.
func (s *Scheduler) finishAssignmentLocked(a assignment.Assignment, at time.Time) {
	if !at.IsZero() {
		s.balancer.RecordResponseTime(a.NodeID, at.Sub(a.CreatedAt))
	}
	if _, ok := s.balanced[a.ID]; ok {
		delete(s.balanced, a.ID)
		s.balancer.Release(a.NodeID)
	}
}

func (s *Scheduler) setStatus(t *cluster.Task, status cluster.TaskStatus, at time.Time) {
	if !cluster.ValidTaskTransition(t.Status, status) {
		s.logger.Error("invalid task transition",
			zap.String("task", t.ID),
			zap.String("from", string(t.Status)),
			zap.String("to", string(status)))
	}
	finished := status.Terminal() && !t.Status.Terminal()
	t.Status = status
	t.UpdatedAt = at
	if finished {
		s.retireLocked(t.ID)
	}
}

// retireLocked queues a finished task for eviction and evicts the oldest
// finished tasks past the retention limit. Tasks finish in log order, so
// every replica evicts the same ones.
func (s *Scheduler) retireLocked(id string) {
	s.retired.Enqueue(id)
	for s.retired.Len() > s.cfg.Retention {
		old := s.retired.Dequeue().(string)
		if a, ok := s.registry.ForTask(old); ok && a.ValidationID != "" {
			s.pool.Forget(a.ValidationID)
		}
		s.registry.Forget(old)
		delete(s.tasks, old)
		delete(s.maxAttempts, old)
		s.logger.Debug("finished task evicted", zap.String("node", s.id), zap.String("task", old))
	}
}
