package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/consensus"
	"github.com/dreamware/hive/internal/transport"
	"github.com/dreamware/hive/internal/validation"
)

// Report is an executor's progress on an assignment.
type Report struct {
	AssignmentID string `json:"assignment_id"`
	Type         string `json:"type"`
	Result       []byte `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report types.
const (
	ReportStart  = "start"
	ReportResult = "result"
	ReportFail   = "fail"
)

type submitRequest struct {
	Task cluster.Task `json:"task"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type cancelRequest struct {
	TaskID string `json:"task_id"`
}

type voteRequest struct {
	ValidationID string                   `json:"validation_id"`
	ValidatorID  string                   `json:"validator_id"`
	Vote         cluster.ValidationResult `json:"vote"`
}

type blacklistRequest struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// Register installs the scheduler's RPC handlers. They only act on the
// leader; other nodes answer ErrNotLeader and the caller retries elsewhere.
func (s *Scheduler) Register(mux *transport.Mux) {
	transport.Handle(mux, transport.KindSubmitTask, func(ctx context.Context, _ string, req submitRequest) (submitResponse, error) {
		id, err := s.leaderSubmit(ctx, req.Task)
		return submitResponse{ID: id}, err
	})
	transport.Handle(mux, transport.KindCancelTask, func(ctx context.Context, _ string, req cancelRequest) (struct{}, error) {
		return struct{}{}, s.leaderCancel(ctx, req.TaskID)
	})
	transport.Handle(mux, transport.KindReport, func(ctx context.Context, from string, req Report) (struct{}, error) {
		return struct{}{}, s.leaderReport(ctx, from, req)
	})
	transport.Handle(mux, transport.KindValidationResult, func(ctx context.Context, from string, req voteRequest) (struct{}, error) {
		if from != req.ValidatorID {
			return struct{}{}, fmt.Errorf("%w: %s cannot vote as %s", validation.ErrNotAssignedValidator, from, req.ValidatorID)
		}
		return struct{}{}, s.leaderVote(ctx, req)
	})
	transport.Handle(mux, transport.KindBlacklist, func(ctx context.Context, _ string, req blacklistRequest) (struct{}, error) {
		return struct{}{}, s.leaderBlacklist(ctx, req)
	})
}

// SubmitTask validates task and queues it cluster-wide. An empty id is
// replaced with a generated one. The returned id is the task's.
func (s *Scheduler) SubmitTask(ctx context.Context, task cluster.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.Validate(s.now()); err != nil {
		return "", err
	}
	resp, err := callLeader(ctx, s, transport.KindSubmitTask, submitRequest{Task: task},
		func(ctx context.Context, req submitRequest) (submitResponse, error) {
			id, err := s.leaderSubmit(ctx, req.Task)
			return submitResponse{ID: id}, err
		})
	return resp.ID, err
}

// CancelTask cancels a task that has not started executing.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	_, err := callLeader(ctx, s, transport.KindCancelTask, cancelRequest{TaskID: taskID},
		func(ctx context.Context, req cancelRequest) (struct{}, error) {
			return struct{}{}, s.leaderCancel(ctx, req.TaskID)
		})
	return err
}

// SubmitValidationResult records validatorID's vote on a validation task.
func (s *Scheduler) SubmitValidationResult(ctx context.Context, validationID, validatorID string, vote cluster.ValidationResult) error {
	req := voteRequest{ValidationID: validationID, ValidatorID: validatorID, Vote: vote}
	_, err := callLeader(ctx, s, transport.KindValidationResult, req,
		func(ctx context.Context, req voteRequest) (struct{}, error) {
			return struct{}{}, s.leaderVote(ctx, req)
		})
	return err
}

// Blacklist excludes nodeID from all future work.
func (s *Scheduler) Blacklist(ctx context.Context, nodeID, reason string) error {
	req := blacklistRequest{NodeID: nodeID, Reason: reason}
	_, err := callLeader(ctx, s, transport.KindBlacklist, req,
		func(ctx context.Context, req blacklistRequest) (struct{}, error) {
			return struct{}{}, s.leaderBlacklist(ctx, req)
		})
	return err
}

// report sends this node's progress on an assignment to the leader.
func (s *Scheduler) report(ctx context.Context, r Report) error {
	_, err := callLeader(ctx, s, transport.KindReport, r,
		func(ctx context.Context, r Report) (struct{}, error) {
			return struct{}{}, s.leaderReport(ctx, s.id, r)
		})
	return err
}

const (
	maxCallAttempts = 6
	firstBackoff    = 50 * time.Millisecond
)

// callLeader runs local when this node leads and otherwise sends req to the
// leader. Calls are retried with backoff while there is no leader or the
// leader changes underneath them.
func callLeader[Req, Resp any](ctx context.Context, s *Scheduler, kind transport.Kind, req Req, local func(context.Context, Req) (Resp, error)) (Resp, error) {
	var (
		resp Resp
		err  error
	)
	backoff := firstBackoff
	for attempt := 0; attempt < maxCallAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return resp, errors.Join(err, ctx.Err())
			}
		}
		resp, err = callLeaderOnce(ctx, s, kind, req, local)
		if !retryable(err) {
			return resp, err
		}
	}
	return resp, err
}

func callLeaderOnce[Req, Resp any](ctx context.Context, s *Scheduler, kind transport.Kind, req Req, local func(context.Context, Req) (Resp, error)) (Resp, error) {
	if s.consensus.IsLeader() {
		return local(ctx, req)
	}
	var zero Resp
	leader := s.consensus.LeaderID()
	if leader == "" {
		return zero, ErrNoLeader
	}
	m, ok := s.members.Get(leader)
	if !ok {
		return zero, fmt.Errorf("%w: leader %s not in membership", ErrNoLeader, leader)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReportTimeout)
	defer cancel()
	return transport.Call[Req, Resp](ctx, s.transport, m.Addr, s.id, kind, req)
}

func retryable(err error) bool {
	return errors.Is(err, consensus.ErrNotLeader) ||
		errors.Is(err, consensus.ErrLeadershipLost) ||
		errors.Is(err, ErrNoLeader) ||
		errors.Is(err, transport.ErrUnreachable)
}

func (s *Scheduler) leaderReady() error {
	if !s.consensus.LeaderReady() {
		return consensus.ErrNotLeader
	}
	return nil
}

func (s *Scheduler) leaderSubmit(ctx context.Context, task cluster.Task) (string, error) {
	if err := s.leaderReady(); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := s.now()
	if err := task.Validate(now); err != nil {
		return "", err
	}
	s.mu.RLock()
	_, dup := s.tasks[task.ID]
	s.mu.RUnlock()
	if dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	cmd := command{Type: cmdSubmit, At: now, Task: &task, MaxAttempts: s.cfg.MaxAttempts}
	if err := s.propose(ctx, cmd); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (s *Scheduler) leaderCancel(ctx context.Context, taskID string) error {
	if err := s.leaderReady(); err != nil {
		return err
	}
	t, err := s.Task(taskID)
	if err != nil {
		return err
	}
	if t.Status != cluster.TaskPending && t.Status != cluster.TaskAssigned {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, taskID, t.Status)
	}
	if err := s.propose(ctx, command{Type: cmdCancel, At: s.now(), TaskID: taskID}); err != nil {
		return err
	}
	// Lost a race with the executor starting.
	if t, _ = s.Task(taskID); t.Status != cluster.TaskCancelled {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, taskID, t.Status)
	}
	return nil
}

func (s *Scheduler) leaderReport(ctx context.Context, from string, r Report) error {
	if err := s.leaderReady(); err != nil {
		return err
	}
	a, err := s.registry.Get(r.AssignmentID)
	if err != nil {
		return err
	}
	if a.NodeID != from {
		return fmt.Errorf("%w: %s holds %s", ErrNotAssignee, a.NodeID, a.ID)
	}
	if !a.Active() {
		return fmt.Errorf("%w: %s is %s", assignment.ErrInvalidTransition, a.ID, a.Status)
	}

	cmd := command{At: s.now(), AssignmentID: a.ID, NodeID: from}
	switch r.Type {
	case ReportStart:
		if a.Status != assignment.StatusAssigned {
			return nil
		}
		cmd.Type = cmdStart
	case ReportResult, ReportFail:
		if a.Status != assignment.StatusAssigned && a.Status != assignment.StatusInProgress {
			return fmt.Errorf("%w: %s is %s", assignment.ErrInvalidTransition, a.ID, a.Status)
		}
		cmd.Type = cmdResult
		cmd.Result = r.Result
		if r.Type == ReportFail {
			cmd.Type = cmdFail
			cmd.Result = nil
		}
		cmd.Reason = r.Error
	default:
		return fmt.Errorf("unknown report type %q", r.Type)
	}
	s.logger.Debug("report",
		zap.String("node", s.id),
		zap.String("from", from),
		zap.String("assignment", a.ID),
		zap.String("type", r.Type))
	return s.propose(ctx, cmd)
}

func (s *Scheduler) leaderVote(ctx context.Context, req voteRequest) error {
	if err := s.leaderReady(); err != nil {
		return err
	}
	vt, err := s.pool.Get(req.ValidationID)
	if err != nil {
		return err
	}
	assigned := false
	for _, id := range vt.Validators {
		if id == req.ValidatorID {
			assigned = true
		}
	}
	if !assigned {
		return fmt.Errorf("%w: %s on %s", validation.ErrNotAssignedValidator, req.ValidatorID, vt.ID)
	}
	if vt.Resolved() {
		return nil
	}
	vote := req.Vote
	return s.propose(ctx, command{
		Type:         cmdVote,
		At:           s.now(),
		ValidationID: vt.ID,
		NodeID:       req.ValidatorID,
		Vote:         &vote,
	})
}

func (s *Scheduler) leaderBlacklist(ctx context.Context, req blacklistRequest) error {
	if err := s.leaderReady(); err != nil {
		return err
	}
	if req.NodeID == "" {
		return fmt.Errorf("blacklist: node id required")
	}
	if s.trust.IsBlacklisted(req.NodeID) {
		return nil
	}
	return s.propose(ctx, command{Type: cmdBlacklist, At: s.now(), NodeID: req.NodeID, Reason: req.Reason})
}
