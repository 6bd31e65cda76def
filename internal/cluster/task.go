package cluster

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTask is returned when a task's requirements are malformed.
	ErrInvalidTask = errors.New("invalid task")
	// ErrDeadlinePassed is returned when a task is submitted with a deadline in the past.
	ErrDeadlinePassed = errors.New("deadline passed")
)

// TaskType identifies the kind of work a task carries.
type TaskType string

const (
	TaskCompute    TaskType = "compute"
	TaskStorage    TaskType = "storage"
	TaskValidation TaskType = "validation"
	TaskConsensus  TaskType = "consensus"
)

// TaskTypes lists every known task type.
var TaskTypes = []TaskType{TaskCompute, TaskStorage, TaskValidation, TaskConsensus}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskExecuting  TaskStatus = "executing"
	TaskValidating TaskStatus = "validating"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskTransitions holds the allowed task state changes. Returning to pending
// is how reassignment after a failure or timeout is expressed.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskCancelled, TaskFailed},
	TaskAssigned:   {TaskExecuting, TaskPending, TaskCancelled, TaskFailed},
	TaskExecuting:  {TaskValidating, TaskCompleted, TaskFailed, TaskPending},
	TaskValidating: {TaskCompleted, TaskFailed},
}

// ValidTaskTransition reports whether a task may move from src to dst.
func ValidTaskTransition(src, dst TaskStatus) bool {
	for _, s := range taskTransitions[src] {
		if s == dst {
			return true
		}
	}
	return false
}

// Requirements are the resources a task needs from the node executing it.
// MinTrustLevel is optional; when set the assignee's reputation must reach it.
type Requirements struct {
	MinTrustLevel     *float64      `json:"min_trust_level,omitempty"`
	MinCPU            float64       `json:"min_cpu"`
	MinMemory         float64       `json:"min_memory"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// TrustFloor returns the minimum trust level or zero when none is set.
func (r Requirements) TrustFloor() float64 {
	if r.MinTrustLevel == nil {
		return 0
	}
	return *r.MinTrustLevel
}

// ValidationRequirement asks for BFT review of a task's result.
type ValidationRequirement struct {
	ValidatorCount     int           `json:"validator_count"`
	ConsensusThreshold float64       `json:"consensus_threshold"`
	Timeout            time.Duration `json:"timeout"`
}

// Task is a unit of work submitted to the cluster.
type Task struct {
	Deadline     time.Time              `json:"deadline"`
	SubmittedAt  time.Time              `json:"submitted_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	Validation   *ValidationRequirement `json:"validation,omitempty"`
	ID           string                 `json:"id"`
	Type         TaskType               `json:"type"`
	AssignmentID string                 `json:"assignment_id,omitempty"`
	Status       TaskStatus             `json:"status"`
	Error        string                 `json:"error,omitempty"`
	Payload      []byte                 `json:"payload,omitempty"`
	Result       []byte                 `json:"result,omitempty"`
	Requirements Requirements           `json:"requirements"`
	Priority     int                    `json:"priority"`
	Attempts     int                    `json:"attempts"`
}

// Validate checks a task at submission time.
func (t Task) Validate(now time.Time) error {
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTask, t.Type)
	}
	if t.Priority < 0 || t.Priority > 10 {
		return fmt.Errorf("%w: priority %d outside [0,10]", ErrInvalidTask, t.Priority)
	}
	r := t.Requirements
	if r.MinCPU < 0 || r.MinMemory < 0 || r.EstimatedDuration < 0 {
		return fmt.Errorf("%w: negative resource requirement", ErrInvalidTask)
	}
	if r.MinTrustLevel != nil && (*r.MinTrustLevel < 0 || *r.MinTrustLevel > 1) {
		return fmt.Errorf("%w: min trust level outside [0,1]", ErrInvalidTask)
	}
	if v := t.Validation; v != nil {
		if v.ValidatorCount < 0 || v.Timeout < 0 {
			return fmt.Errorf("%w: negative validation parameter", ErrInvalidTask)
		}
		if v.ConsensusThreshold < 0 || v.ConsensusThreshold > 1 {
			return fmt.Errorf("%w: consensus threshold outside [0,1]", ErrInvalidTask)
		}
	}
	if !t.Deadline.IsZero() && !t.Deadline.After(now) {
		return ErrDeadlinePassed
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	if t.Payload != nil {
		out.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		out.Result = append([]byte(nil), t.Result...)
	}
	if t.Validation != nil {
		v := *t.Validation
		out.Validation = &v
	}
	if t.Requirements.MinTrustLevel != nil {
		m := *t.Requirements.MinTrustLevel
		out.Requirements.MinTrustLevel = &m
	}
	return out
}

// ValidationResult is a validator's verdict on a task result.
type ValidationResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}
