package validation

import (
	"errors"
	"math"
	"time"

	"github.com/dreamware/hive/internal/cluster"
)

var (
	// ErrUnknownValidationTask is returned for validation ids the pool does not hold.
	ErrUnknownValidationTask = errors.New("unknown validation task")
	// ErrNotAssignedValidator is returned when a vote comes from a node that
	// was not assigned to the validation task.
	ErrNotAssignedValidator = errors.New("not an assigned validator")
	// ErrNoValidators is returned when no eligible validator is available.
	ErrNoValidators = errors.New("no eligible validators")
)

const (
	// ByzantineFraction is the share of validators assumed faulty.
	ByzantineFraction = 0.33
	// MinReputation is the reputation a validator must exceed to be selected.
	MinReputation = 0.7
	// DefaultInitialReputation is given to validators on registration.
	DefaultInitialReputation = 0.75

	rewardAgree     = 0.01
	penaltyDisagree = 0.05
)

// ValidatorStatus is the availability of a validator.
type ValidatorStatus string

const (
	ValidatorAvailable  ValidatorStatus = "available"
	ValidatorValidating ValidatorStatus = "validating"
	ValidatorOffline    ValidatorStatus = "offline"
)

// Validator is a node that can review other nodes' results.
type Validator struct {
	NodeID          string             `json:"node_id"`
	Status          ValidatorStatus    `json:"status"`
	CurrentTask     string             `json:"current_task,omitempty"`
	Specializations []cluster.TaskType `json:"specializations"`
	Reputation      float64            `json:"reputation"`
	Successful      uint64             `json:"successful"`
	Failed          uint64             `json:"failed"`
}

// Covers reports whether the validator handles taskType. An empty
// specialization list covers every type.
func (v Validator) Covers(taskType cluster.TaskType) bool {
	if len(v.Specializations) == 0 {
		return true
	}
	for _, s := range v.Specializations {
		if s == taskType {
			return true
		}
	}
	return false
}

func (v Validator) clone() Validator {
	v.Specializations = append([]cluster.TaskType(nil), v.Specializations...)
	return v
}

// Status is the outcome of a validation task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Task is a BFT review of one task result by a fixed set of validators.
type Task struct {
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	Votes map[string]cluster.ValidationResult `json:"votes"`

	ID       string           `json:"id"`
	TaskID   string           `json:"task_id"`
	TaskType cluster.TaskType `json:"task_type"`
	Status   Status           `json:"status"`

	Result     []byte   `json:"result,omitempty"`
	Validators []string `json:"validators"`

	ConsensusThreshold float64       `json:"consensus_threshold"`
	Timeout            time.Duration `json:"timeout"`
}

// Deadline is when an unresolved task times out, or zero before the result
// has been attached.
func (t Task) Deadline() time.Time {
	if t.StartedAt.IsZero() {
		return time.Time{}
	}
	return t.StartedAt.Add(t.Timeout)
}

// Resolved reports whether the task reached a verdict.
func (t Task) Resolved() bool {
	return t.Status != StatusPending
}

// Tally counts approving and rejecting votes.
func (t Task) Tally() (approvals, rejections int) {
	for _, v := range t.Votes {
		if v.Approved {
			approvals++
		} else {
			rejections++
		}
	}
	return approvals, rejections
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	out := t
	out.Result = append([]byte(nil), t.Result...)
	out.Validators = append([]string(nil), t.Validators...)
	out.Votes = make(map[string]cluster.ValidationResult, len(t.Votes))
	for k, v := range t.Votes {
		out.Votes[k] = v
	}
	return out
}

// Quorum returns how many of total validators are assumed Byzantine and how
// many approvals are required at the given threshold:
//
//	byzantine = floor(total * 0.33)
//	required  = ceil((total - byzantine) * threshold)
//
// For 5 validators at 0.67 that is 1 and 3.
func Quorum(total int, threshold float64) (byzantine, required int) {
	byzantine = int(math.Floor(float64(total) * ByzantineFraction))
	required = int(math.Ceil(float64(total-byzantine)*threshold - 1e-9))
	if required < 1 && total > 0 {
		required = 1
	}
	return byzantine, required
}

// evaluate decides the task from its current votes: approved once approvals
// reach the quorum, rejected once the quorum can no longer be reached.
func evaluate(t *Task) Status {
	total := len(t.Validators)
	_, required := Quorum(total, t.ConsensusThreshold)
	approvals, rejections := t.Tally()
	switch {
	case approvals >= required:
		return StatusApproved
	case total-rejections < required:
		return StatusRejected
	default:
		return StatusPending
	}
}
