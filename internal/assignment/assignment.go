package assignment

import (
	"errors"
	"time"

	"github.com/dreamware/hive/internal/cluster"
)

var (
	// ErrUnknownAssignment is returned for ids the registry does not hold.
	ErrUnknownAssignment = errors.New("unknown assignment")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid assignment transition")
	// ErrTaskAlreadyAssigned is returned when a task still has an active assignment.
	ErrTaskAlreadyAssigned = errors.New("task already has an active assignment")
)

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusValidating Status = "validating"
	StatusCompleted  Status = "completed"
	StatusValidated  Status = "validated"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// transitions is the complete table of allowed status changes.
//
//	assigned ──► in_progress ──► completed
//	   │              │
//	   │              └────────► validating ──► validated | rejected
//	   │
//	   └──► failed | timeout | cancelled   (also from in_progress, except cancelled)
var transitions = map[Status][]Status{
	StatusAssigned:   {StatusInProgress, StatusFailed, StatusTimeout, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusValidating, StatusFailed, StatusTimeout},
	StatusValidating: {StatusValidated, StatusRejected},
}

// ValidTransition reports whether an assignment may move from src to dst.
func ValidTransition(src, dst Status) bool {
	for _, s := range transitions[src] {
		if s == dst {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Transition is one entry in an assignment's history.
type Transition struct {
	At   time.Time `json:"at"`
	From Status    `json:"from,omitempty"`
	To   Status    `json:"to"`
}

// Assignment binds a task to the node executing it.
//
// Assignments are created by the registry and only ever change status through
// Registry.UpdateStatus. Values handed out by the registry are copies.
type Assignment struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `json:"deadline"`

	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`

	// ValidationID links to the BFT validation task, if one was reserved.
	ValidationID string `json:"validation_id,omitempty"`
	Status       Status `json:"status"`

	Validators []string     `json:"validators,omitempty"`
	History    []Transition `json:"history"`

	// Share is the fraction of the node's capacity this assignment reserves
	// in the projected load model while active.
	Share float64 `json:"share"`
}

// Active reports whether the assignment still holds its node.
func (a Assignment) Active() bool {
	return !a.Status.Terminal()
}

// RequiresValidation reports whether validators were reserved.
func (a Assignment) RequiresValidation() bool {
	return len(a.Validators) > 0
}

// Clone returns a deep copy.
func (a Assignment) Clone() Assignment {
	out := a
	out.Validators = append([]string(nil), a.Validators...)
	out.History = append([]Transition(nil), a.History...)
	return out
}

// deadlineFor picks the task's deadline, else now plus its estimated
// duration, else now plus fallback.
func deadlineFor(task cluster.Task, now time.Time, fallback time.Duration) time.Time {
	if !task.Deadline.IsZero() {
		return task.Deadline
	}
	if d := task.Requirements.EstimatedDuration; d > 0 {
		return now.Add(d)
	}
	return now.Add(fallback)
}
