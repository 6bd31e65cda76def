package assignment

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/storage"
)

// DefaultTimeout bounds assignments of tasks with neither a deadline nor an
// estimated duration.
const DefaultTimeout = 30 * time.Second

// Registry is the authoritative record of which node is executing which task,
// and the projected load those assignments put on each node.
//
// The registry enforces:
//   - at most one active assignment per task
//   - status changes only along the transition table
//   - every change appended to the assignment's history and to the journal
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│               Registry                   │
//	├──────────────────────────────────────────┤
//	│  byID:   assignmentID → *Assignment      │
//	│  byTask: taskID → current assignmentID   │
//	│  byNode: nodeID → set of assignmentIDs   │
//	│  load:   nodeID → projected load         │
//	├──────────────────────────────────────────┤
//	│  journal: storage.Store                  │
//	│  assignment/<id>/<seq>  → Transition     │
//	└──────────────────────────────────────────┘
//
// A task that is reassigned supersedes its previous assignment: the old
// record leaves the in-memory indexes and remains only in the journal.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned values are copies.
// The journal is written while holding the registry lock so journal order
// matches transition order.
type Registry struct {
	byID   map[string]*Assignment
	byTask map[string]string
	byNode map[string]map[string]struct{}
	load   map[string]float64

	journal        storage.Store
	logger         *zap.Logger
	defaultTimeout time.Duration

	mu sync.RWMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry journaling to journal. A nil journal
// uses an in-memory store.
//
// Example:
//
//	db, _ := storage.NewBoltStore("/var/lib/hive/journal.db")
//	reg := assignment.NewRegistry(db, assignment.WithLogger(logger))
func NewRegistry(journal storage.Store, opts ...Option) *Registry {
	if journal == nil {
		journal = storage.NewMemoryStore()
	}
	r := &Registry{
		byID:           make(map[string]*Assignment),
		byTask:         make(map[string]string),
		byNode:         make(map[string]map[string]struct{}),
		load:           make(map[string]float64),
		journal:        journal,
		logger:         zap.NewNop(),
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AssignOption customises a single AssignWork call.
type AssignOption func(*Assignment)

// WithID fixes the assignment id instead of generating one. Replicas applying
// the same command must use the same id.
func WithID(id string) AssignOption {
	return func(a *Assignment) { a.ID = id }
}

// WithValidation links the assignment to a reserved validation task.
func WithValidation(validationID string) AssignOption {
	return func(a *Assignment) { a.ValidationID = validationID }
}

// WithShare sets the projected load share the assignment reserves.
func WithShare(share float64) AssignOption {
	return func(a *Assignment) { a.Share = share }
}

// AssignWork records that nodeID will execute task.
//
// The deadline is the task's own deadline, otherwise now plus the task's
// estimated duration, otherwise now plus the registry's default timeout.
// Validators must already have been reserved by the caller.
//
// Parameters:
//   - task: the task being placed (only ID, Deadline and Requirements are read)
//   - nodeID: the executing node
//   - validators: node ids that will validate the result (may be empty)
//   - now: creation time
//
// Returns:
//   - A copy of the new assignment
//   - ErrTaskAlreadyAssigned if the task still has an active assignment
//
// Example:
//
//	a, err := reg.AssignWork(task, "node-2", nil, time.Now())
//	if errors.Is(err, assignment.ErrTaskAlreadyAssigned) {
//	    // a previous attempt is still running
//	}
func (r *Registry) AssignWork(task cluster.Task, nodeID string, validators []string, now time.Time, opts ...AssignOption) (Assignment, error) {
	if task.ID == "" || nodeID == "" {
		return Assignment{}, fmt.Errorf("assign work: task and node ids are required")
	}

	a := &Assignment{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		NodeID:     nodeID,
		Status:     StatusAssigned,
		Validators: append([]string(nil), validators...),
		CreatedAt:  now,
		UpdatedAt:  now,
		History:    []Transition{{To: StatusAssigned, At: now}},
	}
	a.Deadline = deadlineFor(task, now, r.defaultTimeout)
	for _, opt := range opts {
		opt(a)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prevID, ok := r.byTask[task.ID]; ok {
		prev := r.byID[prevID]
		if prev != nil && prev.Active() {
			return Assignment{}, fmt.Errorf("%w: task %s held by %s", ErrTaskAlreadyAssigned, task.ID, prev.NodeID)
		}
		r.dropLocked(prevID)
	}
	if _, exists := r.byID[a.ID]; exists {
		return Assignment{}, fmt.Errorf("assign work: duplicate assignment id %s", a.ID)
	}

	r.byID[a.ID] = a
	r.byTask[task.ID] = a.ID
	if r.byNode[nodeID] == nil {
		r.byNode[nodeID] = make(map[string]struct{})
	}
	r.byNode[nodeID][a.ID] = struct{}{}
	r.load[nodeID] += a.Share

	r.journalLocked(a, 0)
	r.logger.Debug("work assigned",
		zap.String("assignment", a.ID),
		zap.String("task", a.TaskID),
		zap.String("node", nodeID),
		zap.Time("deadline", a.Deadline),
		zap.Int("validators", len(a.Validators)))
	return a.Clone(), nil
}

// UpdateStatus moves an assignment to status. It is the only way an
// assignment changes after creation.
//
// Returns:
//   - The updated copy
//   - ErrUnknownAssignment for unknown ids
//   - ErrInvalidTransition when the transition table forbids the change
//
// Thread Safety:
// Safe for concurrent use; concurrent updates to the same assignment are
// serialised and the loser sees ErrInvalidTransition if the winner made its
// change impossible.
func (r *Registry) UpdateStatus(id string, status Status, at time.Time) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return Assignment{}, fmt.Errorf("%w: %s", ErrUnknownAssignment, id)
	}
	if !ValidTransition(a.Status, status) {
		return a.Clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}

	a.History = append(a.History, Transition{From: a.Status, To: status, At: at})
	a.Status = status
	a.UpdatedAt = at
	if status.Terminal() {
		r.releaseLocked(a)
	}

	r.journalLocked(a, len(a.History)-1)
	r.logger.Debug("assignment status",
		zap.String("assignment", id),
		zap.String("task", a.TaskID),
		zap.String("status", string(status)))
	return a.Clone(), nil
}

func (r *Registry) releaseLocked(a *Assignment) {
	r.load[a.NodeID] -= a.Share
	if r.load[a.NodeID] < 1e-9 {
		delete(r.load, a.NodeID)
	}
}

// dropLocked removes a superseded assignment from the indexes.
func (r *Registry) dropLocked(id string) {
	a, ok := r.byID[id]
	if !ok {
		return
	}
	if a.Active() {
		r.releaseLocked(a)
	}
	delete(r.byID, id)
	if set := r.byNode[a.NodeID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byNode, a.NodeID)
		}
	}
	if r.byTask[a.TaskID] == id {
		delete(r.byTask, a.TaskID)
	}
}

// Forget drops the current assignment of taskID from memory. Used when a
// finished task is evicted from the scheduler; the journal keeps its history.
func (r *Registry) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byTask[taskID]; ok {
		r.dropLocked(id)
	}
}

func journalKey(id string, seq int) string {
	return fmt.Sprintf("assignment/%s/%08d", id, seq)
}

type journalEntry struct {
	Transition
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
}

// journalLocked writes history entry seq. Journal failures are logged, not
// returned: the journal is an audit trail and the replicated log is the
// source of truth.
func (r *Registry) journalLocked(a *Assignment, seq int) {
	raw, err := json.Marshal(journalEntry{Transition: a.History[seq], TaskID: a.TaskID, NodeID: a.NodeID})
	if err == nil {
		err = r.journal.Put(journalKey(a.ID, seq), raw)
	}
	if err != nil {
		r.logger.Warn("journal write failed", zap.String("assignment", a.ID), zap.Error(err))
	}
}

// Journal reads back the recorded transitions of an assignment, including
// superseded ones no longer held in memory.
func (r *Registry) Journal(id string) ([]Transition, error) {
	keys, err := r.journal.List("assignment/" + id + "/")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAssignment, id)
	}
	out := make([]Transition, 0, len(keys))
	for _, k := range keys {
		raw, err := r.journal.Get(k)
		if err != nil {
			return nil, err
		}
		var e journalEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode journal %s: %w", k, err)
		}
		out = append(out, e.Transition)
	}
	return out, nil
}

// Get returns the assignment with id.
func (r *Registry) Get(id string) (Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return Assignment{}, fmt.Errorf("%w: %s", ErrUnknownAssignment, id)
	}
	return a.Clone(), nil
}

// ForTask returns the current (most recent) assignment of taskID.
func (r *Registry) ForTask(taskID string) (Assignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTask[taskID]
	if !ok {
		return Assignment{}, false
	}
	return r.byID[id].Clone(), true
}

// ForNode returns the assignments held in memory for nodeID, active or not,
// oldest first.
func (r *Registry) ForNode(nodeID string) []Assignment {
	r.mu.RLock()
	out := make([]Assignment, 0, len(r.byNode[nodeID]))
	for id := range r.byNode[nodeID] {
		out = append(out, r.byID[id].Clone())
	}
	r.mu.RUnlock()
	sortByCreation(out)
	return out
}

// Active returns every active assignment, oldest first.
func (r *Registry) Active() []Assignment {
	return r.filter(func(a *Assignment) bool { return a.Active() })
}

// Expired returns assignments still waiting on their executor (assigned or
// in progress) whose deadline is before now. Validating assignments are
// bounded by their validation timeout instead.
func (r *Registry) Expired(now time.Time) []Assignment {
	return r.filter(func(a *Assignment) bool {
		return (a.Status == StatusAssigned || a.Status == StatusInProgress) && a.Deadline.Before(now)
	})
}

func (r *Registry) filter(keep func(*Assignment) bool) []Assignment {
	r.mu.RLock()
	var out []Assignment
	for _, a := range r.byID {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	r.mu.RUnlock()
	sortByCreation(out)
	return out
}

// ProjectedLoad is the summed share of nodeID's active assignments.
func (r *Registry) ProjectedLoad(nodeID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.load[nodeID]
}

func sortByCreation(as []Assignment) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}
