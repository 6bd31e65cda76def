package validation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/cluster"
)

// Pool owns the validators and the validation tasks they work on.
//
// Validators are selected by the leader with Select and reserved with
// Reserve; every replica applies the same Reserve, AttachResult and
// SubmitResult calls so all nodes agree on each verdict.
type Pool struct {
	validators        map[string]*Validator
	tasks             map[string]*Task
	logger            *zap.Logger
	minReputation     float64
	initialReputation float64
	mu                sync.RWMutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithInitialReputation sets the reputation new validators start with.
func WithInitialReputation(r float64) Option {
	return func(p *Pool) { p.initialReputation = r }
}

// WithMinReputation sets the reputation validators must exceed to be selected.
func WithMinReputation(r float64) Option {
	return func(p *Pool) { p.minReputation = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates an empty pool.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		validators:        make(map[string]*Validator),
		tasks:             make(map[string]*Task),
		logger:            zap.NewNop(),
		minReputation:     MinReputation,
		initialReputation: DefaultInitialReputation,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds nodeID as a validator, or brings an offline one back. An
// existing validator keeps its reputation and counters.
func (p *Pool) Register(nodeID string, specializations []cluster.TaskType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.validators[nodeID]
	if !ok {
		p.validators[nodeID] = &Validator{
			NodeID:          nodeID,
			Status:          ValidatorAvailable,
			Reputation:      p.initialReputation,
			Specializations: append([]cluster.TaskType(nil), specializations...),
		}
		return
	}
	if specializations != nil {
		v.Specializations = append([]cluster.TaskType(nil), specializations...)
	}
	if v.Status == ValidatorOffline {
		if v.CurrentTask != "" {
			v.Status = ValidatorValidating
		} else {
			v.Status = ValidatorAvailable
		}
	}
}

// SetOffline marks nodeID unavailable for selection. Votes it already cast
// still count.
func (p *Pool) SetOffline(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.validators[nodeID]; ok {
		v.Status = ValidatorOffline
	}
}

// Validator returns a copy of nodeID's record.
func (p *Pool) Validator(nodeID string) (Validator, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.validators[nodeID]
	if !ok {
		return Validator{}, false
	}
	return v.clone(), true
}

// Validators returns every validator sorted by id.
func (p *Pool) Validators() []Validator {
	p.mu.RLock()
	out := make([]Validator, 0, len(p.validators))
	for _, v := range p.validators {
		out = append(out, v.clone())
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Select picks up to count validators for taskType: available, reputation
// above the pool minimum, covering the type and not excluded. Highest
// reputation wins, ties broken by id.
func (p *Pool) Select(taskType cluster.TaskType, count int, exclude func(nodeID string) bool) []string {
	p.mu.RLock()
	candidates := make([]Validator, 0, len(p.validators))
	for _, v := range p.validators {
		if v.Status != ValidatorAvailable || v.Reputation <= p.minReputation || !v.Covers(taskType) {
			continue
		}
		if exclude != nil && exclude(v.NodeID) {
			continue
		}
		candidates = append(candidates, *v)
	}
	p.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Reputation != candidates[j].Reputation {
			return candidates[i].Reputation > candidates[j].Reputation
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})
	if count > len(candidates) {
		count = len(candidates)
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = candidates[i].NodeID
	}
	return ids
}

// Reservation describes a validation task to create.
type Reservation struct {
	ID                 string
	TaskID             string
	TaskType           cluster.TaskType
	Validators         []string
	ConsensusThreshold float64
	Timeout            time.Duration
}

// Reserve creates a pending validation task and marks its validators busy.
// Validators the pool has not seen are registered first, so replicas whose
// membership view lags still apply the same reservation.
func (p *Pool) Reserve(r Reservation, now time.Time) (Task, error) {
	if len(r.Validators) == 0 {
		return Task{}, ErrNoValidators
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[r.ID]; exists {
		return Task{}, fmt.Errorf("reserve: duplicate validation id %s", r.ID)
	}
	t := &Task{
		ID:                 r.ID,
		TaskID:             r.TaskID,
		TaskType:           r.TaskType,
		Validators:         append([]string(nil), r.Validators...),
		Votes:              make(map[string]cluster.ValidationResult),
		ConsensusThreshold: r.ConsensusThreshold,
		Timeout:            r.Timeout,
		Status:             StatusPending,
		CreatedAt:          now,
	}
	for _, id := range t.Validators {
		v, ok := p.validators[id]
		if !ok {
			v = &Validator{NodeID: id, Reputation: p.initialReputation}
			p.validators[id] = v
		}
		if v.Status != ValidatorOffline {
			v.Status = ValidatorValidating
		}
		v.CurrentTask = t.ID
	}
	p.tasks[t.ID] = t
	return t.Clone(), nil
}

// AttachResult hands the executed result to the validation task and starts
// its timeout.
func (p *Pool) AttachResult(id string, result []byte, now time.Time) (Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownValidationTask, id)
	}
	t.Result = append([]byte(nil), result...)
	t.StartedAt = now
	return t.Clone(), nil
}

// AssignValidators selects count validators for task (excluding the given
// nodes), reserves them and attaches result. When fewer than count are
// eligible it uses as many as there are; with none it returns
// ErrNoValidators.
func (p *Pool) AssignValidators(task cluster.Task, result []byte, count int, threshold float64, timeout time.Duration, exclude func(string) bool, now time.Time) (Task, error) {
	ids := p.Select(task.Type, count, exclude)
	if len(ids) == 0 {
		return Task{}, ErrNoValidators
	}
	t, err := p.Reserve(Reservation{
		TaskID:             task.ID,
		TaskType:           task.Type,
		Validators:         ids,
		ConsensusThreshold: threshold,
		Timeout:            timeout,
	}, now)
	if err != nil {
		return Task{}, err
	}
	return p.AttachResult(t.ID, result, now)
}

// SubmitResult records validatorID's vote. A validator may change its vote
// until the task resolves; the last vote counts. Votes on a resolved task
// change nothing and return the task as it stands.
func (p *Pool) SubmitResult(id, validatorID string, vote cluster.ValidationResult, now time.Time) (Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownValidationTask, id)
	}
	if !contains(t.Validators, validatorID) {
		return Task{}, fmt.Errorf("%w: %s on %s", ErrNotAssignedValidator, validatorID, id)
	}
	if t.Resolved() {
		return t.Clone(), nil
	}

	t.Votes[validatorID] = vote
	if status := evaluate(t); status != StatusPending {
		p.resolveLocked(t, status, now)
	}
	return t.Clone(), nil
}

// Expire rejects every pending task whose deadline is before now and
// returns them.
func (p *Pool) Expire(now time.Time) []Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Task
	for _, t := range p.tasks {
		if t.Resolved() || t.StartedAt.IsZero() || !t.Deadline().Before(now) {
			continue
		}
		p.resolveLocked(t, StatusRejected, now)
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExpireTask rejects one pending task regardless of its deadline. Replicas
// use it to apply a timeout decided by the leader.
func (p *Pool) ExpireTask(id string, now time.Time) (Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownValidationTask, id)
	}
	if !t.Resolved() {
		p.resolveLocked(t, StatusRejected, now)
	}
	return t.Clone(), nil
}

// Release drops a validation task and frees its validators without a
// verdict. Used when the underlying task is cancelled or reassigned.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return
	}
	p.freeLocked(t)
	delete(p.tasks, id)
}

// Forget drops a resolved validation task.
func (p *Pool) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tasks[id]; ok && t.Resolved() {
		delete(p.tasks, id)
	}
}

// Get returns a copy of validation task id.
func (p *Pool) Get(id string) (Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownValidationTask, id)
	}
	return t.Clone(), nil
}

// Pending returns unresolved tasks sorted by id.
func (p *Pool) Pending() []Task {
	p.mu.RLock()
	var out []Task
	for _, t := range p.tasks {
		if !t.Resolved() {
			out = append(out, t.Clone())
		}
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolveLocked settles t, adjusts the reputation of every validator that
// voted and releases them all.
func (p *Pool) resolveLocked(t *Task, status Status, now time.Time) {
	t.Status = status
	t.ResolvedAt = now
	approved := status == StatusApproved

	for id, vote := range t.Votes {
		v, ok := p.validators[id]
		if !ok {
			continue
		}
		if vote.Approved == approved {
			v.Reputation = min(1, v.Reputation+rewardAgree)
			v.Successful++
		} else {
			v.Reputation = max(0, v.Reputation-penaltyDisagree)
			v.Failed++
		}
	}
	p.freeLocked(t)

	approvals, rejections := t.Tally()
	p.logger.Info("validation resolved",
		zap.String("validation", t.ID),
		zap.String("task", t.TaskID),
		zap.String("status", string(status)),
		zap.Int("approvals", approvals),
		zap.Int("rejections", rejections),
		zap.Int("validators", len(t.Validators)))
}

func (p *Pool) freeLocked(t *Task) {
	for _, id := range t.Validators {
		v, ok := p.validators[id]
		if !ok || v.CurrentTask != t.ID {
			continue
		}
		v.CurrentTask = ""
		if v.Status == ValidatorValidating {
			v.Status = ValidatorAvailable
		}
	}
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
