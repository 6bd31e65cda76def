package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/balancer"
	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/consensus"
	"github.com/dreamware/hive/internal/membership"
	"github.com/dreamware/hive/internal/metrics"
	"github.com/dreamware/hive/internal/partition"
	"github.com/dreamware/hive/internal/transport"
	"github.com/dreamware/hive/internal/trust"
	"github.com/dreamware/hive/internal/validation"
)

var (
	// ErrNoLeader is returned when no leader is known to forward a request to.
	ErrNoLeader = errors.New("no leader")
	// ErrUnknownTask is returned for task ids the scheduler has never seen.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotCancellable is returned when cancelling a task that already started.
	ErrNotCancellable = errors.New("task not cancellable")
	// ErrDuplicateTask is returned when a task id is submitted twice.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrNotAssignee is returned when a node reports on an assignment it does not hold.
	ErrNotAssignee = errors.New("not the assignee")
)

func init() {
	transport.RegisterError("no_leader", ErrNoLeader)
	transport.RegisterError("unknown_task", ErrUnknownTask)
	transport.RegisterError("not_cancellable", ErrNotCancellable)
	transport.RegisterError("duplicate_task", ErrDuplicateTask)
	transport.RegisterError("not_assignee", ErrNotAssignee)
	transport.RegisterError("invalid_task", cluster.ErrInvalidTask)
	transport.RegisterError("deadline_passed", cluster.ErrDeadlinePassed)
	transport.RegisterError("unknown_assignment", assignment.ErrUnknownAssignment)
	transport.RegisterError("invalid_transition", assignment.ErrInvalidTransition)
	transport.RegisterError("unknown_validation_task", validation.ErrUnknownValidationTask)
	transport.RegisterError("not_assigned_validator", validation.ErrNotAssignedValidator)
}

// Consensus is the replicated log the scheduler drives.
type Consensus interface {
	Propose(ctx context.Context, command []byte) (uint64, uint64, error)
	WaitApplied(ctx context.Context, index, term uint64) error
	IsLeader() bool
	LeaderReady() bool
	LeaderID() string
	State() consensus.Status
}

// Membership is the scheduler's read-only view of the cluster.
type Membership interface {
	Active() []membership.Member
	Get(id string) (membership.Member, bool)
}

// Config tunes scheduling. Every node of a cluster must use the same values.
type Config struct {
	TickInterval       time.Duration
	ReportTimeout      time.Duration
	ValidationTimeout  time.Duration
	Strategy           string
	Balancer           string
	ConsensusThreshold float64
	MaxAttempts        int
	Workers            int
	ValidationPriority int
	Validators         int
	// Retention is how many finished tasks stay queryable. Older ones are
	// evicted along with their assignment and validation records.
	Retention int
}

// DefaultRetention is the finished-task retention used when none is set.
const DefaultRetention = 10000

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Second,
		ReportTimeout:      2 * time.Second,
		ValidationTimeout:  10 * time.Second,
		Strategy:           partition.WorkloadAware,
		Balancer:           balancer.Adaptive,
		ConsensusThreshold: 0.67,
		MaxAttempts:        3,
		Workers:            4,
		ValidationPriority: 8,
		Validators:         3,
		Retention:          DefaultRetention,
	}
}

// State is the read-only snapshot served by GET /api/state.
type State struct {
	NodeID          string `json:"nodeId"`
	LeaderID        string `json:"leaderId"`
	Term            uint64 `json:"term"`
	ActiveNodeCount int    `json:"activeNodeCount"`
	PendingCount    int    `json:"pendingCount"`
	RunningCount    int    `json:"runningCount"`
	IsLeader        bool   `json:"isLeader"`
}

// Scheduler is the task state machine of one node plus, while the node
// leads, the placement loop that feeds it.
type Scheduler struct {
	id        string
	cfg       Config
	consensus Consensus
	members   Membership
	transport transport.Transport

	registry *assignment.Registry
	pool     *validation.Pool
	trust    *trust.Manager
	balancer *balancer.Balancer
	strategy partition.Strategy
	executor Executor
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.RWMutex
	tasks       map[string]*cluster.Task
	maxAttempts map[string]int
	balanced    map[string]string
	retired     *queue.Queue

	queue  *jobQueue
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRegistry sets the assignment registry.
func WithRegistry(r *assignment.Registry) Option { return func(s *Scheduler) { s.registry = r } }

// WithPool sets the validator pool.
func WithPool(p *validation.Pool) Option { return func(s *Scheduler) { s.pool = p } }

// WithTrust sets the trust manager. Its blacklist callback should call
// OnBlacklisted.
func WithTrust(t *trust.Manager) Option { return func(s *Scheduler) { s.trust = t } }

// WithExecutor sets what runs tasks assigned to this node.
func WithExecutor(e Executor) Option { return func(s *Scheduler) { s.executor = e } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides time.Now for timestamps the leader puts in commands.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates the scheduler for node id.
func New(id string, cfg Config, c Consensus, members Membership, tr transport.Transport, opts ...Option) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		id:          id,
		cfg:         cfg,
		consensus:   c,
		members:     members,
		transport:   tr,
		logger:      zap.NewNop(),
		now:         time.Now,
		tasks:       make(map[string]*cluster.Task),
		maxAttempts: make(map[string]int),
		balanced:    make(map[string]string),
		retired:     queue.New(),
		queue:       newJobQueue(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = assignment.NewRegistry(nil, assignment.WithLogger(s.logger))
	}
	if s.pool == nil {
		s.pool = validation.NewPool(validation.WithLogger(s.logger))
	}
	if s.trust == nil {
		s.trust = trust.NewManager(trust.WithLogger(s.logger), trust.OnBlacklist(s.OnBlacklisted))
	}
	if s.executor == nil {
		s.executor = DigestExecutor{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New(id)
	}

	strategy, err := partition.New(cfg.Strategy)
	if err != nil {
		cancel()
		return nil, err
	}
	s.strategy = strategy
	bal, err := balancer.New(cfg.Balancer, balancer.WithBlacklist(s.trust))
	if err != nil {
		cancel()
		return nil, err
	}
	s.balancer = bal
	if s.cfg.MaxAttempts <= 0 {
		s.cfg.MaxAttempts = 1
	}
	if s.cfg.Retention <= 0 {
		s.cfg.Retention = DefaultRetention
	}
	if s.cfg.Workers <= 0 {
		s.cfg.Workers = 1
	}
	return s, nil
}

// Run starts the scheduling tick and the local workers. It returns when
// ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(gctx)
			case <-gctx.Done():
				return nil
			case <-s.ctx.Done():
				return nil
			}
		}
	})
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(gctx)
			return nil
		})
	}
	s.logger.Info("scheduler started",
		zap.String("node", s.id),
		zap.String("strategy", s.strategy.Name()),
		zap.String("balancer", s.balancer.Strategy()),
		zap.Int("workers", s.cfg.Workers))
	return g.Wait()
}

// Stop cancels the loops and in-flight reports.
func (s *Scheduler) Stop() { s.cancel() }

// OnBlacklisted takes a blacklisted node out of validator selection. It is
// the trust manager's blacklist callback.
func (s *Scheduler) OnBlacklisted(nodeID, reason string) {
	s.pool.SetOffline(nodeID)
	s.metrics.Blacklisted.Inc()
	s.logger.Warn("node excluded from scheduling",
		zap.String("node", s.id),
		zap.String("blacklisted", nodeID),
		zap.String("reason", reason))
}

// Trust returns the trust manager.
func (s *Scheduler) Trust() *trust.Manager { return s.trust }

// Task returns a copy of task id.
func (s *Scheduler) Task(id string) (cluster.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return cluster.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t.Clone(), nil
}

// Tasks returns every task, oldest first.
func (s *Scheduler) Tasks() []cluster.Task {
	s.mu.RLock()
	out := make([]cluster.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Assignment returns the current assignment of task id.
func (s *Scheduler) Assignment(taskID string) (assignment.Assignment, bool) {
	return s.registry.ForTask(taskID)
}

// Validation returns validation task id.
func (s *Scheduler) Validation(id string) (validation.Task, error) {
	return s.pool.Get(id)
}

// State returns the scheduler snapshot.
func (s *Scheduler) State() State {
	cs := s.consensus.State()
	st := State{
		NodeID:          s.id,
		IsLeader:        cs.Role == consensus.RoleLeader,
		LeaderID:        cs.LeaderID,
		Term:            cs.Term,
		ActiveNodeCount: len(s.members.Active()),
	}
	s.mu.RLock()
	for _, t := range s.tasks {
		switch t.Status {
		case cluster.TaskPending:
			st.PendingCount++
		case cluster.TaskAssigned, cluster.TaskExecuting, cluster.TaskValidating:
			st.RunningCount++
		}
	}
	s.mu.RUnlock()
	return st
}
