package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/metrics"
	"github.com/dreamware/hive/internal/transport"
)

var (
	// ErrNotLeader is returned by Propose on a node that is not the leader.
	ErrNotLeader = errors.New("not the leader")
	// ErrLeadershipLost is returned by WaitApplied when the proposed entry
	// was overwritten by another leader.
	ErrLeadershipLost = errors.New("leadership lost before commit")
	// ErrStopped is returned once the node has been stopped.
	ErrStopped = errors.New("consensus stopped")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid consensus config")
)

// Role is a node's part in the protocol.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// maxBatch caps the entries carried by one append request.
const maxBatch = 256

// Entry is one slot of the replicated log. Entries without a command are
// the no-ops a new leader appends.
type Entry struct {
	Index   uint64          `json:"index"`
	Term    uint64          `json:"term"`
	Command json.RawMessage `json:"command,omitempty"`
}

// Config holds the protocol timings.
type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 300 * time.Millisecond,
		ElectionTimeoutMax: 450 * time.Millisecond,
		HeartbeatInterval:  100 * time.Millisecond,
		RPCTimeout:         200 * time.Millisecond,
	}
}

// Validate checks the timings are usable.
func (c Config) Validate() error {
	switch {
	case c.ElectionTimeoutMin <= 0 || c.HeartbeatInterval <= 0 || c.RPCTimeout <= 0:
		return fmt.Errorf("%w: timings must be positive", ErrInvalidConfig)
	case c.ElectionTimeoutMax <= c.ElectionTimeoutMin:
		return fmt.Errorf("%w: election timeout max must exceed min", ErrInvalidConfig)
	case c.HeartbeatInterval >= c.ElectionTimeoutMin:
		return fmt.Errorf("%w: heartbeat interval must be below election timeout", ErrInvalidConfig)
	}
	return nil
}

// Status is a snapshot of a node's consensus state.
type Status struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	LeaderID    string `json:"leader_id,omitempty"`
	Term        uint64 `json:"term"`
	CommitIndex uint64 `json:"commit_index"`
	LastIndex   uint64 `json:"last_index"`
	LastApplied uint64 `json:"last_applied"`
}

// ApplyFunc receives committed commands in log order.
type ApplyFunc func(Entry)

// VoterFunc returns the current voter set, this node included.
type VoterFunc func() []cluster.NodeInfo

// Raft is one participant in leader election and log replication.
type Raft struct {
	id           string
	cfg          Config
	transport    transport.Transport
	voters       VoterFunc
	apply        ApplyFunc
	onLeadership func(leader bool, term uint64)
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
	rand         *rand.Rand

	mu               sync.Mutex
	role             Role
	term             uint64
	votedFor         string
	leaderID         string
	log              []Entry
	commitIndex      uint64
	lastApplied      uint64
	leaderStart      uint64
	leaderSince      time.Time
	electionDeadline time.Time
	nextHeartbeat    time.Time
	nextIndex        map[string]uint64
	matchIndex       map[string]uint64
	lastAck          map[string]time.Time
	inflight         map[string]bool
	applied          chan struct{}

	commitCh chan struct{}
	kick     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option configures a Raft node.
type Option func(*Raft)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Raft) { r.logger = l } }

// WithApply sets the function receiving committed commands.
func WithApply(fn ApplyFunc) Option { return func(r *Raft) { r.apply = fn } }

// WithLeadershipHandler is called whenever this node gains or loses
// leadership. It must not block.
func WithLeadershipHandler(fn func(leader bool, term uint64)) Option {
	return func(r *Raft) { r.onLeadership = fn }
}

// WithMetrics records terms, leadership and elections.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Raft) { r.metrics = m } }

// WithRand seeds election timeouts.
func WithRand(rng *rand.Rand) Option { return func(r *Raft) { r.rand = rng } }

// New creates a follower at term zero with an empty log.
func New(id string, tr transport.Transport, voters VoterFunc, cfg Config, opts ...Option) *Raft {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Raft{
		id:         id,
		cfg:        cfg,
		transport:  tr,
		voters:     voters,
		logger:     zap.NewNop(),
		now:        time.Now,
		role:       RoleFollower,
		log:        []Entry{{}},
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		lastAck:    make(map[string]time.Time),
		inflight:   make(map[string]bool),
		applied:    make(chan struct{}),
		commitCh:   make(chan struct{}, 1),
		kick:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rand == nil {
		r.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r.resetElectionLocked(r.now())
	return r
}

// Run drives timers, replication and the apply loop until ctx is cancelled
// or Stop is called.
func (r *Raft) Run(ctx context.Context) error {
	r.mu.Lock()
	r.resetElectionLocked(r.now())
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.runTimers(gctx) })
	g.Go(func() error { return r.runApply(gctx) })
	r.logger.Info("consensus started",
		zap.String("node", r.id),
		zap.Duration("election_min", r.cfg.ElectionTimeoutMin),
		zap.Duration("election_max", r.cfg.ElectionTimeoutMax),
		zap.Duration("heartbeat", r.cfg.HeartbeatInterval))
	return g.Wait()
}

// Stop cancels the loops and in-flight RPCs.
func (r *Raft) Stop() { r.cancel() }

func (r *Raft) runTimers(ctx context.Context) error {
	tick := r.cfg.HeartbeatInterval / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.tick(r.now())
		case <-r.kick:
			r.replicate()
		case <-ctx.Done():
			return nil
		case <-r.ctx.Done():
			return nil
		}
	}
}

func (r *Raft) tick(now time.Time) {
	var elect, send, lost bool
	var term uint64

	r.mu.Lock()
	switch r.role {
	case RoleLeader:
		if !r.hasQuorumLocked(now) {
			term = r.term
			r.logger.Warn("lost contact with majority, stepping down",
				zap.String("node", r.id), zap.Uint64("term", r.term))
			lost = r.stepDownLocked(r.term, now)
		} else if !now.Before(r.nextHeartbeat) {
			r.nextHeartbeat = now.Add(r.cfg.HeartbeatInterval)
			send = true
		}
	default:
		if !now.Before(r.electionDeadline) {
			if r.isVoterLocked(r.id) {
				elect = true
			} else {
				r.resetElectionLocked(now)
			}
		}
	}
	r.mu.Unlock()

	if lost {
		r.notifyLeadership(false, term)
	}
	if elect {
		r.startElection()
	}
	if send {
		r.replicate()
	}
}

// Propose appends command, which must be JSON, to the leader's log and
// returns its index and term. The command is applied once committed; use
// WaitApplied to block until then.
func (r *Raft) Propose(_ context.Context, command []byte) (uint64, uint64, error) {
	if !json.Valid(command) {
		return 0, 0, fmt.Errorf("propose: command is not valid JSON")
	}
	r.mu.Lock()
	if r.role != RoleLeader {
		r.mu.Unlock()
		return 0, 0, ErrNotLeader
	}
	e := Entry{Index: r.lastIndexLocked() + 1, Term: r.term, Command: append(json.RawMessage(nil), command...)}
	r.log = append(r.log, e)
	r.advanceCommitLocked()
	r.mu.Unlock()

	r.kickReplication()
	return e.Index, e.Term, nil
}

// WaitApplied blocks until the entry at index has been applied locally.
// It fails with ErrLeadershipLost if a different entry took the slot.
func (r *Raft) WaitApplied(ctx context.Context, index, term uint64) error {
	for {
		r.mu.Lock()
		if index <= r.lastIndexLocked() && r.log[index].Term != term {
			r.mu.Unlock()
			return ErrLeadershipLost
		}
		if r.lastApplied >= index {
			r.mu.Unlock()
			return nil
		}
		ch := r.applied
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrStopped
		}
	}
}

// ProposeAndWait proposes command and waits for it to be applied.
func (r *Raft) ProposeAndWait(ctx context.Context, command []byte) error {
	index, term, err := r.Propose(ctx, command)
	if err != nil {
		return err
	}
	return r.WaitApplied(ctx, index, term)
}

// State returns a snapshot of the node's state.
func (r *Raft) State() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ID:          r.id,
		Role:        r.role,
		LeaderID:    r.leaderID,
		Term:        r.term,
		CommitIndex: r.commitIndex,
		LastIndex:   r.lastIndexLocked(),
		LastApplied: r.lastApplied,
	}
}

// IsLeader reports whether this node currently believes it leads.
func (r *Raft) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role == RoleLeader
}

// LeaderReady reports whether this node leads and has applied every entry
// from earlier terms, so its state machine is current.
func (r *Raft) LeaderReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role == RoleLeader && r.lastApplied >= r.leaderStart
}

// LeaderID returns the leader this node last heard from, or "".
func (r *Raft) LeaderID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderID
}

// Entries returns a copy of the log, without the sentinel at index zero.
func (r *Raft) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.log)-1)
	copy(out, r.log[1:])
	return out
}

func (r *Raft) runApply(ctx context.Context) error {
	for {
		select {
		case <-r.commitCh:
		case <-ctx.Done():
			return nil
		case <-r.ctx.Done():
			return nil
		}
		for {
			r.mu.Lock()
			if r.lastApplied >= r.commitIndex {
				r.mu.Unlock()
				break
			}
			batch := make([]Entry, r.commitIndex-r.lastApplied)
			copy(batch, r.log[r.lastApplied+1:r.commitIndex+1])
			r.mu.Unlock()

			for _, e := range batch {
				if len(e.Command) > 0 && r.apply != nil {
					r.apply(e)
				}
				r.mu.Lock()
				r.lastApplied = e.Index
				close(r.applied)
				r.applied = make(chan struct{})
				r.mu.Unlock()
			}
		}
	}
}

func (r *Raft) lastIndexLocked() uint64 { return uint64(len(r.log) - 1) }

func (r *Raft) lastTermLocked() uint64 { return r.log[len(r.log)-1].Term }

func (r *Raft) isVoterLocked(id string) bool {
	return slices.ContainsFunc(r.voters(), func(n cluster.NodeInfo) bool { return n.ID == id })
}

func (r *Raft) resetElectionLocked(now time.Time) {
	spread := r.cfg.ElectionTimeoutMax - r.cfg.ElectionTimeoutMin
	timeout := r.cfg.ElectionTimeoutMin
	if spread > 0 {
		timeout += time.Duration(r.rand.Int63n(int64(spread)))
	}
	r.electionDeadline = now.Add(timeout)
}

// stepDownLocked adopts term and becomes a follower. It reports whether the
// node was leading.
func (r *Raft) stepDownLocked(term uint64, now time.Time) bool {
	wasLeader := r.role == RoleLeader
	if term > r.term {
		r.term = term
		r.votedFor = ""
		r.leaderID = ""
		if r.metrics != nil {
			r.metrics.Term.Set(float64(term))
		}
	}
	if wasLeader {
		r.leaderID = ""
	}
	r.role = RoleFollower
	r.resetElectionLocked(now)
	return wasLeader
}

// observeTerm steps down when a peer reports a newer term.
func (r *Raft) observeTerm(term uint64) {
	r.mu.Lock()
	if term <= r.term {
		r.mu.Unlock()
		return
	}
	lost := r.stepDownLocked(term, r.now())
	r.mu.Unlock()
	if lost {
		r.notifyLeadership(false, term)
	}
}

func (r *Raft) notifyLeadership(leader bool, term uint64) {
	if r.metrics != nil {
		r.metrics.SetLeader(leader, term)
	}
	if r.onLeadership != nil {
		r.onLeadership(leader, term)
	}
}

func (r *Raft) kickReplication() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Raft) signalCommit() {
	select {
	case r.commitCh <- struct{}{}:
	default:
	}
}
