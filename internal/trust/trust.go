package trust

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownNode is returned for nodes the manager has never seen.
var ErrUnknownNode = errors.New("unknown node")

const (
	// DefaultScore is every sub-score on first contact.
	DefaultScore = 0.5
	// HistorySize bounds the recent-behavior window.
	HistorySize = 1000
	// BehaviorWindow is how many of the newest events feed the behavior score.
	BehaviorWindow = 100

	weightCompletion = 0.3
	weightValidation = 0.3
	weightAvail      = 0.2
	weightBehavior   = 0.2

	// minEventsForAutoBlacklist keeps a handful of early failures from
	// permanently excluding a new node.
	minEventsForAutoBlacklist = 20
)

// Tier buckets a composite trust score.
type Tier string

const (
	TierUntrusted Tier = "untrusted"
	TierMinimal   Tier = "minimal"
	TierBasic     Tier = "basic"
	TierStandard  Tier = "standard"
	TierHigh      Tier = "high"
)

// TierFor maps a composite score in [0,1] to its tier.
func TierFor(score float64) Tier {
	switch {
	case score < 0.3:
		return TierUntrusted
	case score < 0.5:
		return TierMinimal
	case score < 0.7:
		return TierBasic
	case score < 0.9:
		return TierStandard
	default:
		return TierHigh
	}
}

// Low reports whether assignments to nodes in this tier need BFT validation.
func (t Tier) Low() bool {
	return t == TierUntrusted || t == TierMinimal
}

type ratio struct {
	ok, bad uint64
}

func (r *ratio) record(success bool) {
	if success {
		r.ok++
	} else {
		r.bad++
	}
}

func (r ratio) score() float64 {
	total := r.ok + r.bad
	if total == 0 {
		return DefaultScore
	}
	return float64(r.ok) / float64(total)
}

// reputation is the manager-owned record for one node.
type reputation struct {
	firstSeen     time.Time
	updatedAt     time.Time
	blacklistedAt time.Time
	history       *window
	reason        string
	completion    ratio
	validation    ratio
	availability  ratio
	blacklisted   bool
}

func (r *reputation) behavior() float64 {
	sum, n := r.history.recent(BehaviorWindow)
	if n == 0 {
		return DefaultScore
	}
	mean := float64(sum) / float64(n)
	return (mean + 1) / 2
}

func (r *reputation) composite() float64 {
	return weightCompletion*r.completion.score() +
		weightValidation*r.validation.score() +
		weightAvail*r.availability.score() +
		weightBehavior*r.behavior()
}

// Reputation is a read-only snapshot of a node's trust record.
type Reputation struct {
	FirstSeen          time.Time `json:"first_seen"`
	UpdatedAt          time.Time `json:"updated_at"`
	BlacklistedAt      time.Time `json:"blacklisted_at,omitempty"`
	NodeID             string    `json:"node_id"`
	BlacklistReason    string    `json:"blacklist_reason,omitempty"`
	Tier               Tier      `json:"tier"`
	TaskCompletion     float64   `json:"task_completion"`
	ValidationAccuracy float64   `json:"validation_accuracy"`
	Availability       float64   `json:"availability"`
	Behavior           float64   `json:"behavior"`
	Score              float64   `json:"score"`
	Events             int       `json:"events"`
	Blacklisted        bool      `json:"blacklisted"`
}

// Evaluation is the result of EvaluateNodeTrust.
type Evaluation struct {
	Tier        Tier    `json:"tier"`
	Score       float64 `json:"score"`
	Blacklisted bool    `json:"blacklisted"`
}

// Manager tracks reputation for every node it has heard of.
// It is the only writer of reputation data; readers get snapshots.
type Manager struct {
	records            map[string]*reputation
	now                func() time.Time
	onBlacklist        func(nodeID, reason string)
	logger             *zap.Logger
	blacklistThreshold float64
	mu                 sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithBlacklistThreshold enables automatic blacklisting of nodes whose
// composite score falls below threshold once enough events were recorded.
func WithBlacklistThreshold(threshold float64) Option {
	return func(m *Manager) { m.blacklistThreshold = threshold }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// OnBlacklist registers a callback fired (outside the lock) when a node is blacklisted.
func OnBlacklist(fn func(nodeID, reason string)) Option {
	return func(m *Manager) { m.onBlacklist = fn }
}

// NewManager creates an empty trust manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records: make(map[string]*reputation),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// recordLocked returns the record for nodeID, creating it on first contact.
func (m *Manager) recordLocked(nodeID string) *reputation {
	r, ok := m.records[nodeID]
	if !ok {
		now := m.now()
		r = &reputation{
			firstSeen: now,
			updatedAt: now,
			history:   newWindow(HistorySize),
		}
		m.records[nodeID] = r
	}
	return r
}

// Touch registers a node with default scores if it is not yet known.
func (m *Manager) Touch(nodeID string) {
	m.mu.Lock()
	m.recordLocked(nodeID)
	m.mu.Unlock()
}

// RecordTaskCompletion records the outcome of a task executed by nodeID.
func (m *Manager) RecordTaskCompletion(nodeID string, success bool) {
	m.record(nodeID, success, func(r *reputation) *ratio { return &r.completion })
}

// RecordValidation records whether nodeID's validation vote matched consensus.
func (m *Manager) RecordValidation(nodeID string, correct bool) {
	m.record(nodeID, correct, func(r *reputation) *ratio { return &r.validation })
}

// RecordAvailability records whether nodeID was reachable when expected.
func (m *Manager) RecordAvailability(nodeID string, available bool) {
	m.record(nodeID, available, func(r *reputation) *ratio { return &r.availability })
}

func (m *Manager) record(nodeID string, success bool, pick func(*reputation) *ratio) {
	m.mu.Lock()
	r := m.recordLocked(nodeID)
	pick(r).record(success)
	if success {
		r.history.push(1)
	} else {
		r.history.push(-1)
	}
	r.updatedAt = m.now()

	var fire bool
	var reason string
	if m.blacklistThreshold > 0 && !r.blacklisted && r.history.len() >= minEventsForAutoBlacklist {
		if score := r.composite(); score < m.blacklistThreshold {
			reason = "trust score below threshold"
			fire = m.blacklistLocked(nodeID, r, reason)
		}
	}
	m.mu.Unlock()

	if fire {
		m.notifyBlacklist(nodeID, reason)
	}
}

// EvaluateNodeTrust combines the four sub-scores into a composite and tier.
// Unknown nodes evaluate at the defaults.
func (m *Manager) EvaluateNodeTrust(nodeID string) Evaluation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[nodeID]
	if !ok {
		return Evaluation{Score: DefaultScore, Tier: TierFor(DefaultScore)}
	}
	score := r.composite()
	return Evaluation{Score: score, Tier: TierFor(score), Blacklisted: r.blacklisted}
}

// Score is shorthand for EvaluateNodeTrust(nodeID).Score.
func (m *Manager) Score(nodeID string) float64 {
	return m.EvaluateNodeTrust(nodeID).Score
}

// BlacklistNode permanently excludes nodeID from selection. The reputation
// record is kept. Returns false if the node was already blacklisted.
func (m *Manager) BlacklistNode(nodeID, reason string) bool {
	m.mu.Lock()
	r := m.recordLocked(nodeID)
	fired := m.blacklistLocked(nodeID, r, reason)
	m.mu.Unlock()

	if fired {
		m.notifyBlacklist(nodeID, reason)
	}
	return fired
}

func (m *Manager) blacklistLocked(nodeID string, r *reputation, reason string) bool {
	if r.blacklisted {
		return false
	}
	r.blacklisted = true
	r.reason = reason
	r.blacklistedAt = m.now()
	m.logger.Warn("node blacklisted",
		zap.String("node", nodeID),
		zap.String("reason", reason),
		zap.Float64("score", r.composite()))
	return true
}

func (m *Manager) notifyBlacklist(nodeID, reason string) {
	if m.onBlacklist != nil {
		m.onBlacklist(nodeID, reason)
	}
}

// IsBlacklisted reports whether nodeID is blacklisted.
func (m *Manager) IsBlacklisted(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[nodeID]
	return ok && r.blacklisted
}

// Get returns a snapshot of nodeID's reputation.
func (m *Manager) Get(nodeID string) (Reputation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[nodeID]
	if !ok {
		return Reputation{}, ErrUnknownNode
	}
	return snapshot(nodeID, r), nil
}

// All returns snapshots of every known node sorted by id.
func (m *Manager) All() []Reputation {
	m.mu.RLock()
	out := make([]Reputation, 0, len(m.records))
	for id, r := range m.records {
		out = append(out, snapshot(id, r))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func snapshot(nodeID string, r *reputation) Reputation {
	score := r.composite()
	return Reputation{
		NodeID:             nodeID,
		FirstSeen:          r.firstSeen,
		UpdatedAt:          r.updatedAt,
		TaskCompletion:     r.completion.score(),
		ValidationAccuracy: r.validation.score(),
		Availability:       r.availability.score(),
		Behavior:           r.behavior(),
		Score:              score,
		Tier:               TierFor(score),
		Events:             r.history.len(),
		Blacklisted:        r.blacklisted,
		BlacklistReason:    r.reason,
		BlacklistedAt:      r.blacklistedAt,
	}
}
