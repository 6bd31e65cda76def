package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/consensus"
	"github.com/dreamware/hive/internal/membership"
	"github.com/dreamware/hive/internal/partition"
	"github.com/dreamware/hive/internal/validation"
)

// tick is one leader scheduling pass. Followers return immediately.
//
// Housekeeping commands (timeouts, requeues for departed nodes, validator
// roster changes) are committed first so that placement sees the tasks and
// validators they free.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.consensus.LeaderReady() {
		return
	}
	start := time.Now()
	defer func() { s.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickInterval*4)
	defer cancel()

	now := s.now()
	var housekeeping []command
	housekeeping = append(housekeeping, s.expiryCommands(now)...)
	housekeeping = append(housekeeping, s.sweepCommands(now)...)
	housekeeping = append(housekeeping, s.rosterCommands(now)...)
	if err := s.proposeAll(ctx, housekeeping); err != nil {
		s.logger.Warn("housekeeping not committed", zap.String("node", s.id), zap.Error(err))
		return
	}
	if err := s.proposeAll(ctx, s.placementCommands(now)); err != nil {
		s.logger.Warn("placement not committed", zap.String("node", s.id), zap.Error(err))
	}
}

// proposeAll appends cmds to the log and waits until the last one has been
// applied locally.
func (s *Scheduler) proposeAll(ctx context.Context, cmds []command) error {
	if len(cmds) == 0 {
		return nil
	}
	var index, term uint64
	for _, cmd := range cmds {
		raw, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		if index, term, err = s.consensus.Propose(ctx, raw); err != nil {
			return err
		}
	}
	return s.consensus.WaitApplied(ctx, index, term)
}

// propose commits a single command and waits for it to apply.
func (s *Scheduler) propose(ctx context.Context, cmd command) error {
	return s.proposeAll(ctx, []command{cmd})
}

// expiryCommands times out assignments and validations past their deadline.
func (s *Scheduler) expiryCommands(now time.Time) []command {
	var cmds []command
	for _, a := range s.registry.Expired(now) {
		cmds = append(cmds, command{Type: cmdTimeout, At: now, AssignmentID: a.ID})
	}
	for _, vt := range s.pool.Pending() {
		if vt.StartedAt.IsZero() || !vt.Deadline().Before(now) {
			continue
		}
		cmds = append(cmds, command{Type: cmdValidationTimeout, At: now, ValidationID: vt.ID})
	}
	return cmds
}

// sweepCommands requeues work held by nodes that failed, left or were
// blacklisted. Results already under validation are left to the validators.
func (s *Scheduler) sweepCommands(now time.Time) []command {
	var cmds []command
	for _, a := range s.registry.Active() {
		if a.Status != assignment.StatusAssigned && a.Status != assignment.StatusInProgress {
			continue
		}
		reason := s.unavailable(a.NodeID)
		if reason == "" {
			continue
		}
		cmds = append(cmds, command{
			Type:         cmdRequeue,
			At:           now,
			AssignmentID: a.ID,
			NodeID:       a.NodeID,
			Reason:       reason,
		})
	}
	return cmds
}

// unavailable returns why nodeID can no longer hold work, or "".
func (s *Scheduler) unavailable(nodeID string) string {
	if s.trust.IsBlacklisted(nodeID) {
		return "node blacklisted"
	}
	m, ok := s.members.Get(nodeID)
	if !ok || m.Status == membership.StatusFailed {
		return "node failed"
	}
	return ""
}

// rosterCommands keeps the replicated validator roster in line with the
// active, non-blacklisted membership and the task types each member
// advertises for review.
func (s *Scheduler) rosterCommands(now time.Time) []command {
	var cmds []command
	active := make(map[string]bool)
	for _, m := range s.members.Active() {
		if s.trust.IsBlacklisted(m.ID) {
			continue
		}
		active[m.ID] = true
		specs := slices.Clone(m.Validates)
		slices.Sort(specs)
		v, ok := s.pool.Validator(m.ID)
		if !ok || v.Status == validation.ValidatorOffline || !slices.Equal(v.Specializations, specs) {
			cmds = append(cmds, command{Type: cmdValidator, At: now, NodeID: m.ID, Online: true, Specializations: specs})
		}
	}
	for _, v := range s.pool.Validators() {
		if v.Status == validation.ValidatorOffline || active[v.NodeID] {
			continue
		}
		if _, ok := s.members.Get(v.NodeID); ok && !s.trust.IsBlacklisted(v.NodeID) {
			// Suspected or leaving: keep it until the detector decides.
			continue
		}
		cmds = append(cmds, command{Type: cmdValidator, At: now, NodeID: v.NodeID})
	}
	return cmds
}

// schedulableNodes returns the active, non-blacklisted members with their
// reputation and projected load filled in.
func (s *Scheduler) schedulableNodes() []cluster.Node {
	var nodes []cluster.Node
	for _, m := range s.members.Active() {
		if s.trust.IsBlacklisted(m.ID) {
			continue
		}
		n := m.Node()
		n.Reputation = s.trust.Score(m.ID)
		n.Capacity.CurrentLoad = min(1, n.Capacity.CurrentLoad+s.registry.ProjectedLoad(m.ID))
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// placementCommands decides where pending tasks run.
//
// First attempts go through the partition strategy. Retries, and tasks the
// strategy put on a node that cannot take them, go through the balancer,
// which avoids the node that held the previous attempt when it can.
func (s *Scheduler) placementCommands(now time.Time) []command {
	var fresh, retries []cluster.Task
	s.mu.RLock()
	for _, t := range s.tasks {
		if t.Status != cluster.TaskPending {
			continue
		}
		if t.Attempts > 0 {
			retries = append(retries, t.Clone())
		} else {
			fresh = append(fresh, t.Clone())
		}
	}
	s.mu.RUnlock()
	if len(fresh)+len(retries) == 0 {
		return nil
	}
	nodes := s.schedulableNodes()
	if len(nodes) == 0 {
		return nil
	}
	byID := make(map[string]*cluster.Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	p := &placement{
		s:        s,
		now:      now,
		nodes:    byID,
		reserved: make(map[string]bool),
	}

	res := partition.Partition(fresh, nodes, s.strategy)
	owners := make([]string, 0, len(res.Assignments))
	for id := range res.Assignments {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	for _, id := range owners {
		for _, t := range res.Assignments[id] {
			n := byID[id]
			if !suits(*n, t) {
				retries = append(retries, t)
				continue
			}
			p.place(t, n, false)
		}
	}
	if len(res.Unplaced) > 0 {
		s.logger.Debug("tasks left pending",
			zap.String("node", s.id),
			zap.Int("unplaced", len(res.Unplaced)))
	}

	sortTasks(retries)
	for _, t := range retries {
		candidates := make([]cluster.Node, 0, len(nodes))
		for _, n := range nodes {
			candidates = append(candidates, *byID[n.ID])
		}
		if prev, ok := s.registry.ForTask(t.ID); ok && len(candidates) > 1 {
			candidates = without(candidates, prev.NodeID)
		}
		picked := s.balancer.SelectNode(candidates, t)
		if picked == nil {
			continue
		}
		if !p.place(t, byID[picked.ID], true) {
			s.balancer.Release(picked.ID)
		}
	}
	return p.cmds
}

// placement accumulates one tick's assign commands.
type placement struct {
	s        *Scheduler
	now      time.Time
	nodes    map[string]*cluster.Node
	reserved map[string]bool
	cmds     []command
}

// place builds the assign command for t on n. It returns false when the
// task needs validators and none are free; the task then stays pending.
func (p *placement) place(t cluster.Task, n *cluster.Node, balanced bool) bool {
	s := p.s
	share := n.Capacity.LoadShare(t.Requirements, partition.DefaultTaskLoad)
	cmd := command{
		Type:         cmdAssign,
		At:           p.now,
		TaskID:       t.ID,
		NodeID:       n.ID,
		AssignmentID: uuid.NewString(),
		Share:        share,
		Balanced:     balanced,
	}

	if count, threshold, timeout, needed := s.validationPolicy(t, n.ID); needed {
		ids := s.pool.Select(t.Type, count, func(id string) bool {
			return id == n.ID || p.reserved[id] || s.trust.IsBlacklisted(id) || !s.isActive(id)
		})
		if len(ids) == 0 {
			s.logger.Info("no validators free, task stays pending",
				zap.String("node", s.id),
				zap.String("task", t.ID),
				zap.String("assignee", n.ID))
			return false
		}
		for _, id := range ids {
			p.reserved[id] = true
		}
		cmd.ValidationID = uuid.NewString()
		cmd.Validators = ids
		cmd.Threshold = threshold
		cmd.ValidationTimeout = timeout
	}

	n.Capacity.CurrentLoad = min(1, n.Capacity.CurrentLoad+share)
	p.cmds = append(p.cmds, cmd)
	return true
}

// validationPolicy decides whether t's result on nodeID must be reviewed,
// and by how many validators. Review is required when the task asks for it,
// is a validation task, has priority above the configured level, or runs
// on a node whose trust tier is low.
func (s *Scheduler) validationPolicy(t cluster.Task, nodeID string) (count int, threshold float64, timeout time.Duration, needed bool) {
	count, threshold, timeout = s.cfg.Validators, s.cfg.ConsensusThreshold, s.cfg.ValidationTimeout
	if v := t.Validation; v != nil {
		if v.ValidatorCount > 0 {
			count = v.ValidatorCount
		}
		if v.ConsensusThreshold > 0 {
			threshold = v.ConsensusThreshold
		}
		if v.Timeout > 0 {
			timeout = v.Timeout
		}
		needed = true
	}
	if t.Type == cluster.TaskValidation || t.Priority > s.cfg.ValidationPriority {
		needed = true
	}
	if s.trust.EvaluateNodeTrust(nodeID).Tier.Low() {
		needed = true
	}
	return count, threshold, timeout, needed
}

func (s *Scheduler) isActive(nodeID string) bool {
	m, ok := s.members.Get(nodeID)
	return ok && m.Status == membership.StatusActive
}

// NodeFailed requeues the work of a node the failure detector gave up on
// and drops the balancer's history for it. Only the leader requeues; the
// periodic sweep covers anything missed here.
func (s *Scheduler) NodeFailed(nodeID string) {
	s.balancer.Forget(nodeID)
	if !s.consensus.LeaderReady() {
		return
	}
	now := s.now()
	var cmds []command
	for _, a := range s.registry.ForNode(nodeID) {
		if a.Status != assignment.StatusAssigned && a.Status != assignment.StatusInProgress {
			continue
		}
		cmds = append(cmds, command{
			Type:         cmdRequeue,
			At:           now,
			AssignmentID: a.ID,
			NodeID:       nodeID,
			Reason:       "node failed",
		})
	}
	if len(cmds) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TickInterval*4)
		defer cancel()
		if err := s.proposeAll(ctx, cmds); err != nil && !errors.Is(err, consensus.ErrStopped) {
			s.logger.Warn("requeue after failure not committed",
				zap.String("node", s.id),
				zap.String("failed", nodeID),
				zap.Error(err))
			return
		}
		s.logger.Info("requeued work of failed node",
			zap.String("node", s.id),
			zap.String("failed", nodeID),
			zap.Int("assignments", len(cmds)))
	}()
}

func suits(n cluster.Node, t cluster.Task) bool {
	return n.Capacity.Fits(t.Requirements) && n.Reputation >= t.Requirements.TrustFloor()
}

func without(nodes []cluster.Node, id string) []cluster.Node {
	out := make([]cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

func sortTasks(tasks []cluster.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if !tasks[i].SubmittedAt.Equal(tasks[j].SubmittedAt) {
			return tasks[i].SubmittedAt.Before(tasks[j].SubmittedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
