package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/config"
	"github.com/dreamware/hive/internal/consensus"
	"github.com/dreamware/hive/internal/identity"
	"github.com/dreamware/hive/internal/membership"
	"github.com/dreamware/hive/internal/scheduler"
	"github.com/dreamware/hive/internal/transport"
	"github.com/dreamware/hive/internal/trust"
	"github.com/dreamware/hive/internal/validation"
)

func testConfig(id string, peers []cluster.NodeInfo) config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.Advertise = id
	cfg.Node.Capacity = cluster.Capacity{CPU: 400, Memory: 8192, Bandwidth: 100}
	cfg.Cluster.Bootstrap = true
	cfg.Cluster.Peers = peers
	cfg.Consensus.ElectionTimeoutMin = 150 * time.Millisecond
	cfg.Consensus.ElectionTimeoutMax = 300 * time.Millisecond
	cfg.Consensus.HeartbeatInterval = 30 * time.Millisecond
	cfg.Consensus.RPCTimeout = 100 * time.Millisecond
	cfg.Membership.HeartbeatInterval = 50 * time.Millisecond
	cfg.Membership.SuspicionTimeout = 300 * time.Millisecond
	cfg.Membership.FailureTimeout = 800 * time.Millisecond
	cfg.Scheduler.TickInterval = 50 * time.Millisecond
	cfg.Scheduler.ReportTimeout = 300 * time.Millisecond
	cfg.Scheduler.DefaultAssignmentTimeout = 5 * time.Second
	cfg.Validation.Timeout = 2 * time.Second
	return cfg
}

type testNode struct {
	*Node
	cancel context.CancelFunc
	done   chan error
}

type testCluster struct {
	t     *testing.T
	net   *transport.LocalNetwork
	nodes map[string]*testNode
	mu    sync.Mutex
}

func newTestCluster(t *testing.T, ids ...string) *testCluster {
	t.Helper()
	return newTestClusterWith(t, ids, nil, nil)
}

func newTestClusterWith(t *testing.T, ids []string, tweak func(*config.Config), extra map[string][]Option) *testCluster {
	t.Helper()
	peers := make([]cluster.NodeInfo, len(ids))
	for i, id := range ids {
		peers[i] = cluster.NodeInfo{ID: id, Addr: id}
	}
	c := &testCluster{t: t, net: transport.NewLocalNetwork(), nodes: make(map[string]*testNode)}
	for _, id := range ids {
		cfg := testConfig(id, peers)
		if tweak != nil {
			tweak(&cfg)
		}
		c.start(cfg, extra[id]...)
	}
	t.Cleanup(c.stopAll)
	return c
}

func (c *testCluster) start(cfg config.Config, extra ...Option) *testNode {
	c.t.Helper()
	id, err := identity.Generate()
	require.NoError(c.t, err)
	opts := append([]Option{
		WithTransport(c.net.Endpoint(cfg.Node.ID)),
		WithIdentity(id),
		WithLogger(zap.NewNop()),
		WithLoadProbe(nil),
	}, extra...)
	n, err := New(cfg, opts...)
	require.NoError(c.t, err)
	c.net.Register(cfg.Node.ID, n.Mux())

	ctx, cancel := context.WithCancel(context.Background())
	tn := &testNode{Node: n, cancel: cancel, done: make(chan error, 1)}
	go func() { tn.done <- n.Run(ctx) }()

	c.mu.Lock()
	c.nodes[cfg.Node.ID] = tn
	c.mu.Unlock()
	return tn
}

func (c *testCluster) stop(id string) {
	c.mu.Lock()
	tn, ok := c.nodes[id]
	delete(c.nodes, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.net.Disconnect(id)
	tn.cancel()
	select {
	case err := <-tn.done:
		assert.NoError(c.t, err)
	case <-time.After(5 * time.Second):
		c.t.Errorf("node %s did not stop", id)
	}
	assert.NoError(c.t, tn.Close())
}

func (c *testCluster) stopAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.stop(id)
	}
}

func (c *testCluster) node(id string) *testNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

// leader waits until exactly one running node leads and its scheduler
// accepts work.
func (c *testCluster) leader() *testNode {
	c.t.Helper()
	var leader *testNode
	require.Eventually(c.t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		leader = nil
		for _, n := range c.nodes {
			if n.Consensus().LeaderReady() {
				if leader != nil {
					return false
				}
				leader = n
			}
		}
		return leader != nil
	}, 5*time.Second, 20*time.Millisecond)
	return leader
}

func (c *testCluster) follower() *testNode {
	c.t.Helper()
	leader := c.leader()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, n := range c.nodes {
		if id != leader.ID() {
			return n
		}
	}
	c.t.Fatal("no follower")
	return nil
}

// waitStatus waits until every running node has applied status for taskID.
func (c *testCluster) waitStatus(taskID string, status cluster.TaskStatus) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, n := range c.nodes {
			task, err := n.Scheduler().Task(taskID)
			if err != nil || task.Status != status {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "task %s never reached %s on every node", taskID, status)
}

func computeTask(payload string) cluster.Task {
	return cluster.Task{Type: cluster.TaskCompute, Priority: 5, Payload: []byte(payload)}
}

func TestClusterCompletesTasks(t *testing.T) {
	c := newTestCluster(t, "n1", "n2", "n3")
	follower := c.follower()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := follower.Scheduler().SubmitTask(context.Background(), computeTask(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i, id := range ids {
		c.waitStatus(id, cluster.TaskCompleted)
		task, err := c.leader().Scheduler().Task(id)
		require.NoError(t, err)
		assert.Equal(t, string(scheduler.Digest([]byte(fmt.Sprintf("job-%d", i)))), string(task.Result))
	}

	state := follower.Scheduler().State()
	assert.False(t, state.IsLeader)
	assert.Equal(t, 3, state.ActiveNodeCount)
	assert.Zero(t, state.PendingCount)
	assert.Zero(t, state.RunningCount)
}

func TestLeaderFailover(t *testing.T) {
	c := newTestCluster(t, "n1", "n2", "n3")
	old := c.leader()
	oldTerm := old.Consensus().State().Term

	c.stop(old.ID())

	leader := c.leader()
	assert.NotEqual(t, old.ID(), leader.ID())
	assert.Greater(t, leader.Consensus().State().Term, oldTerm)

	require.Eventually(t, func() bool {
		m, ok := leader.Membership().Get(old.ID())
		return !ok || m.Status == membership.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	id, err := c.follower().Scheduler().SubmitTask(context.Background(), computeTask("after failover"))
	require.NoError(t, err)
	c.waitStatus(id, cluster.TaskCompleted)

	asg, ok := leader.Scheduler().Assignment(id)
	require.True(t, ok)
	assert.NotEqual(t, old.ID(), asg.NodeID)
}

// flakyExecutor fails while failing is set and otherwise behaves like the
// digest executor.
type flakyExecutor struct {
	scheduler.DigestExecutor
	failing atomic.Bool
}

func (e *flakyExecutor) Execute(ctx context.Context, task cluster.Task) ([]byte, error) {
	if e.failing.Load() {
		return nil, errors.New("boom")
	}
	return e.DigestExecutor.Execute(ctx, task)
}

func TestUntrustedNodeIsValidated(t *testing.T) {
	ids := []string{"n1", "n2", "n3", "n4"}
	executors := make(map[string]*flakyExecutor)
	extra := make(map[string][]Option)
	for _, id := range ids {
		executors[id] = &flakyExecutor{}
		extra[id] = []Option{WithExecutor(executors[id])}
	}
	c := newTestClusterWith(t, ids, func(cfg *config.Config) {
		cfg.Scheduler.MaxAttempts = 1
	}, extra)
	leader := c.leader()

	// Everything except target is saturated, so target is the only placement.
	var target string
	for _, id := range ids {
		if id != leader.ID() && target == "" {
			target = id
			continue
		}
		n := c.node(id)
		capacity := n.Membership().Self().Capacity
		capacity.CurrentLoad = 0.95
		n.Membership().SetCapacity(capacity)
	}
	executors[target].failing.Store(true)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if id == target {
				continue
			}
			m, ok := leader.Membership().Get(id)
			if !ok || m.Capacity.CurrentLoad < 0.9 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	failed, err := leader.Scheduler().SubmitTask(context.Background(), computeTask("doomed"))
	require.NoError(t, err)
	c.waitStatus(failed, cluster.TaskFailed)
	for _, id := range ids {
		assert.True(t, c.node(id).Trust().EvaluateNodeTrust(target).Tier.Low(), "trust of %s as seen by %s", target, id)
	}

	executors[target].failing.Store(false)
	id, err := leader.Scheduler().SubmitTask(context.Background(), computeTask("checked"))
	require.NoError(t, err)
	c.waitStatus(id, cluster.TaskCompleted)

	asg, ok := leader.Scheduler().Assignment(id)
	require.True(t, ok)
	assert.Equal(t, target, asg.NodeID)
	require.NotEmpty(t, asg.ValidationID)
	vt, err := leader.Scheduler().Validation(asg.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, validation.StatusApproved, vt.Status)
	assert.NotContains(t, vt.Validators, target)

	task, err := leader.Scheduler().Task(id)
	require.NoError(t, err)
	assert.Equal(t, string(scheduler.Digest([]byte("checked"))), string(task.Result))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig("n1", nil)
	cfg.Scheduler.Strategy = "round_robin_but_wrong"
	_, err := New(cfg, WithTransport(transport.NewLocalNetwork().Endpoint("n1")), WithLoadProbe(nil))
	require.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", cluster.ErrInvalidTask), http.StatusBadRequest},
		{cluster.ErrDeadlinePassed, http.StatusBadRequest},
		{fmt.Errorf("%w: x", scheduler.ErrUnknownTask), http.StatusNotFound},
		{validation.ErrUnknownValidationTask, http.StatusNotFound},
		{assignment.ErrUnknownAssignment, http.StatusNotFound},
		{membership.ErrUnknownJoinRequest, http.StatusNotFound},
		{membership.ErrNotMember, http.StatusNotFound},
		{trust.ErrUnknownNode, http.StatusNotFound},
		{validation.ErrNotAssignedValidator, http.StatusForbidden},
		{scheduler.ErrNotAssignee, http.StatusForbidden},
		{scheduler.ErrNotCancellable, http.StatusConflict},
		{scheduler.ErrDuplicateTask, http.StatusConflict},
		{assignment.ErrInvalidTransition, http.StatusConflict},
		{scheduler.ErrNoLeader, http.StatusServiceUnavailable},
		{consensus.ErrNotLeader, http.StatusServiceUnavailable},
		{consensus.ErrLeadershipLost, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: n2", transport.ErrUnreachable), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
