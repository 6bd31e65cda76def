package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/balancer"
	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/partition"
	"github.com/dreamware/hive/internal/transport"
	"github.com/dreamware/hive/internal/validation"
)

func TestNewRejectsUnknownStrategies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = "round_the_houses"
	_, err := New("n1", cfg, &fakeLog{}, newFakeMembers("n1"), nil)
	assert.ErrorIs(t, err, partition.ErrUnknownStrategy)

	cfg = DefaultConfig()
	cfg.Balancer = "coin_flip"
	_, err = New("n1", cfg, &fakeLog{}, newFakeMembers("n1"), nil)
	assert.ErrorIs(t, err, balancer.ErrUnknownStrategy)
}

func TestSubmitTask(t *testing.T) {
	h := newHarness(t, nil, "n1")
	ctx := context.Background()

	t.Run("generates id and queues", func(t *testing.T) {
		id := h.submit(t, cluster.Task{Payload: []byte("x")})
		require.NotEmpty(t, id)
		task := h.task(t, id)
		assert.Equal(t, cluster.TaskPending, task.Status)
		assert.Equal(t, t0, task.SubmittedAt)
		assert.Zero(t, task.Attempts)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := h.s.SubmitTask(ctx, cluster.Task{Type: "quantum"})
		assert.ErrorIs(t, err, cluster.ErrInvalidTask)
		_, err = h.s.SubmitTask(ctx, cluster.Task{Type: cluster.TaskCompute, Priority: 11})
		assert.ErrorIs(t, err, cluster.ErrInvalidTask)
	})

	t.Run("deadline passed", func(t *testing.T) {
		_, err := h.s.SubmitTask(ctx, cluster.Task{Type: cluster.TaskCompute, Deadline: t0.Add(-time.Second)})
		assert.ErrorIs(t, err, cluster.ErrDeadlinePassed)
	})

	t.Run("duplicate", func(t *testing.T) {
		h.submit(t, cluster.Task{ID: "dup"})
		_, err := h.s.SubmitTask(ctx, cluster.Task{ID: "dup", Type: cluster.TaskCompute})
		assert.ErrorIs(t, err, ErrDuplicateTask)
	})
}

func TestSubmitWithoutLeader(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	h.log.leader = false
	h.log.leaderID = ""

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := h.s.SubmitTask(ctx, cluster.Task{Type: cluster.TaskCompute})
	assert.ErrorIs(t, err, ErrNoLeader)
}

func TestTaskLifecycle(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.work(t)

	id := h.submit(t, cluster.Task{Payload: []byte("hello")})
	h.tick()

	task := h.waitStatus(t, id, cluster.TaskCompleted)
	assert.Equal(t, Digest([]byte("hello")), task.Result)
	assert.Equal(t, 1, task.Attempts)

	a, ok := h.s.Assignment(id)
	require.True(t, ok)
	assert.Equal(t, "n1", a.NodeID)
	assert.Equal(t, assignment.StatusCompleted, a.Status)
	assert.False(t, a.RequiresValidation())

	rep, err := h.s.Trust().Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rep.TaskCompletion)

	st := h.s.State()
	assert.True(t, st.IsLeader)
	assert.Equal(t, 3, st.ActiveNodeCount)
	assert.Zero(t, st.PendingCount)
	assert.Zero(t, st.RunningCount)
}

func TestRetriesUntilMaxAttempts(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.members.set("n1", 0.95)
	ctx := context.Background()

	id := h.submit(t, cluster.Task{})
	var holders []string
	for attempt := 1; attempt <= h.s.cfg.MaxAttempts; attempt++ {
		h.tick()
		a, ok := h.s.Assignment(id)
		require.True(t, ok, "attempt %d not placed", attempt)
		require.Equal(t, attempt, h.task(t, id).Attempts)
		if attempt > 1 {
			assert.NotEqual(t, holders[len(holders)-1], a.NodeID, "retry avoids the previous holder")
		}
		holders = append(holders, a.NodeID)
		require.NoError(t, h.s.leaderReport(ctx, a.NodeID, Report{AssignmentID: a.ID, Type: ReportFail, Error: "boom"}))
	}

	task := h.task(t, id)
	assert.Equal(t, cluster.TaskFailed, task.Status)
	assert.Equal(t, "boom", task.Error)
	assert.Empty(t, h.s.pool.Pending(), "failed attempts release their validators")

	rep, err := h.s.Trust().Get(holders[0])
	require.NoError(t, err)
	assert.Zero(t, rep.TaskCompletion)
}

func TestFailedNodeRetryWaitsForValidators(t *testing.T) {
	h := newHarness(t, failingExecutor{}, "n1")
	h.work(t)

	id := h.submit(t, cluster.Task{})
	h.tick()
	task := h.waitStatus(t, id, cluster.TaskPending)
	require.Equal(t, 1, task.Attempts)
	assert.Equal(t, "boom", task.Error)

	// One failure leaves n1 untrusted, and a lone node has nobody to review it.
	require.True(t, h.s.Trust().EvaluateNodeTrust("n1").Tier.Low())
	_, _, _, needed := h.s.validationPolicy(task, "n1")
	require.True(t, needed)

	h.tick()
	task = h.task(t, id)
	assert.Equal(t, cluster.TaskPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.AssignmentID)
}

func TestTimeoutReassigns(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.members.set("n1", 0.95)

	id := h.submit(t, cluster.Task{})
	h.tick()
	first, ok := h.s.Assignment(id)
	require.True(t, ok)
	require.Equal(t, "n2", first.NodeID)

	h.tick()
	assert.Equal(t, first.ID, h.task(t, id).AssignmentID, "nothing expires before the deadline")

	h.clock.Advance(assignment.DefaultTimeout + time.Second)
	h.tick()

	_, err := h.s.registry.Get(first.ID)
	assert.ErrorIs(t, err, assignment.ErrUnknownAssignment, "superseded assignments leave the registry")

	second, ok := h.s.Assignment(id)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "n3", second.NodeID, "retry avoids the node that timed out")

	task := h.task(t, id)
	assert.Equal(t, cluster.TaskAssigned, task.Status)
	assert.Equal(t, 2, task.Attempts)

	rep, err := h.s.Trust().Get("n2")
	require.NoError(t, err)
	assert.Zero(t, rep.TaskCompletion)
}

func TestNodeFailureRequeues(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.members.set("n1", 0.95)

	id := h.submit(t, cluster.Task{})
	h.tick()
	first, _ := h.s.Assignment(id)
	require.Equal(t, "n2", first.NodeID)
	h.s.balancer.RecordResponseTime("n2", time.Second)

	h.members.remove("n2")
	h.s.NodeFailed("n2")
	_, known := h.s.balancer.ResponseTime("n2")
	assert.False(t, known, "balancer history of a failed node is dropped")
	h.waitStatus(t, id, cluster.TaskPending)
	assert.Equal(t, "node failed", h.task(t, id).Error)

	h.tick()
	second, _ := h.s.Assignment(id)
	assert.Equal(t, "n3", second.NodeID)

	v, ok := h.s.pool.Validator("n2")
	require.True(t, ok)
	assert.Equal(t, validation.ValidatorOffline, v.Status)

	rep, err := h.s.Trust().Get("n2")
	require.NoError(t, err)
	assert.Less(t, rep.Availability, 0.5)
}

func TestSweepCatchesMissedFailures(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.members.set("n1", 0.95)

	id := h.submit(t, cluster.Task{})
	h.tick()
	h.members.remove("n2")
	h.tick()

	a, _ := h.s.Assignment(id)
	assert.Equal(t, "n3", a.NodeID)
	assert.Equal(t, 2, h.task(t, id).Attempts)
}

// untrustedHarness places the next task on n2, whose trust tier is
// untrusted, with n1 and n3 free to validate.
func untrustedHarness(t *testing.T) *harness {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.members.set("n2", 0.5)
	for i := 0; i < 5; i++ {
		h.s.Trust().RecordTaskCompletion("n2", false)
	}
	require.True(t, h.s.Trust().EvaluateNodeTrust("n2").Tier.Low())
	return h
}

func TestUntrustedNodeRequiresValidation(t *testing.T) {
	payload := []byte("ledger")
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, string, assignment.Assignment) {
		h := untrustedHarness(t)
		id := h.submit(t, cluster.Task{Payload: payload})
		h.tick()
		a, ok := h.s.Assignment(id)
		require.True(t, ok)
		require.Equal(t, "n2", a.NodeID)
		require.NotEmpty(t, a.ValidationID)
		require.ElementsMatch(t, []string{"n1", "n3"}, a.Validators)

		require.NoError(t, h.s.leaderReport(ctx, "n2", Report{AssignmentID: a.ID, Type: ReportResult, Result: Digest(payload)}))
		require.Equal(t, cluster.TaskValidating, h.task(t, id).Status)
		return h, id, a
	}

	t.Run("approved", func(t *testing.T) {
		h, id, a := setup(t)
		require.NoError(t, h.s.SubmitValidationResult(ctx, a.ValidationID, "n1", cluster.ValidationResult{Approved: true}))
		assert.Equal(t, cluster.TaskValidating, h.task(t, id).Status, "one vote is not a quorum of two")
		require.NoError(t, h.s.SubmitValidationResult(ctx, a.ValidationID, "n3", cluster.ValidationResult{Approved: true}))

		task := h.task(t, id)
		assert.Equal(t, cluster.TaskCompleted, task.Status)
		assert.Equal(t, Digest(payload), task.Result)
		got, _ := h.s.Assignment(id)
		assert.Equal(t, assignment.StatusValidated, got.Status)

		rep, err := h.s.Trust().Get("n3")
		require.NoError(t, err)
		assert.Equal(t, 1.0, rep.ValidationAccuracy)
	})

	t.Run("rejected", func(t *testing.T) {
		h, id, a := setup(t)
		require.NoError(t, h.s.SubmitValidationResult(ctx, a.ValidationID, "n3", cluster.ValidationResult{Approved: false, Reason: "digest mismatch"}))

		task := h.task(t, id)
		assert.Equal(t, cluster.TaskFailed, task.Status)
		assert.Nil(t, task.Result)
		assert.Equal(t, "validation rejected", task.Error)
		got, _ := h.s.Assignment(id)
		assert.Equal(t, assignment.StatusRejected, got.Status)

		v, ok := h.s.pool.Validator("n1")
		require.True(t, ok)
		assert.Equal(t, validation.ValidatorAvailable, v.Status, "validators are freed on resolution")
	})

	t.Run("vote errors", func(t *testing.T) {
		h, _, a := setup(t)
		err := h.s.SubmitValidationResult(ctx, a.ValidationID, "n2", cluster.ValidationResult{Approved: true})
		assert.ErrorIs(t, err, validation.ErrNotAssignedValidator)
		err = h.s.SubmitValidationResult(ctx, "nope", "n1", cluster.ValidationResult{Approved: true})
		assert.ErrorIs(t, err, validation.ErrUnknownValidationTask)
	})

	t.Run("timeout", func(t *testing.T) {
		h, id, _ := setup(t)
		h.clock.Advance(h.s.cfg.ValidationTimeout + time.Second)
		h.tick()

		task := h.task(t, id)
		assert.Equal(t, cluster.TaskFailed, task.Status)
		got, _ := h.s.Assignment(id)
		assert.Equal(t, assignment.StatusRejected, got.Status)

		rep, err := h.s.Trust().Get("n3")
		require.NoError(t, err)
		assert.Less(t, rep.Availability, 0.5, "silent validators lose availability")
	})
}

func TestFinishedTasksAreEvicted(t *testing.T) {
	h := untrustedHarness(t)
	h.s.cfg.Retention = 2
	ctx := context.Background()
	payload := []byte("audit")

	id := h.submit(t, cluster.Task{Payload: payload})
	h.tick()
	a, ok := h.s.Assignment(id)
	require.True(t, ok)
	require.Equal(t, "n2", a.NodeID)
	require.NoError(t, h.s.leaderReport(ctx, "n2", Report{AssignmentID: a.ID, Type: ReportResult, Result: Digest(payload)}))
	for _, v := range a.Validators {
		require.NoError(t, h.s.SubmitValidationResult(ctx, a.ValidationID, v, cluster.ValidationResult{Approved: true}))
	}
	require.Equal(t, cluster.TaskCompleted, h.task(t, id).Status)
	_, err := h.s.pool.Get(a.ValidationID)
	require.NoError(t, err, "kept while within retention")

	for _, c := range []string{"c1", "c2"} {
		h.submit(t, cluster.Task{ID: c})
		require.NoError(t, h.s.CancelTask(ctx, c))
	}

	_, err = h.s.Task(id)
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, ok = h.s.Assignment(id)
	assert.False(t, ok)
	_, err = h.s.registry.Get(a.ID)
	assert.ErrorIs(t, err, assignment.ErrUnknownAssignment)
	_, err = h.s.pool.Get(a.ValidationID)
	assert.ErrorIs(t, err, validation.ErrUnknownValidationTask)

	history, err := h.s.registry.Journal(a.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history, "the journal outlives eviction")

	assert.Equal(t, cluster.TaskCancelled, h.task(t, "c1").Status)
	assert.Equal(t, cluster.TaskCancelled, h.task(t, "c2").Status)
}

func TestRPCSenderMustMatch(t *testing.T) {
	h := untrustedHarness(t)
	ctx := context.Background()
	net := transport.NewLocalNetwork()
	mux := transport.NewMux()
	h.s.Register(mux)
	net.Register("n1", mux)

	id := h.submit(t, cluster.Task{Payload: []byte("p")})
	h.tick()
	a, ok := h.s.Assignment(id)
	require.True(t, ok)
	require.Equal(t, "n2", a.NodeID)

	report := Report{AssignmentID: a.ID, Type: ReportResult, Result: Digest([]byte("p"))}
	_, err := transport.Call[Report, struct{}](ctx, net.Endpoint("n3"), "n1", "n3", transport.KindReport, report)
	assert.ErrorIs(t, err, ErrNotAssignee)
	_, err = transport.Call[Report, struct{}](ctx, net.Endpoint("n2"), "n1", "n2", transport.KindReport, report)
	require.NoError(t, err)

	vote := voteRequest{ValidationID: a.ValidationID, ValidatorID: "n3", Vote: cluster.ValidationResult{Approved: true}}
	_, err = transport.Call[voteRequest, struct{}](ctx, net.Endpoint("n2"), "n1", "n2", transport.KindValidationResult, vote)
	assert.ErrorIs(t, err, validation.ErrNotAssignedValidator, "the assignee cannot vote for a validator")
	_, err = transport.Call[voteRequest, struct{}](ctx, net.Endpoint("n3"), "n1", "n3", transport.KindValidationResult, vote)
	require.NoError(t, err)

	vt, err := h.s.Validation(a.ValidationID)
	require.NoError(t, err)
	assert.Len(t, vt.Votes, 1)
	assert.Contains(t, vt.Votes, "n3")
}

func TestValidationPolicy(t *testing.T) {
	h := untrustedHarness(t)
	cfg := h.s.cfg

	tests := []struct {
		name    string
		task    cluster.Task
		node    string
		needed  bool
		count   int
		timeout time.Duration
	}{
		{"ordinary", cluster.Task{Type: cluster.TaskCompute, Priority: 5}, "n1", false, cfg.Validators, cfg.ValidationTimeout},
		{"high priority", cluster.Task{Type: cluster.TaskCompute, Priority: 9}, "n1", true, cfg.Validators, cfg.ValidationTimeout},
		{"priority at threshold", cluster.Task{Type: cluster.TaskCompute, Priority: 8}, "n1", false, cfg.Validators, cfg.ValidationTimeout},
		{"validation type", cluster.Task{Type: cluster.TaskValidation}, "n1", true, cfg.Validators, cfg.ValidationTimeout},
		{"low trust node", cluster.Task{Type: cluster.TaskCompute}, "n2", true, cfg.Validators, cfg.ValidationTimeout},
		{
			"explicit",
			cluster.Task{Type: cluster.TaskCompute, Validation: &cluster.ValidationRequirement{ValidatorCount: 5, Timeout: time.Minute}},
			"n1", true, 5, time.Minute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, threshold, timeout, needed := h.s.validationPolicy(tt.task, tt.node)
			assert.Equal(t, tt.needed, needed)
			assert.Equal(t, tt.count, count)
			assert.Equal(t, tt.timeout, timeout)
			assert.Equal(t, cfg.ConsensusThreshold, threshold)
		})
	}
}

func TestNoValidatorsLeavesTaskPending(t *testing.T) {
	h := newHarness(t, nil, "n1")
	id := h.submit(t, cluster.Task{Validation: &cluster.ValidationRequirement{ValidatorCount: 3}})
	h.tick()

	task := h.task(t, id)
	assert.Equal(t, cluster.TaskPending, task.Status)
	assert.Zero(t, task.Attempts)
	_, ok := h.s.Assignment(id)
	assert.False(t, ok)
}

func TestValidatorsNotDoubleBooked(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3", "n4")
	first := h.submit(t, cluster.Task{Priority: 9})
	second := h.submit(t, cluster.Task{Priority: 9})
	h.tick()

	a1, ok := h.s.Assignment(first)
	require.True(t, ok)
	require.True(t, a1.RequiresValidation())

	if a2, ok := h.s.Assignment(second); ok {
		for _, v := range a2.Validators {
			assert.NotContains(t, a1.Validators, v)
		}
	} else {
		assert.Equal(t, cluster.TaskPending, h.task(t, second).Status)
	}
}

func TestValidatorSpecializations(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3", "n4")
	h.members.set("n1", 0.95)
	h.members.set("n3", 0.95)
	h.members.validates("n3", cluster.TaskStorage, cluster.TaskConsensus)

	id := h.submit(t, cluster.Task{Priority: 9})
	h.tick()

	v3, ok := h.s.pool.Validator("n3")
	require.True(t, ok)
	assert.Equal(t, []cluster.TaskType{cluster.TaskConsensus, cluster.TaskStorage}, v3.Specializations)

	a, ok := h.s.Assignment(id)
	require.True(t, ok)
	require.True(t, a.RequiresValidation())
	require.NotEqual(t, "n3", a.NodeID)
	assert.NotContains(t, a.Validators, "n3", "n3 does not review compute tasks")
	assert.Len(t, a.Validators, 2)

	// Dropping the restriction is replicated on the next pass.
	h.members.validates("n3")
	h.tick()
	v3, _ = h.s.pool.Validator("n3")
	assert.Empty(t, v3.Specializations)
	assert.True(t, v3.Covers(cluster.TaskCompute))
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2")
	h.members.set("n1", 0.95)
	ctx := context.Background()

	assigned := h.submit(t, cluster.Task{ID: "assigned"})
	running := h.submit(t, cluster.Task{ID: "running"})
	h.tick()
	pending := h.submit(t, cluster.Task{ID: "pending"})

	a, _ := h.s.Assignment(running)
	require.NoError(t, h.s.leaderReport(ctx, "n2", Report{AssignmentID: a.ID, Type: ReportStart}))
	require.Equal(t, cluster.TaskExecuting, h.task(t, running).Status)

	require.NoError(t, h.s.CancelTask(ctx, pending))
	assert.Equal(t, cluster.TaskCancelled, h.task(t, pending).Status)

	require.NoError(t, h.s.CancelTask(ctx, assigned))
	assert.Equal(t, cluster.TaskCancelled, h.task(t, assigned).Status)
	got, _ := h.s.Assignment(assigned)
	assert.Equal(t, assignment.StatusCancelled, got.Status)
	assert.InDelta(t, partition.DefaultTaskLoad, h.s.registry.ProjectedLoad("n2"), 1e-9, "only the running task still holds load")

	assert.ErrorIs(t, h.s.CancelTask(ctx, running), ErrNotCancellable)
	assert.ErrorIs(t, h.s.CancelTask(ctx, "ghost"), ErrUnknownTask)
}

func TestReports(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.members.set("n1", 0.95)
	ctx := context.Background()

	id := h.submit(t, cluster.Task{Payload: []byte("p")})
	h.tick()
	a, _ := h.s.Assignment(id)
	require.Equal(t, "n2", a.NodeID)

	err := h.s.leaderReport(ctx, "n3", Report{AssignmentID: a.ID, Type: ReportStart})
	assert.ErrorIs(t, err, ErrNotAssignee)
	err = h.s.leaderReport(ctx, "n2", Report{AssignmentID: "nope", Type: ReportStart})
	assert.ErrorIs(t, err, assignment.ErrUnknownAssignment)

	// A result without a start report implies the start.
	require.NoError(t, h.s.leaderReport(ctx, "n2", Report{AssignmentID: a.ID, Type: ReportResult, Result: []byte("r")}))
	task := h.task(t, id)
	assert.Equal(t, cluster.TaskCompleted, task.Status)
	assert.Equal(t, []byte("r"), task.Result)

	err = h.s.leaderReport(ctx, "n2", Report{AssignmentID: a.ID, Type: ReportFail, Error: "late"})
	assert.ErrorIs(t, err, assignment.ErrInvalidTransition)
}

func TestBlacklist(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.members.set("n1", 0.95)
	ctx := context.Background()

	id := h.submit(t, cluster.Task{})
	h.tick()
	a, _ := h.s.Assignment(id)
	require.Equal(t, "n2", a.NodeID)

	require.NoError(t, h.s.Blacklist(ctx, "n2", "manual"))
	require.NoError(t, h.s.Blacklist(ctx, "n2", "again"), "blacklisting twice is a no-op")
	assert.True(t, h.s.Trust().IsBlacklisted("n2"))
	v, _ := h.s.pool.Validator("n2")
	assert.Equal(t, validation.ValidatorOffline, v.Status)

	h.tick()
	a, _ = h.s.Assignment(id)
	assert.Equal(t, "n3", a.NodeID)
	assert.Equal(t, "node blacklisted", h.task(t, id).Error)
}

func TestApplyIsDeterministic(t *testing.T) {
	h := newHarness(t, nil, "n1", "n2", "n3")
	h.members.set("n1", 0.95)
	ctx := context.Background()

	reviewed := h.submit(t, cluster.Task{Priority: 9, Payload: []byte("a")})
	abandoned := h.submit(t, cluster.Task{Priority: 5})
	h.tick()

	a, ok := h.s.Assignment(reviewed)
	require.True(t, ok)
	require.True(t, a.RequiresValidation())
	require.NoError(t, h.s.leaderReport(ctx, a.NodeID, Report{AssignmentID: a.ID, Type: ReportResult, Result: Digest([]byte("a"))}))
	for _, v := range a.Validators {
		require.NoError(t, h.s.SubmitValidationResult(ctx, a.ValidationID, v, cluster.ValidationResult{Approved: true}))
	}
	h.clock.Advance(time.Hour)
	h.tick()
	require.Equal(t, 2, h.task(t, abandoned).Attempts)

	replica, err := New("n9", h.s.cfg, &fakeLog{id: "n9"}, newFakeMembers("n9"), nil)
	require.NoError(t, err)
	for _, e := range h.log.Entries() {
		replica.Apply(e)
	}

	assert.Equal(t, h.s.Tasks(), replica.Tasks())
	for _, task := range h.s.Tasks() {
		want, _ := h.s.Assignment(task.ID)
		got, _ := replica.Assignment(task.ID)
		assert.Equal(t, want, got, task.ID)
	}
	for _, id := range []string{"n1", "n2", "n3"} {
		want, _ := h.s.Trust().Get(id)
		got, _ := replica.Trust().Get(id)
		assert.InDelta(t, want.Score, got.Score, 1e-9, id)
	}
}
