package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/consensus"
	"github.com/dreamware/hive/internal/membership"
)

// t0 is ahead of the wall clock: workers bound execution by assignment
// deadlines, which derive from the scheduler's clock.
var t0 = time.Now().UTC().Truncate(time.Second).Add(time.Hour)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeLog commits every proposal immediately and applies it in the
// proposer's goroutine.
type fakeLog struct {
	mu       sync.Mutex
	id       string
	leader   bool
	leaderID string
	entries  []consensus.Entry
	apply    func(consensus.Entry)
}

func (l *fakeLog) Propose(_ context.Context, cmd []byte) (uint64, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.leader {
		return 0, 0, consensus.ErrNotLeader
	}
	e := consensus.Entry{
		Index:   uint64(len(l.entries) + 1),
		Term:    1,
		Command: append(json.RawMessage(nil), cmd...),
	}
	l.entries = append(l.entries, e)
	l.apply(e)
	return e.Index, e.Term, nil
}

func (l *fakeLog) WaitApplied(context.Context, uint64, uint64) error { return nil }

func (l *fakeLog) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

func (l *fakeLog) LeaderReady() bool { return l.IsLeader() }

func (l *fakeLog) LeaderID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leaderID
}

func (l *fakeLog) State() consensus.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	role := consensus.RoleFollower
	if l.leader {
		role = consensus.RoleLeader
	}
	return consensus.Status{ID: l.id, Role: role, LeaderID: l.leaderID, Term: 1}
}

func (l *fakeLog) Entries() []consensus.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]consensus.Entry(nil), l.entries...)
}

type fakeMembers struct {
	mu      sync.Mutex
	members map[string]membership.Member
}

func newFakeMembers(ids ...string) *fakeMembers {
	f := &fakeMembers{members: make(map[string]membership.Member)}
	for _, id := range ids {
		f.set(id, 0)
	}
	return f
}

func (f *fakeMembers) set(id string, load float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = membership.Member{
		ID:       id,
		Addr:     id,
		Status:   membership.StatusActive,
		Capacity: cluster.Capacity{CPU: 400, Memory: 8192, Bandwidth: 1000, CurrentLoad: load},
	}
}

func (f *fakeMembers) validates(id string, types ...cluster.TaskType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.members[id]
	m.Validates = types
	f.members[id] = m
}

func (f *fakeMembers) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, id)
}

func (f *fakeMembers) Active() []membership.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []membership.Member
	for _, m := range f.members {
		if m.Status == membership.StatusActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeMembers) Get(id string) (membership.Member, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	return m, ok
}

type harness struct {
	s       *Scheduler
	log     *fakeLog
	members *fakeMembers
	clock   *fakeClock
}

// newHarness builds a leader scheduler for ids[0] with the others as
// fellow members.
func newHarness(t *testing.T, exec Executor, ids ...string) *harness {
	t.Helper()
	h := &harness{
		log:     &fakeLog{id: ids[0], leader: true, leaderID: ids[0]},
		members: newFakeMembers(ids...),
		clock:   &fakeClock{now: t0},
	}
	cfg := DefaultConfig()
	cfg.TickInterval = 20 * time.Millisecond
	cfg.ReportTimeout = 100 * time.Millisecond
	cfg.Workers = 2
	if exec == nil {
		exec = DigestExecutor{}
	}
	s, err := New(ids[0], cfg, h.log, h.members, nil, WithClock(h.clock.Now), WithExecutor(exec))
	require.NoError(t, err)
	h.log.apply = s.Apply
	h.s = s
	return h
}

func (h *harness) tick() { h.s.tick(context.Background()) }

func (h *harness) work(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := 0; i < h.s.cfg.Workers; i++ {
		go h.s.work(ctx)
	}
}

func (h *harness) submit(t *testing.T, task cluster.Task) string {
	t.Helper()
	if task.Type == "" {
		task.Type = cluster.TaskCompute
	}
	if task.Priority == 0 {
		task.Priority = 5
	}
	id, err := h.s.SubmitTask(context.Background(), task)
	require.NoError(t, err)
	return id
}

func (h *harness) task(t *testing.T, id string) cluster.Task {
	t.Helper()
	task, err := h.s.Task(id)
	require.NoError(t, err)
	return task
}

func (h *harness) waitStatus(t *testing.T, id string, statuses ...cluster.TaskStatus) cluster.Task {
	t.Helper()
	var last cluster.Task
	require.Eventually(t, func() bool {
		task, err := h.s.Task(id)
		if err != nil {
			return false
		}
		last = task
		for _, s := range statuses {
			if last.Status == s {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %v", id, statuses)
	return last
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, cluster.Task) ([]byte, error) {
	return nil, errors.New("boom")
}

func (failingExecutor) Validate(context.Context, cluster.Task, []byte) (cluster.ValidationResult, error) {
	return cluster.ValidationResult{}, errors.New("boom")
}
