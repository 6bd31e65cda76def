package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/config"
	"github.com/dreamware/hive/internal/consensus"
	"github.com/dreamware/hive/internal/identity"
	"github.com/dreamware/hive/internal/membership"
	"github.com/dreamware/hive/internal/metrics"
	"github.com/dreamware/hive/internal/scheduler"
	"github.com/dreamware/hive/internal/storage"
	"github.com/dreamware/hive/internal/transport"
	"github.com/dreamware/hive/internal/trust"
	"github.com/dreamware/hive/internal/validation"
)

// capacityRefresh is how often the local load is re-probed and advertised.
const capacityRefresh = 5 * time.Second

// fallbackCapacity is advertised when the host cannot be probed.
var fallbackCapacity = cluster.Capacity{CPU: 100, Memory: 1024, Bandwidth: 100}

// Node is one assembled cluster member.
type Node struct {
	cfg      config.Config
	identity *identity.Identity
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mux       *transport.Mux
	transport transport.Transport
	journal   storage.Store

	trust     *trust.Manager
	members   *membership.Manager
	raft      *consensus.Raft
	scheduler *scheduler.Scheduler

	loadProbe func() (float64, error)
	api       *Api
}

type options struct {
	transport transport.Transport
	logger    *zap.Logger
	identity  *identity.Identity
	executor  scheduler.Executor
	loadProbe func() (float64, error)
	probeSet  bool
}

// Option configures a Node.
type Option func(*options)

// WithTransport replaces the HTTP transport, e.g. with a LocalNetwork endpoint.
func WithTransport(t transport.Transport) Option { return func(o *options) { o.transport = t } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithIdentity uses id instead of loading node.key_file.
func WithIdentity(id *identity.Identity) Option { return func(o *options) { o.identity = id } }

// WithExecutor sets what runs tasks assigned to this node.
func WithExecutor(e scheduler.Executor) Option { return func(o *options) { o.executor = e } }

// WithLoadProbe overrides the host load probe. nil disables load refresh.
func WithLoadProbe(fn func() (float64, error)) Option {
	return func(o *options) {
		o.loadProbe = fn
		o.probeSet = true
	}
}

// New wires every component of a node from cfg. Nothing runs until Run.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node", cfg.Node.ID))

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.New(cfg.Node.ID),
		mux:       transport.NewMux(),
		loadProbe: metrics.LoadProbe,
	}
	if o.probeSet {
		n.loadProbe = o.loadProbe
	}

	n.identity = o.identity
	if n.identity == nil {
		id, err := identity.LoadOrGenerate(cfg.Node.KeyFile)
		if err != nil {
			return nil, err
		}
		n.identity = id
	}

	tr := o.transport
	if tr == nil {
		tr = transport.NewHTTPTransport()
	}
	n.transport = transport.Instrument(tr, n.metrics)

	if cfg.Journal.Path != "" {
		bolt, err := storage.NewBoltStore(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		n.journal = bolt
	} else {
		n.journal = storage.NewMemoryStore()
	}

	// The scheduler is created last but is reached from callbacks wired
	// earlier; none of them fire before Run.
	var sched *scheduler.Scheduler

	n.trust = trust.NewManager(
		trust.WithLogger(logger),
		trust.WithBlacklistThreshold(cfg.Trust.BlacklistThreshold),
		trust.OnBlacklist(func(nodeID, reason string) { sched.OnBlacklisted(nodeID, reason) }))

	self := membership.Member{
		ID:        cfg.Node.ID,
		Addr:      cfg.AdvertiseAddr(),
		PublicKey: n.identity.PublicKey(),
		Capacity:  n.capacity(),
		Validates: cfg.Validation.Specializations,
	}
	n.members = membership.New(self, n.transport, membershipConfig(cfg),
		membership.WithLogger(logger),
		membership.WithBlacklist(n.trust),
		membership.WithEventHandler(func(ev membership.Event) { n.onMemberEvent(sched, ev) }))

	voters := func() []cluster.NodeInfo {
		ms := n.members.Voters()
		out := make([]cluster.NodeInfo, len(ms))
		for i, m := range ms {
			out[i] = m.Info()
		}
		return out
	}
	n.raft = consensus.New(cfg.Node.ID, n.transport, voters, consensusConfig(cfg),
		consensus.WithLogger(logger),
		consensus.WithMetrics(n.metrics),
		consensus.WithApply(func(e consensus.Entry) { sched.Apply(e) }),
		consensus.WithLeadershipHandler(func(leader bool, term uint64) {
			if leader {
				logger.Info("leading", zap.Uint64("term", term))
			}
		}))

	registry := assignment.NewRegistry(n.journal,
		assignment.WithDefaultTimeout(cfg.Scheduler.DefaultAssignmentTimeout),
		assignment.WithLogger(logger))
	pool := validation.NewPool(
		validation.WithInitialReputation(cfg.Validation.InitialReputation),
		validation.WithLogger(logger))

	schedOpts := []scheduler.Option{
		scheduler.WithRegistry(registry),
		scheduler.WithPool(pool),
		scheduler.WithTrust(n.trust),
		scheduler.WithMetrics(n.metrics),
		scheduler.WithLogger(logger),
	}
	if o.executor != nil {
		schedOpts = append(schedOpts, scheduler.WithExecutor(o.executor))
	}
	var err error
	sched, err = scheduler.New(cfg.Node.ID, schedulerConfig(cfg), n.raft, n.members, n.transport, schedOpts...)
	if err != nil {
		_ = n.journal.Close()
		return nil, err
	}
	n.scheduler = sched

	n.members.Register(n.mux)
	n.raft.Register(n.mux)
	n.scheduler.Register(n.mux)
	n.api = &Api{node: n}
	n.api.InitRouter()
	return n, nil
}

// Run joins or bootstraps the cluster, then runs consensus, scheduling and
// capacity refresh until ctx is cancelled. Consensus only starts once the
// node is a member so a joining node never elects itself alone.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.members.Run(gctx) })

	if err := n.enter(gctx); err != nil {
		n.members.Stop()
		return errors.Join(err, g.Wait())
	}

	g.Go(func() error { return n.raft.Run(gctx) })
	g.Go(func() error { return n.scheduler.Run(gctx) })
	if n.loadProbe != nil {
		g.Go(func() error {
			n.refreshCapacity(gctx)
			return nil
		})
	}
	n.logger.Info("node running",
		zap.String("addr", n.cfg.AdvertiseAddr()),
		zap.Int("members", len(n.members.Active())))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// enter bootstraps from configuration or joins through a seed.
func (n *Node) enter(ctx context.Context) error {
	c := n.cfg.Cluster
	if c.Bootstrap || len(c.Peers) > 0 {
		n.members.Bootstrap(c.Peers)
		n.logger.Info("bootstrapped", zap.Int("peers", len(c.Peers)))
		return nil
	}
	proof, err := n.identity.NewJoinProof(n.cfg.Node.ID, n.cfg.AdvertiseAddr(), time.Now())
	if err != nil {
		return err
	}
	if err := n.members.JoinCluster(ctx, c.Seeds, proof); err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	n.logger.Info("joined cluster", zap.Int("members", len(n.members.Members())))
	return nil
}

// Leave announces a graceful departure. Peers drop the node after the
// leave grace period; the caller should keep the node running until then
// if it wants in-flight work to finish.
func (n *Node) Leave() error {
	return n.members.RequestLeave(n.cfg.Node.ID)
}

// Close releases the journal. Call after Run has returned.
func (n *Node) Close() error {
	n.raft.Stop()
	n.scheduler.Stop()
	n.members.Stop()
	return n.journal.Close()
}

// ID returns the node id.
func (n *Node) ID() string { return n.cfg.Node.ID }

// Mux returns the RPC mux, for registering on a LocalNetwork.
func (n *Node) Mux() *transport.Mux { return n.mux }

// Handler returns the HTTP handler serving the public API, /rpc, /health
// and /metrics.
func (n *Node) Handler() http.Handler { return n.api.Router }

// Scheduler returns the node's scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.scheduler }

// Membership returns the node's membership manager.
func (n *Node) Membership() *membership.Manager { return n.members }

// Consensus returns the node's consensus instance.
func (n *Node) Consensus() *consensus.Raft { return n.raft }

// Trust returns the node's trust manager.
func (n *Node) Trust() *trust.Manager { return n.trust }

func (n *Node) onMemberEvent(sched *scheduler.Scheduler, ev membership.Event) {
	counts := make(map[membership.Status]int)
	for _, m := range n.members.Members() {
		counts[m.Status]++
	}
	for _, s := range []membership.Status{membership.StatusActive, membership.StatusSuspected, membership.StatusFailed, membership.StatusLeaving} {
		n.metrics.Members.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	if ev.Type == membership.EventFailed || ev.Type == membership.EventRemoved {
		sched.NodeFailed(ev.Member.ID)
	}
}

// capacity is the configured capacity, else the probed host capacity.
func (n *Node) capacity() cluster.Capacity {
	if n.cfg.Node.Capacity.CPU > 0 {
		return n.cfg.Node.Capacity
	}
	c, err := metrics.ProbeCapacity()
	if err != nil {
		n.logger.Warn("capacity probe failed, advertising fallback", zap.Error(err))
		return fallbackCapacity
	}
	return c
}

func (n *Node) refreshCapacity(ctx context.Context) {
	ticker := time.NewTicker(capacityRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			load, err := n.loadProbe()
			if err != nil {
				n.logger.Debug("load probe failed", zap.Error(err))
				continue
			}
			c := n.members.Self().Capacity
			c.CurrentLoad = load
			n.members.SetCapacity(c)
		case <-ctx.Done():
			return
		}
	}
}

func membershipConfig(c config.Config) membership.Config {
	mc := c.Membership
	return membership.Config{
		HeartbeatInterval: mc.HeartbeatInterval,
		SuspicionTimeout:  mc.SuspicionTimeout,
		FailureTimeout:    mc.FailureTimeout,
		JoinVoteTimeout:   mc.JoinVoteTimeout,
		LeaveGrace:        mc.LeaveGrace,
		RPCTimeout:        c.Consensus.RPCTimeout,
		GossipFanout:      mc.GossipFanout,
		GossipTTL:         mc.GossipTTL,
		DedupWindow:       mc.DedupWindow,
	}
}

func consensusConfig(c config.Config) consensus.Config {
	cc := c.Consensus
	return consensus.Config{
		ElectionTimeoutMin: cc.ElectionTimeoutMin,
		ElectionTimeoutMax: cc.ElectionTimeoutMax,
		HeartbeatInterval:  cc.HeartbeatInterval,
		RPCTimeout:         cc.RPCTimeout,
	}
}

func schedulerConfig(c config.Config) scheduler.Config {
	sc, vc := c.Scheduler, c.Validation
	return scheduler.Config{
		TickInterval:       sc.TickInterval,
		ReportTimeout:      sc.ReportTimeout,
		ValidationTimeout:  vc.Timeout,
		Strategy:           sc.Strategy,
		Balancer:           sc.Balancer,
		ConsensusThreshold: vc.ConsensusThreshold,
		MaxAttempts:        sc.MaxAttempts,
		Workers:            sc.Workers,
		ValidationPriority: sc.ValidationPriority,
		Validators:         vc.Validators,
		Retention:          sc.Retention,
	}
}
