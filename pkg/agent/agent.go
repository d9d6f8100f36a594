package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/buffer"
	"github.com/tacticalmesh/meshagent/pkg/command"
	"github.com/tacticalmesh/meshagent/pkg/config"
	"github.com/tacticalmesh/meshagent/pkg/controller"
	"github.com/tacticalmesh/meshagent/pkg/mesh"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

const (
	intakeSize   = 64
	ledgerMaxAge = 24 * time.Hour
	tokenSkew    = 30 * time.Second
)

// Options injects dependencies. Zero values build the production
// implementations from configuration.
type Options struct {
	HTTPClient  *http.Client
	Transport   mesh.Transport
	Sampler     Sampler
	Ledger      command.Ledger
	BufferStore buffer.Store

	// Platform labels sent at registration; nil probes the host
	Platform map[string]string

	// CommandTimeout bounds a single handler run
	CommandTimeout time.Duration

	Version string
}

// Agent ties the controller client, the local buffer, the mesh and the
// command executor to one connection state machine.
type Agent struct {
	nodeID  string
	store   *config.Store
	logger  *zap.Logger
	version string

	client   *controller.Client
	state    *StateMachine
	buffer   *buffer.Buffer
	mesh     *mesh.Mesh
	registry *command.Registry
	executor *command.Executor
	sampler  Sampler
	events   *observability.EventStream
	admin    *observability.HTTPServer
	health   *HealthServer
	platform map[string]string

	intake          chan api.Command
	intervalChanged chan struct{}
	closers         []func() error

	mu                sync.Mutex
	nodeType          api.NodeType
	needsRegistration bool
	directUp          bool
	failures          int
	sequence          uint64
	lastHeartbeat     time.Time
	lastPath          string
	started           time.Time
}

// New builds an agent from the store's active configuration
func New(ctx context.Context, store *config.Store, opts Options, logger *zap.Logger) (*Agent, error) {
	cfg := store.Get()
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &Agent{
		nodeID:          cfg.NodeID,
		store:           store,
		logger:          logger,
		version:         opts.Version,
		intake:          make(chan api.Command, intakeSize),
		intervalChanged: make(chan struct{}, 1),
		nodeType:        cfg.Identity().Type,
		platform:        opts.Platform,
		started:         time.Now(),
	}
	if err := a.build(ctx, cfg, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build(ctx context.Context, cfg *config.Config, opts Options) error {
	client, err := controller.NewClient(controllerOptions(cfg, opts.HTTPClient), a.logger)
	if err != nil {
		return fmt.Errorf("failed to create controller client: %w", err)
	}
	a.client = client

	token, err := controller.LoadToken(cfg.TokenPath())
	if err != nil {
		a.logger.Warn("Ignoring unreadable saved credentials", zap.Error(err))
	}
	client.SetToken(token)
	a.needsRegistration = token == "" || controller.TokenExpired(token, time.Now(), tokenSkew)

	bstore := opts.BufferStore
	if bstore == nil && cfg.Buffer.Persist {
		bolt, err := buffer.OpenBoltStore(cfg.BufferPath())
		if err != nil {
			return err
		}
		bstore = bolt
	}
	buf, err := buffer.New(cfg.Buffer.Capacity, bstore, a.logger)
	if err != nil {
		if bstore != nil {
			bstore.Close()
		}
		return err
	}
	a.buffer = buf
	a.closers = append(a.closers, buf.Close)
	a.sequence = buf.LastHeartbeatSequence()

	ledger := opts.Ledger
	if ledger == nil {
		ledger, err = command.OpenSQLiteLedger(ctx, cfg.LedgerPath())
		if err != nil {
			return err
		}
	}
	a.closers = append(a.closers, ledger.Close)

	a.events = observability.NewEventStream(observability.EventStreamConfig{MaxSize: 500}, a.logger)
	a.state = NewStateMachine(a.logger)
	a.state.OnTransition(a.onTransition)
	client.OnEndpointChange(func(from, to string) {
		a.events.RecordEvent(context.Background(), observability.NewFailoverEvent(from, to))
	})

	a.registry = command.NewRegistry()
	command.RegisterBuiltins(a.registry, cfg.NodeID, reloadingStore{Store: a.store, agent: a})
	a.executor = command.NewExecutor(cfg.NodeID, a.registry, ledger, reporter{a}, opts.CommandTimeout, a.logger)

	a.sampler = opts.Sampler
	if a.sampler == nil {
		a.sampler = NewSystemSampler(cfg.DataDir, geoOf(cfg), a.logger)
	}

	if cfg.Mesh.Enabled {
		if err := a.buildMesh(cfg, opts.Transport); err != nil {
			return err
		}
	}

	if cfg.Admin.Enabled {
		a.admin = observability.NewHTTPServer(cfg.Admin.ListenAddress, a.ready, a.logger)
		a.mountAdmin(a.admin.Echo())
	}
	if cfg.Admin.GRPCAddress != "" {
		a.health = NewHealthServer(cfg.Admin.GRPCAddress, a.logger)
	}

	if a.platform == nil {
		a.platform = NewPlatformDetector(a.logger).Detect(ctx)
	}

	a.store.OnChange(a.configChanged)
	return nil
}

func (a *Agent) buildMesh(cfg *config.Config, transport mesh.Transport) error {
	if transport == nil {
		udp, err := mesh.ListenUDP(net.JoinHostPort(cfg.Mesh.BindAddress, strconv.Itoa(cfg.Mesh.ListenPort)), a.logger)
		if err != nil {
			return err
		}
		transport = udp
	}
	m, err := mesh.New(meshConfig(cfg), transport, a.logger)
	if err != nil {
		transport.Close()
		return err
	}
	m.OnDeliver(a.onDeliver)
	m.OnControllerBound(a.onControllerBound)
	m.OnPeerChange(func(t mesh.PeerTransition) {
		a.events.RecordEvent(context.Background(), observability.NewPeerChangedEvent(t.NodeID, string(t.From), string(t.To)))
	})
	a.mesh = m
	a.closers = append(a.closers, m.Close)
	return nil
}

// Run drives the agent until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	ctx = observability.WithNodeID(ctx, a.nodeID)
	cfg := a.store.Get()

	a.logger.Info("Starting agent",
		zap.String("name", cfg.Name),
		zap.String("node_type", cfg.NodeType),
		zap.String("version", a.version),
		zap.Int("controller_endpoints", len(cfg.Controller.Endpoints)),
		zap.Bool("mesh", a.mesh != nil),
		zap.Int("buffered", a.buffer.Len()),
	)

	if a.admin != nil {
		if err := a.admin.Start(); err != nil {
			return err
		}
	}
	if a.health != nil {
		if err := a.health.Start(); err != nil {
			return err
		}
		a.health.SetState(a.state.State())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.commandLoop(gctx) })
	g.Go(func() error { return a.pollLoop(gctx) })
	if cfg.Controller.StreamEnabled {
		g.Go(func() error { return a.streamLoop(gctx) })
	}
	if a.mesh != nil {
		g.Go(func() error { return a.mesh.RunDiscovery(gctx) })
		g.Go(func() error { return a.mesh.RunMaintenance(gctx) })
	}
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.admin != nil {
		if serr := a.admin.Stop(stopCtx); serr != nil {
			a.logger.Warn("Admin server shutdown failed", zap.Error(serr))
		}
	}
	if a.health != nil {
		a.health.Stop()
	}

	a.logger.Info("Agent stopped", zap.Int("buffered", a.buffer.Len()))
	return err
}

// Close releases the mesh transport, the buffer store and the ledger
func (a *Agent) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// Reload re-reads the configuration file. A successful reload clears a
// credential rejection so the next tick registers again.
func (a *Agent) Reload(source string) error {
	_, err := a.store.Reload()
	a.afterReload(source, err)
	return err
}

func (a *Agent) afterReload(source string, err error) {
	a.events.RecordEvent(context.Background(), observability.NewConfigReloadedEvent(source, err))
	if err != nil {
		a.logger.Error("Configuration reload failed", zap.String("source", source), zap.Error(err))
		return
	}
	a.logger.Info("Configuration reloaded", zap.String("source", source))
	if a.state.ClearFatal() {
		a.mu.Lock()
		a.needsRegistration = true
		a.failures = 0
		a.mu.Unlock()
	}
}

// reloadingStore routes reload_config through the agent so it clears the
// credential latch like SIGHUP does.
type reloadingStore struct {
	*config.Store
	agent *Agent
}

func (s reloadingStore) Reload() (*config.Config, error) {
	cfg, err := s.Store.Reload()
	s.agent.afterReload("command", err)
	return cfg, err
}

func (a *Agent) configChanged(old, updated *config.Config) {
	a.client.SetEndpoints(endpointsOf(updated))

	if updated.HeartbeatInterval != old.HeartbeatInterval {
		select {
		case a.intervalChanged <- struct{}{}:
		default:
		}
	}
	if s, ok := a.sampler.(*SystemSampler); ok {
		s.SetGeo(geoOf(updated))
	}

	role := updated.Identity().Type
	a.mu.Lock()
	if role != a.nodeType {
		a.logger.Info("Node role changed", zap.String("from", string(a.nodeType)), zap.String("to", string(role)))
		a.nodeType = role
		// the controller learns the new role at registration
		a.needsRegistration = true
	}
	a.mu.Unlock()
}

func (a *Agent) onTransition(t Transition) {
	a.events.RecordEvent(context.Background(), observability.NewStateChangedEvent(string(t.From), string(t.To), t.Reason))
	if a.health != nil {
		a.health.SetState(t.To)
	}
}

func (a *Agent) ready() (bool, string) {
	switch {
	case a.state.Fatal():
		return false, "credentials rejected"
	case a.state.State() == StateDisconnected:
		return false, "not registered"
	default:
		return true, ""
	}
}

// State returns the connection state machine
func (a *Agent) State() *StateMachine { return a.state }

// Events returns the operational journal
func (a *Agent) Events() *observability.EventStream { return a.events }

// Mesh returns the mesh node, or nil when the mesh is disabled
func (a *Agent) Mesh() *mesh.Mesh { return a.mesh }

// Buffer returns the local buffer
func (a *Agent) Buffer() *buffer.Buffer { return a.buffer }

// Registry returns the command registry so callers can add custom handlers
func (a *Agent) Registry() *command.Registry { return a.registry }

func controllerOptions(cfg *config.Config, hc *http.Client) controller.Options {
	cc := cfg.Controller
	return controller.Options{
		Endpoints:           endpointsOf(cfg),
		AttemptTimeout:      cc.AttemptTimeout,
		AttemptsPerEndpoint: cc.AttemptsPerEndpoint,
		BackoffBase:         cc.BackoffBase,
		BackoffMax:          cc.BackoffMax,
		BackoffMultiplier:   cc.BackoffMultiplier,
		BackoffJitter:       cc.BackoffJitter,
		HTTPClient:          hc,
	}
}

func endpointsOf(cfg *config.Config) []controller.Endpoint {
	eps := make([]controller.Endpoint, 0, len(cfg.Controller.Endpoints))
	for _, ep := range cfg.Controller.Endpoints {
		eps = append(eps, controller.Endpoint{URL: ep.URL, Priority: ep.Priority})
	}
	return eps
}

func meshConfig(cfg *config.Config) mesh.Config {
	mc := cfg.Mesh
	port := strconv.Itoa(mc.ListenPort)

	peers := make([]mesh.StaticPeer, 0, len(mc.Peers))
	for _, p := range mc.Peers {
		peers = append(peers, mesh.StaticPeer{
			NodeID:  p.NodeID,
			Address: net.JoinHostPort(p.Address, strconv.Itoa(p.Port)),
		})
	}

	broadcast := mc.BroadcastAddress
	if broadcast != "" {
		if _, _, err := net.SplitHostPort(broadcast); err != nil {
			broadcast = net.JoinHostPort(broadcast, port)
		}
	}

	return mesh.Config{
		NodeID:           cfg.NodeID,
		ListenAddress:    net.JoinHostPort(mc.BindAddress, port),
		BroadcastAddress: broadcast,
		StaticPeers:      peers,
		HelloInterval:    mc.HelloInterval,
		LivenessMisses:   mc.LivenessMisses,
		RouteTTL:         mc.RouteTTL,
		MaxHops:          mc.MaxHops,
		RelayTimeout:     mc.RelayTimeout,
	}
}

func geoOf(cfg *config.Config) *api.GeoPoint {
	if !cfg.Geo.Enabled {
		return nil
	}
	return &api.GeoPoint{
		Latitude:  cfg.Geo.Latitude,
		Longitude: cfg.Geo.Longitude,
		Altitude:  cfg.Geo.Altitude,
	}
}
