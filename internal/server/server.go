// Package server assembles ProxBalance from configuration and runs the daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/drs"
	"github.com/proxbalance/proxbalance/internal/evacuation"
	"github.com/proxbalance/proxbalance/internal/lock"
	"github.com/proxbalance/proxbalance/internal/metrics"
	"github.com/proxbalance/proxbalance/internal/proxmox"
	"github.com/proxbalance/proxbalance/internal/repository/bolt"
	"github.com/proxbalance/proxbalance/internal/repository/etcd"
	"github.com/proxbalance/proxbalance/internal/repository/memory"
	"github.com/proxbalance/proxbalance/internal/repository/postgres"
	"github.com/proxbalance/proxbalance/internal/repository/redis"
	"github.com/proxbalance/proxbalance/internal/scheduler"
	"github.com/proxbalance/proxbalance/internal/services/notify"
	"github.com/proxbalance/proxbalance/internal/snapshot"
)

// Executor is everything the automation and evacuation workflows need from the hypervisor.
type Executor interface {
	automation.Executor
	evacuation.Executor
}

// Server holds every wired component.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	store *bolt.Store
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	// Collaborators
	snapshots automation.SnapshotProvider
	executor  Executor
	storage   evacuation.StorageQuery

	// Repository interfaces (abstracted for swappable backends)
	history  automation.HistoryRepository
	runs     automation.RunRepository
	sessions evacuation.SessionRepository
	locker   lock.Locker

	// Services
	metrics      *metrics.Metrics
	scorer       *scheduler.Scorer
	generator    drs.Generator
	notifier     *notify.Service
	orchestrator *automation.Orchestrator
	evacuation   *evacuation.Service

	// Leader election (daemon with etcd)
	leader *etcd.Leader
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithBolt keeps state in an embedded bbolt file.
func WithBolt(store *bolt.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithPostgreSQL keeps migration history in PostgreSQL.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables the shared Redis state store, recommendation cache and events.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for the automation lock and leader election.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// WithExecutor replaces the Proxmox API client.
func WithExecutor(e Executor) ServerOption {
	return func(s *Server) {
		s.executor = e
	}
}

// WithStorageQuery replaces the storage query used for placement checks.
func WithStorageQuery(q evacuation.StorageQuery) ServerOption {
	return func(s *Server) {
		s.storage = q
	}
}

// WithSnapshotProvider replaces the cluster cache file reader.
func WithSnapshotProvider(p automation.SnapshotProvider) ServerOption {
	return func(s *Server) {
		s.snapshots = p
	}
}

// WithLocker replaces the automation lock.
func WithLocker(l lock.Locker) ServerOption {
	return func(s *Server) {
		s.locker = l
	}
}

// New creates a server from already connected infrastructure. Backends that
// were not supplied fall back to in-memory repositories.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initCollaborators(); err != nil {
		return nil, err
	}

	s.initRepositories()

	if err := s.initServices(); err != nil {
		return nil, err
	}

	s.registerRoutes()

	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// initCollaborators creates the hypervisor client and snapshot reader unless injected.
func (s *Server) initCollaborators() error {
	if s.executor == nil {
		client, err := proxmox.NewClient(s.config.Proxmox, s.logger)
		if err != nil {
			return err
		}
		s.executor = client
		if s.storage == nil {
			s.storage = client
		}
	}
	if s.snapshots == nil {
		s.snapshots = snapshot.NewFileProvider(s.config.Snapshot, s.logger)
	}
	return nil
}

// initRepositories picks state, history and lock backends from the infrastructure present.
func (s *Server) initRepositories() {
	size := s.config.State.RunHistorySize

	switch {
	case s.store != nil:
		s.logger.Info("Initializing bolt repositories")
		s.history = bolt.NewHistoryRepository(s.store)
		s.runs = bolt.NewRunRepository(s.store, size)
		s.sessions = bolt.NewSessionRepository(s.store)
	case s.cache != nil && s.config.State.Backend == "redis":
		s.logger.Info("Initializing Redis repositories")
		s.history = redis.NewHistoryRepository(s.cache)
		s.runs = redis.NewRunRepository(s.cache, size)
		s.sessions = redis.NewSessionRepository(s.cache)
	default:
		s.logger.Info("Initializing in-memory repositories")
		s.history = memory.NewHistoryRepository()
		s.runs = memory.NewRunRepository(size)
		s.sessions = memory.NewSessionRepository()
	}

	if s.db != nil {
		s.logger.Info("Using PostgreSQL migration history")
		s.history = postgres.NewHistoryRepository(s.db, s.logger)
	}

	if s.locker == nil {
		if s.etcd != nil {
			s.locker = s.etcd
		} else {
			s.locker = lock.NewFileLocker(s.config.Lock.Path, s.logger)
		}
	}
}

// initServices wires the scorer, generator and both workflows.
func (s *Server) initServices() error {
	namespace := s.config.Metrics.Namespace
	if namespace == "" {
		namespace = "proxbalance"
	}
	s.metrics = metrics.New(namespace)

	s.scorer = scheduler.New(scheduler.DefaultConfig(), s.logger)

	var generator drs.Generator = drs.NewEngine(s.config.Recommendations, s.scorer, s.storage, s.logger)
	if s.cache != nil && s.config.Recommendations.CacheTTL > 0 {
		generator = drs.NewCachedGenerator(generator, s.cache, s.config.Recommendations.CacheTTL, s.logger)
	}
	s.generator = generator

	var publisher notify.EventPublisher
	if s.cache != nil {
		publisher = s.cache
	}
	s.notifier = notify.NewService(s.config.Automation.Notifications, publisher, s.logger)

	orchestratorOpts := []automation.Option{
		automation.WithNotifier(s.notifier),
		automation.WithMetrics(s.metrics),
	}
	if s.config.Lock.Key != "" {
		orchestratorOpts = append(orchestratorOpts, automation.WithLockKey(s.config.Lock.Key))
	}
	orchestrator, err := automation.NewOrchestrator(
		s.config.Automation,
		s.Thresholds(),
		s.snapshots,
		s.generator,
		s.executor,
		s.history,
		s.runs,
		s.locker,
		s.logger,
		orchestratorOpts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	s.orchestrator = orchestrator

	evacuationOpts := []evacuation.Option{
		evacuation.WithHistory(s.history),
		evacuation.WithMetrics(s.metrics),
		evacuation.WithMaintenanceNodes(s.config.Automation.MaintenanceNodes),
	}
	if s.cache != nil {
		evacuationOpts = append(evacuationOpts, evacuation.WithPublisher(s.cache))
	}
	s.evacuation = evacuation.NewService(
		s.config.Evacuation,
		s.snapshots,
		s.executor,
		s.storage,
		s.sessions,
		s.logger,
		evacuationOpts...,
	)

	s.logger.Info("Services initialized",
		zap.Bool("automation_enabled", s.config.Automation.Enabled),
		zap.Bool("dry_run", s.config.Automation.DryRun),
	)
	return nil
}

// Thresholds returns the configured scoring thresholds.
func (s *Server) Thresholds() scheduler.Thresholds {
	th := s.config.RecommendationThresholds
	return scheduler.Thresholds{CPU: th.CPU, Memory: th.Memory, IOWait: th.IOWait}
}

// Orchestrator returns the automation orchestrator.
func (s *Server) Orchestrator() *automation.Orchestrator {
	return s.orchestrator
}

// Evacuation returns the evacuation service.
func (s *Server) Evacuation() *evacuation.Service {
	return s.evacuation
}

// Metrics returns the metrics registry.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Recommend generates candidates for the current snapshot. With fresh set any
// cached recommendation sets are dropped first.
func (s *Server) Recommend(ctx context.Context, fresh bool) ([]*domain.Candidate, error) {
	if fresh && s.cache != nil {
		if err := s.cache.InvalidateRecommendations(ctx); err != nil {
			s.logger.Warn("Failed to invalidate cached recommendations", zap.Error(err))
		}
	}

	snap, err := s.snapshots.GetSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	start := time.Now()
	candidates := s.generator.Generate(ctx, snap, s.Thresholds(), s.config.Automation.MaintenanceNodes)
	elapsed := time.Since(start)
	s.metrics.SetRecommendations(len(candidates))

	s.logger.Info("Recommendations generated",
		zap.Int("candidates", len(candidates)),
		zap.Int("guests", len(snap.Guests)),
		zap.Duration("took", elapsed),
		zap.Duration("suggested_refresh", drs.OptimalInterval(len(snap.Guests), elapsed)),
	)
	return candidates, nil
}

// Events streams evacuation progress and automation notifications published by
// any process sharing the Redis backend.
func (s *Server) Events(ctx context.Context) (<-chan redis.Event, error) {
	if s.cache == nil {
		return nil, fmt.Errorf("%w: events require the redis backend", domain.ErrUnavailable)
	}
	return s.cache.Subscribe(ctx, redis.ChannelEvacuation, redis.ChannelNotification), nil
}

// LeaderName returns the value published by the current automation leader.
func (s *Server) LeaderName(ctx context.Context) (string, error) {
	if s.etcd == nil {
		return "", fmt.Errorf("%w: leader election requires etcd", domain.ErrUnavailable)
	}
	name, err := s.etcd.GetLeader(ctx, electionName)
	if errors.Is(err, etcd.ErrNoLeader) {
		return "", domain.ErrNotFound
	}
	return name, err
}

// Close releases every connection the server owns.
func (s *Server) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.etcd != nil {
		errs = append(errs, s.etcd.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
