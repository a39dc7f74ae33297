// Package etcd provides the cluster-wide automation lock and leader election
// for running several ProxBalance daemons against one Proxmox cluster.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/lock"
)

// ErrNoLeader is returned by GetLeader while no daemon holds the election.
var ErrNoLeader = errors.New("no leader elected")

const (
	keyPrefix         = "/proxbalance"
	defaultSessionTTL = 30
	statusTimeout     = 5 * time.Second
	campaignRetry     = 5 * time.Second
)

// Client holds one etcd session. Locks and leadership are bound to the
// session lease, so they vanish when the process dies.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

var _ lock.Locker = (*Client)(nil)

// NewClient connects and opens a session with the configured TTL.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	c := &Client{
		client:  client,
		session: session,
		logger:  logger.With(zap.String("component", "etcd")),
	}
	c.logger.Info("Connected to etcd",
		zap.Strings("endpoints", cfg.Endpoints),
		zap.Int("session_ttl", ttl),
		zap.Int64("lease", int64(session.Lease())),
	)
	return c, nil
}

// Close revokes the session lease and closes the client.
func (c *Client) Close() error {
	var errs []error
	if c.session != nil {
		errs = append(errs, c.session.Close())
	}
	errs = append(errs, c.client.Close())
	return errors.Join(errs...)
}

// Health succeeds when any configured endpoint answers a status request.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var last error
	for _, ep := range c.client.Endpoints() {
		if _, err := c.client.Status(ctx, ep); err != nil {
			last = err
			continue
		}
		return nil
	}
	if last == nil {
		last = errors.New("no etcd endpoints configured")
	}
	return fmt.Errorf("etcd unreachable: %w", last)
}

// =============================================================================
// Automation lock
// =============================================================================

// Lock is a held automation lock.
type Lock struct {
	key      string
	mutex    *concurrency.Mutex
	logger   *zap.Logger
	released atomic.Bool
}

// TryLock takes the named lock without waiting. A lock held by another
// session returns domain.ErrLockHeld.
func (c *Client) TryLock(ctx context.Context, key string) (lock.Handle, error) {
	mutex := concurrency.NewMutex(c.session, lockKey(key))

	switch err := mutex.TryLock(ctx); {
	case errors.Is(err, concurrency.ErrLocked):
		return nil, fmt.Errorf("etcd lock %s: %w", key, domain.ErrLockHeld)
	case err != nil:
		return nil, fmt.Errorf("failed to acquire etcd lock %s: %w", key, err)
	}

	c.logger.Debug("Automation lock acquired", zap.String("key", key))
	return &Lock{key: key, mutex: mutex, logger: c.logger}, nil
}

// Unlock releases the lock once. Later calls return nil.
func (l *Lock) Unlock(ctx context.Context) error {
	if l.mutex == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to release etcd lock %s: %w", l.key, err)
	}
	l.logger.Debug("Automation lock released", zap.String("key", l.key))
	return nil
}

func lockKey(key string) string {
	return path.Join(keyPrefix, "locks", key)
}

// =============================================================================
// Leader election
// =============================================================================

// LeaderCallback observes leadership changes.
type LeaderCallback func(isLeader bool)

// Leader tracks this daemon's standing in one election.
type Leader struct {
	name     string
	election *concurrency.Election
	session  *concurrency.Session
	callback LeaderCallback
	logger   *zap.Logger
	isLeader atomic.Bool
}

// CampaignForLeader campaigns in the background until ctx is done. value is
// what GetLeader reports for this daemon, usually its hostname.
func (c *Client) CampaignForLeader(ctx context.Context, name, value string, callback LeaderCallback) *Leader {
	l := &Leader{
		name:     name,
		election: concurrency.NewElection(c.session, electionKey(name)),
		session:  c.session,
		callback: callback,
		logger:   c.logger.With(zap.String("election", name)),
	}
	go l.campaign(ctx, value)
	return l
}

func (l *Leader) campaign(ctx context.Context, value string) {
	for {
		err := l.election.Campaign(ctx, value)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Warn("Leader campaign failed, retrying", zap.Error(err), zap.Duration("retry_in", campaignRetry))
			select {
			case <-ctx.Done():
				return
			case <-time.After(campaignRetry):
			}
			continue
		}

		l.setLeader(true)

		select {
		case <-ctx.Done():
		case <-l.session.Done():
			// Lease expired. The session cannot be reused.
			l.logger.Warn("etcd session lost")
			l.setLeader(false)
		}
		return
	}
}

func (l *Leader) setLeader(v bool) {
	if l.isLeader.Swap(v) == v {
		return
	}
	if v {
		l.logger.Info("Became leader")
	} else {
		l.logger.Warn("Lost leadership")
	}
	if l.callback != nil {
		l.callback(v)
	}
}

// IsLeader reports whether this daemon currently leads.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign gives up leadership if held.
func (l *Leader) Resign(ctx context.Context) error {
	if l.election == nil || !l.isLeader.Load() {
		return nil
	}
	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign %s: %w", l.name, err)
	}
	l.setLeader(false)
	return nil
}

// GetLeader returns the value published by the current leader of name.
func (c *Client) GetLeader(ctx context.Context, name string) (string, error) {
	resp, err := concurrency.NewElection(c.session, electionKey(name)).Leader(ctx)
	switch {
	case errors.Is(err, concurrency.ErrElectionNoLeader):
		return "", ErrNoLeader
	case err != nil:
		return "", fmt.Errorf("failed to get leader of %s: %w", name, err)
	case len(resp.Kvs) == 0:
		return "", ErrNoLeader
	}
	return string(resp.Kvs[0].Value), nil
}

func electionKey(name string) string {
	return path.Join(keyPrefix, "leaders", name)
}
