// Package engine assembles the sync components into one runnable unit:
// stores, tombstones, auth, the mutation queue, the batch orchestrator, and
// the change feed, wired per the loaded configuration.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/weaveboard/synckit/internal/authretry"
	"github.com/weaveboard/synckit/internal/batch"
	"github.com/weaveboard/synckit/internal/config"
	"github.com/weaveboard/synckit/internal/entitysync"
	"github.com/weaveboard/synckit/internal/feed"
	"github.com/weaveboard/synckit/internal/queue"
	"github.com/weaveboard/synckit/internal/remote"
	"github.com/weaveboard/synckit/internal/store"
	"github.com/weaveboard/synckit/internal/tombstone"
)

// Engine owns the wired sync stack.
type Engine struct {
	cfg    *config.Config
	logger *log.Logger

	db       *store.DB
	Queue    *queue.Queue
	Tombs    *tombstone.Store
	Syncer   *entitysync.Syncer
	Batch    *batch.Orchestrator
	Session  *remote.RESTSession
	NewFeed  func(handler feed.Handler) *feed.Feed
	drainReq chan struct{}
}

// New builds the full stack from configuration.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[engine] ", log.LstdFlags)
	}

	db, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	session, err := remote.NewRESTSession(remote.RESTSessionConfig{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	restStore, err := remote.NewRESTStore(remote.RESTConfig{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Token:   session.Token,
		Timeout: cfg.Remote.Timeout,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	tombs := tombstone.New(db, restStore, tombstone.Config{})
	auth := authretry.New(session, nil)
	syncer := entitysync.New(restStore, restStore, auth, tombs, nil)

	fallback := store.NewFallback(cfg.Store.FallbackPath, cfg.Store.FallbackCeiling)
	persister := store.NewPersister(db, fallback, nil)
	breaker := queue.NewBreaker(db, queue.BreakerConfig{
		Threshold: cfg.Queue.BreakerThreshold,
		Cooldown:  cfg.Queue.BreakerCooldown,
	}, nil)

	q, err := queue.New(ctx, persister, breaker, syncer.Handlers(), queue.Config{
		SoftCapacity: cfg.Queue.SoftCapacity,
		MaxRetries:   cfg.Queue.MaxRetries,
		MaxAge:       cfg.Queue.MaxAge,
		DrainTimeout: cfg.Queue.DrainTimeout,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	syncer.Bind(q)

	orch := batch.New(syncer, q, tombs, session, nil, batch.Config{})

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		Queue:    q,
		Tombs:    tombs,
		Syncer:   syncer,
		Batch:    orch,
		Session:  session,
		drainReq: make(chan struct{}, 1),
	}

	q.RequestDrain = e.requestDrain
	q.OnAbandoned = func(item *store.QueueItem, reason queue.AbandonReason) {
		logger.Printf("mutation abandoned: %s %s (%s)", item.Kind, item.Payload.ID, reason)
	}

	e.NewFeed = func(handler feed.Handler) *feed.Feed {
		channel, err := remote.NewWSChannel(remote.WSChannelConfig{
			URL:   cfg.Remote.WebsocketURL,
			Token: session.Token,
		})
		if err != nil {
			logger.Printf("Warning: websocket channel unavailable: %v", err)
			return nil
		}
		return feed.New(channel, handler, feed.Config{
			ErrorThreshold: cfg.Feed.ErrorThreshold,
			ActiveInterval: cfg.Feed.ActiveInterval,
			IdleInterval:   cfg.Feed.IdleInterval,
		})
	}
	return e, nil
}

// requestDrain asks the run loop for an immediate drain; a pending request
// coalesces with it.
func (e *Engine) requestDrain() {
	select {
	case e.drainReq <- struct{}{}:
	default:
	}
}

// Run drives the maintenance loops until ctx ends: periodic queue drains,
// tombstone pruning, and the storage writability probe.
func (e *Engine) Run(ctx context.Context) error {
	drainEvery := e.cfg.Queue.DrainInterval
	if drainEvery <= 0 {
		drainEvery = 30 * time.Second
	}

	drain := time.NewTicker(drainEvery)
	defer drain.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()
	probe := time.NewTicker(time.Minute)
	defer probe.Stop()

	e.logger.Printf("engine running: drain every %s, %d mutations queued", drainEvery, e.Queue.Len())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-drain.C:
			e.drain(ctx)

		case <-e.drainReq:
			e.drain(ctx)

		case <-prune.C:
			if _, err := e.Tombs.PruneExpired(ctx); err != nil {
				e.logger.Printf("Warning: tombstone prune failed: %v", err)
			}

		case <-probe.C:
			e.Queue.ProbeStorage(ctx)
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	if err := e.Queue.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
		e.logger.Printf("Warning: drain failed: %v", err)
	}
}

// Close releases the local store.
func (e *Engine) Close() error {
	return e.db.Close()
}
